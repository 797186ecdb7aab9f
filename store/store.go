// Package store is the sqlite-backed journal for settlement attempts and
// withdrawal records. Ambiguous attempts and non-terminal withdrawals read
// back from it after a restart.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	settle "github.com/waddle-labs/settle"
	"github.com/waddle-labs/settle/ledger"
)

// MemoryDSN is a shared in-memory database, useful for tests and dry runs.
const MemoryDSN = "file::memory:?cache=shared"

// Store journals attempts and withdrawals.
type Store struct {
	db *gorm.DB
}

// Open connects to the sqlite database at dsn and migrates it.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return New(db)
}

// New wraps an existing connection and migrates it.
func New(db *gorm.DB) (*Store, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveAttempt upserts the attempt keyed by its id. Attempts without an id are
// keyed by their reference id.
func (s *Store) SaveAttempt(ctx context.Context, attempt settle.SettlementAttempt) error {
	row := attemptFrom(attempt)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save attempt %s: %w", attempt.ReferenceID, err)
	}
	return nil
}

// GetAttempt returns the most recent attempt for referenceID, or
// settle.ErrAttemptNotFound when nothing was journaled for it.
func (s *Store) GetAttempt(ctx context.Context, referenceID string) (*settle.SettlementAttempt, error) {
	var row Attempt
	err := s.db.WithContext(ctx).
		Where("reference_id = ?", referenceID).
		Order("started_at DESC").Order("updated_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, settle.ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load attempt %s: %w", referenceID, err)
	}
	attempt := row.toSettle()
	return &attempt, nil
}

// ListAmbiguous returns attempts whose outcome is unknown, oldest first.
// A reference id that later settled counts as reconciled and is left out.
func (s *Store) ListAmbiguous(ctx context.Context) ([]settle.SettlementAttempt, error) {
	settled := s.db.Model(&Attempt{}).Select("reference_id").Where("state = ?", string(settle.StateSettled))
	var rows []Attempt
	err := s.db.WithContext(ctx).
		Where("ambiguous = ?", true).
		Where("reference_id NOT IN (?)", settled).
		Order("started_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list ambiguous attempts: %w", err)
	}
	out := make([]settle.SettlementAttempt, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toSettle())
	}
	return out, nil
}

// SaveWithdrawal upserts a withdrawal record.
func (s *Store) SaveWithdrawal(ctx context.Context, record ledger.WithdrawalRecord) error {
	row := withdrawalFrom(record)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save withdrawal %s: %w", record.ID, err)
	}
	return nil
}

// ListWithdrawals returns every journaled withdrawal, oldest first. With
// openOnly set, terminal records are skipped.
func (s *Store) ListWithdrawals(ctx context.Context, openOnly bool) ([]ledger.WithdrawalRecord, error) {
	q := s.db.WithContext(ctx).Order("created_at")
	if openOnly {
		q = q.Where("status NOT IN ?", []string{string(ledger.StatusCompleted), string(ledger.StatusCancelled)})
	}
	var rows []Withdrawal
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	out := make([]ledger.WithdrawalRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toLedger())
	}
	return out, nil
}

var _ settle.AttemptStore = (*Store)(nil)
