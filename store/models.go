package store

import (
	"time"

	"gorm.io/gorm"

	settle "github.com/waddle-labs/settle"
	"github.com/waddle-labs/settle/ledger"
)

// Attempt is the latest persisted state of one settlement attempt. A reference
// id may have several attempts; each keeps its own row.
type Attempt struct {
	ID            string `gorm:"primaryKey;size:64"`
	ReferenceID   string `gorm:"size:128;index"`
	Purpose       string `gorm:"size:32;index"`
	Amount        uint64 `gorm:"not null"`
	Counterparty  string `gorm:"size:64"`
	Mint          string `gorm:"size:64"`
	State         string `gorm:"size:32;index"`
	Signature     string `gorm:"size:128;index"`
	IntentPayload string
	ErrorCode     string `gorm:"size:64"`
	Error         string
	Ambiguous     bool `gorm:"index"`
	StartedAt     time.Time
	UpdatedAt     time.Time
}

// Withdrawal mirrors a ledger withdrawal record.
type Withdrawal struct {
	ID            string `gorm:"primaryKey;size:128"`
	Requested     uint64 `gorm:"not null"`
	Rake          uint64
	Net           uint64
	ChainAmount   uint64
	Status        string `gorm:"size:32;index"`
	QueuePosition int
	Signature     string `gorm:"size:128"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AutoMigrate performs all schema migrations for the journal.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Attempt{}, &Withdrawal{})
}

func attemptFrom(a settle.SettlementAttempt) Attempt {
	id := a.ID
	if id == "" {
		id = a.ReferenceID
	}
	return Attempt{
		ID:            id,
		ReferenceID:   a.ReferenceID,
		Purpose:       string(a.Purpose),
		Amount:        a.Amount,
		Counterparty:  a.Counterparty,
		Mint:          a.Mint,
		State:         string(a.State),
		Signature:     a.Signature,
		IntentPayload: a.IntentPayload,
		ErrorCode:     a.ErrorCode,
		Error:         a.Error,
		Ambiguous:     a.Ambiguous,
		StartedAt:     a.StartedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func (a Attempt) toSettle() settle.SettlementAttempt {
	return settle.SettlementAttempt{
		ID:            a.ID,
		Purpose:       settle.Purpose(a.Purpose),
		ReferenceID:   a.ReferenceID,
		Amount:        a.Amount,
		Counterparty:  a.Counterparty,
		Mint:          a.Mint,
		State:         settle.AttemptState(a.State),
		Signature:     a.Signature,
		IntentPayload: a.IntentPayload,
		ErrorCode:     a.ErrorCode,
		Error:         a.Error,
		Ambiguous:     a.Ambiguous,
		StartedAt:     a.StartedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func withdrawalFrom(r ledger.WithdrawalRecord) Withdrawal {
	return Withdrawal{
		ID:            r.ID,
		Requested:     r.Requested,
		Rake:          r.Rake,
		Net:           r.Net,
		ChainAmount:   r.ChainAmount,
		Status:        string(r.Status),
		QueuePosition: r.QueuePosition,
		Signature:     r.Signature,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func (w Withdrawal) toLedger() ledger.WithdrawalRecord {
	return ledger.WithdrawalRecord{
		ID:            w.ID,
		Requested:     w.Requested,
		Rake:          w.Rake,
		Net:           w.Net,
		ChainAmount:   w.ChainAmount,
		Status:        ledger.WithdrawalStatus(w.Status),
		QueuePosition: w.QueuePosition,
		Signature:     w.Signature,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
}
