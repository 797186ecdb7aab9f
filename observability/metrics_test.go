package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAttempt("wager", "SETTLED")
		m.AttemptStarted()
		m.AttemptFinished()
		m.ObserveTransfer("token", time.Second)
		m.RecordTransferError("USER_REJECTED")
		m.RecordWithdrawal("queued")
		m.RecordDroppedResponse()
	})
}

func TestMetrics_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordAttempt("entry_fee", "SETTLED")
	m.RecordAttempt("entry_fee", "SETTLED")
	m.RecordAttempt("", "")
	m.AttemptStarted()
	m.RecordTransferError("CONFIRMATION_TIMEOUT")
	m.RecordDroppedResponse()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues("entry_fee", "settled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("unspecified", "unspecified")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attemptsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transferErrors.WithLabelValues("confirmation_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.channelDropped))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
