package alerts

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rawblock/fraud-engine/internal/observability"
	"github.com/rawblock/fraud-engine/pkg/models"
)

func newManager(opts ...Option) *Manager {
	return NewManager(observability.NewForTest(), zap.NewNop(), opts...)
}

func assessment(level models.RiskLevel, rules ...string) models.RiskAssessment {
	return models.RiskAssessment{
		TransactionHash: "0xabc",
		Score:           0.9,
		Level:           level,
		TriggeredRules:  rules,
	}
}

func sampleTx() models.Transaction {
	return models.Transaction{
		Hash:        "0xabc",
		FromAddress: "0xAlice",
		ToAddress:   "0xBob",
		ValueUSD:    1_000,
		Timestamp:   time.Now().UTC(),
		Type:        models.TxTransfer,
	}
}

func TestEmitAssignsIDAndTimestamp(t *testing.T) {
	m := newManager()
	m.Emit(Alert{Severity: models.RiskHigh, TransactionHash: "0x1"})

	recent := m.Recent(10)
	require.Len(t, recent, 1)
	require.NotEmpty(t, recent[0].ID)
	require.False(t, recent[0].Timestamp.IsZero())
}

func TestEmitFromAssessmentRespectsSeverityFloor(t *testing.T) {
	m := newManager(WithMinSeverity(models.RiskHigh))

	m.EmitFromAssessment(sampleTx(), assessment(models.RiskMedium, "some_rule"))
	require.Empty(t, m.Recent(10))

	m.EmitFromAssessment(sampleTx(), assessment(models.RiskHigh, "some_rule"))
	require.Len(t, m.Recent(10), 1)
}

func TestNonTriggeringAssessmentNeverAlerts(t *testing.T) {
	m := newManager(WithMinSeverity(models.RiskLow))
	m.EmitFromAssessment(sampleTx(), assessment(models.RiskCritical))
	require.Empty(t, m.Recent(10))
}

func TestEmitFromAssessmentNormalizesAddresses(t *testing.T) {
	m := newManager()
	m.EmitFromAssessment(sampleTx(), assessment(models.RiskHigh, "self_trading"))

	recent := m.Recent(1)
	require.Len(t, recent, 1)
	require.Equal(t, "0xalice", recent[0].FromAddress)
	require.Equal(t, "0xbob", recent[0].ToAddress)
	require.Equal(t, []string{"self_trading"}, recent[0].TriggeredRules)
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	m := newManager()
	m.Emit(Alert{ID: "first", Severity: models.RiskHigh})
	m.Emit(Alert{ID: "second", Severity: models.RiskHigh})
	m.Emit(Alert{ID: "third", Severity: models.RiskHigh})

	recent := m.Recent(2)
	require.Len(t, recent, 2)
	require.Equal(t, "third", recent[0].ID)
	require.Equal(t, "second", recent[1].ID)
}

func TestHistoryCap(t *testing.T) {
	m := newManager(WithHistoryLimit(5))
	for i := 0; i < 10; i++ {
		m.Emit(Alert{Severity: models.RiskHigh})
	}
	require.Len(t, m.Recent(0), 5)
}

func TestBySeverity(t *testing.T) {
	m := newManager()
	m.Emit(Alert{ID: "low", Severity: models.RiskLow})
	m.Emit(Alert{ID: "crit", Severity: models.RiskCritical})

	out := m.BySeverity(models.RiskHigh)
	require.Len(t, out, 1)
	require.Equal(t, "crit", out[0].ID)
}

func TestBroadcastCallbackReceivesAlert(t *testing.T) {
	var got []Alert
	m := newManager(WithBroadcast(func(a Alert) { got = append(got, a) }))

	m.Emit(Alert{Severity: models.RiskHigh, TransactionHash: "0x1"})
	require.Len(t, got, 1)
	require.Equal(t, "0x1", got[0].TransactionHash)
}

func TestWebhookDeliveryFiltersBySeverity(t *testing.T) {
	var mu sync.Mutex
	var received []Alert
	done := make(chan struct{}, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		mu.Lock()
		received = append(received, a)
		mu.Unlock()
		done <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newManager(WithMinSeverity(models.RiskLow))
	m.RegisterWebhook("siem", srv.URL, models.RiskCritical, map[string]string{"X-Token": "t"})

	// Below the webhook's floor: no delivery.
	m.Emit(Alert{Severity: models.RiskHigh, TransactionHash: "0xskip"})
	// At the floor: delivered.
	m.Emit(Alert{Severity: models.RiskCritical, TransactionHash: "0xsend"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook delivery timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, "0xsend", received[0].TransactionHash)
}

func TestRemoveWebhook(t *testing.T) {
	m := newManager()
	m.RegisterWebhook("a", "http://localhost/a", models.RiskHigh, nil)
	m.RegisterWebhook("b", "http://localhost/b", models.RiskHigh, nil)

	m.RemoveWebhook("a")
	hooks := m.Webhooks()
	require.Len(t, hooks, 1)
	require.Equal(t, "b", hooks[0].Name)
}

// failSink always errors; emission must survive it.
type failSink struct{}

func (failSink) SaveAlert(Alert) error { return errors.New("sink down") }

func TestSinkFailureDoesNotBlockEmission(t *testing.T) {
	m := newManager(WithSink(failSink{}))
	m.Emit(Alert{Severity: models.RiskHigh})
	require.Len(t, m.Recent(1), 1)
}

// stuckSink never returns until released, standing in for a hung database.
type stuckSink struct{ release chan struct{} }

func (s stuckSink) SaveAlert(Alert) error {
	<-s.release
	return nil
}

func TestHungSinkDoesNotStallEmission(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	m := newManager(WithSink(stuckSink{release: release}))

	done := make(chan struct{})
	go func() {
		m.Emit(Alert{Severity: models.RiskHigh, TransactionHash: "0x1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a hung sink")
	}
	require.Len(t, m.Recent(1), 1)
}
