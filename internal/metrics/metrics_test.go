package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomes(t *testing.T) {
	m := New()
	m.ObserveOutcome("discord", "replied")
	m.ObserveOutcome("discord", "replied")
	m.ObserveOutcome("discord", "busy")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.turns.WithLabelValues("discord", "replied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("discord", "busy")))
}

func TestGauges(t *testing.T) {
	m := New()
	m.IncInFlight()
	m.IncInFlight()
	m.DecInFlight()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))

	m.SetStuck(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.stuck))

	m.ObserveSweep(nil)
	m.ObserveSweep(errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweeps.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweeps.WithLabelValues("error")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveCompletion("thread", 1500*time.Millisecond, nil)
	m.ObserveOutcome("telegram", "replied")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `threadbot_completion_duration_seconds_count{kind="thread",status="ok"} 1`)
	assert.Contains(t, string(body), `threadbot_messages_total{channel="telegram",outcome="replied"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserveOutcome("discord", "replied")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.turns.WithLabelValues("discord", "replied")))
}
