package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type body struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func serve(t *testing.T, handler http.HandlerFunc) (int, body) {
	t.Helper()
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var b body
	require.NoError(t, json.NewDecoder(w.Body).Decode(&b))
	return w.Code, b
}

func pass(context.Context) error { return nil }

func fail(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func runN(p *probe, n int) {
	for range n {
		p.run(context.Background())
	}
}

func TestLive(t *testing.T) {
	t.Run("AllPassing", func(t *testing.T) {
		h := New()
		h.Add(Liveness, "a", pass)
		h.Add(Liveness, "b", pass)

		code, b := serve(t, h.LiveEndpoint)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", b.Status)
		assert.Empty(t, b.Checks)
	})
	t.Run("NoChecks", func(t *testing.T) {
		code, _ := serve(t, New().LiveEndpoint)
		assert.Equal(t, http.StatusOK, code)
	})
	t.Run("FailingPastThreshold", func(t *testing.T) {
		h := New()
		h.Add(Liveness, "db", fail("connection refused"))
		runN(h.probes[0], 3)

		code, b := serve(t, h.LiveEndpoint)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unhealthy", b.Status)
		assert.Equal(t, "connection refused", b.Checks["db"])
	})
	t.Run("BelowThreshold", func(t *testing.T) {
		h := New()
		h.Add(Liveness, "flaky", fail("temporary"))
		runN(h.probes[0], 2)

		code, _ := serve(t, h.LiveEndpoint)
		assert.Equal(t, http.StatusOK, code)
	})
	t.Run("ReadinessIgnored", func(t *testing.T) {
		h := New()
		h.Add(Readiness, "kafka", fail("down"))
		runN(h.probes[0], 3)

		code, _ := serve(t, h.LiveEndpoint)
		assert.Equal(t, http.StatusOK, code)
	})
}

func TestReady(t *testing.T) {
	t.Run("NotMarkedReady", func(t *testing.T) {
		h := New()
		h.Add(Readiness, "cache", pass)

		code, b := serve(t, h.ReadyEndpoint)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Contains(t, b.Checks, "_readiness")
		assert.False(t, h.IsReady())
	})
	t.Run("Toggle", func(t *testing.T) {
		h := New()
		h.SetReady(true)
		code, b := serve(t, h.ReadyEndpoint)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", b.Status)
		assert.True(t, h.IsReady())

		h.SetReady(false)
		code, _ = serve(t, h.ReadyEndpoint)
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})
	t.Run("OneFailing", func(t *testing.T) {
		h := New()
		h.Add(Readiness, "db", pass)
		h.Add(Readiness, "cache", fail("cache miss"))
		h.SetReady(true)
		runN(h.probes[1], 3)

		code, b := serve(t, h.ReadyEndpoint)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "cache miss", b.Checks["cache"])
		assert.NotContains(t, b.Checks, "db")
		assert.False(t, h.IsReady())
	})
}

func TestThresholds(t *testing.T) {
	failing := true
	h := New()
	h.Add(Liveness, "flaky", func(context.Context) error {
		if failing {
			return errors.New("down")
		}
		return nil
	}, WithThresholds(2, 2))
	p := h.probes[0]

	runN(p, 2)
	assert.False(t, p.healthy.Load())

	failing = false
	runN(p, 1)
	assert.False(t, p.healthy.Load(), "one pass is below the success threshold")
	runN(p, 1)
	assert.True(t, p.healthy.Load())
}

func TestTimeout(t *testing.T) {
	h := New()
	h.Add(Liveness, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithTimeout(10*time.Millisecond), WithThresholds(1, 1))

	runN(h.probes[0], 1)
	_, b := serve(t, h.LiveEndpoint)
	assert.Equal(t, context.DeadlineExceeded.Error(), b.Checks["slow"])
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPingCheck(t *testing.T) {
	require.NoError(t, PingCheck("db", pinger{})(context.Background()))

	err := PingCheck("db", pinger{err: errors.New("refused")})(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping db")
}

func TestStartStop(t *testing.T) {
	h := New()
	h.Add(Liveness, "live", fail("err"))
	h.Add(Readiness, "ready", pass)
	h.SetReady(true)

	h.Start(context.Background(), 5*time.Millisecond)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 50 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		})
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
		return w.Code == http.StatusServiceUnavailable
	}, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
}

func TestRuntimeChecks(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))
	assert.ErrorContains(t, GoroutineCountCheck(0)(context.Background()), "limit 0")
	assert.NoError(t, GCMaxPauseCheck(time.Hour)(context.Background()))
}
