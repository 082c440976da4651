package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stellarlinkco/threadbot/internal/cron"
	"github.com/stellarlinkco/threadbot/internal/metadata"
	"github.com/stellarlinkco/threadbot/internal/metrics"
	"github.com/stellarlinkco/threadbot/internal/thread"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

const testToken = "s3cret"

type memPlatform struct {
	mu      sync.Mutex
	threads map[string][]thread.Message
}

func (p *memPlatform) Messages(_ context.Context, threadID string) ([]thread.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs, ok := p.threads[threadID]
	if !ok {
		return nil, errors.New("unknown thread")
	}
	return append([]thread.Message(nil), msgs...), nil
}

func (p *memPlatform) Message(_ context.Context, threadID, messageID string) (thread.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.threads[threadID] {
		if m.ID == messageID {
			return m, nil
		}
	}
	return thread.Message{}, errors.New("unknown message")
}

func (p *memPlatform) Edit(_ context.Context, threadID, messageID, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range p.threads[threadID] {
		if m.ID == messageID {
			p.threads[threadID][i].Content = content
			return nil
		}
	}
	return errors.New("unknown message")
}

func (p *memPlatform) Reply(context.Context, string, string, string) (thread.Message, error) {
	return thread.Message{}, errors.New("not supported")
}

func newTestServer(t *testing.T) (*Server, *memPlatform, *thread.Registry) {
	t.Helper()
	rec := metadata.Record{OwnerID: "42", UserTurns: []int{1}, AssistantGroups: [][]int{{2}}, Footer: "footer"}
	p := &memPlatform{threads: map[string][]thread.Message{
		"t1": {
			{ID: "m0", AuthorID: "900", Content: metadata.Encode(rec), Position: 0},
			{ID: "m1", AuthorID: "42", Content: "hi", Position: 1},
			{ID: "m2", AuthorID: "900", Content: "hello", Position: 2},
		},
		"t2": {
			{ID: "n0", AuthorID: "900", Content: metadata.Encode(metadata.New("42", "footer").WithBusy(true)), Position: 0},
		},
		"t3": {
			{ID: "x0", AuthorID: "900", Content: "not metadata", Position: 0},
		},
		"empty": {},
	}}
	reg := thread.NewRegistry()
	reg.Touch("discord", "t1")

	m := metrics.New()
	s := NewServer(testToken, Deps{
		Registry: reg,
		Platforms: func(channel string) (thread.Platform, bool) {
			return p, channel == "discord"
		},
		Channels: func() []string { return []string{"discord"} },
		Metrics:  m.Handler(),
		Stuck: func() []cron.StuckThread {
			return []cron.StuckThread{{Channel: "discord", ThreadID: "t2"}}
		},
		Jobs: func() []cron.Job { return []cron.Job{{Name: cron.SweepJobName, Spec: "@every 5m"}} },
		Poll: thread.PollConfig{Interval: time.Millisecond, MaxTries: 5},
	})
	return s, p, reg
}

func do(t *testing.T, s *Server, method, path, token string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	var body map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w.Code, body
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	s, _, _ := newTestServer(t)

	code, body := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["data"].(map[string]any)["status"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAPIRequiresToken(t *testing.T) {
	s, _, _ := newTestServer(t)
	for _, token := range []string{"", "wrong"} {
		code, body := do(t, s, http.MethodGet, "/api/threads", token)
		assert.Equal(t, http.StatusUnauthorized, code)
		assert.Equal(t, false, body["success"])
	}

	open := NewServer("", Deps{Registry: thread.NewRegistry()})
	code, _ := do(t, open, http.MethodGet, "/api/threads", "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestGetThread(t *testing.T) {
	s, _, _ := newTestServer(t)

	code, body := do(t, s, http.MethodGet, "/api/threads/t1", testToken)
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "42", data["owner"])
	assert.Equal(t, float64(3), data["messages"])
	assert.Equal(t, float64(1), data["turns"])
	assert.Equal(t, false, data["busy"])
	assert.NotNil(t, data["registry"])

	code, body = do(t, s, http.MethodGet, "/api/threads/t3", testToken)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["data"].(map[string]any)["decodeError"])

	code, _ = do(t, s, http.MethodGet, "/api/threads/empty", testToken)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, s, http.MethodGet, "/api/threads/nope", testToken)
	assert.Equal(t, http.StatusInternalServerError, code)

	code, _ = do(t, s, http.MethodGet, "/api/threads/t2?channel=telegram", testToken)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetThread_RegistersUnknownThread(t *testing.T) {
	s, _, reg := newTestServer(t)

	_, seen := reg.Get("t2")
	require.False(t, seen)
	code, body := do(t, s, http.MethodGet, "/api/threads/t2", testToken)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["data"].(map[string]any)["busy"])

	st, seen := reg.Get("t2")
	require.True(t, seen)
	assert.Equal(t, "discord", st.Channel)
	assert.Zero(t, st.InFlight)

	do(t, s, http.MethodGet, "/api/threads/t3", testToken)
	_, seen = reg.Get("t3")
	assert.False(t, seen)
}

func TestUnlockThread(t *testing.T) {
	s, p, reg := newTestServer(t)

	code, body := do(t, s, http.MethodPost, "/api/threads/t2/unlock", testToken)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["data"].(map[string]any)["unlocked"])
	assert.False(t, metadata.IsBusy(p.threads["t2"][0].Content))

	code, body = do(t, s, http.MethodPost, "/api/threads/t2/unlock", testToken)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["data"].(map[string]any)["unlocked"])

	done := reg.Begin("discord", "t1")
	defer done()
	code, _ = do(t, s, http.MethodPost, "/api/threads/t1/unlock", testToken)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListings(t *testing.T) {
	s, _, _ := newTestServer(t)

	code, body := do(t, s, http.MethodGet, "/api/threads", testToken)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 1)

	code, body = do(t, s, http.MethodGet, "/api/stuck", testToken)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 1)

	code, body = do(t, s, http.MethodGet, "/api/jobs", testToken)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 1)
}

func TestStartShutdown(t *testing.T) {
	s, _, _ := newTestServer(t)
	require.NoError(t, s.Start("127.0.0.1", 0))

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
