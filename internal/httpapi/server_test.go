package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botrelay/internal/dispatch"
	"botrelay/internal/domain"
	"botrelay/internal/maintenance"
	"botrelay/internal/stats"
	"botrelay/internal/storage"
	logx "botrelay/pkg/logx"
)

type fakeConns []domain.ConnectionState

func (f fakeConns) Snapshot() []domain.ConnectionState { return f }

type fakeBatches struct {
	mu   sync.Mutex
	jobs map[string]dispatch.JobStatus
}

func (f *fakeBatches) Submit(b dispatch.Batch) (string, error) {
	if err := b.Validate(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "job-" + b.Name
	f.jobs[id] = dispatch.JobStatus{ID: id, Name: b.Name, Kind: b.Kind, Total: len(b.Recipients), State: dispatch.JobQueued}
	return id, nil
}

func (f *fakeBatches) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.jobs[id]
	if !ok || st.State == dispatch.JobDone {
		return false
	}
	st.State = dispatch.JobCancelled
	f.jobs[id] = st
	return true
}

func (f *fakeBatches) Status(id string) (dispatch.JobStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.jobs[id]
	return st, ok
}

func (f *fakeBatches) List() []dispatch.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatch.JobStatus, 0, len(f.jobs))
	for _, st := range f.jobs {
		out = append(out, st)
	}
	return out
}

type storeBanner struct{ storage.Store }

func (b storeBanner) Ban(ctx context.Context, id domain.AccountID) error {
	return b.MarkBanned(ctx, id)
}

type fakeJobs struct{ ran []string }

func (f *fakeJobs) Snapshot() []maintenance.RunInfo {
	return []maintenance.RunInfo{{Name: maintenance.JobHealthSweep, Spec: "@every 10m", Runs: len(f.ran)}}
}

func (f *fakeJobs) RunNow(_ context.Context, name string) error {
	switch name {
	case maintenance.JobHealthSweep:
		f.ran = append(f.ran, name)
		return nil
	case maintenance.JobDailyReset:
		return errors.New("store down")
	}
	return fmt.Errorf("%w: %s", maintenance.ErrUnknownJob, name)
}

type fixture struct {
	srv     *httptest.Server
	store   storage.Store
	batches *fakeBatches
	ids     []domain.AccountID
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: storage.NewMemory(), batches: &fakeBatches{jobs: map[string]dispatch.JobStatus{
		"done": {ID: "done", State: dispatch.JobDone},
	}}}
	a, err := f.store.CreateAccount(ctx, []byte("secret-token"), domain.KindTelegramBot, "main")
	require.NoError(t, err)
	b, err := f.store.CreateAccount(ctx, nil, domain.KindDryRun, "")
	require.NoError(t, err)
	require.NoError(t, f.store.MarkBanned(ctx, b.ID))
	f.ids = []domain.AccountID{a.ID, b.ID}

	rec := stats.NewMemory()
	require.NoError(t, rec.Record(ctx, domain.DispatchAttempt{AccountID: a.ID, Outcome: domain.OutcomeSent}))

	s := New(cfg, Deps{
		Connections: fakeConns{{AccountID: a.ID, Kind: a.Kind, Status: domain.StatusConnected}},
		Accounts:    f.store,
		Banner:      storeBanner{f.store},
		Batches:     f.batches,
		Stats:       rec,
		Now:         func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) },
	}, logx.Nop())
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Config{Token: "s3cret"})
	resp, body := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["usable"])
	assert.Equal(t, "2026-03-10T12:00:00Z", body["time"])
}

func TestTokenRequired(t *testing.T) {
	f := newFixture(t, Config{Token: "s3cret"})
	resp, _ := f.do(t, http.MethodGet, "/v1/accounts", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/v1/accounts", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/v1/accounts?token=s3cret", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAccountsHidesCredentials(t *testing.T) {
	f := newFixture(t, Config{})
	resp, body := f.do(t, http.MethodGet, "/v1/accounts", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	accts := body["accounts"].([]any)
	require.Len(t, accts, 2)
	first := accts[0].(map[string]any)
	assert.Equal(t, string(f.ids[0]), first["id"])
	assert.Equal(t, "connected", first["connection"].(map[string]any)["status"])
	assert.NotContains(t, first, "credential")
	second := accts[1].(map[string]any)
	assert.Equal(t, true, second["banned"])
	assert.NotContains(t, second, "connection")
}

func TestBatchLifecycle(t *testing.T) {
	f := newFixture(t, Config{})

	resp, body := f.do(t, http.MethodPost, "/v1/batches", "", `{"name":"promo","recipients":["+1","+2"],"contents":["hi"]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "job-promo", body["id"])

	resp, body = f.do(t, http.MethodGet, "/v1/batches/job-promo", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", body["state"])
	assert.Equal(t, float64(2), body["total"])

	resp, _ = f.do(t, http.MethodPost, "/v1/batches/job-promo/cancel", "", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	st, _ := f.batches.Status("job-promo")
	assert.Equal(t, dispatch.JobCancelled, st.State)

	resp, _ = f.do(t, http.MethodPost, "/v1/batches/done/cancel", "", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/v1/batches/missing/cancel", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/batches", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["batches"], 2)
}

func TestSubmitRejectsBadBodies(t *testing.T) {
	f := newFixture(t, Config{})
	resp, _ := f.do(t, http.MethodPost, "/v1/batches", "", `{"recipients":["+1"],"contents":[""]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/v1/batches", "", `{"recipients":["+1"],"body":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body := f.do(t, http.MethodPost, "/v1/batches", "", `{"kind":"fax","recipients":["+1"],"contents":["x"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "fax")
}

func TestSubmitBatchWithKind(t *testing.T) {
	f := newFixture(t, Config{})
	resp, body := f.do(t, http.MethodPost, "/v1/batches", "", `{"name":"tg","kind":"telegram_bot","recipients":["+1"],"contents":["hi"]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "job-tg", body["id"])

	resp, body = f.do(t, http.MethodGet, "/v1/batches/job-tg", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "telegram_bot", body["kind"])
}

func TestStatsAndMissingDeps(t *testing.T) {
	f := newFixture(t, Config{})
	resp, body := f.do(t, http.MethodGet, "/v1/stats", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"].(map[string]any)["sent"])

	resp, _ = f.do(t, http.MethodGet, "/v1/maintenance", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBanAccount(t *testing.T) {
	f := newFixture(t, Config{})
	resp, _ := f.do(t, http.MethodPost, "/v1/accounts/"+string(f.ids[0])+"/ban", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	acct, err := f.store.GetAccount(context.Background(), f.ids[0])
	require.NoError(t, err)
	assert.True(t, acct.Banned)

	resp, _ = f.do(t, http.MethodPost, "/v1/accounts/nope/ban", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMaintenanceEndpoints(t *testing.T) {
	jobs := &fakeJobs{}
	s := New(Config{}, Deps{Jobs: jobs}, logx.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	post := func(path string) int {
		resp, err := http.Post(srv.URL+path, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, post("/v1/maintenance/health_sweep/run"))
	assert.Equal(t, http.StatusBadGateway, post("/v1/maintenance/daily_reset/run"))
	assert.Equal(t, http.StatusNotFound, post("/v1/maintenance/vacuum/run"))
	assert.Equal(t, []string{maintenance.JobHealthSweep}, jobs.ran)

	resp, err := http.Get(srv.URL + "/v1/maintenance")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Jobs []maintenance.RunInfo `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, 1, body.Jobs[0].Runs)
}

func TestPprofMount(t *testing.T) {
	f := newFixture(t, Config{Pprof: true})
	resp, _ := f.do(t, http.MethodGet, "/debug/pprof/cmdline", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	g := newFixture(t, Config{})
	resp, _ = g.do(t, http.MethodGet, "/debug/pprof/cmdline", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	assert.ErrorIs(t, s.Run(context.Background()), ErrInsecureBind)
}

func TestRunServesUntilCancelled(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 5*time.Second, time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:8087"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":8087"))
	assert.False(t, isLoopbackAddr("10.0.0.1:80"))
	assert.False(t, isLoopbackAddr("nonsense"))
}
