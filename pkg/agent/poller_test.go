package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mesh-maas/pkg/api"
	"mesh-maas/pkg/auth"
	"mesh-maas/pkg/model"
	"mesh-maas/pkg/playbook"
	"mesh-maas/pkg/signer"
	"mesh-maas/pkg/store"
)

func hmacSigner(t *testing.T, secret string) *signer.HMAC {
	t.Helper()
	s, err := signer.NewHMAC([]byte(secret))
	require.NoError(t, err)
	return s
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) handler(err error) Handler {
	return func(_ context.Context, a model.PlaybookAction) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, a.Action)
		return err
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func controller(t *testing.T, s signer.Signer) (*playbook.Queue, *httptest.Server) {
	t.Helper()
	q := playbook.New(s, playbook.WithStore(store.NewMemoryStore()))
	srv := httptest.NewServer(api.NewServer(api.Config{Queue: q}).Handler())
	t.Cleanup(srv.Close)
	return q, srv
}

func create(t *testing.T, q *playbook.Queue, actions ...string) model.Playbook {
	t.Helper()
	req := playbook.CreateRequest{Name: "ops", TargetNodes: []string{"node-a"}}
	for _, a := range actions {
		req.Actions = append(req.Actions, model.PlaybookAction{Action: a})
	}
	pb, err := q.Create(context.Background(), "mesh-1", req)
	require.NoError(t, err)
	return pb
}

func nodeStatus(t *testing.T, q *playbook.Queue, id string) string {
	t.Helper()
	st, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	return st.NodeStatuses["node-a"].Status
}

func TestPollerExecutesVerifiedPlaybook(t *testing.T) {
	s := hmacSigner(t, "mesh-secret")
	q, srv := controller(t, s)
	pb := create(t, q, model.ActionRestart, model.ActionExec)

	rec := &recorder{}
	p := NewPoller(NewClient(srv.URL, "", nil), "mesh-1", "node-a",
		WithVerifier(s),
		WithHandler(model.ActionRestart, rec.handler(nil)),
		WithHandler(model.ActionExec, rec.handler(nil)))

	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{model.ActionRestart, model.ActionExec}, rec.calls)
	assert.Equal(t, StatusCompleted, nodeStatus(t, q, pb.ID))

	n, err = p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPollerRejectsForeignSignature(t *testing.T) {
	q, srv := controller(t, hmacSigner(t, "controller-secret"))
	pb := create(t, q, model.ActionRestart)

	rec := &recorder{}
	p := NewPoller(NewClient(srv.URL, "", nil), "mesh-1", "node-a",
		WithVerifier(hmacSigner(t, "other-secret")),
		WithHandler(model.ActionRestart, rec.handler(nil)))

	_, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rec.count())
	assert.Equal(t, StatusRejected, nodeStatus(t, q, pb.ID))
}

func TestPollerReportsFailures(t *testing.T) {
	s := hmacSigner(t, "k")
	q, srv := controller(t, s)
	unhandled := create(t, q, model.ActionUpgrade)
	broken := create(t, q, model.ActionRestart, model.ActionExec)

	rec := &recorder{}
	p := NewPoller(NewClient(srv.URL, "", nil), "mesh-1", "node-a",
		WithVerifier(s),
		WithHandlers(map[string]Handler{
			model.ActionRestart: rec.handler(errors.New("unit not found")),
			model.ActionExec:    rec.handler(nil),
		}))

	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, StatusFailed, nodeStatus(t, q, unhandled.ID))
	assert.Equal(t, StatusFailed, nodeStatus(t, q, broken.ID))
	assert.Equal(t, []string{model.ActionRestart}, rec.calls, "actions after a failure are skipped")
}

type fakeController struct {
	mu    sync.Mutex
	items []model.DeliverablePlaybook
	acks  []string
	polls int
	fail  bool
}

func (f *fakeController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		http.Error(w, `{"detail":"internal error"}`, http.StatusInternalServerError)
		return
	}
	switch {
	case strings.Contains(r.URL.Path, "/playbooks/poll/"):
		f.polls++
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"playbooks": f.items})
	case strings.Contains(r.URL.Path, "/playbooks/ack/"):
		parts := strings.Split(r.URL.Path, "/")
		f.acks = append(f.acks, parts[len(parts)-2]+":"+r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"status":"received"}`))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeController) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func deliverable(t *testing.T, s signer.Signer, id, mesh string, nodes ...string) model.DeliverablePlaybook {
	t.Helper()
	payload, err := json.Marshal(model.PlaybookPayload{
		PlaybookID:  id,
		MeshID:      mesh,
		Actions:     []model.PlaybookAction{{Action: model.ActionRestart, Params: map[string]interface{}{}}},
		TargetNodes: nodes,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	sig, err := s.Sign(context.Background(), payload, mesh)
	require.NoError(t, err)
	return model.DeliverablePlaybook{
		PlaybookID: id,
		Name:       "ops",
		Payload:    string(payload),
		Signature:  sig.Signature,
		Algorithm:  sig.Algorithm,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

func TestPollerRejectsMisaddressedPayload(t *testing.T) {
	s := hmacSigner(t, "k")
	fc := &fakeController{items: []model.DeliverablePlaybook{
		deliverable(t, s, "pbk-00000001", "mesh-2", "node-a"),
		deliverable(t, s, "pbk-00000002", "mesh-1", "node-b"),
		{PlaybookID: "pbk-00000003", Payload: "{not json"},
	}}
	srv := httptest.NewServer(fc)
	defer srv.Close()

	rec := &recorder{}
	p := NewPoller(NewClient(srv.URL, "", nil), "mesh-1", "node-a", WithHandler(model.ActionRestart, rec.handler(nil)))
	_, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rec.count())
	assert.Equal(t, []string{"pbk-00000001:rejected", "pbk-00000002:rejected", "pbk-00000003:rejected"}, fc.acks)
}

func TestJournalPreventsReexecution(t *testing.T) {
	s := hmacSigner(t, "k")
	fc := &fakeController{items: []model.DeliverablePlaybook{deliverable(t, s, "pbk-0000000a", "mesh-1", "node-a")}}
	srv := httptest.NewServer(fc)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "state", "agent.db")
	j, err := OpenJournal(context.Background(), path)
	require.NoError(t, err)

	rec := &recorder{}
	p := NewPoller(NewClient(srv.URL, "", nil), "mesh-1", "node-a",
		WithVerifier(s), WithJournal(j), WithHandler(model.ActionRestart, rec.handler(nil)))
	_, err = p.PollOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, j.Close())

	// a restarted agent reopens the same journal
	j, err = OpenJournal(context.Background(), path)
	require.NoError(t, err)
	defer j.Close()
	p = NewPoller(NewClient(srv.URL, "", nil), "mesh-1", "node-a",
		WithVerifier(s), WithJournal(j), WithHandler(model.ActionRestart, rec.handler(nil)))
	_, err = p.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rec.count())
	assert.Equal(t, []string{"pbk-0000000a:completed", "pbk-0000000a:completed"}, fc.acks)
}

func TestClientSurfacesStatusErrors(t *testing.T) {
	srv := httptest.NewServer(&fakeController{fail: true})
	defer srv.Close()

	_, err := NewClient(srv.URL+"/", "tok", nil).Poll(context.Background(), "mesh-1", "node-a")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
}

func TestRunPollsOnWake(t *testing.T) {
	fc := &fakeController{}
	srv := httptest.NewServer(fc)
	defer srv.Close()

	p := NewPoller(NewClient(srv.URL, "", nil), "mesh-1", "node-a")
	wake := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, time.Hour, wake) }()

	require.Eventually(t, func() bool { return fc.pollCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	wake <- struct{}{}
	require.Eventually(t, func() bool { return fc.pollCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWSClientWakesOnPush(t *testing.T) {
	hub := api.NewWSHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleAgentWS))
	defer srv.Close()

	c, err := NewWSClient(srv.URL, "node-a", "", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return hub.Connected("node-a") }, 2*time.Second, 10*time.Millisecond)
	hub.NotifyPlaybook([]string{"node-b"}, "pbk-00000001")
	hub.NotifyPlaybook([]string{"node-a"}, "pbk-00000002")

	select {
	case <-c.Wake():
	case <-time.After(2 * time.Second):
		t.Fatal("no wake signal")
	}
}

func TestWSClientAuthenticatesAgainstController(t *testing.T) {
	hub := api.NewWSHub(nil)
	srv := httptest.NewServer(api.NewServer(api.Config{
		Queue: playbook.New(hmacSigner(t, "k")),
		Hub:   hub,
		Auth:  &auth.Authenticator{BootstrapToken: "agent-token"},
	}).Handler())
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	anon, err := NewWSClient(srv.URL, "node-a", "", nil)
	require.NoError(t, err)
	go anon.Run(ctx)
	time.Sleep(100 * time.Millisecond)
	assert.False(t, hub.Connected("node-a"))

	c, err := NewWSClient(srv.URL, "node-a", "agent-token", nil)
	require.NoError(t, err)
	go c.Run(ctx)
	require.Eventually(t, func() bool { return hub.Connected("node-a") }, 2*time.Second, 10*time.Millisecond)
}

func TestNewWSClientEndpoint(t *testing.T) {
	c, err := NewWSClient("https://ctl.example:8443", "node a", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "wss://ctl.example:8443/api/v1/ws/agent?nodeId=node+a", c.endpoint)

	_, err = NewWSClient("", "node-a", "", nil)
	assert.Error(t, err)
}
