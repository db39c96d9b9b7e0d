package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/remoterc/internal/dispatch"
	"github.com/danmuck/remoterc/internal/protocol/frame"
	"github.com/danmuck/remoterc/internal/protocol/session"
	"github.com/danmuck/remoterc/internal/testutil/testlog"
)

type fakeDispatcher struct {
	fn func(ctx context.Context, job dispatch.Job) (dispatch.Result, error)

	mu    sync.Mutex
	calls []dispatch.Job
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job dispatch.Job) (dispatch.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, job)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, job)
	}
	return echoResult(job), nil
}

func (f *fakeDispatcher) call(i int) dispatch.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func echoResult(job dispatch.Job) dispatch.Result {
	target := job.Target
	if target == "" {
		target = dispatch.DefaultTarget
	}
	return dispatch.Result{
		JobID:    job.ID,
		Target:   target,
		Binaries: []string{"app.exe"},
		Archive:  []byte("result-" + job.ID),
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.IPv6Addr = ""
	return cfg
}

func startManager(t *testing.T, cfg Config, d Dispatcher) (*Manager, context.CancelFunc, <-chan error) {
	t.Helper()
	m := NewManager(cfg, d)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- m.ListenAndServe(ctx)
	}()
	select {
	case <-m.Ready():
	case err := <-errc:
		cancel()
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatalf("manager not ready")
	}
	t.Cleanup(cancel)
	return m, cancel, errc
}

func dialPeer(t *testing.T, m *Manager) *session.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := session.Dial(ctx, "ws://"+m.Addrs()[0].String()+"/", session.DefaultConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendBuild(t *testing.T, conn *session.Conn, msgID uint64, jobID string) {
	t.Helper()
	data, err := session.EncodeBuildRequest(msgID, session.BuildRequest{
		JobID:   jobID,
		Target:  "x86_64-pc-windows-gnu",
		Archive: []byte("project-" + jobID),
	}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if err := conn.WriteMessage(context.Background(), session.PayloadMessage(data)); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

// awaitReply reads until a result payload or an error control arrives.
func awaitReply(t *testing.T, conn *session.Conn) (session.BuildResult, *session.Control) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		msg, err := conn.ReadMessage(ctx)
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}
		switch msg.Kind {
		case session.KindPayload:
			f, err := session.DecodePayload(msg, frame.DefaultLimits())
			if err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			res, err := session.DecodeBuildResult(f)
			if err != nil {
				t.Fatalf("decode result: %v", err)
			}
			return res, nil
		case session.KindControl:
			ctl, err := session.DecodeControl(msg.Text)
			if err != nil {
				t.Fatalf("decode control: %v", err)
			}
			if ctl.Type == session.ControlError {
				return session.BuildResult{}, &ctl
			}
		case session.KindClose:
			t.Fatalf("unexpected close while awaiting reply")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBuildRoundTripOverSession(t *testing.T) {
	testlog.Start(t)
	d := &fakeDispatcher{}
	m, _, _ := startManager(t, testConfig(), d)
	conn := dialPeer(t, m)
	waitFor(t, "peer registration", func() bool { return m.Registry().Len() == 1 })

	sendBuild(t, conn, 7, "job-7")
	res, ctl := awaitReply(t, conn)
	if ctl != nil {
		t.Fatalf("unexpected error control: %+v", ctl)
	}
	if res.JobID != "job-7" || string(res.Archive) != "result-job-7" || len(res.Binaries) != 1 || res.Binaries[0] != "app.exe" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if job := d.call(0); job.Target != "x86_64-pc-windows-gnu" || job.Peer == "" || string(job.Archive) != "project-job-7" {
		t.Fatalf("job not populated from request: %+v", job)
	}

	if err := conn.WriteMessage(context.Background(), session.CloseMessage()); err != nil {
		t.Fatalf("write close: %v", err)
	}
	waitFor(t, "peer deregistration", func() bool { return m.Registry().Len() == 0 })
}

func TestDispatchFailureSendsErrorAndKeepsConnection(t *testing.T) {
	testlog.Start(t)
	d := &fakeDispatcher{}
	d.fn = func(ctx context.Context, job dispatch.Job) (dispatch.Result, error) {
		if job.ID == "job-bad" {
			return dispatch.Result{}, &dispatch.JobError{Stage: dispatch.StageBuild, JobID: job.ID, Err: errors.New("exit status 101")}
		}
		return echoResult(job), nil
	}
	m, _, _ := startManager(t, testConfig(), d)
	conn := dialPeer(t, m)

	sendBuild(t, conn, 1, "job-bad")
	_, ctl := awaitReply(t, conn)
	if ctl == nil || ctl.JobID != "job-bad" || ctl.Stage != "build" || ctl.Message != "exit status 101" {
		t.Fatalf("expected build error control, got %+v", ctl)
	}

	sendBuild(t, conn, 2, "job-good")
	res, ctl := awaitReply(t, conn)
	if ctl != nil || res.JobID != "job-good" {
		t.Fatalf("connection unusable after failure: res=%+v ctl=%+v", res, ctl)
	}
	if m.Registry().Len() != 1 {
		t.Fatalf("peer should still be registered")
	}
}

func TestGarbagePayloadGetsErrorControl(t *testing.T) {
	testlog.Start(t)
	d := &fakeDispatcher{}
	m, _, _ := startManager(t, testConfig(), d)
	conn := dialPeer(t, m)
	if err := conn.WriteMessage(context.Background(), session.PayloadMessage([]byte("junk"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, ctl := awaitReply(t, conn)
	if ctl == nil || ctl.Stage != "decode" || ctl.JobID != "unknown" {
		t.Fatalf("expected decode error control for unknown job, got %+v", ctl)
	}
	if d.callCount() != 0 {
		t.Fatalf("garbage should not reach the dispatcher")
	}
}

func TestDigestMismatchErrorCarriesRequestJobID(t *testing.T) {
	testlog.Start(t)
	d := &fakeDispatcher{}
	m, _, _ := startManager(t, testConfig(), d)
	conn := dialPeer(t, m)
	data, err := session.EncodeBuildRequest(1, session.BuildRequest{
		JobID:   "job-tampered",
		Digest:  "blake3:00",
		Archive: []byte("project"),
	}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if err := conn.WriteMessage(context.Background(), session.PayloadMessage(data)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, ctl := awaitReply(t, conn)
	if ctl == nil || ctl.JobID != "job-tampered" || ctl.Stage != "decode" {
		t.Fatalf("expected decode error for job-tampered, got %+v", ctl)
	}
	if d.callCount() != 0 {
		t.Fatalf("tampered request should not reach the dispatcher")
	}
}

func TestDroppedConnectionIsDeregistered(t *testing.T) {
	testlog.Start(t)
	m, _, _ := startManager(t, testConfig(), &fakeDispatcher{})
	conn := dialPeer(t, m)
	other := dialPeer(t, m)
	waitFor(t, "peer registration", func() bool { return m.Registry().Len() == 2 })

	if err := conn.Close(); err != nil {
		t.Fatalf("close socket: %v", err)
	}
	waitFor(t, "dropped peer removal", func() bool { return m.Registry().Len() == 1 })

	sendBuild(t, other, 1, "job-after-drop")
	if res, ctl := awaitReply(t, other); ctl != nil || res.JobID != "job-after-drop" {
		t.Fatalf("surviving peer affected: res=%+v ctl=%+v", res, ctl)
	}
}

func TestSingleJobInFlightPerConnection(t *testing.T) {
	testlog.Start(t)
	gate := make(chan struct{})
	var mu sync.Mutex
	running, peak := 0, 0
	d := &fakeDispatcher{}
	d.fn = func(ctx context.Context, job dispatch.Job) (dispatch.Result, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		if job.ID == "job-1" {
			<-gate
		}
		mu.Lock()
		running--
		mu.Unlock()
		return echoResult(job), nil
	}
	m, _, _ := startManager(t, testConfig(), d)
	conn := dialPeer(t, m)

	sendBuild(t, conn, 1, "job-1")
	sendBuild(t, conn, 2, "job-2")
	waitFor(t, "first dispatch", func() bool { return d.callCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if d.callCount() != 1 {
		t.Fatalf("second payload dispatched before first reply")
	}
	snap := m.Registry().Snapshot()
	if len(snap) != 1 || snap[0].JobID != "job-1" {
		t.Fatalf("registry should show job-1 in flight: %+v", snap)
	}
	close(gate)

	first, _ := awaitReply(t, conn)
	second, _ := awaitReply(t, conn)
	if first.JobID != "job-1" || second.JobID != "job-2" {
		t.Fatalf("replies out of order: %s then %s", first.JobID, second.JobID)
	}
	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Fatalf("jobs interleaved on one connection: peak=%d", peak)
	}
}

func TestConnectionsDispatchConcurrently(t *testing.T) {
	testlog.Start(t)
	var entered sync.WaitGroup
	entered.Add(2)
	both := make(chan struct{})
	go func() {
		entered.Wait()
		close(both)
	}()
	d := &fakeDispatcher{}
	d.fn = func(ctx context.Context, job dispatch.Job) (dispatch.Result, error) {
		entered.Done()
		select {
		case <-both:
			return echoResult(job), nil
		case <-time.After(3 * time.Second):
			return dispatch.Result{}, errors.New("peer jobs serialized")
		}
	}
	m, _, _ := startManager(t, testConfig(), d)
	a := dialPeer(t, m)
	b := dialPeer(t, m)
	sendBuild(t, a, 1, "job-a")
	sendBuild(t, b, 1, "job-b")
	for _, conn := range []*session.Conn{a, b} {
		if _, ctl := awaitReply(t, conn); ctl != nil {
			t.Fatalf("unexpected error: %+v", ctl)
		}
	}
}

func TestShutdownSendsCloseToEveryPeer(t *testing.T) {
	testlog.Start(t)
	m, cancel, errc := startManager(t, testConfig(), &fakeDispatcher{})
	conns := []*session.Conn{dialPeer(t, m), dialPeer(t, m), dialPeer(t, m)}
	waitFor(t, "three peers", func() bool { return m.Registry().Len() == 3 })

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not return after shutdown")
	}

	for i, conn := range conns {
		ctx, done := context.WithTimeout(context.Background(), 3*time.Second)
		msg, err := conn.ReadMessage(ctx)
		done()
		if err != nil || msg.Kind != session.KindClose {
			t.Fatalf("peer %d expected close, got kind=%v err=%v", i, msg.Kind, err)
		}
	}
	waitFor(t, "registry drain", func() bool { return m.Registry().Len() == 0 })

	if _, err := session.Dial(context.Background(), "ws://"+m.Addrs()[0].String()+"/", session.DefaultConfig()); err == nil {
		t.Fatalf("dial should fail after shutdown")
	}
}

func TestShutdownWithNoPeers(t *testing.T) {
	testlog.Start(t)
	_, cancel, errc := startManager(t, testConfig(), &fakeDispatcher{})
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not return")
	}
}

func TestDegradedBindServesOnRemainingFamily(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.IPv6Addr = "127.0.0.1" // not an IPv6 address, so tcp6 fails
	m, _, _ := startManager(t, cfg, &fakeDispatcher{})
	if len(m.Addrs()) != 1 {
		t.Fatalf("expected one listener, got %v", m.Addrs())
	}
	resp, err := http.Get("http://" + m.Addrs()[0].String() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status=%d", resp.StatusCode)
	}
}

func TestBindFailsWhenBothFamiliesFail(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.IPv4Addr = "::1"
	cfg.IPv6Addr = "127.0.0.1"
	m := NewManager(cfg, &fakeDispatcher{})
	err := m.ListenAndServe(context.Background())
	if !errors.Is(err, ErrNoListeners) {
		t.Fatalf("expected ErrNoListeners, got %v", err)
	}
	select {
	case <-m.Ready():
		t.Fatalf("manager must not report ready without listeners")
	default:
	}
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	m, _, _ := startManager(t, testConfig(), &fakeDispatcher{})
	base := "http://" + m.Addrs()[0].String()
	dialPeer(t, m)
	waitFor(t, "peer registration", func() bool { return m.Registry().Len() == 1 })

	resp, err := http.Get(base + "/")
	if err != nil {
		t.Fatalf("get /: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("plain GET / status=%d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/peers")
	if err != nil {
		t.Fatalf("get /peers: %v", err)
	}
	var body struct {
		Peers []PeerInfo `json:"peers"`
	}
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil || len(body.Peers) != 1 || body.Peers[0].Addr == "" {
		t.Fatalf("unexpected /peers body=%+v err=%v", body, err)
	}

	for _, path := range []string{"/health", "/jobs", "/metrics"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status=%d", path, resp.StatusCode)
		}
	}
}

func TestAbortBuildsOnShutdownCancelsDispatch(t *testing.T) {
	testlog.Start(t)
	cancelled := make(chan error, 1)
	d := &fakeDispatcher{}
	d.fn = func(ctx context.Context, job dispatch.Job) (dispatch.Result, error) {
		select {
		case <-ctx.Done():
			cancelled <- ctx.Err()
			return dispatch.Result{}, ctx.Err()
		case <-time.After(3 * time.Second):
			cancelled <- nil
			return echoResult(job), nil
		}
	}
	cfg := testConfig()
	cfg.AbortBuildsOnShutdown = true
	m, cancel, _ := startManager(t, cfg, d)
	conn := dialPeer(t, m)
	sendBuild(t, conn, 1, "job-long")
	waitFor(t, "dispatch start", func() bool { return d.callCount() == 1 })
	cancel()
	select {
	case err := <-cancelled:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected build ctx cancel, got %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatalf("dispatch never finished")
	}
	waitFor(t, "registry drain", func() bool { return m.Registry().Len() == 0 })
}
