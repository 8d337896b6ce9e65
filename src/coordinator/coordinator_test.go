package coordinator

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tcp-clicker/src/control"
	"tcp-clicker/src/harness"
)

const testPoll = 50 * time.Millisecond

type fakeGate struct {
	ok    bool
	calls atomic.Int32
}

func (g *fakeGate) Ensure(context.Context) bool {
	g.calls.Add(1)
	return g.ok
}

type recorder struct {
	snapshots atomic.Int32
	mu        sync.Mutex
	outcomes  []control.Outcome
}

func (r *recorder) snapshot() { r.snapshots.Add(1) }

func (r *recorder) notify(o control.Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *recorder) notified() []control.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]control.Outcome(nil), r.outcomes...)
}

func startServer(t *testing.T) *harness.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := harness.NewServer("127.0.0.1:0")
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func templateFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "button.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o600))
	return path
}

func newReady(t *testing.T, addr string, rec *recorder, match func(string, float64) (bool, error)) *Coordinator {
	t.Helper()
	c := New(Options{
		Addr:          addr,
		DialTimeout:   time.Second,
		PollInterval:  testPoll,
		ClickInterval: 10 * time.Millisecond,
		Gate:          &fakeGate{ok: true},
		Match:         match,
		Snapshot:      rec.snapshot,
		Notify:        rec.notify,
	})
	require.True(t, c.ConnectDevice(context.Background()))
	require.NoError(t, c.SetTemplate(templateFile(t)))
	return c
}

func alwaysMatch(string, float64) (bool, error) { return true, nil }

func TestStartPreconditions(t *testing.T) {
	c := New(Options{Gate: &fakeGate{ok: false}})

	assert.ErrorIs(t, c.Start(context.Background()), ErrNotConnected)
	assert.False(t, c.ConnectDevice(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrNotConnected)

	c.opts.Gate = &fakeGate{ok: true}
	require.True(t, c.ConnectDevice(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrNoTemplate)

	st := c.Snapshot()
	assert.Equal(t, StateIdle, st.State)
	assert.True(t, st.Connected)
	assert.Empty(t, st.TemplatePath)
}

func TestConnectRefusedStaysIdle(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	rec := &recorder{}
	c := newReady(t, addr, rec, alwaysMatch)

	err = c.Start(context.Background())
	require.ErrorIs(t, err, ErrConnect)
	st := c.Snapshot()
	assert.Equal(t, StateIdle, st.State)
	assert.True(t, st.Connected)
	assert.NotEmpty(t, st.TemplatePath)
	assert.Zero(t, rec.snapshots.Load())
}

func TestOperatorStop(t *testing.T) {
	srv := startServer(t)
	rec := &recorder{}
	c := newReady(t, srv.Addr(), rec, alwaysMatch)

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrBusy)
	require.Eventually(t, func() bool { return c.Snapshot().MatchCount >= 2 }, 2*time.Second, 5*time.Millisecond)

	begin := time.Now()
	c.Stop()
	assert.Less(t, time.Since(begin), 2*testPoll+500*time.Millisecond)

	st := c.Snapshot()
	assert.Equal(t, StateIdle, st.State)
	assert.Zero(t, st.MatchCount)
	assert.Empty(t, st.TemplatePath)
	assert.False(t, st.Connected)
	assert.Zero(t, rec.snapshots.Load())
	assert.Empty(t, rec.notified())
	assert.Equal(t, control.ReasonStopped, c.Outcome().Reason)
	require.Eventually(t, func() bool { return srv.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	srv := startServer(t)
	c := newReady(t, srv.Addr(), &recorder{}, alwaysMatch)
	require.NoError(t, c.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop()
		}()
	}
	wg.Wait()
	<-c.Finished()
	c.Stop()
	assert.Equal(t, StateIdle, c.Snapshot().State)
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	c := New(Options{})
	c.Stop()
	assert.Equal(t, StateIdle, c.Snapshot().State)
	select {
	case <-c.Finished():
	default:
		t.Fatal("Finished should be closed with no run in progress")
	}
}

func TestFailKeywordEndsRun(t *testing.T) {
	srv := startServer(t)
	rec := &recorder{}
	c := newReady(t, srv.Addr(), rec, alwaysMatch)
	require.NoError(t, c.Start(context.Background()))
	done := c.Finished()
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 1, srv.Broadcast("TEST FAIL"))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not reset after FAIL")
	}
	assert.Equal(t, int32(1), rec.snapshots.Load())
	st := c.Snapshot()
	assert.Equal(t, StateIdle, st.State)
	assert.Zero(t, st.MatchCount)
	assert.False(t, st.Connected)

	// The operator has been told by the time the run reports finished.
	require.Len(t, rec.notified(), 1)
	assert.Equal(t, control.ReasonFail, rec.notified()[0].Reason)
	assert.Equal(t, control.ReasonFail, c.Outcome().Reason)
}

func TestPeerCloseSnapshotsOnce(t *testing.T) {
	srv := startServer(t)
	rec := &recorder{}
	c := newReady(t, srv.Addr(), rec, alwaysMatch)
	require.NoError(t, c.Start(context.Background()))
	done := c.Finished()
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	srv.DisconnectAll()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not reset after peer close")
	}
	assert.Equal(t, int32(1), rec.snapshots.Load())
	require.Len(t, rec.notified(), 1)
	assert.Equal(t, control.ReasonPeerClosed, rec.notified()[0].Reason)
	assert.Equal(t, control.ReasonPeerClosed, c.Outcome().Reason)
}

func TestConnectionResetSnapshotsOnce(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })
	accepted := make(chan *net.TCPConn, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		accepted <- conn.(*net.TCPConn)
	}()

	rec := &recorder{}
	c := newReady(t, lis.Addr().String(), rec, alwaysMatch)
	require.NoError(t, c.Start(context.Background()))
	done := c.Finished()

	var server *net.TCPConn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	// Zero linger turns Close into a reset.
	require.NoError(t, server.SetLinger(0))
	require.NoError(t, server.Close())

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not reset after connection reset")
	}
	assert.Equal(t, int32(1), rec.snapshots.Load())
	require.Len(t, rec.notified(), 1)
	out := rec.notified()[0]
	assert.Equal(t, control.ReasonReadError, out.Reason)
	assert.Error(t, out.Err)
	assert.Equal(t, StateIdle, c.Snapshot().State)
}

func TestStopWaitsForSelfTeardown(t *testing.T) {
	srv := startServer(t)
	rec := &recorder{}
	release := make(chan struct{})
	entered := make(chan struct{})
	c := New(Options{
		Addr:         srv.Addr(),
		PollInterval: testPoll,
		Gate:         &fakeGate{ok: true},
		TemplatePath: templateFile(t),
		Snapshot: func() {
			close(entered)
			<-release
			rec.snapshot()
		},
		Notify: rec.notify,
	})
	require.True(t, c.ConnectDevice(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	srv.DisconnectAll()
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor never started the snapshot")
	}
	assert.Equal(t, StateStopping, c.Snapshot().State)

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while the snapshot was still being written")
	case <-time.After(3 * testPoll):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after teardown")
	}
	assert.Equal(t, int32(1), rec.snapshots.Load())
	assert.Len(t, rec.notified(), 1)
	assert.Equal(t, StateIdle, c.Snapshot().State)
}

func TestProgressReachesStateCallback(t *testing.T) {
	srv := startServer(t)
	var mu sync.Mutex
	var seen []RunState
	c := New(Options{
		Addr:          srv.Addr(),
		PollInterval:  testPoll,
		ClickInterval: 10 * time.Millisecond,
		Match:         alwaysMatch,
		TemplatePath:  templateFile(t),
		OnStateChange: func(s RunState) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		},
	})
	last := func() RunState {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 {
			return RunState{}
		}
		return seen[len(seen)-1]
	}
	require.True(t, c.ConnectDevice(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		s := last()
		return s.State == StateRunning && s.MatchCount >= 2
	}, 2*time.Second, 5*time.Millisecond)

	srv.Broadcast(harness.DefaultReply)
	require.Eventually(t, func() bool { return last().LastReply == harness.DefaultReply }, 2*time.Second, 5*time.Millisecond)

	c.Stop()
	final := last()
	assert.Equal(t, StateIdle, final.State)
	assert.Zero(t, final.MatchCount)
	assert.Empty(t, final.LastReply)
}

func TestInformationalRepliesKeepRunning(t *testing.T) {
	srv := startServer(t)
	rec := &recorder{}
	c := newReady(t, srv.Addr(), rec, alwaysMatch)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		srv.Broadcast(harness.DefaultReply)
	}
	time.Sleep(4 * testPoll)
	assert.Equal(t, StateRunning, c.Snapshot().State)

	c.Stop()
	assert.Zero(t, rec.snapshots.Load())
}

func TestRestartAfterStop(t *testing.T) {
	srv := startServer(t)
	rec := &recorder{}
	c := newReady(t, srv.Addr(), rec, alwaysMatch)
	require.NoError(t, c.Start(context.Background()))
	c.Stop()

	// Stop clears the device flag and the template.
	assert.ErrorIs(t, c.Start(context.Background()), ErrNotConnected)
	require.True(t, c.ConnectDevice(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrNoTemplate)
	require.NoError(t, c.SetTemplate(templateFile(t)))

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateRunning, c.Snapshot().State)
	c.Stop()
}

func TestSetThreshold(t *testing.T) {
	c := New(Options{})
	assert.Equal(t, DefaultThreshold, c.Snapshot().Threshold)
	require.NoError(t, c.SetThreshold(0.95))
	assert.Equal(t, 0.95, c.Snapshot().Threshold)
	assert.ErrorIs(t, c.SetThreshold(1.5), ErrThreshold)
	assert.ErrorIs(t, c.SetThreshold(-0.1), ErrThreshold)
	assert.Equal(t, 0.95, c.Snapshot().Threshold)
}

func TestSetTemplateRejectsMissingFile(t *testing.T) {
	c := New(Options{})
	assert.ErrorIs(t, c.SetTemplate(filepath.Join(t.TempDir(), "missing.png")), os.ErrNotExist)
}

func TestSetTemplateWhileRunning(t *testing.T) {
	srv := startServer(t)
	c := newReady(t, srv.Addr(), &recorder{}, alwaysMatch)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	assert.ErrorIs(t, c.SetTemplate(templateFile(t)), ErrBusy)
}

func TestStateChangeCallback(t *testing.T) {
	srv := startServer(t)
	var mu sync.Mutex
	var states []State
	c := New(Options{
		Addr:         srv.Addr(),
		PollInterval: testPoll,
		TemplatePath: templateFile(t),
		OnStateChange: func(s RunState) {
			mu.Lock()
			states = append(states, s.State)
			mu.Unlock()
		},
	})
	require.True(t, c.ConnectDevice(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateConnecting)
	assert.Contains(t, states, StateRunning)
	assert.Contains(t, states, StateStopping)
	assert.Equal(t, StateIdle, states[len(states)-1])
}
