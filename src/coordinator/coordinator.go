package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tcp-clicker/src/clicker"
	"tcp-clicker/src/control"
	"tcp-clicker/src/shutdown"
)

const (
	DefaultAddr        = "127.0.0.1:8888"
	DefaultDialTimeout = 5 * time.Second
	DefaultThreshold   = 0.8
)

var (
	ErrNotConnected = errors.New("device not connected")
	ErrNoTemplate   = errors.New("no template image selected")
	ErrBusy         = errors.New("a run is already in progress")
	ErrConnect      = errors.New("could not connect to control server")
	ErrThreshold    = errors.New("threshold must be between 0 and 1")
)

// State is the coordinator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// RunState is a copy of the coordinator's state at one instant.
type RunState struct {
	State        State
	Connected    bool
	MatchCount   uint64
	TemplatePath string
	Threshold    float64
	// LastReply is the most recent informational message from the server.
	LastReply string
}

// DeviceGate makes the remote device reachable on the control endpoint.
type DeviceGate interface {
	Ensure(ctx context.Context) bool
}

type Options struct {
	Addr          string
	DialTimeout   time.Duration
	PollInterval  time.Duration
	ClickInterval time.Duration
	Keyword       string
	Threshold     float64
	TemplatePath  string

	Gate  DeviceGate
	Match clicker.MatchFunc
	// Snapshot copies the run log. Called once per failed run.
	Snapshot func()
	// Notify tells the operator that a run ended on its own. It is called
	// after the state is back to idle and before Finished is closed.
	Notify func(outcome control.Outcome)
	// OnStateChange receives a copy of the state after each transition.
	OnStateChange func(RunState)
}

// run holds what one Start owns until it has been torn down.
type run struct {
	sig      *shutdown.Signal
	conn     *control.Conn
	group    errgroup.Group
	outcome  chan control.Outcome
	finished chan struct{}
	once     sync.Once
	ended    control.Outcome
}

// Coordinator owns the run lifecycle: it starts the control client and
// click loop together and tears both down together.
type Coordinator struct {
	opts Options
	loop *clicker.Loop

	mu          sync.Mutex
	state       State
	connected   bool
	template    string
	threshold   float64
	lastReply   string
	lastOutcome control.Outcome
	current     *run
}

func New(opts Options) *Coordinator {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	threshold := opts.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	c := &Coordinator{
		opts:      opts,
		template:  opts.TemplatePath,
		threshold: threshold,
	}
	match := opts.Match
	if match == nil {
		match = func(string, float64) (bool, error) { return false, nil }
	}
	c.loop = &clicker.Loop{
		Match:    match,
		Interval: opts.ClickInterval,
		OnMatch:  func(uint64) { c.stateChanged() },
	}
	return c
}

// ConnectDevice runs the connectivity gate and records the result.
// Without a gate the endpoint is assumed reachable.
func (c *Coordinator) ConnectDevice(ctx context.Context) bool {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		log.Printf("coordinator: connect device ignored while %s", c.state)
		return false
	}
	c.mu.Unlock()

	ok := true
	if c.opts.Gate != nil {
		ok = c.opts.Gate.Ensure(ctx)
	}

	c.mu.Lock()
	c.connected = ok
	c.mu.Unlock()
	c.stateChanged()
	return ok
}

// SetTemplate selects the image the click loop searches for.
func (c *Coordinator) SetTemplate(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("template: %w", err)
	}
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.template = path
	c.mu.Unlock()
	log.Printf("coordinator: template set to %s", path)
	c.stateChanged()
	return nil
}

func (c *Coordinator) SetThreshold(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: got %v", ErrThreshold, v)
	}
	c.mu.Lock()
	c.threshold = v
	c.mu.Unlock()
	c.stateChanged()
	return nil
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RunState{
		State:        c.state,
		Connected:    c.connected,
		MatchCount:   c.loop.Count(),
		TemplatePath: c.template,
		Threshold:    c.threshold,
		LastReply:    c.lastReply,
	}
}

// Start dials the control endpoint once and launches both run tasks.
// Precondition failures leave the state untouched.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state != StateIdle:
		c.mu.Unlock()
		return ErrBusy
	case !c.connected:
		c.mu.Unlock()
		return ErrNotConnected
	case c.template == "":
		c.mu.Unlock()
		return ErrNoTemplate
	}
	c.state = StateConnecting
	template, threshold := c.template, c.threshold
	c.mu.Unlock()
	c.stateChanged()

	log.Printf("coordinator: connecting to %s", c.opts.Addr)
	d := net.Dialer{Timeout: c.opts.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		c.stateChanged()
		log.Printf("coordinator: connect failed: %v", err)
		return fmt.Errorf("%w %s: %w", ErrConnect, c.opts.Addr, err)
	}

	r := &run{
		sig:      shutdown.New(),
		conn:     control.NewConn(raw),
		outcome:  make(chan control.Outcome, 1),
		finished: make(chan struct{}),
	}
	client := &control.Client{
		PollInterval: c.opts.PollInterval,
		Keyword:      c.opts.Keyword,
		OnFail:       c.opts.Snapshot,
		OnMessage:    c.recordReply,
	}

	c.mu.Lock()
	c.current = r
	c.state = StateRunning
	c.mu.Unlock()

	r.group.Go(func() error {
		r.outcome <- client.Run(r.sig, r.conn)
		return nil
	})
	r.group.Go(func() error {
		c.loop.Run(r.sig, template, threshold)
		return nil
	})
	go c.supervise(r)

	log.Printf("coordinator: run started (template=%s threshold=%.2f)", template, threshold)
	c.stateChanged()
	return nil
}

// Stop ends the current run and returns once both tasks have exited and
// the state is back to idle. A run already being torn down is waited on.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	r := c.current
	switch {
	case c.state == StateStopping && r != nil:
		c.mu.Unlock()
		<-r.finished
		return
	case c.state != StateRunning:
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	c.mu.Unlock()
	c.stateChanged()

	log.Printf("coordinator: stop requested")
	c.teardown(r)
	<-r.finished
}

// Finished returns a channel closed when the current run has been fully
// reset. With no run in progress the channel is already closed.
func (c *Coordinator) Finished() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.current.finished
}

// supervise waits for the control task's outcome and tears the run down
// when it ended on its own.
func (c *Coordinator) supervise(r *run) {
	out := <-r.outcome
	if !out.Failed() {
		return
	}

	c.mu.Lock()
	if c.current != r || c.state != StateRunning {
		// An operator stop is already tearing this run down.
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	c.mu.Unlock()
	c.stateChanged()

	log.Printf("coordinator: run ended: %s", out)
	if out.Reason != control.ReasonFail && c.opts.Snapshot != nil {
		c.opts.Snapshot()
	}
	r.ended = out
	c.teardown(r)
}

// Outcome reports how the most recent run ended. It is only meaningful
// once Finished has fired.
func (c *Coordinator) Outcome() control.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOutcome
}

func (c *Coordinator) recordReply(text string) {
	c.mu.Lock()
	c.lastReply = text
	c.mu.Unlock()
	c.stateChanged()
}

// teardown joins the run's tasks and resets the coordinator once. A run
// that ended on its own is reported through Notify before Finished closes.
func (c *Coordinator) teardown(r *run) {
	r.sig.Set()
	if err := r.conn.Close(); err != nil {
		log.Printf("coordinator: close error: %v", err)
	}
	_ = r.group.Wait()

	r.once.Do(func() {
		c.mu.Lock()
		total := c.loop.Count()
		c.loop.Reset()
		c.template = ""
		c.connected = false
		c.lastReply = ""
		c.lastOutcome = r.ended
		c.state = StateIdle
		c.current = nil
		c.mu.Unlock()
		if r.ended.Failed() && c.opts.Notify != nil {
			c.opts.Notify(r.ended)
		}
		close(r.finished)
		log.Printf("coordinator: run finished after %d matches", total)
		c.stateChanged()
	})
}

func (c *Coordinator) stateChanged() {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(c.Snapshot())
	}
}
