package notifyclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/telex-ph/bug-reporting/internal/notify"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Stream is one established live channel.
type Stream interface {
	Receive(ctx context.Context) (notify.Envelope, error)
	Send(ctx context.Context, env notify.Envelope) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

type DialerFunc func(ctx context.Context) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context) (Stream, error) {
	return f(ctx)
}

var errHandshake = errors.New("server did not acknowledge the connection")

type Options struct {
	BaseDelay    time.Duration
	MaxAttempts  int
	PingInterval time.Duration
	DialTimeout  time.Duration
	EventBuffer  int
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = 3 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 32
	}
	return o
}

type command int

const (
	cmdConnect command = iota
	cmdDisconnect
	cmdNetworkOnline
)

type dialResult struct {
	gen    uint64
	stream Stream
	err    error
}

type streamEnd struct {
	gen uint64
	err error
}

// Agent keeps one live channel open on behalf of a dashboard client. All
// state is owned by the Run goroutine; the exported methods only post
// commands to it.
type Agent struct {
	dialer Dialer
	opts   Options

	cmds   chan command
	states chan State
	events chan notify.Envelope
	state  atomic.Int32
	dials  atomic.Int32
	done   chan struct{}
}

func NewAgent(dialer Dialer, opts Options) *Agent {
	opts = opts.withDefaults()
	return &Agent{
		dialer: dialer,
		opts:   opts,
		cmds:   make(chan command),
		states: make(chan State, 16),
		events: make(chan notify.Envelope, opts.EventBuffer),
		done:   make(chan struct{}),
	}
}

func (a *Agent) Connect()       { a.post(cmdConnect) }
func (a *Agent) Disconnect()    { a.post(cmdDisconnect) }
func (a *Agent) NetworkOnline() { a.post(cmdNetworkOnline) }

func (a *Agent) post(c command) {
	select {
	case a.cmds <- c:
	case <-a.done:
	}
}

func (a *Agent) State() State {
	return State(a.state.Load())
}

// States reports every transition. Slow readers miss intermediate states;
// State always has the current one.
func (a *Agent) States() <-chan State {
	return a.states
}

// Events carries inbound notification and broadcast envelopes.
func (a *Agent) Events() <-chan notify.Envelope {
	return a.events
}

// Dials counts connection attempts since the agent was created.
func (a *Agent) Dials() int {
	return int(a.dials.Load())
}

// loop is the state owned by Run.
type loop struct {
	*Agent
	ctx context.Context

	gen        uint64
	attempts   int
	stream     Stream
	cancelDial context.CancelFunc
	backoff    *time.Timer
	ping       *time.Ticker

	dialed chan dialResult
	ended  chan streamEnd
}

// Run drives the agent until ctx is cancelled, then closes the stream and
// stops every timer.
func (a *Agent) Run(ctx context.Context) {
	l := &loop{
		Agent:  a,
		ctx:    ctx,
		dialed: make(chan dialResult),
		ended:  make(chan streamEnd),
	}
	defer close(a.done)
	defer l.teardown()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-a.cmds:
			l.handle(c)
		case r := <-l.dialed:
			l.onDialed(r)
		case e := <-l.ended:
			if e.gen == l.gen && l.stream != nil {
				slog.InfoContext(ctx, "live channel closed", "error", e.err)
				l.closeStream()
				l.scheduleRetry()
			}
		case <-l.backoffC():
			l.backoff = nil
			l.dial()
		case <-l.pingC():
			l.sendPing()
		}
	}
}

func (l *loop) handle(c command) {
	switch c {
	case cmdConnect:
		if s := l.State(); s == Disconnected || s == Failed {
			l.attempts = 0
			l.dial()
		}
	case cmdNetworkOnline:
		switch l.State() {
		case Disconnected, Failed, Reconnecting:
			l.stopBackoff()
			l.attempts = 0
			l.dial()
		}
	case cmdDisconnect:
		l.teardown()
		l.attempts = 0
		l.set(Disconnected)
	}
}

func (l *loop) dial() {
	l.gen++
	gen := l.gen
	l.dials.Add(1)
	l.set(Connecting)

	ctx, cancel := context.WithTimeout(l.ctx, l.opts.DialTimeout)
	l.cancelDial = cancel

	go func() {
		stream, err := l.dialer.Dial(ctx)
		if err == nil {
			err = awaitConnected(ctx, stream)
			if err != nil {
				_ = stream.Close()
				stream = nil
			}
		}
		select {
		case l.dialed <- dialResult{gen: gen, stream: stream, err: err}:
		case <-l.ctx.Done():
			if stream != nil {
				_ = stream.Close()
			}
		}
	}()
}

// awaitConnected waits for the server's "connected" envelope. A server that
// refuses the credential closes the channel instead.
func awaitConnected(ctx context.Context, stream Stream) error {
	env, err := stream.Receive(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", errHandshake, err)
	}
	if env.Type != notify.TypeConnected {
		return fmt.Errorf("%w: got %q", errHandshake, env.Type)
	}
	return nil
}

func (l *loop) onDialed(r dialResult) {
	if r.gen != l.gen || l.State() != Connecting {
		if r.stream != nil {
			_ = r.stream.Close()
		}
		return
	}
	l.cancelDial()
	l.cancelDial = nil

	if r.err != nil {
		slog.WarnContext(l.ctx, "connecting to live channel failed", "error", r.err, "attempt", l.attempts)
		l.scheduleRetry()
		return
	}

	l.stream = r.stream
	l.attempts = 0
	l.ping = time.NewTicker(l.opts.PingInterval)
	l.set(Connected)
	go l.read(r.gen, r.stream)
}

func (l *loop) read(gen uint64, stream Stream) {
	for {
		env, err := stream.Receive(l.ctx)
		if err != nil {
			if errors.Is(err, notify.ErrMalformed) {
				continue
			}
			select {
			case l.ended <- streamEnd{gen: gen, err: err}:
			case <-l.ctx.Done():
			}
			return
		}

		switch env.Type {
		case notify.TypeNotification, notify.TypeBroadcast:
			select {
			case l.events <- env:
			default:
				slog.WarnContext(l.ctx, "event buffer full, dropping notification", "type", env.Type)
			}
		case notify.TypePong, notify.TypeConnected:
		default:
			slog.DebugContext(l.ctx, "ignoring unknown envelope type", "type", env.Type)
		}
	}
}

func (l *loop) sendPing() {
	if l.stream == nil {
		return
	}
	ctx, cancel := context.WithTimeout(l.ctx, l.opts.PingInterval)
	defer cancel()

	err := l.stream.Send(ctx, notify.Envelope{Type: notify.TypePing, Timestamp: time.Now().UTC()})
	if err != nil {
		slog.WarnContext(l.ctx, "heartbeat failed", "error", err)
		l.closeStream()
		l.scheduleRetry()
	}
}

// scheduleRetry arms the linear backoff, or gives up once the attempt budget
// is spent.
func (l *loop) scheduleRetry() {
	if l.attempts >= l.opts.MaxAttempts {
		slog.ErrorContext(l.ctx, "live channel offline, giving up", "attempts", l.attempts)
		l.set(Failed)
		return
	}
	l.attempts++
	l.backoff = time.NewTimer(l.opts.BaseDelay * time.Duration(l.attempts))
	l.set(Reconnecting)
}

func (l *loop) closeStream() {
	if l.ping != nil {
		l.ping.Stop()
		l.ping = nil
	}
	if l.stream != nil {
		_ = l.stream.Close()
		l.stream = nil
	}
}

func (l *loop) stopBackoff() {
	if l.backoff != nil {
		l.backoff.Stop()
		l.backoff = nil
	}
}

// teardown cancels any dial in flight and stops every timer.
func (l *loop) teardown() {
	l.gen++
	if l.cancelDial != nil {
		l.cancelDial()
		l.cancelDial = nil
	}
	l.stopBackoff()
	l.closeStream()
}

func (l *loop) backoffC() <-chan time.Time {
	if l.backoff == nil {
		return nil
	}
	return l.backoff.C
}

func (l *loop) pingC() <-chan time.Time {
	if l.ping == nil {
		return nil
	}
	return l.ping.C
}

func (l *loop) set(s State) {
	if State(l.state.Swap(int32(s))) == s {
		return
	}
	select {
	case l.states <- s:
	default:
	}
}
