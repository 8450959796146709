package goftp

import (
	"io"
	"net"
	"strconv"
	"time"

	"github.com/netfold/goftp/internal/log"
	"github.com/netfold/goftp/internal/metrics"
	"github.com/netfold/goftp/internal/reply"
	"github.com/netfold/goftp/internal/retry"
)

// Result is one item in a request's lazy reply stream: either a reply
// (Code/Text) or a terminal error. Err is only ever non-nil on the last
// value delivered before the stream channel is closed.
type Result struct {
	Code int
	Text string
	Err  error
}

// request is the Dispatcher's internal bookkeeping for one in-flight or
// queued command, per spec §3 "Request".
type request struct {
	id      string
	cmd     string
	promote bool
	ch      chan Result
}

// Dispatcher implements spec §4.C: a single-owner actor that queues
// commands, writes at most one at a time to the control socket, routes
// replies back to the request that sent them, and injects keepalive
// NOOPs when idle. All control-socket writes and all queue/in-flight
// state transitions happen on the run() goroutine, matching the
// single-owner requirement in spec §5 for a threaded port of the
// original single-threaded event loop.
type Dispatcher struct {
	conn   net.Conn
	parser *reply.Parser

	queue    []*request
	inFlight *request
	ending   bool

	enqueueCh chan *request
	repliesCh chan reply.Reply
	connErrCh chan error
	endCh     chan struct{}
	destroyCh chan struct{}
	doneCh    chan struct{}

	keepaliveInterval time.Duration
	timer             *time.Timer

	// OnSessionError fires when a 4xx/5xx (or any reply) arrives with no
	// in-flight request -- spec §4.C "With no in-flight request, a
	// 4xx/5xx surfaces as a session-level error event."
	OnSessionError func(error)
	// OnAbortSent fires synchronously just before "ABOR\r\n" is written,
	// so the data channel broker can tag its socket as aborting before
	// the server's reply can possibly arrive.
	OnAbortSent func()
	// OnClosed fires once when the dispatcher's actor loop exits, after
	// the socket has been closed.
	OnClosed func(hadError bool)

	rxTrace io.Writer
	txTrace io.Writer

	metrics *metrics.Metrics
	logger  *log.Logger

	closeErr error
}

// DispatcherOption configures optional ambient behavior.
type DispatcherOption func(*Dispatcher)

// WithTrace wires raw control-channel trace writers (rx/tx may be nil).
func WithTrace(rx, tx io.Writer) DispatcherOption {
	return func(d *Dispatcher) { d.rxTrace, d.txTrace = rx, tx }
}

// WithMetrics wires a metrics sink. A nil *metrics.Metrics is the default
// and is always safe to call.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger wires a debug logger.
func WithLogger(l *log.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithKeepalive overrides the default 10s keepalive interval.
func WithKeepalive(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.keepaliveInterval = interval
		}
	}
}

// NewDispatcher wraps conn (already connected, possibly already
// TLS-wrapped) in a Dispatcher and starts its actor and reader
// goroutines.
func NewDispatcher(conn net.Conn, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		conn:              conn,
		parser:            reply.New(),
		enqueueCh:         make(chan *request),
		repliesCh:         make(chan reply.Reply),
		connErrCh:         make(chan error, 1),
		endCh:             make(chan struct{}, 1),
		destroyCh:         make(chan struct{}, 1),
		doneCh:            make(chan struct{}),
		keepaliveInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.readLoop()
	go d.run()
	return d
}

// Send enqueues cmd (without the trailing CRLF, which Dispatcher adds)
// and returns its lazy reply stream. promote inserts at the queue front,
// ahead of any not-yet-sent request but never ahead of one already
// in flight.
func (d *Dispatcher) Send(cmd string, promote bool) <-chan Result {
	req := &request{id: retry.NewID(), cmd: cmd, promote: promote, ch: make(chan Result, 2)}
	select {
	case d.enqueueCh <- req:
	case <-d.doneCh:
		ch := make(chan Result, 1)
		ch <- Result{Err: io.ErrClosedPipe}
		close(ch)
		return ch
	}
	return req.ch
}

// End drains the queue naturally, then closes the sockets. It returns
// immediately; OnClosed fires when teardown completes.
func (d *Dispatcher) End() {
	select {
	case d.endCh <- struct{}{}:
	default:
	}
}

// Destroy tears down immediately without draining the queue.
func (d *Dispatcher) Destroy() {
	select {
	case d.destroyCh <- struct{}{}:
	default:
	}
}

// Done is closed once the actor loop has exited and the socket is closed.
func (d *Dispatcher) Done() <-chan struct{} { return d.doneCh }

func (d *Dispatcher) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := d.conn.Read(buf)
		if n > 0 {
			if d.rxTrace != nil {
				_, _ = d.rxTrace.Write(buf[:n])
			}
			for _, r := range d.parser.Feed(buf[:n]) {
				select {
				case d.repliesCh <- r:
				case <-d.doneCh:
					return
				}
			}
		}
		if err != nil {
			select {
			case d.connErrCh <- err:
			case <-d.doneCh:
			}
			return
		}
	}
}

func (d *Dispatcher) run() {
	d.timer = time.NewTimer(d.keepaliveInterval)
	defer d.timer.Stop()

	var teardownErr error
	for {
		select {
		case req := <-d.enqueueCh:
			if req.promote {
				d.queue = append([]*request{req}, d.queue...)
			} else {
				d.queue = append(d.queue, req)
			}
			d.tryDispatch()

		case r := <-d.repliesCh:
			d.handleReply(r)

		case err := <-d.connErrCh:
			teardownErr = err
			d.failAll(err)
			d.closeConn()
			if d.OnClosed != nil {
				d.OnClosed(true)
			}
			close(d.doneCh)
			return

		case <-d.timer.C:
			if d.inFlight == nil && len(d.queue) == 0 {
				d.metrics.Keepalive()
				d.injectKeepalive()
			}
			d.resetKeepalive()

		case <-d.endCh:
			d.ending = true

		case <-d.destroyCh:
			teardownErr = d.failAll(nil)
			d.closeConn()
			if d.OnClosed != nil {
				d.OnClosed(teardownErr != nil)
			}
			close(d.doneCh)
			return
		}

		if d.ending && d.inFlight == nil && len(d.queue) == 0 {
			d.closeConn()
			if d.OnClosed != nil {
				d.OnClosed(false)
			}
			close(d.doneCh)
			return
		}
	}
}

func (d *Dispatcher) closeConn() {
	_ = d.conn.Close()
}

// tryDispatch writes the next queued command if the control channel is
// idle, per spec §4.C writer loop.
func (d *Dispatcher) tryDispatch() {
	if d.inFlight != nil || len(d.queue) == 0 {
		return
	}
	req := d.queue[0]
	d.queue = d.queue[1:]
	d.inFlight = req

	if req.cmd == "ABOR" && d.OnAbortSent != nil {
		d.OnAbortSent()
	}

	line := req.cmd + "\r\n"
	if d.txTrace != nil {
		_, _ = d.txTrace.Write([]byte(line))
	}
	d.logger.Debugf("-> %s", req.cmd)
	_, err := io.WriteString(d.conn, line)
	d.metrics.CommandSent()
	if err != nil {
		d.finishInFlight(Result{Err: err})
		return
	}
	d.resetKeepalive()
}

// injectKeepalive pushes a NOOP directly into the queue from inside the
// actor goroutine (not through Send, which would deadlock against
// itself) and dispatches it immediately.
func (d *Dispatcher) injectKeepalive() {
	req := &request{id: retry.NewID(), cmd: "NOOP", ch: make(chan Result, 2)}
	d.queue = append(d.queue, req)
	d.tryDispatch()
}

func (d *Dispatcher) resetKeepalive() {
	if !d.timer.Stop() {
		select {
		case <-d.timer.C:
		default:
		}
	}
	d.timer.Reset(d.keepaliveInterval)
}

// handleReply applies the routing rules from spec §4.C.
func (d *Dispatcher) handleReply(r reply.Reply) {
	class := r.Code / 100
	d.metrics.Reply(strconv.Itoa(class))
	d.logger.Debugf("<- %d %s", r.Code, r.Text)

	switch {
	case class == 4 || class == 5:
		if d.inFlight == nil {
			d.sessionError(&ProtocolError{Code: r.Code, Text: r.Text})
			break
		}
		err := &ProtocolError{Command: d.inFlight.cmd, Code: r.Code, Text: r.Text, ID: d.inFlight.id}
		d.finishInFlight(Result{Code: r.Code, Text: r.Text, Err: err})

	case class == 2 || class == 3:
		if d.inFlight == nil {
			d.sessionError(&ProtocolError{Code: r.Code, Text: r.Text})
			break
		}
		d.finishInFlight(Result{Code: r.Code, Text: r.Text})

	case class == 1:
		if d.inFlight == nil {
			d.sessionError(&ProtocolError{Code: r.Code, Text: r.Text})
			break
		}
		// Preliminary reply: deliver without advancing the queue.
		d.inFlight.ch <- Result{Code: r.Code, Text: r.Text}

	default:
		d.sessionError(&ProtocolError{Code: r.Code, Text: r.Text})
	}

	d.resetKeepalive()
}

// finishInFlight delivers res to the in-flight request's stream, closes
// it (guaranteeing exactly-once delivery per spec §3), clears in-flight,
// and attempts to dispatch the next queued command.
func (d *Dispatcher) finishInFlight(res Result) {
	req := d.inFlight
	d.inFlight = nil
	req.ch <- res
	close(req.ch)
	d.tryDispatch()
}

func (d *Dispatcher) sessionError(err error) {
	if d.OnSessionError != nil {
		d.OnSessionError(err)
	}
}

// failAll fails the in-flight request (if any) and every queued request
// with err (io.ErrClosedPipe if err is nil), returning the error used.
func (d *Dispatcher) failAll(err error) error {
	if err == nil {
		err = io.ErrClosedPipe
	}
	if d.inFlight != nil {
		req := d.inFlight
		d.inFlight = nil
		req.ch <- Result{Err: err}
		close(req.ch)
	}
	for _, req := range d.queue {
		req.ch <- Result{Err: err}
		close(req.ch)
	}
	d.queue = nil
	return err
}
