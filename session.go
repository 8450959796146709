package goftp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/netfold/goftp/internal/log"
	"github.com/netfold/goftp/internal/metrics"
	"github.com/netfold/goftp/internal/reply"
)

// secState records which AUTH verb, if any, already upgraded the control
// channel, per spec §3's TLS upgrade stage and §4.D's re-entry note: a
// reconnect must not repeat AUTH once a session recorded TLS or SSL.
type secState int

const (
	secNone secState = iota
	secUpgradedTLS
	secUpgradedSSL
)

// Session is the ready-to-use handle spec §6's connect(config) returns:
// the Dispatcher, the Broker, and the negotiated feature/support state
// the Façade consults.
type Session struct {
	config *Config
	events *Events
	logger *log.Logger
	metrics *metrics.Metrics

	disp   *Dispatcher
	broker *broker

	conn     net.Conn
	tlsConn  *tls.Conn
	tlsConf  *tls.Config // shared across control+data connections for session resumption
	secState secState

	mu   sync.Mutex
	feats         map[string]string
	support       *cache.Cache
	typ           string
	restartOffset int64
	endRequested  bool
	cwdHint       string
}

// Connect dials cfg.Host:cfg.Port, completes the full state machine in
// spec §4.D (greeting, optional TLS upgrade, login, FEAT, TYPE I), and
// returns a ready Session. events may be nil.
func Connect(cfg *Config, events *Events) (*Session, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if events == nil {
		events = &Events{}
	}
	logger := log.New(cfg.DebugSink, "session")
	addr := cfg.addr()

	// deadline bounds the entire pre-ready handshake (dial through login),
	// per spec §5's connect-phase timeout. A zero ConnTimeout means no
	// bound, matching net.Dialer's own zero-Timeout convention.
	var deadline time.Time
	if cfg.ConnTimeout > 0 {
		deadline = time.Now().Add(cfg.ConnTimeout)
	}

	tlsConf := cfg.tlsConfig()
	dialer := &net.Dialer{Timeout: cfg.ConnTimeout}
	var conn net.Conn
	var err error
	if cfg.Secure == SecureImplicit {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConf)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	if !deadline.IsZero() {
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, &ConnectError{Addr: addr, Err: err}
		}
	}

	hs := &rawHandshake{conn: conn, parser: reply.New()}
	greet, err := hs.next()
	if err != nil {
		_ = conn.Close()
		if isTimeoutErr(err) {
			return nil, &ConnectError{Addr: addr, Err: ErrConnectTimeout}
		}
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	if greet.Code/100 != 2 {
		_ = conn.Close()
		return nil, &ProtocolError{Command: "CONNECT", Code: greet.Code, Text: greet.Text}
	}
	events.greeting(greet.Text)

	state := secNone
	doPBSZ := false
	switch cfg.Secure {
	case SecureExplicit, SecureControl:
		conn, state, err = upgradeExplicitTLS(hs, tlsConf)
		if err != nil {
			_ = hs.conn.Close()
			if isTimeoutErr(err) {
				return nil, &ConnectError{Addr: addr, Err: ErrConnectTimeout}
			}
			return nil, err
		}
		if !deadline.IsZero() {
			if err := conn.SetDeadline(deadline); err != nil {
				_ = conn.Close()
				return nil, &ConnectError{Addr: addr, Err: err}
			}
		}
		doPBSZ = true
	case SecureImplicit:
		state = secUpgradedTLS
	}

	s := &Session{
		config:   cfg,
		events:   events,
		logger:   logger,
		metrics:  cfg.Metrics,
		feats:    map[string]string{},
		support:  cache.New(cache.NoExpiration, cache.NoExpiration),
		secState: state,
		conn:     conn,
		tlsConf:  tlsConf,
	}
	if tc, ok := conn.(*tls.Conn); ok {
		s.tlsConn = tc
	}

	var rx, tx io.Writer
	if cfg.DebugSink != nil {
		rx = log.NewTraceWriter(logger, "rx")
		tx = log.NewTraceWriter(logger, "tx")
	}
	s.disp = NewDispatcher(conn,
		WithLogger(logger),
		WithTrace(rx, tx),
		WithKeepalive(cfg.Keepalive),
		WithMetrics(s.metrics),
	)
	s.disp.OnSessionError = s.onSessionError
	s.disp.OnClosed = s.onClosed
	s.broker = newBroker(s)

	if err := s.login(doPBSZ); err != nil {
		s.disp.Destroy()
		if isTimeoutErr(err) {
			return nil, &ConnectError{Addr: addr, Err: ErrConnectTimeout}
		}
		return nil, err
	}

	// Handshake succeeded within budget; lift the connect-phase deadline
	// so normal operations aren't bound by it.
	if !deadline.IsZero() {
		_ = conn.SetDeadline(time.Time{})
	}

	events.ready()
	return s, nil
}

// isTimeoutErr reports whether err (possibly wrapped) is a net.Error
// reporting a timeout, i.e. a connect-phase deadline expired mid-handshake.
func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// rawHandshake reads framed replies directly off conn before any
// Dispatcher exists, for the pre-login portion of spec §4.D that must
// run before a stable (possibly TLS-wrapped) socket is handed to the
// actor. Reusing internal/reply.Parser here keeps framing identical to
// the Dispatcher's own reader loop.
type rawHandshake struct {
	conn   net.Conn
	parser *reply.Parser
	queued []reply.Reply
}

func (h *rawHandshake) next() (reply.Reply, error) {
	if len(h.queued) > 0 {
		r := h.queued[0]
		h.queued = h.queued[1:]
		return r, nil
	}
	buf := make([]byte, 4096)
	for {
		n, err := h.conn.Read(buf)
		if n > 0 {
			if out := h.parser.Feed(buf[:n]); len(out) > 0 {
				h.queued = out
				r := h.queued[0]
				h.queued = h.queued[1:]
				return r, nil
			}
		}
		if err != nil {
			return reply.Reply{}, err
		}
	}
}

// upgradeExplicitTLS implements spec §4.D states auth-tls/tls-handshake:
// try AUTH TLS, fall back to AUTH SSL, then wrap the raw socket. tlsConf
// is reused (not rebuilt) so its ClientSessionCache is the same instance
// the data channel broker later resumes sessions from.
func upgradeExplicitTLS(hs *rawHandshake, tlsConf *tls.Config) (net.Conn, secState, error) {
	verb := "AUTH TLS"
	state := secUpgradedTLS
	if _, err := io.WriteString(hs.conn, verb+"\r\n"); err != nil {
		return nil, secNone, &TLSError{Stage: verb, Err: err}
	}
	r, err := hs.next()
	if err != nil {
		return nil, secNone, &TLSError{Stage: verb, Err: err}
	}
	if r.Code != 234 {
		verb = "AUTH SSL"
		state = secUpgradedSSL
		if _, err := io.WriteString(hs.conn, verb+"\r\n"); err != nil {
			return nil, secNone, &TLSError{Stage: verb, Err: err}
		}
		r, err = hs.next()
		if err != nil {
			return nil, secNone, &TLSError{Stage: verb, Err: err}
		}
		if r.Code != 234 {
			return nil, secNone, &TLSError{Stage: verb, Err: fmt.Errorf("server rejected %s: %d %s", verb, r.Code, r.Text)}
		}
	}

	tlsConn := tls.Client(hs.conn, tlsConf)
	if err := tlsConn.Handshake(); err != nil {
		return nil, secNone, &TLSError{Stage: "handshake", Err: err}
	}
	return tlsConn, state, nil
}

// login drives spec §4.D states pbsz/user/pass/feat/type. doPBSZ is true
// only after an explicit (not implicit) TLS upgrade, per the spec's
// re-entry note that implicit TLS skips straight to USER.
func (s *Session) login(doPBSZ bool) error {
	if doPBSZ {
		if err := s.expect("PBSZ 0", false, 200); err != nil {
			return &TLSError{Stage: "PBSZ", Err: err}
		}
		if err := s.expect("PROT P", false, 200); err != nil {
			return &TLSError{Stage: "PROT", Err: err}
		}
	}

	res, err := s.sendOne("USER "+s.config.User, false)
	if err != nil {
		return err
	}
	switch res.Code {
	case 230:
		// no password required
	case 331, 332:
		pres, perr := s.sendOne("PASS "+s.config.Password, false)
		if perr != nil {
			return perr
		}
		if pres.Code != 230 {
			return &ProtocolError{Command: "PASS", Code: pres.Code, Text: pres.Text}
		}
	default:
		return &ProtocolError{Command: "USER", Code: res.Code, Text: res.Text}
	}

	fres, ferr := s.sendOne("FEAT", false)
	if ferr != nil {
		var pe *ProtocolError
		if !errors.As(ferr, &pe) || (pe.Code != 500 && pe.Code != 502) {
			return ferr
		}
		s.feats = map[string]string{}
	} else {
		s.feats = parseFeat(fres.Text)
	}
	s.applyFeatOverrides()

	tres, terr := s.sendOne("TYPE I", false)
	if terr != nil {
		return terr
	}
	if tres.Code/100 != 2 {
		return &ProtocolError{Command: "TYPE", Code: tres.Code, Text: tres.Text}
	}
	s.typ = "I"
	return nil
}

// parseFeat implements spec §4.D step 7's FEAT body parsing: one feature
// token per line, excluding the introductory and terminating lines that
// the reply parser has already merged into Text with "\n" separators.
func parseFeat(text string) map[string]string {
	feats := map[string]string{}
	lines := strings.Split(text, "\n")
	if len(lines) <= 2 {
		return feats
	}
	for _, line := range lines[1 : len(lines)-1] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		key := strings.ToUpper(parts[0])
		param := ""
		if len(parts) == 2 {
			param = parts[1]
		}
		feats[key] = param
	}
	return feats
}

func (s *Session) applyFeatOverrides() {
	for tok, ov := range s.config.OverrideFeats {
		key := strings.ToUpper(tok)
		switch {
		case ov.Remove:
			delete(s.feats, key)
		case ov.Add:
			s.feats[key] = ov.Param
		case ov.Param != "":
			s.feats[key] = ov.Param
		}
	}
}

// hasFeat reports whether the negotiated feature set advertises tok,
// returning its parameter text.
func (s *Session) hasFeat(tok string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.feats[strings.ToUpper(tok)]
	return v, ok
}

// markUnsupported and isUnsupported implement spec §3's monotonic
// detected-support cache: once a command is known unsupported (502), it
// is never retried within the session.
func (s *Session) markUnsupported(key string) {
	s.support.Set(key, false, cache.NoExpiration)
}

func (s *Session) isUnsupported(key string) bool {
	v, ok := s.support.Get(key)
	return ok && v == false
}

// sendOne sends cmd and drains its reply stream, returning the final
// Result. Commands that yield a preliminary 1xx before a terminal reply
// (data operations) should go through the broker, not sendOne.
func (s *Session) sendOne(cmd string, promote bool) (Result, error) {
	var last Result
	for res := range s.disp.Send(cmd, promote) {
		last = res
	}
	if last.Err != nil {
		return last, last.Err
	}
	return last, nil
}

// expect sends cmd and requires its terminal reply code equal want.
func (s *Session) expect(cmd string, promote bool, want int) error {
	res, err := s.sendOne(cmd, promote)
	if err != nil {
		return err
	}
	if res.Code != want {
		return fmt.Errorf("%s: expected %d got %d %s", cmd, want, res.Code, res.Text)
	}
	return nil
}

func (s *Session) onSessionError(err error) {
	s.events.error(err)
}

func (s *Session) onClosed(hadError bool) {
	s.mu.Lock()
	ended := s.endRequested
	s.mu.Unlock()
	if !hadError && ended {
		s.events.end()
	}
	s.events.close(hadError)
}

// End drains the queue naturally before closing the sockets; see
// Dispatcher.End.
func (s *Session) End() {
	s.mu.Lock()
	s.endRequested = true
	s.mu.Unlock()
	s.disp.End()
}

// Destroy tears down immediately without draining the queue.
func (s *Session) Destroy() {
	s.disp.Destroy()
}

// Done is closed once the control connection has fully closed.
func (s *Session) Done() <-chan struct{} { return s.disp.Done() }
