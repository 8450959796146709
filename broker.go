package goftp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"golang.org/x/sync/semaphore"
)

// connMode identifies which of the four negotiation strategies spec
// §4.E's priority list chose for a data connection.
type connMode int

const (
	modeEPSV connMode = iota
	modePASV
	modeEPRT
	modePORT
)

func (m connMode) featToken() string {
	switch m {
	case modeEPSV:
		return "EPSV"
	case modePASV:
		return "PASV"
	case modeEPRT:
		return "EPRT"
	case modePORT:
		return "PORT"
	}
	return ""
}

// broker implements spec §4.E: the data channel broker. One broker per
// Session serializes every data operation behind a weighted semaphore of
// size 1, modeling the spec's chained pasvReady future without hand
// rolling a mutex/condvar pair, the same role golang.org/x/sync/semaphore
// plays in the teacher's own concurrency-limiting call sites.
type broker struct {
	sess *Session
	sem  *semaphore.Weighted

	mu       sync.Mutex
	current  net.Conn
	aborting bool
}

func newBroker(s *Session) *broker {
	b := &broker{sess: s, sem: semaphore.NewWeighted(1)}
	s.disp.OnAbortSent = b.markAborting
	return b
}

// markAborting is wired as the Dispatcher's OnAbortSent hook (spec §4.C:
// "If the command is ABOR and a data socket exists, mark that data
// socket as aborting"). It force-closes the live data socket so any
// blocked I/O in the broker's callback unblocks, and remembers that the
// resulting error should surface as AbortedError rather than a bare I/O
// error.
func (b *broker) markAborting() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		b.aborting = true
		_ = b.current.Close()
	}
}

func (b *broker) setCurrent(c net.Conn) {
	b.mu.Lock()
	b.current = c
	b.aborting = false
	b.mu.Unlock()
}

// clearCurrent clears the tracked socket and reports whether it had been
// marked aborting.
func (b *broker) clearCurrent() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.aborting
	b.current = nil
	return a
}

// withData drives one full data operation per spec §4.E's "Transfer
// contract": negotiate a connection, send cmd, await the 1xx preliminary,
// run fn against the (optionally MODE Z compressed) socket, then await
// the terminating reply before returning. It is the single choke point
// data ops funnel through, serialized by the broker's semaphore.
func (b *broker) withData(cmd string, fn func(conn net.Conn, compressed bool) error) error {
	if err := b.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer b.sem.Release(1)

	compress := false
	if b.sess.config.UseCompression {
		if err := b.sess.expect("MODE Z", false, 200); err == nil {
			compress = true
			defer func() { _ = b.sess.expect("MODE S", false, 200) }()
		}
	}

	dc, err := b.open()
	if err != nil {
		return err
	}

	stream := b.sess.disp.Send(cmd, false)

	var conn net.Conn
	if dc.ln != nil {
		// Active mode: the server only dials back once it has received
		// cmd, so Accept() happens after cmd is sent, never before.
		conn, err = b.acceptActive(dc.ln)
		if err != nil {
			go func() {
				for range stream {
				}
			}()
			return err
		}
	} else {
		conn = dc.conn
	}

	pre, ok := <-stream
	if !ok {
		_ = conn.Close()
		return fmt.Errorf("ftp: no reply to %s", cmd)
	}
	if pre.Err != nil {
		_ = conn.Close()
		return pre.Err
	}
	if pre.Code/100 != 1 {
		_ = conn.Close()
		return &ProtocolError{Command: cmd, Code: pre.Code, Text: pre.Text}
	}

	b.setCurrent(conn)
	cbErr := fn(conn, compress)
	aborted := b.clearCurrent()
	_ = conn.Close()

	final, ok := <-stream
	switch {
	case !ok:
		b.sess.metrics.DataTransfer(cbErr == nil)
		return cbErr
	case final.Err != nil:
		b.sess.metrics.DataTransfer(false)
		if aborted {
			return &AbortedError{}
		}
		return final.Err
	default:
		b.sess.metrics.DataTransfer(cbErr == nil)
		return cbErr
	}
}

// retrieve implements the read side (LIST/MLSD/NLST/RETR): stream the
// data socket (inflating first if MODE Z negotiated) into w.
func (b *broker) retrieve(cmd string, w io.Writer) error {
	return b.withData(cmd, func(conn net.Conn, compressed bool) error {
		var r io.Reader = conn
		if compressed {
			fr := flate.NewReader(conn)
			defer fr.Close()
			r = fr
		}
		_, err := io.Copy(w, r)
		return err
	})
}

// store implements the write side (STOR/APPE): stream r into the data
// socket (deflating if MODE Z negotiated), flushing the compressor
// before the socket is torn down.
func (b *broker) store(cmd string, r io.Reader) error {
	return b.withData(cmd, func(conn net.Conn, compressed bool) error {
		var w io.Writer = conn
		var fw *flate.Writer
		if compressed {
			fw, _ = flate.NewWriter(conn, 8)
			w = fw
		}
		_, err := io.Copy(w, r)
		if fw != nil {
			if ferr := fw.Close(); err == nil {
				err = ferr
			}
		}
		return err
	})
}

func (b *broker) listBytes(cmd string) ([]byte, error) {
	var buf bytes.Buffer
	if err := b.retrieve(cmd, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// chooseMode implements spec §4.E's mode-selection priority list.
func (b *broker) chooseMode() (connMode, error) {
	s := b.sess
	ipv6 := isIPv6Addr(s.conn.RemoteAddr())
	_, hasEPSV := s.hasFeat("EPSV")
	featUnknown := len(s.feats) == 0

	if !s.isUnsupported("EPSV") && (ipv6 || hasEPSV || featUnknown) {
		return modeEPSV, nil
	}
	if !ipv6 && !s.isUnsupported("PASV") {
		return modePASV, nil
	}
	if s.config.PortAddress != "" {
		if ipv6 {
			if _, hasEPRT := s.hasFeat("EPRT"); hasEPRT && !s.isUnsupported("EPRT") {
				return modeEPRT, nil
			}
		} else if !s.isUnsupported("PORT") {
			return modePORT, nil
		}
	}
	return 0, &DataChannelError{Op: "mode-select", Err: errors.New("no usable data channel mode")}
}

// dataConn is what open() hands back: either an already-connected socket
// (PASV/EPSV dial in immediately, since the server starts listening the
// moment it replies) or a bound listener awaiting the server's connect-back
// (PORT/EPRT, where the server only dials in once it receives the transfer
// command, handled by acceptActive).
type dataConn struct {
	conn net.Conn
	ln   net.Listener
}

// open negotiates a connection, falling back through the chain when a
// chosen mode comes back 500/502 ("not implemented"), per spec §4.E's
// "Fallback chain" paragraph.
func (b *broker) open() (*dataConn, error) {
	for attempt := 0; attempt < 4; attempt++ {
		mode, err := b.chooseMode()
		if err != nil {
			return nil, err
		}
		dc, err := b.dial(mode)
		if err == nil {
			return dc, nil
		}
		if IsProtocolError(err, 500) || IsProtocolError(err, 502) {
			b.sess.markUnsupported(mode.featToken())
			continue
		}
		return nil, err
	}
	return nil, &DataChannelError{Op: "mode-select", Err: errors.New("exhausted data channel modes")}
}

func (b *broker) dial(mode connMode) (*dataConn, error) {
	switch mode {
	case modeEPSV:
		conn, err := b.openEPSV()
		if err != nil {
			return nil, err
		}
		return &dataConn{conn: conn}, nil
	case modePASV:
		conn, err := b.openPASV()
		if err != nil {
			return nil, err
		}
		return &dataConn{conn: conn}, nil
	case modeEPRT:
		return b.listenActive(true)
	case modePORT:
		return b.listenActive(false)
	}
	return nil, &DataChannelError{Op: "mode-select", Err: fmt.Errorf("unknown mode %d", mode)}
}

var pasvRe = regexp.MustCompile(`(\d+),(\d+),(\d+),(\d+),(\d+),(\d+)`)

func parsePASVReply(text string) (ip string, port int, err error) {
	m := pasvRe.FindStringSubmatch(text)
	if m == nil {
		return "", 0, fmt.Errorf("cannot parse PASV reply: %q", text)
	}
	ip = strings.Join(m[1:5], ".")
	p1, _ := strconv.Atoi(m[5])
	p2, _ := strconv.Atoi(m[6])
	return ip, p1<<8 | p2, nil
}

func (b *broker) openPASV() (net.Conn, error) {
	res, err := b.sess.sendOne("PASV", false)
	if err != nil {
		return nil, err
	}
	ip, port, err := parsePASVReply(res.Text)
	if err != nil {
		return nil, &DataChannelError{Op: "PASV", Err: err}
	}

	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	conn, dialErr := net.DialTimeout("tcp", addr, b.sess.config.DataTimeout)
	if dialErr != nil {
		// The advertised IP can be wrong behind a misconfigured NAT;
		// retry once against the control channel's own peer address.
		if peerIP := peerHost(b.sess.conn.RemoteAddr()); peerIP != "" && peerIP != ip {
			addr2 := net.JoinHostPort(peerIP, strconv.Itoa(port))
			if conn2, err2 := net.DialTimeout("tcp", addr2, b.sess.config.DataTimeout); err2 == nil {
				return b.secureData(conn2)
			}
		}
		_, _ = b.sess.sendOne("ABOR", true)
		return nil, &DataChannelError{Op: "PASV-connect", Err: dialErr}
	}
	return b.secureData(conn)
}

var epsvRe = regexp.MustCompile(`\((.)\1\1(\d+)\1\)`)

func parseEPSVReply(text string) (int, error) {
	m := epsvRe.FindStringSubmatch(text)
	if m == nil {
		return 0, fmt.Errorf("cannot parse EPSV reply: %q", text)
	}
	port, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, err
	}
	return port, nil
}

func (b *broker) openEPSV() (net.Conn, error) {
	res, err := b.sess.sendOne("EPSV", false)
	if err != nil {
		return nil, err
	}
	port, err := parseEPSVReply(res.Text)
	if err != nil {
		return nil, &DataChannelError{Op: "EPSV", Err: err}
	}
	host := peerHost(b.sess.conn.RemoteAddr())
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, b.sess.config.DataTimeout)
	if err != nil {
		return nil, &DataChannelError{Op: "EPSV-connect", Err: err}
	}
	return b.secureData(conn)
}

func parsePortRange(spec string) (low, high int, err error) {
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid port range %q", spec)
	}
	low, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	high, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return low, high, nil
}

// localBindAddr is the default localPort(externalIp, portRange) hook
// from spec §4.E: listen on the wildcard address matching the
// advertised external address's family.
func localBindAddr(external string) string {
	ip := net.ParseIP(external)
	if ip != nil && ip.To4() == nil {
		return "::"
	}
	return "0.0.0.0"
}

// listenActive binds a listener and sends PORT/EPRT advertising it, per
// spec §4.E's active-mode branch. It does not accept: per RFC 959 the
// server only dials back once it has received the transfer command, which
// withData sends after this returns. See acceptActive.
func (b *broker) listenActive(useEPRT bool) (*dataConn, error) {
	if b.sess.config.PortAddress == "" {
		return nil, &DataChannelError{Op: "PORT", Err: errors.New("portAddress not configured")}
	}
	low, high, err := parsePortRange(b.sess.config.PortRange)
	if err != nil {
		return nil, &DataChannelError{Op: "port-range", Err: err}
	}

	var ln net.Listener
	var usedPort int
	bindHost := localBindAddr(b.sess.config.PortAddress)
	for port := low; port <= high; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort(bindHost, strconv.Itoa(port)))
		if err == nil {
			ln = l
			usedPort = port
			break
		}
	}
	if ln == nil {
		return nil, &DataChannelError{Op: "PORT", Err: ErrPortRangeExhausted}
	}

	var cmd string
	if useEPRT {
		proto := "1"
		if net.ParseIP(b.sess.config.PortAddress).To4() == nil {
			proto = "2"
		}
		cmd = fmt.Sprintf("EPRT |%s|%s|%d|", proto, b.sess.config.PortAddress, usedPort)
	} else {
		ip4 := net.ParseIP(b.sess.config.PortAddress).To4()
		if ip4 == nil {
			ln.Close()
			return nil, &DataChannelError{Op: "PORT", Err: errors.New("PORT requires an IPv4 portAddress")}
		}
		p1, p2 := usedPort>>8, usedPort&0xff
		cmd = fmt.Sprintf("PORT %d,%d,%d,%d,%d,%d", ip4[0], ip4[1], ip4[2], ip4[3], p1, p2)
	}

	if _, err := b.sess.sendOne(cmd, false); err != nil {
		ln.Close()
		return nil, err
	}
	return &dataConn{ln: ln}, nil
}

// acceptActive blocks for the server's connect-back on an active-mode
// listener, bounded by DataTimeout. Called only after the transfer command
// has been sent, never before.
func (b *broker) acceptActive(ln net.Listener) (net.Conn, error) {
	defer ln.Close()
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		c, err := ln.Accept()
		ch <- acceptResult{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, &DataChannelError{Op: "accept", Err: r.err}
		}
		return b.secureData(r.conn)
	case <-time.After(b.sess.config.DataTimeout):
		return nil, &DataChannelError{Op: "accept", Err: ErrDataTimeout}
	}
}

// secureData wraps conn in TLS resumed from the control channel's
// session, per spec §4.E: "when transport is full explicit TLS, wrap the
// freshly connected data socket with TLS using the session resumed from
// the control channel." SecureControl intentionally leaves data sockets
// in the clear.
func (b *broker) secureData(conn net.Conn) (net.Conn, error) {
	s := b.sess
	if s.config.Secure != SecureExplicit && s.config.Secure != SecureImplicit {
		return conn, nil
	}
	tlsConn := tls.Client(conn, s.tlsConf)
	if err := tlsConn.Handshake(); err != nil {
		_ = conn.Close()
		return nil, &TLSError{Stage: "data-handshake", Err: err}
	}
	return tlsConn, nil
}

func isIPv6Addr(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() == nil
}

func peerHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return host
}
