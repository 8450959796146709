package goftp

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeFTPServer is a minimal scripted FTP server used by session_test.go,
// broker_test.go and client_test.go to drive a real *Session end to end
// over a loopback TCP socket, mirroring jlaffaye/ftp's own net.Listen based
// mock server rather than the Dispatcher-level net.Pipe harness in
// dispatcher_test.go (Connect needs an address to dial, not a pre-made
// net.Conn).
type fakeFTPServer struct {
	t    *testing.T
	ln   net.Listener
	conn net.Conn
	r    *bufio.Reader
}

func startFakeFTP(t *testing.T) *fakeFTPServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &fakeFTPServer{t: t, ln: ln}
}

func (f *fakeFTPServer) addr() (string, int) {
	tcpAddr := f.ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

func (f *fakeFTPServer) accept() {
	conn, err := f.ln.Accept()
	require.NoError(f.t, err)
	f.conn = conn
	f.r = bufio.NewReader(conn)
}

func (f *fakeFTPServer) send(lines ...string) {
	for _, l := range lines {
		_, err := f.conn.Write([]byte(l + "\r\n"))
		require.NoError(f.t, err)
	}
}

func (f *fakeFTPServer) expectCmd(want string) string {
	line, err := f.r.ReadString('\n')
	require.NoError(f.t, err)
	line = strings.TrimRight(line, "\r\n")
	if want != "" {
		require.Equal(f.t, want, line)
	}
	return line
}

func (f *fakeFTPServer) close() {
	if f.conn != nil {
		_ = f.conn.Close()
	}
	_ = f.ln.Close()
}

// runLogin drives the standard USER/PASS/FEAT/TYPE I sequence login()
// expects, with feats appended verbatim between the FEAT intro and
// terminator lines.
func (f *fakeFTPServer) runLogin(feats ...string) {
	f.accept()
	f.send("220 welcome")
	f.expectCmd("USER anonymous")
	f.send("331 need password")
	f.expectCmd("PASS anonymous@")
	f.send("230 logged in")
	f.expectCmd("FEAT")
	lines := append([]string{"211-Features:"}, feats...)
	lines = append(lines, "211 End")
	f.send(lines...)
	f.expectCmd("TYPE I")
	f.send("200 Type set to I")
}

func testConfig(host string, port int) *Config {
	cfg := NewConfig()
	cfg.Host = host
	cfg.Port = port
	return cfg
}
