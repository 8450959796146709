package goftp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnectRunsFullLoginSequence(t *testing.T) {
	srv := startFakeFTP(t)
	defer srv.close()
	host, port := srv.addr()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.runLogin(" SIZE", " MDTM", " MLST type*;size*;modify*;", " MLSD", " EPSV", " PASV")
	}()

	var greeted, ready bool
	events := &Events{
		Greeting: func(text string) { greeted = true; require.Equal(t, "welcome", text) },
		Ready:    func() { ready = true },
	}

	s, err := Connect(testConfig(host, port), events)
	require.NoError(t, err)
	defer s.Destroy()

	<-done
	require.True(t, greeted)
	require.True(t, ready)

	_, ok := s.hasFeat("MLST")
	require.True(t, ok)
	_, ok = s.hasFeat("NOTAFEATURE")
	require.False(t, ok)
}

func TestConnectToleratesUnsupportedFeat(t *testing.T) {
	srv := startFakeFTP(t)
	defer srv.close()
	host, port := srv.addr()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.accept()
		srv.send("220 welcome")
		srv.expectCmd("USER anonymous")
		srv.send("331 need password")
		srv.expectCmd("PASS anonymous@")
		srv.send("230 logged in")
		srv.expectCmd("FEAT")
		srv.send("502 FEAT not implemented")
		srv.expectCmd("TYPE I")
		srv.send("200 Type set to I")
	}()

	s, err := Connect(testConfig(host, port), nil)
	require.NoError(t, err)
	defer s.Destroy()
	<-done

	_, ok := s.hasFeat("MLST")
	require.False(t, ok)
}

func TestConnectRejectsBadCredentials(t *testing.T) {
	srv := startFakeFTP(t)
	defer srv.close()
	host, port := srv.addr()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.accept()
		srv.send("220 welcome")
		srv.expectCmd("USER anonymous")
		srv.send("331 need password")
		srv.expectCmd("PASS anonymous@")
		srv.send("530 login incorrect")
	}()

	_, err := Connect(testConfig(host, port), nil)
	require.Error(t, err)
	require.True(t, IsProtocolError(err, 530))
	<-done
}

func TestPwdFallsBackToCwdDotOnUnsupported(t *testing.T) {
	srv := startFakeFTP(t)
	defer srv.close()
	host, port := srv.addr()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.runLogin()
		srv.expectCmd("PWD")
		srv.send("502 PWD not understood")
		srv.expectCmd("CWD .")
		srv.send(`250 "/home/anon" is current directory`)

		// Second call must skip straight to the fallback, no PWD retry.
		srv.expectCmd("CWD .")
		srv.send(`250 "/home/anon" is current directory`)
	}()

	s, err := Connect(testConfig(host, port), nil)
	require.NoError(t, err)
	defer s.Destroy()

	p, err := s.Pwd()
	require.NoError(t, err)
	require.Equal(t, "/home/anon", p)
	require.True(t, s.isUnsupported("PWD"))

	p, err = s.Pwd()
	require.NoError(t, err)
	require.Equal(t, "/home/anon", p)

	<-done
}

func TestCdupFallsBackToCwdDotDot(t *testing.T) {
	srv := startFakeFTP(t)
	defer srv.close()
	host, port := srv.addr()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.runLogin()
		srv.expectCmd("CDUP")
		srv.send("502 CDUP not understood")
		srv.expectCmd("CWD ..")
		srv.send("250 CWD command successful")
	}()

	s, err := Connect(testConfig(host, port), nil)
	require.NoError(t, err)
	defer s.Destroy()

	require.NoError(t, s.Cdup())
	require.True(t, s.isUnsupported("CDUP"))
	<-done
}

func TestSessionEndFiresEndAndCloseEvents(t *testing.T) {
	srv := startFakeFTP(t)
	defer srv.close()
	host, port := srv.addr()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.runLogin()
	}()

	ended := make(chan struct{})
	closed := make(chan bool, 1)
	events := &Events{
		End:   func() { close(ended) },
		Close: func(hadError bool) { closed <- hadError },
	}

	s, err := Connect(testConfig(host, port), events)
	require.NoError(t, err)

	s.End()

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("End event never fired")
	}
	require.False(t, <-closed)
	<-done
}
