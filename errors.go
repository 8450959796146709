package goftp

import (
	"errors"
	"fmt"

	"github.com/netfold/goftp/internal/retry"
)

// ProtocolError wraps any 4xx/5xx reply tied to a user-visible operation.
// Code is the raw 3-digit FTP status code.
type ProtocolError struct {
	Command string
	Code    int
	Text    string
	ID      string // correlation id, see internal/retry
}

func (e *ProtocolError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("ftp: %s: %d %s", e.Command, e.Code, e.Text)
	}
	return fmt.Sprintf("ftp: %d %s", e.Code, e.Text)
}

// ConnectError covers DNS failure, connection refusal, and connect timeout.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ftp: connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ErrConnectTimeout is returned (wrapped in ConnectError) when the
// connect-phase timeout fires before a greeting is observed.
var ErrConnectTimeout = errors.New("timeout while connecting to server")

// TLSError covers AUTH/PBSZ/PROT negotiation mismatches and handshake failure.
type TLSError struct {
	Stage string
	Err   error
}

func (e *TLSError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ftp: unable to secure connection(s) at %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("ftp: unable to secure connection(s) at %s", e.Stage)
}

func (e *TLSError) Unwrap() error { return e.Err }

// DataChannelError covers data-connection timeouts, port exhaustion, and
// PASV/EPSV parse failure.
type DataChannelError struct {
	Op  string
	Err error
}

func (e *DataChannelError) Error() string {
	return fmt.Sprintf("ftp: data channel %s: %v", e.Op, e.Err)
}

func (e *DataChannelError) Unwrap() error { return e.Err }

// ErrDataTimeout and ErrPortRangeExhausted name the two canonical
// DataChannelError causes called out by the spec.
var (
	ErrDataTimeout        = errors.New("timed out while making data connection")
	ErrPortRangeExhausted = errors.New("unable to find available port")
)

// AbortedError is raised when a data operation observes ABOR queued ahead
// of (or displacing) its transfer.
type AbortedError struct{}

func (e *AbortedError) Error() string { return "aborted" }

// ParseError covers malformed date/time replies from the server. Malformed
// listing lines are not an error condition per spec -- they are returned
// verbatim as raw strings -- so ParseError is reserved for MDTM/MLST time
// parsing.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ftp: invalid date/time format from server: %q: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is a *ProtocolError with the given
// status code, unwrapping as needed.
func IsProtocolError(err error, code int) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// IsRetriable reports whether err is a *ProtocolError carrying one of the
// transient status codes internal/retry classifies as worth a whole-operation
// retry (421 "service not available", 426 "transfer aborted").
func IsRetriable(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return retry.Retriable(pe.Code)
	}
	return false
}
