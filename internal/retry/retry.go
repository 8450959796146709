// Package retry classifies FTP errors as retriable and stamps correlation
// ids onto outgoing requests for log correlation.
//
// Grounded on backend/ftp/ftp.go's isRetriableFtpError/shouldRetry pair:
// the same two status codes (transient "not available" and "transfer
// aborted") are treated as worth a caller-level retry, everything else is
// not.
package retry

import (
	"github.com/rs/xid"
)

// Status codes worth retrying at the connection-pool level, mirroring
// ftp.StatusNotAvailable (421) and ftp.StatusTransfertAborted (426) from
// jlaffaye/ftp as used by backend/ftp/ftp.go's isRetriableFtpError.
const (
	StatusNotAvailable    = 421
	StatusTransferAborted = 426
)

// Retriable reports whether a reply code is one a caller may usefully
// retry the whole operation for (as opposed to a permanent 5xx failure).
func Retriable(code int) bool {
	switch code {
	case StatusNotAvailable, StatusTransferAborted:
		return true
	}
	return false
}

// NewID returns a short correlation id suitable for tagging a Request or
// a ProtocolError for log correlation. xid is used instead of a uuid
// because it is lock-free and monotonic, which fits better on the hot
// per-command path than a crypto-random uuid.
func NewID() string {
	return xid.New().String()
}
