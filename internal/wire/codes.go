package wire

import "github.com/gorilla/websocket"

// Close codes the host uses beyond the RFC 6455 set.
const (
	ClosePolicyViolation = websocket.ClosePolicyViolation // 1008
	CloseServerError     = websocket.CloseInternalServerErr
	CloseTokenExpired    = 4401
	CloseResumeRejected  = 4404
	CloseRateLimited     = 4429
	CloseCapacity        = 4503
)

// Client-originated close reasons. The state machine uses these to tell a
// deliberate teardown apart from a failure.
const (
	ReasonUserClosed      = "user-closed"
	ReasonManualReconnect = "manual-reconnect"
	ReasonInactivity      = "inactivity-timeout"
	ReasonConnectTimeout  = "connect-timeout"
)

// NonRecoverable reports whether a close code means the host will never
// accept a retry with the same credentials or session.
func NonRecoverable(code int) bool {
	switch code {
	case ClosePolicyViolation, CloseServerError, CloseTokenExpired,
		CloseResumeRejected, CloseRateLimited, CloseCapacity:
		return true
	}
	return false
}
