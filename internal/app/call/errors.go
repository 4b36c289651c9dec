package call

import (
	"errors"
	"fmt"

	"github.com/dkeye/warmode/internal/app/match"
)

var (
	ErrTransportFailure    = errors.New("transport failure")
	ErrPartnerDisconnected = errors.New("partner disconnected")
	ErrConnectTimeout      = errors.New("connect timeout")
	ErrSessionReleased     = errors.New("call session already released")
)

// userMessages are the texts shown to people for the outcomes they can act on.
var userMessages = []struct {
	err error
	msg string
}{
	{match.ErrNoMatchAvailable, "No partners available right now. Try again in a few minutes."},
	{ErrTransportFailure, "Connection failed. Check your internet and try again."},
	{ErrPartnerDisconnected, "Partner disconnected."},
	{ErrConnectTimeout, "Could not reach your partner. Please try again."},
}

// UserMessage turns err into the sentence a UI shows. Unknown errors keep
// their own text.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, m := range userMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return err.Error()
}

// SignalingError wraps a failed exchange with the relay. It is logged and
// kept; it only becomes fatal when the connect watchdog fires.
type SignalingError struct {
	Op  string
	Err error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }
