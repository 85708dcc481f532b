package realtime

import (
	"time"

	"github.com/esmukingi/NexChat/cmd/internal/ids"
	v1 "github.com/esmukingi/NexChat/shared/contracts/realtime/v1"
)

// newHello builds the handshake envelope. The identity is a correlation key
// only; authorization comes from the credential on the dial.
func newHello(identity string, now time.Time) (v1.Envelope, error) {
	return v1.NewEnvelope(v1.TypeHello, ids.EnvelopeID(now), now, v1.HelloPayload{UserID: identity})
}
