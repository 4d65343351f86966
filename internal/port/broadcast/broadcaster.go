// Package broadcast defines the port for pushing live pipeline events to the
// observers of an owner.
package broadcast

import "github.com/Strob0t/StageForge/internal/domain/event"

// Publisher delivers an envelope to every live observer of ownerID.
// Delivery is best effort: Publish never blocks on a slow observer and
// never reports per-observer failures to the caller.
type Publisher interface {
	Publish(ownerID string, env event.Envelope)
}
