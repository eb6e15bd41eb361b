// Package rendezvous defines the narrow external-collaborator contracts:
// the HTTP rendezvous endpoint and the worker notification client. Both
// are injected; their wire protocols are out of scope for this driver.
package rendezvous

import (
	"context"

	"github.com/google/uuid"

	"github.com/nmxmxh/elastic-driver/internal/elastic/types"
)

// Endpoint publishes a ranking to workers over the (out of scope) wire
// protocol. Init is called once per reconfiguration, before any new
// supervisor is spawned.
type Endpoint interface {
	Init(ctx context.Context, slots []types.SlotInfo) error
}

// NotificationClient nudges already-running workers that the host set
// changed. Failures are swallowed by the caller; they must never block the
// control loop.
type NotificationClient interface {
	NotifyHostsUpdated(ctx context.Context, timestampSeconds int64) error
}

// NotificationClientFactory builds a NotificationClient for a set of worker
// addresses.
type NotificationClientFactory func(addresses []string, secretKey []byte, verbose int) NotificationClient

// Publication tags one Init call with an opaque run identifier so repeated
// publications are distinguishable in logs independently of the rendezvous
// id, which is kept by WorkerRegistry and only changes on its Reset.
type Publication struct {
	ID    uuid.UUID
	Slots []types.SlotInfo
}

// NewPublication stamps slots with a fresh publication identifier.
func NewPublication(slots []types.SlotInfo) Publication {
	return Publication{ID: uuid.New(), Slots: slots}
}
