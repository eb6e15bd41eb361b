// Package assign implements the pure host-to-slot rank assignment function
// used by every reconfiguration.
package assign

import (
	"fmt"

	"github.com/nmxmxh/elastic-driver/internal/elastic/types"
)

// Host is one assigned host and the slot capacity discovery reported for
// it, in the stable order the driver wants ranks derived from.
type Host struct {
	Name  string
	Slots int
}

// Assign maps the ordered assigned hosts to a dense, ranked SlotInfo list,
// subject to [minNP, maxNP]. maxNP == 0 means unbounded. Deterministic:
// identical input always produces identical output.
func Assign(hosts []Host, minNP, maxNP int) ([]types.SlotInfo, error) {
	total := 0
	for _, h := range hosts {
		total += h.Slots
	}

	if total < minNP {
		return nil, fmt.Errorf("%w: have %d slots across %d hosts, need at least %d", types.ErrInsufficientResources, total, len(hosts), minNP)
	}
	if maxNP > 0 && total > maxNP {
		return nil, fmt.Errorf("%w: have %d slots across %d hosts, at most %d allowed", types.ErrTooManyResources, total, len(hosts), maxNP)
	}

	slots := make([]types.SlotInfo, 0, total)
	rank := 0
	for crossRank, h := range hosts {
		for localRank := 0; localRank < h.Slots; localRank++ {
			slots = append(slots, types.SlotInfo{
				Hostname:  h.Name,
				LocalRank: localRank,
				LocalSize: h.Slots,
				CrossRank: crossRank,
				CrossSize: len(hosts),
				Rank:      rank,
				Size:      total,
			})
			rank++
		}
	}
	return slots, nil
}

// HasAvailableSlots reports whether total meets the minimum the assigner
// would require; callers are expected to gate Assign invocations on this so
// InsufficientResources is reserved for races rather than the steady state.
func HasAvailableSlots(totalSlots, minNP int) bool {
	return totalSlots >= minNP
}
