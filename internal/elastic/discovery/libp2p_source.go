package discovery

import (
	"context"

	libp2phost "github.com/libp2p/go-libp2p/core/host"
)

// SlotsFunc reports the slot capacity to advertise for a connected peer.
// libp2p itself has no notion of training-slot capacity, so this is
// supplied by the caller (e.g. from a peerstore annotation or a fixed
// per-node value).
type SlotsFunc func(libp2phost.Host, string) int

// FixedSlots returns a SlotsFunc that reports the same capacity for every
// peer.
func FixedSlots(n int) SlotsFunc {
	return func(libp2phost.Host, string) int { return n }
}

// PeerDiscoverySource turns a libp2p host's live, connected peers into the
// discovery contract: a peer with an open connection is "available", one
// that disconnected is not. It implements Source directly; no other
// libp2p transport is wired in by this package.
type PeerDiscoverySource struct {
	host  libp2phost.Host
	slots SlotsFunc
}

// NewPeerDiscoverySource builds a discovery Source backed by a live libp2p
// host. slots is consulted once per poll per connected peer.
func NewPeerDiscoverySource(host libp2phost.Host, slots SlotsFunc) *PeerDiscoverySource {
	if slots == nil {
		slots = FixedSlots(1)
	}
	return &PeerDiscoverySource{host: host, slots: slots}
}

// FindAvailableHostsAndSlots implements Source.
func (s *PeerDiscoverySource) FindAvailableHostsAndSlots(_ context.Context) (map[string]int, error) {
	peers := s.host.Network().Peers()
	out := make(map[string]int, len(peers))
	for _, p := range peers {
		id := p.String()
		if n := s.slots(s.host, id); n > 0 {
			out[id] = n
		}
	}
	return out, nil
}
