package snode

import (
	"fmt"
	"math"

	"swarmnode/internal/keys"
)

// SwarmID identifies one swarm. InvalidSwarmID is the sentinel for "not
// assigned to any swarm"; it must never be exposed as a routing target.
type SwarmID uint64

const InvalidSwarmID SwarmID = math.MaxUint64

func (id SwarmID) String() string {
	if id == InvalidSwarmID {
		return "<unassigned>"
	}
	return fmt.Sprintf("%d", uint64(id))
}

// NodeRecord carries all three pubkey forms of a service node plus its
// network coordinates.
type NodeRecord struct {
	IP      string `json:"ip"`
	Port    uint16 `json:"port"`
	LMQPort uint16 `json:"port_lmq"`

	PubkeyLegacy  keys.LegacyPubkey  `json:"pubkey_legacy"`
	PubkeyEd25519 keys.Ed25519Pubkey `json:"pubkey_ed25519"`
	PubkeyX25519  keys.X25519Pubkey  `json:"pubkey_x25519"`
}

// Same reports whether two records are the same node. Identity is the
// legacy pubkey; coordinates may differ between snapshots.
func (n NodeRecord) Same(other NodeRecord) bool {
	return n.PubkeyLegacy == other.PubkeyLegacy
}

// HasDefaultCoords is true when the record lacks usable network
// coordinates (typical of blockchain-only data).
func (n NodeRecord) HasDefaultCoords() bool {
	return n.IP == "" || n.IP == "0.0.0.0" || n.Port == 0 || n.LMQPort == 0
}

// SwarmInfo is one swarm and its ordered member list. Member order is
// preserved across updates unless the network re-orders them.
type SwarmInfo struct {
	SwarmID SwarmID
	Snodes  []NodeRecord
}

// BlockUpdate is the atomic unit fed to the tracker by the chain
// poller. Immutable once constructed.
type BlockUpdate struct {
	Height         uint64
	BlockHash      string
	HardforkVer    int
	Swarms         []SwarmInfo
	Decommissioned []NodeRecord
}

// SwarmEvents is derived from consecutive snapshots, never stored.
type SwarmEvents struct {
	OurSwarmID      SwarmID
	OurSwarmMembers []NodeRecord
	Dissolved       bool
	NewSnodes       []NodeRecord
	NewSwarms       []SwarmID
}
