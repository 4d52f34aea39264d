package snode

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"swarmnode/internal/keys"
)

// Snapshot is one immutable view of the network. Requests capture a
// snapshot pointer once and use it throughout; the tracker swaps the
// pointer atomically on every block update.
type Snapshot struct {
	OurSwarmID     SwarmID
	SwarmPeers     []NodeRecord
	AllSwarms      []SwarmInfo
	Decommissioned []NodeRecord

	byLegacy    map[keys.LegacyPubkey]NodeRecord
	edToLegacy  map[keys.Ed25519Pubkey]keys.LegacyPubkey
	x25ToLegacy map[keys.X25519Pubkey]keys.LegacyPubkey
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		OurSwarmID:  InvalidSwarmID,
		byLegacy:    map[keys.LegacyPubkey]NodeRecord{},
		edToLegacy:  map[keys.Ed25519Pubkey]keys.LegacyPubkey{},
		x25ToLegacy: map[keys.X25519Pubkey]keys.LegacyPubkey{},
	}
}

// FindNodeByLegacy looks a node up among routable and decommissioned
// nodes alike; decommissioned nodes resolve but are not routable.
func (s *Snapshot) FindNodeByLegacy(pk keys.LegacyPubkey) (NodeRecord, bool) {
	n, ok := s.byLegacy[pk]
	return n, ok
}

func (s *Snapshot) FindNodeByEd25519(pk keys.Ed25519Pubkey) (NodeRecord, bool) {
	legacy, ok := s.edToLegacy[pk]
	if !ok {
		return NodeRecord{}, false
	}
	return s.FindNodeByLegacy(legacy)
}

func (s *Snapshot) FindNodeByX25519(pk keys.X25519Pubkey) (NodeRecord, bool) {
	legacy, ok := s.x25ToLegacy[pk]
	if !ok {
		return NodeRecord{}, false
	}
	return s.FindNodeByLegacy(legacy)
}

// SwarmForPubkey maps a user pubkey against this snapshot's swarms.
func (s *Snapshot) SwarmForPubkey(pk keys.UserPubkey) SwarmID {
	return SwarmForPubkey(s.AllSwarms, pk)
}

// IsPubkeyForUs reports whether this node's swarm is responsible for
// the given user pubkey. Always false while unassigned.
func (s *Snapshot) IsPubkeyForUs(pk keys.UserPubkey) bool {
	if s.OurSwarmID == InvalidSwarmID {
		return false
	}
	return s.OurSwarmID == s.SwarmForPubkey(pk)
}

// SwarmNodesForPubkey returns the member list of the swarm responsible
// for pk, for redirecting misdirected clients.
func (s *Snapshot) SwarmNodesForPubkey(pk keys.UserPubkey) []NodeRecord {
	id := s.SwarmForPubkey(pk)
	if id == InvalidSwarmID {
		return nil
	}
	for _, si := range s.AllSwarms {
		if si.SwarmID == id {
			out := make([]NodeRecord, len(si.Snodes))
			copy(out, si.Snodes)
			return out
		}
	}
	return nil
}

// Tracker observes successive network snapshots and derives membership
// churn events. Block updates are serialized; readers only ever see a
// complete snapshot.
type Tracker struct {
	log        *zap.Logger
	ourAddress NodeRecord

	mu   sync.Mutex // serializes ApplyBlockUpdate
	view atomic.Pointer[Snapshot]
}

func NewTracker(ourAddress NodeRecord, log *zap.Logger) *Tracker {
	t := &Tracker{log: log, ourAddress: ourAddress}
	t.view.Store(emptySnapshot())
	return t
}

// View returns the current immutable snapshot.
func (t *Tracker) View() *Snapshot {
	return t.view.Load()
}

func (t *Tracker) OurAddress() NodeRecord { return t.ourAddress }

// Active reports whether we currently belong to a swarm.
func (t *Tracker) Active() bool {
	return t.View().OurSwarmID != InvalidSwarmID
}

func swarmExists(swarms []SwarmInfo, id SwarmID) bool {
	for _, si := range swarms {
		if si.SwarmID == id {
			return true
		}
	}
	return false
}

// deriveEvents computes churn against the previous snapshot.
func deriveEvents(prev *Snapshot, ourAddress NodeRecord, swarms []SwarmInfo) SwarmEvents {
	events := SwarmEvents{OurSwarmID: InvalidSwarmID}

	var ourSwarm *SwarmInfo
	for i := range swarms {
		for _, sn := range swarms[i].Snodes {
			if sn.Same(ourAddress) {
				ourSwarm = &swarms[i]
				break
			}
		}
		if ourSwarm != nil {
			break
		}
	}
	if ourSwarm == nil {
		// Not in any swarm; nothing further to derive.
		return events
	}

	events.OurSwarmID = ourSwarm.SwarmID
	events.OurSwarmMembers = ourSwarm.Snodes

	if prev.OurSwarmID == InvalidSwarmID {
		// Just started in a swarm, no churn yet.
		return events
	}

	if prev.OurSwarmID != ourSwarm.SwarmID {
		// Moved to a new swarm. If the old one is gone entirely, it
		// was dissolved and the store must push everything out.
		if !swarmExists(swarms, prev.OurSwarmID) {
			events.Dissolved = true
		}
		return events
	}

	// Same swarm: who joined?
	for _, sn := range ourSwarm.Snodes {
		if sn.Same(ourAddress) {
			continue
		}
		known := false
		for _, peer := range prev.SwarmPeers {
			if peer.Same(sn) {
				known = true
				break
			}
		}
		if !known {
			events.NewSnodes = append(events.NewSnodes, sn)
		}
	}

	// Any swarms we had never seen?
	for _, si := range swarms {
		if !swarmExists(prev.AllSwarms, si.SwarmID) {
			events.NewSwarms = append(events.NewSwarms, si.SwarmID)
		}
	}

	return events
}

// applyIPs merges incoming coordinates over the retained snapshot. A
// field takes the incoming value only when it is non-default, so a
// snapshot built from chain data alone cannot erase known-good
// coordinates.
func applyIPs(incoming []SwarmInfo, retained map[keys.LegacyPubkey]NodeRecord) []SwarmInfo {
	merged := make([]SwarmInfo, len(incoming))
	for i, si := range incoming {
		nodes := make([]NodeRecord, len(si.Snodes))
		copy(nodes, si.Snodes)
		for j := range nodes {
			old, ok := retained[nodes[j].PubkeyLegacy]
			if !ok {
				continue
			}
			if nodes[j].IP == "" || nodes[j].IP == "0.0.0.0" {
				if old.IP != "" && old.IP != "0.0.0.0" {
					nodes[j].IP = old.IP
				}
			}
			if nodes[j].Port == 0 && old.Port != 0 {
				nodes[j].Port = old.Port
			}
			if nodes[j].LMQPort == 0 && old.LMQPort != 0 {
				nodes[j].LMQPort = old.LMQPort
			}
		}
		merged[i] = SwarmInfo{SwarmID: si.SwarmID, Snodes: nodes}
	}
	return merged
}

// ApplyBlockUpdate ingests one block update, publishes the new snapshot
// and returns the derived events.
func (t *Tracker) ApplyBlockUpdate(bu BlockUpdate) SwarmEvents {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.view.Load()
	events := deriveEvents(prev, t.ourAddress, bu.Swarms)

	next := emptySnapshot()
	next.OurSwarmID = events.OurSwarmID
	next.Decommissioned = bu.Decommissioned
	next.AllSwarms = applyIPs(bu.Swarms, prev.byLegacy)

	if events.OurSwarmID != InvalidSwarmID {
		if events.Dissolved {
			t.log.Info("our old swarm was dissolved", zap.Uint64("old_swarm", uint64(prev.OurSwarmID)))
		}
		for _, sn := range events.NewSnodes {
			t.log.Info("detected new snode in our swarm", zap.String("pubkey", sn.PubkeyLegacy.Hex()))
		}
		for _, id := range events.NewSwarms {
			t.log.Info("detected new swarm", zap.Uint64("swarm", uint64(id)))
		}
		if prev.OurSwarmID == InvalidSwarmID {
			t.log.Info("started as a member of a swarm", zap.Uint64("swarm", uint64(events.OurSwarmID)))
		} else if prev.OurSwarmID != events.OurSwarmID {
			t.log.Info("moved into a new swarm", zap.Uint64("swarm", uint64(events.OurSwarmID)))
		}

		next.SwarmPeers = make([]NodeRecord, 0, len(events.OurSwarmMembers))
		for _, sn := range events.OurSwarmMembers {
			if !sn.Same(t.ourAddress) {
				next.SwarmPeers = append(next.SwarmPeers, sn)
			}
		}
	} else {
		t.log.Warn("we are not currently an active service node",
			zap.Uint64("height", bu.Height))
	}

	// Lookup tables cover every funded node, decommissioned included:
	// those are not routable but still resolvable for diagnostics.
	for _, si := range next.AllSwarms {
		for _, sn := range si.Snodes {
			next.byLegacy[sn.PubkeyLegacy] = sn
		}
	}
	for _, sn := range bu.Decommissioned {
		if _, ok := next.byLegacy[sn.PubkeyLegacy]; !ok {
			next.byLegacy[sn.PubkeyLegacy] = sn
		}
	}
	for pk, sn := range next.byLegacy {
		next.edToLegacy[sn.PubkeyEd25519] = pk
		next.x25ToLegacy[sn.PubkeyX25519] = pk
	}

	t.view.Store(next)
	return events
}
