package snode

import (
	"testing"

	"go.uber.org/zap"

	"swarmnode/internal/keys"
)

func record(t *testing.T, seed byte, ip string, port, lmqPort uint16) NodeRecord {
	t.Helper()
	var legacy, ed, x [32]byte
	for i := range legacy {
		legacy[i] = seed
		ed[i] = seed ^ 0xaa
		x[i] = seed ^ 0x55
	}
	lk, err := keys.LegacyFromBytes(legacy[:])
	if err != nil {
		t.Fatalf("LegacyFromBytes failed: %v", err)
	}
	ek, err := keys.Ed25519FromBytes(ed[:])
	if err != nil {
		t.Fatalf("Ed25519FromBytes failed: %v", err)
	}
	xk, err := keys.X25519FromBytes(x[:])
	if err != nil {
		t.Fatalf("X25519FromBytes failed: %v", err)
	}
	return NodeRecord{
		IP: ip, Port: port, LMQPort: lmqPort,
		PubkeyLegacy: lk, PubkeyEd25519: ek, PubkeyX25519: xk,
	}
}

func TestTrackerStartsUnassigned(t *testing.T) {
	us := record(t, 1, "10.0.0.1", 443, 5000)
	tr := NewTracker(us, zap.NewNop())
	if tr.Active() {
		t.Fatalf("fresh tracker must be inactive")
	}
	if tr.View().OurSwarmID != InvalidSwarmID {
		t.Fatalf("fresh snapshot must carry the sentinel")
	}
}

func TestTrackerJoinEmitsNoChurn(t *testing.T) {
	us := record(t, 1, "10.0.0.1", 443, 5000)
	peer := record(t, 2, "10.0.0.2", 443, 5000)
	tr := NewTracker(us, zap.NewNop())

	ev := tr.ApplyBlockUpdate(BlockUpdate{
		Height: 100,
		Swarms: []SwarmInfo{{SwarmID: 7, Snodes: []NodeRecord{us, peer}}},
	})
	if ev.OurSwarmID != 7 || ev.Dissolved || len(ev.NewSnodes) != 0 || len(ev.NewSwarms) != 0 {
		t.Fatalf("unexpected startup events: %+v", ev)
	}
	view := tr.View()
	if view.OurSwarmID != 7 {
		t.Fatalf("snapshot swarm id = %v", view.OurSwarmID)
	}
	if len(view.SwarmPeers) != 1 || !view.SwarmPeers[0].Same(peer) {
		t.Fatalf("unexpected peers: %+v", view.SwarmPeers)
	}
}

func TestTrackerDetectsNewSnodesAndSwarms(t *testing.T) {
	us := record(t, 1, "10.0.0.1", 443, 5000)
	peer := record(t, 2, "10.0.0.2", 443, 5000)
	joiner := record(t, 3, "10.0.0.3", 443, 5000)
	tr := NewTracker(us, zap.NewNop())

	tr.ApplyBlockUpdate(BlockUpdate{
		Height: 100,
		Swarms: []SwarmInfo{{SwarmID: 7, Snodes: []NodeRecord{us, peer}}},
	})
	ev := tr.ApplyBlockUpdate(BlockUpdate{
		Height: 101,
		Swarms: []SwarmInfo{
			{SwarmID: 7, Snodes: []NodeRecord{us, peer, joiner}},
			{SwarmID: 9, Snodes: []NodeRecord{record(t, 4, "10.0.0.4", 443, 5000)}},
		},
	})
	if len(ev.NewSnodes) != 1 || !ev.NewSnodes[0].Same(joiner) {
		t.Fatalf("expected joiner in NewSnodes: %+v", ev.NewSnodes)
	}
	if len(ev.NewSwarms) != 1 || ev.NewSwarms[0] != 9 {
		t.Fatalf("expected swarm 9 in NewSwarms: %+v", ev.NewSwarms)
	}
	if ev.Dissolved {
		t.Fatalf("same swarm must not report dissolution")
	}
}

func TestTrackerDissolved(t *testing.T) {
	us := record(t, 1, "10.0.0.1", 443, 5000)
	tr := NewTracker(us, zap.NewNop())

	tr.ApplyBlockUpdate(BlockUpdate{
		Height: 100,
		Swarms: []SwarmInfo{{SwarmID: 7, Snodes: []NodeRecord{us}}},
	})

	// Our swarm id vanished from the snapshot: dissolved.
	ev := tr.ApplyBlockUpdate(BlockUpdate{
		Height: 101,
		Swarms: []SwarmInfo{{SwarmID: 9, Snodes: []NodeRecord{us}}},
	})
	if ev.OurSwarmID != 9 || !ev.Dissolved {
		t.Fatalf("expected dissolution, got %+v", ev)
	}

	// Moved again, but this time the old swarm still exists.
	ev = tr.ApplyBlockUpdate(BlockUpdate{
		Height: 102,
		Swarms: []SwarmInfo{
			{SwarmID: 9, Snodes: []NodeRecord{record(t, 2, "10.0.0.2", 443, 5000)}},
			{SwarmID: 11, Snodes: []NodeRecord{us}},
		},
	})
	if ev.OurSwarmID != 11 || ev.Dissolved {
		t.Fatalf("old swarm survived, expected no dissolution: %+v", ev)
	}
}

func TestTrackerDropOut(t *testing.T) {
	us := record(t, 1, "10.0.0.1", 443, 5000)
	other := record(t, 2, "10.0.0.2", 443, 5000)
	tr := NewTracker(us, zap.NewNop())

	tr.ApplyBlockUpdate(BlockUpdate{
		Height: 100,
		Swarms: []SwarmInfo{{SwarmID: 7, Snodes: []NodeRecord{us}}},
	})
	ev := tr.ApplyBlockUpdate(BlockUpdate{
		Height: 101,
		Swarms: []SwarmInfo{{SwarmID: 7, Snodes: []NodeRecord{other}}},
	})
	if ev.OurSwarmID != InvalidSwarmID {
		t.Fatalf("expected sentinel after dropping out, got %v", ev.OurSwarmID)
	}
	// Lookup tables are still refreshed.
	if _, ok := tr.View().FindNodeByLegacy(other.PubkeyLegacy); !ok {
		t.Fatalf("lookups must survive dropping out of the swarm")
	}
}

func TestTrackerApplyIPsKeepsKnownGoodCoords(t *testing.T) {
	us := record(t, 1, "10.0.0.1", 443, 5000)
	peer := record(t, 2, "10.0.0.2", 8443, 5001)
	tr := NewTracker(us, zap.NewNop())

	tr.ApplyBlockUpdate(BlockUpdate{
		Height: 100,
		Swarms: []SwarmInfo{{SwarmID: 7, Snodes: []NodeRecord{us, peer}}},
	})

	// Chain-only snapshot: same membership, no coordinates.
	bare := peer
	bare.IP = "0.0.0.0"
	bare.Port = 0
	bare.LMQPort = 0
	bareUs := us
	bareUs.IP = ""
	tr.ApplyBlockUpdate(BlockUpdate{
		Height: 101,
		Swarms: []SwarmInfo{{SwarmID: 7, Snodes: []NodeRecord{bareUs, bare}}},
	})

	got, ok := tr.View().FindNodeByLegacy(peer.PubkeyLegacy)
	if !ok {
		t.Fatalf("peer not found")
	}
	if got.IP != "10.0.0.2" || got.Port != 8443 || got.LMQPort != 5001 {
		t.Fatalf("defaults erased known-good coordinates: %+v", got)
	}

	// A real update does win.
	moved := peer
	moved.IP = "10.9.9.9"
	tr.ApplyBlockUpdate(BlockUpdate{
		Height: 102,
		Swarms: []SwarmInfo{{SwarmID: 7, Snodes: []NodeRecord{us, moved}}},
	})
	got, _ = tr.View().FindNodeByLegacy(peer.PubkeyLegacy)
	if got.IP != "10.9.9.9" {
		t.Fatalf("non-default update must win: %+v", got)
	}
}

func TestTrackerLookupTables(t *testing.T) {
	us := record(t, 1, "10.0.0.1", 443, 5000)
	peer := record(t, 2, "10.0.0.2", 443, 5000)
	decom := record(t, 9, "10.0.0.9", 443, 5000)
	tr := NewTracker(us, zap.NewNop())

	tr.ApplyBlockUpdate(BlockUpdate{
		Height:         100,
		Swarms:         []SwarmInfo{{SwarmID: 7, Snodes: []NodeRecord{us, peer}}},
		Decommissioned: []NodeRecord{decom},
	})
	view := tr.View()

	if got, ok := view.FindNodeByEd25519(peer.PubkeyEd25519); !ok || !got.Same(peer) {
		t.Fatalf("ed25519 lookup failed")
	}
	if got, ok := view.FindNodeByX25519(peer.PubkeyX25519); !ok || !got.Same(peer) {
		t.Fatalf("x25519 lookup failed")
	}
	// Decommissioned nodes resolve for diagnostics.
	if got, ok := view.FindNodeByEd25519(decom.PubkeyEd25519); !ok || !got.Same(decom) {
		t.Fatalf("decommissioned lookup failed")
	}
	if _, ok := view.FindNodeByEd25519(record(t, 42, "", 0, 0).PubkeyEd25519); ok {
		t.Fatalf("unknown node must not resolve")
	}
}

func TestIsPubkeyForUs(t *testing.T) {
	us := record(t, 1, "10.0.0.1", 443, 5000)
	tr := NewTracker(us, zap.NewNop())

	pk := userPK(t, 0x1500)
	if tr.View().IsPubkeyForUs(pk) {
		t.Fatalf("inactive node is responsible for nothing")
	}

	tr.ApplyBlockUpdate(BlockUpdate{
		Height: 100,
		Swarms: []SwarmInfo{
			{SwarmID: 0x1000, Snodes: []NodeRecord{us}},
			{SwarmID: 0x9000, Snodes: []NodeRecord{record(t, 2, "10.0.0.2", 443, 5000)}},
		},
	})
	view := tr.View()
	if !view.IsPubkeyForUs(pk) {
		t.Fatalf("0x1500 maps to swarm 0x1000")
	}
	if view.IsPubkeyForUs(userPK(t, 0x8999)) {
		t.Fatalf("0x8999 maps to swarm 0x9000, not ours")
	}
	nodes := view.SwarmNodesForPubkey(userPK(t, 0x8999))
	if len(nodes) != 1 || nodes[0].Same(us) {
		t.Fatalf("wrong swarm nodes: %+v", nodes)
	}
}
