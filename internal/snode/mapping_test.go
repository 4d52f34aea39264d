package snode

import (
	"strings"
	"testing"

	"swarmnode/internal/keys"
)

// userPK builds a user pubkey whose ring position is exactly r: the
// first 16-hex chunk after the prefix carries r, the rest are zero.
func userPK(t *testing.T, r uint64) keys.UserPubkey {
	t.Helper()
	h := "05" + hex16(r) + strings.Repeat("0", 48)
	pk, err := keys.UserPubkeyFromHex(h)
	if err != nil {
		t.Fatalf("UserPubkeyFromHex failed: %v", err)
	}
	return pk
}

func hex16(v uint64) string {
	const digits = "0123456789abcdef"
	var out [16]byte
	for i := 15; i >= 0; i-- {
		out[i] = digits[v&0xf]
		v >>= 4
	}
	return string(out[:])
}

func swarmSet(ids ...SwarmID) []SwarmInfo {
	out := make([]SwarmInfo, len(ids))
	for i, id := range ids {
		out[i] = SwarmInfo{SwarmID: id}
	}
	return out
}

func TestPubkeyToRingXorsChunks(t *testing.T) {
	pk, err := keys.UserPubkeyFromHex("05" +
		"fffffffffffff000" +
		"0000000000000000" +
		"00000000000000ff" +
		"0000000000000000")
	if err != nil {
		t.Fatalf("UserPubkeyFromHex failed: %v", err)
	}
	if got := PubkeyToRing(pk); got != 0xfffffffffffff0ff {
		t.Fatalf("PubkeyToRing = %#x", got)
	}
}

func TestSwarmForPubkeyNearest(t *testing.T) {
	swarms := swarmSet(100, 1000, 10000)
	if got := SwarmForPubkey(swarms, userPK(t, 980)); got != 1000 {
		t.Fatalf("expected 1000, got %v", got)
	}
	if got := SwarmForPubkey(swarms, userPK(t, 120)); got != 100 {
		t.Fatalf("expected 100, got %v", got)
	}
}

func TestSwarmForPubkeyEmptySet(t *testing.T) {
	if got := SwarmForPubkey(nil, userPK(t, 42)); got != InvalidSwarmID {
		t.Fatalf("expected sentinel for empty set, got %v", got)
	}
	// Sentinel entries do not count as members of the ring.
	if got := SwarmForPubkey(swarmSet(InvalidSwarmID), userPK(t, 42)); got != InvalidSwarmID {
		t.Fatalf("expected sentinel, got %v", got)
	}
}

func TestSwarmForPubkeySkipsSentinel(t *testing.T) {
	swarms := swarmSet(InvalidSwarmID, 7)
	if got := SwarmForPubkey(swarms, userPK(t, ^uint64(0)-5)); got != 7 {
		t.Fatalf("sentinel must never be a routing target, got %v", got)
	}
}

func TestSwarmForPubkeyPermutationInvariant(t *testing.T) {
	ids := []SwarmID{0x1000, 0x2000, 0xF000000000000000, 5, 99999}
	pk := userPK(t, 0x1234567890)
	want := SwarmForPubkey(swarmSet(ids...), pk)
	perms := [][]SwarmID{
		{99999, 5, 0xF000000000000000, 0x2000, 0x1000},
		{0x2000, 0x1000, 5, 99999, 0xF000000000000000},
	}
	for _, p := range perms {
		if got := SwarmForPubkey(swarmSet(p...), pk); got != want {
			t.Fatalf("permutation changed result: %v != %v", got, want)
		}
	}
}

// Ring wrap: r sits beyond the rightmost swarm and the wrap distance to
// the leftmost id beats the direct distance.
func TestSwarmForPubkeyRingWrap(t *testing.T) {
	swarms := swarmSet(0x1000, 0x2000, 0xF000000000000000)
	pk := userPK(t, 0xFFFFFFFFFFFFF000)
	// Direct distance to 0xF000...: 0x0FFFFFFFFFFFF000.
	// Wrap distance to 0x1000: (MAX-1 - r) + 0x1000 = 0x1FFE.
	if got := SwarmForPubkey(swarms, pk); got != 0x1000 {
		t.Fatalf("expected wrap winner 0x1000, got %#x", uint64(got))
	}
}

// The wrap candidate is adopted only on strict improvement.
func TestSwarmForPubkeyWrapStrictImprovement(t *testing.T) {
	swarms := swarmSet(0x10, 0xFFFFFFFFFFFFFFF0)
	// Direct distance to rightmost is 0xA; wrap distance is 0x14.
	if got := SwarmForPubkey(swarms, userPK(t, 0xFFFFFFFFFFFFFFFA)); got != 0xFFFFFFFFFFFFFFF0 {
		t.Fatalf("wrap must not win without strict improvement, got %#x", uint64(got))
	}
	// Nearer the ring end: direct distance 0xE, wrap distance 0x0+0x10.
	if got := SwarmForPubkey(swarms, userPK(t, 0xFFFFFFFFFFFFFFFE)); got != 0xFFFFFFFFFFFFFFF0 {
		t.Fatalf("expected direct winner, got %#x", uint64(got))
	}
}

func TestSwarmForPubkeyTieBreaksLow(t *testing.T) {
	// 0xFB and 0x105 are both 5 away from 0x100.
	swarms := swarmSet(0x105, 0xFB)
	if got := SwarmForPubkey(swarms, userPK(t, 0x100)); got != 0xFB {
		t.Fatalf("tie must break to the lowest id, got %#x", uint64(got))
	}
}
