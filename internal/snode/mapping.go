package snode

import (
	"strconv"

	"swarmnode/internal/keys"
)

// maxRingID is the width of the swarm ring; the sentinel sits outside it.
const maxRingID = uint64(InvalidSwarmID) - 1

// PubkeyToRing collapses a user pubkey to its 64-bit ring position by
// XORing every 16-hex-digit chunk of the hex form, skipping the two
// leading network-prefix digits.
func PubkeyToRing(pk keys.UserPubkey) uint64 {
	h := pk.Hex()
	var res uint64
	for i := 2; i < len(h); i += 16 {
		end := i + 16
		if end > len(h) {
			end = len(h)
		}
		// Malformed chunks contribute 0, same as the historical
		// behaviour clients have mapped against.
		v, _ := strconv.ParseUint(h[i:end], 16, 64)
		res ^= v
	}
	return res
}

// SwarmForPubkey maps a user pubkey onto the swarm whose id is nearest
// on the ring. Deterministic in pk and the set of swarm ids; member
// lists and ordering are irrelevant. Returns InvalidSwarmID iff the set
// is empty.
func SwarmForPubkey(swarms []SwarmInfo, pk keys.UserPubkey) SwarmID {
	res := PubkeyToRing(pk)

	curBest := InvalidSwarmID
	curMin := uint64(InvalidSwarmID)

	// The swarm list is not sorted; find the extremes in the same scan.
	leftmost := InvalidSwarmID
	rightmost := SwarmID(0)
	seen := 0

	for _, si := range swarms {
		if si.SwarmID == InvalidSwarmID {
			// A decommissioned entry must never win the scan.
			continue
		}
		seen++
		id := uint64(si.SwarmID)
		var dist uint64
		if id > res {
			dist = id - res
		} else {
			dist = res - id
		}
		if dist < curMin || (dist == curMin && si.SwarmID < curBest) {
			curBest = si.SwarmID
			curMin = dist
		}
		if si.SwarmID < leftmost {
			leftmost = si.SwarmID
		}
		if si.SwarmID > rightmost {
			rightmost = si.SwarmID
		}
	}

	if seen == 0 {
		return InvalidSwarmID
	}

	// Ring wrap. Note that curMin is deliberately not updated when a
	// wrap candidate is adopted; at most one of these branches runs and
	// nothing is considered afterwards.
	if res > uint64(rightmost) {
		// rightmost >= leftmost, so res >= leftmost here and the
		// subtraction cannot underflow; same for the other branch.
		if dist := (maxRingID - res) + uint64(leftmost); dist < curMin {
			curBest = leftmost
		}
	} else if res < uint64(leftmost) {
		if dist := res + (maxRingID - uint64(rightmost)); dist < curMin {
			curBest = rightmost
		}
	}

	return curBest
}
