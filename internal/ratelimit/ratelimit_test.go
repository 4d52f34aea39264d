package ratelimit

import (
	"testing"
	"time"

	"swarmnode/internal/keys"
)

func testPK(t *testing.T, seed byte) keys.Ed25519Pubkey {
	t.Helper()
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = seed
	}
	pk, err := keys.Ed25519FromBytes(raw)
	if err != nil {
		t.Fatalf("Ed25519FromBytes failed: %v", err)
	}
	return pk
}

func frozen(l *Limiter) *time.Time {
	now := time.Unix(1700000000, 0)
	l.now = func() time.Time { return now }
	return &now
}

func TestSnodeBucketExhausts(t *testing.T) {
	l := New(Options{SnodeRate: 1, SnodeBurst: 3})
	frozen(l)
	pk := testPK(t, 1)

	for i := 0; i < 3; i++ {
		if !l.AllowSnode(pk) {
			t.Fatalf("request %d should pass within burst", i)
		}
	}
	if l.AllowSnode(pk) {
		t.Fatalf("empty bucket must reject")
	}
}

func TestSnodeBucketRefills(t *testing.T) {
	l := New(Options{SnodeRate: 2, SnodeBurst: 2})
	now := frozen(l)
	pk := testPK(t, 1)

	l.AllowSnode(pk)
	l.AllowSnode(pk)
	if l.AllowSnode(pk) {
		t.Fatalf("bucket should be empty")
	}
	*now = now.Add(time.Second)
	if !l.AllowSnode(pk) || !l.AllowSnode(pk) {
		t.Fatalf("one second at rate 2 should refill two tokens")
	}
	if l.AllowSnode(pk) {
		t.Fatalf("refill must cap at burst")
	}
}

func TestSnodesAreIndependent(t *testing.T) {
	l := New(Options{SnodeRate: 1, SnodeBurst: 1})
	frozen(l)
	if !l.AllowSnode(testPK(t, 1)) {
		t.Fatalf("first snode should pass")
	}
	if !l.AllowSnode(testPK(t, 2)) {
		t.Fatalf("second snode has its own bucket")
	}
}

func TestClientBucket(t *testing.T) {
	l := New(Options{ClientRate: 1, ClientBurst: 2})
	frozen(l)
	for i := 0; i < 2; i++ {
		if !l.AllowClient("192.0.2.7") {
			t.Fatalf("request %d should pass within burst", i)
		}
	}
	if l.AllowClient("192.0.2.7") {
		t.Fatalf("empty bucket must reject")
	}
	if !l.AllowClient("192.0.2.8") {
		t.Fatalf("another client has its own bucket")
	}
}

func TestIPv6Refused(t *testing.T) {
	l := New(Options{})
	if l.AllowClient("2001:db8::1") {
		t.Fatalf("ipv6 clients are refused outright")
	}
	if l.AllowClient("not-an-ip") {
		t.Fatalf("garbage addresses are refused")
	}
	if !l.AllowClient("198.51.100.3") {
		t.Fatalf("ipv4 must be served")
	}
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	l := New(Options{ClientRate: 10, ClientBurst: 10})
	now := frozen(l)
	l.AllowClient("192.0.2.7")
	if len(l.clients) != 1 {
		t.Fatalf("expected one bucket")
	}
	*now = now.Add(2 * time.Minute)
	l.AllowClient("192.0.2.8")
	if _, ok := l.clients["192.0.2.7"]; ok {
		t.Fatalf("idle full bucket should have been swept")
	}
}
