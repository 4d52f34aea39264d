package stats

import (
	"sync/atomic"
	"time"
)

// Snapshot is the JSON shape served on /get_stats/v1.
type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`
	UptimeSecs  int64     `json:"uptime_secs"`

	OnionProcessed uint64 `json:"onion_requests_processed"`
	OnionRelayed   uint64 `json:"onion_requests_relayed"`
	ProxyRelayed   uint64 `json:"server_relays"`
	StoreRequests  uint64 `json:"client_store_requests"`
	RetrieveReqs   uint64 `json:"client_retrieve_requests"`
	RateLimited    uint64 `json:"rate_limited"`
	Errors         uint64 `json:"errors"`
}

type Stats struct {
	started time.Time

	onionProcessed atomic.Uint64
	onionRelayed   atomic.Uint64
	proxyRelayed   atomic.Uint64
	storeRequests  atomic.Uint64
	retrieveReqs   atomic.Uint64
	rateLimited    atomic.Uint64
	errors         atomic.Uint64
}

func New() *Stats {
	return &Stats{started: time.Now()}
}

func (s *Stats) IncOnionProcessed() { s.onionProcessed.Add(1) }
func (s *Stats) IncOnionRelayed()   { s.onionRelayed.Add(1) }
func (s *Stats) IncProxyRelayed()   { s.proxyRelayed.Add(1) }
func (s *Stats) IncStore()          { s.storeRequests.Add(1) }
func (s *Stats) IncRetrieve()       { s.retrieveReqs.Add(1) }
func (s *Stats) IncRateLimited()    { s.rateLimited.Add(1) }
func (s *Stats) IncErrors()         { s.errors.Add(1) }

func (s *Stats) Snapshot() Snapshot {
	now := time.Now()
	return Snapshot{
		GeneratedAt:    now.UTC(),
		UptimeSecs:     int64(now.Sub(s.started).Seconds()),
		OnionProcessed: s.onionProcessed.Load(),
		OnionRelayed:   s.onionRelayed.Load(),
		ProxyRelayed:   s.proxyRelayed.Load(),
		StoreRequests:  s.storeRequests.Load(),
		RetrieveReqs:   s.retrieveReqs.Load(),
		RateLimited:    s.rateLimited.Load(),
		Errors:         s.errors.Load(),
	}
}
