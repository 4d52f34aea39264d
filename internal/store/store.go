package store

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Message is one stored client message. Timestamps and TTLs are in
// milliseconds, matching what clients put on the wire.
type Message struct {
	PubKey    string `json:"pub_key"`
	Hash      string `json:"hash"`
	Data      string `json:"data"`
	TTL       uint64 `json:"ttl"`
	Timestamp uint64 `json:"timestamp"`
}

// Expiration is the absolute expiry time in milliseconds.
func (m Message) Expiration() uint64 { return m.Timestamp + m.TTL }

// ComputeHash derives the message hash the same way clients do:
// hex SHA-512 over timestamp, ttl, recipient and data concatenated.
func ComputeHash(timestamp, ttl, recipient, data string) string {
	h := sha512.New()
	for _, s := range []string{timestamp, ttl, recipient, data} {
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Store persists swarm messages in leveldb. Keys are ordered by
// recipient then timestamp so retrieval is one prefix scan.
type Store struct {
	db  *leveldb.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// OpenMemory backs the store with process memory; used by tests and by
// nodes running without a data dir.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func msgKey(pubKey string, timestamp uint64, hash string) []byte {
	return []byte(fmt.Sprintf("msg/%s/%020d/%s", pubKey, timestamp, hash))
}

func msgPrefix(pubKey string) []byte {
	return []byte("msg/" + pubKey + "/")
}

// Save writes one message; storing the same hash twice is a no-op.
func (s *Store) Save(m Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Put(msgKey(m.PubKey, m.Timestamp, m.Hash), raw, nil)
}

func (s *Store) nowMillis() uint64 {
	return uint64(s.now().UnixMilli())
}

// Retrieve returns the recipient's live messages. When lastHash names a
// stored message, only newer entries are returned; an unknown lastHash
// returns everything, the way polling clients expect.
func (s *Store) Retrieve(pubKey, lastHash string) ([]Message, error) {
	all, err := s.scan(pubKey)
	if err != nil {
		return nil, err
	}
	if lastHash == "" {
		return all, nil
	}
	for i, m := range all {
		if m.Hash == lastHash {
			return all[i+1:], nil
		}
	}
	return all, nil
}

func (s *Store) scan(pubKey string) ([]Message, error) {
	cutoff := s.nowMillis()
	iter := s.db.NewIterator(util.BytesPrefix(msgPrefix(pubKey)), nil)
	defer iter.Release()

	var out []Message
	for iter.Next() {
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if m.Expiration() <= cutoff {
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// All returns every live message on the node, for pushing the full data
// set to new swarm members after a dissolution.
func (s *Store) All() ([]Message, error) {
	cutoff := s.nowMillis()
	iter := s.db.NewIterator(util.BytesPrefix([]byte("msg/")), nil)
	defer iter.Release()

	var out []Message
	for iter.Next() {
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if m.Expiration() <= cutoff {
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// Prune deletes expired messages and reports how many went.
func (s *Store) Prune() (int, error) {
	cutoff := s.nowMillis()
	iter := s.db.NewIterator(util.BytesPrefix([]byte("msg/")), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	removed := 0
	for iter.Next() {
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil || m.Expiration() <= cutoff {
			key := make([]byte, len(iter.Key()))
			copy(key, iter.Key())
			batch.Delete(key)
			removed++
		}
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if removed > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return 0, err
		}
	}
	return removed, nil
}
