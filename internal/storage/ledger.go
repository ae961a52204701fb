// ledger.go implements the bbolt-backed audit ledger: an append-only,
// crash-safe record of domain events (phase transitions, completed/
// skipped shots, sensor degradation, unsafe latches). This is a record
// for operators and postmortems, not a recovery source — restart state
// comes from snapshot.go alone.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	ledgerBucket = []byte("ledger")
	metaBucket   = []byte("meta")
	seqKey       = []byte("next_seq")
)

// LedgerEntry is one audit record. Kind matches a bridge.EventKind
// string so the ledger and the bridge event stream stay in lockstep
// without the storage package importing bridge.
type LedgerEntry struct {
	Seq     uint64                 `json:"seq"`
	NodeID  string                 `json:"nodeId"`
	ZoneID  int                    `json:"zoneId,omitempty"`
	Kind    string                 `json:"kind"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	At      time.Time              `json:"at"`
}

// Ledger is the audit trail store, backed by a single bbolt file. Safe
// for concurrent use: bbolt serializes writers internally.
type Ledger struct {
	db            *bbolt.DB
	nodeID        string
	retentionDays int
}

// OpenLedger opens (creating if absent) the bbolt-backed ledger at path.
func OpenLedger(path, nodeID string, retentionDays int) (*Ledger, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open ledger %q: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(ledgerBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init ledger buckets: %w", err)
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Ledger{db: db, nodeID: nodeID, retentionDays: retentionDays}, nil
}

// Append records one domain event, assigning it the next monotonic
// sequence number. zoneID of 0 means the event is not zone-scoped.
func (l *Ledger) Append(kind string, zoneID int, payload map[string]interface{}, at time.Time) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		seq, _ := binary.Uvarint(meta.Get(seqKey))
		seq++

		entry := LedgerEntry{Seq: seq, NodeID: l.nodeID, ZoneID: zoneID, Kind: kind, Payload: payload, At: at}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal ledger entry: %w", err)
		}

		bucket := tx.Bucket(ledgerBucket)
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("put ledger entry: %w", err)
		}

		seqBuf := make([]byte, binary.MaxVarintLen64)
		n := binary.PutUvarint(seqBuf, seq)
		return meta.Put(seqKey, seqBuf[:n])
	})
}

// Count returns the current number of entries retained in the ledger.
func (l *Ledger) Count() (int, error) {
	n := 0
	err := l.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(ledgerBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Recent returns the most recent limit entries, newest first.
func (l *Ledger) Recent(limit int) ([]LedgerEntry, error) {
	var out []LedgerEntry
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(ledgerBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var entry LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshal ledger entry: %w", err)
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

// Prune deletes entries older than retentionDays, keyed off At. Intended
// to run once a day from the coordinator's cron schedule alongside the
// daily usage-counter reset.
func (l *Ledger) Prune(now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -l.retentionDays)
	removed := 0
	err := l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(ledgerBucket)
		c := bucket.Cursor()
		var staleKeys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if entry.At.Before(cutoff) {
				staleKeys = append(staleKeys, append([]byte(nil), k...))
			}
		}
		for _, k := range staleKeys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close closes the underlying bbolt database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
