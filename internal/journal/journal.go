// Package journal implements an optional bbolt-backed record of segment
// lifecycle events (create, publish, seal, delete). It is a pure
// diagnostics/cache aid: discovery and recovery always fall back to a
// directory scan if the journal is missing, stale, or disabled, so a
// journal write failure is never treated as fatal.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Event names a segment lifecycle transition.
type Event string

const (
	EventCreated   Event = "created"
	EventPublished Event = "published"
	EventSealed    Event = "sealed"
	EventDeleted   Event = "deleted"
)

var bucketName = []byte("segment_events")

// Record is one journaled lifecycle event.
type Record struct {
	SegmentID uint32 `json:"segment_id"`
	Event     Event  `json:"event"`
	AtUnixNs  int64  `json:"at_unix_ns"`
}

// Journal wraps a bbolt database used purely as an append-style event
// log, keyed by (segment_id, event timestamp in ns). Two events for the
// same segment recorded with the same timestamp share a key, and the
// later one overwrites the earlier.
type Journal struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt database at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying bbolt database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one lifecycle event. Errors are meant to be logged and
// squelched by callers — the journal is never authoritative.
func (j *Journal) Record(segmentID uint32, ev Event, atUnixNs int64) error {
	rec := Record{SegmentID: segmentID, Event: ev, AtUnixNs: atUnixNs}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		key := eventKey(segmentID, atUnixNs)
		return b.Put(key, val)
	})
}

// EventsForSegment returns every recorded event for segmentID in
// chronicle order, used for diagnostics (not consulted on the hot
// path).
func (j *Journal) EventsForSegment(segmentID uint32) ([]Record, error) {
	var out []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		prefix := segmentPrefix(segmentID)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// LastSealedSegment scans the bucket for the highest segment id that has
// both an EventPublished and an EventSealed record and no EventDeleted
// record.
func (j *Journal) LastSealedSegment() (uint32, bool, error) {
	best := uint32(0)
	found := false
	deleted := make(map[uint32]bool)
	published := make(map[uint32]bool)
	sealed := make(map[uint32]bool)

	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			switch rec.Event {
			case EventPublished:
				published[rec.SegmentID] = true
			case EventDeleted:
				deleted[rec.SegmentID] = true
			case EventSealed:
				sealed[rec.SegmentID] = true
			}
		}
		return nil
	})
	for id := range sealed {
		if published[id] && !deleted[id] && (!found || id > best) {
			best = id
			found = true
		}
	}
	return best, found, err
}

func eventKey(segmentID uint32, atUnixNs int64) []byte {
	key := make([]byte, 4+8)
	binary.BigEndian.PutUint32(key[0:], segmentID)
	binary.BigEndian.PutUint64(key[4:], uint64(atUnixNs))
	return key
}

func segmentPrefix(segmentID uint32) []byte {
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, segmentID)
	return prefix
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
