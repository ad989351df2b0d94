// Package journal persists one record per dispatched procedure call to an
// embedded BadgerDB store. Appliance runs are usually discarded with the
// VM; when one misbehaves, the journal is the record of which procedures
// ran, in what order, and how they ended.
//
// Journalling is strictly best-effort: a failure to persist is logged and
// never surfaces on the wire.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/arheider/vdiskd/internal/daemon"
	"github.com/arheider/vdiskd/internal/logger"
)

// Entry is the stored form of one call record. JSON keeps the journal
// greppable from a rescue shell.
type Entry struct {
	Seq     uint64    `json:"seq"`
	Proc    uint32    `json:"proc"`
	Name    string    `json:"name"`
	Serial  uint32    `json:"serial"`
	Status  string    `json:"status"`
	Elapsed int64     `json:"elapsed_us"`
	When    time.Time `json:"when"`
}

// Journal is a badger-backed daemon.CallRecorder.
type Journal struct {
	db  *badger.DB
	seq *badger.Sequence
}

const keyPrefix = "call/"

// Open creates or reopens the journal at path.
func Open(path string) (*Journal, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal store: %w", err)
	}

	seq, err := db.GetSequence([]byte("meta/seq"), 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open journal sequence: %w", err)
	}

	return &Journal{db: db, seq: seq}, nil
}

// RecordCall implements daemon.CallRecorder.
func (j *Journal) RecordCall(rec daemon.CallRecord) {
	if err := j.append(rec); err != nil {
		logger.Warn("journal: dropping record for proc %d serial %d: %v",
			rec.Proc, rec.Serial, err)
	}
}

func (j *Journal) append(rec daemon.CallRecord) error {
	seq, err := j.seq.Next()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	entry := Entry{
		Seq:     seq,
		Proc:    rec.Proc,
		Name:    rec.Name,
		Serial:  rec.Serial,
		Status:  rec.Status,
		Elapsed: rec.Elapsed.Microseconds(),
		When:    rec.When,
	}
	value, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	key := fmt.Sprintf("%s%016x", keyPrefix, seq)
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

// Entries returns up to limit journal entries in call order. limit <= 0
// means all.
func (j *Journal) Entries(limit int) ([]Entry, error) {
	var entries []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			err := it.Item().Value(func(value []byte) error {
				var e Entry
				if err := json.Unmarshal(value, &e); err != nil {
					return fmt.Errorf("unmarshal entry %s: %w", it.Item().Key(), err)
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return entries, nil
}

// Close releases the sequence lease and closes the store.
func (j *Journal) Close() error {
	if err := j.seq.Release(); err != nil {
		logger.Warn("journal: release sequence: %v", err)
	}
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close journal store: %w", err)
	}
	return nil
}
