package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

var keyPrefix = []byte("saga/")

// PebbleJournal keeps saga records in a local Pebble database so open steps
// survive a restart of the service.
type PebbleJournal struct {
	db *pebble.DB
}

func NewPebbleJournal(dir string) (*PebbleJournal, error) {
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleJournal{db: db}, nil
}

func (p *PebbleJournal) Close() error { return p.db.Close() }

func recordKey(id string) []byte {
	return append(append([]byte(nil), keyPrefix...), id...)
}

// Put is synced: a journal entry that is lost on crash defeats reconciliation.
func (p *PebbleJournal) Put(_ context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return p.db.Set(recordKey(rec.ID), payload, pebble.Sync)
}

func (p *PebbleJournal) Get(_ context.Context, id string) (Record, error) {
	v, closer, err := p.db.Get(recordKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	defer closer.Close()

	var rec Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (p *PebbleJournal) List(_ context.Context, openOnly bool) ([]Record, error) {
	upper := append([]byte(nil), keyPrefix...)
	upper[len(upper)-1]++
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: keyPrefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var result []Record
	for it.First(); it.Valid(); it.Next() {
		var rec Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Key(), err)
		}
		if openOnly && rec.Status != StatusOpen {
			continue
		}
		result = append(result, rec)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	sortRecords(result)
	return result, nil
}
