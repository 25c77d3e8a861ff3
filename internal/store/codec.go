package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/aml/internal/record"
)

// documentVersion is the only envelope version this package reads and writes.
const documentVersion = 1

// document is the persisted envelope for one owner's record set.
type document struct {
	Version   int        `json:"version"`
	Owner     string     `json:"owner"`
	UpdatedAt time.Time  `json:"updated_at"`
	Records   record.Set `json:"records"`
}

// Encode serializes an owner's record set into the document envelope.
func Encode(owner string, set record.Set, now time.Time) ([]byte, error) {
	if set == nil {
		set = record.Set{}
	}
	data, err := json.Marshal(document{
		Version:   documentVersion,
		Owner:     owner,
		UpdatedAt: now.UTC(),
		Records:   set,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding records: %w", err)
	}
	return data, nil
}

// Decode parses a document envelope. Every failure wraps ErrCorruptState.
func Decode(owner string, data []byte) (record.Set, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if doc.Version != documentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptState, doc.Version)
	}
	if doc.Owner != owner {
		return nil, fmt.Errorf("%w: document owner %q, expected %q", ErrCorruptState, doc.Owner, owner)
	}
	if doc.Records == nil {
		doc.Records = record.Set{}
	}
	if err := doc.Records.Validate(owner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return doc.Records, nil
}

// Discard reasons reported by Salvage.
const (
	DiscardInvalid   = "invalid"
	DiscardDuplicate = "duplicate"
)

// Discarded is a record Salvage could not keep.
type Discarded struct {
	Index  int
	ID     string
	Reason string
	Err    error
}

// Salvage decodes a document record by record, keeping every valid record and
// reporting the rest. Only an unreadable envelope fails with ErrCorruptState.
func Salvage(owner string, data []byte) (record.Set, []Discarded, error) {
	var doc struct {
		Version int               `json:"version"`
		Owner   string            `json:"owner"`
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if doc.Version != documentVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptState, doc.Version)
	}
	if doc.Owner != owner {
		return nil, nil, fmt.Errorf("%w: document owner %q, expected %q", ErrCorruptState, doc.Owner, owner)
	}

	kept := make(record.Set, 0, len(doc.Records))
	var dropped []Discarded
	seen := make(map[string]struct{}, len(doc.Records))
	for i, raw := range doc.Records {
		var r record.Record
		if err := json.Unmarshal(raw, &r); err != nil {
			dropped = append(dropped, Discarded{Index: i, Reason: DiscardInvalid, Err: err})
			continue
		}
		err := r.Validate()
		if err == nil && r.Owner != owner {
			err = record.ErrOwnerMismatch
		}
		if err != nil {
			dropped = append(dropped, Discarded{Index: i, ID: r.ID, Reason: DiscardInvalid, Err: err})
			continue
		}
		if _, dup := seen[r.ID]; dup {
			dropped = append(dropped, Discarded{Index: i, ID: r.ID, Reason: DiscardDuplicate, Err: record.ErrDuplicateID})
			continue
		}
		seen[r.ID] = struct{}{}
		kept = append(kept, &r)
	}
	return kept, dropped, nil
}
