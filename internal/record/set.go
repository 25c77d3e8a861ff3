package record

import "fmt"

// Set is an owner's ordered record collection. Order is insertion order and is
// what ranking falls back to on ties.
type Set []*Record

// Clone deep-copies every record.
func (s Set) Clone() Set {
	if s == nil {
		return Set{}
	}
	out := make(Set, len(s))
	for i, r := range s {
		out[i] = r.Clone()
	}
	return out
}

// Find returns the index of the record with id, or -1.
func (s Set) Find(id string) int {
	for i, r := range s {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// Get returns the record with id.
func (s Set) Get(id string) (*Record, error) {
	if i := s.Find(id); i >= 0 {
		return s[i], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// IDs returns the record ids in order.
func (s Set) IDs() []string {
	ids := make([]string, len(s))
	for i, r := range s {
		ids[i] = r.ID
	}
	return ids
}

// Without returns the records whose ids are not in drop, preserving order.
func (s Set) Without(drop map[string]struct{}) Set {
	out := make(Set, 0, len(s))
	for _, r := range s {
		if _, ok := drop[r.ID]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// Validate checks each record against the owner and that ids are unique.
func (s Set) Validate(owner string) error {
	if err := ValidateOwner(owner); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(s))
	for i, r := range s {
		if r == nil {
			return fmt.Errorf("%w: nil record at %d", ErrInvalidRecord, i)
		}
		if err := r.Validate(); err != nil {
			return fmt.Errorf("record %q: %w", r.ID, err)
		}
		if r.Owner != owner {
			return fmt.Errorf("record %q: %w", r.ID, ErrOwnerMismatch)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}
