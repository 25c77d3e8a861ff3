package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Pair is a single context entry.
type Pair struct {
	Key   string
	Value Scalar
}

// IndexKey returns the "key:value" form used by the context index.
func (p Pair) IndexKey() string {
	return p.Key + ":" + p.Value.String()
}

// Context is an ordered collection of key/scalar pairs with unique keys.
// It marshals to a JSON object and preserves key order across round trips.
type Context []Pair

// NewContext builds a context from pairs, rejecting duplicate keys.
func NewContext(pairs ...Pair) (Context, error) {
	c := make(Context, 0, len(pairs))
	for _, p := range pairs {
		if err := c.add(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustContext is NewContext that panics on duplicate keys. For literals and tests.
func MustContext(pairs ...Pair) Context {
	c, err := NewContext(pairs...)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns the value for key.
func (c Context) Get(key string) (Scalar, bool) {
	for _, p := range c {
		if p.Key == key {
			return p.Value, true
		}
	}
	return Scalar{}, false
}

// Set replaces the value for an existing key or appends a new pair.
func (c Context) Set(key string, v Scalar) Context {
	for i := range c {
		if c[i].Key == key {
			c[i].Value = v
			return c
		}
	}
	return append(c, Pair{Key: key, Value: v})
}

// Keys returns the keys in insertion order.
func (c Context) Keys() []string {
	keys := make([]string, len(c))
	for i, p := range c {
		keys[i] = p.Key
	}
	return keys
}

// SortedKeys returns the keys in lexical order.
func (c Context) SortedKeys() []string {
	keys := c.Keys()
	sort.Strings(keys)
	return keys
}

// Matches reports whether c contains every pair of want with an equal value.
func (c Context) Matches(want Context) bool {
	for _, p := range want {
		v, ok := c.Get(p.Key)
		if !ok || !v.Equal(p.Value) {
			return false
		}
	}
	return true
}

// MatchFraction returns the share of target pairs present in c with an equal value.
// An empty target matches fully.
func (c Context) MatchFraction(target Context) float64 {
	if len(target) == 0 {
		return 1.0
	}
	matched := 0
	for _, p := range target {
		if v, ok := c.Get(p.Key); ok && v.Equal(p.Value) {
			matched++
		}
	}
	return float64(matched) / float64(len(target))
}

// Validate checks key uniqueness and that every value is a scalar.
func (c Context) Validate() error {
	seen := make(map[string]struct{}, len(c))
	for _, p := range c {
		if p.Key == "" {
			return fmt.Errorf("%w: empty context key", ErrInvalidRecord)
		}
		if _, dup := seen[p.Key]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateContextKey, p.Key)
		}
		if !p.Value.IsValid() {
			return fmt.Errorf("%w: key %q", ErrNonScalar, p.Key)
		}
		seen[p.Key] = struct{}{}
	}
	return nil
}

// Clone returns a copy that shares no backing array with c.
func (c Context) Clone() Context {
	if c == nil {
		return nil
	}
	out := make(Context, len(c))
	copy(out, c)
	return out
}

func (c *Context) add(p Pair) error {
	if _, ok := c.Get(p.Key); ok {
		return fmt.Errorf("%w: %q", ErrDuplicateContextKey, p.Key)
	}
	*c = append(*c, p)
	return nil
}

// MarshalJSON writes the pairs as a JSON object in insertion order.
func (c Context) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		v, err := p.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("context key %q: %w", p.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object, keeping key order and rejecting
// duplicate keys and non-scalar values.
func (c *Context) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*c = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("context must be a JSON object")
	}
	out := Context{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("context key must be a string")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var v Scalar
		if err := v.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("context key %q: %w", key, err)
		}
		if err := out.add(Pair{Key: key, Value: v}); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*c = out
	return nil
}

// ParseAssignments builds a context from key=value strings. Values parse as
// booleans, then numbers, and fall back to strings.
func ParseAssignments(items []string) (Context, error) {
	c := make(Context, 0, len(items))
	for _, item := range items {
		key, raw, ok := strings.Cut(item, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("context entry %q must be key=value", item)
		}
		if err := c.add(Pair{Key: key, Value: parseScalar(strings.TrimSpace(raw))}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func parseScalar(raw string) Scalar {
	if raw == "true" || raw == "false" {
		return Bool(raw == "true")
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Number(f)
	}
	return String(raw)
}
