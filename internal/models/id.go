package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ID identifies a card, collection or study log. An ID is either Remote
// (assigned by the server) or Local (a client placeholder for an entity
// created offline that the server has not acknowledged yet).
//
// On the wire a Local ID is encoded as the negated placeholder value, which
// is the format the sync endpoint and its id_map use.
type ID struct {
	value int64
	local bool
}

// Remote returns a server-assigned identity.
func Remote(id int64) ID {
	return ID{value: id}
}

// Local returns a placeholder identity. temp must be positive.
func Local(temp int64) ID {
	return ID{value: temp, local: true}
}

// FromWire decodes the integer representation used by the backend.
func FromWire(n int64) ID {
	if n < 0 {
		return Local(-n)
	}
	return Remote(n)
}

// ParseID parses the String or wire form of an ID: "42", "local:17" or
// "-17".
func ParseID(s string) (ID, error) {
	raw, local := strings.CutPrefix(strings.TrimSpace(s), "local:")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n == 0 || (local && n < 0) {
		return ID{}, fmt.Errorf("invalid id %q", s)
	}
	if local {
		return Local(n), nil
	}
	return FromWire(n), nil
}

// IsLocal reports whether the ID is a client placeholder.
func (id ID) IsLocal() bool { return id.local }

// IsZero reports whether the ID was never assigned.
func (id ID) IsZero() bool { return id.value == 0 }

// Value returns the raw server id or placeholder number.
func (id ID) Value() int64 { return id.value }

// Wire returns the integer representation used by the backend.
func (id ID) Wire() int64 {
	if id.local {
		return -id.value
	}
	return id.value
}

func (id ID) String() string {
	if id.local {
		return fmt.Sprintf("local:%d", id.value)
	}
	return strconv.FormatInt(id.value, 10)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(id.Wire(), 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = FromWire(n)
	return nil
}

// IDMap maps placeholder identities to the identities the server assigned.
// It is serialized as an object keyed by the wire value of the old id,
// e.g. {"-1700000000": 42}.
type IDMap map[ID]ID

// Resolve returns the mapped identity, or id itself when it is not mapped.
func (m IDMap) Resolve(id ID) ID {
	if next, ok := m[id]; ok {
		return next
	}
	return id
}

// MarshalJSON implements json.Marshaler.
func (m IDMap) MarshalJSON() ([]byte, error) {
	raw := make(map[string]int64, len(m))
	for from, to := range m {
		raw[strconv.FormatInt(from.Wire(), 10)] = to.Wire()
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *IDMap) UnmarshalJSON(data []byte) error {
	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode id map: %w", err)
	}
	out := make(IDMap, len(raw))
	for key, to := range raw {
		from, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("decode id map key %q: %w", key, err)
		}
		out[FromWire(from)] = FromWire(to)
	}
	*m = out
	return nil
}
