// Package slotmap implements the immutable-after-boot slot-to-shard
// routing table and the CRC-16 key hashing used to derive a key's slot.
package slotmap

import (
	"fmt"
	"sort"
	"sync"
)

// SlotRange records a migrating/importing range reported by CLUSTER NODES.
// Carried for informational purposes only; the proxy does not act on it
// (live slot-map refresh and MOVED/ASK handling are out of scope).
type SlotRange struct {
	Slot Slot
	Dest string // destination node name for a `[slot->-dest]` migrate marker
	Src  string // source node name for a `[slot-<-src]` import marker
}

// Shard identifies one cluster backend. A shard may be shared (owned by
// the proxy-wide Map) or a clone owned by exactly one private-mode
// client connection; CloneOf names the shared shard it was cloned from.
type Shard struct {
	Name string
	IP   string
	Port int

	Replica bool // true if this node is a replica (flags contained "slave", or a master id was set)

	mu        sync.RWMutex
	slots     map[Slot]struct{}
	migrating []SlotRange
	importing []SlotRange

	CloneOf string // non-empty on a private clone
}

// Addr returns the "ip:port" dial address for this shard.
func (s *Shard) Addr() string {
	return fmt.Sprintf("%s:%d", s.IP, s.Port)
}

// AddSlot assigns a slot to this shard.
func (s *Shard) AddSlot(slot Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots == nil {
		s.slots = make(map[Slot]struct{})
	}
	s.slots[slot] = struct{}{}
}

// NumSlots returns the number of slots currently assigned to this shard.
func (s *Shard) NumSlots() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// OwnsSlot reports whether slot is assigned to this shard.
func (s *Shard) OwnsSlot(slot Slot) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.slots[slot]
	return ok
}

// AddMigrating records an informational migrate marker for this shard.
func (s *Shard) AddMigrating(r SlotRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrating = append(s.migrating, r)
}

// AddImporting records an informational import marker for this shard.
func (s *Shard) AddImporting(r SlotRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.importing = append(s.importing, r)
}

// Clone returns a private clone of this shard for a client entering
// private-connection mode. The clone shares no mutable state with the
// shared shard except its identity and slot assignment.
func (s *Shard) Clone() *Shard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slots := make(map[Slot]struct{}, len(s.slots))
	for sl := range s.slots {
		slots[sl] = struct{}{}
	}
	return &Shard{
		Name:    s.Name,
		IP:      s.IP,
		Port:    s.Port,
		Replica: s.Replica,
		slots:   slots,
		CloneOf: s.Name,
	}
}

// entry is one ordered slot->shard binding, sorted by Slot for ceiling lookup.
type entry struct {
	slot  Slot
	shard *Shard
}

// Map is the immutable-after-boot slot(14-bit) -> shard table. It is built
// once during bootstrap and is read-only from every worker thereafter.
type Map struct {
	entries []entry       // sorted ascending by slot
	shards  map[string]*Shard
}

// NewMap creates an empty, mutable builder for the slot map. Callers add
// shards and slot assignments, then call Finalize to sort and freeze it.
func NewMap() *Map {
	return &Map{shards: make(map[string]*Shard)}
}

// AddShard registers a shard by name, returning the existing instance if
// one was already registered under that name (bootstrap may see a shard's
// name referenced before its full line is parsed).
func (m *Map) AddShard(name string) *Shard {
	if s, ok := m.shards[name]; ok {
		return s
	}
	s := &Shard{Name: name}
	m.shards[name] = s
	return s
}

// Shard returns the shard registered under name, if any.
func (m *Map) Shard(name string) (*Shard, bool) {
	s, ok := m.shards[name]
	return s, ok
}

// Shards returns every registered shard, unordered.
func (m *Map) Shards() []*Shard {
	out := make([]*Shard, 0, len(m.shards))
	for _, s := range m.shards {
		out = append(out, s)
	}
	return out
}

// Finalize builds the sorted slot->shard index and validates that every
// slot in [0, SlotCount) resolves to a shard. Returns an error (a fatal
// startup condition per spec) if any slot is unassigned.
func (m *Map) Finalize() error {
	assigned := make([]*Shard, SlotCount)
	for _, s := range m.shards {
		s.mu.RLock()
		for slot := range s.slots {
			assigned[slot] = s
		}
		s.mu.RUnlock()
	}
	m.entries = m.entries[:0]
	for slot := 0; slot < SlotCount; slot++ {
		if assigned[slot] == nil {
			return fmt.Errorf("slotmap: slot %d has no owning shard", slot)
		}
	}
	// Build the sorted index by walking each shard's slot set once; shards
	// iterate in name order below to keep FirstShard (used by no-key
	// routing) deterministic across runs with the same bootstrap.
	names := make([]string, 0, len(m.shards))
	for name := range m.shards {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := m.shards[name]
		s.mu.RLock()
		for slot := range s.slots {
			m.entries = append(m.entries, entry{slot: slot, shard: s})
		}
		s.mu.RUnlock()
	}
	sort.Slice(m.entries, func(i, j int) bool { return m.entries[i].slot < m.entries[j].slot })
	return nil
}

// ShardForSlot returns the shard owning slot via a ceiling lookup over the
// sorted slot index. Panics if the map was not finalized or slot is out of
// range; both are programming errors, not runtime conditions.
func (m *Map) ShardForSlot(slot Slot) *Shard {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].slot >= slot })
	if i >= len(m.entries) || m.entries[i].slot != slot {
		panic(fmt.Sprintf("slotmap: slot %d not assigned", slot))
	}
	return m.entries[i].shard
}

// FirstShard returns the shard owning the lowest assigned slot, used to
// route key-less commands (arity == 1) deterministically.
func (m *Map) FirstShard() (*Shard, bool) {
	if len(m.entries) == 0 {
		return nil, false
	}
	return m.entries[0].shard, true
}

// Clone produces a private, per-client copy of the whole map: every shard
// is cloned independently so migrating a client into private mode never
// shares mutable shard state with the shared map.
func (m *Map) Clone() *Map {
	clone := NewMap()
	for name, s := range m.shards {
		c := s.Clone()
		clone.shards[name] = c
	}
	clone.entries = make([]entry, len(m.entries))
	for i, e := range m.entries {
		clone.entries[i] = entry{slot: e.slot, shard: clone.shards[e.shard.Name]}
	}
	return clone
}
