// Package routing implements the routing-group table (C8): named
// consistent-hashing continuums that select a concrete service
// instance from a logical group, refreshed wholesale from an
// authoritative store on demand.
package routing

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/dgryski/go-rendezvous"

	"github.com/40a/cocaine-core/internal/store"
)

// ErrRoutingStorage is the sentinel a Refresh caller can errors.Is
// against when the group store backing a refresh is unavailable.
var ErrRoutingStorage = errors.New("routing: storage unavailable")

// unkeyedKey is the fixed seed used for an unkeyed lookup so the
// canonical representative is deterministic and stable across calls
// for an unchanged member set.
const unkeyedKey = "\x00cocaine-routing-default"

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// Continuum is an immutable weighted rendezvous-hashing ring over one
// routing group's member set. Weight is realized by giving each
// member `weight` independently scored nominees, the standard way to
// build weighted HRW on top of unweighted highest-random-weight
// hashing.
type Continuum struct {
	group   string
	members []store.GroupMember
	ring    *rendezvous.Rendezvous
}

// newContinuum builds an immutable continuum from def. Members with a
// non-positive weight are skipped.
func newContinuum(def store.GroupDefinition) *Continuum {
	var nominees []string
	var members []store.GroupMember
	for _, m := range def.Members {
		if m.Weight <= 0 {
			continue
		}
		members = append(members, m)
		for i := 0; i < m.Weight; i++ {
			nominees = append(nominees, fmt.Sprintf("%s\x00%d", m.Name, i))
		}
	}
	sort.Strings(nominees)
	return &Continuum{
		group:   def.Group,
		members: members,
		ring:    rendezvous.New(nominees, hashString),
	}
}

// Map returns the member name selected for seed. An empty seed always
// resolves to the same canonical representative for this continuum.
func (c *Continuum) Map(seed string) (string, error) {
	if len(c.members) == 0 {
		return "", fmt.Errorf("routing: group %q has no active members", c.group)
	}
	key := seed
	if key == "" {
		key = unkeyedKey
	}
	nominee := c.ring.Get(key)
	name := nominee[:len(nominee)-indexSuffixLen(nominee)]
	return name, nil
}

// indexSuffixLen returns the length of the trailing "\x00<n>" nominee
// suffix so Map can recover the original member name.
func indexSuffixLen(nominee string) int {
	for i := len(nominee) - 1; i >= 0; i-- {
		if nominee[i] == 0 {
			return len(nominee) - i
		}
	}
	return 0
}

// Table is the single-writer/many-reader collection of named
// continuums (C8). refresh replaces the whole entry for each named
// group; readers always see either the old or the new continuum,
// never a mixed state.
type Table struct {
	store store.GroupStore

	mu         sync.RWMutex
	continuums map[string]*Continuum
}

// NewTable builds an empty routing table backed by groupStore.
func NewTable(groupStore store.GroupStore) *Table {
	return &Table{store: groupStore, continuums: make(map[string]*Continuum)}
}

// Refresh reloads each named group from the store and swaps in the
// resulting continuum, or removes the entry if the group is no
// longer active. A store failure aborts the whole call with
// RoutingStorageError wrapped, leaving previously refreshed names in
// this call already swapped (refresh is not transactional across
// names, matching a sequential per-name replace).
func (t *Table) Refresh(names []string) error {
	for _, name := range names {
		def, err := t.store.Find(name)
		if err != nil {
			var storageErr *store.GroupStoreError
			if errors.As(err, &storageErr) {
				return fmt.Errorf("routing: refresh %q: %w: %w", name, ErrRoutingStorage, err)
			}
			t.remove(name)
			continue
		}
		if !def.Active {
			t.remove(name)
			continue
		}
		t.swap(name, newContinuum(def))
	}
	return nil
}

func (t *Table) swap(name string, c *Continuum) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.continuums[name] = c
}

func (t *Table) remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.continuums, name)
}

// Lookup returns the continuum for name, or ok=false if no such
// group is currently loaded.
func (t *Table) Lookup(name string) (*Continuum, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.continuums[name]
	return c, ok
}
