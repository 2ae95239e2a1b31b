package realtime

import (
	"errors"
	"sort"
	"sync"
)

// ErrSkipConnection may be returned from a ForEach callback to pass over a
// connection without counting it as delivered or failed.
var ErrSkipConnection = errors.New("realtime: skip connection")

// Entry addresses one registered connection.
type Entry struct {
	Key  string
	Conn Connection
}

// Registration reports the connections displaced by Register. Displaced
// connections are already closed.
type Registration struct {
	Replaced Connection
	Evicted  []Connection
}

// PassResult summarizes a ForEach pass. Removed lists the connections whose
// callback failed and that were unregistered once the pass completed.
type PassResult struct {
	Delivered int
	Removed   []Entry
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// MaxPerOwner caps connections per owner; zero means unbounded.
	MaxPerOwner int
}

type registryEntry struct {
	conn     Connection
	sequence uint64
}

type ownerEntry[K comparable] struct {
	owner K
	Entry
}

// Registry maps an owner (user or project) to its live connections, keyed a
// second time by a connection key. It is safe for concurrent use.
type Registry[K comparable] struct {
	mu          sync.RWMutex
	owners      map[K]map[string]registryEntry
	maxPerOwner int
	sequence    uint64
}

// NewRegistry constructs an empty registry.
func NewRegistry[K comparable](cfg RegistryConfig) *Registry[K] {
	maxPerOwner := cfg.MaxPerOwner
	if maxPerOwner < 0 {
		maxPerOwner = 0
	}
	return &Registry[K]{
		owners:      make(map[K]map[string]registryEntry),
		maxPerOwner: maxPerOwner,
	}
}

// Register adds conn under owner and key. A connection already registered
// under the same key is replaced; when the owner is at capacity the oldest
// connections are evicted first. Displaced connections are closed after the
// registry lock is released.
func (r *Registry[K]) Register(owner K, key string, conn Connection) Registration {
	var registration Registration

	r.mu.Lock()
	bucket, ok := r.owners[owner]
	if !ok {
		bucket = make(map[string]registryEntry)
		r.owners[owner] = bucket
	}
	if existing, ok := bucket[key]; ok {
		delete(bucket, key)
		if existing.conn != conn {
			registration.Replaced = existing.conn
		}
	}
	if r.maxPerOwner > 0 {
		for len(bucket) >= r.maxPerOwner {
			oldestKey := oldestEntryKey(bucket)
			registration.Evicted = append(registration.Evicted, bucket[oldestKey].conn)
			delete(bucket, oldestKey)
		}
	}
	r.sequence++
	bucket[key] = registryEntry{conn: conn, sequence: r.sequence}
	r.mu.Unlock()

	if registration.Replaced != nil {
		_ = registration.Replaced.Close()
	}
	for _, evicted := range registration.Evicted {
		_ = evicted.Close()
	}
	return registration
}

// Unregister removes the connection registered under owner and key and closes
// it. When conn is non-nil the entry is removed only if it still holds conn,
// so a stale connection cannot remove its replacement. Empty owner buckets are
// dropped. It reports whether an entry was removed and is idempotent.
func (r *Registry[K]) Unregister(owner K, key string, conn Connection) bool {
	r.mu.Lock()
	bucket := r.owners[owner]
	current, ok := bucket[key]
	if !ok || (conn != nil && current.conn != conn) {
		r.mu.Unlock()
		return false
	}
	delete(bucket, key)
	if len(bucket) == 0 {
		delete(r.owners, owner)
	}
	r.mu.Unlock()

	_ = current.conn.Close()
	return true
}

// RemoveOwner unregisters and closes every connection of owner.
func (r *Registry[K]) RemoveOwner(owner K) []Connection {
	r.mu.Lock()
	bucket := r.owners[owner]
	delete(r.owners, owner)
	r.mu.Unlock()

	removed := make([]Connection, 0, len(bucket))
	for _, entry := range sortedEntries(bucket) {
		_ = entry.Conn.Close()
		removed = append(removed, entry.Conn)
	}
	return removed
}

// ForEach applies fn to every connection of owner, oldest first. A failing fn
// does not stop the pass; failed connections are unregistered after it.
func (r *Registry[K]) ForEach(owner K, fn func(key string, conn Connection) error) PassResult {
	r.mu.RLock()
	entries := sortedEntries(r.owners[owner])
	r.mu.RUnlock()

	var result PassResult
	var failed []Entry
	for _, entry := range entries {
		err := fn(entry.Key, entry.Conn)
		switch {
		case err == nil:
			result.Delivered++
		case errors.Is(err, ErrSkipConnection):
		default:
			failed = append(failed, entry)
		}
	}
	for _, entry := range failed {
		if r.Unregister(owner, entry.Key, entry.Conn) {
			result.Removed = append(result.Removed, entry)
		}
	}
	return result
}

// ForEachOwner applies fn to every registered connection across all owners
// with the same failure semantics as ForEach.
func (r *Registry[K]) ForEachOwner(fn func(owner K, key string, conn Connection) error) PassResult {
	r.mu.RLock()
	var entries []ownerEntry[K]
	for owner, bucket := range r.owners {
		for _, entry := range sortedEntries(bucket) {
			entries = append(entries, ownerEntry[K]{owner: owner, Entry: entry})
		}
	}
	r.mu.RUnlock()

	var result PassResult
	var failed []ownerEntry[K]
	for _, entry := range entries {
		err := fn(entry.owner, entry.Key, entry.Conn)
		switch {
		case err == nil:
			result.Delivered++
		case errors.Is(err, ErrSkipConnection):
		default:
			failed = append(failed, entry)
		}
	}
	for _, entry := range failed {
		if r.Unregister(entry.owner, entry.Key, entry.Conn) {
			result.Removed = append(result.Removed, entry.Entry)
		}
	}
	return result
}

// Lookup returns the connection registered under owner and key.
func (r *Registry[K]) Lookup(owner K, key string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.owners[owner][key]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// Keys returns the sorted connection keys registered for owner.
func (r *Registry[K]) Keys(owner K) []string {
	r.mu.RLock()
	bucket := r.owners[owner]
	keys := make([]string, 0, len(bucket))
	for key := range bucket {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Count returns the number of connections registered for owner.
func (r *Registry[K]) Count(owner K) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners[owner])
}

// TotalOwners returns the number of owners with at least one connection.
func (r *Registry[K]) TotalOwners() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

// TotalConnections returns the number of registered connections.
func (r *Registry[K]) TotalConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, bucket := range r.owners {
		total += len(bucket)
	}
	return total
}

// oldestEntryKey orders by creation time, then by registration order.
func oldestEntryKey(bucket map[string]registryEntry) string {
	var (
		oldestKey string
		oldest    registryEntry
		found     bool
	)
	for key, entry := range bucket {
		if !found || entryBefore(entry, oldest) {
			oldestKey = key
			oldest = entry
			found = true
		}
	}
	return oldestKey
}

func entryBefore(left, right registryEntry) bool {
	leftCreated := left.conn.CreatedAt()
	rightCreated := right.conn.CreatedAt()
	if !leftCreated.Equal(rightCreated) {
		return leftCreated.Before(rightCreated)
	}
	return left.sequence < right.sequence
}

func sortedEntries(bucket map[string]registryEntry) []Entry {
	if len(bucket) == 0 {
		return nil
	}
	keys := make([]string, 0, len(bucket))
	for key := range bucket {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return entryBefore(bucket[keys[i]], bucket[keys[j]])
	})
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, Entry{Key: key, Conn: bucket[key].conn})
	}
	return entries
}
