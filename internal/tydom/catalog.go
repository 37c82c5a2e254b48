package tydom

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tydom-go/internal/store"
)

// CacheEntry is one catalog record. Fields other than UniqueID are optional;
// Upsert merges only the fields an incoming entry carries.
type CacheEntry struct {
	UniqueID string
	Name     string
	Usage    string
	Metadata map[string]map[string]any
}

// Catalog correlates endpoint/device identifiers to names, usages and
// metadata collected from several distinct message families. It is safe for
// concurrent use; the decoder upserts while the hydrator reads.
//
// When constructed with a store, upserts write through and construction
// warm-starts from the persisted entries.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry
	store   store.Store
	logger  *slog.Logger
}

// NewCatalog creates an in-memory catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	return &Catalog{
		entries: make(map[string]*CacheEntry),
		logger:  logger.With("component", "catalog"),
	}
}

// NewPersistentCatalog creates a catalog fronting the given store, loading
// previously persisted entries so device frames can be hydrated before the
// gateway re-sends its configuration.
func NewPersistentCatalog(st store.Store, logger *slog.Logger) (*Catalog, error) {
	c := NewCatalog(logger)
	c.store = st

	persisted, err := st.ListDeviceEntries()
	if err != nil {
		return nil, fmt.Errorf("load device cache: %w", err)
	}
	for _, e := range persisted {
		c.entries[e.UniqueID] = &CacheEntry{
			UniqueID: e.UniqueID,
			Name:     e.Name,
			Usage:    e.Usage,
			Metadata: e.Metadata,
		}
	}
	if len(persisted) > 0 {
		c.logger.Info("device cache warm-started", "entries", len(persisted))
	}
	return c, nil
}

// Upsert merges the entry into the catalog. Unset fields of the incoming
// entry leave the stored fields untouched; set fields win.
func (c *Catalog) Upsert(e CacheEntry) {
	if e.UniqueID == "" {
		return
	}

	c.mu.Lock()
	cur, ok := c.entries[e.UniqueID]
	if !ok {
		cur = &CacheEntry{UniqueID: e.UniqueID}
		c.entries[e.UniqueID] = cur
	}
	if e.Name != "" {
		cur.Name = e.Name
	}
	if e.Usage != "" {
		cur.Usage = e.Usage
	}
	if e.Metadata != nil {
		cur.Metadata = e.Metadata
	}
	snapshot := *cur
	c.mu.Unlock()

	if c.store != nil {
		err := c.store.SaveDeviceEntry(&store.DeviceEntry{
			UniqueID: snapshot.UniqueID,
			Name:     snapshot.Name,
			Usage:    snapshot.Usage,
			Metadata: snapshot.Metadata,
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("persist device entry", "unique_id", snapshot.UniqueID, "err", err)
		}
	}
}

// Lookup returns the raw entry, complete or not.
func (c *Catalog) Lookup(uniqueID string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[uniqueID]
	if !ok {
		return CacheEntry{}, false
	}
	return *e, true
}

// DeviceInfo returns a hydrated record only when both name and usage are
// known.
func (c *Catalog) DeviceInfo(uniqueID string) (CacheEntry, bool) {
	e, ok := c.Lookup(uniqueID)
	if !ok || e.Name == "" || e.Usage == "" {
		return CacheEntry{}, false
	}
	return e, true
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a snapshot of all catalog entries.
func (c *Catalog) Entries() []CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}
