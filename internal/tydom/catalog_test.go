package tydom

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"tydom-go/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCatalogUpsertMerges(t *testing.T) {
	c := NewCatalog(testLogger())

	c.Upsert(CacheEntry{UniqueID: "2_1", Name: "Living Room"})
	c.Upsert(CacheEntry{UniqueID: "2_1", Usage: "shutter"})

	e, ok := c.Lookup("2_1")
	if !ok {
		t.Fatal("entry missing")
	}
	if e.Name != "Living Room" || e.Usage != "shutter" {
		t.Errorf("entry = %+v", e)
	}
}

func TestCatalogUpsertOrderInsensitive(t *testing.T) {
	a := NewCatalog(testLogger())
	b := NewCatalog(testLogger())

	name := CacheEntry{UniqueID: "2_1", Name: "Living Room"}
	usage := CacheEntry{UniqueID: "2_1", Usage: "shutter"}

	a.Upsert(name)
	a.Upsert(usage)
	b.Upsert(usage)
	b.Upsert(name)

	ea, _ := a.Lookup("2_1")
	eb, _ := b.Lookup("2_1")
	if ea.Name != eb.Name || ea.Usage != eb.Usage {
		t.Errorf("order-dependent merge: %+v vs %+v", ea, eb)
	}
}

func TestCatalogLastWriteWins(t *testing.T) {
	c := NewCatalog(testLogger())
	c.Upsert(CacheEntry{UniqueID: "2_1", Name: "Old"})
	c.Upsert(CacheEntry{UniqueID: "2_1", Name: "New"})

	e, _ := c.Lookup("2_1")
	if e.Name != "New" {
		t.Errorf("name = %q, want %q", e.Name, "New")
	}
}

func TestCatalogUpsertIdempotent(t *testing.T) {
	c := NewCatalog(testLogger())
	entry := CacheEntry{UniqueID: "2_1", Name: "Living Room", Usage: "shutter"}
	c.Upsert(entry)
	c.Upsert(entry)

	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
}

func TestCatalogDeviceInfoRequiresNameAndUsage(t *testing.T) {
	c := NewCatalog(testLogger())
	c.Upsert(CacheEntry{UniqueID: "2_1", Name: "Living Room"})

	if _, ok := c.DeviceInfo("2_1"); ok {
		t.Error("incomplete entry hydrated")
	}

	c.Upsert(CacheEntry{UniqueID: "2_1", Usage: "shutter"})
	e, ok := c.DeviceInfo("2_1")
	if !ok {
		t.Fatal("complete entry not hydrated")
	}
	if e.Name != "Living Room" || e.Usage != "shutter" {
		t.Errorf("entry = %+v", e)
	}
}

func TestCatalogIgnoresEmptyUniqueID(t *testing.T) {
	c := NewCatalog(testLogger())
	c.Upsert(CacheEntry{Name: "nameless"})
	if c.Len() != 0 {
		t.Errorf("len = %d, want 0", c.Len())
	}
}

func TestPersistentCatalogWarmStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	st, err := store.NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}

	c, err := NewPersistentCatalog(st, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	c.Upsert(CacheEntry{UniqueID: "2_1", Name: "Living Room", Usage: "shutter"})
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = store.NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	c2, err := NewPersistentCatalog(st, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	e, ok := c2.DeviceInfo("2_1")
	if !ok {
		t.Fatal("persisted entry not loaded")
	}
	if e.Name != "Living Room" || e.Usage != "shutter" {
		t.Errorf("entry = %+v", e)
	}
}
