/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// ZoneDB is the name-indexed directory of zones. The registry itself is
// held behind an atomic pointer so that a full reconfiguration can be
// published with the same swap-then-drain discipline used for a single
// zone's contents.
type ZoneDB struct {
	root atomic.Pointer[registry]
}

type registry struct {
	zones cmap.ConcurrentMap[string, *ZoneEntry]
}

// NewZoneDB returns an empty ZoneDB.
func NewZoneDB() *ZoneDB {
	db := &ZoneDB{}
	db.root.Store(&registry{zones: cmap.New[*ZoneEntry]()})
	return db
}

// Find looks up a zone by owner name. Lock-free: readers only ever
// dereference the current root pointer, so a concurrent Reconfigure never
// blocks or races a Find.
func (db *ZoneDB) Find(name string) (*ZoneEntry, bool) {
	return db.root.Load().zones.Get(name)
}

// Add registers entry under its zone name and establishes the explicit
// ZoneDB back-reference the entry needs to self-expire.
func (db *ZoneDB) Add(entry *ZoneEntry) {
	entry.bindZoneDB(db)
	db.root.Load().zones.Set(entry.ZoneName, entry)
}

// Remove deletes a zone entry outright and clears its back-
// reference.
func (db *ZoneDB) Remove(name string) {
	if e, ok := db.root.Load().zones.Get(name); ok {
		e.unbindZoneDB()
	}
	db.root.Load().zones.Remove(name)
}

// Count returns the number of registered zones.
func (db *ZoneDB) Count() int {
	return db.root.Load().zones.Count()
}

// Iter enumerates all zone entries. fn returning false stops iteration.
func (db *ZoneDB) Iter(fn func(*ZoneEntry) bool) {
	for _, e := range db.root.Load().zones.Items() {
		if !fn(e) {
			return
		}
	}
}

// Expire atomically detaches entry's contents, returning them for deferred
// destruction, and leaves the entry as a stub. The entry's REFRESH and
// EXPIRE timers are stopped by ZoneEntry.detachContents, since ZoneDB has
// no timer handles of its own.
func (db *ZoneDB) Expire(name string) (*ZoneContents, bool) {
	entry, ok := db.root.Load().zones.Get(name)
	if !ok {
		return nil, false
	}
	return entry.detachContents(), true
}

// Reconfigure builds a fresh registry from newEntries and swaps it in,
// retiring the old one after a grace period during which existing readers
// drain. Entries present in the old registry but absent
// from newEntries are dropped; entries present in both carry their
// ZoneEntry (and thus contents/journal/timers) across unchanged, since a
// reload must not disrupt an already-loaded zone's state.
func (db *ZoneDB) Reconfigure(newEntries map[string]*ZoneEntry, grace time.Duration) {
	old := db.root.Load()
	fresh := cmap.New[*ZoneEntry]()
	for name, e := range newEntries {
		if existing, ok := old.zones.Get(name); ok {
			fresh.Set(name, existing)
		} else {
			fresh.Set(name, e)
		}
	}
	db.root.Store(&registry{zones: fresh})
	if grace > 0 {
		time.AfterFunc(grace, func() {
			// old registry's map is simply dropped; any ZoneEntry that
			// survived into fresh is still reachable through it and is not
			// freed here. This AfterFunc exists to document and bound the
			// quiescence window a reader started before the swap may still
			// be inside.
			_ = old
		})
	}
}
