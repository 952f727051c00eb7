/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/miekg/dns"
)

// ZoneWriter renders a ZoneContents snapshot into zone-file presentation
// format, out of this core's scope to own the exact formatting rules for
// (comments, $ORIGIN/$TTL directives, column alignment); this core only
// needs something that produces bytes worth writing to disk.
type ZoneWriter func(contents *ZoneContents) ([]byte, error)

// DefaultZoneWriter renders one RR per line via the wire library's own
// presentation-format String(), apex SOA first and the rest grouped by
// owner name and type.
func DefaultZoneWriter(contents *ZoneContents) ([]byte, error) {
	if contents == nil || contents.Apex == nil {
		return nil, Errf(ZoneInval, nil, "DefaultZoneWriter: no apex SOA")
	}
	var out []byte
	out = append(out, []byte(contents.Apex.String()+"\n")...)
	for name, types := range contents.Owners {
		for rtype, rrs := range types {
			if name == contents.Apex.Header().Name && rtype == dns.TypeSOA {
				continue
			}
			for _, rr := range rrs {
				out = append(out, []byte(rr.String()+"\n")...)
			}
		}
	}
	return out, nil
}

// SyncOnce performs one journal-to-zonefile sync pass for e: if the
// current snapshot's serial differs from e.ZonefileSerial, it is rendered
// and written to a sibling temporary file (same directory, so the
// subsequent rename is atomic on the same filesystem), chmod'd 0640, and
// renamed over e.ZonefilePath. On success every journal entry has its
// DIRTY bit cleared, already-flushed entries at or below the new serial are
// evicted to reclaim journal space, and e.ZonefileSerial is updated; a
// rename failure leaves the prior zone file untouched and DIRTY bits set.
// Running the sync when the zone file is already current is a no-op with
// nothing to flush: it returns Range rather than touching the file.
func SyncOnce(e *ZoneEntry, write ZoneWriter) error {
	if write == nil {
		write = DefaultZoneWriter
	}
	contents := e.Contents()
	if contents == nil || contents.Apex == nil {
		return Errf(ZoneInval, nil, "sync: zone %s has no contents", e.ZoneName)
	}
	serial := contents.Apex.Serial
	if serial == e.ZonefileSerial {
		return Errf(Range, nil, "sync: zone %s zone file already current at serial %d", e.ZoneName, serial)
	}

	data, err := write(contents)
	if err != nil {
		return Errf(Internal, err, "sync: rendering zone %s", e.ZoneName)
	}

	dir := filepath.Dir(e.ZonefilePath)
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%s.sync-*", filepath.Base(e.ZonefilePath)))
	if err != nil {
		return Errf(Internal, err, "sync: creating temp file for zone %s", e.ZoneName)
	}
	tmpPath := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpPath)
		if writeErr != nil {
			return Errf(Internal, writeErr, "sync: writing temp file for zone %s", e.ZoneName)
		}
		return Errf(Internal, closeErr, "sync: closing temp file for zone %s", e.ZoneName)
	}
	if err := os.Chmod(tmpPath, 0640); err != nil {
		os.Remove(tmpPath)
		return Errf(Internal, err, "sync: chmod temp file for zone %s", e.ZoneName)
	}

	if err := os.Rename(tmpPath, e.ZonefilePath); err != nil {
		os.Remove(tmpPath)
		return Errf(Internal, err, "sync: rename failed for zone %s, zone file left intact", e.ZoneName)
	}

	if j := e.Journal; j != nil {
		_ = j.Walk(func(n Node) error {
			if n.Flags&JFlagDirty == 0 {
				return nil
			}
			n.Flags &^= JFlagDirty
			return j.Update(n)
		})
		if err := j.EvictUpTo(serial); err != nil {
			e.Logger.Printf("zonefile sync for %s: evicting flushed journal entries: %v", e.ZoneName, err)
		}
	}
	e.ZonefileSerial = serial
	return nil
}

// ArmSyncLoop starts e's journal-to-zonefile sync timer and keeps it
// running: each firing performs one sync pass and re-arms itself for
// another period. Call once at startup for each zone with
// dbsync_timeout > 0.
func ArmSyncLoop(e *ZoneEntry, period time.Duration, write ZoneWriter) {
	var tick func()
	tick = func() {
		if err := SyncOnce(e, write); err != nil && KindOf(err) != Range {
			e.Logger.Printf("zonefile sync for %s: %v", e.ZoneName, err)
		}
		e.ArmSync(period, tick)
	}
	e.ArmSync(period, tick)
}

// OnSyncBusy implements the opportunistic-flush-on-BUSY hook the Pipeline
// accepts: cancel the sync timer and re-arm it to fire immediately. After
// that pass, a zone with dbsync_timeout > 0 resumes its periodic sync loop.
func OnSyncBusy(write ZoneWriter) func(*ZoneEntry) {
	return func(e *ZoneEntry) {
		e.ArmSync(0, func() {
			if err := SyncOnce(e, write); err != nil && KindOf(err) != Range {
				e.Logger.Printf("opportunistic sync for %s: %v", e.ZoneName, err)
			}
			if e.Conf.DbSyncTimeout > 0 {
				ArmSyncLoop(e, time.Duration(e.Conf.DbSyncTimeout)*time.Second, write)
			}
		})
	}
}
