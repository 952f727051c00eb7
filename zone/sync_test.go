package zone

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/miekg/dns"
)

func newSyncTestEntry(t *testing.T) *ZoneEntry {
	t.Helper()
	e := newTestEntry(t, "example.com.")
	e.ZonefilePath = filepath.Join(t.TempDir(), "example.com.zone")
	e.publish(&ZoneContents{
		Apex: soaWithSerial(t, 1).(*dns.SOA),
		Owners: map[string]map[uint16][]dns.RR{
			"www.example.com.": {dns.TypeA: {mustRR(t, "www.example.com. 300 IN A 192.0.2.1")}},
		},
	})
	return e
}

func TestDefaultZoneWriterRendersApexAndRRs(t *testing.T) {
	c := &ZoneContents{
		Apex: soaWithSerial(t, 1).(*dns.SOA),
		Owners: map[string]map[uint16][]dns.RR{
			"www.example.com.": {dns.TypeA: {mustRR(t, "www.example.com. 300 IN A 192.0.2.1")}},
		},
	}
	out, err := DefaultZoneWriter(c)
	if err != nil {
		t.Fatalf("DefaultZoneWriter: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "SOA") || !strings.Contains(s, "www.example.com.") {
		t.Fatalf("rendered zone file missing expected content: %s", s)
	}
}

func TestSyncOnceWritesFileAndUpdatesSerial(t *testing.T) {
	e := newSyncTestEntry(t)

	if err := SyncOnce(e, nil); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if e.ZonefileSerial != 1 {
		t.Fatalf("expected ZonefileSerial updated to 1, got %d", e.ZonefileSerial)
	}

	data, err := os.ReadFile(e.ZonefilePath)
	if err != nil {
		t.Fatalf("reading zone file: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty zone file")
	}

	info, err := os.Stat(e.ZonefilePath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0640 {
		t.Fatalf("expected zone file mode 0640, got %v", info.Mode().Perm())
	}
}

func TestSyncOnceYieldsRangeWhenSerialUnchanged(t *testing.T) {
	e := newSyncTestEntry(t)
	if err := SyncOnce(e, nil); err != nil {
		t.Fatalf("first SyncOnce: %v", err)
	}
	firstInfo, _ := os.Stat(e.ZonefilePath)

	err := SyncOnce(e, nil)
	if err == nil || KindOf(err) != Range {
		t.Fatalf("expected second SyncOnce at the same serial to yield Range, got %v", err)
	}
	secondInfo, _ := os.Stat(e.ZonefilePath)

	if !firstInfo.ModTime().Equal(secondInfo.ModTime()) {
		t.Fatalf("expected a Range result to leave the zone file untouched")
	}
}

func TestSyncOnceClearsDirtyJournalEntries(t *testing.T) {
	e := newSyncTestEntry(t)
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), 0, OFlagDirty)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Release() })
	e.Journal = j
	// An entry whose serial_to (2) is past the published serial (1), as
	// when a commit precedes the contents swap: SyncOnce evicts entries up
	// to the synced serial, so only such an entry survives to show DIRTY
	// cleared.
	writeEntry(t, j, 1, 2, []byte("x"))

	node, err := j.Fetch(1, ByFrom)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if node.Flags&JFlagDirty == 0 {
		t.Fatalf("expected entry written to a dirty journal to carry DIRTY")
	}

	if err := SyncOnce(e, nil); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	node2, err := j.Fetch(1, ByFrom)
	if err != nil {
		t.Fatalf("Fetch after sync: %v", err)
	}
	if node2.Flags&JFlagDirty != 0 {
		t.Fatalf("expected SyncOnce to clear DIRTY on journal entries")
	}
}
