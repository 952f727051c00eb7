package zone

import (
	"testing"

	"github.com/miekg/dns"
)

type fakeServer struct {
	transfers []TransferTask
	notifies  []TransferTask
}

func (f *fakeServer) EnqueueTransfer(task TransferTask) { f.transfers = append(f.transfers, task) }
func (f *fakeServer) EnqueueNotify(task TransferTask)   { f.notifies = append(f.notifies, task) }

func newTestEntry(t *testing.T, name string) *ZoneEntry {
	t.Helper()
	e, err := NewZoneEntry(ZoneConf{Name: name}, &fakeServer{}, "")
	if err != nil {
		t.Fatalf("NewZoneEntry: %v", err)
	}
	return e
}

func TestZoneContentsClone(t *testing.T) {
	c := &ZoneContents{
		Apex: soaWithSerial(t, 1).(*dns.SOA),
		Owners: map[string]map[uint16][]dns.RR{
			"www.example.com.": {dns.TypeA: {mustRR(t, "www.example.com. 300 IN A 192.0.2.1")}},
		},
	}
	clone := c.Clone()
	clone.Apex.Serial = 2
	clone.Owners["www.example.com."][dns.TypeA][0] = mustRR(t, "www.example.com. 300 IN A 192.0.2.9")

	if c.Apex.Serial != 1 {
		t.Fatalf("mutating clone's apex affected original: %d", c.Apex.Serial)
	}
	if c.Owners["www.example.com."][dns.TypeA][0].String() != "www.example.com.\t300\tIN\tA\t192.0.2.1" {
		t.Fatalf("mutating clone's RR slice affected original: %v", c.Owners["www.example.com."][dns.TypeA][0])
	}
}

func TestZoneContentsSerialNilSafe(t *testing.T) {
	var c *ZoneContents
	if c.Serial() != 0 {
		t.Fatalf("expected 0 for nil contents")
	}
	empty := &ZoneContents{}
	if empty.Serial() != 0 {
		t.Fatalf("expected 0 for contents with no apex")
	}
}

func TestTryBeginTransferAtMostOneInFlight(t *testing.T) {
	e := newTestEntry(t, "example.com.")
	if !e.TryBeginTransfer() {
		t.Fatalf("first TryBeginTransfer should succeed")
	}
	if e.TryBeginTransfer() {
		t.Fatalf("second TryBeginTransfer should fail while PENDING")
	}
	e.CompleteTransfer()
	if e.State() != StateSched {
		t.Fatalf("expected SCHED after CompleteTransfer, got %v", e.State())
	}
	if !e.TryBeginTransfer() {
		t.Fatalf("TryBeginTransfer should succeed again after completion")
	}
}

func TestPublishAndDetachContents(t *testing.T) {
	e := newTestEntry(t, "example.com.")
	if e.HasContents() {
		t.Fatalf("new entry should have no contents")
	}
	c := &ZoneContents{Apex: soaWithSerial(t, 7).(*dns.SOA), Owners: map[string]map[uint16][]dns.RR{}}
	old := e.publish(c)
	if old != nil {
		t.Fatalf("expected nil previous contents")
	}
	if !e.HasContents() || e.Contents().Serial() != 7 {
		t.Fatalf("published contents not visible")
	}

	detached := e.detachContents()
	if detached.Serial() != 7 {
		t.Fatalf("detachContents returned wrong snapshot")
	}
	if e.HasContents() {
		t.Fatalf("expected no contents after detach")
	}
	if !e.Discarded() {
		t.Fatalf("expected Discarded() true after detachContents")
	}
}

func TestBindUnbindZoneDB(t *testing.T) {
	e := newTestEntry(t, "example.com.")
	if _, ok := e.zoneDB(); ok {
		t.Fatalf("expected no zoneDB before bind")
	}
	db := NewZoneDB()
	e.bindZoneDB(db)
	got, ok := e.zoneDB()
	if !ok || got != db {
		t.Fatalf("bindZoneDB did not take effect")
	}
	e.unbindZoneDB()
	if _, ok := e.zoneDB(); ok {
		t.Fatalf("expected no zoneDB after unbind")
	}
}
