package zone

import (
	"net"
	"testing"

	"github.com/miekg/dns"
)

func TestVerifyZoneSectionAccepts(t *testing.T) {
	e := newTestEntry(t, "example.com.")
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeSOA)
	if err := verifyZoneSection(e, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyZoneSectionRejectsWrongType(t *testing.T) {
	e := newTestEntry(t, "example.com.")
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	if err := verifyZoneSection(e, q); err == nil {
		t.Fatalf("expected error for non-SOA qtype")
	}
}

func TestVerifyZoneSectionRejectsWrongName(t *testing.T) {
	e := newTestEntry(t, "example.com.")
	q := new(dns.Msg)
	q.SetQuestion("other.com.", dns.TypeSOA)
	if err := verifyZoneSection(e, q); err == nil {
		t.Fatalf("expected error for name not matching zone apex")
	}
}

func contentsWithA(t *testing.T, name string) *ZoneContents {
	t.Helper()
	return &ZoneContents{
		Apex: soaWithSerial(t, 1).(*dns.SOA),
		Owners: map[string]map[uint16][]dns.RR{
			dns.Fqdn(name): {dns.TypeA: {mustRR(t, name+" 300 IN A 192.0.2.1")}},
		},
	}
}

// pseudoRR builds an RFC 2136 prerequisite/update pseudo-RR directly from
// its header fields, since these (ANY/NONE class, zero rdlength) do not
// round-trip through zone-file presentation syntax.
func pseudoRR(name string, rtype uint16, class uint16) dns.RR {
	return &dns.ANY{Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: rtype, Class: class, Ttl: 0}}
}

func TestEvaluatePrerequisitesNameIsInUse(t *testing.T) {
	c := contentsWithA(t, "www.example.com.")
	prereq := []dns.RR{pseudoRR("www.example.com.", dns.TypeANY, dns.ClassANY)}
	if rcode, ok := evaluatePrerequisites(c, prereq); !ok || rcode != dns.RcodeSuccess {
		t.Fatalf("expected existing name to satisfy name-is-in-use, got rcode=%d ok=%v", rcode, ok)
	}
}

func TestEvaluatePrerequisitesNameIsInUseFailsForMissingName(t *testing.T) {
	c := contentsWithA(t, "www.example.com.")
	prereq := []dns.RR{pseudoRR("ghost.example.com.", dns.TypeANY, dns.ClassANY)}
	rcode, ok := evaluatePrerequisites(c, prereq)
	if ok || rcode != dns.RcodeNameError {
		t.Fatalf("expected NXDOMAIN for name-is-in-use on an absent name, got rcode=%d ok=%v", rcode, ok)
	}
}

func TestEvaluatePrerequisitesNameNotInUse(t *testing.T) {
	c := contentsWithA(t, "www.example.com.")
	prereq := []dns.RR{pseudoRR("ghost.example.com.", dns.TypeANY, dns.ClassNONE)}
	if rcode, ok := evaluatePrerequisites(c, prereq); !ok || rcode != dns.RcodeSuccess {
		t.Fatalf("expected name-not-in-use to pass for an absent name, got rcode=%d ok=%v", rcode, ok)
	}
}

func TestEvaluatePrerequisitesRrsetExistsValueIndependent(t *testing.T) {
	c := contentsWithA(t, "www.example.com.")
	prereq := []dns.RR{pseudoRR("www.example.com.", dns.TypeA, dns.ClassANY)}
	if rcode, ok := evaluatePrerequisites(c, prereq); !ok || rcode != dns.RcodeSuccess {
		t.Fatalf("expected rrset-exists to pass, got rcode=%d ok=%v", rcode, ok)
	}
}

func TestEvaluatePrerequisitesRrsetNotExists(t *testing.T) {
	c := contentsWithA(t, "www.example.com.")
	prereq := []dns.RR{pseudoRR("www.example.com.", dns.TypeAAAA, dns.ClassNONE)}
	if rcode, ok := evaluatePrerequisites(c, prereq); !ok || rcode != dns.RcodeSuccess {
		t.Fatalf("expected rrset-not-exists to pass for an absent type, got rcode=%d ok=%v", rcode, ok)
	}
}

func TestEvaluatePrerequisitesValueDependentExactMatch(t *testing.T) {
	c := contentsWithA(t, "www.example.com.")
	exact := mustRR(t, "www.example.com. 300 IN A 192.0.2.1")
	if rcode, ok := evaluatePrerequisites(c, []dns.RR{exact}); !ok || rcode != dns.RcodeSuccess {
		t.Fatalf("expected exact-match prerequisite to pass, got rcode=%d ok=%v", rcode, ok)
	}

	mismatch := mustRR(t, "www.example.com. 300 IN A 192.0.2.9")
	if rcode, ok := evaluatePrerequisites(c, []dns.RR{mismatch}); ok || rcode != rcodeNXRRSet {
		t.Fatalf("expected value-dependent mismatch to fail with NXRRSET, got rcode=%d ok=%v", rcode, ok)
	}
}

func TestProcessUpdateSectionAddAndDeleteSpecific(t *testing.T) {
	c := contentsWithA(t, "www.example.com.")
	del := &dns.A{Hdr: dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeA, Class: dns.ClassNONE, Ttl: 0}, A: net.ParseIP("192.0.2.1")}
	add := mustRR(t, "www.example.com. 300 IN A 192.0.2.5")

	cs, err := processUpdateSection(c, []dns.RR{del, add})
	if err != nil {
		t.Fatalf("processUpdateSection: %v", err)
	}
	if len(cs.Items) != 1 {
		t.Fatalf("expected one changeset item")
	}
	item := cs.Items[0]
	if len(item.Removed) != 1 || len(item.Added) != 1 {
		t.Fatalf("expected 1 removed and 1 added RR, got -%d +%d", len(item.Removed), len(item.Added))
	}
	if item.SerialTo != c.Apex.Serial+1 {
		t.Fatalf("expected serial bumped by one when no new SOA was supplied, got %d", item.SerialTo)
	}
}

func TestProcessUpdateSectionDeleteAllRrsetsFromName(t *testing.T) {
	c := contentsWithA(t, "www.example.com.")
	del := pseudoRR("www.example.com.", dns.TypeANY, dns.ClassANY)

	cs, err := processUpdateSection(c, []dns.RR{del})
	if err != nil {
		t.Fatalf("processUpdateSection: %v", err)
	}
	if len(cs.Items[0].Removed) != 1 {
		t.Fatalf("expected the A RRset to be removed")
	}
}

func TestProcessUpdateSectionDeleteRrset(t *testing.T) {
	c := contentsWithA(t, "www.example.com.")
	del := pseudoRR("www.example.com.", dns.TypeA, dns.ClassANY)

	cs, err := processUpdateSection(c, []dns.RR{del})
	if err != nil {
		t.Fatalf("processUpdateSection: %v", err)
	}
	if len(cs.Items[0].Removed) != 1 {
		t.Fatalf("expected the A RRset to be removed by delete-rrset")
	}
}

func TestProcessUpdateSectionHonorsExplicitSoa(t *testing.T) {
	c := contentsWithA(t, "www.example.com.")
	newSoa := soaWithSerial(t, 99)

	cs, err := processUpdateSection(c, []dns.RR{newSoa})
	if err != nil {
		t.Fatalf("processUpdateSection: %v", err)
	}
	if cs.Items[0].SerialTo != 99 {
		t.Fatalf("expected explicit soa_to serial to be honored, got %d", cs.Items[0].SerialTo)
	}
}
