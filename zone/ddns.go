/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"context"

	"github.com/miekg/dns"
)

// Signer produces a DNSSEC signing delta against speculative contents,
// out of this core's scope to compute (the core only needs to fold the
// result into the pipeline as C_secondary). A nil Signer means DNSSEC is
// effectively off regardless of Conf.DnssecEnable.
type Signer interface {
	SignIncremental(contents *ZoneContents) (*Changesets, error)
}

// UpdateResult is what HandleUpdate returns to the caller's wire layer: a
// fully formed reply message plus whether it should be forwarded upstream
// instead of answered locally.
type UpdateResult struct {
	Reply    *dns.Msg
	Forward  *TransferTask // non-nil when the query must be relayed upstream
	Rcode    int
	TsigName string // key name to sign the reply with, "" if unsigned
}

// HandleUpdate implements the DDNS (RFC 2136) handler. query must have
// already passed the TSIG & ACL gate for OpUpdateIn. The reply is not
// signed here: the result carries TsigName (the peer's key) for the caller
// to sign with. A nil gate also skips the DNSSEC signing delta.
func HandleUpdate(ctx context.Context, p *Pipeline, e *ZoneEntry, gate *Gate, peer Peer, query *dns.Msg) *UpdateResult {
	reply := new(dns.Msg)
	reply.SetReply(query)

	tsigName := peer.TsigKey

	if e.Master != "" {
		task := BuildForwardTask(e, query)
		return &UpdateResult{Forward: &task, TsigName: tsigName}
	}

	if err := verifyZoneSection(e, query); err != nil {
		reply.Rcode = dns.RcodeFormatError
		return &UpdateResult{Reply: reply, Rcode: reply.Rcode, TsigName: tsigName}
	}

	contents := e.Contents()
	if rcode, ok := evaluatePrerequisites(contents, query.Answer); !ok {
		reply.Rcode = rcode
		return &UpdateResult{Reply: reply, Rcode: reply.Rcode, TsigName: tsigName}
	}

	cs, err := processUpdateSection(contents, query.Ns)
	if err != nil {
		reply.Rcode = RcodeFor(KindOf(err))
		return &UpdateResult{Reply: reply, Rcode: reply.Rcode, TsigName: tsigName}
	}

	var secondary *Changesets
	if e.Conf.DnssecEnable && gate != nil {
		if signer, ok := e.signer(); ok {
			speculative := contents.Clone()
			if tentative, applyErr := applyChangesets(speculative, cs); applyErr == nil {
				if delta, signErr := signer.SignIncremental(tentative); signErr == nil {
					secondary = delta
				}
			}
		}
	}

	if _, applyErr := p.Apply(e, cs, secondary); applyErr != nil {
		e.Logger.Printf("DDNS update for zone %s failed to apply: %v", e.ZoneName, applyErr)
		reply.Rcode = dns.RcodeServerFailure
		return &UpdateResult{Reply: reply, Rcode: reply.Rcode, TsigName: tsigName}
	}

	reply.Rcode = dns.RcodeSuccess
	return &UpdateResult{Reply: reply, Rcode: reply.Rcode, TsigName: tsigName}
}

// verifyZoneSection checks the Zone Section: exactly one SOA question whose
// owner is the zone apex.
func verifyZoneSection(e *ZoneEntry, query *dns.Msg) error {
	if len(query.Question) != 1 {
		return Errf(Malformed, nil, "update: zone section must carry exactly one question")
	}
	q := query.Question[0]
	if q.Qtype != dns.TypeSOA {
		return Errf(Malformed, nil, "update: zone section qtype must be SOA, got %d", q.Qtype)
	}
	if dns.Fqdn(q.Name) != dns.Fqdn(e.ZoneName) {
		return Errf(Malformed, nil, "update: zone section name %q does not match zone %q", q.Name, e.ZoneName)
	}
	return nil
}

// evaluatePrerequisites implements RFC 2136 §2.4 over the Prerequisite
// Section (carried as the query's Answer section on the wire). Returns
// (NOERROR, true) if every prerequisite holds.
func evaluatePrerequisites(contents *ZoneContents, prereqs []dns.RR) (int, bool) {
	for _, rr := range prereqs {
		h := rr.Header()
		switch {
		case h.Class == dns.ClassANY && h.Rrtype == dns.TypeANY && h.Rdlength == 0:
			if !nameInUse(contents, h.Name) {
				return dns.RcodeNameError, false // NXDOMAIN
			}
		case h.Class == dns.ClassNONE && h.Rrtype == dns.TypeANY && h.Rdlength == 0:
			if nameInUse(contents, h.Name) {
				return dns.RcodeYXDomain, false
			}
		case h.Class == dns.ClassANY && h.Rdlength == 0:
			if !rrsetExists(contents, h.Name, h.Rrtype) {
				return rcodeNXRRSet, false
			}
		case h.Class == dns.ClassNONE && h.Rdlength == 0:
			if rrsetExists(contents, h.Name, h.Rrtype) {
				return rcodeYXRRSet, false
			}
		default:
			if !rrsetContainsExact(contents, h.Name, h.Rrtype, rr) {
				return rcodeNXRRSet, false
			}
		}
	}
	return dns.RcodeSuccess, true
}

// RFC 2136 defines NXRRSET and YXRRSET as extended RCODEs not present in
// miekg/dns's base constant set at the values this handler needs them
// distinguishable from NXDOMAIN/YXDOMAIN; they are assigned their RFC
// values directly.
const (
	rcodeNXRRSet = 8
	rcodeYXRRSet = 7
)

func nameInUse(c *ZoneContents, name string) bool {
	if c == nil {
		return false
	}
	types, ok := c.Owners[dns.Fqdn(name)]
	return ok && len(types) > 0
}

func rrsetExists(c *ZoneContents, name string, rtype uint16) bool {
	if c == nil {
		return false
	}
	types, ok := c.Owners[dns.Fqdn(name)]
	if !ok {
		return false
	}
	return len(types[rtype]) > 0
}

func rrsetContainsExact(c *ZoneContents, name string, rtype uint16, want dns.RR) bool {
	if c == nil {
		return false
	}
	for _, rr := range c.Owners[dns.Fqdn(name)][rtype] {
		if rr.String() == want.String() {
			return true
		}
	}
	return false
}

// processUpdateSection implements RFC 2136 §2.5 over the Update Section
// (the query's Authority/Ns section on the wire), producing a single
// changeset tagged DDNS. The resulting serial is the one carried by an
// apex SOA added in the update itself (the last one wins); if the update
// adds no SOA, or one with the current serial, the serial is bumped by one
// so the result is always a distinct serial.
func processUpdateSection(contents *ZoneContents, rrs []dns.RR) (*Changesets, error) {
	if contents == nil || contents.Apex == nil {
		return nil, Errf(ZoneInval, nil, "update: zone has no contents to update")
	}
	clone := contents.Clone()
	var added, removed []dns.RR
	newApex := *contents.Apex

	for _, rr := range rrs {
		h := rr.Header()
		switch {
		case h.Class == dns.ClassANY && h.Rrtype == dns.TypeANY && h.Rdlength == 0:
			for t, set := range clone.Owners[dns.Fqdn(h.Name)] {
				removed = append(removed, set...)
				delete(clone.Owners[dns.Fqdn(h.Name)], t)
			}
		case h.Class == dns.ClassANY && h.Rdlength == 0:
			set := clone.Owners[dns.Fqdn(h.Name)][h.Rrtype]
			removed = append(removed, set...)
			delete(clone.Owners[dns.Fqdn(h.Name)], h.Rrtype)
		case h.Class == dns.ClassNONE:
			removed = append(removed, removeRR(clone, rr)...)
		default:
			if soa, ok := rr.(*dns.SOA); ok {
				newApex = *soa
				continue
			}
			addRR(clone, rr)
			added = append(added, rr)
		}
	}

	if newApex.Serial == contents.Apex.Serial {
		newApex.Serial = contents.Apex.Serial + 1
	}

	soaFrom := *contents.Apex
	c := Changeset{
		SerialFrom: soaFrom.Serial,
		SerialTo:   newApex.Serial,
		SoaFrom:    &soaFrom,
		Removed:    removed,
		SoaTo:      &newApex,
		Added:      added,
	}
	return &Changesets{Origin: OriginDDNS, Items: []Changeset{c}}, nil
}

// signer is a placeholder accessor; real wiring happens where the daemon
// constructs ZoneEntry with a concrete Signer (sign.go).
func (e *ZoneEntry) signer() (Signer, bool) {
	if e.signerImpl == nil {
		return nil, false
	}
	return e.signerImpl, true
}
