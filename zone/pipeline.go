/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"time"

	"github.com/miekg/dns"
)

// RetireGrace is how long a retired ZoneContents snapshot is kept
// reachable before being dropped, bounding the quiescence wait readers
// get before an old snapshot becomes unreachable.
var RetireGrace = 5 * time.Second

// Pipeline is the single authoritative path that turns a (C_primary,
// C_secondary) changeset pair into a persisted, published zone update.
type Pipeline struct {
	onSyncBusy func(*ZoneEntry) // opportunistic flush-on-BUSY hook
}

// NewPipeline returns a Pipeline. onSyncBusy, if non-nil, is invoked when
// a journal append returns Busy so the caller can cancel and re-arm the
// sync timer at 0.
func NewPipeline(onSyncBusy func(*ZoneEntry)) *Pipeline {
	return &Pipeline{onSyncBusy: onSyncBusy}
}

// Apply runs the update pipeline for one zone. cPrimary and cSecondary
// may each be nil or empty; if both are empty, Apply is a no-op returning
// (false, nil).
func (p *Pipeline) Apply(e *ZoneEntry, cPrimary, cSecondary *Changesets) (applied bool, err error) {
	if empty(cPrimary) && empty(cSecondary) {
		return false, nil
	}

	e.Lock()
	defer e.Unlock()

	effective, origin, mergeErr := selectEffective(cPrimary, cSecondary)
	if mergeErr != nil {
		return false, mergeErr
	}

	if err := e.Journal.TransBegin(); err != nil {
		return false, err
	}

	for i := range effective.Items {
		cs := &effective.Items[i]
		size := BinarySize(cs)
		key := JournalKey(cs.SerialFrom, cs.SerialTo)
		region, mapErr := e.Journal.Map(key, size)
		if mapErr != nil {
			e.Journal.TransRollback()
			if KindOf(mapErr) == Busy && p.onSyncBusy != nil {
				p.onSyncBusy(e)
			}
			return false, mapErr
		}
		payload, serErr := Serialize(cs)
		if serErr != nil {
			e.Journal.TransRollback()
			return false, serErr
		}
		copy(region, payload)
		if unmapErr := e.Journal.Unmap(key, region, func(b []byte) error {
			if len(b) < len(payload) {
				return Errf(Inval, nil, "short payload on unmap")
			}
			return nil
		}); unmapErr != nil {
			e.Journal.TransRollback()
			return false, unmapErr
		}
	}

	clone := e.Contents().Clone()
	newContents, applyErr := applyChangesets(clone, effective)
	if applyErr != nil {
		e.Journal.TransRollback()
		return false, applyErr
	}

	// Commit before swap (see DESIGN.md, Open Question 3): any failure from
	// here on is unrecoverable and must abort the process rather than leave
	// the journal and the published snapshot disagreeing.
	if err := e.Journal.TransCommit(); err != nil {
		return false, err
	}

	old := e.publish(newContents)
	logOrigin(e, origin, effective)
	retire(old)

	return true, nil
}

func empty(c *Changesets) bool {
	return c == nil || len(c.Items) == 0
}

// selectEffective merges cPrimary and cSecondary into the one changeset
// run the rest of the pipeline acts on: if both are non-empty, their
// adjoining changesets are merged into a contiguous run; otherwise
// whichever one is non-empty is used as-is.
func selectEffective(primary, secondary *Changesets) (*Changesets, ChangesetOrigin, error) {
	switch {
	case !empty(primary) && !empty(secondary):
		merged := *primary
		merged.Items = append([]Changeset{}, primary.Items...)
		last := &merged.Items[len(merged.Items)-1]
		m, err := Merge(last, &secondary.Items[0])
		if err != nil {
			return nil, primary.Origin, err
		}
		merged.Items[len(merged.Items)-1] = *m
		merged.Items = append(merged.Items, secondary.Items[1:]...)
		return &merged, primary.Origin, nil
	case !empty(primary):
		return primary, primary.Origin, nil
	default:
		return secondary, secondary.Origin, nil
	}
}

// applyChangesets applies each changeset in order to contents. Removed
// RRsets are deleted by (name, type, rdata); added RRsets are appended.
// The apex SOA is replaced by each changeset's soa_to.
func applyChangesets(contents *ZoneContents, cs *Changesets) (*ZoneContents, error) {
	for i := range cs.Items {
		c := &cs.Items[i]
		for _, rr := range c.Removed {
			removeRR(contents, rr)
		}
		for _, rr := range c.Added {
			addRR(contents, rr)
		}
		soa, ok := c.SoaTo.(*dns.SOA)
		if !ok {
			return nil, Errf(Internal, nil, "changeset soa_to is not an SOA")
		}
		apex := *soa
		contents.Apex = &apex
		ownerTypes(contents, apex.Hdr.Name)[dns.TypeSOA] = []dns.RR{&apex}
	}
	return contents, nil
}

func ownerTypes(contents *ZoneContents, name string) map[uint16][]dns.RR {
	tm, ok := contents.Owners[name]
	if !ok {
		tm = make(map[uint16][]dns.RR)
		contents.Owners[name] = tm
	}
	return tm
}

func addRR(contents *ZoneContents, rr dns.RR) {
	h := rr.Header()
	tm := ownerTypes(contents, h.Name)
	rrs := tm[h.Rrtype]
	for _, existing := range rrs {
		if existing.String() == rr.String() {
			return
		}
	}
	tm[h.Rrtype] = append(rrs, rr)
}

// removeRR deletes every RR in the owner/type bucket whose rdata matches
// rr's, returning what was removed. Matching ignores rr's Class and Ttl:
// an RFC 2136 delete-specific-rr carries class NONE and ttl 0 on the wire
// regardless of the stored record's actual class/ttl.
func removeRR(contents *ZoneContents, rr dns.RR) []dns.RR {
	h := rr.Header()
	tm := ownerTypes(contents, h.Name)
	rrs := tm[h.Rrtype]
	var removed []dns.RR
	out := rrs[:0]
	for _, existing := range rrs {
		if rdataEqual(existing, rr) {
			removed = append(removed, existing)
		} else {
			out = append(out, existing)
		}
	}
	tm[h.Rrtype] = out
	return removed
}

// rdataEqual compares two RRs by name, type, and rdata, ignoring Class and
// Ttl: the two fields that legitimately differ between a stored RR and the
// NONE-class, TTL-0 pseudo-RR RFC 2136 uses to name it for deletion.
func rdataEqual(a, b dns.RR) bool {
	ca, cb := dns.Copy(a), dns.Copy(b)
	ca.Header().Class, ca.Header().Ttl = dns.ClassINET, 0
	cb.Header().Class, cb.Header().Ttl = dns.ClassINET, 0
	return ca.String() == cb.String()
}

// retire schedules old for destruction after RetireGrace, giving readers
// that observed it time to exit their critical sections. Go's garbage
// collector is the actual reclaimer; there is nothing to explicitly free
// here, but the quiescence window still governs when old is allowed to
// become unreachable from any in-flight reader's perspective.
func retire(old *ZoneContents) {
	if old == nil {
		return
	}
	time.AfterFunc(RetireGrace, func() {
		_ = old
	})
}

func logOrigin(e *ZoneEntry, origin ChangesetOrigin, cs *Changesets) {
	last := cs.Items[len(cs.Items)-1]
	e.Logger.Printf("applied %s changeset(s) for zone %s: %d->%d", origin, e.ZoneName, cs.Items[0].SerialFrom, last.SerialTo)
}

// CreateChangeset diffs old and new contents into a single synthetic
// changeset, used for AXFR apply when there is prior contents to diff
// against.
func CreateChangeset(old, new *ZoneContents, origin ChangesetOrigin) (*Changesets, error) {
	if new == nil || new.Apex == nil {
		return nil, Errf(Inval, nil, "CreateChangeset: new contents has no apex SOA")
	}
	if old == nil || old.Apex == nil {
		return &Changesets{Origin: origin}, nil
	}
	if old.Apex.Serial == new.Apex.Serial {
		return &Changesets{Origin: origin}, nil
	}

	var removed, added []dns.RR
	for name, types := range old.Owners {
		for t, rrs := range types {
			newRRs := new.Owners[name][t]
			for _, rr := range rrs {
				if !containsRR(newRRs, rr) {
					removed = append(removed, rr)
				}
			}
		}
	}
	for name, types := range new.Owners {
		for t, rrs := range types {
			oldRRs := old.Owners[name][t]
			for _, rr := range rrs {
				if !containsRR(oldRRs, rr) {
					added = append(added, rr)
				}
			}
		}
	}

	c := Changeset{
		SerialFrom: old.Apex.Serial,
		SerialTo:   new.Apex.Serial,
		SoaFrom:    old.Apex,
		SoaTo:      new.Apex,
		Removed:    removed,
		Added:      added,
	}
	return &Changesets{Origin: origin, Items: []Changeset{c}}, nil
}

func containsRR(rrs []dns.RR, rr dns.RR) bool {
	for _, r := range rrs {
		if r.String() == rr.String() {
			return true
		}
	}
	return false
}
