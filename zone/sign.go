/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"crypto"
	"sort"
	"time"

	"github.com/miekg/dns"
)

// KeyPair is one DNSSEC signing key: a parsed DNSKEY RR paired with the
// crypto.Signer that can produce RRSIGs under it.
type KeyPair struct {
	Dnskey *dns.DNSKEY
	Signer crypto.Signer
}

// DnssecSigner implements Signer using a zone's active KSK/ZSK pair,
// signing in-band rather than delegating to an external signer process.
type DnssecSigner struct {
	ZoneName string
	KSKs     []KeyPair
	ZSKs     []KeyPair

	// ResignWindow is how far ahead of an RRSIG's expiration resigning is
	// triggered.
	ResignWindow time.Duration
}

func sigLifetime(t time.Time, lifetime time.Duration) (uint32, uint32) {
	if lifetime == 0 {
		lifetime = 5 * time.Minute
	}
	incep := uint32(t.Add(-60 * time.Second).Unix())
	expir := uint32(t.Add(lifetime).Unix())
	return incep, expir
}

// needsResigning reports whether sig is within ResignWindow of expiring.
func (s *DnssecSigner) needsResigning(sig *dns.RRSIG) bool {
	expiration := time.Unix(int64(sig.Expiration), 0)
	window := s.ResignWindow
	if window == 0 {
		window = 24 * time.Hour
	}
	return time.Until(expiration) < window
}

// signRRset signs rrs with every key in keys, returning the new RRSIGs.
func (s *DnssecSigner) signRRset(rrs []dns.RR, keys []KeyPair, lifetime time.Duration) ([]dns.RR, error) {
	if len(rrs) == 0 {
		return nil, nil
	}
	var sigs []dns.RR
	for _, kp := range keys {
		rrsig := &dns.RRSIG{
			Hdr: dns.RR_Header{
				Name:   rrs[0].Header().Name,
				Rrtype: dns.TypeRRSIG,
				Class:  dns.ClassINET,
				Ttl:    rrs[0].Header().Ttl,
			},
			KeyTag:     kp.Dnskey.KeyTag(),
			Algorithm:  kp.Dnskey.Algorithm,
			SignerName: s.ZoneName,
		}
		rrsig.Inception, rrsig.Expiration = sigLifetime(time.Now().UTC(), lifetime)
		if err := rrsig.Sign(kp.Signer, rrs); err != nil {
			return nil, Errf(Internal, err, "signing rrset %s %s", rrs[0].Header().Name, dns.TypeToString[rrs[0].Header().Rrtype])
		}
		sigs = append(sigs, rrsig)
	}
	return sigs, nil
}

// SignIncremental walks contents' owner names and resigns any RRset whose
// existing RRSIGs are due (or missing), per the "incremental signing
// always requests SOA_SERIAL_INC" rule. Returns a Changesets tagged
// DNSSEC containing only the added RRSIGs (and removed stale ones) plus
// the bumped apex SOA; an empty Changesets (no Items) if nothing needed
// resigning.
func (s *DnssecSigner) SignIncremental(contents *ZoneContents) (*Changesets, error) {
	if contents == nil || contents.Apex == nil {
		return &Changesets{Origin: OriginDNSSEC}, nil
	}
	if len(s.ZSKs) == 0 {
		return nil, Errf(Inval, nil, "SignIncremental: zone %s has no active ZSK", s.ZoneName)
	}

	var names []string
	for name := range contents.Owners {
		names = append(names, name)
	}
	sort.Strings(names)

	var added, removed []dns.RR
	anyResigned := false

	for _, name := range names {
		types := contents.Owners[name]
		for rtype, rrs := range types {
			if rtype == dns.TypeRRSIG || len(rrs) == 0 {
				continue
			}
			existing := types[dns.TypeRRSIG]
			var stale []dns.RR
			needs, covered := false, false
			for _, sig := range existing {
				rrsig, ok := sig.(*dns.RRSIG)
				if !ok || rrsig.TypeCovered != rtype {
					continue
				}
				covered = true
				if s.needsResigning(rrsig) {
					needs = true
					stale = append(stale, sig)
				}
			}
			if !needs && covered {
				continue
			}

			keys := s.ZSKs
			lifetime := 30 * 24 * time.Hour
			if rtype == dns.TypeDNSKEY {
				keys = s.KSKs
			}
			newSigs, err := s.signRRset(rrs, keys, lifetime)
			if err != nil {
				return nil, err
			}
			removed = append(removed, stale...)
			added = append(added, newSigs...)
			anyResigned = true
		}
	}

	if !anyResigned {
		return &Changesets{Origin: OriginDNSSEC}, nil
	}

	soaFrom := *contents.Apex
	soaTo := soaFrom
	soaTo.Serial = soaFrom.Serial + 1 // SOA_SERIAL_INC

	c := Changeset{
		SerialFrom: soaFrom.Serial,
		SerialTo:   soaTo.Serial,
		SoaFrom:    &soaFrom,
		Removed:    removed,
		SoaTo:      &soaTo,
		Added:      added,
	}
	return &Changesets{Origin: OriginDNSSEC, Items: []Changeset{c}}, nil
}

// SignFull resigns every RRset in the zone unconditionally (the "full"
// resign pass, as opposed to SignIncremental's due-only pass), for a
// scheduled re-sign that has crossed the full-cycle threshold.
func (s *DnssecSigner) SignFull(contents *ZoneContents) (*Changesets, error) {
	cloneSigner := *s
	cloneSigner.ResignWindow = 1 << 62 // force every RRset to be seen as due
	return cloneSigner.SignIncremental(contents)
}
