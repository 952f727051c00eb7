/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/miekg/dns"
)

// ChangesetOrigin tags a Changeset (or a Changesets run) by what produced
// it: IXFR, DDNS, or a DNSSEC re-sign pass.
type ChangesetOrigin uint8

const (
	OriginIXFR ChangesetOrigin = iota
	OriginDDNS
	OriginDNSSEC
)

func (o ChangesetOrigin) String() string {
	switch o {
	case OriginIXFR:
		return "IXFR"
	case OriginDDNS:
		return "DDNS"
	case OriginDNSSEC:
		return "DNSSEC"
	default:
		return "UNKNOWN"
	}
}

// flag bits carried in Changeset.Flags.
const (
	FlagNone uint32 = 0
)

// Changeset is a single zone delta.
type Changeset struct {
	Flags      uint32
	SerialFrom uint32
	SerialTo   uint32
	SoaFrom    dns.RR // *dns.SOA
	Removed    []dns.RR
	SoaTo      dns.RR // *dns.SOA
	Added      []dns.RR
}

// Changesets is an ordered, contiguous run of Changeset, tagged by origin.
type Changesets struct {
	Origin ChangesetOrigin
	Items  []Changeset
}

// Validate checks: soa_from.serial == serial_from, soa_to.serial ==
// serial_to, and non-empty (serial_from != serial_to).
func (c *Changeset) Validate() error {
	if c.SerialFrom == c.SerialTo {
		return Errf(Inval, nil, "empty changeset (serial_from == serial_to == %d) must not be stored", c.SerialFrom)
	}
	soaFrom, ok := c.SoaFrom.(*dns.SOA)
	if !ok || soaFrom == nil {
		return Errf(Inval, nil, "changeset missing soa_from")
	}
	if soaFrom.Serial != c.SerialFrom {
		return Errf(Inval, nil, "soa_from.serial %d != serial_from %d", soaFrom.Serial, c.SerialFrom)
	}
	soaTo, ok := c.SoaTo.(*dns.SOA)
	if !ok || soaTo == nil {
		return Errf(Inval, nil, "changeset missing soa_to")
	}
	if soaTo.Serial != c.SerialTo {
		return Errf(Inval, nil, "soa_to.serial %d != serial_to %d", soaTo.Serial, c.SerialTo)
	}
	return nil
}

// SerialGreater implements the RFC 1982 serial number arithmetic comparison
// used throughout.
func SerialGreater(a, b uint32) bool {
	return (int32)(a-b) > 0
}

// --- serialization ---
//
// Layout: u32 flags || serialize(soa_from) || serialize(R_1..R_k) ||
// serialize(soa_to) || serialize(A_1..A_m). RRs are serialized through the
// wire library's own presentation-format round trip (dns.RR.String /
// dns.NewRR) rather than hand-rolling wire-format TLV encoding of RRsets.

func serializeRR(buf *bytes.Buffer, rr dns.RR) error {
	s := rr.String()
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func deserializeRR(r *bytes.Reader) (dns.RR, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	rr, err := dns.NewRR(string(b))
	if err != nil {
		return nil, err
	}
	return rr, nil
}

// BinarySize computes the serialized size of c without allocating the
// buffer, so a journal slot can be reserved before the payload exists.
func BinarySize(c *Changeset) int {
	n := 4 // flags
	n += 4 + len(c.SoaFrom.String())
	for _, rr := range c.Removed {
		n += 4 + len(rr.String())
	}
	n += 4 + len(c.SoaTo.String())
	for _, rr := range c.Added {
		n += 4 + len(rr.String())
	}
	return n
}

// Serialize encodes c into the journal payload format.
func Serialize(c *Changeset) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(make([]byte, 0, BinarySize(c)))
	if err := binary.Write(buf, binary.LittleEndian, c.Flags); err != nil {
		return nil, Errf(Internal, err, "writing flags")
	}
	if err := serializeRR(buf, c.SoaFrom); err != nil {
		return nil, Errf(Internal, err, "serializing soa_from")
	}
	for _, rr := range c.Removed {
		if err := serializeRR(buf, rr); err != nil {
			return nil, Errf(Internal, err, "serializing removed RR")
		}
	}
	if err := serializeRR(buf, c.SoaTo); err != nil {
		return nil, Errf(Internal, err, "serializing soa_to")
	}
	for _, rr := range c.Added {
		if err := serializeRR(buf, rr); err != nil {
			return nil, Errf(Internal, err, "serializing added RR")
		}
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a journal payload back into a Changeset. The
// boundary between removed and added is the second SOA encountered.
func Deserialize(payload []byte) (*Changeset, error) {
	r := bytes.NewReader(payload)
	var flags uint32
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return nil, Errf(Malformed, err, "reading flags")
	}

	soaFrom, err := deserializeRR(r)
	if err != nil {
		return nil, Errf(Malformed, err, "reading soa_from")
	}
	if _, ok := soaFrom.(*dns.SOA); !ok {
		return nil, Errf(Malformed, nil, "first RR is not SOA")
	}

	var removed, added []dns.RR
	var soaTo dns.RR
	seenSecondSoa := false
	for r.Len() > 0 {
		rr, err := deserializeRR(r)
		if err != nil {
			return nil, Errf(Malformed, err, "reading RR")
		}
		if _, ok := rr.(*dns.SOA); ok && !seenSecondSoa {
			soaTo = rr
			seenSecondSoa = true
			continue
		}
		if !seenSecondSoa {
			removed = append(removed, rr)
		} else {
			added = append(added, rr)
		}
	}
	if soaTo == nil {
		return nil, Errf(Malformed, nil, "missing soa_to")
	}

	c := &Changeset{
		Flags:      flags,
		SerialFrom: soaFrom.(*dns.SOA).Serial,
		SerialTo:   soaTo.(*dns.SOA).Serial,
		SoaFrom:    soaFrom,
		Removed:    removed,
		SoaTo:      soaTo,
		Added:      added,
	}
	return c, nil
}

// Merge combines two contiguous changesets. a.serial_to must
// equal b.serial_from. The merged changeset always copies b's soa_to (see
// DESIGN.md, Open Question 1: Go has no manual ownership to fight over).
func Merge(a, b *Changeset) (*Changeset, error) {
	if a.SerialTo != b.SerialFrom {
		return nil, Errf(Inval, nil, "merge: serial chain mismatch: a.serial_to=%d b.serial_from=%d", a.SerialTo, b.SerialFrom)
	}
	merged := &Changeset{
		Flags:      a.Flags | b.Flags,
		SerialFrom: a.SerialFrom,
		SerialTo:   b.SerialTo,
		SoaFrom:    a.SoaFrom,
		SoaTo:      b.SoaTo,
	}
	merged.Removed = append(append([]dns.RR{}, a.Removed...), b.Removed...)
	merged.Added = append(append([]dns.RR{}, a.Added...), b.Added...)
	return merged, nil
}

// Equal reports value equality (used by round-trip tests).
func (c *Changeset) Equal(o *Changeset) bool {
	if c.Flags != o.Flags || c.SerialFrom != o.SerialFrom || c.SerialTo != o.SerialTo {
		return false
	}
	if c.SoaFrom.String() != o.SoaFrom.String() || c.SoaTo.String() != o.SoaTo.String() {
		return false
	}
	return rrSliceEqual(c.Removed, o.Removed) && rrSliceEqual(c.Added, o.Added)
}

func rrSliceEqual(a, b []dns.RR) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].String() != b[i].String() {
			return false
		}
	}
	return true
}

// JournalKey computes the 64-bit journal node key: hi=serial_to,
// lo=serial_from.
func JournalKey(serialFrom, serialTo uint32) uint64 {
	return (uint64(serialTo) << 32) | uint64(serialFrom)
}

func (c Changeset) String() string {
	return fmt.Sprintf("changeset(%d->%d, -%d +%d)", c.SerialFrom, c.SerialTo, len(c.Removed), len(c.Added))
}
