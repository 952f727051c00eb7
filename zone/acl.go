/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"fmt"
	"net"
)

// Operation names the five ACL-gated operations.
type Operation uint8

const (
	OpXfrOut Operation = iota
	OpXfrIn
	OpNotifyIn
	OpNotifyOut
	OpUpdateIn
)

// ACLEntry is the runtime (parsed) form of ACLEntryConf.
type ACLEntry struct {
	Net     *net.IPNet
	Port    uint16 // 0 means "any port"
	Via     string
	TsigKey string // key name, or "" if this entry requires no TSIG
}

// ACL is a replaceable-wholesale list of entries for one operation, guarded
// by ZoneEntry.mu: the whole list is swapped under the per-zone mutex
// rather than mutated entry by entry.
type ACL []ACLEntry

func newACL(entries []ACLEntryConf) (ACL, error) {
	out := make(ACL, 0, len(entries))
	for _, e := range entries {
		_, ipnet, err := parseCIDR(e.Address, e.Prefix, normalizeFamily(e.Family))
		if err != nil {
			return nil, Errf(Inval, err, "acl entry %q", e.Address)
		}
		out = append(out, ACLEntry{
			Net:     ipnet,
			Port:    e.Port,
			Via:     e.Via,
			TsigKey: e.TsigKey,
		})
	}
	return out, nil
}

func parseCIDR(addr string, prefix int, family string) (net.IP, *net.IPNet, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, nil, Errf(Inval, nil, "not a valid address: %s", addr)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	if prefix <= 0 || prefix > bits {
		prefix = bits
	}
	_, ipnet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", addr, prefix))
	if err != nil {
		return nil, nil, err
	}
	return ip, ipnet, nil
}

// Match reports whether peer is permitted by this ACL and, if so, which
// TSIG key name is required ("" meaning none). An empty ACL denies
// everything.
func (a ACL) Match(peer net.IP, peerPort uint16) (entry ACLEntry, ok bool) {
	for _, e := range a {
		if e.Net != nil && !e.Net.Contains(peer) {
			continue
		}
		if e.Port != 0 && e.Port != peerPort {
			continue
		}
		return e, true
	}
	return ACLEntry{}, false
}
