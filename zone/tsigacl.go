/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"encoding/hex"
	"errors"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Peer describes the remote end of an inbound request: its address, the
// ACL-relevant "via" tag (e.g. the listener it arrived on), and the TSIG
// key it signed with, if any.
type Peer struct {
	Addr    net.IP
	Port    uint16
	Via     string
	TsigKey string // key name the message claimed to use, "" if unsigned
}

// Gate implements the per-operation ACL + TSIG admission check. A Gate
// holds only the keyring the daemon has loaded; the ACLs are read from the
// ZoneEntry passed to each Admit call, so admission is a function of
// (zone, operation, peer, message).
type Gate struct {
	Keys map[string]string // tsig key name -> base64 secret, process-wide keyring
}

// aclFor selects the ACL governing op on e.
func aclFor(e *ZoneEntry, op Operation) ACL {
	switch op {
	case OpXfrOut:
		return e.AclXfrOut
	case OpXfrIn:
		return e.AclXfrIn
	case OpNotifyIn:
		return e.AclNotifyIn
	case OpNotifyOut:
		return e.AclNotify
	case OpUpdateIn:
		return e.AclUpdateIn
	default:
		return nil
	}
}

// TsigOutcome carries the fields an RFC 8945 §5.3 error reply needs to
// echo back to the client: the request's own signing key, algorithm,
// TimeSigned and Fudge, plus (for a BADTIME outcome only) OtherData set to
// the server's own notion of the current time, hex-encoded as the 48-bit
// field the wire format expects.
type TsigOutcome struct {
	KeyName    string
	Algorithm  string
	TimeSigned uint64
	Fudge      uint16
	OtherData  string
}

// badTimeOtherData renders now as the 6-byte big-endian Unix timestamp
// RFC 8945 §5.2.3 requires in a BADTIME reply's TSIG OtherData.
func badTimeOtherData(now time.Time) string {
	t := uint64(now.Unix())
	buf := []byte{byte(t >> 40), byte(t >> 32), byte(t >> 24), byte(t >> 16), byte(t >> 8), byte(t)}
	return hex.EncodeToString(buf)
}

// Admit runs the ACL-then-TSIG admission sequence: no ACL match is an
// outright Eacces refusal; a match that names a required key but whose
// signature is absent or doesn't match is a TsigBadkey/TsigBadsig/
// TsigBadtime refusal, distinguished by what dns.TsigVerify actually
// reports. A matching entry with no TsigKey admits unsigned traffic. wire
// must be the exact bytes the request arrived in, since the TSIG MAC is
// computed over the request's wire form, not over msg re-packed. The
// caller maps the returned Kind to an RCODE via RcodeFor and, for a TSIG
// failure, to a TSIG-RCODE via TsigRcodeFor using the returned outcome to
// build the reply's TSIG RR.
func (g *Gate) Admit(e *ZoneEntry, op Operation, peer Peer, msg *dns.Msg, wire []byte) (*TsigOutcome, error) {
	entry, ok := aclFor(e, op).Match(peer.Addr, peer.Port)
	if !ok {
		return nil, Errf(Eacces, nil, "no acl entry for %s from %s on zone %s", op, peer.Addr, e.ZoneName)
	}
	if entry.TsigKey == "" {
		return nil, nil
	}
	if peer.TsigKey == "" {
		return nil, Errf(TsigBadkey, nil, "acl requires tsig key %q but request is unsigned", entry.TsigKey)
	}
	if peer.TsigKey != entry.TsigKey {
		return nil, Errf(TsigBadkey, nil, "request signed with %q, acl requires %q", peer.TsigKey, entry.TsigKey)
	}
	secret, ok := g.Keys[entry.TsigKey]
	if !ok {
		return nil, Errf(TsigBadkey, nil, "unknown tsig key %q", entry.TsigKey)
	}
	rr := msg.IsTsig()
	if rr == nil {
		return nil, Errf(TsigBadsig, nil, "message carries no TSIG RR")
	}
	outcome := &TsigOutcome{KeyName: rr.Hdr.Name, Algorithm: rr.Algorithm, TimeSigned: rr.TimeSigned, Fudge: rr.Fudge}

	if err := dns.TsigVerify(wire, secret, "", false); err != nil {
		switch {
		case errors.Is(err, dns.ErrTime):
			outcome.OtherData = badTimeOtherData(time.Now())
			return outcome, Errf(TsigBadtime, err, "tsig verification failed for key %q: clock skew", entry.TsigKey)
		case errors.Is(err, dns.ErrKeyAlg), errors.Is(err, dns.ErrSecret):
			return outcome, Errf(TsigBadkey, err, "tsig verification failed for key %q", entry.TsigKey)
		default:
			return outcome, Errf(TsigBadsig, err, "tsig verification failed for key %q", entry.TsigKey)
		}
	}
	return outcome, nil
}

// Sign attaches a TSIG RR to reply using keyName's secret, for responses
// to requests that themselves carried TSIG (RFC 8945 §5.3). alg defaults
// to HMAC-SHA256 when empty, matching the wire library's default.
func (g *Gate) Sign(reply *dns.Msg, keyName, alg string) error {
	secret, ok := g.Keys[keyName]
	if !ok {
		return Errf(TsigBadkey, nil, "signing reply: unknown key %q", keyName)
	}
	if alg == "" {
		alg = dns.HmacSHA256
	}
	reply.SetTsig(keyName, alg, 300, 0)
	_ = secret // the secret is consulted by the transport layer's TsigGenerate, out of this core's scope
	return nil
}

// RcodeFor maps a Kind to the DNS RCODE a response should carry, per the
// admission-to-wire-error mapping used throughout the update pipeline and
// the DDNS handler.
func RcodeFor(k Kind) int {
	switch k {
	case NoError:
		return dns.RcodeSuccess
	case Eacces:
		return dns.RcodeRefused
	case TsigBadkey:
		return dns.RcodeNotAuth
	case TsigBadsig:
		return dns.RcodeNotAuth
	case TsigBadtime:
		return dns.RcodeNotAuth
	case ZoneInval, Malformed:
		return dns.RcodeFormatError
	case Range:
		return dns.RcodeNotZone
	case Busy:
		return dns.RcodeServerFailure
	case Expired:
		return dns.RcodeServerFailure
	default:
		return dns.RcodeServerFailure
	}
}

// TsigRcodeFor maps a TSIG-related Kind to the 16-bit extended RCODE a
// reply's TSIG RR carries in its Error field (RFC 8945 §5.2), independent
// of the message header RCODE RcodeFor produces. Kinds with no TSIG-RCODE
// of their own map to RcodeSuccess, since the TSIG RR on a non-TSIG
// failure reply just echoes the request unchanged.
func TsigRcodeFor(k Kind) uint16 {
	switch k {
	case TsigBadsig:
		return dns.RcodeBadSig
	case TsigBadkey:
		return dns.RcodeBadKey
	case TsigBadtime:
		return dns.RcodeBadTime
	default:
		return dns.RcodeSuccess
	}
}
