/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// XfrState is the xfr_in transfer state machine.
type XfrState uint8

const (
	StateIdle XfrState = iota
	StateSched
	StatePending
)

func (s XfrState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSched:
		return "SCHED"
	case StatePending:
		return "PENDING"
	default:
		return "UNKNOWN"
	}
}

// ZoneContents is the immutable-once-published snapshot of a zone's data,
// Ownership of the RR records themselves belongs to whichever
// library parses/represents them (out of this core's scope); this core
// only needs the apex SOA and a name->RRsets view sufficient to diff and
// apply changesets.
type ZoneContents struct {
	Apex    *dns.SOA
	Owners  map[string]map[uint16][]dns.RR // name -> type -> RRs
}

// Serial returns the apex SOA serial, or 0 if there is no apex (a stub).
func (c *ZoneContents) Serial() uint32 {
	if c == nil || c.Apex == nil {
		return 0
	}
	return c.Apex.Serial
}

// Clone makes a deep-enough copy for the pipeline to mutate without
// affecting the currently-published snapshot.
func (c *ZoneContents) Clone() *ZoneContents {
	out := &ZoneContents{Owners: make(map[string]map[uint16][]dns.RR)}
	if c == nil {
		return out
	}
	if c.Apex != nil {
		apex := *c.Apex
		out.Apex = &apex
	}
	for name, types := range c.Owners {
		tm := make(map[uint16][]dns.RR, len(types))
		for t, rrs := range types {
			cp := make([]dns.RR, len(rrs))
			copy(cp, rrs)
			tm[t] = cp
		}
		out.Owners[name] = tm
	}
	return out
}

// ZoneEntry is the per-zone state.
type ZoneEntry struct {
	ZoneName string
	Conf     ZoneConf

	mu sync.Mutex // guards ACLs, timer handles, xfr_in state

	// writeMu is the exclusive, blocking mutex the update pipeline holds
	// for the duration of its state-machine
	// transitions and journal writes. Distinct from mu, which only ever
	// guards small field reads/writes and is never held across I/O.
	writeMu sync.Mutex

	contents atomic.Pointer[ZoneContents]

	AclXfrIn    ACL
	AclXfrOut   ACL
	AclNotifyIn ACL
	AclNotify   ACL
	AclUpdateIn ACL
	TsigKey     string // expected key for inbound XFR

	Master string

	Journal *Journal

	ZonefileSerial uint32
	ZonefilePath   string

	xfrState  XfrState
	discarded bool // set true by ZoneDB.Expire; in-flight transfers check it

	refreshTimer *time.Timer
	expireTimer  *time.Timer
	syncTimer    *time.Timer
	resignTimer  *time.Timer

	Logger *log.Logger

	// back-reference to the server, established at ZoneDB.Add and cleared
	// at ZoneDB.Remove.
	server ServerHandle

	// zdb is the back-reference to the owning ZoneDB, set by ZoneDB.Add and
	// cleared by ZoneDB.Remove, so the EXPIRE timer callback can call back
	// into ZoneDB.Expire without ZoneEntry owning a ZoneDB.
	zdb *ZoneDB

	// signerImpl is the zone's DNSSEC signer, nil unless Conf.DnssecEnable
	// and a keyed zone was configured with one (see sign.go).
	signerImpl Signer
}

// SetSigner installs (or clears, with nil) the zone's DNSSEC signer.
func (e *ZoneEntry) SetSigner(s Signer) { e.signerImpl = s }

// bindZoneDB and unbindZoneDB implement the explicit-back-reference
// pattern: ZoneEntry never owns the ZoneDB it is registered in, only a
// pointer back to it.
func (e *ZoneEntry) bindZoneDB(db *ZoneDB)  { e.zdb = db }
func (e *ZoneEntry) unbindZoneDB()          { e.zdb = nil }
func (e *ZoneEntry) zoneDB() (*ZoneDB, bool) {
	return e.zdb, e.zdb != nil
}

// ServerHandle is the minimal back-reference surface a ZoneEntry needs
// (scheduler + transfer executor access), kept as an interface so this
// core never imports the process/server package it belongs to.
type ServerHandle interface {
	EnqueueTransfer(task TransferTask)
	EnqueueNotify(task TransferTask)
}

// NewZoneEntry creates a stub entry from configuration. Contents are loaded separately (from a zone file
// or left nil for a bootstrap-from-master stub).
func NewZoneEntry(conf ZoneConf, srv ServerHandle, logfile string) (*ZoneEntry, error) {
	xfrIn, err := newACL(conf.Acl.XfrIn)
	if err != nil {
		return nil, err
	}
	xfrOut, err := newACL(conf.Acl.XfrOut)
	if err != nil {
		return nil, err
	}
	notifyIn, err := newACL(conf.Acl.NotifyIn)
	if err != nil {
		return nil, err
	}
	notifyOut, err := newACL(conf.Acl.NotifyOt)
	if err != nil {
		return nil, err
	}
	updateIn, err := newACL(conf.Acl.UpdateIn)
	if err != nil {
		return nil, err
	}

	e := &ZoneEntry{
		ZoneName:     conf.Name,
		Conf:         conf,
		AclXfrIn:     xfrIn,
		AclXfrOut:    xfrOut,
		AclNotifyIn:  notifyIn,
		AclNotify:    notifyOut,
		AclUpdateIn:  updateIn,
		Master:       conf.Master,
		ZonefilePath: conf.File,
		server:       srv,
		Logger:       NewLogger(logfile, "["+conf.Name+"] "),
	}
	if e.Master == "" {
		e.xfrState = StateIdle
	}
	e.disableXfrInUnderDnssec()
	return e, nil
}

// disableXfrInUnderDnssec clears AclNotifyIn and AclXfrIn when the zone is
// signed and either ACL was configured: a signed zone's contents must only
// ever change through this process's own signing pipeline, so accepting
// NOTIFY-triggered or ACL-admitted inbound transfers would let an upstream
// hand it unsigned (or differently signed) data. Preserves the original
// daemon's zone-load-time behavior rather than refusing the config outright.
func (e *ZoneEntry) disableXfrInUnderDnssec() {
	if !e.Conf.DnssecEnable {
		return
	}
	if len(e.AclNotifyIn) == 0 && len(e.AclXfrIn) == 0 {
		return
	}
	e.AclNotifyIn = nil
	e.AclXfrIn = nil
	e.Logger.Printf("zone %s: dnssec_enable is set, clearing notify_in/xfr_in ACLs (signed zones do not accept inbound transfers)", e.ZoneName)
}

// Contents returns the current snapshot. A query worker calls this once
// per critical section and may freely dereference the result afterwards:
// the pointer is never mutated in place, only replaced.
func (e *ZoneEntry) Contents() *ZoneContents {
	return e.contents.Load()
}

// publish installs newContents as current via atomic pointer exchange,
// returning the previous snapshot so the caller can schedule its
// retirement after a quiescence wait.
func (e *ZoneEntry) publish(newContents *ZoneContents) *ZoneContents {
	return e.contents.Swap(newContents)
}

// detachContents implements ZoneDB.Expire's "atomically detaches contents"
// behavior and clears REFRESH/EXPIRE timers.
func (e *ZoneEntry) detachContents() *ZoneContents {
	old := e.contents.Swap(nil)
	e.mu.Lock()
	e.discarded = true
	if e.refreshTimer != nil {
		e.refreshTimer.Stop()
		e.refreshTimer = nil
	}
	if e.expireTimer != nil {
		e.expireTimer.Stop()
		e.expireTimer = nil
	}
	e.mu.Unlock()
	return old
}

// Discarded reports whether this entry was expired, for a transfer
// completion callback to check before applying a stale result.
func (e *ZoneEntry) Discarded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.discarded
}

// State returns the current xfr_in state.
func (e *ZoneEntry) State() XfrState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.xfrState
}

// TryBeginTransfer transitions SCHED -> PENDING, refusing (returning false)
// if a transfer is already PENDING: at most one inbound transfer may be in
// flight per zone at a time.
func (e *ZoneEntry) TryBeginTransfer() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.xfrState == StatePending {
		return false
	}
	e.xfrState = StatePending
	return true
}

// CompleteTransfer transitions PENDING back to SCHED, regardless of
// success or failure. The caller is responsible for arming a
// fresh REFRESH or RETRY timer using the duration it computed.
func (e *ZoneEntry) CompleteTransfer() {
	e.mu.Lock()
	e.xfrState = StateSched
	e.mu.Unlock()
}

// SetRefreshTimer replaces any existing REFRESH timer: scheduling a
// REFRESH while one already exists cancels the old one first.
func (e *ZoneEntry) SetRefreshTimer(t *time.Timer) {
	e.mu.Lock()
	if e.refreshTimer != nil {
		e.refreshTimer.Stop()
	}
	e.refreshTimer = t
	e.xfrState = StateSched
	e.mu.Unlock()
}

// SetExpireTimer arms (or replaces) the EXPIRE timer.
func (e *ZoneEntry) SetExpireTimer(t *time.Timer) {
	e.mu.Lock()
	if e.expireTimer != nil {
		e.expireTimer.Stop()
	}
	e.expireTimer = t
	e.mu.Unlock()
}

// DisarmExpireTimer cancels the EXPIRE timer, e.g. on a successful
// transfer after a prior failure had armed it.
func (e *ZoneEntry) DisarmExpireTimer() {
	e.mu.Lock()
	if e.expireTimer != nil {
		e.expireTimer.Stop()
		e.expireTimer = nil
	}
	e.mu.Unlock()
}

// SetSyncTimer and SetResignTimer mirror SetRefreshTimer for the other two
// per-zone timers.
func (e *ZoneEntry) SetSyncTimer(t *time.Timer) {
	e.mu.Lock()
	if e.syncTimer != nil {
		e.syncTimer.Stop()
	}
	e.syncTimer = t
	e.mu.Unlock()
}

func (e *ZoneEntry) SetResignTimer(t *time.Timer) {
	e.mu.Lock()
	if e.resignTimer != nil {
		e.resignTimer.Stop()
	}
	e.resignTimer = t
	e.mu.Unlock()
}

// Lock and Unlock expose ZoneEntry.lock to the update pipeline.
func (e *ZoneEntry) Lock()   { e.writeMu.Lock() }
func (e *ZoneEntry) Unlock() { e.writeMu.Unlock() }

// HasContents reports whether the zone currently has a published snapshot.
func (e *ZoneEntry) HasContents() bool {
	return e.contents.Load() != nil
}
