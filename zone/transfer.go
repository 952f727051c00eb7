/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"context"
	"log"

	"github.com/google/uuid"
	"github.com/miekg/dns"
)

// TransferOp enumerates the outbound task kinds.
type TransferOp uint8

const (
	OpSOA TransferOp = iota
	OpAXFR
	OpIXFR
	OpForward
	OpNotify
)

func (o TransferOp) String() string {
	switch o {
	case OpSOA:
		return "SOA"
	case OpAXFR:
		return "AIN"
	case OpIXFR:
		return "IIN"
	case OpForward:
		return "FORWARD"
	case OpNotify:
		return "NOTIFY"
	default:
		return "UNKNOWN"
	}
}

// Transport is UDP or TCP: no transport negotiation beyond that binary
// choice is carried on a task.
type Transport uint8

const (
	TransportUDP Transport = iota
	TransportTCP
)

// TransferTask is the contract handed to the transfer executor.
type TransferTask struct {
	ID             uuid.UUID
	Zone           string
	Op             TransferOp
	Transport      Transport
	MasterAddr     string
	ViaAddr        string
	TsigKeyRef     string
	ForwardedQuery *dns.Msg // set only for OpForward
}

// BuildBootstrapTask constructs the initial AXFR-over-TCP task for a zone
// that has a configured master but no contents yet. The caller is expected to delay dispatch by BootstrapDelay().
func BuildBootstrapTask(e *ZoneEntry) TransferTask {
	return TransferTask{
		ID:         uuid.New(),
		Zone:       e.ZoneName,
		Op:         OpAXFR,
		Transport:  TransportTCP,
		MasterAddr: e.Master,
		TsigKeyRef: e.TsigKey,
	}
}

// BuildRefreshTask constructs an SOA-probe task for a REFRESH cycle; the
// transfer executor is expected to escalate to IXFR/AXFR itself based on
// the probed serial versus the zone's current serial.
func BuildRefreshTask(e *ZoneEntry) TransferTask {
	return TransferTask{
		ID:         uuid.New(),
		Zone:       e.ZoneName,
		Op:         OpSOA,
		Transport:  TransportUDP,
		MasterAddr: e.Master,
		TsigKeyRef: e.TsigKey,
	}
}

// BuildNotifyTasks constructs one NOTIFY task per downstream target.
func BuildNotifyTasks(e *ZoneEntry, downstreams []string) []TransferTask {
	tasks := make([]TransferTask, 0, len(downstreams))
	for _, d := range downstreams {
		tasks = append(tasks, TransferTask{
			ID:         uuid.New(),
			Zone:       e.ZoneName,
			Op:         OpNotify,
			Transport:  TransportUDP,
			MasterAddr: d,
		})
	}
	return tasks
}

// BuildForwardTask constructs the task that relays a DDNS UPDATE upstream
// when the zone has_master.
func BuildForwardTask(e *ZoneEntry, query *dns.Msg) TransferTask {
	return TransferTask{
		ID:             uuid.New(),
		Zone:           e.ZoneName,
		Op:             OpForward,
		Transport:      TransportUDP,
		MasterAddr:     e.Master,
		TsigKeyRef:     e.TsigKey,
		ForwardedQuery: query,
	}
}

// RequestTransfer enqueues a single inbound transfer for e if and only if
// none is already in flight, implementing the at-most-one-in-flight
// invariant. It returns false (a no-op) when a transfer was
// already PENDING. The server is expected to call OnTransferComplete
// exactly once when the dispatched task finishes.
func RequestTransfer(ctx context.Context, e *ZoneEntry, task TransferTask) bool {
	if !e.TryBeginTransfer() {
		e.Logger.Printf("transfer for %s already PENDING, ignoring duplicate enqueue", e.ZoneName)
		return false
	}
	e.server.EnqueueTransfer(task)
	return true
}

// OnTransferComplete is the integration point between the transfer
// executor and the update pipeline. It must be
// invoked exactly once per dispatched task, success or failure.
func OnTransferComplete(ctx context.Context, p *Pipeline, e *ZoneEntry, task TransferTask, result *Changesets, err error) {
	defer func() {
		e.CompleteTransfer()
		refresh, retry := RefreshRetryDurations(e.Contents())
		d := refresh
		if err != nil {
			d = retry
			onRefreshFailure(e)
		} else {
			e.DisarmExpireTimer()
		}
		e.ArmRefresh(d, func() {
			RequestTransfer(ctx, e, BuildRefreshTask(e))
		})
	}()

	if e.Discarded() {
		log.Printf("transfer %s for zone %s completed after zone was EXPIRED; dropping", task.ID, e.ZoneName)
		return
	}
	if err != nil {
		e.Logger.Printf("transfer %s for zone %s failed: %v", task.ID, e.ZoneName, err)
		return
	}
	if result == nil || len(result.Items) == 0 {
		return
	}
	if _, applyErr := p.Apply(e, result, nil); applyErr != nil {
		e.Logger.Printf("applying transfer result for zone %s: %v", e.ZoneName, applyErr)
	}
}

// onRefreshFailure arms the EXPIRE timer on the first failure of a zone
// that already has contents.
func onRefreshFailure(e *ZoneEntry) {
	c := e.Contents()
	if c == nil || c.Apex == nil {
		return
	}
	if e.hasExpireArmed() {
		return
	}
	e.ArmExpire(c.Apex.Expire, func() {
		if db, ok := e.zoneDB(); ok {
			db.Expire(e.ZoneName)
			e.Logger.Printf("Zone '%s' expired.", e.ZoneName)
		}
	})
}

func (e *ZoneEntry) hasExpireArmed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expireTimer != nil
}
