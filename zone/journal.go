/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

// Journal flag bits
const (
	JFlagValid uint8 = 0x1
	JFlagDirty uint8 = 0x2
	JFlagTrans uint8 = 0x4
)

var entriesBucket = []byte("entries")
var metaBucket = []byte("meta")
var sizeKey = []byte("size")

// Node is the in-memory view of one journal entry's header. The payload is fetched separately via ReadNode.
type Node struct {
	Key   uint64 // (serial_to<<32)|serial_from
	Flags uint8
}

func (n Node) SerialFrom() uint32 { return uint32(n.Key) }
func (n Node) SerialTo() uint32   { return uint32(n.Key >> 32) }

// Cmp selects which half of the key fetch() matches against.
type Cmp uint8

const (
	ByFrom Cmp = iota
	ByTo
)

// OpenFlag controls journal open behavior
type OpenFlag uint8

const (
	OFlagLazy OpenFlag = 1 << iota
	OFlagDirty
)

// Journal is a bounded, file-backed, transactional log of changesets,
// keyed by (serial_from, serial_to). Backed by go.etcd.io/bbolt: bbolt's
// Update/View transactions are single-writer, ACID, and crash-safe,
// matching trans_begin/trans_commit/trans_rollback directly; its byte-
// ordered buckets give fetch()/walk() for free over the big-endian key
// encoding used here.
type Journal struct {
	db        *bbolt.DB
	path      string
	sizeLimit int64
	flags     OpenFlag
	refcount  int32

	mu  sync.Mutex // serializes trans_begin (single writer)
	txn *bbolt.Tx  // non-nil while a transaction is open
}

// Open opens (creating if necessary) the journal file at path.
func Open(path string, sizeLimit int64, flags OpenFlag) (*Journal, error) {
	opts := &bbolt.Options{Timeout: 2 * time.Second}
	db, err := bbolt.Open(path, 0640, opts)
	if err != nil {
		return nil, Errf(Internal, err, "opening journal %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, Errf(Internal, err, "initializing journal buckets")
	}
	if !flags.has(OFlagLazy) {
		db.NoSync = false
	} else {
		db.NoSync = true
	}
	j := &Journal{db: db, path: path, sizeLimit: sizeLimit, flags: flags, refcount: 1}
	return j, nil
}

func (f OpenFlag) has(bit OpenFlag) bool { return f&bit != 0 }

// Retain increments the reference count so asynchronous sync does not
// free the journal out from under a concurrent user.
func (j *Journal) Retain() { atomic.AddInt32(&j.refcount, 1) }

// Release decrements the reference count, closing the underlying file when
// it reaches zero.
func (j *Journal) Release() error {
	if atomic.AddInt32(&j.refcount, -1) == 0 {
		return j.db.Close()
	}
	return nil
}

// TransBegin starts a single-writer transaction. Nested begin (the same
// caller invoking it twice before commit/rollback) fails immediately with
// Inval rather than deadlocking; true cross-goroutine
// serialization is additionally enforced by bbolt's own write-lock inside
// db.Begin(true), and, at a higher level, by ZoneEntry.lock.
func (j *Journal) TransBegin() error {
	j.mu.Lock()
	if j.txn != nil {
		j.mu.Unlock()
		return Errf(Inval, nil, "journal: nested trans_begin")
	}
	j.mu.Unlock()

	tx, err := j.db.Begin(true)
	if err != nil {
		return Errf(Internal, err, "journal: begin")
	}
	j.mu.Lock()
	j.txn = tx
	j.mu.Unlock()
	return nil
}

// TransCommit commits the current transaction.
func (j *Journal) TransCommit() error {
	j.mu.Lock()
	tx := j.txn
	j.mu.Unlock()
	if tx == nil {
		return Errf(Inval, nil, "journal: commit without begin")
	}
	err := tx.Commit()
	j.mu.Lock()
	j.txn = nil
	j.mu.Unlock()
	if err != nil {
		return Errf(Internal, err, "journal: commit")
	}
	return nil
}

// TransRollback discards the current transaction.
func (j *Journal) TransRollback() error {
	j.mu.Lock()
	tx := j.txn
	j.mu.Unlock()
	if tx == nil {
		return Errf(Inval, nil, "journal: rollback without begin")
	}
	err := tx.Rollback()
	j.mu.Lock()
	j.txn = nil
	j.mu.Unlock()
	if err != nil {
		return Errf(Internal, err, "journal: rollback")
	}
	return nil
}

func keyBytes(key uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, key)
	return b
}

// Map reserves size bytes under key within the current transaction,
// marking the entry TRANS, and returns a buffer of that size
// for the caller to fill. bbolt copies values on Put rather than exposing
// a writable view into its pages, so unlike a true mmap this buffer is a
// plain Go slice: the caller fills it and passes it back to Unmap, which
// is what actually persists it.
func (j *Journal) Map(key uint64, size int) ([]byte, error) {
	if j.txn == nil {
		return nil, Errf(Inval, nil, "journal: map outside transaction")
	}
	if err := j.evictIfNeeded(int64(size)); err != nil {
		return nil, err
	}
	b := j.txn.Bucket(entriesBucket)
	placeholder := make([]byte, 1+size)
	placeholder[0] = JFlagTrans
	if err := b.Put(keyBytes(key), placeholder); err != nil {
		return nil, Errf(Internal, err, "journal: map")
	}
	return make([]byte, size), nil
}

// Unmap finalizes a region previously reserved with Map, persisting buf as
// its payload, clearing TRANS and setting VALID (and DIRTY, if the
// journal was opened with OFlagDirty). A failed validate returns Inval and
// leaves the transaction open; rolling it back is up to the caller.
func (j *Journal) Unmap(key uint64, buf []byte, validate func([]byte) error) error {
	if j.txn == nil {
		return Errf(Inval, nil, "journal: unmap outside transaction")
	}
	b := j.txn.Bucket(entriesBucket)
	if b.Get(keyBytes(key)) == nil {
		return Errf(Internal, nil, "journal: unmap: key not found")
	}
	if validate != nil {
		if err := validate(buf); err != nil {
			return Errf(Inval, err, "journal: unmap validate failed")
		}
	}
	flags := JFlagValid
	if j.flags.has(OFlagDirty) {
		flags |= JFlagDirty
	}
	out := append([]byte{flags}, buf...)
	return b.Put(keyBytes(key), out)
}

// Fetch finds the first entry whose key, under cmp, equals serial. Returns
// Range if not found.
func (j *Journal) Fetch(serial uint32, cmp Cmp) (Node, error) {
	var found Node
	var err error
	view := func(tx *bbolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 1 || v[0]&JFlagTrans != 0 {
				continue
			}
			key := binary.BigEndian.Uint64(k)
			n := Node{Key: key, Flags: v[0]}
			if (cmp == ByFrom && n.SerialFrom() == serial) || (cmp == ByTo && n.SerialTo() == serial) {
				found = n
				return nil
			}
		}
		err = Errf(Range, nil, "no journal entry for serial %d", serial)
		return nil
	}
	if j.txn != nil {
		view(j.txn)
	} else {
		j.db.View(view)
	}
	return found, err
}

// ReadNode copies the payload of node into a fresh slice.
func (j *Journal) ReadNode(node Node) ([]byte, error) {
	var payload []byte
	var err error
	view := func(tx *bbolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get(keyBytes(node.Key))
		if v == nil || len(v) < 1 {
			err = Errf(Internal, nil, "journal: read_node: entry vanished")
			return nil
		}
		payload = append([]byte{}, v[1:]...)
		return nil
	}
	if j.txn != nil {
		view(j.txn)
	} else {
		j.db.View(view)
	}
	return payload, err
}

// Walk iterates all VALID (non-TRANS) entries in key order.
func (j *Journal) Walk(fn func(Node) error) error {
	view := func(tx *bbolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 1 || v[0]&JFlagValid == 0 || v[0]&JFlagTrans != 0 {
				continue
			}
			n := Node{Key: binary.BigEndian.Uint64(k), Flags: v[0]}
			if err := fn(n); err != nil {
				return err
			}
		}
		return nil
	}
	if j.txn != nil {
		return view(j.txn)
	}
	return j.db.View(view)
}

// Update persists changed flag bits for node (e.g. clearing DIRTY after a
// zonefile sync).
func (j *Journal) Update(node Node) error {
	upd := func(tx *bbolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		v := b.Get(keyBytes(node.Key))
		if v == nil {
			return Errf(Internal, nil, "journal: update: entry vanished")
		}
		payload := append([]byte{}, v[1:]...)
		out := append([]byte{node.Flags}, payload...)
		return b.Put(keyBytes(node.Key), out)
	}
	if j.txn != nil {
		return upd(j.txn)
	}
	return j.db.Update(upd)
}

// evictIfNeeded signals BUSY when the next write would exceed sizeLimit. It
// never deletes anything itself: the write that would overflow the journal
// is refused outright, exactly as it arrived, so the caller can schedule an
// immediate flush (see onSyncBusy in pipeline.go) and retry the same store
// once EvictUpTo has reclaimed space during that flush. Must be called with
// a transaction already open.
func (j *Journal) evictIfNeeded(nextWrite int64) error {
	if j.sizeLimit <= 0 {
		return nil
	}
	b := j.txn.Bucket(entriesBucket)
	cur := journalByteSize(b)
	if cur+nextWrite > j.sizeLimit {
		return Errf(Busy, nil, "journal: size_limit exceeded, flush required")
	}
	return nil
}

// EvictUpTo drops VALID, non-TRANS entries whose serial_to is not newer
// than serial, reclaiming space now that those changes are captured in the
// on-disk zone file written by the sync pass that just completed. This is
// the only place entries are ever removed from the journal; a store that
// previously returned Busy can succeed once this runs.
func (j *Journal) EvictUpTo(serial uint32) error {
	upd := func(tx *bbolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 1 || v[0]&JFlagTrans != 0 {
				continue
			}
			n := Node{Key: binary.BigEndian.Uint64(k), Flags: v[0]}
			if n.SerialTo() == serial || SerialGreater(serial, n.SerialTo()) {
				if err := c.Delete(); err != nil {
					return Errf(Internal, err, "journal: evict")
				}
			}
		}
		return nil
	}
	if j.txn != nil {
		return upd(j.txn)
	}
	return j.db.Update(upd)
}

func journalByteSize(b *bbolt.Bucket) int64 {
	var total int64
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		total += int64(len(k) + len(v))
	}
	return total
}
