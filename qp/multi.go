package qp

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/okulov/go-qp/qsbr"
)

// Multi is a qp-trie safe for concurrent use: one writer at a time,
// serialized by a mutex, and any number of readers that never block the
// writer and are never blocked by it. Committed versions are published
// by an atomic store and their chunks reclaimed after a qsbr grace
// period.
type Multi struct {
	mu     sync.Mutex
	writer Trie

	// the anchor cell of the last committed version
	reader    atomic.Pointer[node]
	readerRef ref

	rollback  *Trie
	snapshots []*Snap

	qsbr  *qsbr.Manager
	stack *multiStack

	next   *Multi // reclamation work list link
	queued bool
}

// NewMulti creates a concurrent trie. The qsbr manager decides when
// chunks retired by commits are safe to free; every reader goroutine
// must be a registered worker of the same manager.
func NewMulti(methods Methods, manager *qsbr.Manager, log *zap.Logger) *Multi {
	multi := &Multi{
		readerRef: invalidRef,
		qsbr:      manager,
		stack:     workStack(manager),
	}
	qp := &multi.writer
	qp.init(methods, log)
	// Do not waste a bump chunk that the first transaction would
	// throw away: Update always resets the allocator, and pretending
	// the last transaction was an update makes Write do the same.
	qp.mode = modeUpdate
	return multi
}

// Destroy frees the trie. When chunks are still waiting on a grace
// period the destroy is deferred to the reclamation callback.
func (multi *Multi) Destroy() {
	if multi.rollback != nil {
		panic("qp: Destroy with an open transaction")
	}
	if len(multi.snapshots) != 0 {
		panic("qp: Destroy with live snapshots")
	}

	multi.mu.Lock()
	defer multi.mu.Unlock()
	if multi.queued {
		multi.writer.destroy = true
		return
	}
	multi.writer.destroyGuts()
}

/*
 * committed-version anchors
 */

// An anchor cell occupies this many cells of the bump chunk.
const readerSize = 1

// readerAnchor is the pval of an anchor cell: everything a reader
// needs to use the trie version committed by that anchor.
type readerAnchor struct {
	whence  *Multi
	base    *qpbase
	rootRef ref
}

func makeAnchor(n *node, multi *Multi) {
	qp := &multi.writer
	*n = node{
		bitpack: anchorBits,
		pval: &readerAnchor{
			whence:  multi,
			base:    qp.base,
			rootRef: qp.rootRef,
		},
	}
}

// anchorValid distinguishes an anchor cell from branches, leaves and
// freed cells: only an anchor has the branch tag with an empty bitmap.
func anchorValid(n *node) bool {
	return n.bitpack == anchorBits
}

func anchorUnpack(n *node) *readerAnchor {
	return n.pval.(*readerAnchor)
}

// readerOpen fills r with the last committed version. Before the first
// commit it yields an empty trie.
func (multi *Multi) readerOpen(r *reader) {
	// Commit has the matching release store
	n := multi.reader.Load()
	if n == nil {
		*r = reader{rootRef: invalidRef, methods: multi.writer.methods}
		return
	}
	a := anchorUnpack(n)
	if a.whence != multi {
		panic("qp: anchor belongs to another trie")
	}
	*r = reader{base: a.base, rootRef: a.rootRef, methods: multi.writer.methods}
}

/*
 * read-only access
 */

// Read is a light read-only view of the last committed version.
//
// The caller's goroutine must be a registered worker of the Multi's
// qsbr manager, and must stop using the Read before its next Quiescent
// report; the chunks backing the view may be freed after that.
type Read struct {
	reader
}

// Query returns the last committed version of the trie.
func (multi *Multi) Query() Read {
	var r Read
	multi.readerOpen(&r.reader)
	return r
}

// Snap is a heavy, long-lived read-only view. It pins the chunks of
// its version until destroyed, independent of qsbr grace periods, so
// it may be used from any goroutine for any length of time.
type Snap struct {
	reader
	whence   *Multi
	chunkMax uint32
}

// Snapshot takes a Snap of the last committed version.
func (multi *Multi) Snapshot() *Snap {
	multi.mu.Lock()
	defer multi.mu.Unlock()

	qpw := &multi.writer
	s := &Snap{whence: multi}
	multi.readerOpen(&s.reader)

	// A private chunk directory holding only the live chunks, so
	// SnapDestroy can see exactly what this snapshot pinned.
	base := &qpbase{ptr: make([][]node, qpw.chunkMax)}
	s.chunkMax = qpw.chunkMax
	for chunk := uint32(0); chunk < qpw.chunkMax; chunk++ {
		if qpw.usage[chunk].exists && qpw.chunkUsage(chunk) > 0 {
			qpw.usage[chunk].snapshot = true
			base.ptr[chunk] = qpw.base.ptr[chunk]
		}
	}
	s.base = base

	multi.snapshots = append(multi.snapshots, s)
	return s
}

// SnapDestroy releases a snapshot and sweeps out any chunks that were
// waiting for it.
func (multi *Multi) SnapDestroy(s *Snap) {
	multi.mu.Lock()
	defer multi.mu.Unlock()

	if s.whence != multi {
		panic("qp: snapshot destroyed on the wrong trie")
	}
	for i, q := range multi.snapshots {
		if q == s {
			multi.snapshots = append(multi.snapshots[:i],
				multi.snapshots[i+1:]...)
			break
		}
	}

	// Eagerly reclaim chunks that are now unused, so memory does not
	// accumulate when a trie gets a lot of updates and snapshots.
	multi.marksweepChunks()

	s.base = nil
	s.whence = nil
}

// marksweepChunks re-marks the chunks the remaining snapshots still
// pin, then frees the chunks whose reclamation was blocked on a
// snapshot that has gone away.
func (multi *Multi) marksweepChunks() {
	start := time.Now()
	qpw := &multi.writer

	for _, s := range multi.snapshots {
		for chunk := uint32(0); chunk < s.chunkMax; chunk++ {
			if s.base.ptr[chunk] != nil {
				qpw.usage[chunk].snapmark = true
			}
		}
	}

	freed := 0
	for chunk := uint32(0); chunk < qpw.chunkMax; chunk++ {
		qpw.usage[chunk].snapshot = qpw.usage[chunk].snapmark
		qpw.usage[chunk].snapmark = false
		if qpw.usage[chunk].snapfree && !qpw.usage[chunk].snapshot {
			qpw.chunkFree(chunk)
			freed++
		}
	}

	recycleTime.Add(int64(time.Since(start)))

	if freed > 0 {
		qpw.log.Debug("qp marksweep", append(qpw.statsFields(),
			zap.Int("chunks", freed))...)
	}
}

/*
 * read-write transactions
 */

// transactionOpen locks the writer and seals every existing chunk.
func (multi *Multi) transactionOpen() *Trie {
	multi.mu.Lock()
	qp := &multi.writer

	// The bump chunk is special: across a series of write
	// transactions it is reused, with cells below fender committed
	// and the rest mutable. Its immutable flag is set anyway, so
	// that when it fills up and allocation moves on, the committed
	// part keeps being treated as immutable. (So does the rest of
	// the chunk, which is harmless.)
	for chunk := uint32(0); chunk < qp.chunkMax; chunk++ {
		if qp.usage[chunk].exists {
			qp.usage[chunk].immutable = true
		}
	}

	// free space in immutable chunks cannot be recovered, so it must
	// not count toward the automatic compaction trigger
	qp.holdCount = qp.freeCount

	return qp
}

// Write opens a light transaction. After a previous Write, allocation
// continues in the current bump chunk, with the fender keeping the
// committed cells below it intact; otherwise it starts in a fresh bump
// chunk. The returned Trie must be finished with Commit.
func (multi *Multi) Write() *Trie {
	qp := multi.transactionOpen()
	if qp.mode == modeWrite {
		qp.fender = qp.usage[qp.bump].used
	} else {
		qp.allocReset()
	}
	qp.mode = modeWrite
	return qp
}

// Update opens a heavy transaction that can be rolled back. Allocation
// always starts in a fresh bump chunk, so the fender is always zero,
// and on commit the bump chunk is shrunk to its used cells.
//
// The rollback state is a copy of the whole writer except the chunks
// themselves: the allocation counters, the usage array and a reference
// to the chunk directory. It is taken after the chunks are sealed, so a
// rolled-back writer still knows which chunks are immutable, but before
// the allocator reset, so the next transaction resets it again itself.
func (multi *Multi) Update() *Trie {
	qp := multi.transactionOpen()
	qp.mode = modeUpdate

	rollback := &Trie{}
	*rollback = *qp
	// base can be nil before the first transaction
	if rollback.base != nil {
		// paired with Commit or Rollback
		rollback.base.refs.Add(1)
		rollback.usage = make([]usage, qp.chunkMax)
		copy(rollback.usage, qp.usage)
	}
	if multi.rollback != nil {
		panic("qp: transaction already open")
	}
	multi.rollback = rollback

	qp.allocReset()
	return qp
}

// Commit publishes the transaction's version of the trie and retires
// the chunks of versions no reader can reach any more.
func (multi *Multi) Commit(qp *Trie) {
	if qp != &multi.writer {
		panic("qp: Commit of a foreign trie")
	}
	if qp.mode != modeWrite && qp.mode != modeUpdate {
		panic("qp: Commit outside a transaction")
	}

	if qp.mode == modeUpdate {
		if multi.rollback == nil {
			panic("qp: update transaction lost its rollback state")
		}
		// paired with Update
		if multi.rollback.base != nil {
			multi.rollback.base.unref()
		}
		multi.rollback = nil
	}

	// not the first commit?
	if multi.readerRef != invalidRef {
		if !qp.cellsImmutable(multi.readerRef) {
			panic("qp: committed anchor in a mutable chunk")
		}
		qp.freeTwigs(multi.readerRef, readerSize)
	}

	if qp.mode == modeUpdate {
		// minimize the memory held by the committed version
		qp.compact()
		multi.readerRef = qp.allocTwigs(readerSize)
		qp.chunkShrink(qp.bump)
	} else {
		multi.readerRef = qp.allocTwigs(readerSize)
	}

	// anchor the new version of the trie
	anchor := qp.refPtr(multi.readerRef)
	makeAnchor(anchor, multi)
	// paired with chunkFree
	qp.base.refs.Add(1)

	// readerOpen has the matching acquire load
	multi.reader.Store(anchor) // COMMIT

	// clean up what we can right now
	if qp.mode == modeUpdate || qp.needGC() {
		qp.recycle()
	}

	// the reclamation phase must be sampled after the commit
	phase := multi.qsbr.Phase()
	if qp.deferChunkReclamation(phase) {
		if !multi.queued {
			multi.queued = true
			multi.stack.push(multi)
		}
		multi.qsbr.Activate(phase)
	}

	multi.mu.Unlock()
}

// Rollback throws away everything an update transaction allocated and
// restores the writer to its state before Update.
func (multi *Multi) Rollback(qp *Trie) {
	if qp != &multi.writer || qp.mode != modeUpdate {
		panic("qp: Rollback outside an update transaction")
	}
	if multi.rollback == nil {
		panic("qp: update transaction lost its rollback state")
	}

	start := time.Now()

	freed := 0
	for chunk := uint32(0); chunk < qp.chunkMax; chunk++ {
		if qp.base.ptr[chunk] != nil && !qp.usage[chunk].immutable {
			qp.chunkFree(chunk)
			// clear its entry in the rollback directory too, in
			// case the arrays were resized during the transaction
			// and the rollback state holds the older directory
			if chunk < multi.rollback.chunkMax {
				if multi.rollback.usage[chunk].exists {
					panic("qp: mutable chunk existed before the transaction")
				}
				if multi.rollback.base != nil {
					multi.rollback.base.ptr[chunk] = nil
				}
			}
			freed++
		}
	}

	// the writer and the rollback state share a chunk directory,
	// unless the arrays were resized during the transaction
	qp.baseUnref() // paired with Update
	*qp = *multi.rollback
	multi.rollback = nil

	elapsed := time.Since(start)
	rollbackTime.Add(int64(elapsed))

	qp.log.Debug("qp rollback",
		zap.String("trie", qp.methods.TrieName()),
		zap.Int("chunks", freed),
		zap.Duration("elapsed", elapsed))

	multi.mu.Unlock()
}

/*
 * deferred reclamation work
 */

// A multiStack queues Multis that have chunks waiting on a grace
// period. One stack exists per qsbr manager, with one registered
// reclamation callback; pushes are lock-free so they cannot deadlock
// with the callback draining the stack.
type multiStack struct {
	head atomic.Pointer[Multi]
}

var (
	workMu sync.Mutex
	work   = map[*qsbr.Manager]*multiStack{}
)

func workStack(manager *qsbr.Manager) *multiStack {
	workMu.Lock()
	defer workMu.Unlock()
	s := work[manager]
	if s == nil {
		s = &multiStack{}
		work[manager] = s
		manager.Register(s.reclaim)
	}
	return s
}

func (s *multiStack) push(multi *Multi) {
	for {
		head := s.head.Load()
		multi.next = head
		if s.head.CompareAndSwap(head, multi) {
			return
		}
	}
}

// reclaim runs when a grace period has passed: it frees what chunks it
// can in every queued Multi, requeueing those with chunks from a later
// phase, and finishes any deferred destroys.
func (s *multiStack) reclaim(phase qsbr.Phase) {
	drain := s.head.Swap(nil)
	for multi := drain; multi != nil; {
		multi.mu.Lock()
		next := multi.next
		multi.next = nil
		multi.queued = false

		if multi.writer.destroy {
			multi.writer.destroyGuts()
			multi.mu.Unlock()
		} else {
			if multi.writer.reclaimChunks(phase) {
				// more to do on a later callback
				multi.queued = true
				s.push(multi)
			}
			multi.mu.Unlock()
		}
		multi = next
	}
}
