package qp

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/okulov/go-qp/qsbr"
)

// GCMode tells Compact how much work to do.
type GCMode uint8

const (
	// GCMaybe compacts only when the trie is fragmented enough to be
	// worth the effort.
	GCMaybe GCMode = iota
	// GCAll evacuates every chunk.
	GCAll
)

const (
	// chunks with fewer live cells than minUsed get evacuated by the
	// compactor
	minUsed = chunkSize / 4
	// free-cell count above which a trie counts as fragmented
	maxFree = chunkSize / 2
)

// Cumulative garbage collector timers, shared by every trie in the
// process. Updates are atomic adds; the totals are diagnostic.
var (
	compactTime  atomic.Int64
	recycleTime  atomic.Int64
	rollbackTime atomic.Int64
)

// GCTime returns the total time spent compacting, recycling and rolling
// back, summed over all tries in the process.
func GCTime() (compact, recycle, rollback time.Duration) {
	return time.Duration(compactTime.Load()),
		time.Duration(recycleTime.Load()),
		time.Duration(rollbackTime.Load())
}

// needGC reports whether enough cells are free to make compaction
// worthwhile.
func (qp *Trie) needGC() bool {
	return qp.freeCount > maxFree
}

// autoGC reports whether garbage has built up enough to compact right
// now. Cells held for readers of committed versions cannot be recovered
// yet, so they do not count.
func (qp *Trie) autoGC() bool {
	free := qp.freeCount - qp.holdCount
	threshold := qp.usedCount / 8
	if threshold < maxFree {
		threshold = maxFree
	}
	return free > threshold
}

func (qp *Trie) statsFields() []zap.Field {
	return []zap.Field{
		zap.String("trie", qp.methods.TrieName()),
		zap.Uint32("leaf", qp.leafCount),
		zap.Uint32("live", qp.usedCount-qp.freeCount),
		zap.Uint32("used", qp.usedCount),
		zap.Uint32("free", qp.freeCount),
		zap.Uint32("hold", qp.holdCount),
	}
}

// chunkUsage returns the number of cells of this chunk still in use.
func (qp *Trie) chunkUsage(chunk uint32) uint32 {
	return qp.usage[chunk].used - qp.usage[chunk].free
}

// chunkDiscount removes an empty chunk from the totals, when it is
// freed or when it is queued for deferred reclamation. The phase check
// stops a queued chunk being discounted a second time.
func (qp *Trie) chunkDiscount(chunk uint32) {
	if qp.usage[chunk].phase != 0 {
		return
	}
	if qp.usedCount < qp.usage[chunk].used ||
		qp.freeCount < qp.usage[chunk].free {
		panic("qp: chunk discount underflow")
	}
	qp.usedCount -= qp.usage[chunk].used
	qp.freeCount -= qp.usage[chunk].free
}

// chunkFree releases a chunk, detaching any leaves that remain and
// dropping the directory references of any committed-version anchors.
func (qp *Trie) chunkFree(chunk uint32) {
	cells := qp.base.ptr[chunk]
	for cell := uint32(0); cell < qp.usage[chunk].used; cell++ {
		n := &cells[cell]
		switch {
		case anchorValid(n):
			// pairs with the reference taken at commit
			anchorUnpack(n).base.unref()
		case !isBranch(n) && leafPval(n) != nil:
			qp.detachLeaf(n)
		}
	}
	qp.chunkDiscount(chunk)
	qp.base.ptr[chunk] = nil
	qp.usage[chunk] = usage{}
}

// recycle frees whatever chunks it can while the trie is in use.
func (qp *Trie) recycle() {
	start := time.Now()

	freed := 0
	for chunk := uint32(0); chunk < qp.chunkMax; chunk++ {
		if chunk != qp.bump && qp.chunkUsage(chunk) == 0 &&
			qp.usage[chunk].exists && !qp.usage[chunk].immutable {
			qp.chunkFree(chunk)
			freed++
		}
	}

	elapsed := time.Since(start)
	recycleTime.Add(int64(elapsed))

	if freed > 0 {
		qp.log.Debug("qp recycle", append(qp.statsFields(),
			zap.Int("chunks", freed),
			zap.Duration("elapsed", elapsed))...)
	}
}

// deferChunkReclamation marks empty but immutable chunks to be freed
// after a grace period, and reports whether any chunks now wait on one.
func (qp *Trie) deferChunkReclamation(phase qsbr.Phase) bool {
	reclaim := 0
	for chunk := uint32(0); chunk < qp.chunkMax; chunk++ {
		if chunk != qp.bump && qp.chunkUsage(chunk) == 0 &&
			qp.usage[chunk].exists && qp.usage[chunk].immutable &&
			qp.usage[chunk].phase == 0 {
			qp.chunkDiscount(chunk)
			qp.usage[chunk].phase = phase
			reclaim++
		}
	}
	if reclaim > 0 {
		qp.log.Debug("qp deferred reclamation",
			zap.String("trie", qp.methods.TrieName()),
			zap.Int("chunks", reclaim),
			zap.Uint8("phase", uint8(phase)))
	}
	return reclaim > 0
}

// reclaimChunks frees the chunks whose grace period has passed.
// Chunks pinned by a snapshot are flagged for the snapshot's destroy
// to sweep instead. It reports whether chunks from a later phase are
// still pending.
func (qp *Trie) reclaimChunks(phase qsbr.Phase) bool {
	start := time.Now()

	freed := 0
	more := false
	for chunk := uint32(0); chunk < qp.chunkMax; chunk++ {
		switch {
		case qp.usage[chunk].phase == phase:
			if qp.usage[chunk].snapshot {
				qp.usage[chunk].snapfree = true
			} else {
				qp.chunkFree(chunk)
				freed++
			}
		case qp.usage[chunk].phase != 0:
			more = true
		}
	}

	recycleTime.Add(int64(time.Since(start)))

	if freed > 0 {
		qp.log.Debug("qp reclaim", append(qp.statsFields(),
			zap.Int("chunks", freed),
			zap.Uint8("phase", uint8(phase)))...)
	}
	return more
}

// evacuate moves a branch node's twigs to the bump chunk, for
// copy-on-write or for compaction. The node itself is not updated in
// place, because compactRecursive does not ensure the node is mutable
// until after it discovers evacuation was necessary. When freeTwigs
// could not destroy the old twigs immediately, the duplicated leaves
// need re-attaching.
func (qp *Trie) evacuate(n *node) ref {
	size := branchTwigsSize(n)
	oldRef := branchTwigsRef(n)
	newRef := qp.allocTwigs(size)

	moveTwigs(qp.twigs(newRef, size), qp.twigs(oldRef, size))
	if !qp.freeTwigs(oldRef, size) {
		qp.attachTwigs(qp.twigs(newRef, size))
	}
	return newRef
}

// Immutable nodes need copy-on-write. While walking down the trie to
// the place to modify, makeRootMutable and makeTwigsMutable copy every
// immutable node on the path into a mutable chunk.

func (qp *Trie) makeRootMutable() *node {
	if qp.cellsImmutable(qp.rootRef) {
		qp.rootRef = qp.evacuate(qp.movableRoot())
	}
	return qp.refPtr(qp.rootRef)
}

func (qp *Trie) makeTwigsMutable(n *node) {
	if qp.cellsImmutable(branchTwigsRef(n)) {
		*n = makeNode(branchIndex(n), qp.evacuate(n))
	}
}

// compactRecursive walks the whole trie, copying bottom-up as required.
// The aim is to avoid evacuation as much as possible, but when parts of
// the trie are immutable, the paths from the root down to the fragments
// being recovered must be evacuated too.
//
// Without the minUsed check the walk leaves the trie unchanged: if the
// children are all leaves, the loop changes nothing, and if no child
// branch moved, again nothing changes. The evacuation check is the only
// source of ref changes, which then bubble up toward the root through
// the loop.
func (qp *Trie) compactRecursive(parent *node) ref {
	size := branchTwigsSize(parent)
	twigsRef := branchTwigsRef(parent)
	chunk := refChunk(twigsRef)
	if qp.compactAll ||
		(chunk != qp.bump && qp.chunkUsage(chunk) < minUsed) {
		twigsRef = qp.evacuate(parent)
	}
	immutable := qp.cellsImmutable(twigsRef)
	for pos := 0; pos < size; pos++ {
		child := &qp.twigs(twigsRef, size)[pos]
		if !isBranch(child) {
			continue
		}
		oldGrandtwigs := branchTwigsRef(child)
		newGrandtwigs := qp.compactRecursive(child)
		if oldGrandtwigs == newGrandtwigs {
			continue
		}
		if immutable {
			twigsRef = qp.evacuate(parent)
			// the twigs have moved
			child = &qp.twigs(twigsRef, size)[pos]
			immutable = false
		}
		*child = makeNode(branchIndex(child), newGrandtwigs)
	}
	return twigsRef
}

func (qp *Trie) compact() {
	qp.log.Debug("qp compact start", qp.statsFields()...)
	start := time.Now()

	if qp.usage[qp.bump].free > maxFree {
		qp.allocReset()
	}
	if qp.leafCount > 0 {
		qp.rootRef = qp.compactRecursive(qp.movableRoot())
	}
	qp.compactAll = false

	elapsed := time.Since(start)
	compactTime.Add(int64(elapsed))

	qp.log.Debug("qp compact done", append(qp.statsFields(),
		zap.Duration("elapsed", elapsed))...)
}

// Compact reorganizes the trie to recover space in fragmented chunks.
func (qp *Trie) Compact(mode GCMode) {
	if mode == GCMaybe && !qp.needGC() {
		return
	}
	if mode == GCAll {
		qp.compactAll = true
	}
	qp.compact()
	qp.recycle()
}

// squashTwigs frees some twigs and, if they were destroyed immediately
// so that the garbage total could have changed, compacts the trie when
// it has accumulated enough garbage. DeleteKey satisfies freeTwigs'
// attach/detach obligations by going through makeTwigsMutable first;
// growBranch attaches the duplicated leaves itself when the old twigs
// were not destroyed.
func (qp *Trie) squashTwigs(twigs ref, size int) bool {
	destroyed := qp.freeTwigs(twigs, size)
	if destroyed && qp.autoGC() {
		qp.compact()
		qp.recycle()
		// This shouldn't happen when the collector is keeping up.
		// Recovery costs some time and space, but less than letting
		// compact and recycle fail over and over.
		if qp.autoGC() {
			qp.log.Warn("qp compact/recycle failed to recover "+
				"any space, scheduling a full compaction",
				zap.String("trie", qp.methods.TrieName()))
			qp.compactAll = true
		}
	}
	return destroyed
}
