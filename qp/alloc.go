package qp

import (
	"sync/atomic"

	"github.com/okulov/go-qp/qsbr"
)

// qpbase is the chunk directory: the map from chunk numbers to chunk
// storage. Committed readers and snapshots hold references to the
// directory instance that was current when they were taken, so the
// writer may only resize it in place while it is the sole holder.
type qpbase struct {
	refs atomic.Int32
	ptr  [][]node
}

// unref drops one reference and reports whether it was the last.
func (b *qpbase) unref() bool {
	n := b.refs.Add(-1)
	if n < 0 {
		panic("qp: chunk directory refcount underflow")
	}
	return n == 0
}

// usage carries the writer's per-chunk bookkeeping. It lives in an array
// parallel to the chunk directory and is never shared with readers.
type usage struct {
	used uint32 // high-water mark of allocated cells
	free uint32 // cells freed below the high-water mark

	exists    bool
	immutable bool // sealed by a previous commit

	// snapshot mark-sweep state
	snapshot bool
	snapmark bool
	snapfree bool

	// SMR phase this chunk was queued for reclamation in, 0 if none
	phase qsbr.Phase
}

// cellsImmutable reports whether the cells at ref may not be modified.
// The bump chunk is special: when it is reused across a series of write
// transactions, cells below the fender belong to committed versions.
func (qp *Trie) cellsImmutable(r ref) bool {
	chunk := refChunk(r)
	if chunk == qp.bump {
		return refCell(r) < qp.fender
	}
	return qp.usage[chunk].immutable
}

// chunkAlloc creates a fresh bump chunk in a known-empty slot and
// allocates the first size cells from it.
func (qp *Trie) chunkAlloc(chunk uint32, size int) ref {
	if qp.base.ptr[chunk] != nil || qp.usage[chunk].used != 0 ||
		qp.usage[chunk].free != 0 {
		panic("qp: chunk slot not empty")
	}

	qp.base.ptr[chunk] = make([]node, chunkSize)
	qp.usage[chunk] = usage{exists: true, used: uint32(size)}
	qp.usedCount += uint32(size)
	qp.bump = chunk
	qp.fender = 0

	return makeRef(chunk, 0)
}

// growChunkArrays widens the chunk directory and the usage array. If the
// directory is shared with readers we must leave their copy alone and
// install a fresh one; otherwise we can resize in place.
func (qp *Trie) growChunkArrays(newMax uint32) {
	if qp.base == nil {
		qp.base = &qpbase{}
	}
	if qp.base.ptr == nil || qp.baseUnref() {
		ptr := make([][]node, newMax)
		copy(ptr, qp.base.ptr)
		qp.base.ptr = ptr
	} else {
		newbase := &qpbase{ptr: make([][]node, newMax)}
		copy(newbase.ptr, qp.base.ptr)
		qp.base = newbase
	}
	qp.base.refs.Store(1)

	// the usage array is exclusive to the writer
	newusage := make([]usage, newMax)
	copy(newusage, qp.usage)
	qp.usage = newusage

	qp.chunkMax = newMax
}

func (qp *Trie) baseUnref() bool {
	return qp.base.unref()
}

// growthFactor doubles the chunk directory when it fills up.
func growthFactor(max uint32) uint32 {
	if max == 0 {
		return 2
	}
	return max * 2
}

// allocSlow finds a place for a fresh bump chunk, growing the chunk
// arrays when every slot is taken.
func (qp *Trie) allocSlow(size int) ref {
	for chunk := uint32(0); chunk < qp.chunkMax; chunk++ {
		if !qp.usage[chunk].exists {
			return qp.chunkAlloc(chunk, size)
		}
	}
	chunk := qp.chunkMax
	qp.growChunkArrays(growthFactor(chunk))
	return qp.chunkAlloc(chunk, size)
}

// allocReset ensures the next allocation comes from a fresh bump chunk.
func (qp *Trie) allocReset() {
	qp.allocSlow(0)
}

// allocTwigs allocates a contiguous run of fresh cells. The fast path
// bumps the current chunk's high-water mark.
func (qp *Trie) allocTwigs(size int) ref {
	var (
		chunk = qp.bump
		cell  = qp.usage[chunk].used
	)
	if cell+uint32(size) <= chunkSize {
		qp.usage[chunk].used += uint32(size)
		qp.usedCount += uint32(size)
		return makeRef(chunk, cell)
	}
	return qp.allocSlow(size)
}

// freeTwigs records that cells are no longer in use. Mutable cells are
// zeroed immediately so a later recycle cannot double-detach their
// leaves; immutable cells may still be traversed by readers, so they are
// only counted, and the caller learns the twigs were duplicated rather
// than destroyed.
func (qp *Trie) freeTwigs(twigs ref, size int) bool {
	chunk := refChunk(twigs)

	qp.freeCount += uint32(size)
	qp.usage[chunk].free += uint32(size)
	if qp.freeCount > qp.usedCount ||
		qp.usage[chunk].free > qp.usage[chunk].used {
		panic("qp: freed more cells than were allocated")
	}

	if qp.cellsImmutable(twigs) {
		qp.holdCount += uint32(size)
		if qp.holdCount > qp.freeCount {
			panic("qp: hold count exceeds free count")
		}
		return false
	}
	zeroTwigs(qp.twigs(twigs, size))
	return true
}

// attachTwigs bumps the external refcount of every leaf in a twig vector
// that was duplicated by copy-on-write.
func (qp *Trie) attachTwigs(twigs []node) {
	for pos := range twigs {
		n := &twigs[pos]
		if !isBranch(n) {
			qp.attachLeaf(n)
		}
	}
}

func (qp *Trie) attachLeaf(n *node) {
	qp.methods.Attach(leafPval(n))
}

func (qp *Trie) detachLeaf(n *node) {
	qp.methods.Detach(leafPval(n))
}

// chunkShrink trims the bump chunk's backing storage to its used cells,
// so a committed update does not pin a mostly empty chunk.
func (qp *Trie) chunkShrink(chunk uint32) {
	used := qp.usage[chunk].used
	trimmed := make([]node, used)
	copy(trimmed, qp.base.ptr[chunk][:used])
	qp.base.ptr[chunk] = trimmed
}

// refPtr resolves a cell reference against the chunk directory.
func (r *reader) refPtr(rf ref) *node {
	return &r.base.ptr[refChunk(rf)][refCell(rf)]
}

// twigs returns the cell run starting at rf.
func (r *reader) twigs(rf ref, size int) []node {
	cell := refCell(rf)
	return r.base.ptr[refChunk(rf)][cell : cell+uint32(size)]
}

// branchTwigsVector returns a branch's child vector.
func (r *reader) branchTwigsVector(n *node) []node {
	return r.twigs(branchTwigsRef(n), branchTwigsSize(n))
}

// branchTwigPtr returns the twig a key's shift selects.
func (r *reader) branchTwigPtr(n *node, bit byte) *node {
	return &r.branchTwigsVector(n)[branchTwigPos(n, bit)]
}

// getRoot returns the root node, or nil for an empty trie.
func (r *reader) getRoot() *node {
	if r.base == nil || r.rootRef == invalidRef {
		return nil
	}
	return r.refPtr(r.rootRef)
}
