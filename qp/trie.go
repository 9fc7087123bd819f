package qp

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrExists is returned by Insert when the key is already present.
	ErrExists = errors.New("qp: key already exists")
	// ErrNotFound is returned by lookups and deletes for missing keys.
	ErrNotFound = errors.New("qp: key not found")
)

// Methods is the leaf vtable: it ties user values to the trie. Attach
// and Detach maintain the value's external reference count as the trie
// duplicates and destroys cells during copy-on-write. MakeKey
// regenerates the value's lookup key into the provided buffer (at least
// MaxKeyLen bytes) and returns its length; the trie does not store
// keys, it recovers them from leaves on demand.
type Methods interface {
	Attach(pval any)
	Detach(pval any)
	MakeKey(key []byte, pval any, ival uint32) int
	TrieName() string
}

// txMode records what kind of transaction last touched a writer, which
// decides how the next one treats the bump chunk.
type txMode uint8

const (
	modeNone   txMode = iota // standalone trie, no transactions
	modeWrite                // light transaction, bump chunk reused
	modeUpdate               // heavy transaction, fresh bump chunk
)

// reader is the common read-only view of a trie version: the chunk
// directory, the root reference, and the leaf vtable. Trie, Read and
// Snap all embed it, so lookups work identically on each.
type reader struct {
	base    *qpbase
	rootRef ref
	methods Methods
}

// Trie is a single-threaded qp-trie, also the writer half of a Multi.
type Trie struct {
	reader

	usage    []usage
	chunkMax uint32
	bump     uint32 // chunk new cells are allocated from
	fender   uint32 // cells below this in the bump chunk are committed

	leafCount uint32
	usedCount uint32
	freeCount uint32
	holdCount uint32 // free cells pinned by readers of old versions

	mode       txMode
	compactAll bool
	destroy    bool

	log *zap.Logger
}

func (qp *Trie) init(methods Methods, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	*qp = Trie{
		reader: reader{rootRef: invalidRef, methods: methods},
		log:    log,
	}
}

// New creates a standalone single-threaded trie. A nil logger disables
// the garbage collector's stats logging.
func New(methods Methods, log *zap.Logger) *Trie {
	qp := &Trie{}
	qp.init(methods, log)
	qp.allocReset()
	return qp
}

// Destroy frees all chunks, detaching every remaining leaf.
func (qp *Trie) Destroy() {
	if qp.mode != modeNone {
		panic("qp: Destroy on the writer of a Multi")
	}
	qp.destroyGuts()
}

func (qp *Trie) destroyGuts() {
	if qp.chunkMax == 0 {
		return
	}
	for chunk := uint32(0); chunk < qp.chunkMax; chunk++ {
		if qp.base.ptr[chunk] != nil {
			qp.chunkFree(chunk)
		}
	}
	if qp.usedCount != 0 || qp.freeCount != 0 {
		panic("qp: cell counts nonzero after destroy")
	}
	if qp.base.refs.Load() != 1 {
		panic("qp: chunk directory still referenced after destroy")
	}
	qp.base = nil
	qp.usage = nil
	qp.chunkMax = 0
}

// leafKey regenerates a leaf's key into the buffer.
func (r *reader) leafKey(n *node, key []byte) int {
	return r.methods.MakeKey(key, leafPval(n), leafIval(n))
}

// movableRoot wraps the root reference in a synthetic one-twig branch,
// so the root cell can be evacuated and compacted by the same code that
// handles ordinary twig vectors.
func (qp *Trie) movableRoot() *node {
	n := makeNode(branchTag|uint64(1)<<shiftNobyte, qp.rootRef)
	return &n
}

// Insert adds a leaf for (pval, ival) under the key generated by the
// vtable. It returns ErrExists when the key is already present.
func (qp *Trie) Insert(pval any, ival uint32) error {
	newLeaf := makeLeaf(pval, ival)
	var newKey [MaxKeyLen]byte
	newKeylen := qp.leafKey(&newLeaf, newKey[:])

	// first leaf in an empty trie?
	if qp.leafCount == 0 {
		r := qp.allocTwigs(1)
		n := qp.refPtr(r)
		*n = newLeaf
		qp.attachLeaf(n)
		qp.leafCount++
		qp.rootRef = r
		return nil
	}

	// Search down to any nearby leaf, even when the key is missing
	// from a branch: all keys below a branch agree up to the branch's
	// offset, so any twig leads to a leaf with the longest matching
	// prefix. Position 0 avoids indexing past the twig vector when
	// our shift is above every set bit.
	n := qp.refPtr(qp.rootRef)
	for isBranch(n) {
		bit := branchKeybit(n, newKey[:], newKeylen)
		pos := 0
		if branchHasTwig(n, bit) {
			pos = branchTwigPos(n, bit)
		}
		n = &qp.branchTwigsVector(n)[pos]
	}

	// do the keys differ, and if so, where?
	var oldKey [MaxKeyLen]byte
	oldKeylen := qp.leafKey(n, oldKey[:])
	offset := keyCompare(newKey[:], newKeylen, oldKey[:], oldKeylen)
	if offset == keyEqual {
		return ErrExists
	}
	newBit := keyBit(newKey[:], newKeylen, offset)
	oldBit := keyBit(oldKey[:], oldKeylen, offset)

	// find where to insert a branch or grow an existing branch
	n = qp.makeRootMutable()
	for isBranch(n) && offset >= branchKeyOffset(n) {
		if offset == branchKeyOffset(n) {
			qp.growBranch(n, newLeaf, newBit)
			return nil
		}
		qp.makeTwigsMutable(n)
		bit := branchKeybit(n, newKey[:], newKeylen)
		if !branchHasTwig(n, bit) {
			panic("qp: lost the insertion path")
		}
		n = qp.branchTwigPtr(n, bit)
	}
	qp.newBranch(n, newLeaf, offset, newBit, oldBit)
	return nil
}

// newBranch replaces the node at n with a two-twig branch holding the
// old node and the new leaf, ordered by their shifts at offset.
func (qp *Trie) newBranch(n *node, newLeaf node, offset int, newBit, oldBit byte) {
	newRef := qp.allocTwigs(2)
	newTwigs := qp.twigs(newRef, 2)

	oldNode := *n

	index := branchTag | uint64(1)<<newBit | uint64(1)<<oldBit |
		uint64(offset)<<shiftOffset
	*n = makeNode(index, newRef)

	if newBit < oldBit {
		newTwigs[0] = newLeaf
		newTwigs[1] = oldNode
	} else {
		newTwigs[0] = oldNode
		newTwigs[1] = newLeaf
	}

	qp.attachLeaf(&newLeaf)
	qp.leafCount++
}

// growBranch widens the twig vector of the branch at n by one, slotting
// the new leaf in at its bitmap rank.
func (qp *Trie) growBranch(n *node, newLeaf node, newBit byte) {
	if branchHasTwig(n, newBit) {
		panic("qp: growing a branch that already has the twig")
	}

	oldSize := branchTwigsSize(n)
	newSize := oldSize + 1
	oldRef := branchTwigsRef(n)
	newRef := qp.allocTwigs(newSize)
	oldTwigs := qp.twigs(oldRef, oldSize)
	newTwigs := qp.twigs(newRef, newSize)

	*n = makeNode(branchIndex(n)|uint64(1)<<newBit, newRef)

	pos := branchTwigPos(n, newBit)
	moveTwigs(newTwigs[:pos], oldTwigs[:pos])
	newTwigs[pos] = newLeaf
	moveTwigs(newTwigs[pos+1:], oldTwigs[pos:])

	if qp.squashTwigs(oldRef, oldSize) {
		// old twigs destroyed, only attach to the new leaf
		qp.attachLeaf(&newLeaf)
	} else {
		// old twigs duplicated, attach to all leaves
		qp.attachTwigs(newTwigs)
	}
	qp.leafCount++
}

// DeleteKey removes the leaf with exactly this key. A branch left with
// one twig is collapsed into its parent; wider branches shrink their
// twig vector in place so the bump chunk is not consumed by churn.
func (qp *Trie) DeleteKey(searchKey Key) error {
	if qp.getRoot() == nil {
		return ErrNotFound
	}

	var (
		parent *node
		bit    byte
	)
	n := qp.makeRootMutable()
	for isBranch(n) {
		bit = branchKeybit(n, searchKey, len(searchKey))
		if !branchHasTwig(n, bit) {
			return ErrNotFound
		}
		qp.makeTwigsMutable(n)
		parent = n
		n = qp.branchTwigPtr(n, bit)
	}

	var foundKey [MaxKeyLen]byte
	foundKeylen := qp.leafKey(n, foundKey[:])
	if keyCompare(searchKey, len(searchKey), foundKey[:], foundKeylen) != keyEqual {
		return ErrNotFound
	}

	qp.detachLeaf(n)
	qp.leafCount--

	// trie becomes empty
	if qp.leafCount == 0 {
		if parent != nil {
			panic("qp: empty trie still has a branch")
		}
		qp.freeTwigs(qp.rootRef, 1)
		qp.rootRef = invalidRef
		return nil
	}

	// step back to the parent branch
	n = parent
	size := branchTwigsSize(n)
	pos := branchTwigPos(n, bit)
	r := branchTwigsRef(n)
	twigs := qp.twigs(r, size)

	if size == 2 {
		// move the surviving twig up into the parent
		*n = twigs[1-pos]
		qp.squashTwigs(r, 2)
	} else {
		*n = makeNode(branchIndex(n)&^(uint64(1)<<bit), r)
		moveTwigs(twigs[pos:size-1], twigs[pos+1:])
		qp.squashTwigs(r+ref(size)-1, 1)
	}
	return nil
}

// DeleteName removes the leaf for a DNS name.
func (qp *Trie) DeleteName(name *Name) error {
	var key [MaxKeyLen]byte
	klen := KeyFromName(key[:], name)
	return qp.DeleteKey(key[:klen])
}

// GetKey finds the leaf with exactly this key.
func (r *reader) GetKey(searchKey Key) (any, uint32, error) {
	n := r.getRoot()
	if n == nil {
		return nil, 0, ErrNotFound
	}

	for isBranch(n) {
		bit := branchKeybit(n, searchKey, len(searchKey))
		if !branchHasTwig(n, bit) {
			return nil, 0, ErrNotFound
		}
		n = r.branchTwigPtr(n, bit)
	}

	var foundKey [MaxKeyLen]byte
	foundKeylen := r.leafKey(n, foundKey[:])
	if keyCompare(searchKey, len(searchKey), foundKey[:], foundKeylen) != keyEqual {
		return nil, 0, ErrNotFound
	}
	return leafPval(n), leafIval(n), nil
}

// GetName finds the leaf for a DNS name.
func (r *reader) GetName(name *Name) (any, uint32, error) {
	var key [MaxKeyLen]byte
	klen := KeyFromName(key[:], name)
	return r.GetKey(key[:klen])
}

// walkLeaves visits every leaf in key order.
func (r *reader) walkLeaves(visit func(n *node)) {
	if n := r.getRoot(); n != nil {
		r.walkNode(n, visit)
	}
}

func (r *reader) walkNode(n *node, visit func(n *node)) {
	if !isBranch(n) {
		visit(n)
		return
	}
	twigs := r.branchTwigsVector(n)
	for pos := range twigs {
		r.walkNode(&twigs[pos], visit)
	}
}
