package qp

import (
	"github.com/hideo55/go-popcount"
)

const (
	branchTag uint64 = 1 << 0 // bit 0: 1 - branch, 0 - leaf

	ivalOffset = 32 // leaf ival lives in the top half of the bitpack

	// bits [shiftNobyte, shiftOffset) of a branch bitpack form the
	// twig bitmap; the key offset is packed above it
	bitmapMask uint64 = (1<<shiftOffset - 1) &^ branchTag

	// anchorBits marks a reader anchor cell: the branch tag with an
	// empty bitmap, which no real branch can have
	anchorBits uint64 = branchTag
)

// node is one cell of the trie. A cell is either a leaf, a branch, a
// reader anchor, or zero (free). Cells are plain values: moving a node
// is a copy, which is what makes chunk evacuation cheap.
type node struct {
	bitpack uint64
	ref     ref // branch: location of the twig vector
	pval    any // leaf: user value; anchor: *readerAnchor
}

func makeLeaf(pval any, ival uint32) node {
	return node{bitpack: uint64(ival) << ivalOffset, pval: pval}
}

func makeNode(bitpack uint64, r ref) node {
	return node{bitpack: bitpack, ref: r}
}

func isBranch(n *node) bool {
	return n.bitpack&branchTag != 0
}

func leafPval(n *node) any {
	return n.pval
}

func leafIval(n *node) uint32 {
	return uint32(n.bitpack >> ivalOffset)
}

// branchKeyOffset returns the key offset this branch discriminates.
func branchKeyOffset(n *node) int {
	return int(n.bitpack >> shiftOffset)
}

// branchKeybit returns the shift of the search key at this branch's
// offset.
func branchKeybit(n *node, key []byte, keylen int) byte {
	return keyBit(key, keylen, branchKeyOffset(n))
}

func branchHasTwig(n *node, bit byte) bool {
	return n.bitpack&(uint64(1)<<bit) != 0
}

// branchTwigPos ranks a twig within the vector: the number of bitmap
// bits below its shift.
func branchTwigPos(n *node, bit byte) int {
	return int(popcount.Count(n.bitpack & bitmapMask & (uint64(1)<<bit - 1)))
}

// branchTwigsSize returns the width of the twig vector.
func branchTwigsSize(n *node) int {
	return int(popcount.Count(n.bitpack & bitmapMask))
}

func branchTwigsRef(n *node) ref {
	return n.ref
}

func branchIndex(n *node) uint64 {
	return n.bitpack
}

// ref addresses a cell as a chunk number and a cell index within the
// chunk.
type ref uint32

const (
	chunkSizeLog2 = 12
	chunkSize     = 1 << chunkSizeLog2 // cells per chunk
	cellMask      = chunkSize - 1

	invalidRef = ^ref(0)
)

func makeRef(chunk, cell uint32) ref {
	return ref(chunk<<chunkSizeLog2 | cell)
}

func refChunk(r ref) uint32 {
	return uint32(r) >> chunkSizeLog2
}

func refCell(r ref) uint32 {
	return uint32(r) & cellMask
}

func moveTwigs(dst, src []node) {
	copy(dst, src)
}

func zeroTwigs(twigs []node) {
	for i := range twigs {
		twigs[i] = node{}
	}
}
