package qp

import "unsafe"

// MemUsage is a snapshot of a trie's memory accounting.
type MemUsage struct {
	Leaves uint32 // leaves in the trie
	Live   uint32 // cells holding current data
	Used   uint32 // cells allocated from chunks
	Free   uint32 // cells no longer in use
	Hold   uint32 // free cells pinned by readers of old versions

	NodeSize   int // bytes per cell
	ChunkCount int // chunks with storage attached
	ChunkSize  int // cells per chunk
	Bytes      int // total footprint

	Fragmented bool // would Compact(GCMaybe) do anything?
}

// MemUsage reports the trie's memory accounting. Shrunk chunks are
// counted at full size.
func (qp *Trie) MemUsage() MemUsage {
	m := MemUsage{
		Leaves:     qp.leafCount,
		Live:       qp.usedCount - qp.freeCount,
		Used:       qp.usedCount,
		Free:       qp.freeCount,
		Hold:       qp.holdCount,
		NodeSize:   int(unsafe.Sizeof(node{})),
		ChunkSize:  chunkSize,
		Fragmented: qp.needGC(),
	}
	for chunk := uint32(0); chunk < qp.chunkMax; chunk++ {
		if qp.base.ptr[chunk] != nil {
			m.ChunkCount++
		}
	}
	m.Bytes = m.ChunkCount*chunkSize*m.NodeSize +
		int(qp.chunkMax)*int(unsafe.Sizeof([]node(nil))) +
		int(qp.chunkMax)*int(unsafe.Sizeof(usage{}))
	return m
}

// MemUsage reports the writer's memory accounting, corrected for the
// bump chunk that the last update commit shrunk to its used cells.
func (multi *Multi) MemUsage() MemUsage {
	multi.mu.Lock()
	defer multi.mu.Unlock()

	qp := &multi.writer
	m := qp.MemUsage()
	if qp.chunkMax > 0 && len(qp.base.ptr[qp.bump]) < chunkSize {
		m.Bytes -= chunkSize * m.NodeSize
		m.Bytes += len(qp.base.ptr[qp.bump]) * m.NodeSize
	}
	return m
}
