// Package qp implements a qp-trie (quadbit popcount trie) keyed by DNS
// names, with copy-on-write transactions for a single writer and lock-free
// access for concurrent readers.
//
// A trie is a collection of fixed-size node cells carved out of large
// chunks. Branches do not hold machine pointers to their children; they
// hold a (chunk, cell) reference into the chunk directory, which makes the
// whole structure relocatable and lets a new version of the trie be
// published by a single atomic pointer store.
//
// Each node cell has three fields:
// -------------------------------
//
//   - bitpack - 64-bit packed settings of the node;
//   - ref     - 32-bit (chunk, cell) reference to a twig vector;
//   - pval    - the user value of a leaf.
//
// Bitpack structure variants:
// --------------------------
//
//   - Leaf:
//
//     [     32:63-32      ] [       31:31-01        ] [  1:00   ]
//     <IIII...IIII:leaf-ival> ------------------------- <0:leaf>
//
//   - Branch:
//
//     [     16:63-48      ] [ 46:47-02 ] [  1:01   ] [  1:01..] [ 1:00 ]
//     <OOOO:key-byte-offset> <BBB...BBB:twig-bitmap> <N:nobyte> <1:branch>
//
//     The bitmap has one bit per shift value in [1, 48): bit 1 is the
//     label separator, bits 2..47 cover common hostname bytes and escape
//     codes. A branch always has at least two bits set.
//
//   - Reader anchor (a committed version of the trie):
//
//     bitpack == 1 (the branch tag with an empty bitmap, which no real
//     branch can have); pval points at the packed anchor holding the
//     chunk directory and the root reference.
//
// Trie keys:
// ---------
//
// A DNS name is converted to a string of 6-bit "shifts" whose
// lexicographic order matches the canonical DNS order of names. Labels
// are emitted root-first, each followed by a separator shift, and the key
// ends with two separators. Upper-case ASCII folds onto lower-case, and
// bytes outside the common hostname set become two-shift escape
// sequences.
//
// Concurrency:
// -----------
//
// One writer mutates a Multi at a time, serialized by a mutex. Readers
// never block the writer and the writer never blocks readers: a committed
// version is published with a release store and acquired by readers with
// an acquire load. Chunks referenced by past readers are reclaimed only
// after a QSBR grace period (see the qsbr package); snapshots pin their
// chunks explicitly and are swept out by mark-sweep when destroyed.
package qp
