package qp

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nameValue is the leaf type used throughout the tests: a DNS name
// with an arbitrary payload.
type nameValue struct {
	name *Name
	data string
}

// nameMethods counts attach/detach calls so tests can verify that the
// trie balances external references exactly.
type nameMethods struct {
	attached atomic.Int64
}

func (m *nameMethods) Attach(any) { m.attached.Add(1) }
func (m *nameMethods) Detach(any) { m.attached.Add(-1) }
func (m *nameMethods) TrieName() string { return "test" }

func (m *nameMethods) MakeKey(key []byte, pval any, _ uint32) int {
	return KeyFromName(key, pval.(*nameValue).name)
}

func newNameValue(t *testing.T, s string) *nameValue {
	t.Helper()
	return &nameValue{name: mustParseName(t, s), data: s}
}

func insertName(t *testing.T, qp *Trie, s string, ival uint32) *nameValue {
	t.Helper()

	val := newNameValue(t, s)
	require.NoError(t, qp.Insert(val, ival), s)

	return val
}

// checkCounters verifies the allocation accounting invariants and that
// the walk agrees with the leaf count.
func checkCounters(t *testing.T, qp *Trie) {
	t.Helper()

	require.LessOrEqual(t, qp.freeCount, qp.usedCount)
	require.LessOrEqual(t, qp.holdCount, qp.freeCount)

	var leaves uint32
	qp.walkLeaves(func(*node) { leaves++ })
	require.Equal(t, qp.leafCount, leaves)
}

func walkKeys(r *reader) []Key {
	var keys []Key
	r.walkLeaves(func(n *node) {
		var buf [MaxKeyLen]byte
		klen := r.leafKey(n, buf[:])
		keys = append(keys, append(Key{}, buf[:klen]...))
	})
	return keys
}

func TestNew(t *testing.T) {
	t.Parallel()

	qp := New(&nameMethods{}, nil)

	require.NotNil(t, qp)
	assert.Equal(t, uint32(0), qp.leafCount)

	m := qp.MemUsage()
	assert.Equal(t, 1, m.ChunkCount)
	assert.Zero(t, m.Leaves)

	qp.Destroy()
}

func TestInsertGet(t *testing.T) {
	t.Parallel()

	var (
		methods = &nameMethods{}
		qp      = New(methods, nil)
		names   = []string{
			"example.",
			"a.example.",
			"b.example.",
			"www.example.com.",
			"mail.example.com.",
			"example.com",
			".",
		}
	)

	for i, s := range names {
		insertName(t, qp, s, uint32(i))
		checkCounters(t, qp)
	}

	for i, s := range names {
		pval, ival, err := qp.GetName(mustParseName(t, s))

		require.NoError(t, err, s)
		assert.Equal(t, uint32(i), ival, s)
		assert.Equal(t, s, pval.(*nameValue).data)
	}

	_, _, err := qp.GetName(mustParseName(t, "missing.example."))
	assert.ErrorIs(t, err, ErrNotFound)

	qp.Destroy()
	assert.Zero(t, methods.attached.Load())
}

func TestInsert_Exists(t *testing.T) {
	t.Parallel()

	qp := New(&nameMethods{}, nil)

	insertName(t, qp, "dup.example.", 1)

	err := qp.Insert(newNameValue(t, "dup.example."), 2)
	assert.ErrorIs(t, err, ErrExists)

	// the original survives
	_, ival, err := qp.GetName(mustParseName(t, "dup.example."))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ival)

	qp.Destroy()
}

func TestDelete(t *testing.T) {
	t.Parallel()

	var (
		methods = &nameMethods{}
		qp      = New(methods, nil)
		names   = []string{
			"example.", "a.example.", "b.example.",
			"c.a.example.", "d.a.example.",
		}
	)

	for i, s := range names {
		insertName(t, qp, s, uint32(i))
	}

	err := qp.DeleteName(mustParseName(t, "missing."))
	assert.ErrorIs(t, err, ErrNotFound)

	for i, s := range names {
		require.NoError(t, qp.DeleteName(mustParseName(t, s)), s)
		checkCounters(t, qp)

		_, _, err := qp.GetName(mustParseName(t, s))
		assert.ErrorIs(t, err, ErrNotFound)

		// the rest are still there
		for _, rest := range names[i+1:] {
			_, _, err := qp.GetName(mustParseName(t, rest))
			require.NoError(t, err, rest)
		}
	}

	assert.Equal(t, uint32(0), qp.leafCount)
	assert.Zero(t, methods.attached.Load())

	// an emptied trie accepts new leaves
	insertName(t, qp, "again.example.", 9)
	_, ival, err := qp.GetName(mustParseName(t, "again.example."))
	require.NoError(t, err)
	assert.Equal(t, uint32(9), ival)

	qp.Destroy()
}

// Deleting down to one twig must collapse the branch into its parent.
func TestDelete_Collapse(t *testing.T) {
	t.Parallel()

	qp := New(&nameMethods{}, nil)

	insertName(t, qp, "a.example.", 1)
	insertName(t, qp, "b.example.", 2)
	insertName(t, qp, "c.example.", 3)

	// three twigs: shrink in place
	require.NoError(t, qp.DeleteName(mustParseName(t, "b.example.")))
	checkCounters(t, qp)

	// two twigs: collapse into the parent
	require.NoError(t, qp.DeleteName(mustParseName(t, "a.example.")))
	checkCounters(t, qp)

	_, ival, err := qp.GetName(mustParseName(t, "c.example."))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), ival)
	assert.Equal(t, uint32(1), qp.leafCount)

	qp.Destroy()
}

// Leaves must come out of a walk in canonical DNS order no matter what
// order they went in.
func TestWalk_Order(t *testing.T) {
	t.Parallel()

	const seed = 1234567890

	var (
		qp    = New(&nameMethods{}, nil)
		rng   = rand.New(rand.NewSource(seed))
		names = []string{
			"example.",
			"a.example.",
			"yljkjljk.a.example.",
			"z.a.example.",
			"zabc.a.example.",
			"z.example.",
			"*.z.example.",
			"mail.example.com.",
			"www.example.com.",
			"com.",
		}
	)

	rng.Shuffle(len(names), func(i, j int) {
		names[i], names[j] = names[j], names[i]
	})
	for i, s := range names {
		insertName(t, qp, s, uint32(i))
	}

	keys := walkKeys(&qp.reader)
	require.Len(t, keys, len(names))
	for i := 1; i < len(keys); i++ {
		assert.Less(t, bytes.Compare(keys[i-1], keys[i]), 0)
	}

	qp.Destroy()
}

func TestInsert_FakeData(t *testing.T) {
	t.Parallel()

	const (
		total = 10_000
		seed  = 1234567890
	)

	var (
		methods = &nameMethods{}
		qp      = New(methods, nil)
		fake    = gofakeit.New(seed)
		state   = map[string]uint32{}
	)

	for i := 0; i < total; i++ {
		s := fmt.Sprintf("%s.%s.", fake.Word(), fake.DomainName())

		name, err := ParseName(s)
		if err != nil {
			continue
		}
		if _, dup := state[name.String()]; dup {
			continue
		}

		require.NoError(t, qp.Insert(&nameValue{name: name, data: s}, uint32(i)))
		state[name.String()] = uint32(i)
	}
	checkCounters(t, qp)
	require.Equal(t, uint32(len(state)), qp.leafCount)

	for s, ival := range state {
		_, got, err := qp.GetName(mustParseName(t, s))

		require.NoError(t, err, s)
		assert.Equal(t, ival, got, s)
	}

	// delete half of the names, then check both halves
	deleted := map[string]bool{}
	for s := range state {
		if len(deleted)*2 >= len(state) {
			break
		}
		require.NoError(t, qp.DeleteName(mustParseName(t, s)), s)
		deleted[s] = true
	}
	checkCounters(t, qp)

	for s, ival := range state {
		_, got, err := qp.GetName(mustParseName(t, s))
		if deleted[s] {
			assert.ErrorIs(t, err, ErrNotFound, s)
		} else {
			require.NoError(t, err, s)
			assert.Equal(t, ival, got, s)
		}
	}

	qp.Destroy()
	assert.Zero(t, methods.attached.Load())
}

func TestMemUsage(t *testing.T) {
	t.Parallel()

	qp := New(&nameMethods{}, nil)

	for i := 0; i < 100; i++ {
		insertName(t, qp, fmt.Sprintf("host-%03d.example.", i), uint32(i))
	}

	m := qp.MemUsage()
	assert.Equal(t, uint32(100), m.Leaves)
	assert.Equal(t, m.Used-m.Free, m.Live)
	assert.GreaterOrEqual(t, m.Live, m.Leaves)
	assert.Equal(t, chunkSize, m.ChunkSize)
	assert.Greater(t, m.ChunkCount, 0)
	assert.Greater(t, m.Bytes, 0)

	qp.Destroy()
}
