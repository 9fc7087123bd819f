package qp

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseName(t *testing.T, s string) *Name {
	t.Helper()

	name, err := ParseName(s)
	require.NoError(t, err, s)

	return name
}

func mustNameFromLabels(t *testing.T, labels ...[]byte) *Name {
	t.Helper()

	name, err := NameFromLabels(true, labels...)
	require.NoError(t, err)

	return name
}

func TestParseName(t *testing.T) {
	t.Parallel()

	for _, tcase := range []*struct {
		In        string
		ExpLabels int
		ExpStr    string
		ExpErr    error
	}{
		{"", 0, "", ErrEmptyName},
		{".", 1, ".", nil},
		{"com", 1, "com", nil},
		{"com.", 2, "com.", nil},
		{"example.com.", 3, "example.com.", nil},
		{"example.com", 2, "example.com", nil},
		{"a.b.c.d.e.f.", 7, "a.b.c.d.e.f.", nil},
		{"..", 0, "", nil}, // empty label
	} {
		tcase := tcase

		t.Run(fmt.Sprintf("%#v", tcase.In), func(t *testing.T) {
			name, err := ParseName(tcase.In)

			if tcase.ExpErr != nil {
				assert.ErrorIs(t, err, tcase.ExpErr)
				return
			}
			if tcase.ExpLabels == 0 {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tcase.ExpLabels, name.Labels())
			assert.Equal(t, tcase.ExpStr, name.String())
		})
	}
}

func TestNameFromLabels_Limits(t *testing.T) {
	t.Parallel()

	_, err := NameFromLabels(false)
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = NameFromLabels(true, bytes.Repeat([]byte{'a'}, 64))
	assert.ErrorIs(t, err, ErrLabelTooLong)

	var labels [][]byte
	for i := 0; i < 5; i++ {
		labels = append(labels, bytes.Repeat([]byte{'x'}, 63))
	}
	_, err = NameFromLabels(true, labels...)
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestNameString_Escapes(t *testing.T) {
	t.Parallel()

	name := mustNameFromLabels(t, []byte{0x01, '.', '\\'}, []byte("z"))

	assert.Equal(t, `\001\.\\.z.`, name.String())
}

// Canonical DNS ordering of names, as in RFC 4034 section 6.1: keys
// must sort parent-first, case-insensitively, with non-hostname bytes
// ordered by value.
func TestKeyFromName_CanonicalOrder(t *testing.T) {
	t.Parallel()

	ordered := []*Name{
		mustParseName(t, "example."),
		mustParseName(t, "a.example."),
		mustParseName(t, "yljkjljk.a.example."),
		mustParseName(t, "Z.a.example."),
		mustParseName(t, "zABC.a.EXAMPLE."),
		mustParseName(t, "z.example."),
		mustNameFromLabels(t, []byte{0x01}, []byte("z"), []byte("example")),
		mustParseName(t, "*.z.example."),
		mustNameFromLabels(t, []byte{0xC8}, []byte("z"), []byte("example")),
	}

	for i := 1; i < len(ordered); i++ {
		var (
			prev = NameKey(ordered[i-1])
			next = NameKey(ordered[i])
		)

		assert.Less(t, bytes.Compare(prev, next), 0,
			"%s >= %s", ordered[i-1], ordered[i])
	}
}

func TestKeyFromName_CaseFolding(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		NameKey(mustParseName(t, "ExAmPlE.CoM.")),
		NameKey(mustParseName(t, "example.com.")))
}

// Every byte value must round out to its own key, and escaped bytes
// must keep their relative order.
func TestKeyFromName_EscapeOrder(t *testing.T) {
	t.Parallel()

	var prev Key
	for b := 0; b < 256; b++ {
		if 'A' <= b && b <= 'Z' {
			// folds onto lower case, out of byte order
			continue
		}
		name, err := NameFromLabels(true, []byte{byte(b)})
		require.NoError(t, err)
		key := NameKey(name)

		if prev != nil {
			assert.Less(t, bytes.Compare(prev, key), 0,
				"byte %#x does not sort above its predecessor", b)
		}
		prev = key
	}
}

func TestKeyFromName_AbsoluteRelativeDistinct(t *testing.T) {
	t.Parallel()

	var (
		abs = NameKey(mustParseName(t, "example.com."))
		rel = NameKey(mustParseName(t, "example.com"))
	)

	assert.NotEqual(t, abs, rel)
	// the root label sorts an absolute name before any relative name
	assert.Less(t, bytes.Compare(abs, rel), 0)
}

func TestKeyCompare(t *testing.T) {
	t.Parallel()

	var (
		keyA = NameKey(mustParseName(t, "a.example."))
		keyB = NameKey(mustParseName(t, "b.example."))
	)

	assert.Equal(t, keyEqual, keyCompare(keyA, len(keyA), keyA, len(keyA)))
	assert.NotEqual(t, keyEqual, keyCompare(keyA, len(keyA), keyB, len(keyB)))

	// a key padded with extra separators compares equal: keyBit reads
	// separators past the end of the shorter key
	padded := append(append(Key{}, keyA...), shiftNobyte, shiftNobyte)
	assert.Equal(t, keyEqual,
		keyCompare(keyA, len(keyA), padded, len(padded)))
}

func TestKeyBit_PastEnd(t *testing.T) {
	t.Parallel()

	key := NameKey(mustParseName(t, "example."))

	assert.Equal(t, byte(shiftNobyte), keyBit(key, len(key), len(key)))
	assert.Equal(t, byte(shiftNobyte), keyBit(key, len(key), MaxKeyLen))
}
