package program

import (
	"encoding/binary"
	"testing"

	"github.com/colorfulnotion/rvm/rvmtypes"
	"github.com/colorfulnotion/rvm/testutil"
	"github.com/colorfulnotion/rvm/vmerrors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleELF(class64 bool) testutil.ELF {
	code := testutil.Simple().Bytes()
	return testutil.ELF{
		Class64: class64,
		Entry:   testutil.TextBase,
		Segments: []testutil.Segment{
			{Vaddr: testutil.TextBase, Data: code, Flags: testutil.PF_R | testutil.PF_X},
			{Vaddr: testutil.DataBase, Data: []byte("hello"), Memsz: 0x1800, Flags: testutil.PF_R | testutil.PF_W},
		},
		Sections: true,
	}
}

func TestParse(t *testing.T) {
	for _, xlen := range []int{32, 64} {
		raw, _ := simpleELF(xlen == 64).Build()
		img, err := Parse(raw, DefaultOptions(xlen))
		require.NoError(t, err)
		assert.Equal(t, uint64(testutil.TextBase), img.Entry)
		require.Len(t, img.Segments, 2)
		assert.Equal(t, rvmtypes.PageExecutable, img.Segments[0].Flags)
		assert.Equal(t, rvmtypes.PageMutable, img.Segments[1].Flags)
		assert.Equal(t, []byte("hello"), img.Segments[1].Data)
		assert.Equal(t, []uint64{testutil.TextBase >> rvmtypes.PageShift}, img.ExecutablePages())

		start, end := img.Segments[1].PageRange()
		assert.Equal(t, uint64(testutil.DataBase), start)
		assert.Equal(t, uint64(testutil.DataBase+0x2000), end)
	}
}

func TestParseDeterministic(t *testing.T) {
	raw, _ := simpleELF(true).Build()
	a, err := Parse(raw, DefaultOptions(64))
	require.NoError(t, err)
	b, err := Parse(append([]byte(nil), raw...), DefaultOptions(64))
	require.NoError(t, err)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("images differ (-a +b):\n%s", diff)
	}

	// e_flags is ignored, so only the hash changes
	raw[48] ^= 0xff
	c, err := Parse(raw, DefaultOptions(64))
	require.NoError(t, err)
	assert.Equal(t, a.Segments, c.Segments)
	assert.NotEqual(t, a.Hash, c.Hash)
}

func TestParseMalformed(t *testing.T) {
	le := binary.LittleEndian
	e := simpleELF(true)
	good, lay := e.Build()
	patch := func(mut func(b []byte)) []byte {
		b := append([]byte(nil), good...)
		mut(b)
		return b
	}
	textSection := int(lay.ShOff) + lay.ShEntSize

	tests := []struct {
		name string
		raw  []byte
		opts Options
		want error
	}{
		{"empty", nil, DefaultOptions(64), vmerrors.ErrParse},
		{"truncated ident", good[:10], DefaultOptions(64), vmerrors.ErrParse},
		{"bad magic", patch(func(b []byte) { b[1] = 'X' }), DefaultOptions(64), vmerrors.ErrParse},
		{"class mismatch", good, DefaultOptions(32), vmerrors.ErrParse},
		{"unknown class", patch(func(b []byte) { b[4] = 9 }), DefaultOptions(64), vmerrors.ErrParse},
		{"big endian", patch(func(b []byte) { b[5] = 2 }), DefaultOptions(64), vmerrors.ErrParse},
		{"truncated header", good[:40], DefaultOptions(64), vmerrors.ErrParse},
		{"wrong machine", patch(func(b []byte) { le.PutUint16(b[18:], 62) }), DefaultOptions(64), vmerrors.ErrParse},
		{"no program headers", patch(func(b []byte) { le.PutUint16(b[e.PhNumField():], 0) }), DefaultOptions(64), vmerrors.ErrParse},
		{"program headers past end", patch(func(b []byte) { le.PutUint64(b[e.PhOffField():], uint64(len(good))) }), DefaultOptions(64), vmerrors.ErrOutOfBound},
		{"program header count overflow", patch(func(b []byte) { le.PutUint64(b[e.PhOffField():], ^uint64(0)-8) }), DefaultOptions(64), vmerrors.ErrOutOfBound},
		{"section headers past end", patch(func(b []byte) { le.PutUint64(b[e.ShOffField():], uint64(len(good))-10) }), DefaultOptions(64), vmerrors.ErrOutOfBound},
		{"section past end", patch(func(b []byte) { le.PutUint64(b[textSection+24:], 1<<40) }), DefaultOptions(64), vmerrors.ErrOutOfBound},
		{"segment past end", patch(func(b []byte) { le.PutUint64(b[int(lay.PhOff)+8:], uint64(len(good))) }), DefaultOptions(64), vmerrors.ErrOutOfBound},
		{"truncated file", good[:len(good)-20], DefaultOptions(64), vmerrors.ErrOutOfBound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.raw, tc.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want, err.Error())
		})
	}
}

func TestParseLayout(t *testing.T) {
	code := testutil.Simple().Bytes()
	rx := uint32(testutil.PF_R | testutil.PF_X)
	rw := uint32(testutil.PF_R | testutil.PF_W)
	tests := []struct {
		name string
		segs []testutil.Segment
		opts Options
		want error
	}{
		{"file size exceeds memory size", []testutil.Segment{{Vaddr: 0x10000, Data: code, Memsz: 4, Flags: rx}}, DefaultOptions(64), vmerrors.ErrParse},
		{"outside memory", []testutil.Segment{{Vaddr: 0x500000, Data: code, Flags: rx}}, DefaultOptions(64), vmerrors.ErrOutOfBound},
		{"address wraps", []testutil.Segment{{Vaddr: ^uint64(0) - 4, Data: code, Flags: rx}}, DefaultOptions(64), vmerrors.ErrOutOfBound},
		{"overlaps stack", []testutil.Segment{{Vaddr: 0x2ff000, Data: code, Memsz: 0x2000, Flags: rw}}, DefaultOptions(64), vmerrors.ErrOutOfBound},
		{"write and execute", []testutil.Segment{{Vaddr: 0x10000, Data: code, Flags: rx | testutil.PF_W}}, DefaultOptions(64), vmerrors.ErrInvalidPermission},
		{"shared page with different flags", []testutil.Segment{
			{Vaddr: 0x10000, Data: code, Flags: rx},
			{Vaddr: 0x10800, Data: []byte{1}, Flags: rw},
		}, DefaultOptions(64), vmerrors.ErrOutOfBound},
		{"overlapping bytes", []testutil.Segment{
			{Vaddr: 0x20000, Data: []byte{1, 2, 3, 4}, Flags: rw},
			{Vaddr: 0x20002, Data: []byte{5}, Flags: rw},
		}, DefaultOptions(64), vmerrors.ErrOutOfBound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw, _ := testutil.ELF{Class64: true, Entry: 0x10000, Segments: tc.segs}.Build()
			_, err := Parse(raw, tc.opts)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	t.Run("downgrade", func(t *testing.T) {
		raw, _ := testutil.ELF{Class64: true, Entry: 0x10000, Segments: []testutil.Segment{
			{Vaddr: 0x10000, Data: code, Flags: rx | testutil.PF_W},
		}}.Build()
		opts := DefaultOptions(64)
		opts.WXPolicy = WXDowngrade
		img, err := Parse(raw, opts)
		require.NoError(t, err)
		assert.Equal(t, rvmtypes.PageExecutable, img.Segments[0].Flags)
	})

	t.Run("misaligned entry", func(t *testing.T) {
		raw, _ := testutil.ELF{Class64: true, Entry: 0x10001, Segments: []testutil.Segment{
			{Vaddr: 0x10000, Data: code, Flags: rx},
		}}.Build()
		_, err := Parse(raw, DefaultOptions(64))
		assert.ErrorIs(t, err, vmerrors.ErrParse)
	})

	t.Run("shared page with same flags", func(t *testing.T) {
		raw, _ := testutil.ELF{Class64: true, Entry: 0x20000, Segments: []testutil.Segment{
			{Vaddr: 0x20000, Data: []byte{1, 2}, Flags: rw},
			{Vaddr: 0x20100, Data: []byte{3}, Flags: rw},
		}}.Build()
		img, err := Parse(raw, DefaultOptions(64))
		require.NoError(t, err)
		page := img.PageBytes(0x20)
		assert.Equal(t, []byte{1, 2}, page[:2])
		assert.Equal(t, byte(3), page[0x100])
	})
}

func TestOptions(t *testing.T) {
	assert.NoError(t, DefaultOptions(64).Validate())
	bad := DefaultOptions(16)
	assert.Error(t, bad.Validate())
	bad = DefaultOptions(64)
	bad.StackSize = bad.MemorySize
	assert.Error(t, bad.Validate())
	bad = DefaultOptions(64)
	bad.MemorySize = 1000
	assert.Error(t, bad.Validate())

	p, err := ParseWXPolicy("Downgrade")
	require.NoError(t, err)
	assert.Equal(t, WXDowngrade, p)
	_, err = ParseWXPolicy("allow")
	assert.Error(t, err)
}
