package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gekko3d/scenert/rt/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleData(n int, seed int64) []byte {
	rng := rand.New(rand.NewSource(seed))
	out := make([]byte, n)
	for i := range out {
		// skewed distribution so Huffman coding actually shrinks it
		out[i] = byte(min(rng.ExpFloat64()*12, 255))
	}
	return out
}

func buildSample(t *testing.T) ([]byte, map[string]map[FourCC][]byte) {
	t.Helper()
	want := map[string]map[FourCC][]byte{
		"meshes/rock": {
			MakeFourCC("GEOM"): sampleData(5000, 1),
			MakeFourCC("LOD1"): sampleData(1200, 2),
		},
		"textures/rock_albedo": {
			MakeFourCC("MP00"): sampleData(4096, 3),
		},
		"empty": {},
	}
	comps := map[FourCC]Compression{
		MakeFourCC("GEOM"): CompressionHuffman,
		MakeFourCC("LOD1"): CompressionHuffman | CompressionGDeflate,
		MakeFourCC("MP00"): CompressionGDeflate,
	}

	b := NewBuilder()
	for _, name := range []string{"meshes/rock", "textures/rock_albedo", "empty"} {
		f, err := b.AddFile(name, []byte("inline:"+name))
		require.NoError(t, err)
		for _, id := range []FourCC{MakeFourCC("GEOM"), MakeFourCC("LOD1"), MakeFourCC("MP00")} {
			if data, ok := want[name][id]; ok {
				f.AddSubFile(id, data, comps[id])
			}
		}
	}
	raw, err := b.Bytes()
	require.NoError(t, err)
	return raw, want
}

func TestRoundTrip(t *testing.T) {
	raw, want := buildSample(t)
	a, err := NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	require.Equal(t, 3, a.FileCount())

	for name, subs := range want {
		f, ok := a.FindFile(name)
		require.True(t, ok, name)
		assert.Equal(t, "inline:"+name, string(f.InlineData()))
		assert.Len(t, f.SubFiles, len(subs))
		for id, data := range subs {
			sf, ok := f.FindSubFile(id)
			require.True(t, ok)
			assert.Equal(t, uint32(len(data)), sf.RawSize)
			got := make([]byte, sf.RawSize)
			require.NoError(t, a.Read(sf, got))
			assert.Equal(t, data, got, "%s/%s", name, id)
		}
	}

	geom, _ := a.files[0].FindSubFile(MakeFourCC("GEOM"))
	assert.Less(t, geom.CompressedSize, geom.RawSize)
	_, ok := a.FindFile("missing")
	assert.False(t, ok)
}

func TestOpenFromDisk(t *testing.T) {
	raw, want := buildSample(t)
	path := filepath.Join(t.TempDir(), "assets.asfile")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	f, ok := a.FindFile("textures/rock_albedo")
	require.True(t, ok)
	sf, _ := f.FindSubFile(MakeFourCC("MP00"))
	got := make([]byte, sf.RawSize)
	require.NoError(t, a.Read(sf, got))
	assert.Equal(t, want["textures/rock_albedo"][MakeFourCC("MP00")], got)
}

func TestReadAsync(t *testing.T) {
	raw, want := buildSample(t)
	a, err := NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)

	f, _ := a.FindFile("meshes/rock")
	var reqs []Request
	for i := range f.SubFiles {
		sf := &f.SubFiles[i]
		reqs = append(reqs, Request{SubFile: sf, Dst: make([]byte, sf.RawSize), Decode: true})
	}
	done := make(chan error, 1)
	a.ReadAsync(context.Background(), reqs, func(err error) { done <- err })
	require.NoError(t, <-done)
	for _, r := range reqs {
		assert.Equal(t, want["meshes/rock"][r.SubFile.Identifier], r.Dst)
	}
}

func TestRejectsMalformed(t *testing.T) {
	raw, _ := buildSample(t)

	bad := append([]byte(nil), raw...)
	bad[0] = 'X'
	_, err := NewReader(bytes.NewReader(bad), int64(len(bad)))
	assert.ErrorIs(t, err, ErrBadHeader)

	_, err = NewReader(bytes.NewReader(raw[:20]), 20)
	assert.ErrorIs(t, err, ErrTruncated)

	short := raw[:len(raw)-10]
	_, err = NewReader(bytes.NewReader(short), int64(len(short)))
	assert.ErrorIs(t, err, ErrOutOfBounds)

	b := NewBuilder()
	_, err = b.AddFile("a", nil)
	require.NoError(t, err)
	_, err = b.AddFile("a", nil)
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestHuffmanBlocks(t *testing.T) {
	random := make([]byte, 3000)
	rand.New(rand.NewSource(7)).Read(random)

	cases := []struct {
		name    string
		data    []byte
		shrinks bool
	}{
		{"single symbol", bytes.Repeat([]byte{42}, 100), false},
		{"skewed", sampleData(5000, 4), true},
		{"several blocks", sampleData(3*huffmanBlockSize+123, 5), true},
		{"random", random, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			table, coded := huffmanEncode(c.data)
			if c.shrinks {
				assert.NotEmpty(t, table)
				assert.Less(t, len(coded), len(c.data))
			}
			dec, err := newHuffmanDecoder(table)
			require.NoError(t, err)
			out := make([]byte, len(c.data))
			require.NoError(t, dec.decode(out, coded))
			assert.Equal(t, c.data, out)
		})
	}
}

func TestHuffmanRejectsTruncatedBlocks(t *testing.T) {
	data := sampleData(5000, 6)
	table, coded := huffmanEncode(data)
	dec, err := newHuffmanDecoder(table)
	require.NoError(t, err)
	out := make([]byte, len(data))
	assert.ErrorIs(t, dec.decode(out, coded[:len(coded)/2]), ErrCorrupt)
	assert.ErrorIs(t, dec.decode(out, coded[:2]), ErrCorrupt)

	_, err = newHuffmanDecoder([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrInvalidDecoder)
}

// assembleArchive lays out a one-file archive field by field: header, file
// metas, names, sub-file metas, decoder metas, tables, inline data and
// aligned payloads.
func assembleArchive(fileCount uint32, subFileCount uint16, name string, inline, payload []byte) []byte {
	le := binary.LittleEndian
	var b []byte
	b = append(b, Magic...)
	b = le.AppendUint16(b, Version)
	b = le.AppendUint32(b, fileCount)
	b = le.AppendUint16(b, 0) // decoders
	b = le.AppendUint16(b, 0)

	b = le.AppendUint16(b, uint16(len(name)+1))
	b = le.AppendUint16(b, subFileCount)
	b = le.AppendUint32(b, uint32(len(inline)))

	b = append(b, name...)
	b = append(b, 0)

	offset := core.AlignUp(uint64(len(b)+subFileMetaSize+len(inline)), payloadAlignment)
	b = le.AppendUint32(b, uint32(MakeFourCC("DATA")))
	b = le.AppendUint16(b, uint16(CompressionNone))
	b = le.AppendUint16(b, 0)
	b = le.AppendUint64(b, offset)
	b = le.AppendUint32(b, uint32(len(payload)))
	b = le.AppendUint32(b, uint32(len(payload)))

	b = append(b, inline...)
	b = append(b, make([]byte, int(offset)-len(b))...)
	return append(b, payload...)
}

func TestReadsFieldByFieldLayout(t *testing.T) {
	raw := assembleArchive(1, 1, "rock", []byte("abc"), []byte("payload"))
	a, err := NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)

	f, ok := a.FindFile("rock")
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), f.InlineData())
	sf, ok := f.FindSubFile(MakeFourCC("DATA"))
	require.True(t, ok)
	got := make([]byte, sf.RawSize)
	require.NoError(t, a.Read(sf, got))
	assert.Equal(t, "payload", string(got))

	built := NewBuilder()
	fb, err := built.AddFile("rock", []byte("abc"))
	require.NoError(t, err)
	fb.AddSubFile(MakeFourCC("DATA"), []byte("payload"), CompressionNone)
	out, err := built.Bytes()
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestRejectsOversizedCounts(t *testing.T) {
	header := func(files uint32, decoders uint16) []byte {
		le := binary.LittleEndian
		b := append([]byte(nil), Magic...)
		b = le.AppendUint16(b, Version)
		b = le.AppendUint32(b, files)
		b = le.AppendUint16(b, decoders)
		return le.AppendUint16(b, 0)
	}
	for _, raw := range [][]byte{
		header(0xffffffff, 0),
		header(50_000_000, 0),
		header(0, 0xffff),
		assembleArchive(1, 0xffff, "rock", nil, nil),
	} {
		_, err := NewReader(bytes.NewReader(raw), int64(len(raw)))
		assert.ErrorIs(t, err, ErrTruncated)
	}
}

func TestFourCC(t *testing.T) {
	assert.Equal(t, "GEOM", MakeFourCC("GEOM").String())
	assert.Equal(t, "0x00000001", FourCC(1).String())
}
