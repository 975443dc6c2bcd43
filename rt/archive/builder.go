package archive

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gekko3d/scenert/rt/core"
)

const payloadAlignment = 16

// Builder assembles an archive in memory. Each Huffman coded sub-file gets
// its own decoder table.
type Builder struct {
	files []*FileBuilder
	names map[string]bool
}

type FileBuilder struct {
	name   string
	inline []byte
	subs   []pendingSubFile
}

type pendingSubFile struct {
	id          FourCC
	compression Compression
	raw         []byte
}

func NewBuilder() *Builder {
	return &Builder{names: map[string]bool{}}
}

func (b *Builder) AddFile(name string, inline []byte) (*FileBuilder, error) {
	if name == "" {
		return nil, fmt.Errorf("archive: builder: empty file name")
	}
	if b.names[name] {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	b.names[name] = true
	f := &FileBuilder{name: name, inline: append([]byte(nil), inline...)}
	b.files = append(b.files, f)
	return f, nil
}

func (f *FileBuilder) AddSubFile(id FourCC, data []byte, c Compression) *FileBuilder {
	f.subs = append(f.subs, pendingSubFile{id: id, compression: c, raw: append([]byte(nil), data...)})
	return f
}

// Bytes encodes the archive.
func (b *Builder) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	var (
		metas    []fileMeta
		subMetas []subFileMeta
		tables   [][]byte
		payloads [][]byte
		names    bytes.Buffer
		inline   bytes.Buffer

		tableSize uint64
	)

	for _, f := range b.files {
		metas = append(metas, fileMeta{
			NameLen:        uint16(len(f.name) + 1),
			SubFileCount:   uint16(len(f.subs)),
			InlineDataSize: uint32(len(f.inline)),
		})
		names.WriteString(f.name)
		names.WriteByte(0)
		inline.Write(f.inline)

		for _, s := range f.subs {
			stored := s.raw
			m := subFileMeta{Identifier: uint32(s.id), Compression: uint16(s.compression), RawSize: uint32(len(s.raw))}
			if s.compression.Has(CompressionHuffman) {
				table, coded := huffmanEncode(s.raw)
				m.Decoder = uint16(len(tables))
				tables = append(tables, table)
				tableSize += uint64(len(table))
				stored = coded
			}
			if s.compression.Has(CompressionGDeflate) {
				var z bytes.Buffer
				zw, err := flate.NewWriter(&z, flate.BestCompression)
				if err != nil {
					return 0, err
				}
				if _, err := zw.Write(stored); err != nil {
					return 0, err
				}
				if err := zw.Close(); err != nil {
					return 0, err
				}
				stored = z.Bytes()
			}
			m.CompressedSize = uint32(len(stored))
			subMetas = append(subMetas, m)
			payloads = append(payloads, stored)
		}
	}

	metaSize := uint64(headerSize + fileMetaSize*len(metas) + subFileMetaSize*len(subMetas) + decoderMetaSize*len(tables))
	offset := metaSize + uint64(names.Len()) + tableSize + uint64(inline.Len())
	for i := range subMetas {
		offset = core.AlignUp(offset, payloadAlignment)
		subMetas[i].Offset = offset
		offset += uint64(len(payloads[i]))
	}

	var out bytes.Buffer
	hdr := fileHeader{Version: Version, FileCount: uint32(len(metas)), DecoderCount: uint16(len(tables))}
	copy(hdr.Magic[:], Magic)
	put := func(v any) { _ = binary.Write(&out, binary.LittleEndian, v) }
	put(hdr)
	put(metas)
	out.Write(names.Bytes())
	put(subMetas)
	for _, t := range tables {
		put(decoderMeta{TableSize: uint32(len(t))})
	}
	for _, t := range tables {
		out.Write(t)
	}
	out.Write(inline.Bytes())
	for i, p := range payloads {
		out.Write(make([]byte, subMetas[i].Offset-uint64(out.Len())))
		out.Write(p)
	}
	n, err := w.Write(out.Bytes())
	return int64(n), err
}
