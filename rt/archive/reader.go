package archive

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// SubFile describes one payload of a file.
type SubFile struct {
	Identifier     FourCC
	Compression    Compression
	Decoder        uint16
	Offset         uint64
	CompressedSize uint32
	RawSize        uint32
}

// File is a named entry of an archive.
type File struct {
	Name     string
	Index    int
	SubFiles []SubFile
	inline   []byte
}

// InlineData returns the file's inline blob. It is not aligned.
func (f *File) InlineData() []byte { return f.inline }

func (f *File) FindSubFile(id FourCC) (*SubFile, bool) {
	for i := range f.SubFiles {
		if f.SubFiles[i].Identifier == id {
			return &f.SubFiles[i], true
		}
	}
	return nil, false
}

// Archive is an opened archive. All metadata is loaded on open; payloads
// are read on demand and reads are safe for concurrent use.
type Archive struct {
	r        io.ReaderAt
	size     int64
	closer   io.Closer
	files    []File
	byName   map[string]int
	decoders []*huffmanDecoder
}

// Open opens the archive at path.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: stat %s: %w", path, err)
	}
	a, err := NewReader(f, st.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: %s: %w", path, err)
	}
	a.closer = f
	return a, nil
}

// NewReader parses the archive metadata from r. Sections follow the
// header in order: file metas, names, sub-file metas, decoder metas,
// decoder tables, inline data. Every count is checked against size before
// anything is allocated for it.
func NewReader(r io.ReaderAt, size int64) (*Archive, error) {
	sr := io.NewSectionReader(r, 0, size)
	read := func(v any) error {
		if err := binary.Read(sr, binary.LittleEndian, v); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return ErrTruncated
			}
			return err
		}
		return nil
	}
	left := uint64(max(size, 0))
	reserve := func(n uint64, what string) error {
		if n > left {
			return fmt.Errorf("%w: %s needs %d bytes, %d left", ErrTruncated, what, n, left)
		}
		left -= n
		return nil
	}

	var hdr fileHeader
	if err := reserve(headerSize, "header"); err != nil {
		return nil, err
	}
	if err := read(&hdr); err != nil {
		return nil, err
	}
	if string(hdr.Magic[:]) != Magic || hdr.Version != Version {
		return nil, fmt.Errorf("%w: magic %q version %d", ErrBadHeader, hdr.Magic[:], hdr.Version)
	}

	if err := reserve(uint64(hdr.FileCount)*fileMetaSize, "file metas"); err != nil {
		return nil, err
	}
	metas := make([]fileMeta, hdr.FileCount)
	if err := read(metas); err != nil {
		return nil, err
	}

	var nameSize, subCount, inlineSize uint64
	for i, m := range metas {
		if m.NameLen == 0 {
			return nil, fmt.Errorf("%w: file %d has no name", ErrBadHeader, i)
		}
		nameSize += uint64(m.NameLen)
		subCount += uint64(m.SubFileCount)
		inlineSize += uint64(m.InlineDataSize)
	}

	if err := reserve(nameSize, "names"); err != nil {
		return nil, err
	}
	names := make([]byte, nameSize)
	if _, err := io.ReadFull(sr, names); err != nil {
		return nil, ErrTruncated
	}

	if err := reserve(subCount*subFileMetaSize, "sub-file metas"); err != nil {
		return nil, err
	}
	subs := make([]subFileMeta, subCount)
	if err := read(subs); err != nil {
		return nil, err
	}

	if err := reserve(uint64(hdr.DecoderCount)*decoderMetaSize, "decoder metas"); err != nil {
		return nil, err
	}
	decMetas := make([]decoderMeta, hdr.DecoderCount)
	if err := read(decMetas); err != nil {
		return nil, err
	}

	a := &Archive{
		r:      r,
		size:   size,
		files:  make([]File, len(metas)),
		byName: make(map[string]int, len(metas)),
	}

	for i, m := range metas {
		name := names[:m.NameLen]
		names = names[m.NameLen:]
		n := string(bytes.TrimRight(name, "\x00"))
		if _, dup := a.byName[n]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, n)
		}
		a.byName[n] = i
		a.files[i].Name = n
		a.files[i].Index = i
	}

	for i, dm := range decMetas {
		if err := reserve(uint64(dm.TableSize), "decoder table"); err != nil {
			return nil, err
		}
		table := make([]byte, dm.TableSize)
		if _, err := io.ReadFull(sr, table); err != nil {
			return nil, ErrTruncated
		}
		dec, err := newHuffmanDecoder(table)
		if err != nil {
			return nil, fmt.Errorf("decoder %d: %w", i, err)
		}
		a.decoders = append(a.decoders, dec)
	}

	if err := reserve(inlineSize, "inline data"); err != nil {
		return nil, err
	}
	next := 0
	for i, m := range metas {
		inline := make([]byte, m.InlineDataSize)
		if _, err := io.ReadFull(sr, inline); err != nil {
			return nil, ErrTruncated
		}
		a.files[i].inline = inline

		f := &a.files[i]
		f.SubFiles = make([]SubFile, m.SubFileCount)
		for j := range f.SubFiles {
			s := subs[next]
			next++
			sf := SubFile{
				Identifier:     FourCC(s.Identifier),
				Compression:    Compression(s.Compression),
				Decoder:        s.Decoder,
				Offset:         s.Offset,
				CompressedSize: s.CompressedSize,
				RawSize:        s.RawSize,
			}
			if sf.Offset > uint64(size) || uint64(sf.CompressedSize) > uint64(size)-sf.Offset {
				return nil, fmt.Errorf("%w: %s/%s", ErrOutOfBounds, f.Name, sf.Identifier)
			}
			if sf.Compression.Has(CompressionHuffman) && int(sf.Decoder) >= len(a.decoders) {
				return nil, fmt.Errorf("%w: %s/%s uses decoder %d of %d", ErrInvalidDecoder, f.Name, sf.Identifier, sf.Decoder, len(a.decoders))
			}
			f.SubFiles[j] = sf
		}
	}
	return a, nil
}

// Close releases the underlying file when the archive was opened by path.
func (a *Archive) Close() error {
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

func (a *Archive) FileCount() int { return len(a.files) }

func (a *Archive) Files() []File { return a.files }

func (a *Archive) File(i int) *File {
	if i < 0 || i >= len(a.files) {
		return nil
	}
	return &a.files[i]
}

func (a *Archive) FindFile(name string) (*File, bool) {
	i, ok := a.byName[name]
	if !ok {
		return nil, false
	}
	return &a.files[i], true
}

// ReadCompressed copies the stored bytes of sf into dst without decoding.
func (a *Archive) ReadCompressed(sf *SubFile, dst []byte) error {
	if len(dst) < int(sf.CompressedSize) {
		return fmt.Errorf("%w: buffer of %d bytes for %d", ErrOutOfBounds, len(dst), sf.CompressedSize)
	}
	if _, err := a.r.ReadAt(dst[:sf.CompressedSize], int64(sf.Offset)); err != nil {
		return fmt.Errorf("archive: read %s: %w", sf.Identifier, err)
	}
	return nil
}

// Read reads and fully decodes sf into dst, which must hold RawSize bytes.
func (a *Archive) Read(sf *SubFile, dst []byte) error {
	if len(dst) < int(sf.RawSize) {
		return fmt.Errorf("%w: buffer of %d bytes for %d", ErrOutOfBounds, len(dst), sf.RawSize)
	}
	if sf.Compression == CompressionNone {
		return a.ReadCompressed(sf, dst)
	}
	src := make([]byte, sf.CompressedSize)
	if err := a.ReadCompressed(sf, src); err != nil {
		return err
	}
	return a.Decode(sf, src, dst[:sf.RawSize])
}

// Decode turns the stored bytes of sf into its raw payload.
func (a *Archive) Decode(sf *SubFile, src, dst []byte) error {
	if sf.Compression.Has(CompressionGDeflate) {
		inner := dst
		if sf.Compression.Has(CompressionHuffman) {
			inner = nil
		}
		out, err := inflate(src, inner)
		if err != nil {
			return fmt.Errorf("archive: %s: %w", sf.Identifier, err)
		}
		src = out
	}
	if !sf.Compression.Has(CompressionHuffman) {
		if sf.Compression == CompressionNone {
			copy(dst, src)
		}
		return nil
	}
	if int(sf.Decoder) >= len(a.decoders) {
		return ErrInvalidDecoder
	}
	return a.decoders[sf.Decoder].decode(dst, src)
}

// inflate decodes a raw DEFLATE stream, into dst when it is non-nil.
func inflate(src, dst []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	if dst != nil {
		if _, err := io.ReadFull(r, dst); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		return dst, nil
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return out, nil
}
