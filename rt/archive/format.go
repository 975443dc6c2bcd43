// Package archive reads ASFILE asset archives: named files, each with a
// small inline blob and a list of typed sub-files whose payload may be
// Huffman coded and wrapped in an outer DEFLATE stream.
package archive

import (
	"errors"
	"fmt"
)

var (
	ErrBadHeader      = errors.New("archive: bad header")
	ErrTruncated      = errors.New("archive: truncated")
	ErrDuplicateName  = errors.New("archive: duplicate file name")
	ErrInvalidDecoder = errors.New("archive: invalid decoder")
	ErrOutOfBounds    = errors.New("archive: out of bounds")
	ErrCorrupt        = errors.New("archive: corrupt payload")
)

const (
	Magic   = "ASFILE"
	Version = 0

	headerSize      = 16
	fileMetaSize    = 8
	subFileMetaSize = 24
	decoderMetaSize = 4
)

// FourCC identifies a sub-file within a file.
type FourCC uint32

func MakeFourCC(s string) FourCC {
	var b [4]byte
	copy(b[:], s)
	return FourCC(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

func (f FourCC) String() string {
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(f))
		}
	}
	return string(b)
}

// Compression is a set of codecs applied to a sub-file. Huffman coding is
// applied first, the outer codec last.
type Compression uint16

const (
	CompressionNone    Compression = 0
	CompressionHuffman Compression = 1 << 0
	// CompressionGDeflate wraps the payload in a raw DEFLATE stream that
	// GPUs with decompression support consume directly.
	CompressionGDeflate Compression = 1 << 1
)

func (c Compression) Has(f Compression) bool { return c&f != 0 }

type fileHeader struct {
	Magic        [6]byte
	Version      uint16
	FileCount    uint32
	DecoderCount uint16
	Reserved     uint16
}

type fileMeta struct {
	NameLen        uint16
	SubFileCount   uint16
	InlineDataSize uint32
}

type subFileMeta struct {
	Identifier     uint32
	Compression    uint16
	Decoder        uint16
	Offset         uint64
	CompressedSize uint32
	RawSize        uint32
}

type decoderMeta struct {
	TableSize uint32
}
