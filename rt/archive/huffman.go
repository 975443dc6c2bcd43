package archive

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/huff0"
)

// Huffman coded payloads are split into blocks of huffmanBlockSize raw
// bytes, all coded with the sub-file's decoder table. Each block starts
// with a u32 holding the coded size, with blockStored set when the block
// is kept raw.
const (
	huffmanBlockSize = 1 << 16
	blockHeaderSize  = 4
	blockStored      = 1 << 31

	// tableSampleSize bounds the histogram sample the shared table is
	// built from.
	tableSampleSize = 1 << 16
)

// huffmanDecoder decodes payloads against one decoder table. It is safe
// for concurrent use.
type huffmanDecoder struct {
	dec *huff0.Decoder
}

// newHuffmanDecoder parses a table as written by huff0. An empty table is
// valid and only decodes stored blocks.
func newHuffmanDecoder(table []byte) (*huffmanDecoder, error) {
	if len(table) == 0 {
		return &huffmanDecoder{}, nil
	}
	s, remain, err := huff0.ReadTable(table, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDecoder, err)
	}
	if len(remain) != 0 {
		return nil, fmt.Errorf("%w: %d trailing table bytes", ErrInvalidDecoder, len(remain))
	}
	return &huffmanDecoder{dec: s.Decoder()}, nil
}

// decode fills dst from the blocks in src.
func (d *huffmanDecoder) decode(dst, src []byte) error {
	for len(dst) > 0 {
		n := min(len(dst), huffmanBlockSize)
		if len(src) < blockHeaderSize {
			return fmt.Errorf("%w: huffman block header missing", ErrCorrupt)
		}
		hdr := binary.LittleEndian.Uint32(src)
		size := int(hdr &^ blockStored)
		src = src[blockHeaderSize:]
		if size > len(src) {
			return fmt.Errorf("%w: huffman block of %d bytes, %d left", ErrCorrupt, size, len(src))
		}
		block := src[:size]
		src = src[size:]

		switch {
		case hdr&blockStored != 0:
			if size != n {
				return fmt.Errorf("%w: stored block of %d bytes, want %d", ErrCorrupt, size, n)
			}
			copy(dst, block)
		case d.dec == nil:
			return fmt.Errorf("%w: coded block without a table", ErrCorrupt)
		default:
			out, err := d.dec.Decompress1X(dst[:0:n], block)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrCorrupt, err)
			}
			if len(out) != n {
				return fmt.Errorf("%w: huffman block decoded to %d bytes, want %d", ErrCorrupt, len(out), n)
			}
			copy(dst, out)
		}
		dst = dst[n:]
	}
	return nil
}

// huffmanEncode returns the decoder table for data and its coded blocks.
// The table is empty when data has no usable code; every block is then
// stored.
func huffmanEncode(data []byte) (table, coded []byte) {
	var s huff0.Scratch
	s.Reuse = huff0.ReusePolicyNone
	if _, _, err := huff0.Compress1X(tableSample(data), &s); err == nil {
		table = append([]byte(nil), s.OutTable...)
		s.Reuse = huff0.ReusePolicyMust
	}

	var hdr [blockHeaderSize]byte
	for len(data) > 0 {
		n := min(len(data), huffmanBlockSize)
		block := data[:n]
		data = data[n:]

		var out []byte
		if len(table) > 0 {
			// Blocks the table cannot shrink come back as errors and are
			// stored.
			if o, reused, err := huff0.Compress1X(block, &s); err == nil && reused {
				out = o
			}
		}
		if out == nil {
			binary.LittleEndian.PutUint32(hdr[:], uint32(n)|blockStored)
			coded = append(coded, hdr[:]...)
			coded = append(coded, block...)
			continue
		}
		binary.LittleEndian.PutUint32(hdr[:], uint32(len(out)))
		coded = append(coded, hdr[:]...)
		coded = append(coded, out...)
	}
	return table, coded
}

// tableSample scales the byte histogram of data down to at most
// tableSampleSize bytes, keeping every symbol that occurs.
func tableSample(data []byte) []byte {
	if len(data) <= tableSampleSize {
		return data
	}
	var hist [256]uint64
	for _, b := range data {
		hist[b]++
	}
	total := uint64(len(data))
	sample := make([]byte, 0, tableSampleSize+len(hist))
	for sym, c := range hist {
		if c == 0 {
			continue
		}
		for range max(c*tableSampleSize/total, 1) {
			sample = append(sample, byte(sym))
		}
	}
	return sample
}
