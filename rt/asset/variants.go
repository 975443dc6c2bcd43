package asset

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/gekko3d/scenert/rt/archive"
	"github.com/gekko3d/scenert/rt/gfx"
)

var (
	ErrOutOfDescriptors = errors.New("asset: out of descriptors")
	ErrMissingSubFile   = errors.New("asset: missing sub-file")
)

var (
	// BufferSubFile holds the payload of a buffer asset.
	BufferSubFile = archive.MakeFourCC("DATA")
	// GeometrySubFile holds packed mesh data.
	GeometrySubFile = archive.MakeFourCC("GEOM")
)

// TextureSubFile names the payload of one mip of one layer.
func TextureSubFile(mip, layer uint32) archive.FourCC {
	return archive.FourCC(uint32('T') | uint32('X')<<8 | (mip&0xff)<<16 | (layer&0xff)<<24)
}

type archiveBuffer struct {
	typ    Type
	arc    *archive.Archive
	sf     *archive.SubFile
	usage  gfx.Usage
	name   string
	buffer gfx.Buffer
}

func newArchiveBuffer(typ Type, arc *archive.Archive, file string, id archive.FourCC, usage gfx.Usage) (archiveBuffer, error) {
	f, ok := arc.FindFile(file)
	if !ok {
		return archiveBuffer{}, fmt.Errorf("%w: file %q", ErrNotFound, file)
	}
	sf, ok := f.FindSubFile(id)
	if !ok {
		return archiveBuffer{}, fmt.Errorf("%w: %q has no %s", ErrMissingSubFile, file, id)
	}
	return archiveBuffer{typ: typ, arc: arc, sf: sf, usage: usage, name: file}, nil
}

func (b *archiveBuffer) Properties() Properties {
	p := Properties{Type: b.typ, GPUSize: b.GPUSize()}
	if b.buffer != nil {
		p.GPUAddress = b.buffer.GPUAddress()
	}
	return p
}

func (b *archiveBuffer) RequestStream(iface *Iface) (uint64, error) {
	if b.buffer != nil {
		return 0, nil
	}
	buf, err := iface.Device().CreateBuffer(gfx.BufferDesc{
		Name:   b.name,
		Size:   max(uint64(b.sf.RawSize), 4),
		Usage:  b.usage | gfx.UsageShaderResource | gfx.UsageDeviceAddress | gfx.UsageTransferDst,
		Memory: gfx.MemoryDefault,
	})
	if err != nil {
		return 0, err
	}
	b.buffer = buf
	if b.sf.RawSize == 0 {
		return 0, nil
	}
	return iface.Transfer().UploadBuffer(b.arc, b.sf, buf, 0), nil
}

func (b *archiveBuffer) RequestEviction(*Iface) {}

func (b *archiveBuffer) MakeResident(*Iface) error {
	if b.buffer == nil {
		return fmt.Errorf("asset: %q has no buffer", b.name)
	}
	return nil
}

func (b *archiveBuffer) Evict(iface *Iface) {
	if b.buffer != nil {
		iface.Release(b.buffer)
		b.buffer = nil
	}
}

func (b *archiveBuffer) GPUSize() uint64 { return uint64(b.sf.RawSize) }

// BufferFromArchive streams the DATA sub-file of an archive file into a
// device buffer referenced by address.
type BufferFromArchive struct {
	archiveBuffer
}

func NewBufferFromArchive(arc *archive.Archive, file string, usage gfx.Usage) (*BufferFromArchive, error) {
	b, err := newArchiveBuffer(TypeBuffer, arc, file, BufferSubFile, usage)
	if err != nil {
		return nil, err
	}
	return &BufferFromArchive{b}, nil
}

// GeometryInfo is stored in the inline data of a geometry file.
type GeometryInfo struct {
	MeshCount    uint32
	MeshletCount uint32
}

// GeometryFromArchive streams packed mesh data. Counts come from the
// file's inline data.
type GeometryFromArchive struct {
	archiveBuffer
	Info GeometryInfo
}

func NewGeometryFromArchive(arc *archive.Archive, file string) (*GeometryFromArchive, error) {
	b, err := newArchiveBuffer(TypeGeometry, arc, file, GeometrySubFile, 0)
	if err != nil {
		return nil, err
	}
	g := &GeometryFromArchive{archiveBuffer: b}
	f, _ := arc.FindFile(file)
	if inline := f.InlineData(); len(inline) >= 8 {
		g.Info.MeshCount = binary.LittleEndian.Uint32(inline)
		g.Info.MeshletCount = binary.LittleEndian.Uint32(inline[4:])
	}
	return g, nil
}

// TextureHeader is stored in the inline data of a texture file.
type TextureHeader struct {
	Format     gfx.Format
	Extent     gfx.Extent3D
	MipCount   uint32
	LayerCount uint32
}

const textureHeaderSize = 24

func (h TextureHeader) marshal() []byte {
	b := make([]byte, textureHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(h.Format))
	le.PutUint32(b[4:], h.Extent.Width)
	le.PutUint32(b[8:], h.Extent.Height)
	le.PutUint32(b[12:], h.Extent.Depth)
	le.PutUint32(b[16:], h.MipCount)
	le.PutUint32(b[20:], h.LayerCount)
	return b
}

func parseTextureHeader(b []byte) (TextureHeader, error) {
	if len(b) < textureHeaderSize {
		return TextureHeader{}, fmt.Errorf("asset: texture header of %d bytes", len(b))
	}
	le := binary.LittleEndian
	h := TextureHeader{
		Format:     gfx.Format(le.Uint32(b[0:])),
		Extent:     gfx.Extent3D{Width: le.Uint32(b[4:]), Height: le.Uint32(b[8:]), Depth: le.Uint32(b[12:])},
		MipCount:   max(le.Uint32(b[16:]), 1),
		LayerCount: max(le.Uint32(b[20:]), 1),
	}
	if h.Format.Info().BlockSize == 0 {
		return TextureHeader{}, fmt.Errorf("asset: unknown texture format %d", h.Format)
	}
	return h, nil
}

// AddTextureFile writes a texture file. data holds one payload per mip of
// each layer, layer major.
func AddTextureFile(b *archive.Builder, name string, h TextureHeader, data [][]byte, c archive.Compression) error {
	h.MipCount = max(h.MipCount, 1)
	h.LayerCount = max(h.LayerCount, 1)
	if len(data) != int(h.MipCount*h.LayerCount) {
		return fmt.Errorf("asset: texture %q: %d payloads for %d subresources", name, len(data), h.MipCount*h.LayerCount)
	}
	f, err := b.AddFile(name, h.marshal())
	if err != nil {
		return err
	}
	for layer := range h.LayerCount {
		for mip := range h.MipCount {
			f.AddSubFile(TextureSubFile(mip, layer), data[layer*h.MipCount+mip], c)
		}
	}
	return nil
}

// TextureFromArchive streams every subresource of a texture file and
// publishes it through the texture descriptor array.
type TextureFromArchive struct {
	arc        *archive.Archive
	name       string
	header     TextureHeader
	subFiles   []*archive.SubFile
	image      gfx.Image
	descriptor uint32
}

func NewTextureFromArchive(arc *archive.Archive, file string) (*TextureFromArchive, error) {
	f, ok := arc.FindFile(file)
	if !ok {
		return nil, fmt.Errorf("%w: file %q", ErrNotFound, file)
	}
	h, err := parseTextureHeader(f.InlineData())
	if err != nil {
		return nil, fmt.Errorf("asset: %q: %w", file, err)
	}
	t := &TextureFromArchive{arc: arc, name: file, header: h}
	for layer := range h.LayerCount {
		for mip := range h.MipCount {
			sf, ok := f.FindSubFile(TextureSubFile(mip, layer))
			if !ok {
				return nil, fmt.Errorf("%w: %q mip %d layer %d", ErrMissingSubFile, file, mip, layer)
			}
			t.subFiles = append(t.subFiles, sf)
		}
	}
	return t, nil
}

func (t *TextureFromArchive) Header() TextureHeader { return t.header }

func (t *TextureFromArchive) Properties() Properties {
	return Properties{Type: TypeTexture, DescriptorIndex: t.descriptor, GPUSize: t.GPUSize()}
}

func (t *TextureFromArchive) RequestStream(iface *Iface) (uint64, error) {
	if t.image != nil {
		return 0, nil
	}
	img, err := iface.Device().CreateImage(gfx.ImageDesc{
		Name:       t.name,
		Format:     t.header.Format,
		Extent:     t.header.Extent,
		MipCount:   t.header.MipCount,
		LayerCount: t.header.LayerCount,
		Usage:      gfx.UsageShaderResource | gfx.UsageTransferDst,
	})
	if err != nil {
		return 0, err
	}
	t.image = img
	var id uint64
	for layer := range t.header.LayerCount {
		for mip := range t.header.MipCount {
			sf := t.subFiles[layer*t.header.MipCount+mip]
			id = iface.Transfer().UploadImage(t.arc, sf, img, gfx.ImageSubresource{
				Aspect:     gfx.AspectColor,
				MipLevel:   mip,
				ArrayLayer: layer,
			})
		}
	}
	return id, nil
}

func (t *TextureFromArchive) RequestEviction(*Iface) {}

func (t *TextureFromArchive) MakeResident(iface *Iface) error {
	if t.image == nil {
		return fmt.Errorf("asset: %q has no image", t.name)
	}
	if t.descriptor != 0 {
		return nil
	}
	viewType := gfx.ViewType2D
	if t.header.LayerCount > 1 {
		viewType = gfx.ViewType2DArray
	}
	t.descriptor = iface.CreateTextureDescriptor(t.image, gfx.ImageViewDesc{
		Type:   viewType,
		Format: t.header.Format,
		Range:  gfx.FullImageRange(t.image),
		Usage:  gfx.UsageShaderResource,
	})
	if t.descriptor == 0 {
		return ErrOutOfDescriptors
	}
	return nil
}

func (t *TextureFromArchive) Evict(iface *Iface) {
	iface.FreeTextureDescriptor(t.descriptor)
	t.descriptor = 0
	if t.image != nil {
		iface.Release(t.image)
		t.image = nil
	}
}

func (t *TextureFromArchive) GPUSize() uint64 {
	var size uint64
	for mip := range t.header.MipCount {
		size += gfx.SubresourceSize(t.header.Format, t.header.Extent.MipExtent(mip))
	}
	return size * uint64(t.header.LayerCount)
}

// TextureStatic uploads an in-memory image as RGBA8, optionally with a
// full mip chain.
type TextureStatic struct {
	*TextureFromArchive
}

func NewTextureStatic(name string, src image.Image, mips bool) (*TextureStatic, error) {
	levels := []*image.RGBA{toRGBA(src)}
	for mips {
		prev := levels[len(levels)-1].Bounds()
		if prev.Dx() == 1 && prev.Dy() == 1 {
			break
		}
		next := image.NewRGBA(image.Rect(0, 0, max(prev.Dx()/2, 1), max(prev.Dy()/2, 1)))
		draw.BiLinear.Scale(next, next.Bounds(), levels[len(levels)-1], prev, draw.Src, nil)
		levels = append(levels, next)
	}

	b0 := levels[0].Bounds()
	h := TextureHeader{
		Format:     gfx.FormatRGBA8Unorm,
		Extent:     gfx.Extent3D{Width: uint32(b0.Dx()), Height: uint32(b0.Dy()), Depth: 1},
		MipCount:   uint32(len(levels)),
		LayerCount: 1,
	}
	data := make([][]byte, len(levels))
	for i, l := range levels {
		data[i] = l.Pix
	}

	b := archive.NewBuilder()
	if err := AddTextureFile(b, name, h, data, archive.CompressionNone); err != nil {
		return nil, err
	}
	raw, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	arc, err := archive.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, err
	}
	t, err := NewTextureFromArchive(arc, name)
	if err != nil {
		return nil, err
	}
	return &TextureStatic{t}, nil
}

func toRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) && rgba.Stride == 4*rgba.Rect.Dx() {
		return rgba
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// SamplerStatic is a sampler created on demand. It has no memory cost.
type SamplerStatic struct {
	Desc       gfx.SamplerDesc
	sampler    gfx.Sampler
	descriptor uint32
}

func NewSamplerStatic(desc gfx.SamplerDesc) *SamplerStatic {
	return &SamplerStatic{Desc: desc}
}

func (s *SamplerStatic) Properties() Properties {
	return Properties{Type: TypeSampler, DescriptorIndex: s.descriptor}
}

func (s *SamplerStatic) RequestStream(*Iface) (uint64, error) { return 0, nil }

func (s *SamplerStatic) RequestEviction(*Iface) {}

func (s *SamplerStatic) MakeResident(iface *Iface) error {
	if s.descriptor != 0 {
		return nil
	}
	if s.sampler == nil {
		smp, err := iface.Device().CreateSampler(s.Desc)
		if err != nil {
			return err
		}
		s.sampler = smp
	}
	s.descriptor = iface.CreateSamplerDescriptor(s.sampler)
	if s.descriptor == 0 {
		return ErrOutOfDescriptors
	}
	return nil
}

func (s *SamplerStatic) Evict(iface *Iface) {
	iface.FreeSamplerDescriptor(s.descriptor)
	s.descriptor = 0
	if s.sampler != nil {
		iface.Release(s.sampler)
		s.sampler = nil
	}
}

func (s *SamplerStatic) GPUSize() uint64 { return 0 }
