// Package asset tracks GPU residency of streamed resources. Assets are
// grouped; streaming a group makes every member resident and writes its
// descriptor indices or buffer addresses into a GPU visible list that
// shaders read. Unused assets are evicted in LRU order once the memory
// budget is exceeded.
package asset

import (
	"errors"
	"fmt"
)

// Handle names an asset. Zero is invalid.
type Handle uint32

// GroupHandle names an asset group. Zero is invalid.
type GroupHandle uint32

var (
	ErrNotFound      = errors.New("asset: not found")
	ErrDuplicateName = errors.New("asset: duplicate name")
	ErrClosed        = errors.New("asset: manager closed")
	ErrInvalidEntry  = errors.New("asset: invalid group entry")
	ErrInUse         = errors.New("asset: still referenced by a group")
)

type Type uint32

const (
	TypeBuffer Type = iota
	TypeGeometry
	TypeTexture
	TypeSampler
	TypeCustom
)

func (t Type) String() string {
	switch t {
	case TypeBuffer:
		return "buffer"
	case TypeGeometry:
		return "geometry"
	case TypeTexture:
		return "texture"
	case TypeSampler:
		return "sampler"
	case TypeCustom:
		return "custom"
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

type Status uint32

const (
	StatusNonResident Status = iota
	StatusResident
	StatusStreamRequest
	StatusEvictRequest
)

func (s Status) String() string {
	switch s {
	case StatusNonResident:
		return "non-resident"
	case StatusResident:
		return "resident"
	case StatusStreamRequest:
		return "stream-request"
	case StatusEvictRequest:
		return "evict-request"
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// Properties describe an asset as seen by group lists. The manager owns
// Status; implementations leave it zero.
type Properties struct {
	Type            Type
	Status          Status
	DescriptorIndex uint32
	GPUAddress      uint64
	GPUSize         uint64
}

// Asset is the capability set the manager drives. Calls are serialized by
// the manager.
type Asset interface {
	Properties() Properties
	// RequestStream starts loading. A zero transfer id means the asset can
	// be made resident right away; otherwise MakeResident is called once
	// that transfer completes.
	RequestStream(iface *Iface) (transferID uint64, err error)
	// RequestEviction is called when the asset is scheduled for eviction.
	// Its resources must stay valid until Evict.
	RequestEviction(iface *Iface)
	MakeResident(iface *Iface) error
	Evict(iface *Iface)
	GPUSize() uint64
}

type GroupType uint32

const (
	// GroupAppManaged groups are streamed and evicted by the application.
	GroupAppManaged GroupType = iota
	// GroupGPUManaged groups follow shader access feedback.
	GroupGPUManaged
)

type GroupStatus uint32

const (
	GroupResident GroupStatus = 1 << iota
	GroupActive
)

type ReferenceKind uint32

const (
	// RefDescriptor writes the asset's 32 bit descriptor index.
	RefDescriptor ReferenceKind = iota
	// RefAddress writes the asset's 64 bit GPU address as two dwords.
	RefAddress
)

func (k ReferenceKind) dwords() uint32 {
	if k == RefAddress {
		return 2
	}
	return 1
}

// GroupEntry places one asset reference in a group list, at a dword
// offset past the list header.
type GroupEntry struct {
	Asset  Handle
	Kind   ReferenceKind
	Offset uint32
}

// ListHeaderSize is the size of the header preceding each group list:
// group handle, reserved, last update frame, last access frame.
const ListHeaderSize = 16

// GroupInfo is a snapshot of a group.
type GroupInfo struct {
	Name              string
	Type              GroupType
	Status            GroupStatus
	Entries           []GroupEntry
	DwordCount        uint32
	GPUAddress        uint64
	LastUpdateFrameID uint64
	LastCommitFrameID uint64
	LastUseFrameID    uint64
}

// Info is a snapshot of an asset.
type Info struct {
	Name             string
	Properties       Properties
	ActiveGroupCount uint32
	ActiveFrameID    uint64
}
