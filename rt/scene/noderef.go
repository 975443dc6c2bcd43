// Package scene keeps the scene graph, instances, render passes, pass
// groups, materials and draw buffers in host memory and mirrors them into
// the GPU rows the scene pipelines consume.
package scene

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidUsage  = errors.New("scene: invalid usage")
	ErrNotFound      = errors.New("scene: not found")
	ErrTooManyPasses = errors.New("scene: too many passes in group")
)

type NodeType uint8

const (
	NodeTypeNone NodeType = iota
	NodeTypeBvh
	NodeTypeInstance
	NodeTypeLight
	NodeTypeReflectionProbe
)

const (
	// NodeTypeBuiltInCount types are handled by traversal itself; every
	// later type gets its own node list in a pass group.
	NodeTypeBuiltInCount = 2
	MaxUserNodeTypes     = 32
	NodeTypeCount        = NodeTypeBuiltInCount + MaxUserNodeTypes
)

var nodeTypeNames = map[NodeType]string{
	NodeTypeNone:            "none",
	NodeTypeBvh:             "bvh",
	NodeTypeInstance:        "instance",
	NodeTypeLight:           "light",
	NodeTypeReflectionProbe: "reflection-probe",
}

func (t NodeType) String() string {
	if s, ok := nodeTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("user%d", int(t)-NodeTypeBuiltInCount)
}

// IsUser reports whether nodes of this type are emitted into node lists.
func (t NodeType) IsUser() bool {
	return t >= NodeTypeBuiltInCount && t < NodeTypeCount
}

// UserIndex is the node list slot of a user type.
func (t NodeType) UserIndex() uint32 { return uint32(t) - NodeTypeBuiltInCount }

// NodeRef packs a node type into the top 8 bits and an index into the low
// 24 bits. The zero value is the null reference.
type NodeRef uint32

const nodeIndexMask = 1<<24 - 1

// MaxNodeIndex is the largest index a NodeRef can carry.
const MaxNodeIndex = nodeIndexMask

func MakeNodeRef(t NodeType, index uint32) NodeRef {
	return NodeRef(uint32(t)<<24 | index&nodeIndexMask)
}

func (r NodeRef) Type() NodeType { return NodeType(r >> 24) }

func (r NodeRef) Index() uint32 { return uint32(r) & nodeIndexMask }

func (r NodeRef) IsNull() bool { return r == 0 }

func (r NodeRef) String() string {
	if r.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%s:%d", r.Type(), r.Index())
}
