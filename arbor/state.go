package arbor

import (
	"fmt"

	"golang.org/x/exp/slices"
)

type Status int

const (
	StatusNew Status = iota
	StatusExisting
	StatusModified
	StatusDestroyed
	StatusInvalidated
)

func (self Status) String() string {
	switch self {
	case StatusNew:
		return "new"
	case StatusExisting:
		return "existing"
	case StatusModified:
		return "modified"
	case StatusDestroyed:
		return "destroyed"
	case StatusInvalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("status(%d)", int(self))
	}
}

type PropertyType int

const (
	PropertyTypeString PropertyType = iota
	PropertyTypeLong
	PropertyTypeBoolean
	PropertyTypeDate
	PropertyTypeReference
	PropertyTypeName
	PropertyTypePath
)

// names of the versioning bookkeeping properties maintained by the store
const (
	PropMergeFailed  = "arbor:mergeFailed"
	PropPredecessors = "arbor:predecessors"
	PropMixinTypes   = "arbor:mixinTypes"
)

// closed over `*NodeState` and `*PropertyState`
type ItemState interface {
	ItemId() ItemId
	Status() Status
	setStatus(status Status)
}

type NodeState struct {
	Id          Id
	PrimaryType string
	Mixins      []string
	// child node ids in document order
	Children []Id

	status Status
}

// facade implementations return fetched states as existing
func NewNodeState(id Id, primaryType string, mixins []string, children []Id) *NodeState {
	return &NodeState{
		Id:          id,
		PrimaryType: primaryType,
		Mixins:      mixins,
		Children:    children,
		status:      StatusExisting,
	}
}

func (self *NodeState) ItemId() ItemId {
	return NodeItemId(self.Id)
}

func (self *NodeState) Status() Status {
	return self.status
}

func (self *NodeState) setStatus(status Status) {
	self.status = status
}

func (self *NodeState) HasChild(childId Id) bool {
	return slices.Contains(self.Children, childId)
}

type PropertyState struct {
	Id   ItemId
	Type PropertyType
	// single valued states hold exactly one value
	Values []string
	Multi  bool

	status Status
}

func NewPropertyState(id ItemId, propertyType PropertyType, multi bool, values ...string) *PropertyState {
	return &PropertyState{
		Id:     id,
		Type:   propertyType,
		Values: values,
		Multi:  multi,
		status: StatusExisting,
	}
}

func (self *PropertyState) ItemId() ItemId {
	return self.Id
}

func (self *PropertyState) Status() Status {
	return self.status
}

func (self *PropertyState) setStatus(status Status) {
	self.status = status
}

func (self *PropertyState) Value() string {
	if len(self.Values) == 0 {
		return ""
	}
	return self.Values[0]
}

// properties of reference type pointing at a node
type NodeReferences struct {
	NodeId    Id
	Referrers []ItemId
}

func (self *NodeReferences) Empty() bool {
	return len(self.Referrers) == 0
}
