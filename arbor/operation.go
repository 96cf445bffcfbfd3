package arbor

import (
	"fmt"
)

// Operation is a single client mutation intent. The set of variants is
// closed; the batch executor dispatches over it with one exhaustive
// type switch. An operation is immutable once constructed and carries
// only the identifiers and values needed for its remote call.
type Operation interface {
	operation()
	String() string
}

type AddNode struct {
	ParentId Id
	Name     string
	TypeName string
	// zero to let the store assign one
	NodeId Id
}

type AddProperty struct {
	ParentId Id
	Name     string
	Type     PropertyType
	Values   []string
	Multi    bool
}

type SetPropertyValue struct {
	PropertyId ItemId
	Type       PropertyType
	Values     []string
	Multi      bool
}

type SetMixin struct {
	NodeId Id
	Mixins []string
}

type Remove struct {
	Id ItemId
}

type ReorderNodes struct {
	ParentId Id
	InsertId Id
	// zero to move to the end
	BeforeId Id
}

type Move struct {
	NodeId       Id
	DestParentId Id
	DestName     string
}

type Clone struct {
	WorkspaceName  string
	NodeId         Id
	DestParentId   Id
	DestName       string
	RemoveExisting bool
}

type Copy struct {
	WorkspaceName string
	NodeId        Id
	DestParentId  Id
	DestName      string
}

type Update struct {
	NodeId              Id
	SourceWorkspaceName string
}

type Checkout struct {
	NodeId Id
}

type Checkin struct {
	NodeId Id
}

type Restore struct {
	// zero to restore by version ids only
	NodeId         Id
	VersionIds     []Id
	RemoveExisting bool
}

type Merge struct {
	NodeId              Id
	SourceWorkspaceName string
	BestEffort          bool
}

type ResolveMergeConflict struct {
	NodeId    Id
	VersionId Id
	// true when the resolution completes the merge rather than cancels it
	Done bool
}

type Lock struct {
	NodeId Id
	Deep   bool
}

type LockRefresh struct {
	NodeId Id
}

type LockRelease struct {
	NodeId Id
}

type AddLabel struct {
	VersionHistoryId Id
	VersionId        Id
	Label            string
	MoveLabel        bool
}

type RemoveLabel struct {
	VersionHistoryId Id
	VersionId        Id
	Label            string
}

func (self *AddNode) operation()              {}
func (self *AddProperty) operation()          {}
func (self *SetPropertyValue) operation()     {}
func (self *SetMixin) operation()             {}
func (self *Remove) operation()               {}
func (self *ReorderNodes) operation()         {}
func (self *Move) operation()                 {}
func (self *Clone) operation()                {}
func (self *Copy) operation()                 {}
func (self *Update) operation()               {}
func (self *Checkout) operation()             {}
func (self *Checkin) operation()              {}
func (self *Restore) operation()              {}
func (self *Merge) operation()                {}
func (self *ResolveMergeConflict) operation() {}
func (self *Lock) operation()                 {}
func (self *LockRefresh) operation()          {}
func (self *LockRelease) operation()          {}
func (self *AddLabel) operation()             {}
func (self *RemoveLabel) operation()          {}

func (self *AddNode) String() string {
	return fmt.Sprintf("addNode(%s, %s)", self.ParentId, self.Name)
}

func (self *AddProperty) String() string {
	return fmt.Sprintf("addProperty(%s, %s)", self.ParentId, self.Name)
}

func (self *SetPropertyValue) String() string {
	return fmt.Sprintf("setPropertyValue(%s)", self.PropertyId)
}

func (self *SetMixin) String() string {
	return fmt.Sprintf("setMixin(%s)", self.NodeId)
}

func (self *Remove) String() string {
	return fmt.Sprintf("remove(%s)", self.Id)
}

func (self *ReorderNodes) String() string {
	return fmt.Sprintf("reorderNodes(%s)", self.ParentId)
}

func (self *Move) String() string {
	return fmt.Sprintf("move(%s->%s/%s)", self.NodeId, self.DestParentId, self.DestName)
}

func (self *Clone) String() string {
	return fmt.Sprintf("clone(%s@%s)", self.NodeId, self.WorkspaceName)
}

func (self *Copy) String() string {
	return fmt.Sprintf("copy(%s@%s)", self.NodeId, self.WorkspaceName)
}

func (self *Update) String() string {
	return fmt.Sprintf("update(%s@%s)", self.NodeId, self.SourceWorkspaceName)
}

func (self *Checkout) String() string {
	return fmt.Sprintf("checkout(%s)", self.NodeId)
}

func (self *Checkin) String() string {
	return fmt.Sprintf("checkin(%s)", self.NodeId)
}

func (self *Restore) String() string {
	return fmt.Sprintf("restore(%s)", self.NodeId)
}

func (self *Merge) String() string {
	return fmt.Sprintf("merge(%s@%s)", self.NodeId, self.SourceWorkspaceName)
}

func (self *ResolveMergeConflict) String() string {
	return fmt.Sprintf("resolveMergeConflict(%s, %s)", self.NodeId, self.VersionId)
}

func (self *Lock) String() string {
	return fmt.Sprintf("lock(%s)", self.NodeId)
}

func (self *LockRefresh) String() string {
	return fmt.Sprintf("lockRefresh(%s)", self.NodeId)
}

func (self *LockRelease) String() string {
	return fmt.Sprintf("lockRelease(%s)", self.NodeId)
}

func (self *AddLabel) String() string {
	return fmt.Sprintf("addLabel(%s, %s)", self.VersionId, self.Label)
}

func (self *RemoveLabel) String() string {
	return fmt.Sprintf("removeLabel(%s, %s)", self.VersionId, self.Label)
}
