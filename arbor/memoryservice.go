package arbor

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

func DefaultMemoryServiceSettings() *MemoryServiceSettings {
	return &MemoryServiceSettings{
		ObservationSupported:   true,
		SubscriptionBufferSize: 32,
	}
}

type MemoryServiceSettings struct {
	ObservationSupported   bool
	SubscriptionBufferSize int
}

// MemoryService is a complete in process implementation of
// `RepositoryService` backed by a mutex guarded node table. It applies
// batches atomically in append order and synthesizes the confirmation
// events per call. External observation broadcasts applied events to
// subscribers of other sessions, which makes it the reference
// collaborator for tests and the ctl demo.
type MemoryService struct {
	settings *MemoryServiceSettings

	mutex            sync.Mutex
	rootId           Id
	nodes            map[Id]*memoryNode
	labels           map[Id]map[string]Id
	subscriptions    map[int]*memorySubscription
	nextSubscription int
}

func NewMemoryServiceWithDefaults() *MemoryService {
	return NewMemoryService(DefaultMemoryServiceSettings())
}

func NewMemoryService(settings *MemoryServiceSettings) *MemoryService {
	rootId := NewId()
	root := &memoryNode{
		id:          rootId,
		primaryType: "arbor:root",
		checkedOut:  true,
		properties:  map[string]*memoryProperty{},
	}
	return &MemoryService{
		settings:      settings,
		rootId:        rootId,
		nodes:         map[Id]*memoryNode{rootId: root},
		labels:        map[Id]map[string]Id{},
		subscriptions: map[int]*memorySubscription{},
	}
}

type memoryNode struct {
	id          Id
	parentId    Id
	name        string
	primaryType string
	mixins      []string
	children    []Id
	properties  map[string]*memoryProperty

	checkedOut bool
	versions   []Id
	historyId  Id

	locked    bool
	lockDeep  bool
	lockToken string
}

type memoryProperty struct {
	propertyType PropertyType
	multi        bool
	values       []string
}

func (self *memoryNode) clone() *memoryNode {
	out := &memoryNode{
		id:          self.id,
		parentId:    self.parentId,
		name:        self.name,
		primaryType: self.primaryType,
		mixins:      slices.Clone(self.mixins),
		children:    slices.Clone(self.children),
		properties:  map[string]*memoryProperty{},
		checkedOut:  self.checkedOut,
		versions:    slices.Clone(self.versions),
		historyId:   self.historyId,
		locked:      self.locked,
		lockDeep:    self.lockDeep,
		lockToken:   self.lockToken,
	}
	for name, property := range self.properties {
		out.properties[name] = &memoryProperty{
			propertyType: property.propertyType,
			multi:        property.multi,
			values:       slices.Clone(property.values),
		}
	}
	return out
}

func (self *MemoryService) Descriptors() Descriptors {
	return Descriptors{
		ObservationSupported: self.settings.ObservationSupported,
	}
}

func (self *MemoryService) RootId(ctx context.Context, sessionInfo *SessionInfo) (Id, error) {
	return self.rootId, nil
}

func (self *MemoryService) FetchItemState(ctx context.Context, sessionInfo *SessionInfo, id ItemId) (ItemState, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, ok := self.nodes[id.NodeId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !id.IsProperty() {
		return NewNodeState(node.id, node.primaryType, slices.Clone(node.mixins), slices.Clone(node.children)), nil
	}
	property, ok := node.properties[id.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return NewPropertyState(id, property.propertyType, property.multi, slices.Clone(property.values)...), nil
}

func (self *MemoryService) ItemExists(ctx context.Context, sessionInfo *SessionInfo, id ItemId) (bool, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, ok := self.nodes[id.NodeId]
	if !ok {
		return false, nil
	}
	if !id.IsProperty() {
		return true, nil
	}
	_, ok = node.properties[id.Name]
	return ok, nil
}

func (self *MemoryService) FetchReferences(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (*NodeReferences, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.nodes[nodeId]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, nodeId)
	}
	target := nodeId.String()
	referrers := []ItemId{}
	for _, node := range self.nodes {
		for name, property := range node.properties {
			if property.propertyType != PropertyTypeReference {
				continue
			}
			if slices.Contains(property.values, target) {
				referrers = append(referrers, PropertyItemId(node.id, name))
			}
		}
	}
	return &NodeReferences{
		NodeId:    nodeId,
		Referrers: referrers,
	}, nil
}

func (self *MemoryService) CreateBatch(ctx context.Context, sessionInfo *SessionInfo) (Batch, error) {
	return &memoryBatch{
		service:     self,
		sessionInfo: sessionInfo,
	}, nil
}

func (self *MemoryService) Submit(ctx context.Context, batch Batch) (EventSequence, error) {
	memoryBatch, ok := batch.(*memoryBatch)
	if !ok {
		return nil, fmt.Errorf("batch was not created by this service")
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	// apply in append order. Restore the snapshot when any operation
	// fails so the batch is atomic.
	snapshot := map[Id]*memoryNode{}
	for id, node := range self.nodes {
		snapshot[id] = node.clone()
	}

	events := EventSequence{}
	for _, op := range memoryBatch.ops {
		opEvents, err := op(self)
		if err != nil {
			self.nodes = snapshot
			return nil, err
		}
		events = append(events, opEvents...)
	}

	self.broadcast(memoryBatch.sessionInfo, events)
	return events, nil
}

// called with the mutex held
func (self *MemoryService) broadcast(sessionInfo *SessionInfo, events EventSequence) {
	if len(events) == 0 {
		return
	}
	for _, subscription := range self.subscriptions {
		if sessionInfo != nil && subscription.sessionToken == sessionInfo.Token {
			// the submitting session sees its own changes as local
			continue
		}
		filtered := EventSequence{}
		for _, event := range events {
			if event.Type&subscription.eventMask != 0 {
				filtered = append(filtered, event)
			}
		}
		if len(filtered) == 0 {
			continue
		}
		select {
		case subscription.events <- filtered:
		default:
			glog.Warningf("[memory]subscription %d backpressure, dropping %d events\n", subscription.subscriptionId, len(filtered))
		}
	}
}

func (self *MemoryService) node(nodeId Id) (*memoryNode, error) {
	node, ok := self.nodes[nodeId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, nodeId)
	}
	return node, nil
}

func (self *MemoryService) childByName(parent *memoryNode, name string) *memoryNode {
	for _, childId := range parent.children {
		if child := self.nodes[childId]; child != nil && child.name == name {
			return child
		}
	}
	return nil
}

// called with the mutex held
func (self *MemoryService) addNode(parentId Id, name string, typeName string, nodeId Id) (EventSequence, error) {
	parent, err := self.node(parentId)
	if err != nil {
		return nil, err
	}
	if self.childByName(parent, name) != nil {
		return nil, fmt.Errorf("node %s already has a child %s", parentId, name)
	}
	if nodeId.IsZero() {
		nodeId = NewId()
	}
	if _, ok := self.nodes[nodeId]; ok {
		return nil, fmt.Errorf("node %s already exists", nodeId)
	}
	node := &memoryNode{
		id:          nodeId,
		parentId:    parentId,
		name:        name,
		primaryType: typeName,
		checkedOut:  true,
		historyId:   NewId(),
		properties:  map[string]*memoryProperty{},
	}
	self.nodes[nodeId] = node
	parent.children = append(parent.children, nodeId)
	return EventSequence{
		{Type: EventNodeAdded, ItemId: NodeItemId(nodeId), ParentId: parentId},
	}, nil
}

// called with the mutex held
func (self *MemoryService) removeItem(id ItemId) (EventSequence, error) {
	node, err := self.node(id.NodeId)
	if err != nil {
		return nil, err
	}
	if id.IsProperty() {
		if _, ok := node.properties[id.Name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		delete(node.properties, id.Name)
		return EventSequence{
			{Type: EventPropertyRemoved, ItemId: id, ParentId: node.id},
		}, nil
	}
	if node.id == self.rootId {
		return nil, fmt.Errorf("cannot remove the root node")
	}
	events := EventSequence{}
	for _, childId := range slices.Clone(node.children) {
		childEvents, err := self.removeItem(NodeItemId(childId))
		if err != nil {
			return nil, err
		}
		events = append(events, childEvents...)
	}
	parent := self.nodes[node.parentId]
	if parent != nil {
		i := slices.Index(parent.children, node.id)
		if 0 <= i {
			parent.children = slices.Delete(parent.children, i, i+1)
		}
	}
	delete(self.nodes, node.id)
	events = append(events, Event{Type: EventNodeRemoved, ItemId: NodeItemId(node.id), ParentId: node.parentId})
	return events, nil
}

// called with the mutex held
func (self *MemoryService) moveNode(nodeId Id, destParentId Id, destName string) (EventSequence, error) {
	node, err := self.node(nodeId)
	if err != nil {
		return nil, err
	}
	if nodeId == self.rootId {
		return nil, fmt.Errorf("cannot move the root node")
	}
	destParent, err := self.node(destParentId)
	if err != nil {
		return nil, err
	}
	if self.childByName(destParent, destName) != nil {
		return nil, fmt.Errorf("node %s already has a child %s", destParentId, destName)
	}

	oldParentId := node.parentId
	oldParent := self.nodes[oldParentId]
	if oldParent != nil {
		i := slices.Index(oldParent.children, nodeId)
		if 0 <= i {
			oldParent.children = slices.Delete(oldParent.children, i, i+1)
		}
	}
	node.parentId = destParentId
	node.name = destName
	destParent.children = append(destParent.children, nodeId)

	return EventSequence{
		{Type: EventNodeRemoved, ItemId: NodeItemId(nodeId), ParentId: oldParentId},
		{Type: EventNodeAdded, ItemId: NodeItemId(nodeId), ParentId: destParentId},
	}, nil
}

// called with the mutex held. Deep copies the subtree with fresh ids.
func (self *MemoryService) copySubtree(nodeId Id, destParentId Id, destName string) (EventSequence, error) {
	source, err := self.node(nodeId)
	if err != nil {
		return nil, err
	}
	destParent, err := self.node(destParentId)
	if err != nil {
		return nil, err
	}
	if self.childByName(destParent, destName) != nil {
		return nil, fmt.Errorf("node %s already has a child %s", destParentId, destName)
	}

	copyId := self.copyNode(source, destParentId, destName)
	destParent.children = append(destParent.children, copyId)
	return EventSequence{
		{Type: EventNodeAdded, ItemId: NodeItemId(copyId), ParentId: destParentId},
	}, nil
}

func (self *MemoryService) copyNode(source *memoryNode, parentId Id, name string) Id {
	out := source.clone()
	out.id = NewId()
	out.parentId = parentId
	out.name = name
	out.historyId = NewId()
	out.versions = nil
	out.children = nil
	out.locked = false
	out.lockToken = ""
	self.nodes[out.id] = out
	for _, childId := range source.children {
		if child := self.nodes[childId]; child != nil {
			copyId := self.copyNode(child, out.id, child.name)
			out.children = append(out.children, copyId)
		}
	}
	return out.id
}

func (self *MemoryService) Clone(ctx context.Context, sessionInfo *SessionInfo, workspaceName string, nodeId Id, destParentId Id, destName string, removeExisting bool) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	// single workspace store, a clone behaves like a copy
	if removeExisting {
		destParent, err := self.node(destParentId)
		if err != nil {
			return nil, err
		}
		if existing := self.childByName(destParent, destName); existing != nil {
			removeEvents, err := self.removeItem(NodeItemId(existing.id))
			if err != nil {
				return nil, err
			}
			copyEvents, err := self.copySubtree(nodeId, destParentId, destName)
			if err != nil {
				return nil, err
			}
			events := append(removeEvents, copyEvents...)
			self.broadcast(sessionInfo, events)
			return events, nil
		}
	}
	events, err := self.copySubtree(nodeId, destParentId, destName)
	if err != nil {
		return nil, err
	}
	self.broadcast(sessionInfo, events)
	return events, nil
}

func (self *MemoryService) Copy(ctx context.Context, sessionInfo *SessionInfo, workspaceName string, nodeId Id, destParentId Id, destName string) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	events, err := self.copySubtree(nodeId, destParentId, destName)
	if err != nil {
		return nil, err
	}
	self.broadcast(sessionInfo, events)
	return events, nil
}

func (self *MemoryService) Move(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, destParentId Id, destName string) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	events, err := self.moveNode(nodeId, destParentId, destName)
	if err != nil {
		return nil, err
	}
	self.broadcast(sessionInfo, events)
	return events, nil
}

func (self *MemoryService) Update(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, sourceWorkspaceName string) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, err := self.node(nodeId); err != nil {
		return nil, err
	}
	// single workspace store, nothing to pull
	return EventSequence{}, nil
}

func (self *MemoryService) Checkout(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, err := self.node(nodeId)
	if err != nil {
		return nil, err
	}
	if node.checkedOut {
		return EventSequence{}, nil
	}
	node.checkedOut = true
	events := EventSequence{
		{Type: EventPropertyChanged, ItemId: PropertyItemId(nodeId, "arbor:isCheckedOut"), ParentId: nodeId},
	}
	self.broadcast(sessionInfo, events)
	return events, nil
}

func (self *MemoryService) Checkin(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, err := self.node(nodeId)
	if err != nil {
		return nil, err
	}
	if !node.checkedOut {
		return nil, fmt.Errorf("node %s is already checked in", nodeId)
	}
	versionId := NewId()
	node.versions = append(node.versions, versionId)
	node.checkedOut = false

	// the new version becomes the sole predecessor baseline
	node.properties[PropPredecessors] = &memoryProperty{
		propertyType: PropertyTypeReference,
		multi:        true,
		values:       []string{versionId.String()},
	}
	events := EventSequence{
		{Type: EventPropertyChanged, ItemId: PropertyItemId(nodeId, "arbor:isCheckedOut"), ParentId: nodeId},
		{Type: EventPropertyChanged, ItemId: PropertyItemId(nodeId, PropPredecessors), ParentId: nodeId},
	}
	self.broadcast(sessionInfo, events)
	return events, nil
}

func (self *MemoryService) Restore(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, versionId Id, removeExisting bool) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, err := self.node(nodeId)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(node.versions, versionId) {
		return nil, fmt.Errorf("%w: version %s of %s", ErrNotFound, versionId, nodeId)
	}
	events := EventSequence{
		{Type: EventPropertyChanged, ItemId: PropertyItemId(nodeId, "arbor:baseVersion"), ParentId: nodeId},
	}
	self.broadcast(sessionInfo, events)
	return events, nil
}

func (self *MemoryService) RestoreVersions(ctx context.Context, sessionInfo *SessionInfo, versionIds []Id, removeExisting bool) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	events := EventSequence{}
	for _, versionId := range versionIds {
		restored := false
		for _, node := range self.nodes {
			if slices.Contains(node.versions, versionId) {
				events = append(events, Event{Type: EventPropertyChanged, ItemId: PropertyItemId(node.id, "arbor:baseVersion"), ParentId: node.id})
				restored = true
				break
			}
		}
		if !restored {
			return nil, fmt.Errorf("%w: version %s", ErrNotFound, versionId)
		}
	}
	self.broadcast(sessionInfo, events)
	return events, nil
}

func (self *MemoryService) Merge(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, sourceWorkspaceName string, bestEffort bool) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, err := self.node(nodeId); err != nil {
		return nil, err
	}
	// single workspace store, a merge never conflicts
	return EventSequence{}, nil
}

func (self *MemoryService) ResolveMergeConflict(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, mergeFailedIds []Id, predecessorIds []Id) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, err := self.node(nodeId)
	if err != nil {
		return nil, err
	}
	idValues := func(ids []Id) []string {
		values := make([]string, len(ids))
		for i, id := range ids {
			values[i] = id.String()
		}
		return values
	}
	if len(mergeFailedIds) == 0 {
		delete(node.properties, PropMergeFailed)
	} else {
		node.properties[PropMergeFailed] = &memoryProperty{
			propertyType: PropertyTypeReference,
			multi:        true,
			values:       idValues(mergeFailedIds),
		}
	}
	node.properties[PropPredecessors] = &memoryProperty{
		propertyType: PropertyTypeReference,
		multi:        true,
		values:       idValues(predecessorIds),
	}
	events := EventSequence{
		{Type: EventPropertyChanged, ItemId: PropertyItemId(nodeId, PropMergeFailed), ParentId: nodeId},
		{Type: EventPropertyChanged, ItemId: PropertyItemId(nodeId, PropPredecessors), ParentId: nodeId},
	}
	self.broadcast(sessionInfo, events)
	return events, nil
}

func (self *MemoryService) Lock(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, deep bool) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, err := self.node(nodeId)
	if err != nil {
		return nil, err
	}
	if node.locked {
		return nil, fmt.Errorf("node %s is already locked", nodeId)
	}
	node.locked = true
	node.lockDeep = deep
	node.lockToken = NewId().String()
	sessionInfo.AddLockToken(node.lockToken)
	events := EventSequence{
		{Type: EventPropertyChanged, ItemId: PropertyItemId(nodeId, "arbor:lockOwner"), ParentId: nodeId},
	}
	self.broadcast(sessionInfo, events)
	return events, nil
}

func (self *MemoryService) RefreshLock(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, err := self.node(nodeId)
	if err != nil {
		return nil, err
	}
	if !node.locked {
		return nil, fmt.Errorf("node %s is not locked", nodeId)
	}
	if !slices.Contains(sessionInfo.LockTokens(), node.lockToken) {
		return nil, fmt.Errorf("session does not hold the lock on %s", nodeId)
	}
	return EventSequence{}, nil
}

func (self *MemoryService) Unlock(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, err := self.node(nodeId)
	if err != nil {
		return nil, err
	}
	if !node.locked {
		return nil, fmt.Errorf("node %s is not locked", nodeId)
	}
	if !slices.Contains(sessionInfo.LockTokens(), node.lockToken) {
		return nil, fmt.Errorf("session does not hold the lock on %s", nodeId)
	}
	sessionInfo.RemoveLockToken(node.lockToken)
	node.locked = false
	node.lockDeep = false
	node.lockToken = ""
	events := EventSequence{
		{Type: EventPropertyChanged, ItemId: PropertyItemId(nodeId, "arbor:lockOwner"), ParentId: nodeId},
	}
	self.broadcast(sessionInfo, events)
	return events, nil
}

func (self *MemoryService) AddVersionLabel(ctx context.Context, sessionInfo *SessionInfo, versionHistoryId Id, versionId Id, label string, moveLabel bool) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	labels, ok := self.labels[versionHistoryId]
	if !ok {
		labels = map[string]Id{}
		self.labels[versionHistoryId] = labels
	}
	if existing, ok := labels[label]; ok && existing != versionId && !moveLabel {
		return nil, fmt.Errorf("label %s is already bound in history %s", label, versionHistoryId)
	}
	labels[label] = versionId
	events := EventSequence{
		{Type: EventPropertyChanged, ItemId: PropertyItemId(versionHistoryId, "arbor:versionLabels"), ParentId: versionHistoryId},
	}
	self.broadcast(sessionInfo, events)
	return events, nil
}

func (self *MemoryService) RemoveVersionLabel(ctx context.Context, sessionInfo *SessionInfo, versionHistoryId Id, versionId Id, label string) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	labels := self.labels[versionHistoryId]
	if boundId, ok := labels[label]; !ok || boundId != versionId {
		return nil, fmt.Errorf("%w: label %s on version %s", ErrNotFound, label, versionId)
	}
	delete(labels, label)
	events := EventSequence{
		{Type: EventPropertyChanged, ItemId: PropertyItemId(versionHistoryId, "arbor:versionLabels"), ParentId: versionHistoryId},
	}
	self.broadcast(sessionInfo, events)
	return events, nil
}

func (self *MemoryService) Subscribe(ctx context.Context, sessionInfo *SessionInfo, rootId Id, eventMask EventMask) (Subscription, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	subscriptionId := self.nextSubscription
	self.nextSubscription += 1

	subscription := &memorySubscription{
		service:        self,
		subscriptionId: subscriptionId,
		sessionToken:   sessionInfo.Token,
		eventMask:      eventMask,
		events:         make(chan EventSequence, self.settings.SubscriptionBufferSize),
	}
	self.subscriptions[subscriptionId] = subscription
	return subscription, nil
}

// version ids recorded for a node, oldest first. Test and demo surface.
func (self *MemoryService) Versions(nodeId Id) []Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if node, ok := self.nodes[nodeId]; ok {
		return slices.Clone(node.versions)
	}
	return nil
}

// label bindings for a version history. Test and demo surface.
func (self *MemoryService) Labels(versionHistoryId Id) map[string]Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := map[string]Id{}
	maps.Copy(out, self.labels[versionHistoryId])
	return out
}

type memorySubscription struct {
	service        *MemoryService
	subscriptionId int
	sessionToken   string
	eventMask      EventMask
	events         chan EventSequence

	closeOnce sync.Once
}

func (self *memorySubscription) Events() <-chan EventSequence {
	return self.events
}

func (self *memorySubscription) Close() error {
	self.closeOnce.Do(func() {
		self.service.mutex.Lock()
		delete(self.service.subscriptions, self.subscriptionId)
		self.service.mutex.Unlock()
		close(self.events)
	})
	return nil
}

// records operations client side, applied in order on submit
type memoryBatch struct {
	service     *MemoryService
	sessionInfo *SessionInfo
	ops         []func(service *MemoryService) (EventSequence, error)
}

func (self *memoryBatch) AddNode(parentId Id, name string, typeName string, nodeId Id) error {
	self.ops = append(self.ops, func(service *MemoryService) (EventSequence, error) {
		return service.addNode(parentId, name, typeName, nodeId)
	})
	return nil
}

func (self *memoryBatch) AddProperty(parentId Id, name string, propertyType PropertyType, multi bool, values []string) error {
	values = slices.Clone(values)
	self.ops = append(self.ops, func(service *MemoryService) (EventSequence, error) {
		node, err := service.node(parentId)
		if err != nil {
			return nil, err
		}
		if _, ok := node.properties[name]; ok {
			return nil, fmt.Errorf("node %s already has a property %s", parentId, name)
		}
		node.properties[name] = &memoryProperty{
			propertyType: propertyType,
			multi:        multi,
			values:       values,
		}
		return EventSequence{
			{Type: EventPropertyAdded, ItemId: PropertyItemId(parentId, name), ParentId: parentId},
		}, nil
	})
	return nil
}

func (self *memoryBatch) SetValue(propertyId ItemId, propertyType PropertyType, multi bool, values []string) error {
	values = slices.Clone(values)
	self.ops = append(self.ops, func(service *MemoryService) (EventSequence, error) {
		node, err := service.node(propertyId.NodeId)
		if err != nil {
			return nil, err
		}
		if _, ok := node.properties[propertyId.Name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, propertyId)
		}
		node.properties[propertyId.Name] = &memoryProperty{
			propertyType: propertyType,
			multi:        multi,
			values:       values,
		}
		return EventSequence{
			{Type: EventPropertyChanged, ItemId: propertyId, ParentId: propertyId.NodeId},
		}, nil
	})
	return nil
}

func (self *memoryBatch) SetMixins(nodeId Id, mixins []string) error {
	mixins = slices.Clone(mixins)
	self.ops = append(self.ops, func(service *MemoryService) (EventSequence, error) {
		node, err := service.node(nodeId)
		if err != nil {
			return nil, err
		}
		node.mixins = mixins
		return EventSequence{
			{Type: EventPropertyChanged, ItemId: PropertyItemId(nodeId, PropMixinTypes), ParentId: nodeId},
		}, nil
	})
	return nil
}

func (self *memoryBatch) Remove(id ItemId) error {
	self.ops = append(self.ops, func(service *MemoryService) (EventSequence, error) {
		return service.removeItem(id)
	})
	return nil
}

func (self *memoryBatch) ReorderNodes(parentId Id, insertId Id, beforeId Id) error {
	self.ops = append(self.ops, func(service *MemoryService) (EventSequence, error) {
		parent, err := service.node(parentId)
		if err != nil {
			return nil, err
		}
		i := slices.Index(parent.children, insertId)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s is not a child of %s", ErrNotFound, insertId, parentId)
		}
		children := slices.Delete(slices.Clone(parent.children), i, i+1)
		if beforeId.IsZero() {
			children = append(children, insertId)
		} else {
			j := slices.Index(children, beforeId)
			if j < 0 {
				return nil, fmt.Errorf("%w: %s is not a child of %s", ErrNotFound, beforeId, parentId)
			}
			children = slices.Insert(children, j, insertId)
		}
		parent.children = children
		return EventSequence{
			{Type: EventNodeAdded, ItemId: NodeItemId(insertId), ParentId: parentId},
		}, nil
	})
	return nil
}

func (self *memoryBatch) Move(nodeId Id, destParentId Id, destName string) error {
	self.ops = append(self.ops, func(service *MemoryService) (EventSequence, error) {
		return service.moveNode(nodeId, destParentId, destName)
	})
	return nil
}

func (self *memoryBatch) Dirty() bool {
	return 0 < len(self.ops)
}
