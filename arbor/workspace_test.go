package arbor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// scripted repository service for executor tests
type stubService struct {
	observation bool
	rootId      Id

	mutex      sync.Mutex
	states     map[ItemId]ItemState
	fetchCount map[ItemId]int
	calls      []string
	submitted  []*stubBatch

	submitEvents EventSequence
	submitErr    error

	standaloneEvents EventSequence
	standaloneErr    error

	resolveMergeFailedIds []Id
	resolvePredecessorIds []Id

	batchFailAfter int

	subscribed bool
	external   chan EventSequence
}

func newStubService() *stubService {
	return &stubService{
		rootId:     NewId(),
		states:     map[ItemId]ItemState{},
		fetchCount: map[ItemId]int{},
		external:   make(chan EventSequence, 8),
	}
}

func (self *stubService) Calls() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]string, len(self.calls))
	copy(out, self.calls)
	return out
}

func (self *stubService) FetchCount(id ItemId) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.fetchCount[id]
}

func (self *stubService) Descriptors() Descriptors {
	return Descriptors{
		ObservationSupported: self.observation,
	}
}

func (self *stubService) RootId(ctx context.Context, sessionInfo *SessionInfo) (Id, error) {
	return self.rootId, nil
}

func (self *stubService) FetchItemState(ctx context.Context, sessionInfo *SessionInfo, id ItemId) (ItemState, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.fetchCount[id] += 1
	state, ok := self.states[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return state, nil
}

func (self *stubService) ItemExists(ctx context.Context, sessionInfo *SessionInfo, id ItemId) (bool, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	_, ok := self.states[id]
	return ok, nil
}

func (self *stubService) FetchReferences(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (*NodeReferences, error) {
	return &NodeReferences{NodeId: nodeId}, nil
}

func (self *stubService) CreateBatch(ctx context.Context, sessionInfo *SessionInfo) (Batch, error) {
	return &stubBatch{failAfter: self.batchFailAfter}, nil
}

func (self *stubService) Submit(ctx context.Context, batch Batch) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.submitted = append(self.submitted, batch.(*stubBatch))
	if self.submitErr != nil {
		return nil, self.submitErr
	}
	return self.submitEvents, nil
}

func (self *stubService) standalone(call string) (EventSequence, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.calls = append(self.calls, call)
	if self.standaloneErr != nil {
		return nil, self.standaloneErr
	}
	return self.standaloneEvents, nil
}

func (self *stubService) Clone(ctx context.Context, sessionInfo *SessionInfo, workspaceName string, nodeId Id, destParentId Id, destName string, removeExisting bool) (EventSequence, error) {
	return self.standalone("clone")
}

func (self *stubService) Copy(ctx context.Context, sessionInfo *SessionInfo, workspaceName string, nodeId Id, destParentId Id, destName string) (EventSequence, error) {
	return self.standalone("copy")
}

func (self *stubService) Move(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, destParentId Id, destName string) (EventSequence, error) {
	return self.standalone("move")
}

func (self *stubService) Update(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, sourceWorkspaceName string) (EventSequence, error) {
	return self.standalone("update")
}

func (self *stubService) Checkout(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (EventSequence, error) {
	return self.standalone("checkout")
}

func (self *stubService) Checkin(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (EventSequence, error) {
	return self.standalone("checkin")
}

func (self *stubService) Restore(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, versionId Id, removeExisting bool) (EventSequence, error) {
	return self.standalone("restore")
}

func (self *stubService) RestoreVersions(ctx context.Context, sessionInfo *SessionInfo, versionIds []Id, removeExisting bool) (EventSequence, error) {
	return self.standalone("restoreVersions")
}

func (self *stubService) Merge(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, sourceWorkspaceName string, bestEffort bool) (EventSequence, error) {
	return self.standalone("merge")
}

func (self *stubService) ResolveMergeConflict(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, mergeFailedIds []Id, predecessorIds []Id) (EventSequence, error) {
	self.mutex.Lock()
	self.resolveMergeFailedIds = mergeFailedIds
	self.resolvePredecessorIds = predecessorIds
	self.mutex.Unlock()
	return self.standalone("resolveMergeConflict")
}

func (self *stubService) Lock(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, deep bool) (EventSequence, error) {
	return self.standalone("lock")
}

func (self *stubService) RefreshLock(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (EventSequence, error) {
	return self.standalone("refreshLock")
}

func (self *stubService) Unlock(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (EventSequence, error) {
	return self.standalone("unlock")
}

func (self *stubService) AddVersionLabel(ctx context.Context, sessionInfo *SessionInfo, versionHistoryId Id, versionId Id, label string, moveLabel bool) (EventSequence, error) {
	return self.standalone("addVersionLabel")
}

func (self *stubService) RemoveVersionLabel(ctx context.Context, sessionInfo *SessionInfo, versionHistoryId Id, versionId Id, label string) (EventSequence, error) {
	return self.standalone("removeVersionLabel")
}

func (self *stubService) Subscribe(ctx context.Context, sessionInfo *SessionInfo, rootId Id, eventMask EventMask) (Subscription, error) {
	self.mutex.Lock()
	self.subscribed = true
	self.mutex.Unlock()
	return &stubSubscription{events: self.external}, nil
}

type stubSubscription struct {
	events    chan EventSequence
	closeOnce sync.Once
}

func (self *stubSubscription) Events() <-chan EventSequence {
	return self.events
}

func (self *stubSubscription) Close() error {
	self.closeOnce.Do(func() {
		close(self.events)
	})
	return nil
}

// records appended operations for order assertions
type stubBatch struct {
	ops []string
	// append calls fail after this many operations, 0 for unlimited
	failAfter int
}

func (self *stubBatch) append(op string) error {
	if 0 < self.failAfter && self.failAfter <= len(self.ops) {
		return fmt.Errorf("batch append rejected after %d operations", self.failAfter)
	}
	self.ops = append(self.ops, op)
	return nil
}

func (self *stubBatch) AddNode(parentId Id, name string, typeName string, nodeId Id) error {
	return self.append(fmt.Sprintf("addNode %s", name))
}

func (self *stubBatch) AddProperty(parentId Id, name string, propertyType PropertyType, multi bool, values []string) error {
	return self.append(fmt.Sprintf("addProperty %s", name))
}

func (self *stubBatch) SetValue(propertyId ItemId, propertyType PropertyType, multi bool, values []string) error {
	return self.append(fmt.Sprintf("setValue %s", propertyId.Name))
}

func (self *stubBatch) SetMixins(nodeId Id, mixins []string) error {
	return self.append("setMixins")
}

func (self *stubBatch) Remove(id ItemId) error {
	return self.append(fmt.Sprintf("remove %s", id))
}

func (self *stubBatch) ReorderNodes(parentId Id, insertId Id, beforeId Id) error {
	return self.append("reorderNodes")
}

func (self *stubBatch) Move(nodeId Id, destParentId Id, destName string) error {
	return self.append(fmt.Sprintf("move %s", destName))
}

func (self *stubBatch) Dirty() bool {
	return 0 < len(self.ops)
}

type notification struct {
	events EventSequence
	local  bool
}

func collectNotifications(workspaceManager *WorkspaceManager) (<-chan notification, func()) {
	out := make(chan notification, 16)
	unsub := workspaceManager.AddEventListener(func(events EventSequence, local bool) {
		out <- notification{events: events, local: local}
	})
	return out, unsub
}

func newTestWorkspace(t *testing.T, service RepositoryService) *WorkspaceManager {
	workspaceManager, err := NewWorkspaceManagerWithDefaults(
		context.Background(),
		service,
		NewSessionInfo("test-token", "default"),
	)
	assert.Equal(t, err, nil)
	return workspaceManager
}

func TestBatchableOperationsPreserveAppendOrder(t *testing.T) {
	service := newStubService()
	workspaceManager := newTestWorkspace(t, service)
	defer workspaceManager.Dispose()

	parentId := NewId()
	changeLog := NewChangeLog(
		&AddNode{ParentId: parentId, Name: "n1", TypeName: "arbor:folder"},
		&AddProperty{ParentId: parentId, Name: "p1", Type: PropertyTypeString, Values: []string{"v"}},
		&Remove{Id: PropertyItemId(parentId, "old")},
		&Move{NodeId: NewId(), DestParentId: parentId, DestName: "moved"},
		&SetMixin{NodeId: parentId, Mixins: []string{"arbor:tagged"}},
	)

	notifications, unsub := collectNotifications(workspaceManager)
	defer unsub()

	err := workspaceManager.Execute(context.Background(), changeLog)
	assert.Equal(t, err, nil)
	assert.Equal(t, ChangeLogPersisted, changeLog.State())

	// exactly one batch, operations in log order.
	// move was batchable because the batch was open.
	assert.Equal(t, 1, len(service.submitted))
	assert.Equal(t, []string{
		"addNode n1",
		"addProperty p1",
		"remove " + PropertyItemId(parentId, "old").String(),
		"move moved",
		"setMixins",
	}, service.submitted[0].ops)

	// exactly one local notification for the submission
	n := <-notifications
	assert.Equal(t, true, n.local)
	select {
	case extra := <-notifications:
		t.Fatalf("unexpected extra notification: %v", extra)
	default:
	}
}

func TestChangeLogIsSingleUse(t *testing.T) {
	service := newStubService()
	workspaceManager := newTestWorkspace(t, service)
	defer workspaceManager.Dispose()

	changeLog := NewChangeLog(
		&AddNode{ParentId: NewId(), Name: "n1", TypeName: "arbor:folder"},
	)

	err := workspaceManager.Execute(context.Background(), changeLog)
	assert.Equal(t, err, nil)
	assert.Equal(t, ChangeLogPersisted, changeLog.State())

	err = workspaceManager.Execute(context.Background(), changeLog)
	assert.NotEqual(t, err, nil)
	// the rejected rerun does not touch the remote
	assert.Equal(t, 1, len(service.submitted))
}

func TestStandaloneMove(t *testing.T) {
	// scenario: a single move with no batch open issues one standalone
	// move call and the returned local events invalidate the cache
	service := newStubService()
	workspaceManager := newTestWorkspace(t, service)
	defer workspaceManager.Dispose()

	nodeId := NewId()
	oldParentId := NewId()
	service.states[NodeItemId(nodeId)] = NewNodeState(nodeId, "arbor:folder", nil, nil)
	service.states[NodeItemId(oldParentId)] = NewNodeState(oldParentId, "arbor:folder", nil, []Id{nodeId})
	service.standaloneEvents = EventSequence{
		{Type: EventNodeRemoved, ItemId: NodeItemId(nodeId), ParentId: oldParentId},
		{Type: EventNodeAdded, ItemId: NodeItemId(nodeId), ParentId: NewId()},
	}

	// warm the cache
	_, err := workspaceManager.GetState(context.Background(), NodeItemId(oldParentId))
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, service.FetchCount(NodeItemId(oldParentId)))

	notifications, unsub := collectNotifications(workspaceManager)
	defer unsub()

	err = workspaceManager.ExecuteOperation(context.Background(), &Move{
		NodeId:       nodeId,
		DestParentId: NewId(),
		DestName:     "m",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{"move"}, service.Calls())
	assert.Equal(t, 0, len(service.submitted))

	n := <-notifications
	assert.Equal(t, true, n.local)
	assert.Equal(t, service.standaloneEvents, n.events)

	// the old parent's cached child list was invalidated, the next
	// read refetches exactly once
	_, err = workspaceManager.GetState(context.Background(), NodeItemId(oldParentId))
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, service.FetchCount(NodeItemId(oldParentId)))
}

func TestStandaloneDoesNotFlushOpenBatch(t *testing.T) {
	service := newStubService()
	workspaceManager := newTestWorkspace(t, service)
	defer workspaceManager.Dispose()

	parentId := NewId()
	changeLog := NewChangeLog(
		&AddNode{ParentId: parentId, Name: "n1", TypeName: "arbor:folder"},
		&Checkout{NodeId: parentId},
		&AddNode{ParentId: parentId, Name: "n2", TypeName: "arbor:folder"},
	)

	err := workspaceManager.Execute(context.Background(), changeLog)
	assert.Equal(t, err, nil)

	// the interleaved standalone call went out on its own, the batch
	// accumulated across it and was submitted once at the end
	assert.Equal(t, []string{"checkout"}, service.Calls())
	assert.Equal(t, 1, len(service.submitted))
	assert.Equal(t, []string{"addNode n1", "addNode n2"}, service.submitted[0].ops)
}

func TestObservationUnsupported(t *testing.T) {
	// scenario: the service does not support observation. Listeners
	// still register, but no external notification ever arrives.
	service := newStubService()
	service.observation = false
	workspaceManager := newTestWorkspace(t, service)
	defer workspaceManager.Dispose()

	assert.Equal(t, false, service.subscribed)

	notifications, unsub := collectNotifications(workspaceManager)
	defer unsub()

	service.standaloneEvents = EventSequence{
		{Type: EventPropertyChanged, ItemId: PropertyItemId(NewId(), "p")},
	}
	err := workspaceManager.ExecuteOperation(context.Background(), &Checkout{NodeId: NewId()})
	assert.Equal(t, err, nil)

	n := <-notifications
	assert.Equal(t, true, n.local)
	select {
	case extra := <-notifications:
		t.Fatalf("unexpected notification: %v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExternalEvents(t *testing.T) {
	service := newStubService()
	service.observation = true
	workspaceManager := newTestWorkspace(t, service)
	defer workspaceManager.Dispose()

	assert.Equal(t, true, service.subscribed)

	nodeId := NewId()
	service.states[NodeItemId(nodeId)] = NewNodeState(nodeId, "arbor:folder", nil, nil)
	_, err := workspaceManager.GetState(context.Background(), NodeItemId(nodeId))
	assert.Equal(t, err, nil)

	notifications, unsub := collectNotifications(workspaceManager)
	defer unsub()

	external := EventSequence{
		{Type: EventPropertyChanged, ItemId: PropertyItemId(nodeId, "p"), ParentId: nodeId},
	}
	service.external <- external

	select {
	case n := <-notifications:
		// external events are never tagged local
		assert.Equal(t, false, n.local)
		assert.Equal(t, external, n.events)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for external notification")
	}

	// the externally changed node was invalidated
	_, err = workspaceManager.GetState(context.Background(), NodeItemId(nodeId))
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, service.FetchCount(NodeItemId(nodeId)))
}

func TestResolveMergeConflict(t *testing.T) {
	// scenario: resolving V1 with a completed merge removes V1 from
	// the merge failed list and appends it to the predecessors
	service := newStubService()
	workspaceManager := newTestWorkspace(t, service)
	defer workspaceManager.Dispose()

	nodeId := NewId()
	v1 := NewId()
	v2 := NewId()
	p1 := NewId()
	service.states[PropertyItemId(nodeId, PropMergeFailed)] = NewPropertyState(
		PropertyItemId(nodeId, PropMergeFailed), PropertyTypeReference, true, v1.String(), v2.String())
	service.states[PropertyItemId(nodeId, PropPredecessors)] = NewPropertyState(
		PropertyItemId(nodeId, PropPredecessors), PropertyTypeReference, true, p1.String())

	err := workspaceManager.ExecuteOperation(context.Background(), &ResolveMergeConflict{
		NodeId:    nodeId,
		VersionId: v1,
		Done:      true,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{"resolveMergeConflict"}, service.Calls())
	assert.Equal(t, []Id{v2}, service.resolveMergeFailedIds)
	assert.Equal(t, []Id{p1, v1}, service.resolvePredecessorIds)
}

func TestResolveMergeConflictCancel(t *testing.T) {
	// a cancelled resolution does not extend the predecessors
	service := newStubService()
	workspaceManager := newTestWorkspace(t, service)
	defer workspaceManager.Dispose()

	nodeId := NewId()
	v1 := NewId()
	p1 := NewId()
	service.states[PropertyItemId(nodeId, PropMergeFailed)] = NewPropertyState(
		PropertyItemId(nodeId, PropMergeFailed), PropertyTypeReference, true, v1.String())
	service.states[PropertyItemId(nodeId, PropPredecessors)] = NewPropertyState(
		PropertyItemId(nodeId, PropPredecessors), PropertyTypeReference, true, p1.String())

	err := workspaceManager.ExecuteOperation(context.Background(), &ResolveMergeConflict{
		NodeId:    nodeId,
		VersionId: v1,
		Done:      false,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, []Id{}, service.resolveMergeFailedIds)
	assert.Equal(t, []Id{p1}, service.resolvePredecessorIds)
}

func TestResolveMergeConflictMissingProperty(t *testing.T) {
	service := newStubService()
	workspaceManager := newTestWorkspace(t, service)
	defer workspaceManager.Dispose()

	err := workspaceManager.ExecuteOperation(context.Background(), &ResolveMergeConflict{
		NodeId:    NewId(),
		VersionId: NewId(),
		Done:      true,
	})
	assert.NotEqual(t, err, nil)
	// surfaced, not recovered. No remote call was made.
	assert.Equal(t, []string{}, service.Calls())
}

func TestPartialBatchSubmittedOnFailure(t *testing.T) {
	// scenario: a later failure must not drop the operations already
	// accumulated in the batch
	service := newStubService()
	service.submitErr = errors.New("remote unavailable")
	workspaceManager := newTestWorkspace(t, service)
	defer workspaceManager.Dispose()

	parentId := NewId()
	service.standaloneErr = errors.New("clone rejected")
	changeLog := NewChangeLog(
		&AddNode{ParentId: parentId, Name: "n1", TypeName: "arbor:folder"},
		&AddNode{ParentId: parentId, Name: "n2", TypeName: "arbor:folder"},
		&Clone{WorkspaceName: "other", NodeId: NewId(), DestParentId: parentId, DestName: "c"},
	)

	err := workspaceManager.Execute(context.Background(), changeLog)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, ChangeLogFailed, changeLog.State())

	// the clone failed but the two accumulated operations were still
	// submitted on the way out
	assert.Equal(t, 1, len(service.submitted))
	assert.Equal(t, []string{"addNode n1", "addNode n2"}, service.submitted[0].ops)
}

func TestBatchAppendFailure(t *testing.T) {
	// an append rejection after two of three batchable operations still
	// submits the two accumulated operations on the way out
	service := newStubService()
	workspaceManager := newTestWorkspace(t, service)
	defer workspaceManager.Dispose()

	parentId := NewId()
	changeLog := NewChangeLog(
		&AddNode{ParentId: parentId, Name: "n1", TypeName: "arbor:folder"},
		&AddNode{ParentId: parentId, Name: "n2", TypeName: "arbor:folder"},
		&AddNode{ParentId: parentId, Name: "n3", TypeName: "arbor:folder"},
	)

	service.batchFailAfter = 2
	err := workspaceManager.Execute(context.Background(), changeLog)
	assert.NotEqual(t, err, nil)

	assert.Equal(t, 1, len(service.submitted))
	assert.Equal(t, []string{"addNode n1", "addNode n2"}, service.submitted[0].ops)

	// the submission itself succeeded, so the log is persisted even
	// though the rejected append is raised to the caller
	assert.Equal(t, ChangeLogPersisted, changeLog.State())
}

func TestSubmitFailureFailsLog(t *testing.T) {
	service := newStubService()
	service.submitErr = errors.New("remote unavailable")
	workspaceManager := newTestWorkspace(t, service)
	defer workspaceManager.Dispose()

	changeLog := NewChangeLog(
		&AddNode{ParentId: NewId(), Name: "n1", TypeName: "arbor:folder"},
	)

	err := workspaceManager.Execute(context.Background(), changeLog)
	assert.NotEqual(t, err, nil)
	var remoteErr *RemoteServiceError
	assert.Equal(t, true, errors.As(err, &remoteErr))
	assert.Equal(t, ChangeLogFailed, changeLog.State())
}

func TestBatchableOperationRequiresBatch(t *testing.T) {
	service := newStubService()
	workspaceManager := newTestWorkspace(t, service)
	defer workspaceManager.Dispose()

	err := workspaceManager.ExecuteOperation(context.Background(), &AddNode{
		ParentId: NewId(),
		Name:     "n1",
		TypeName: "arbor:folder",
	})
	assert.Equal(t, true, errors.Is(err, ErrNotBatchable))
}

func TestRestoreValidation(t *testing.T) {
	service := newStubService()
	workspaceManager := newTestWorkspace(t, service)
	defer workspaceManager.Dispose()

	// a restore naming a target node must name exactly one version
	err := workspaceManager.ExecuteOperation(context.Background(), &Restore{
		NodeId:     NewId(),
		VersionIds: []Id{NewId(), NewId()},
	})
	var invalidErr *InvalidOperationError
	assert.Equal(t, true, errors.As(err, &invalidErr))
	// fails fast, before any remote call
	assert.Equal(t, []string{}, service.Calls())

	err = workspaceManager.ExecuteOperation(context.Background(), &Restore{
		VersionIds: []Id{NewId(), NewId()},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{"restoreVersions"}, service.Calls())
}

func TestListenerPanicDoesNotAbortFanOut(t *testing.T) {
	service := newStubService()
	workspaceManager := newTestWorkspace(t, service)
	defer workspaceManager.Dispose()

	unsub1 := workspaceManager.AddEventListener(func(events EventSequence, local bool) {
		panic("listener failure")
	})
	defer unsub1()
	notifications, unsub2 := collectNotifications(workspaceManager)
	defer unsub2()

	service.standaloneEvents = EventSequence{
		{Type: EventPropertyChanged, ItemId: PropertyItemId(NewId(), "p")},
	}
	err := workspaceManager.ExecuteOperation(context.Background(), &Checkout{NodeId: NewId()})
	assert.Equal(t, err, nil)

	// the second listener is notified even though the first panicked
	n := <-notifications
	assert.Equal(t, true, n.local)
}

func TestRemovedListenerReceivesNothing(t *testing.T) {
	service := newStubService()
	workspaceManager := newTestWorkspace(t, service)
	defer workspaceManager.Dispose()

	notifications, unsub := collectNotifications(workspaceManager)
	unsub()

	service.standaloneEvents = EventSequence{
		{Type: EventPropertyChanged, ItemId: PropertyItemId(NewId(), "p")},
	}
	err := workspaceManager.ExecuteOperation(context.Background(), &Checkout{NodeId: NewId()})
	assert.Equal(t, err, nil)

	select {
	case n := <-notifications:
		t.Fatalf("removed listener was notified: %v", n)
	default:
	}
}
