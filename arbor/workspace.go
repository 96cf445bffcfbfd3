package arbor

import (
	"context"
	"fmt"

	"github.com/golang/glog"
)

func DefaultWorkspaceSettings() *WorkspaceSettings {
	return &WorkspaceSettings{
		EventMask: EventAll,
	}
}

type WorkspaceSettings struct {
	// mask for the external change subscription
	EventMask EventMask
}

// WorkspaceManager coordinates one session against the repository
// service: it owns the state cache, executes change logs and single
// operations, and reconciles the confirmation events from its own
// submissions (local) and from the external change subscription
// (external) into the cache and the registered event listeners.
type WorkspaceManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	service     RepositoryService
	sessionInfo *SessionInfo
	settings    *WorkspaceSettings

	cache *StateCache

	eventCallbacks *CallbackList[EventFunction]

	// nil when the service does not support observation
	subscription Subscription
}

func NewWorkspaceManagerWithDefaults(ctx context.Context, service RepositoryService, sessionInfo *SessionInfo) (*WorkspaceManager, error) {
	return NewWorkspaceManager(ctx, service, sessionInfo, DefaultWorkspaceSettings())
}

func NewWorkspaceManager(ctx context.Context, service RepositoryService, sessionInfo *SessionInfo, settings *WorkspaceSettings) (*WorkspaceManager, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	workspaceManager := &WorkspaceManager{
		ctx:            cancelCtx,
		cancel:         cancel,
		service:        service,
		sessionInfo:    sessionInfo,
		settings:       settings,
		cache:          NewStateCache(service, sessionInfo),
		eventCallbacks: NewCallbackList[EventFunction](),
	}

	// register for external changes if the service supports observation.
	// when unsupported the external source never produces events.
	if service.Descriptors().ObservationSupported {
		rootId, err := service.RootId(cancelCtx, sessionInfo)
		if err != nil {
			cancel()
			return nil, remoteError("rootId", err)
		}
		subscription, err := service.Subscribe(cancelCtx, sessionInfo, rootId, settings.EventMask)
		if err != nil {
			cancel()
			return nil, remoteError("subscribe", err)
		}
		workspaceManager.subscription = subscription
		go workspaceManager.receiveExternal()
	}

	return workspaceManager, nil
}

func (self *WorkspaceManager) receiveExternal() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case events, ok := <-self.subscription.Events():
			if !ok {
				return
			}
			self.onEventReceived(nil, events, false)
		}
	}
}

// the listener receives every reconciled event batch from registration
// until the returned unsub function is called
func (self *WorkspaceManager) AddEventListener(callback EventFunction) func() {
	callbackId := self.eventCallbacks.Add(callback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

func (self *WorkspaceManager) GetState(ctx context.Context, id ItemId) (ItemState, error) {
	return self.cache.Get(ctx, id)
}

func (self *WorkspaceManager) HasState(ctx context.Context, id ItemId) bool {
	return self.cache.Has(ctx, id)
}

func (self *WorkspaceManager) GetReferences(ctx context.Context, nodeId Id) (*NodeReferences, error) {
	return self.cache.GetReferences(ctx, nodeId)
}

func (self *WorkspaceManager) HasReferences(ctx context.Context, nodeId Id) bool {
	return self.cache.HasReferences(ctx, nodeId)
}

// executes the change log as one unit: batchable operations accumulate
// into a single remote batch submitted at the end, standalone
// operations issue their own remote call immediately. A partially
// accumulated batch is still submitted when a later operation fails.
func (self *WorkspaceManager) Execute(ctx context.Context, changeLog *ChangeLog) error {
	run := &batchRun{
		workspaceManager: self,
	}
	return run.executeLog(ctx, changeLog)
}

// dispatches a single operation without opening a batch. Batchable
// operations cannot be executed this way.
func (self *WorkspaceManager) ExecuteOperation(ctx context.Context, op Operation) error {
	run := &batchRun{
		workspaceManager: self,
	}
	glog.V(2).Infof("[wsm]executing %s\n", op)
	return run.dispatch(ctx, op)
}

// releases the external change subscription. Safe to call exactly
// once; cache and executor calls after dispose are undefined.
func (self *WorkspaceManager) Dispose() {
	if self.subscription != nil {
		if err := self.subscription.Close(); err != nil {
			glog.Warningf("[wsm]dispose subscription = %s\n", err)
		}
	}
	self.cancel()
}

// called after changes have been applied to the repository, for both
// local submissions and external changes. This is the single write
// path into the cache.
func (self *WorkspaceManager) onEventReceived(changeLog *ChangeLog, events EventSequence, local bool) {
	if changeLog != nil {
		changeLog.persisted()
	}

	for _, event := range events {
		self.cache.Invalidate(event.ItemId)
		if !event.ParentId.IsZero() {
			// the parent's child list changed
			self.cache.Invalidate(NodeItemId(event.ParentId))
		}
	}

	// notify a snapshot of the listener set. A listener failure must
	// not prevent delivery to subsequent listeners.
	notifyEvents := events.Clone()
	for _, callback := range self.eventCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Warningf("[wsm]event listener panic = %v\n", r)
				}
			}()
			callback(notifyEvents, local)
		}()
	}
}

// batchRun walks one change log (or one bare operation) and routes
// each operation to either the open remote batch or a direct remote
// call. One exhaustive switch implements the batchable vs standalone
// classification.
type batchRun struct {
	workspaceManager *WorkspaceManager

	// nil outside of executeLog
	batch Batch
}

func (self *batchRun) executeLog(ctx context.Context, changeLog *ChangeLog) error {
	if err := changeLog.begin(); err != nil {
		return err
	}

	workspaceManager := self.workspaceManager

	batch, err := workspaceManager.service.CreateBatch(ctx, workspaceManager.sessionInfo)
	if err != nil {
		changeLog.failed()
		return remoteError("createBatch", err)
	}
	self.batch = batch

	var opErr error
	for _, op := range changeLog.Operations() {
		glog.V(2).Infof("[wsm]executing %s\n", op)
		if opErr = self.dispatch(ctx, op); opErr != nil {
			break
		}
	}

	// submit whatever accumulated, also on the error path, so that
	// classified batchable operations are not silently dropped
	if self.batch.Dirty() {
		events, submitErr := workspaceManager.service.Submit(ctx, self.batch)
		if submitErr != nil {
			changeLog.failed()
			if opErr != nil {
				glog.Warningf("[wsm]submit after failed operation = %s\n", submitErr)
				return opErr
			}
			return remoteError("submit", submitErr)
		}
		workspaceManager.onEventReceived(changeLog, events, true)
	} else if opErr == nil {
		changeLog.persisted()
	}

	if opErr != nil {
		changeLog.failed()
		return opErr
	}
	return nil
}

func (self *batchRun) dispatch(ctx context.Context, op Operation) error {
	workspaceManager := self.workspaceManager
	service := workspaceManager.service
	sessionInfo := workspaceManager.sessionInfo

	switch v := op.(type) {
	case *AddNode:
		if self.batch == nil {
			return ErrNotBatchable
		}
		return self.batch.AddNode(v.ParentId, v.Name, v.TypeName, v.NodeId)
	case *AddProperty:
		if self.batch == nil {
			return ErrNotBatchable
		}
		return self.batch.AddProperty(v.ParentId, v.Name, v.Type, v.Multi, v.Values)
	case *SetPropertyValue:
		if self.batch == nil {
			return ErrNotBatchable
		}
		return self.batch.SetValue(v.PropertyId, v.Type, v.Multi, v.Values)
	case *SetMixin:
		if self.batch == nil {
			return ErrNotBatchable
		}
		return self.batch.SetMixins(v.NodeId, v.Mixins)
	case *Remove:
		if self.batch == nil {
			return ErrNotBatchable
		}
		return self.batch.Remove(v.Id)
	case *ReorderNodes:
		if self.batch == nil {
			return ErrNotBatchable
		}
		return self.batch.ReorderNodes(v.ParentId, v.InsertId, v.BeforeId)
	case *Move:
		// batchable only while a batch is open
		if self.batch != nil {
			return self.batch.Move(v.NodeId, v.DestParentId, v.DestName)
		}
		return self.standalone(ctx, "move", func() (EventSequence, error) {
			return service.Move(ctx, sessionInfo, v.NodeId, v.DestParentId, v.DestName)
		})
	case *Clone:
		return self.standalone(ctx, "clone", func() (EventSequence, error) {
			return service.Clone(ctx, sessionInfo, v.WorkspaceName, v.NodeId, v.DestParentId, v.DestName, v.RemoveExisting)
		})
	case *Copy:
		return self.standalone(ctx, "copy", func() (EventSequence, error) {
			return service.Copy(ctx, sessionInfo, v.WorkspaceName, v.NodeId, v.DestParentId, v.DestName)
		})
	case *Update:
		return self.standalone(ctx, "update", func() (EventSequence, error) {
			return service.Update(ctx, sessionInfo, v.NodeId, v.SourceWorkspaceName)
		})
	case *Checkout:
		return self.standalone(ctx, "checkout", func() (EventSequence, error) {
			return service.Checkout(ctx, sessionInfo, v.NodeId)
		})
	case *Checkin:
		return self.standalone(ctx, "checkin", func() (EventSequence, error) {
			return service.Checkin(ctx, sessionInfo, v.NodeId)
		})
	case *Restore:
		if v.NodeId.IsZero() {
			if len(v.VersionIds) == 0 {
				return invalidOperation(v, "restore must name at least one version")
			}
			return self.standalone(ctx, "restoreVersions", func() (EventSequence, error) {
				return service.RestoreVersions(ctx, sessionInfo, v.VersionIds, v.RemoveExisting)
			})
		}
		if len(v.VersionIds) != 1 {
			return invalidOperation(v, "restore of a single node must name exactly one version")
		}
		return self.standalone(ctx, "restore", func() (EventSequence, error) {
			return service.Restore(ctx, sessionInfo, v.NodeId, v.VersionIds[0], v.RemoveExisting)
		})
	case *Merge:
		return self.standalone(ctx, "merge", func() (EventSequence, error) {
			return service.Merge(ctx, sessionInfo, v.NodeId, v.SourceWorkspaceName, v.BestEffort)
		})
	case *ResolveMergeConflict:
		return self.resolveMergeConflict(ctx, v)
	case *Lock:
		return self.standalone(ctx, "lock", func() (EventSequence, error) {
			return service.Lock(ctx, sessionInfo, v.NodeId, v.Deep)
		})
	case *LockRefresh:
		return self.standalone(ctx, "refreshLock", func() (EventSequence, error) {
			return service.RefreshLock(ctx, sessionInfo, v.NodeId)
		})
	case *LockRelease:
		return self.standalone(ctx, "unlock", func() (EventSequence, error) {
			return service.Unlock(ctx, sessionInfo, v.NodeId)
		})
	case *AddLabel:
		return self.standalone(ctx, "addVersionLabel", func() (EventSequence, error) {
			return service.AddVersionLabel(ctx, sessionInfo, v.VersionHistoryId, v.VersionId, v.Label, v.MoveLabel)
		})
	case *RemoveLabel:
		return self.standalone(ctx, "removeVersionLabel", func() (EventSequence, error) {
			return service.RemoveVersionLabel(ctx, sessionInfo, v.VersionHistoryId, v.VersionId, v.Label)
		})
	default:
		return invalidOperation(op, "unknown operation variant")
	}
}

// issues one immediate remote call. The returned events reconcile as
// local right away; an open batch stays open and unaffected.
func (self *batchRun) standalone(ctx context.Context, call string, remoteCall func() (EventSequence, error)) error {
	events, err := remoteCall()
	if err != nil {
		return remoteError(call, err)
	}
	self.workspaceManager.onEventReceived(nil, events, true)
	return nil
}

// reads the merge bookkeeping properties through the cache, removes
// the resolved version from the merge failed list, and appends it to
// the predecessors only when the resolution completes the merge.
func (self *batchRun) resolveMergeConflict(ctx context.Context, op *ResolveMergeConflict) error {
	workspaceManager := self.workspaceManager

	mergeFailedValues, err := self.multiValues(ctx, op.NodeId, PropMergeFailed)
	if err != nil {
		return fmt.Errorf("resolveMergeConflict read %s: %w", PropMergeFailed, err)
	}
	predecessorValues, err := self.multiValues(ctx, op.NodeId, PropPredecessors)
	if err != nil {
		return fmt.Errorf("resolveMergeConflict read %s: %w", PropPredecessors, err)
	}

	mergeFailedIds := []Id{}
	for _, value := range mergeFailedValues {
		id, err := ParseId(value)
		if err != nil {
			return fmt.Errorf("resolveMergeConflict bad %s value: %w", PropMergeFailed, err)
		}
		if id != op.VersionId {
			mergeFailedIds = append(mergeFailedIds, id)
		}
		// else: this version is resolved by this call and no longer
		// part of the merge failed list
	}

	predecessorIds := []Id{}
	for _, value := range predecessorValues {
		id, err := ParseId(value)
		if err != nil {
			return fmt.Errorf("resolveMergeConflict bad %s value: %w", PropPredecessors, err)
		}
		predecessorIds = append(predecessorIds, id)
	}
	if op.Done {
		predecessorIds = append(predecessorIds, op.VersionId)
	}

	return self.standalone(ctx, "resolveMergeConflict", func() (EventSequence, error) {
		return workspaceManager.service.ResolveMergeConflict(ctx, workspaceManager.sessionInfo, op.NodeId, mergeFailedIds, predecessorIds)
	})
}

func (self *batchRun) multiValues(ctx context.Context, nodeId Id, name string) ([]string, error) {
	state, err := self.workspaceManager.cache.Get(ctx, PropertyItemId(nodeId, name))
	if err != nil {
		return nil, err
	}
	propertyState, ok := state.(*PropertyState)
	if !ok {
		return nil, fmt.Errorf("%s is not a property", name)
	}
	return propertyState.Values, nil
}
