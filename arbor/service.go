package arbor

import (
	"context"
)

// capability descriptors reported by a repository service.
// observation is optional; when unsupported the workspace manager
// skips the external subscription entirely.
type Descriptors struct {
	ObservationSupported bool
}

// RepositoryService is the remote repository facade consumed by the
// workspace manager. Every call is synchronous from the caller's
// perspective and returns the confirmation events for the applied
// change. Implementations must be safe for concurrent use.
type RepositoryService interface {
	Descriptors() Descriptors
	RootId(ctx context.Context, sessionInfo *SessionInfo) (Id, error)

	FetchItemState(ctx context.Context, sessionInfo *SessionInfo, id ItemId) (ItemState, error)
	ItemExists(ctx context.Context, sessionInfo *SessionInfo, id ItemId) (bool, error)
	FetchReferences(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (*NodeReferences, error)

	// batched structural operations, applied atomically in append order
	CreateBatch(ctx context.Context, sessionInfo *SessionInfo) (Batch, error)
	Submit(ctx context.Context, batch Batch) (EventSequence, error)

	// standalone operations, one remote call each
	Clone(ctx context.Context, sessionInfo *SessionInfo, workspaceName string, nodeId Id, destParentId Id, destName string, removeExisting bool) (EventSequence, error)
	Copy(ctx context.Context, sessionInfo *SessionInfo, workspaceName string, nodeId Id, destParentId Id, destName string) (EventSequence, error)
	Move(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, destParentId Id, destName string) (EventSequence, error)
	Update(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, sourceWorkspaceName string) (EventSequence, error)
	Checkout(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (EventSequence, error)
	Checkin(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (EventSequence, error)
	Restore(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, versionId Id, removeExisting bool) (EventSequence, error)
	RestoreVersions(ctx context.Context, sessionInfo *SessionInfo, versionIds []Id, removeExisting bool) (EventSequence, error)
	Merge(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, sourceWorkspaceName string, bestEffort bool) (EventSequence, error)
	ResolveMergeConflict(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, mergeFailedIds []Id, predecessorIds []Id) (EventSequence, error)
	Lock(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, deep bool) (EventSequence, error)
	RefreshLock(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (EventSequence, error)
	Unlock(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (EventSequence, error)
	AddVersionLabel(ctx context.Context, sessionInfo *SessionInfo, versionHistoryId Id, versionId Id, label string, moveLabel bool) (EventSequence, error)
	RemoveVersionLabel(ctx context.Context, sessionInfo *SessionInfo, versionHistoryId Id, versionId Id, label string) (EventSequence, error)

	// only called when `Descriptors().ObservationSupported`
	Subscribe(ctx context.Context, sessionInfo *SessionInfo, rootId Id, eventMask EventMask) (Subscription, error)
}

// Batch accumulates structural operations for one atomic submission.
// A handle is bound to the session that created it and is consumed by
// `RepositoryService.Submit`. Append calls do not take remote effect
// until the submit.
type Batch interface {
	AddNode(parentId Id, name string, typeName string, nodeId Id) error
	AddProperty(parentId Id, name string, propertyType PropertyType, multi bool, values []string) error
	SetValue(propertyId ItemId, propertyType PropertyType, multi bool, values []string) error
	SetMixins(nodeId Id, mixins []string) error
	Remove(id ItemId) error
	ReorderNodes(parentId Id, insertId Id, beforeId Id) error
	Move(nodeId Id, destParentId Id, destName string) error

	// true iff at least one operation was appended
	Dirty() bool
}

// external change feed. Events() is closed after Close.
type Subscription interface {
	Events() <-chan EventSequence
	Close() error
}
