package arbor

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
)

// StateCache is the per connection cache of item state, populated
// lazily from the repository service and invalidated by confirmed
// events. The cache owns the authoritative local copy of each state;
// reconciliation is the single write path into it.
//
// One cache wide mutex serializes every read and write, including the
// fetch on a miss, so concurrent executors serialize at the cache
// boundary and never observe a half invalidated entry.
type StateCache struct {
	service     RepositoryService
	sessionInfo *SessionInfo

	mutex      sync.Mutex
	states     map[ItemId]ItemState
	references map[Id]*NodeReferences
}

func NewStateCache(service RepositoryService, sessionInfo *SessionInfo) *StateCache {
	return &StateCache{
		service:     service,
		sessionInfo: sessionInfo,
		states:      map[ItemId]ItemState{},
		references:  map[Id]*NodeReferences{},
	}
}

// returns the cached state if present and live, otherwise fetches from
// the service and inserts it. An invalidated entry is replaced by the
// fetched state. Fetch failures are not cached.
func (self *StateCache) Get(ctx context.Context, id ItemId) (ItemState, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if state, ok := self.states[id]; ok {
		switch state.Status() {
		case StatusDestroyed:
			return nil, ErrNotFound
		case StatusInvalidated:
			// stale, refetch below
		default:
			return state, nil
		}
	}

	state, err := self.service.FetchItemState(ctx, self.sessionInfo, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// a stale entry whose refetch reports absence was removed
			// remotely. Destroyed is terminal; later reads fail fast
			// without another fetch.
			if stale, ok := self.states[id]; ok {
				stale.setStatus(StatusDestroyed)
			}
			return nil, err
		}
		return nil, remoteError("fetchItemState", err)
	}
	self.states[id] = state
	return state, nil
}

// never returns an error for absence. Remote failures are logged and
// reported as absent.
func (self *StateCache) Has(ctx context.Context, id ItemId) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if state, ok := self.states[id]; ok {
		switch state.Status() {
		case StatusDestroyed, StatusInvalidated:
		default:
			return true
		}
	}

	exists, err := self.service.ItemExists(ctx, self.sessionInfo, id)
	if err != nil {
		glog.Warningf("[cache]exists check failed for %s = %s\n", id, err)
		return false
	}
	return exists
}

// marks the cached entry invalidated so the next Get refetches. The
// entry is never removed synchronously; removal happens lazily on the
// next miss. A destroyed entry stays destroyed.
func (self *StateCache) Invalidate(id ItemId) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if state, ok := self.states[id]; ok {
		if state.Status() != StatusDestroyed {
			state.setStatus(StatusInvalidated)
		}
	}
	delete(self.references, id.NodeId)
}

func (self *StateCache) GetReferences(ctx context.Context, nodeId Id) (*NodeReferences, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if references, ok := self.references[nodeId]; ok {
		return references, nil
	}

	references, err := self.service.FetchReferences(ctx, self.sessionInfo, nodeId)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, remoteError("fetchReferences", err)
	}
	self.references[nodeId] = references
	return references, nil
}

func (self *StateCache) HasReferences(ctx context.Context, nodeId Id) bool {
	references, err := self.GetReferences(ctx, nodeId)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			glog.Warningf("[cache]references check failed for %s = %s\n", nodeId, err)
		}
		return false
	}
	return !references.Empty()
}
