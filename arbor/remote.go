package arbor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

func DefaultRemoteServiceSettings() *RemoteServiceSettings {
	return &RemoteServiceSettings{
		HttpTimeout:            60 * time.Second,
		HttpConnectTimeout:     5 * time.Second,
		HttpTlsTimeout:         5 * time.Second,
		ReconnectTimeout:       5 * time.Second,
		SubscriptionBufferSize: 32,
	}
}

type RemoteServiceSettings struct {
	HttpTimeout            time.Duration
	HttpConnectTimeout     time.Duration
	HttpTlsTimeout         time.Duration
	ReconnectTimeout       time.Duration
	SubscriptionBufferSize int
}

// RemoteService talks JSON over HTTP to a remote arbor service, one
// POST per facade call, with the session bearer token attached. The
// external change feed rides a websocket that reconnects on drop. The
// adapter owns the codec; the core never sees wire bytes.
type RemoteService struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl   string
	settings *RemoteServiceSettings

	httpClient  *http.Client
	descriptors Descriptors
}

func NewRemoteServiceWithDefaults(ctx context.Context, apiUrl string) (*RemoteService, error) {
	return NewRemoteService(ctx, apiUrl, DefaultRemoteServiceSettings())
}

func NewRemoteService(ctx context.Context, apiUrl string, settings *RemoteServiceSettings) (*RemoteService, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	remoteService := &RemoteService{
		ctx:      cancelCtx,
		cancel:   cancel,
		apiUrl:   strings.TrimSuffix(apiUrl, "/"),
		settings: settings,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   settings.HttpTimeout,
		},
	}

	descriptorsResult := &remoteDescriptorsResult{}
	if err := remoteService.get(cancelCtx, "/descriptors", nil, descriptorsResult); err != nil {
		cancel()
		return nil, err
	}
	remoteService.descriptors = Descriptors{
		ObservationSupported: descriptorsResult.ObservationSupported,
	}

	return remoteService, nil
}

func (self *RemoteService) Close() {
	self.cancel()
}

type remoteDescriptorsResult struct {
	ObservationSupported bool `json:"observation_supported"`
}

type remoteRootResult struct {
	RootId Id `json:"root_id"`
}

type remoteItemArgs struct {
	ItemId ItemId `json:"item_id"`
}

type remoteNodeState struct {
	Id          Id       `json:"id"`
	PrimaryType string   `json:"primary_type"`
	Mixins      []string `json:"mixins,omitempty"`
	Children    []Id     `json:"children,omitempty"`
}

type remotePropertyState struct {
	Id     ItemId       `json:"id"`
	Type   PropertyType `json:"type"`
	Multi  bool         `json:"multi,omitempty"`
	Values []string     `json:"values"`
}

type remoteItemResult struct {
	Node     *remoteNodeState     `json:"node,omitempty"`
	Property *remotePropertyState `json:"property,omitempty"`
}

type remoteExistsResult struct {
	Exists bool `json:"exists"`
}

type remoteReferencesResult struct {
	NodeId    Id       `json:"node_id"`
	Referrers []ItemId `json:"referrers,omitempty"`
}

type remoteEventsResult struct {
	Events EventSequence `json:"events"`
}

type remoteNodeArgs struct {
	NodeId Id `json:"node_id"`
}

type remoteWorkspaceNodeArgs struct {
	NodeId        Id     `json:"node_id"`
	WorkspaceName string `json:"workspace_name"`
	BestEffort    bool   `json:"best_effort,omitempty"`
}

type remoteTransferArgs struct {
	WorkspaceName  string `json:"workspace_name,omitempty"`
	NodeId         Id     `json:"node_id"`
	DestParentId   Id     `json:"dest_parent_id"`
	DestName       string `json:"dest_name"`
	RemoveExisting bool   `json:"remove_existing,omitempty"`
}

type remoteRestoreArgs struct {
	NodeId         Id   `json:"node_id,omitempty"`
	VersionIds     []Id `json:"version_ids"`
	RemoveExisting bool `json:"remove_existing,omitempty"`
}

type remoteResolveMergeConflictArgs struct {
	NodeId         Id   `json:"node_id"`
	MergeFailedIds []Id `json:"merge_failed_ids"`
	PredecessorIds []Id `json:"predecessor_ids"`
}

type remoteLockArgs struct {
	NodeId     Id       `json:"node_id"`
	Deep       bool     `json:"deep,omitempty"`
	LockTokens []string `json:"lock_tokens,omitempty"`
}

type remoteLabelArgs struct {
	VersionHistoryId Id     `json:"version_history_id"`
	VersionId        Id     `json:"version_id"`
	Label            string `json:"label"`
	MoveLabel        bool   `json:"move_label,omitempty"`
}

type remoteBatchOp struct {
	Op           string       `json:"op"`
	ParentId     Id           `json:"parent_id,omitempty"`
	Name         string       `json:"name,omitempty"`
	TypeName     string       `json:"type_name,omitempty"`
	NodeId       Id           `json:"node_id,omitempty"`
	PropertyId   ItemId       `json:"property_id,omitempty"`
	ItemId       ItemId       `json:"item_id,omitempty"`
	Type         PropertyType `json:"type,omitempty"`
	Multi        bool         `json:"multi,omitempty"`
	Values       []string     `json:"values,omitempty"`
	Mixins       []string     `json:"mixins,omitempty"`
	InsertId     Id           `json:"insert_id,omitempty"`
	BeforeId     Id           `json:"before_id,omitempty"`
	DestParentId Id           `json:"dest_parent_id,omitempty"`
	DestName     string       `json:"dest_name,omitempty"`
}

type remoteSubmitArgs struct {
	Ops []remoteBatchOp `json:"ops"`
}

type remoteErrorResult struct {
	Message string `json:"message"`
}

func (self *RemoteService) get(ctx context.Context, path string, sessionInfo *SessionInfo, result any) error {
	return self.call(ctx, http.MethodGet, path, sessionInfo, nil, result)
}

func (self *RemoteService) post(ctx context.Context, path string, sessionInfo *SessionInfo, args any, result any) error {
	return self.call(ctx, http.MethodPost, path, sessionInfo, args, result)
}

func (self *RemoteService) call(ctx context.Context, method string, path string, sessionInfo *SessionInfo, args any, result any) error {
	var body io.Reader
	if args != nil {
		argsJson, err := json.Marshal(args)
		if err != nil {
			return err
		}
		body = bytes.NewReader(argsJson)
	}

	request, err := http.NewRequestWithContext(ctx, method, self.apiUrl+path, body)
	if err != nil {
		return err
	}
	if args != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if sessionInfo != nil {
		request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sessionInfo.Token))
	}

	response, err := self.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if response.StatusCode != http.StatusOK {
		errorResult := &remoteErrorResult{}
		if err := json.NewDecoder(response.Body).Decode(errorResult); err == nil && errorResult.Message != "" {
			return fmt.Errorf("%s: %s", response.Status, errorResult.Message)
		}
		return fmt.Errorf("%s", response.Status)
	}

	if result != nil {
		return json.NewDecoder(response.Body).Decode(result)
	}
	return nil
}

func (self *RemoteService) events(ctx context.Context, path string, sessionInfo *SessionInfo, args any) (EventSequence, error) {
	result := &remoteEventsResult{}
	if err := self.post(ctx, path, sessionInfo, args, result); err != nil {
		return nil, err
	}
	return result.Events, nil
}

func (self *RemoteService) Descriptors() Descriptors {
	return self.descriptors
}

func (self *RemoteService) RootId(ctx context.Context, sessionInfo *SessionInfo) (Id, error) {
	result := &remoteRootResult{}
	if err := self.get(ctx, "/root", sessionInfo, result); err != nil {
		return Id{}, err
	}
	return result.RootId, nil
}

func (self *RemoteService) FetchItemState(ctx context.Context, sessionInfo *SessionInfo, id ItemId) (ItemState, error) {
	result := &remoteItemResult{}
	if err := self.post(ctx, "/items/fetch", sessionInfo, &remoteItemArgs{ItemId: id}, result); err != nil {
		return nil, err
	}
	if node := result.Node; node != nil {
		return NewNodeState(node.Id, node.PrimaryType, node.Mixins, node.Children), nil
	}
	if property := result.Property; property != nil {
		return NewPropertyState(property.Id, property.Type, property.Multi, property.Values...), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (self *RemoteService) ItemExists(ctx context.Context, sessionInfo *SessionInfo, id ItemId) (bool, error) {
	result := &remoteExistsResult{}
	if err := self.post(ctx, "/items/exists", sessionInfo, &remoteItemArgs{ItemId: id}, result); err != nil {
		return false, err
	}
	return result.Exists, nil
}

func (self *RemoteService) FetchReferences(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (*NodeReferences, error) {
	result := &remoteReferencesResult{}
	if err := self.post(ctx, "/items/references", sessionInfo, &remoteNodeArgs{NodeId: nodeId}, result); err != nil {
		return nil, err
	}
	return &NodeReferences{
		NodeId:    result.NodeId,
		Referrers: result.Referrers,
	}, nil
}

func (self *RemoteService) CreateBatch(ctx context.Context, sessionInfo *SessionInfo) (Batch, error) {
	return &remoteBatch{
		sessionInfo: sessionInfo,
	}, nil
}

func (self *RemoteService) Submit(ctx context.Context, batch Batch) (EventSequence, error) {
	remoteBatch, ok := batch.(*remoteBatch)
	if !ok {
		return nil, fmt.Errorf("batch was not created by this service")
	}
	return self.events(ctx, "/batch/submit", remoteBatch.sessionInfo, &remoteSubmitArgs{Ops: remoteBatch.ops})
}

func (self *RemoteService) Clone(ctx context.Context, sessionInfo *SessionInfo, workspaceName string, nodeId Id, destParentId Id, destName string, removeExisting bool) (EventSequence, error) {
	return self.events(ctx, "/nodes/clone", sessionInfo, &remoteTransferArgs{
		WorkspaceName:  workspaceName,
		NodeId:         nodeId,
		DestParentId:   destParentId,
		DestName:       destName,
		RemoveExisting: removeExisting,
	})
}

func (self *RemoteService) Copy(ctx context.Context, sessionInfo *SessionInfo, workspaceName string, nodeId Id, destParentId Id, destName string) (EventSequence, error) {
	return self.events(ctx, "/nodes/copy", sessionInfo, &remoteTransferArgs{
		WorkspaceName: workspaceName,
		NodeId:        nodeId,
		DestParentId:  destParentId,
		DestName:      destName,
	})
}

func (self *RemoteService) Move(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, destParentId Id, destName string) (EventSequence, error) {
	return self.events(ctx, "/nodes/move", sessionInfo, &remoteTransferArgs{
		NodeId:       nodeId,
		DestParentId: destParentId,
		DestName:     destName,
	})
}

func (self *RemoteService) Update(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, sourceWorkspaceName string) (EventSequence, error) {
	return self.events(ctx, "/nodes/update", sessionInfo, &remoteWorkspaceNodeArgs{
		NodeId:        nodeId,
		WorkspaceName: sourceWorkspaceName,
	})
}

func (self *RemoteService) Checkout(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (EventSequence, error) {
	return self.events(ctx, "/versions/checkout", sessionInfo, &remoteNodeArgs{NodeId: nodeId})
}

func (self *RemoteService) Checkin(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (EventSequence, error) {
	return self.events(ctx, "/versions/checkin", sessionInfo, &remoteNodeArgs{NodeId: nodeId})
}

func (self *RemoteService) Restore(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, versionId Id, removeExisting bool) (EventSequence, error) {
	return self.events(ctx, "/versions/restore", sessionInfo, &remoteRestoreArgs{
		NodeId:         nodeId,
		VersionIds:     []Id{versionId},
		RemoveExisting: removeExisting,
	})
}

func (self *RemoteService) RestoreVersions(ctx context.Context, sessionInfo *SessionInfo, versionIds []Id, removeExisting bool) (EventSequence, error) {
	return self.events(ctx, "/versions/restore", sessionInfo, &remoteRestoreArgs{
		VersionIds:     versionIds,
		RemoveExisting: removeExisting,
	})
}

func (self *RemoteService) Merge(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, sourceWorkspaceName string, bestEffort bool) (EventSequence, error) {
	return self.events(ctx, "/versions/merge", sessionInfo, &remoteWorkspaceNodeArgs{
		NodeId:        nodeId,
		WorkspaceName: sourceWorkspaceName,
		BestEffort:    bestEffort,
	})
}

func (self *RemoteService) ResolveMergeConflict(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, mergeFailedIds []Id, predecessorIds []Id) (EventSequence, error) {
	return self.events(ctx, "/versions/resolve-merge-conflict", sessionInfo, &remoteResolveMergeConflictArgs{
		NodeId:         nodeId,
		MergeFailedIds: mergeFailedIds,
		PredecessorIds: predecessorIds,
	})
}

func (self *RemoteService) Lock(ctx context.Context, sessionInfo *SessionInfo, nodeId Id, deep bool) (EventSequence, error) {
	return self.events(ctx, "/locks/lock", sessionInfo, &remoteLockArgs{
		NodeId:     nodeId,
		Deep:       deep,
		LockTokens: sessionInfo.LockTokens(),
	})
}

func (self *RemoteService) RefreshLock(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (EventSequence, error) {
	return self.events(ctx, "/locks/refresh", sessionInfo, &remoteLockArgs{
		NodeId:     nodeId,
		LockTokens: sessionInfo.LockTokens(),
	})
}

func (self *RemoteService) Unlock(ctx context.Context, sessionInfo *SessionInfo, nodeId Id) (EventSequence, error) {
	return self.events(ctx, "/locks/unlock", sessionInfo, &remoteLockArgs{
		NodeId:     nodeId,
		LockTokens: sessionInfo.LockTokens(),
	})
}

func (self *RemoteService) AddVersionLabel(ctx context.Context, sessionInfo *SessionInfo, versionHistoryId Id, versionId Id, label string, moveLabel bool) (EventSequence, error) {
	return self.events(ctx, "/versions/labels/add", sessionInfo, &remoteLabelArgs{
		VersionHistoryId: versionHistoryId,
		VersionId:        versionId,
		Label:            label,
		MoveLabel:        moveLabel,
	})
}

func (self *RemoteService) RemoveVersionLabel(ctx context.Context, sessionInfo *SessionInfo, versionHistoryId Id, versionId Id, label string) (EventSequence, error) {
	return self.events(ctx, "/versions/labels/remove", sessionInfo, &remoteLabelArgs{
		VersionHistoryId: versionHistoryId,
		VersionId:        versionId,
		Label:            label,
	})
}

func (self *RemoteService) Subscribe(ctx context.Context, sessionInfo *SessionInfo, rootId Id, eventMask EventMask) (Subscription, error) {
	wsUrl, err := self.subscribeUrl(rootId, eventMask)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(self.ctx)
	subscription := &remoteSubscription{
		ctx:              cancelCtx,
		cancel:           cancel,
		wsUrl:            wsUrl,
		sessionInfo:      sessionInfo,
		reconnectTimeout: self.settings.ReconnectTimeout,
		events:           make(chan EventSequence, self.settings.SubscriptionBufferSize),
	}
	go subscription.run()
	return subscription, nil
}

func (self *RemoteService) subscribeUrl(rootId Id, eventMask EventMask) (string, error) {
	parsed, err := url.Parse(self.apiUrl + "/events/subscribe")
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	query := parsed.Query()
	query.Set("root_id", rootId.String())
	query.Set("event_mask", fmt.Sprintf("%d", int(eventMask)))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// reads event batches off the websocket and reconnects on drop
type remoteSubscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl            string
	sessionInfo      *SessionInfo
	reconnectTimeout time.Duration

	events chan EventSequence
}

func (self *remoteSubscription) run() {
	defer close(self.events)

	for {
		ws, _, err := websocket.DefaultDialer.DialContext(self.ctx, self.wsUrl, http.Header{
			"Authorization": []string{fmt.Sprintf("Bearer %s", self.sessionInfo.Token)},
		})
		if err != nil {
			glog.Infof("[remote]subscribe connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.reconnectTimeout):
				continue
			}
		}

		self.read(ws)
		ws.Close()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.reconnectTimeout):
		}
	}
}

func (self *remoteSubscription) read(ws *websocket.Conn) {
	// unblock the reader when the subscription is closed
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-self.ctx.Done():
			ws.Close()
		case <-readDone:
		}
	}()

	for {
		message := &remoteEventsResult{}
		if err := ws.ReadJSON(message); err != nil {
			if self.ctx.Err() == nil {
				glog.Infof("[remote]subscribe read error = %s\n", err)
			}
			return
		}
		if len(message.Events) == 0 {
			continue
		}
		select {
		case <-self.ctx.Done():
			return
		case self.events <- message.Events:
		}
	}
}

func (self *remoteSubscription) Events() <-chan EventSequence {
	return self.events
}

func (self *remoteSubscription) Close() error {
	self.cancel()
	return nil
}

// records operations client side, submitted as one request
type remoteBatch struct {
	sessionInfo *SessionInfo
	ops         []remoteBatchOp
}

func (self *remoteBatch) AddNode(parentId Id, name string, typeName string, nodeId Id) error {
	self.ops = append(self.ops, remoteBatchOp{
		Op:       "add_node",
		ParentId: parentId,
		Name:     name,
		TypeName: typeName,
		NodeId:   nodeId,
	})
	return nil
}

func (self *remoteBatch) AddProperty(parentId Id, name string, propertyType PropertyType, multi bool, values []string) error {
	self.ops = append(self.ops, remoteBatchOp{
		Op:       "add_property",
		ParentId: parentId,
		Name:     name,
		Type:     propertyType,
		Multi:    multi,
		Values:   values,
	})
	return nil
}

func (self *remoteBatch) SetValue(propertyId ItemId, propertyType PropertyType, multi bool, values []string) error {
	self.ops = append(self.ops, remoteBatchOp{
		Op:         "set_value",
		PropertyId: propertyId,
		Type:       propertyType,
		Multi:      multi,
		Values:     values,
	})
	return nil
}

func (self *remoteBatch) SetMixins(nodeId Id, mixins []string) error {
	self.ops = append(self.ops, remoteBatchOp{
		Op:     "set_mixins",
		NodeId: nodeId,
		Mixins: mixins,
	})
	return nil
}

func (self *remoteBatch) Remove(id ItemId) error {
	self.ops = append(self.ops, remoteBatchOp{
		Op:     "remove",
		ItemId: id,
	})
	return nil
}

func (self *remoteBatch) ReorderNodes(parentId Id, insertId Id, beforeId Id) error {
	self.ops = append(self.ops, remoteBatchOp{
		Op:       "reorder_nodes",
		ParentId: parentId,
		InsertId: insertId,
		BeforeId: beforeId,
	})
	return nil
}

func (self *remoteBatch) Move(nodeId Id, destParentId Id, destName string) error {
	self.ops = append(self.ops, remoteBatchOp{
		Op:           "move",
		NodeId:       nodeId,
		DestParentId: destParentId,
		DestName:     destName,
	})
	return nil
}

func (self *remoteBatch) Dirty() bool {
	return 0 < len(self.ops)
}
