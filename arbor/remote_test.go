package arbor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func writeJson(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(value)
}

func newRemoteTestMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/descriptors", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, &remoteDescriptorsResult{ObservationSupported: true})
	})
	return mux
}

func TestRemoteServiceDescriptorsAndRoot(t *testing.T) {
	rootId := NewId()
	tokens := []string{}

	mux := newRemoteTestMux()
	mux.HandleFunc("/root", func(w http.ResponseWriter, r *http.Request) {
		tokens = append(tokens, r.Header.Get("Authorization"))
		writeJson(w, &remoteRootResult{RootId: rootId})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	service, err := NewRemoteServiceWithDefaults(context.Background(), server.URL)
	assert.Equal(t, err, nil)
	defer service.Close()
	assert.Equal(t, true, service.Descriptors().ObservationSupported)

	sessionInfo := NewSessionInfo("remote-token", "default")
	fetchedRootId, err := service.RootId(context.Background(), sessionInfo)
	assert.Equal(t, err, nil)
	assert.Equal(t, rootId, fetchedRootId)
	assert.Equal(t, []string{"Bearer remote-token"}, tokens)
}

func TestRemoteServiceFetchItem(t *testing.T) {
	nodeId := NewId()
	missingId := NewId()

	mux := newRemoteTestMux()
	mux.HandleFunc("/items/fetch", func(w http.ResponseWriter, r *http.Request) {
		args := &remoteItemArgs{}
		if err := json.NewDecoder(r.Body).Decode(args); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if args.ItemId.NodeId != nodeId {
			http.NotFound(w, r)
			return
		}
		if args.ItemId.IsProperty() {
			writeJson(w, &remoteItemResult{
				Property: &remotePropertyState{
					Id:     args.ItemId,
					Type:   PropertyTypeString,
					Values: []string{"Documents"},
				},
			})
			return
		}
		writeJson(w, &remoteItemResult{
			Node: &remoteNodeState{
				Id:          nodeId,
				PrimaryType: "arbor:folder",
			},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	service, err := NewRemoteServiceWithDefaults(context.Background(), server.URL)
	assert.Equal(t, err, nil)
	defer service.Close()

	sessionInfo := NewSessionInfo("remote-token", "default")

	state, err := service.FetchItemState(context.Background(), sessionInfo, NodeItemId(nodeId))
	assert.Equal(t, err, nil)
	assert.Equal(t, "arbor:folder", state.(*NodeState).PrimaryType)

	state, err = service.FetchItemState(context.Background(), sessionInfo, PropertyItemId(nodeId, "title"))
	assert.Equal(t, err, nil)
	assert.Equal(t, "Documents", state.(*PropertyState).Value())

	_, err = service.FetchItemState(context.Background(), sessionInfo, NodeItemId(missingId))
	assert.Equal(t, true, errors.Is(err, ErrNotFound))
}

func TestRemoteServiceSubmitBatch(t *testing.T) {
	parentId := NewId()
	nodeId := NewId()
	submitted := []remoteSubmitArgs{}

	mux := newRemoteTestMux()
	mux.HandleFunc("/batch/submit", func(w http.ResponseWriter, r *http.Request) {
		args := remoteSubmitArgs{}
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		submitted = append(submitted, args)
		writeJson(w, &remoteEventsResult{
			Events: EventSequence{
				{Type: EventNodeAdded, ItemId: NodeItemId(nodeId), ParentId: parentId},
			},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	service, err := NewRemoteServiceWithDefaults(context.Background(), server.URL)
	assert.Equal(t, err, nil)
	defer service.Close()

	sessionInfo := NewSessionInfo("remote-token", "default")
	batch, err := service.CreateBatch(context.Background(), sessionInfo)
	assert.Equal(t, err, nil)
	assert.Equal(t, false, batch.Dirty())

	err = batch.AddNode(parentId, "docs", "arbor:folder", nodeId)
	assert.Equal(t, err, nil)
	err = batch.AddProperty(nodeId, "title", PropertyTypeString, false, []string{"Documents"})
	assert.Equal(t, err, nil)
	err = batch.Remove(PropertyItemId(nodeId, "stale"))
	assert.Equal(t, err, nil)
	assert.Equal(t, true, batch.Dirty())

	events, err := service.Submit(context.Background(), batch)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(events))
	assert.Equal(t, EventNodeAdded, events[0].Type)

	// one request carrying the ops in append order
	assert.Equal(t, 1, len(submitted))
	ops := submitted[0].Ops
	assert.Equal(t, 3, len(ops))
	assert.Equal(t, "add_node", ops[0].Op)
	assert.Equal(t, nodeId, ops[0].NodeId)
	assert.Equal(t, "add_property", ops[1].Op)
	assert.Equal(t, []string{"Documents"}, ops[1].Values)
	assert.Equal(t, "remove", ops[2].Op)
	assert.Equal(t, PropertyItemId(nodeId, "stale"), ops[2].ItemId)
}

func TestRemoteServiceErrorMessage(t *testing.T) {
	mux := newRemoteTestMux()
	mux.HandleFunc("/nodes/move", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(&remoteErrorResult{Message: "destination name is taken"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	service, err := NewRemoteServiceWithDefaults(context.Background(), server.URL)
	assert.Equal(t, err, nil)
	defer service.Close()

	sessionInfo := NewSessionInfo("remote-token", "default")
	_, err = service.Move(context.Background(), sessionInfo, NewId(), NewId(), "docs")
	assert.NotEqual(t, err, nil)
	assert.MatchRegex(t, err.Error(), "destination name is taken")
}

func TestRemoteServiceSubscribe(t *testing.T) {
	rootId := NewId()
	nodeId := NewId()
	upgrader := websocket.Upgrader{}

	mux := newRemoteTestMux()
	mux.HandleFunc("/events/subscribe", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, rootId.String(), r.URL.Query().Get("root_id"))
		assert.Equal(t, "Bearer remote-token", r.Header.Get("Authorization"))
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteJSON(&remoteEventsResult{
			Events: EventSequence{
				{Type: EventNodeAdded, ItemId: NodeItemId(nodeId), ParentId: rootId},
			},
		})
		// hold the connection open until the client drops it
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	service, err := NewRemoteServiceWithDefaults(context.Background(), server.URL)
	assert.Equal(t, err, nil)
	defer service.Close()

	sessionInfo := NewSessionInfo("remote-token", "default")
	subscription, err := service.Subscribe(context.Background(), sessionInfo, rootId, EventAll)
	assert.Equal(t, err, nil)
	defer subscription.Close()

	select {
	case events := <-subscription.Events():
		assert.Equal(t, 1, len(events))
		assert.Equal(t, NodeItemId(nodeId), events[0].ItemId)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for subscription events")
	}

	subscription.Close()
	select {
	case _, ok := <-subscription.Events():
		assert.Equal(t, false, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for subscription close")
	}
}
