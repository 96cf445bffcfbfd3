package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/arbordata/arbor/arbor"
)

const ArborCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Arbor workspace control.

The default url is:
    api_url: https://api.arbordata.com

Usage:
    arborctl root [--api_url=<api_url>] --jwt=<jwt>
    arborctl get [--api_url=<api_url>] --jwt=<jwt> <node_id> [--property=<name>]
    arborctl exists [--api_url=<api_url>] --jwt=<jwt> <node_id> [--property=<name>]
    arborctl references [--api_url=<api_url>] --jwt=<jwt> <node_id>
    arborctl watch [--api_url=<api_url>] --jwt=<jwt> [--event_count=<event_count>]
    arborctl demo

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --api_url=<api_url>
    --jwt=<jwt>                  Your session JWT.
    --property=<name>            Address a property of the node.
    --event_count=<event_count>  Print this many event batches then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ArborCtlVersion)
	if err != nil {
		panic(err)
	}

	if root_, _ := opts.Bool("root"); root_ {
		root(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if exists_, _ := opts.Bool("exists"); exists_ {
		exists(opts)
	} else if references_, _ := opts.Bool("references"); references_ {
		references(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if demo_, _ := opts.Bool("demo"); demo_ {
		demo(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl_, err := opts.String("--api_url"); err == nil && apiUrl_ != "" {
		return apiUrl_
	}
	return "https://api.arbordata.com"
}

// build a session from the jwt. The workspace name rides in the token
// claims; the token itself is passed through as the bearer token.
func session(opts docopt.Opts) *arbor.SessionInfo {
	jwt, _ := opts.String("--jwt")

	workspaceName := "default"
	if sessionToken, err := arbor.ParseSessionTokenUnverified(jwt); err == nil && sessionToken.WorkspaceName != "" {
		workspaceName = sessionToken.WorkspaceName
	}
	return arbor.NewSessionInfo(jwt, workspaceName)
}

func itemId(opts docopt.Opts) (arbor.ItemId, error) {
	nodeIdStr, _ := opts.String("<node_id>")
	nodeId, err := arbor.ParseId(nodeIdStr)
	if err != nil {
		return arbor.ItemId{}, err
	}
	if property, err := opts.String("--property"); err == nil && property != "" {
		return arbor.PropertyItemId(nodeId, property), nil
	}
	return arbor.NodeItemId(nodeId), nil
}

func root(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, err := arbor.NewRemoteServiceWithDefaults(cancelCtx, apiUrl(opts))
	if err != nil {
		Err.Printf("Could not reach the service (%s).\n", err)
		return
	}
	defer service.Close()

	rootId, err := service.RootId(cancelCtx, session(opts))
	if err != nil {
		Err.Printf("Could not fetch the root (%s).\n", err)
		return
	}
	Out.Printf("%s", rootId)
}

func get(opts docopt.Opts) {
	id, err := itemId(opts)
	if err != nil {
		Err.Printf("Invalid node_id (%s).\n", err)
		return
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, err := arbor.NewRemoteServiceWithDefaults(cancelCtx, apiUrl(opts))
	if err != nil {
		Err.Printf("Could not reach the service (%s).\n", err)
		return
	}
	defer service.Close()

	workspaceManager, err := arbor.NewWorkspaceManagerWithDefaults(cancelCtx, service, session(opts))
	if err != nil {
		Err.Printf("Could not open the workspace (%s).\n", err)
		return
	}
	defer workspaceManager.Dispose()

	state, err := workspaceManager.GetState(cancelCtx, id)
	if err != nil {
		Err.Printf("Could not fetch %s (%s).\n", id, err)
		return
	}
	printState(state)
}

func printState(state arbor.ItemState) {
	switch s := state.(type) {
	case *arbor.NodeState:
		Out.Printf("node %s type=%s", s.Id, s.PrimaryType)
		if 0 < len(s.Mixins) {
			Out.Printf("  mixins: %s", strings.Join(s.Mixins, ", "))
		}
		for _, childId := range s.Children {
			Out.Printf("  child %s", childId)
		}
	case *arbor.PropertyState:
		Out.Printf("property %s type=%d multi=%t", s.Id, s.Type, s.Multi)
		for _, value := range s.Values {
			Out.Printf("  %s", value)
		}
	}
}

func exists(opts docopt.Opts) {
	id, err := itemId(opts)
	if err != nil {
		Err.Printf("Invalid node_id (%s).\n", err)
		return
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, err := arbor.NewRemoteServiceWithDefaults(cancelCtx, apiUrl(opts))
	if err != nil {
		Err.Printf("Could not reach the service (%s).\n", err)
		return
	}
	defer service.Close()

	workspaceManager, err := arbor.NewWorkspaceManagerWithDefaults(cancelCtx, service, session(opts))
	if err != nil {
		Err.Printf("Could not open the workspace (%s).\n", err)
		return
	}
	defer workspaceManager.Dispose()

	Out.Printf("%t", workspaceManager.HasState(cancelCtx, id))
}

func references(opts docopt.Opts) {
	nodeIdStr, _ := opts.String("<node_id>")
	nodeId, err := arbor.ParseId(nodeIdStr)
	if err != nil {
		Err.Printf("Invalid node_id (%s).\n", err)
		return
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, err := arbor.NewRemoteServiceWithDefaults(cancelCtx, apiUrl(opts))
	if err != nil {
		Err.Printf("Could not reach the service (%s).\n", err)
		return
	}
	defer service.Close()

	workspaceManager, err := arbor.NewWorkspaceManagerWithDefaults(cancelCtx, service, session(opts))
	if err != nil {
		Err.Printf("Could not open the workspace (%s).\n", err)
		return
	}
	defer workspaceManager.Dispose()

	nodeReferences, err := workspaceManager.GetReferences(cancelCtx, nodeId)
	if err != nil {
		Err.Printf("Could not fetch references of %s (%s).\n", nodeId, err)
		return
	}
	if nodeReferences.Empty() {
		Out.Printf("no referrers")
		return
	}
	for _, referrer := range nodeReferences.Referrers {
		Out.Printf("%s", referrer)
	}
}

// print reconciled change notifications as they arrive
func watch(opts docopt.Opts) {
	var eventCount int
	if eventCount_, err := opts.Int("--event_count"); err == nil {
		eventCount = eventCount_
	} else {
		eventCount = -1
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, err := arbor.NewRemoteServiceWithDefaults(cancelCtx, apiUrl(opts))
	if err != nil {
		Err.Printf("Could not reach the service (%s).\n", err)
		return
	}
	defer service.Close()

	if !service.Descriptors().ObservationSupported {
		Err.Printf("The service does not support observation.\n")
		return
	}

	workspaceManager, err := arbor.NewWorkspaceManagerWithDefaults(cancelCtx, service, session(opts))
	if err != nil {
		Err.Printf("Could not open the workspace (%s).\n", err)
		return
	}
	defer workspaceManager.Dispose()

	done := make(chan struct{})
	remaining := eventCount
	unsub := workspaceManager.AddEventListener(func(events arbor.EventSequence, local bool) {
		origin := "external"
		if local {
			origin = "local"
		}
		for _, event := range events {
			Out.Printf("[%s] %s %s parent=%s", origin, event.Type, event.ItemId, event.ParentId)
		}
		if 0 < remaining {
			remaining -= 1
			if remaining == 0 {
				close(done)
			}
		}
	})
	defer unsub()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-done:
	case <-stop:
	}
}

// exercise the full lifecycle against the in process service
func demo(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service := arbor.NewMemoryServiceWithDefaults()

	writerSession := arbor.NewSessionInfo("demo-writer", "default")
	writer, err := arbor.NewWorkspaceManagerWithDefaults(cancelCtx, service, writerSession)
	if err != nil {
		Err.Printf("Could not open the writer workspace (%s).\n", err)
		return
	}
	defer writer.Dispose()

	observerSession := arbor.NewSessionInfo("demo-observer", "default")
	observer, err := arbor.NewWorkspaceManagerWithDefaults(cancelCtx, service, observerSession)
	if err != nil {
		Err.Printf("Could not open the observer workspace (%s).\n", err)
		return
	}
	defer observer.Dispose()

	unsub := observer.AddEventListener(func(events arbor.EventSequence, local bool) {
		for _, event := range events {
			Out.Printf("observer saw %s %s", event.Type, event.ItemId)
		}
	})
	defer unsub()

	rootId, err := service.RootId(cancelCtx, writerSession)
	if err != nil {
		Err.Printf("Could not fetch the root (%s).\n", err)
		return
	}

	docsId := arbor.NewId()
	changeLog := arbor.NewChangeLog(
		&arbor.AddNode{ParentId: rootId, Name: "docs", TypeName: "arbor:folder", NodeId: docsId},
		&arbor.AddProperty{ParentId: docsId, Name: "title", Type: arbor.PropertyTypeString, Values: []string{"Documents"}},
	)
	if err := writer.Execute(cancelCtx, changeLog); err != nil {
		Err.Printf("Execute failed (%s).\n", err)
		return
	}
	Out.Printf("change log %s", changeLog.State())

	state, err := writer.GetState(cancelCtx, arbor.NodeItemId(rootId))
	if err != nil {
		Err.Printf("Could not fetch the root state (%s).\n", err)
		return
	}
	printState(state)

	if err := writer.ExecuteOperation(cancelCtx, &arbor.Checkin{NodeId: docsId}); err != nil {
		Err.Printf("Checkin failed (%s).\n", err)
		return
	}
	Out.Printf("checked in, versions=%d", len(service.Versions(docsId)))

	// give the observer feed a moment to drain
	time.Sleep(100 * time.Millisecond)
	fmt.Println()
}
