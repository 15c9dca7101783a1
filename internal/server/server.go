// Package server is the hub core: it owns the editing state, wires the
// collaborators together and implements every RPC of the client
// channel.
package server

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	buildsvc "github.com/arserver/arserver/internal/clients/build"
	storesvc "github.com/arserver/arserver/internal/clients/project"
	scenesvc "github.com/arserver/arserver/internal/clients/scene"
	"github.com/arserver/arserver/internal/common/config"
	"github.com/arserver/arserver/internal/common/logger"
	"github.com/arserver/arserver/internal/events"
	"github.com/arserver/arserver/internal/events/bus"
	"github.com/arserver/arserver/internal/execution"
	"github.com/arserver/arserver/internal/lock"
	"github.com/arserver/arserver/internal/objecttypes"
	"github.com/arserver/arserver/internal/project"
	"github.com/arserver/arserver/internal/scene"
	"github.com/arserver/arserver/internal/session"
	v1 "github.com/arserver/arserver/pkg/api/v1"
	"github.com/arserver/arserver/pkg/rpc"
)

// Version is the hub release version reported by SystemInfo.
const Version = "1.3.1"

// APIVersion is the client protocol version reported by SystemInfo.
const APIVersion = "1.2.0"

// eventSource tags bus events originating in the hub core.
const eventSource = "arserver"

// Server aggregates the hub state and implements the dispatcher the
// gateway feeds decoded requests into.
type Server struct {
	cfg    *config.Config
	logger *logger.Logger

	bus      bus.EventBus
	sessions *session.Manager
	locks    *lock.Manager
	types    *objecttypes.Registry
	scene    *scene.State
	engine   *scene.Engine
	project  *project.State
	store    storesvc.Client
	sim      scenesvc.Client
	bridge   *execution.Bridge
	runner   *execution.Runner

	handlers map[string]handlerEntry

	aimMu  sync.Mutex
	aiming map[string]*aimingSession

	streamMu   sync.Mutex
	streamEef  map[string]bool
	streamJnts map[string]bool
	streamStop context.CancelFunc

	actionMu      sync.Mutex
	actionRunning bool
}

// Deps bundles the collaborators a Server is built from.
type Deps struct {
	Config   *config.Config
	Logger   *logger.Logger
	Bus      bus.EventBus
	Sessions *session.Manager
	Locks    *lock.Manager
	Types    *objecttypes.Registry
	Store    storesvc.Client
	Sim      scenesvc.Client
	Build    buildsvc.Client
	Bridge   *execution.Bridge
}

// New creates the hub core and registers every RPC handler.
func New(d Deps) *Server {
	s := &Server{
		cfg:        d.Config,
		logger:     d.Logger.WithFields(zap.String("component", "server")),
		bus:        d.Bus,
		sessions:   d.Sessions,
		locks:      d.Locks,
		types:      d.Types,
		scene:      scene.NewState(),
		project:    project.NewState(),
		store:      d.Store,
		sim:        d.Sim,
		bridge:     d.Bridge,
		handlers:   make(map[string]handlerEntry),
		aiming:     make(map[string]*aimingSession),
		streamEef:  make(map[string]bool),
		streamJnts: make(map[string]bool),
	}
	s.engine = scene.NewEngine(d.Sim, d.Types, d.Logger)
	s.engine.SetStateListener(s.onSceneState)
	s.runner = execution.NewRunner(d.Bridge, d.Build, d.Logger)
	d.Bridge.SetEventHandler(s.onExecutionEvent)
	d.Locks.SetTreeExpander(s.project)

	s.registerSessionHandlers()
	s.registerLockHandlers()
	s.registerObjectTypeHandlers()
	s.registerSceneHandlers()
	s.registerProjectHandlers()
	s.registerRobotHandlers()
	s.registerCameraHandlers()
	s.registerExecutionHandlers()
	return s
}

// publish encodes one event frame and puts it on the bus. An empty
// target broadcasts; exclude skips one client on broadcast.
func (s *Server) publish(ctx context.Context, target, exclude string, evt *rpc.Event) {
	frame, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("Failed to encode event",
			zap.String("event", evt.Event),
			zap.Error(err))
		return
	}
	subject := events.SubjectUIBroadcast
	if target != "" {
		subject = events.SubjectUIClient(target)
	}
	ev := bus.NewEvent(evt.Event, eventSource, frame)
	ev.Target = target
	ev.Exclude = exclude
	if err := s.bus.Publish(ctx, subject, ev); err != nil {
		s.logger.Error("Failed to publish event",
			zap.String("event", evt.Event),
			zap.Error(err))
	}
}

// broadcastNow publishes an event immediately, outside any request.
func (s *Server) broadcastNow(evt *rpc.Event, err error) {
	if err != nil {
		s.logger.Error("Failed to build event", zap.Error(err))
		return
	}
	s.publish(context.Background(), "", "", evt)
}

// onSceneState turns engine transitions into SceneState broadcasts.
func (s *Server) onSceneState(data v1.SceneStateData) {
	s.broadcastNow(rpc.NewEvent(rpc.EvtSceneState, data))
}

// onExecutionEvent forwards runtime events to every client and feeds
// package-state transitions to the runner. A non-temporary package
// stopping additionally navigates clients to the package list.
func (s *Server) onExecutionEvent(evt *rpc.Event) {
	frame, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("Failed to re-encode execution event", zap.Error(err))
		return
	}
	ev := bus.NewEvent(evt.Event, eventSource, frame)
	if err := s.bus.Publish(context.Background(), events.SubjectUIBroadcast, ev); err != nil {
		s.logger.Error("Failed to forward execution event", zap.Error(err))
	}

	if evt.Event != rpc.EvtPackageState {
		return
	}
	var state v1.PackageStateData
	if err := evt.ParseData(&state); err != nil {
		s.logger.Warn("Malformed package state", zap.Error(err))
		return
	}
	s.runner.HandlePackageState(state)
	if state.State == v1.PackageStopped && state.PackageID != "" && !s.runner.IsTemporary(state.PackageID) {
		s.broadcastNow(rpc.NewEvent(rpc.EvtShowMainScreen, v1.ShowMainScreenData{
			What:      v1.PackagesList,
			Highlight: state.PackageID,
		}))
	}
}

// WelcomeEvents builds the burst a freshly connected client receives:
// the current screen state followed by the retained execution snapshots.
func (s *Server) WelcomeEvents() []*rpc.Event {
	var out []*rpc.Event
	add := func(evt *rpc.Event, err error) {
		if err != nil {
			s.logger.Error("Failed to build welcome event", zap.Error(err))
			return
		}
		out = append(out, evt)
	}

	switch {
	case s.project.IsOpen():
		sceneCopy, serr := s.scene.Snapshot()
		projectCopy, perr := s.project.Current()
		if serr == nil && perr == nil {
			add(rpc.NewEvent(rpc.EvtOpenProject, openProjectData{Scene: sceneCopy, Project: projectCopy}))
		}
		add(rpc.NewEvent(rpc.EvtSceneState, v1.SceneStateData{State: s.engine.State()}))
	case s.scene.IsOpen():
		sceneCopy, serr := s.scene.Snapshot()
		if serr == nil {
			add(rpc.NewEvent(rpc.EvtOpenScene, openSceneData{Scene: sceneCopy}))
		}
		add(rpc.NewEvent(rpc.EvtSceneState, v1.SceneStateData{State: s.engine.State()}))
	default:
		add(rpc.NewEvent(rpc.EvtShowMainScreen, v1.ShowMainScreenData{What: v1.ScenesList}))
	}

	out = append(out, s.bridge.ReplayEvents()...)
	return out
}

// OnClientGone releases everything a disconnected channel held: its
// session, its locks and any aiming session it drove.
func (s *Server) OnClientGone(clientID string) {
	user := s.sessions.Logout(clientID)
	if user == "" {
		return
	}
	s.logger.Info("User disconnected", zap.String("user", user))

	if released := s.locks.ReleaseAll(user); len(released) > 0 {
		s.broadcastNow(rpc.NewEvent(rpc.EvtObjectsUnlocked, v1.ObjectsLockedData{
			ObjectIDs: released,
			Owner:     user,
		}))
	}

	s.aimMu.Lock()
	for objectID, aim := range s.aiming {
		if aim.userName == user {
			delete(s.aiming, objectID)
		}
	}
	s.aimMu.Unlock()
}

// Shutdown stops background activity: streamers, a started scene and
// the server-owned locks.
func (s *Server) Shutdown(ctx context.Context) {
	s.stopStreamers()
	if s.engine.Started() {
		if err := s.engine.Stop(ctx); err != nil {
			s.logger.Warn("Stopping scene on shutdown failed", zap.Error(err))
		}
	}
	s.locks.ReleaseAll(lock.ServerOwner)
}

// Catalogue returns the RPC catalogue as a JSON document, one entry per
// registered request name.
func (s *Server) Catalogue() string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	doc, err := json.MarshalIndent(map[string]interface{}{
		"version":    APIVersion,
		"rpcs":       names,
		"generated":  time.Now().UTC().Format(time.RFC3339),
		"serverName": "arserver",
	}, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(doc)
}

// openSceneData is the payload of the OpenScene event.
type openSceneData struct {
	Scene *v1.Scene `json:"scene"`
}

// openProjectData is the payload of the OpenProject event.
type openProjectData struct {
	Scene   *v1.Scene   `json:"scene"`
	Project *v1.Project `json:"project"`
}
