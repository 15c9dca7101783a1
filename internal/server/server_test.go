package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arserver/arserver/internal/common/config"
	"github.com/arserver/arserver/internal/common/logger"
	"github.com/arserver/arserver/internal/events/bus"
	"github.com/arserver/arserver/internal/execution"
	"github.com/arserver/arserver/internal/gateway/websocket"
	"github.com/arserver/arserver/internal/lock"
	"github.com/arserver/arserver/internal/objecttypes"
	"github.com/arserver/arserver/internal/session"
	v1 "github.com/arserver/arserver/pkg/api/v1"
	"github.com/arserver/arserver/pkg/rpc"
)

type fakeStore struct {
	mu       sync.Mutex
	scenes   map[string]*v1.Scene
	projects map[string]*v1.Project
	sources  []objecttypes.SourceRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		scenes:   make(map[string]*v1.Scene),
		projects: make(map[string]*v1.Project),
	}
}

func (f *fakeStore) ListObjectTypeSources(ctx context.Context) ([]objecttypes.SourceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]objecttypes.SourceRecord(nil), f.sources...), nil
}

func (f *fakeStore) ListScenes(ctx context.Context) ([]v1.IdDesc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []v1.IdDesc
	for _, sc := range f.scenes {
		out = append(out, v1.IdDesc{ID: sc.ID, Name: sc.Name})
	}
	return out, nil
}

func (f *fakeStore) GetScene(ctx context.Context, id string) (*v1.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.scenes[id]
	if !ok {
		return nil, fmt.Errorf("scene %s not found", id)
	}
	cp := *sc
	return &cp, nil
}

func (f *fakeStore) PutScene(ctx context.Context, scene *v1.Scene) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *scene
	f.scenes[scene.ID] = &cp
	return time.Now().UTC(), nil
}

func (f *fakeStore) DeleteScene(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scenes, id)
	return nil
}

func (f *fakeStore) ListProjects(ctx context.Context) ([]v1.IdDesc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []v1.IdDesc
	for _, p := range f.projects {
		out = append(out, v1.IdDesc{ID: p.ID, Name: p.Name})
	}
	return out, nil
}

func (f *fakeStore) GetProject(ctx context.Context, id string) (*v1.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) PutProject(ctx context.Context, project *v1.Project) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *project
	f.projects[project.ID] = &cp
	return time.Now().UTC(), nil
}

func (f *fakeStore) DeleteProject(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.projects, id)
	return nil
}

func (f *fakeStore) PutObjectType(ctx context.Context, rec objecttypes.SourceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, rec)
	return nil
}

func (f *fakeStore) PutObjectTypeModel(ctx context.Context, name string, model *v1.CollisionModel) error {
	return nil
}

func (f *fakeStore) DeleteObjectType(ctx context.Context, name string) error {
	return nil
}

type fakeSimSvc struct{}

func (fakeSimSvc) Start(ctx context.Context) error           { return nil }
func (fakeSimSvc) Stop(ctx context.Context) error            { return nil }
func (fakeSimSvc) Started(ctx context.Context) (bool, error) { return false, nil }
func (fakeSimSvc) ClearCollisions(ctx context.Context) error { return nil }
func (fakeSimSvc) RegisterModel(ctx context.Context, objectID string, model *v1.CollisionModel, pose *v1.Pose) error {
	return nil
}
func (fakeSimSvc) DeleteModel(ctx context.Context, objectID string) error { return nil }
func (fakeSimSvc) EstimateCameraPose(ctx context.Context, params v1.CameraParameters, image []byte) (*v1.Pose, error) {
	return &v1.Pose{Orientation: v1.IdentityOrientation()}, nil
}
func (fakeSimSvc) MarkersCorners(ctx context.Context, params v1.CameraParameters, image []byte) ([]v1.Position, error) {
	return nil, nil
}

type fakeBuildSvc struct{}

func (fakeBuildSvc) Build(ctx context.Context, projectID, packageName string) ([]byte, error) {
	return []byte("PK"), nil
}

// testEnv runs the full stack: core, memory bus, gateway hub and an HTTP
// server upgrading /ws.
type testEnv struct {
	srv   *httptest.Server
	store *fakeStore
	core  *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()

	store := newFakeStore()
	memBus := bus.NewMemoryEventBus(log)
	registry := objecttypes.NewRegistry(store, objecttypes.NewManifestIntrospector(), log)
	require.NoError(t, registry.Load(context.Background()))
	locks := lock.NewManager(2, time.Millisecond, log)
	sessions := session.NewManager(log)
	bridge := execution.NewBridge("ws://127.0.0.1:1/execution", log)

	cfg := &config.Config{}
	cfg.Streaming.PeriodMs = 100

	core := New(Deps{
		Config:   cfg,
		Logger:   log,
		Bus:      memBus,
		Sessions: sessions,
		Locks:    locks,
		Types:    registry,
		Store:    store,
		Sim:      fakeSimSvc{},
		Build:    fakeBuildSvc{},
		Bridge:   bridge,
	})

	hub := websocket.NewHub(core, log)
	hub.SetWelcomeProvider(core.WelcomeEvents)
	hub.SetDisconnectListener(core.OnClientGone)
	require.NoError(t, hub.Subscribe(memBus))
	sessions.SetProber(hub, hub)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/ws", websocket.NewHandler(hub, log).HandleConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testEnv{srv: srv, store: store, core: core}
}

// wsClient drives one editor connection over the real wire format.
type wsClient struct {
	t      *testing.T
	conn   *gorillaws.Conn
	frames chan []byte
	nextID uint64
}

func (e *testEnv) dial(t *testing.T) *wsClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, resp, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	c := &wsClient{t: t, conn: conn, frames: make(chan []byte, 64)}
	go func() {
		defer close(c.frames)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			c.frames <- msg
		}
	}()
	return c
}

func (c *wsClient) next() []byte {
	c.t.Helper()
	select {
	case msg, ok := <-c.frames:
		if !ok {
			c.t.Fatal("connection closed")
		}
		return msg
	case <-time.After(3 * time.Second):
		c.t.Fatal("timed out waiting for a frame")
	}
	return nil
}

func (c *wsClient) send(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(gorillaws.TextMessage, []byte(frame)))
}

// call sends one request and reads frames until its response arrives.
// Events seen before the response are returned so tests can assert the
// response-first ordering.
func (c *wsClient) call(name, args string, dryRun bool) (*rpc.Response, []*rpc.Event) {
	c.t.Helper()
	c.nextID++
	frame := map[string]interface{}{"request": name, "id": c.nextID}
	if args != "" {
		frame["args"] = json.RawMessage(args)
	}
	if dryRun {
		frame["dryRun"] = true
	}
	raw, err := json.Marshal(frame)
	require.NoError(c.t, err)
	c.send(string(raw))

	var preEvents []*rpc.Event
	for {
		msg := c.next()
		switch kind, id := rpc.Kind(msg); kind {
		case rpc.FrameResponse:
			require.Equal(c.t, c.nextID, id, "response correlates to the request")
			var resp rpc.Response
			require.NoError(c.t, json.Unmarshal(msg, &resp))
			return &resp, preEvents
		case rpc.FrameEvent:
			var evt rpc.Event
			require.NoError(c.t, json.Unmarshal(msg, &evt))
			preEvents = append(preEvents, &evt)
		default:
			c.t.Fatalf("unexpected frame: %s", msg)
		}
	}
}

func (c *wsClient) expectEvent(name string) *rpc.Event {
	c.t.Helper()
	msg := c.next()
	kind, _ := rpc.Kind(msg)
	require.Equal(c.t, rpc.FrameEvent, kind, "expected an event frame, got: %s", msg)
	var evt rpc.Event
	require.NoError(c.t, json.Unmarshal(msg, &evt))
	require.Equal(c.t, name, evt.Event)
	return &evt
}

func (c *wsClient) register(name string) {
	c.t.Helper()
	resp, _ := c.call(rpc.ReqRegisterUser, fmt.Sprintf(`{"userName": %q}`, name), false)
	require.True(c.t, resp.Result, "register failed: %v", resp.Messages)
}

func TestWelcomeShowsScenesList(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	evt := c.expectEvent(rpc.EvtShowMainScreen)
	var data v1.ShowMainScreenData
	require.NoError(t, evt.ParseData(&data))
	assert.Equal(t, v1.ScenesList, data.What)
}

func TestUnknownRequest(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.expectEvent(rpc.EvtShowMainScreen)

	resp, _ := c.call("Bogus", "", false)
	assert.False(t, resp.Result)
	assert.Equal(t, []string{"Unknown request."}, resp.Messages)
}

func TestUserNeededGate(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.expectEvent(rpc.EvtShowMainScreen)

	resp, _ := c.call(rpc.ReqListScenes, "", false)
	assert.False(t, resp.Result)
	assert.Equal(t, []string{"User is not registered."}, resp.Messages)

	c.register("alice")
	resp, _ = c.call(rpc.ReqListScenes, "", false)
	assert.True(t, resp.Result)
}

func TestRegisterUserDuplicateName(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.dial(t)
	c1.expectEvent(rpc.EvtShowMainScreen)
	c1.register("alice")

	c2 := env.dial(t)
	c2.expectEvent(rpc.EvtShowMainScreen)

	// The live holder answers the liveness probe, so the name is taken.
	resp, _ := c2.call(rpc.ReqRegisterUser, `{"userName": "alice"}`, false)
	assert.False(t, resp.Result)
	assert.Equal(t, []string{"Username already exists."}, resp.Messages)

	resp, _ = c2.call(rpc.ReqRegisterUser, `{"userName": "alice"}`, true)
	assert.False(t, resp.Result, "dry run reports the collision too")

	resp, _ = c2.call(rpc.ReqRegisterUser, `{"userName": "bob"}`, false)
	assert.True(t, resp.Result)
}

func TestRegisterUserStaleHolderEvicted(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.dial(t)
	c1.expectEvent(rpc.EvtShowMainScreen)
	c1.register("alice")
	require.NoError(t, c1.conn.Close())

	c2 := env.dial(t)
	c2.expectEvent(rpc.EvtShowMainScreen)
	resp, _ := c2.call(rpc.ReqRegisterUser, `{"userName": "alice"}`, false)
	assert.True(t, resp.Result, "dead holder gives way: %v", resp.Messages)
}

func TestSystemInfo(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.expectEvent(rpc.EvtShowMainScreen)

	resp, _ := c.call(rpc.ReqSystemInfo, "", false)
	require.True(t, resp.Result)

	var info v1.SystemInfoData
	require.NoError(t, json.Unmarshal(resp.Data, &info))
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, APIVersion, info.APIVersion)
	assert.Contains(t, info.SupportedRPCTypes, rpc.ReqRegisterUser)
	assert.Contains(t, info.SupportedRPCTypes, rpc.ReqStartScene)
}

func TestNewSceneResponseBeforeEvents(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.expectEvent(rpc.EvtShowMainScreen)
	c.register("alice")

	resp, preEvents := c.call(rpc.ReqNewScene, `{"name": "workbench"}`, false)
	require.True(t, resp.Result, "%v", resp.Messages)
	assert.Empty(t, preEvents, "no event may overtake the response")

	evt := c.expectEvent(rpc.EvtOpenScene)
	var open struct {
		Scene *v1.Scene `json:"scene"`
	}
	require.NoError(t, evt.ParseData(&open))
	require.NotNil(t, open.Scene)
	assert.Equal(t, "workbench", open.Scene.Name)

	state := c.expectEvent(rpc.EvtSceneState)
	var stateData v1.SceneStateData
	require.NoError(t, state.ParseData(&stateData))
	assert.Equal(t, v1.SceneStopped, stateData.State)
}

func TestNewSceneDryRunDoesNotMutate(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.expectEvent(rpc.EvtShowMainScreen)
	c.register("alice")

	resp, pre := c.call(rpc.ReqNewScene, `{"name": "workbench"}`, true)
	require.True(t, resp.Result, "%v", resp.Messages)
	assert.Empty(t, pre)

	// The scene did not open; modifications are still refused.
	resp, _ = c.call(rpc.ReqCloseScene, "{}", false)
	assert.False(t, resp.Result)
	assert.Equal(t, []string{"Scene not opened."}, resp.Messages)

	// And the real creation is not blocked by a phantom name.
	resp, _ = c.call(rpc.ReqNewScene, `{"name": "workbench"}`, false)
	assert.True(t, resp.Result, "%v", resp.Messages)
}

func TestStartSceneRefusedWhileActionRuns(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.expectEvent(rpc.EvtShowMainScreen)
	c.register("alice")

	resp, _ := c.call(rpc.ReqNewScene, `{"name": "workbench"}`, false)
	require.True(t, resp.Result, "%v", resp.Messages)
	c.expectEvent(rpc.EvtOpenScene)
	c.expectEvent(rpc.EvtSceneState)

	env.core.actionMu.Lock()
	env.core.actionRunning = true
	env.core.actionMu.Unlock()

	resp, _ = c.call(rpc.ReqStartScene, "", true)
	assert.False(t, resp.Result)
	assert.Equal(t, []string{"Cannot start scene while an action runs."}, resp.Messages)

	env.core.actionMu.Lock()
	env.core.actionRunning = false
	env.core.actionMu.Unlock()

	resp, _ = c.call(rpc.ReqStartScene, "", true)
	assert.True(t, resp.Result, "%v", resp.Messages)
}

func TestSceneSaveAndReopen(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.expectEvent(rpc.EvtShowMainScreen)
	c.register("alice")

	resp, _ := c.call(rpc.ReqNewScene, `{"name": "workbench"}`, false)
	require.True(t, resp.Result, "%v", resp.Messages)
	c.expectEvent(rpc.EvtOpenScene)
	c.expectEvent(rpc.EvtSceneState)

	resp, _ = c.call(rpc.ReqSaveScene, "", false)
	require.True(t, resp.Result, "%v", resp.Messages)
	c.expectEvent(rpc.EvtSceneSaved)

	resp, _ = c.call(rpc.ReqCloseScene, "{}", false)
	require.True(t, resp.Result, "%v", resp.Messages)
	c.expectEvent(rpc.EvtSceneClosed)
	c.expectEvent(rpc.EvtShowMainScreen)

	listings, err := env.store.ListScenes(context.Background())
	require.NoError(t, err)
	require.Len(t, listings, 1)

	resp, _ = c.call(rpc.ReqOpenScene, fmt.Sprintf(`{"id": %q}`, listings[0].ID), false)
	require.True(t, resp.Result, "%v", resp.Messages)
	c.expectEvent(rpc.EvtOpenScene)
	c.expectEvent(rpc.EvtSceneState)
}

func TestCloseSceneWithUnsavedChangesNeedsForce(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.expectEvent(rpc.EvtShowMainScreen)
	c.register("alice")

	resp, _ := c.call(rpc.ReqNewScene, `{"name": "workbench"}`, false)
	require.True(t, resp.Result, "%v", resp.Messages)
	c.expectEvent(rpc.EvtOpenScene)
	c.expectEvent(rpc.EvtSceneState)

	resp, _ = c.call(rpc.ReqCloseScene, "{}", false)
	assert.False(t, resp.Result)
	assert.Equal(t, []string{"Scene has unsaved changes."}, resp.Messages)

	resp, _ = c.call(rpc.ReqCloseScene, `{"force": true}`, false)
	assert.True(t, resp.Result, "%v", resp.Messages)
}

func TestBroadcastReachesOtherClients(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.dial(t)
	c1.expectEvent(rpc.EvtShowMainScreen)
	c1.register("alice")

	c2 := env.dial(t)
	c2.expectEvent(rpc.EvtShowMainScreen)

	resp, _ := c1.call(rpc.ReqNewScene, `{"name": "workbench"}`, false)
	require.True(t, resp.Result, "%v", resp.Messages)

	// Both channels see the open, including the unregistered one.
	c1.expectEvent(rpc.EvtOpenScene)
	c1.expectEvent(rpc.EvtSceneState)
	c2.expectEvent(rpc.EvtOpenScene)
	c2.expectEvent(rpc.EvtSceneState)
}

func TestWelcomeReplaysOpenScene(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.dial(t)
	c1.expectEvent(rpc.EvtShowMainScreen)
	c1.register("alice")

	resp, _ := c1.call(rpc.ReqNewScene, `{"name": "workbench"}`, false)
	require.True(t, resp.Result, "%v", resp.Messages)
	c1.expectEvent(rpc.EvtOpenScene)
	c1.expectEvent(rpc.EvtSceneState)

	// A latecomer is caught up on connect.
	c2 := env.dial(t)
	c2.expectEvent(rpc.EvtOpenScene)
	c2.expectEvent(rpc.EvtSceneState)
}

func TestMalformedFrame(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.expectEvent(rpc.EvtShowMainScreen)

	c.send(`{"response": "NotARequest", "id": 42}`)
	msg := c.next()
	kind, id := rpc.Kind(msg)
	assert.Equal(t, rpc.FrameResponse, kind)
	assert.Equal(t, uint64(42), id)

	var resp rpc.Response
	require.NoError(t, json.Unmarshal(msg, &resp))
	assert.False(t, resp.Result)
}
