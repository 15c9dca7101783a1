package scene

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arserver/arserver/internal/common/logger"
	"github.com/arserver/arserver/internal/objecttypes"
	v1 "github.com/arserver/arserver/pkg/api/v1"
)

type fakeSim struct {
	mu         sync.Mutex
	started    bool
	registered map[string]bool
	failStart  bool
}

func newFakeSim() *fakeSim {
	return &fakeSim{registered: make(map[string]bool)}
}

func (f *fakeSim) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return errors.New("simulation refused")
	}
	f.started = true
	return nil
}

func (f *fakeSim) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

func (f *fakeSim) ClearCollisions(context.Context) error { return nil }

func (f *fakeSim) RegisterModel(_ context.Context, objectID string, _ *v1.CollisionModel, _ *v1.Pose) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[objectID] = true
	return nil
}

func (f *fakeSim) DeleteModel(_ context.Context, objectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, objectID)
	return nil
}

type fakeTypes map[string]string // type name -> base family

func (f fakeTypes) Get(name string) (*objecttypes.ObjectType, error) {
	if _, ok := f[name]; !ok {
		return nil, objecttypes.ErrUnknownType
	}
	ot := &objecttypes.ObjectType{Meta: v1.ObjectTypeMeta{Type: name}}
	if f[name] == v1.BaseCollisionObject {
		ot.Meta.ObjectModel = &v1.CollisionModel{
			Type: v1.ModelBox,
			Box:  &v1.Box{SizeX: 0.1, SizeY: 0.1, SizeZ: 0.1},
		}
	}
	return ot, nil
}

func (f fakeTypes) BaseFamily(name string) (string, error) {
	family, ok := f[name]
	if !ok {
		return "", objecttypes.ErrUnknownType
	}
	return family, nil
}

func testObjects() []v1.SceneObject {
	return []v1.SceneObject{
		{ID: "obj-robot", Name: "arm", Type: "Arm", Pose: &v1.Pose{Orientation: v1.IdentityOrientation()}},
		{ID: "obj-box", Name: "crate", Type: "Crate", Pose: &v1.Pose{Orientation: v1.IdentityOrientation()}},
	}
}

func testEngine(sim Simulation) *Engine {
	return NewEngine(sim, fakeTypes{
		"Arm":   v1.BaseRobot,
		"Crate": v1.BaseCollisionObject,
	}, logger.Default())
}

func TestEngineStartStop(t *testing.T) {
	sim := newFakeSim()
	e := testEngine(sim)

	var states []v1.SceneStateValue
	var mu sync.Mutex
	e.SetStateListener(func(data v1.SceneStateData) {
		mu.Lock()
		states = append(states, data.State)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, e.Start(ctx, testObjects(), nil))
	assert.True(t, e.Started())
	assert.True(t, sim.started)
	assert.True(t, sim.registered["obj-box"], "collision model registered")

	robot, err := e.RobotInstance("obj-robot")
	require.NoError(t, err)
	assert.Equal(t, "arm", robot.Name())

	_, err = e.RobotInstance("obj-box")
	assert.ErrorIs(t, err, ErrNotARobot)

	require.NoError(t, e.Stop(ctx))
	assert.True(t, e.Stopped())
	assert.Empty(t, sim.registered, "collision model removed on stop")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []v1.SceneStateValue{
		v1.SceneStarting, v1.SceneStarted, v1.SceneStopping, v1.SceneStopped,
	}, states)
}

func TestEngineStartFailureRollsBack(t *testing.T) {
	sim := newFakeSim()
	sim.failStart = true
	e := testEngine(sim)

	err := e.Start(context.Background(), testObjects(), nil)
	require.Error(t, err)
	assert.True(t, e.Stopped(), "failed start returns to stopped")
	assert.Empty(t, sim.registered, "built instances are cleaned up")
}

func TestEngineRefusesDoubleStart(t *testing.T) {
	e := testEngine(newFakeSim())
	require.NoError(t, e.Start(context.Background(), nil, nil))
	assert.ErrorIs(t, e.Start(context.Background(), nil, nil), ErrNotStopped)
	require.NoError(t, e.Stop(context.Background()))
	assert.ErrorIs(t, e.Stop(context.Background()), ErrNotStarted)
}

func TestEngineUnknownType(t *testing.T) {
	e := testEngine(newFakeSim())
	err := e.Start(context.Background(), []v1.SceneObject{
		{ID: "obj-x", Name: "mystery", Type: "Mystery"},
	}, nil)
	assert.ErrorIs(t, err, objecttypes.ErrUnknownType)
	assert.True(t, e.Stopped())
}

func TestVirtualRobotMoveToJoints(t *testing.T) {
	inst, err := NewVirtualRobot(context.Background(), InstanceConfig{ID: "r", Name: "arm"})
	require.NoError(t, err)
	robot := inst.(*VirtualRobot)

	target := robot.Joints()
	target[0].Value = 1.5

	require.NoError(t, robot.MoveToJoints(context.Background(), target, 1))
	assert.InDelta(t, 1.5, robot.Joints()[0].Value, 1e-9)
}

func TestVirtualRobotMoveToPose(t *testing.T) {
	inst, err := NewVirtualRobot(context.Background(), InstanceConfig{
		ID: "r", Name: "arm",
		Pose: &v1.Pose{Orientation: v1.IdentityOrientation()},
	})
	require.NoError(t, err)
	robot := inst.(*VirtualRobot)

	target := v1.Pose{
		Position:    v1.Position{X: 0.5, Y: 0.1, Z: 0.2},
		Orientation: v1.IdentityOrientation(),
	}
	require.NoError(t, robot.MoveToPose(context.Background(), "default", target, 1))

	pose, err := robot.EndEffectorPose("default")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, pose.Position.X, 1e-9)

	_, err = robot.EndEffectorPose("gripper")
	assert.Error(t, err)
}

func TestVirtualRobotStopInterruptsMove(t *testing.T) {
	inst, err := NewVirtualRobot(context.Background(), InstanceConfig{ID: "r", Name: "arm"})
	require.NoError(t, err)
	robot := inst.(*VirtualRobot)

	target := robot.Joints()
	target[0].Value = 2

	done := make(chan error, 1)
	go func() {
		// Slow move so the stop lands mid-flight.
		done <- robot.MoveToJoints(context.Background(), target, 0.01)
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, robot.Stop())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrMoveInterrupted)
	case <-time.After(time.Second):
		t.Fatal("move did not stop")
	}
}

func TestVirtualRobotRefusesConcurrentMove(t *testing.T) {
	inst, err := NewVirtualRobot(context.Background(), InstanceConfig{ID: "r", Name: "arm"})
	require.NoError(t, err)
	robot := inst.(*VirtualRobot)

	target := robot.Joints()
	target[0].Value = 2

	go func() { _ = robot.MoveToJoints(context.Background(), target, 0.01) }()
	time.Sleep(50 * time.Millisecond)
	defer func() { _ = robot.Stop() }()

	assert.Error(t, robot.MoveToJoints(context.Background(), target, 1))
	assert.Error(t, robot.SetHandTeachingMode(true), "refused mid-move")
}

func TestVirtualRobotHandTeachingBlocksMoves(t *testing.T) {
	inst, err := NewVirtualRobot(context.Background(), InstanceConfig{ID: "r", Name: "arm"})
	require.NoError(t, err)
	robot := inst.(*VirtualRobot)

	require.NoError(t, robot.SetHandTeachingMode(true))
	assert.True(t, robot.HandTeachingMode())

	err = robot.MoveToJoints(context.Background(), robot.Joints(), 1)
	assert.Error(t, err)

	require.NoError(t, robot.SetHandTeachingMode(false))
	assert.NoError(t, robot.MoveToJoints(context.Background(), robot.Joints(), 1))
}

func TestVirtualRobotSpeedValidation(t *testing.T) {
	inst, err := NewVirtualRobot(context.Background(), InstanceConfig{ID: "r", Name: "arm"})
	require.NoError(t, err)
	robot := inst.(*VirtualRobot)

	assert.Error(t, robot.MoveToJoints(context.Background(), robot.Joints(), 0))
	assert.Error(t, robot.MoveToJoints(context.Background(), robot.Joints(), 1.5))
}
