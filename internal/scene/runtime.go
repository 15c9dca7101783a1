package scene

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arserver/arserver/internal/common/logger"
	"github.com/arserver/arserver/internal/objecttypes"
	v1 "github.com/arserver/arserver/pkg/api/v1"
)

var (
	// ErrNotStopped is returned when a start is attempted off-state.
	ErrNotStopped = errors.New("scene is not stopped")
	// ErrNotStarted is returned when a runtime op needs a started scene.
	ErrNotStarted = errors.New("scene is not started")
	// ErrInstanceNotFound is returned for unknown live-object lookups.
	ErrInstanceNotFound = errors.New("live object not found")
	// ErrNotARobot is returned when a robot op targets a non-robot instance.
	ErrNotARobot = errors.New("object is not a robot")
)

// Simulation is the subset of the scene service used by the runtime.
type Simulation interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ClearCollisions(ctx context.Context) error
	RegisterModel(ctx context.Context, objectID string, model *v1.CollisionModel, pose *v1.Pose) error
	DeleteModel(ctx context.Context, objectID string) error
}

// TypeInfo answers the type questions the runtime needs.
type TypeInfo interface {
	Get(name string) (*objecttypes.ObjectType, error)
	BaseFamily(name string) (string, error)
}

// StateListener receives runtime state transitions.
type StateListener func(data v1.SceneStateData)

// Engine drives the scene runtime state machine and owns the live
// instances. Transitions are linearised: a second start or stop request
// during a transition is refused.
type Engine struct {
	mu        sync.Mutex
	state     v1.SceneStateValue
	instances map[string]Instance

	sim      Simulation
	types    TypeInfo
	onState  StateListener
	logger   *logger.Logger
	builders map[string]Constructor
}

// NewEngine creates a stopped runtime engine with the default
// constructor table.
func NewEngine(sim Simulation, types TypeInfo, log *logger.Logger) *Engine {
	e := &Engine{
		state:     v1.SceneStopped,
		instances: make(map[string]Instance),
		sim:       sim,
		types:     types,
		logger:    log.WithFields(zap.String("component", "scene_runtime")),
	}
	e.builders = map[string]Constructor{
		v1.BaseGeneric:         NewGenericInstance,
		v1.BaseGenericWithPose: NewGenericInstance,
		v1.BaseCollisionObject: e.newCollisionInstance,
		v1.BaseRobot:           NewVirtualRobot,
	}
	return e
}

// SetStateListener installs the SceneState event emitter.
func (e *Engine) SetStateListener(fn StateListener) {
	e.onState = fn
}

// State returns the current runtime state.
func (e *Engine) State() v1.SceneStateValue {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Started reports runtime state == started.
func (e *Engine) Started() bool { return e.State() == v1.SceneStarted }

// Stopped reports runtime state == stopped.
func (e *Engine) Stopped() bool { return e.State() == v1.SceneStopped }

// Instance returns the live object for a scene object id.
func (e *Engine) Instance(id string) (Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return inst, nil
}

// RobotInstance returns the live object as a robot.
func (e *Engine) RobotInstance(id string) (Robot, error) {
	inst, err := e.Instance(id)
	if err != nil {
		return nil, err
	}
	robot, ok := inst.(Robot)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotARobot, id)
	}
	return robot, nil
}

// Robots returns every live robot instance.
func (e *Engine) Robots() []Robot {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Robot
	for _, inst := range e.instances {
		if robot, ok := inst.(Robot); ok {
			out = append(out, robot)
		}
	}
	return out
}

// Start instantiates the scene objects and brings the simulation up.
// On any failure the already-built instances are cleaned up best-effort
// and the state returns to stopped with a message.
func (e *Engine) Start(ctx context.Context, objects []v1.SceneObject, overrides map[string][]v1.Parameter) error {
	if err := e.transition(v1.SceneStopped, v1.SceneStarting, ""); err != nil {
		return err
	}

	if err := e.startInner(ctx, objects, overrides); err != nil {
		e.cleanupAll(ctx)
		e.setState(v1.SceneStopped, err.Error())
		return err
	}

	e.setState(v1.SceneStarted, "")
	return nil
}

func (e *Engine) startInner(ctx context.Context, objects []v1.SceneObject, overrides map[string][]v1.Parameter) error {
	// A prior simulation session may have leaked state.
	if err := e.sim.Stop(ctx); err != nil {
		e.logger.Warn("Pre-start simulation stop failed", zap.Error(err))
	}
	if err := e.sim.ClearCollisions(ctx); err != nil {
		e.logger.Warn("Clearing collisions failed", zap.Error(err))
	}

	built := make(map[string]Instance, len(objects))
	var builtMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, obj := range objects {
		obj := obj
		g.Go(func() error {
			inst, err := e.build(gctx, obj, overrides[obj.ID])
			if err != nil {
				return fmt.Errorf("object %s (%s): %w", obj.Name, obj.ID, err)
			}
			builtMu.Lock()
			built[obj.ID] = inst
			builtMu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	e.mu.Lock()
	e.instances = built
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if err := e.sim.Start(ctx); err != nil {
		return fmt.Errorf("simulation start: %w", err)
	}
	return nil
}

// build constructs one live instance, with project overrides applied
// over the scene object's own parameters.
func (e *Engine) build(ctx context.Context, obj v1.SceneObject, override []v1.Parameter) (Instance, error) {
	ot, err := e.types.Get(obj.Type)
	if err != nil {
		return nil, err
	}
	if ot.Meta.Disabled {
		return nil, fmt.Errorf("%w: %s", objecttypes.ErrTypeDisabled, obj.Type)
	}
	family, err := e.types.BaseFamily(obj.Type)
	if err != nil {
		return nil, err
	}
	ctor, ok := e.builders[family]
	if !ok {
		return nil, fmt.Errorf("no constructor for base %s", family)
	}
	return ctor(ctx, InstanceConfig{
		ID:       obj.ID,
		Name:     obj.Name,
		Type:     obj.Type,
		Pose:     obj.Pose,
		Model:    ot.Meta.ObjectModel,
		Settings: mergeParameters(obj.Parameters, override),
	})
}

// newCollisionInstance registers the collision model with the
// simulation service and arranges its removal on cleanup.
func (e *Engine) newCollisionInstance(ctx context.Context, cfg InstanceConfig) (Instance, error) {
	if cfg.Model != nil {
		if err := e.sim.RegisterModel(ctx, cfg.ID, cfg.Model, cfg.Pose); err != nil {
			return nil, fmt.Errorf("registering collision model: %w", err)
		}
	}
	inst := &collisionInstance{genericInstance: genericInstance{id: cfg.ID, name: cfg.Name}}
	if cfg.Model != nil {
		inst.deregister = func(ctx context.Context) error {
			return e.sim.DeleteModel(ctx, cfg.ID)
		}
	}
	return inst, nil
}

// Stop shuts the simulation down and cleans every instance up. Cleanup
// errors are logged, never fatal.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.transition(v1.SceneStarted, v1.SceneStopping, ""); err != nil {
		return err
	}

	if err := e.sim.Stop(ctx); err != nil {
		e.logger.Warn("Simulation stop failed", zap.Error(err))
	}
	e.cleanupAll(ctx)
	e.setState(v1.SceneStopped, "")
	return nil
}

// cleanupAll runs Cleanup on every instance concurrently and clears the
// instance map.
func (e *Engine) cleanupAll(ctx context.Context) {
	e.mu.Lock()
	instances := e.instances
	e.instances = make(map[string]Instance)
	e.mu.Unlock()

	var wg sync.WaitGroup
	for id, inst := range instances {
		wg.Add(1)
		go func(id string, inst Instance) {
			defer wg.Done()
			if err := inst.Cleanup(ctx); err != nil {
				e.logger.Warn("Instance cleanup failed",
					zap.String("object_id", id),
					zap.Error(err))
			}
		}(id, inst)
	}
	wg.Wait()
}

// transition flips from -> to atomically, refusing off-state requests.
func (e *Engine) transition(from, to v1.SceneStateValue, message string) error {
	e.mu.Lock()
	if e.state != from {
		cur := e.state
		e.mu.Unlock()
		switch from {
		case v1.SceneStopped:
			return fmt.Errorf("%w (state %s)", ErrNotStopped, cur)
		default:
			return fmt.Errorf("%w (state %s)", ErrNotStarted, cur)
		}
	}
	e.state = to
	e.mu.Unlock()
	e.emit(to, message)
	return nil
}

func (e *Engine) setState(state v1.SceneStateValue, message string) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	e.emit(state, message)
}

func (e *Engine) emit(state v1.SceneStateValue, message string) {
	e.logger.Info("Scene runtime state",
		zap.String("state", string(state)),
		zap.String("message", message))
	if e.onState != nil {
		e.onState(v1.SceneStateData{State: state, Message: message})
	}
}

// mergeParameters overlays override values on the base parameter list.
func mergeParameters(base, override []v1.Parameter) []v1.Parameter {
	if len(override) == 0 {
		return base
	}
	out := make([]v1.Parameter, len(base))
	copy(out, base)
	for _, o := range override {
		replaced := false
		for i := range out {
			if out[i].Name == o.Name {
				out[i] = o
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, o)
		}
	}
	return out
}
