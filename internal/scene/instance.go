package scene

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	v1 "github.com/arserver/arserver/pkg/api/v1"
)

// ErrMoveInterrupted is returned when a robot move is stopped or the
// scene shuts down under it.
var ErrMoveInterrupted = errors.New("move interrupted")

// Instance is a live object created on scene start.
type Instance interface {
	ID() string
	Name() string
	Cleanup(ctx context.Context) error
}

// Robot is the capability surface of a live robot instance. Callers
// check the type's capability descriptor before invoking an optional
// method; an unsupported call still fails cleanly.
type Robot interface {
	Instance
	EndEffectors() []string
	EndEffectorPose(eefID string) (v1.Pose, error)
	Joints() []v1.Joint
	Grippers() []string
	Suctions() []string
	MoveToPose(ctx context.Context, eefID string, target v1.Pose, speed float64) error
	MoveToJoints(ctx context.Context, target []v1.Joint, speed float64) error
	Stop() error
	InverseKinematics(eefID string, target v1.Pose) ([]v1.Joint, error)
	ForwardKinematics(eefID string, joints []v1.Joint) (v1.Pose, error)
	SetHandTeachingMode(enabled bool) error
	HandTeachingMode() bool
}

// InstanceConfig carries the constructor inputs derived from a scene
// object and its (possibly overridden) parameters.
type InstanceConfig struct {
	ID       string
	Name     string
	Type     string
	Pose     *v1.Pose
	Model    *v1.CollisionModel
	Settings []v1.Parameter
}

// Constructor builds a live instance for one base family.
type Constructor func(ctx context.Context, cfg InstanceConfig) (Instance, error)

// genericInstance is the live form of Generic and GenericWithPose
// objects. It holds configuration only.
type genericInstance struct {
	id   string
	name string
}

func (g *genericInstance) ID() string                    { return g.id }
func (g *genericInstance) Name() string                  { return g.name }
func (g *genericInstance) Cleanup(context.Context) error { return nil }

// NewGenericInstance builds a plain live object.
func NewGenericInstance(_ context.Context, cfg InstanceConfig) (Instance, error) {
	return &genericInstance{id: cfg.ID, name: cfg.Name}, nil
}

// collisionInstance additionally registers its model with the simulation
// service; deregistration happens in Cleanup.
type collisionInstance struct {
	genericInstance
	deregister func(ctx context.Context) error
}

func (c *collisionInstance) Cleanup(ctx context.Context) error {
	if c.deregister == nil {
		return nil
	}
	return c.deregister(ctx)
}

// moveStepPeriod is the interpolation tick of virtual robot moves.
const moveStepPeriod = 10 * time.Millisecond

// moveBaseDuration is the duration of a full-speed virtual move.
const moveBaseDuration = 500 * time.Millisecond

// VirtualRobot simulates a robot instance: it keeps joint values and an
// end-effector pose and services moves by linear interpolation, so move
// RPCs produce a realistic start/end event stream and the telemetry
// streamers have live data.
type VirtualRobot struct {
	id   string
	name string

	mu           sync.Mutex
	joints       []v1.Joint
	eef          map[string]v1.Pose
	handTeaching bool
	stopCh       chan struct{}
	moving       bool
}

// NewVirtualRobot builds a robot instance with one default end effector
// at the object's pose and six zeroed joints.
func NewVirtualRobot(_ context.Context, cfg InstanceConfig) (Instance, error) {
	pose := v1.Pose{Orientation: v1.IdentityOrientation()}
	if cfg.Pose != nil {
		pose = *cfg.Pose
	}
	joints := make([]v1.Joint, 6)
	for i := range joints {
		joints[i] = v1.Joint{Name: fmt.Sprintf("joint_%d", i+1)}
	}
	return &VirtualRobot{
		id:     cfg.ID,
		name:   cfg.Name,
		joints: joints,
		eef:    map[string]v1.Pose{"default": pose},
	}, nil
}

func (r *VirtualRobot) ID() string   { return r.id }
func (r *VirtualRobot) Name() string { return r.name }

// Cleanup stops any in-flight move.
func (r *VirtualRobot) Cleanup(context.Context) error {
	return r.Stop()
}

// EndEffectors lists the end effector ids.
func (r *VirtualRobot) EndEffectors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.eef))
	for id := range r.eef {
		out = append(out, id)
	}
	return out
}

// EndEffectorPose returns the current pose of one end effector.
func (r *VirtualRobot) EndEffectorPose(eefID string) (v1.Pose, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pose, ok := r.eef[eefID]
	if !ok {
		return v1.Pose{}, fmt.Errorf("unknown end effector %s", eefID)
	}
	return pose, nil
}

// Joints returns a copy of the current joint values.
func (r *VirtualRobot) Joints() []v1.Joint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]v1.Joint, len(r.joints))
	copy(out, r.joints)
	return out
}

// Grippers lists gripper ids; the virtual robot has none.
func (r *VirtualRobot) Grippers() []string { return nil }

// Suctions lists suction ids; the virtual robot has none.
func (r *VirtualRobot) Suctions() []string { return nil }

// MoveToPose interpolates the end effector linearly to the target pose.
// Speed in (0, 1] scales the base move duration. The move aborts on
// context cancellation or Stop.
func (r *VirtualRobot) MoveToPose(ctx context.Context, eefID string, target v1.Pose, speed float64) error {
	r.mu.Lock()
	start, ok := r.eef[eefID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown end effector %s", eefID)
	}
	stopCh, err := r.beginMove()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	defer r.endMove()

	return r.interpolate(ctx, stopCh, speed, func(t float64) {
		r.mu.Lock()
		r.eef[eefID] = lerpPose(start, target, t)
		r.mu.Unlock()
	})
}

// MoveToJoints interpolates the joints linearly to the target values.
func (r *VirtualRobot) MoveToJoints(ctx context.Context, target []v1.Joint, speed float64) error {
	r.mu.Lock()
	if len(target) != len(r.joints) {
		r.mu.Unlock()
		return fmt.Errorf("expected %d joints, got %d", len(r.joints), len(target))
	}
	start := make([]v1.Joint, len(r.joints))
	copy(start, r.joints)
	stopCh, err := r.beginMove()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	defer r.endMove()

	return r.interpolate(ctx, stopCh, speed, func(t float64) {
		r.mu.Lock()
		for i := range r.joints {
			r.joints[i].Value = start[i].Value + (target[i].Value-start[i].Value)*t
		}
		r.mu.Unlock()
	})
}

// Stop aborts the in-flight move, if any.
func (r *VirtualRobot) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.moving && r.stopCh != nil {
		close(r.stopCh)
		r.stopCh = nil
	}
	return nil
}

// InverseKinematics returns the current joints as the solution; the
// virtual robot has no solver and any reachable pose is accepted.
func (r *VirtualRobot) InverseKinematics(eefID string, _ v1.Pose) ([]v1.Joint, error) {
	if _, err := r.EndEffectorPose(eefID); err != nil {
		return nil, err
	}
	return r.Joints(), nil
}

// ForwardKinematics returns the end effector's current pose.
func (r *VirtualRobot) ForwardKinematics(eefID string, _ []v1.Joint) (v1.Pose, error) {
	return r.EndEffectorPose(eefID)
}

// SetHandTeachingMode toggles free-drive; refused mid-move.
func (r *VirtualRobot) SetHandTeachingMode(enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.moving {
		return errors.New("robot is moving")
	}
	r.handTeaching = enabled
	return nil
}

// HandTeachingMode reports the free-drive flag.
func (r *VirtualRobot) HandTeachingMode() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handTeaching
}

// beginMove marks the robot moving. Callers hold r.mu.
func (r *VirtualRobot) beginMove() (chan struct{}, error) {
	if r.moving {
		return nil, errors.New("robot is already moving")
	}
	if r.handTeaching {
		return nil, errors.New("robot is in hand teaching mode")
	}
	r.moving = true
	r.stopCh = make(chan struct{})
	return r.stopCh, nil
}

func (r *VirtualRobot) endMove() {
	r.mu.Lock()
	r.moving = false
	r.stopCh = nil
	r.mu.Unlock()
}

// interpolate drives step(t) from t=0 to t=1 over the scaled duration.
func (r *VirtualRobot) interpolate(ctx context.Context, stopCh <-chan struct{}, speed float64, step func(t float64)) error {
	if speed <= 0 || speed > 1 {
		return fmt.Errorf("speed %v out of (0, 1]", speed)
	}
	total := time.Duration(float64(moveBaseDuration) / speed)
	steps := int(total / moveStepPeriod)
	if steps < 1 {
		steps = 1
	}
	ticker := time.NewTicker(moveStepPeriod)
	defer ticker.Stop()
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrMoveInterrupted, ctx.Err())
		case <-stopCh:
			return ErrMoveInterrupted
		case <-ticker.C:
			step(float64(i) / float64(steps))
		}
	}
	return nil
}

// lerpPose interpolates position linearly and orientation by normalised
// quaternion blend, enough for a visualised virtual move.
func lerpPose(a, b v1.Pose, t float64) v1.Pose {
	out := v1.Pose{
		Position: v1.Position{
			X: a.Position.X + (b.Position.X-a.Position.X)*t,
			Y: a.Position.Y + (b.Position.Y-a.Position.Y)*t,
			Z: a.Position.Z + (b.Position.Z-a.Position.Z)*t,
		},
	}
	// Shortest-arc blend.
	bo := b.Orientation
	if a.Orientation.X*bo.X+a.Orientation.Y*bo.Y+a.Orientation.Z*bo.Z+a.Orientation.W*bo.W < 0 {
		bo = v1.Orientation{X: -bo.X, Y: -bo.Y, Z: -bo.Z, W: -bo.W}
	}
	q := v1.Orientation{
		X: a.Orientation.X + (bo.X-a.Orientation.X)*t,
		Y: a.Orientation.Y + (bo.Y-a.Orientation.Y)*t,
		Z: a.Orientation.Z + (bo.Z-a.Orientation.Z)*t,
		W: a.Orientation.W + (bo.W-a.Orientation.W)*t,
	}
	n := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if n == 0 {
		return out
	}
	out.Orientation = v1.Orientation{X: q.X / n, Y: q.Y / n, Z: q.Z / n, W: q.W / n}
	return out
}
