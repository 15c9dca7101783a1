package server

import (
	"context"

	"github.com/arserver/arserver/internal/scene"
	v1 "github.com/arserver/arserver/pkg/api/v1"
	"github.com/arserver/arserver/pkg/rpc"
)

func (s *Server) registerRobotHandlers() {
	s.register(rpc.ReqGetRobotMeta, userNeeded, s.handleGetRobotMeta)
	s.register(rpc.ReqGetRobotJoints, userNeeded|sceneNeeded|sceneStarted, s.handleGetRobotJoints)
	s.register(rpc.ReqGetEndEffectors, userNeeded|sceneNeeded|sceneStarted, s.handleGetEndEffectors)
	s.register(rpc.ReqGetEndEffectorPose, userNeeded|sceneNeeded|sceneStarted, s.handleGetEndEffectorPose)
	s.register(rpc.ReqGetGrippers, userNeeded|sceneNeeded|sceneStarted, s.handleGetGrippers)
	s.register(rpc.ReqGetSuctions, userNeeded|sceneNeeded|sceneStarted, s.handleGetSuctions)
	s.register(rpc.ReqMoveToPose, userNeeded|sceneNeeded|sceneStarted, s.handleMoveToPose)
	s.register(rpc.ReqMoveToJoints, userNeeded|sceneNeeded|sceneStarted, s.handleMoveToJoints)
	s.register(rpc.ReqMoveToActionPoint, userNeeded|sceneNeeded|projectNeeded|sceneStarted, s.handleMoveToActionPoint)
	s.register(rpc.ReqStopRobot, userNeeded|sceneNeeded|sceneStarted, s.handleStopRobot)
	s.register(rpc.ReqRegisterForRobotEvent, userNeeded|sceneNeeded|sceneStarted, s.handleRegisterForRobotEvent)
	s.register(rpc.ReqInverseKinematics, userNeeded|sceneNeeded|sceneStarted, s.handleInverseKinematics)
	s.register(rpc.ReqForwardKinematics, userNeeded|sceneNeeded|sceneStarted, s.handleForwardKinematics)
	s.register(rpc.ReqCalibrateRobot, userNeeded|sceneNeeded|sceneStarted, s.handleCalibrateRobot)
	s.register(rpc.ReqHandTeachingMode, userNeeded|sceneNeeded|sceneStarted, s.handleHandTeachingMode)
}

func (s *Server) handleGetRobotMeta(ctx context.Context, rc *reqContext) (interface{}, error) {
	var out []v1.RobotMeta
	for _, ot := range s.types.All() {
		if ot.RobotMeta != nil {
			out = append(out, *ot.RobotMeta)
		}
	}
	return out, nil
}

type robotArgs struct {
	RobotID string `json:"robotId"`
}

// liveRobot resolves a robot instance, mapping runtime errors to client
// messages.
func (s *Server) liveRobot(robotID string) (liveRobotRef, error) {
	robot, err := s.engine.RobotInstance(robotID)
	if err != nil {
		return liveRobotRef{}, rpc.Validationf("%s", capitalized(err))
	}
	obj, err := s.scene.Object(robotID)
	if err != nil {
		return liveRobotRef{}, rpc.Validationf("Unknown object id %s.", robotID)
	}
	meta, err := s.types.RobotMeta(obj.Type)
	if err != nil {
		return liveRobotRef{}, rpc.Validationf("%s", capitalized(err))
	}
	return liveRobotRef{robot: robot, meta: meta}, nil
}

type liveRobotRef struct {
	robot scene.Robot
	meta  *v1.RobotMeta
}

// requireFeature refuses capability-gated calls on robots that do not
// override the method.
func (r liveRobotRef) requireFeature(name string, supported bool) error {
	if !supported {
		return rpc.Preconditionf("Robot does not support %s.", name)
	}
	return nil
}

func (s *Server) handleGetRobotJoints(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args robotArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	ref, err := s.liveRobot(args.RobotID)
	if err != nil {
		return nil, err
	}
	return jointsData{Joints: ref.robot.Joints()}, nil
}

func (s *Server) handleGetEndEffectors(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args robotArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	ref, err := s.liveRobot(args.RobotID)
	if err != nil {
		return nil, err
	}
	return idListData{IDs: ref.robot.EndEffectors()}, nil
}

type eefArgs struct {
	RobotID       string `json:"robotId"`
	EndEffectorID string `json:"endEffectorId"`
}

func (s *Server) handleGetEndEffectorPose(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args eefArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	ref, err := s.liveRobot(args.RobotID)
	if err != nil {
		return nil, err
	}
	pose, err := ref.robot.EndEffectorPose(args.EndEffectorID)
	if err != nil {
		return nil, rpc.Validationf("%s", capitalized(err))
	}
	return pose, nil
}

func (s *Server) handleGetGrippers(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args robotArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	ref, err := s.liveRobot(args.RobotID)
	if err != nil {
		return nil, err
	}
	return idListData{IDs: ref.robot.Grippers()}, nil
}

func (s *Server) handleGetSuctions(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args robotArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	ref, err := s.liveRobot(args.RobotID)
	if err != nil {
		return nil, err
	}
	return idListData{IDs: ref.robot.Suctions()}, nil
}

type moveToPoseArgs struct {
	RobotID       string  `json:"robotId"`
	EndEffectorID string  `json:"endEffectorId"`
	TargetPose    v1.Pose `json:"targetPose"`
	Speed         float64 `json:"speed"`
}

func (s *Server) handleMoveToPose(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args moveToPoseArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	ref, err := s.liveRobot(args.RobotID)
	if err != nil {
		return nil, err
	}
	if err := ref.requireFeature("moveToPose", ref.meta.Features.MoveToPose); err != nil {
		return nil, err
	}
	if err := validSpeed(args.Speed); err != nil {
		return nil, err
	}
	if _, err := ref.robot.EndEffectorPose(args.EndEffectorID); err != nil {
		return nil, rpc.Validationf("%s", capitalized(err))
	}
	if rc.dryRun {
		return nil, nil
	}

	rc.events.deferAfter(func() {
		data := v1.RobotMoveToPoseData{
			MoveEventType: v1.MoveStarted,
			RobotID:       args.RobotID,
			EndEffectorID: args.EndEffectorID,
			TargetPose:    args.TargetPose,
		}
		s.broadcastNow(rpc.NewEvent(rpc.EvtRobotMoveToPose, data))
		if err := ref.robot.MoveToPose(context.Background(), args.EndEffectorID, args.TargetPose, args.Speed); err != nil {
			data.MoveEventType = v1.MoveFailed
			data.Message = err.Error()
		} else {
			data.MoveEventType = v1.MoveFinished
		}
		s.broadcastNow(rpc.NewEvent(rpc.EvtRobotMoveToPose, data))
	})
	return nil, nil
}

type moveToJointsArgs struct {
	RobotID      string     `json:"robotId"`
	TargetJoints []v1.Joint `json:"targetJoints"`
	Speed        float64    `json:"speed"`
}

func (s *Server) handleMoveToJoints(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args moveToJointsArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	ref, err := s.liveRobot(args.RobotID)
	if err != nil {
		return nil, err
	}
	if err := ref.requireFeature("moveToJoints", ref.meta.Features.MoveToJoints); err != nil {
		return nil, err
	}
	if err := validSpeed(args.Speed); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	rc.events.deferAfter(func() {
		data := v1.RobotMoveToJointsData{
			MoveEventType: v1.MoveStarted,
			RobotID:       args.RobotID,
			TargetJoints:  args.TargetJoints,
		}
		s.broadcastNow(rpc.NewEvent(rpc.EvtRobotMoveToJoints, data))
		if err := ref.robot.MoveToJoints(context.Background(), args.TargetJoints, args.Speed); err != nil {
			data.MoveEventType = v1.MoveFailed
			data.Message = err.Error()
		} else {
			data.MoveEventType = v1.MoveFinished
		}
		s.broadcastNow(rpc.NewEvent(rpc.EvtRobotMoveToJoints, data))
	})
	return nil, nil
}

type moveToActionPointArgs struct {
	RobotID       string  `json:"robotId"`
	EndEffectorID string  `json:"endEffectorId,omitempty"`
	Speed         float64 `json:"speed"`
	OrientationID string  `json:"orientationId,omitempty"`
	JointsID      string  `json:"jointsId,omitempty"`
}

func (s *Server) handleMoveToActionPoint(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args moveToActionPointArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if (args.OrientationID == "") == (args.JointsID == "") {
		return nil, rpc.Validationf("Exactly one of orientationId and jointsId is required.")
	}
	ref, err := s.liveRobot(args.RobotID)
	if err != nil {
		return nil, err
	}
	if err := validSpeed(args.Speed); err != nil {
		return nil, err
	}

	if args.OrientationID != "" {
		if err := ref.requireFeature("moveToPose", ref.meta.Features.MoveToPose); err != nil {
			return nil, err
		}
		orientation, apID, err := s.project.Orientation(args.OrientationID)
		if err != nil {
			return nil, rpc.Validationf("Unknown orientation %s.", args.OrientationID)
		}
		ap, err := s.project.ActionPoint(apID)
		if err != nil {
			return nil, rpc.Internalf("owning action point gone: %v", err)
		}
		if _, err := ref.robot.EndEffectorPose(args.EndEffectorID); err != nil {
			return nil, rpc.Validationf("%s", capitalized(err))
		}
		if rc.dryRun {
			return nil, nil
		}

		target := v1.Pose{Position: ap.Position, Orientation: orientation.Orientation}
		rc.events.deferAfter(func() {
			data := v1.RobotMoveToActionPointOrientationData{
				MoveEventType: v1.MoveStarted,
				RobotID:       args.RobotID,
				EndEffectorID: args.EndEffectorID,
				OrientationID: args.OrientationID,
			}
			s.broadcastNow(rpc.NewEvent(rpc.EvtRobotMoveToActionPointOrientation, data))
			if err := ref.robot.MoveToPose(context.Background(), args.EndEffectorID, target, args.Speed); err != nil {
				data.MoveEventType = v1.MoveFailed
				data.Message = err.Error()
			} else {
				data.MoveEventType = v1.MoveFinished
			}
			s.broadcastNow(rpc.NewEvent(rpc.EvtRobotMoveToActionPointOrientation, data))
		})
		return nil, nil
	}

	if err := ref.requireFeature("moveToJoints", ref.meta.Features.MoveToJoints); err != nil {
		return nil, err
	}
	joints, _, err := s.project.Joints(args.JointsID)
	if err != nil {
		return nil, rpc.Validationf("Unknown joints %s.", args.JointsID)
	}
	if joints.RobotID != args.RobotID {
		return nil, rpc.Preconditionf("Joints recorded for another robot.")
	}
	if !joints.IsValid {
		return nil, rpc.Preconditionf("Joints %s are invalid.", joints.Name)
	}
	if rc.dryRun {
		return nil, nil
	}

	rc.events.deferAfter(func() {
		data := v1.RobotMoveToActionPointJointsData{
			MoveEventType: v1.MoveStarted,
			RobotID:       args.RobotID,
			JointsID:      args.JointsID,
		}
		s.broadcastNow(rpc.NewEvent(rpc.EvtRobotMoveToActionPointJoints, data))
		if err := ref.robot.MoveToJoints(context.Background(), joints.Joints, args.Speed); err != nil {
			data.MoveEventType = v1.MoveFailed
			data.Message = err.Error()
		} else {
			data.MoveEventType = v1.MoveFinished
		}
		s.broadcastNow(rpc.NewEvent(rpc.EvtRobotMoveToActionPointJoints, data))
	})
	return nil, nil
}

func (s *Server) handleStopRobot(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args robotArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	ref, err := s.liveRobot(args.RobotID)
	if err != nil {
		return nil, err
	}
	if err := ref.requireFeature("stop", ref.meta.Features.Stop); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}
	if err := ref.robot.Stop(); err != nil {
		return nil, rpc.Internalf("stopping robot: %v", err)
	}
	return nil, nil
}

type registerForRobotEventArgs struct {
	RobotID string `json:"robotId"`
	What    string `json:"what"`
	Send    bool   `json:"send"`
}

func (s *Server) handleRegisterForRobotEvent(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args registerForRobotEventArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if _, err := s.liveRobot(args.RobotID); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}
	return nil, s.setStreaming(args.RobotID, args.What, args.Send)
}

type inverseKinematicsArgs struct {
	RobotID       string  `json:"robotId"`
	EndEffectorID string  `json:"endEffectorId"`
	Pose          v1.Pose `json:"pose"`
}

func (s *Server) handleInverseKinematics(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args inverseKinematicsArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	ref, err := s.liveRobot(args.RobotID)
	if err != nil {
		return nil, err
	}
	if err := ref.requireFeature("inverseKinematics", ref.meta.Features.IK); err != nil {
		return nil, err
	}
	joints, err := ref.robot.InverseKinematics(args.EndEffectorID, args.Pose)
	if err != nil {
		return nil, rpc.Validationf("%s", capitalized(err))
	}
	return jointsData{Joints: joints}, nil
}

type forwardKinematicsArgs struct {
	RobotID       string     `json:"robotId"`
	EndEffectorID string     `json:"endEffectorId"`
	Joints        []v1.Joint `json:"joints"`
}

func (s *Server) handleForwardKinematics(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args forwardKinematicsArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	ref, err := s.liveRobot(args.RobotID)
	if err != nil {
		return nil, err
	}
	if err := ref.requireFeature("forwardKinematics", ref.meta.Features.FK); err != nil {
		return nil, err
	}
	pose, err := ref.robot.ForwardKinematics(args.EndEffectorID, args.Joints)
	if err != nil {
		return nil, rpc.Validationf("%s", capitalized(err))
	}
	return pose, nil
}

type calibrateRobotArgs struct {
	RobotID               string `json:"robotId"`
	CameraID              string `json:"cameraId,omitempty"`
	MoveToCalibrationPose bool   `json:"moveToCalibrationPose,omitempty"`
}

func (s *Server) handleCalibrateRobot(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args calibrateRobotArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	ref, err := s.liveRobot(args.RobotID)
	if err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	// The virtual robot's pose is exact; calibration reduces to the
	// optional move and a completed process report.
	rc.events.deferAfter(func() {
		s.broadcastNow(rpc.NewEvent(rpc.EvtProcessState, v1.ProcessStateData{
			ID:    args.RobotID,
			State: v1.ProcessStarted,
		}))
		if args.MoveToCalibrationPose && ref.meta.Features.MoveToJoints {
			home := ref.robot.Joints()
			for i := range home {
				home[i].Value = 0
			}
			if err := ref.robot.MoveToJoints(context.Background(), home, 0.5); err != nil {
				s.broadcastNow(rpc.NewEvent(rpc.EvtProcessState, v1.ProcessStateData{
					ID:      args.RobotID,
					State:   v1.ProcessFailed,
					Message: err.Error(),
				}))
				return
			}
		}
		s.broadcastNow(rpc.NewEvent(rpc.EvtProcessState, v1.ProcessStateData{
			ID:    args.RobotID,
			State: v1.ProcessFinished,
		}))
	})
	return nil, nil
}

type handTeachingModeArgs struct {
	RobotID string `json:"robotId"`
	Enable  bool   `json:"enable"`
}

func (s *Server) handleHandTeachingMode(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args handTeachingModeArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	ref, err := s.liveRobot(args.RobotID)
	if err != nil {
		return nil, err
	}
	if err := ref.requireFeature("handTeaching", ref.meta.Features.HandTeaching); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}
	if err := ref.robot.SetHandTeachingMode(args.Enable); err != nil {
		return nil, rpc.Preconditionf("%s", capitalized(err))
	}
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtHandTeachingMode, v1.HandTeachingModeData{
		RobotID: args.RobotID,
		Enabled: args.Enable,
	})))
	return nil, nil
}

// validSpeed checks the normalised speed range shared by the move RPCs.
func validSpeed(speed float64) error {
	if speed <= 0 || speed > 1 {
		return rpc.Validationf("Speed must be in (0, 1].")
	}
	return nil
}

type jointsData struct {
	Joints []v1.Joint `json:"joints"`
}

type idListData struct {
	IDs []string `json:"ids"`
}
