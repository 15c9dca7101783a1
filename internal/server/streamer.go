package server

import (
	"context"
	"time"

	v1 "github.com/arserver/arserver/pkg/api/v1"
	"github.com/arserver/arserver/pkg/rpc"
)

// Telemetry streaming: while the scene is started, registered robots
// broadcast RobotEef and RobotJoints frames on a fixed period. The
// registration set empties on scene stop.

// startStreamers launches the telemetry ticker. Idempotent.
func (s *Server) startStreamers() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.streamStop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.streamStop = cancel
	go s.streamLoop(ctx)
}

// stopStreamers stops the ticker and clears every registration.
func (s *Server) stopStreamers() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.streamStop != nil {
		s.streamStop()
		s.streamStop = nil
	}
	s.streamEef = make(map[string]bool)
	s.streamJnts = make(map[string]bool)
}

// robot event stream kinds accepted by RegisterForRobotEvent.
const (
	streamEefPose = "eef_pose"
	streamJoints  = "joints"
)

// setStreaming toggles one robot's registration for a stream kind.
func (s *Server) setStreaming(robotID, what string, send bool) error {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	var set map[string]bool
	switch what {
	case streamEefPose:
		set = s.streamEef
	case streamJoints:
		set = s.streamJnts
	default:
		return rpc.Validationf("Unknown robot event %s.", what)
	}
	if send {
		set[robotID] = true
	} else {
		delete(set, robotID)
	}
	return nil
}

func (s *Server) streamLoop(ctx context.Context) {
	period := s.cfg.Streaming.Period()
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.streamTick()
		}
	}
}

// streamTick samples every registered robot once and broadcasts.
func (s *Server) streamTick() {
	s.streamMu.Lock()
	eefIDs := make([]string, 0, len(s.streamEef))
	for id := range s.streamEef {
		eefIDs = append(eefIDs, id)
	}
	jointIDs := make([]string, 0, len(s.streamJnts))
	for id := range s.streamJnts {
		jointIDs = append(jointIDs, id)
	}
	s.streamMu.Unlock()

	for _, robotID := range eefIDs {
		robot, err := s.engine.RobotInstance(robotID)
		if err != nil {
			continue
		}
		var poses []v1.EefPose
		for _, eefID := range robot.EndEffectors() {
			pose, err := robot.EndEffectorPose(eefID)
			if err != nil {
				continue
			}
			poses = append(poses, v1.EefPose{EndEffectorID: eefID, Pose: pose})
		}
		s.broadcastNow(rpc.NewEvent(rpc.EvtRobotEef, v1.RobotEefData{
			RobotID:      robotID,
			EndEffectors: poses,
		}))
	}
	for _, robotID := range jointIDs {
		robot, err := s.engine.RobotInstance(robotID)
		if err != nil {
			continue
		}
		s.broadcastNow(rpc.NewEvent(rpc.EvtRobotJoints, v1.RobotJointsData{
			RobotID: robotID,
			Joints:  robot.Joints(),
		}))
	}
}
