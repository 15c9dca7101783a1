package v1

// MoveEventValue enumerates the phases of a robot move event stream.
type MoveEventValue string

const (
	MoveStarted  MoveEventValue = "start"
	MoveFinished MoveEventValue = "end"
	MoveFailed   MoveEventValue = "failed"
)

// RobotMoveToPoseData is the payload of the RobotMoveToPose event.
type RobotMoveToPoseData struct {
	MoveEventType MoveEventValue `json:"moveEventType"`
	RobotID       string         `json:"robotId"`
	EndEffectorID string         `json:"endEffectorId"`
	TargetPose    Pose           `json:"targetPose"`
	Message       string         `json:"message,omitempty"`
}

// RobotMoveToJointsData is the payload of the RobotMoveToJoints event.
type RobotMoveToJointsData struct {
	MoveEventType MoveEventValue `json:"moveEventType"`
	RobotID       string         `json:"robotId"`
	TargetJoints  []Joint        `json:"targetJoints"`
	Message       string         `json:"message,omitempty"`
}

// RobotMoveToActionPointOrientationData is the payload of the
// RobotMoveToActionPointOrientation event.
type RobotMoveToActionPointOrientationData struct {
	MoveEventType MoveEventValue `json:"moveEventType"`
	RobotID       string         `json:"robotId"`
	EndEffectorID string         `json:"endEffectorId"`
	OrientationID string         `json:"orientationId"`
	Message       string         `json:"message,omitempty"`
}

// RobotMoveToActionPointJointsData is the payload of the
// RobotMoveToActionPointJoints event.
type RobotMoveToActionPointJointsData struct {
	MoveEventType MoveEventValue `json:"moveEventType"`
	RobotID       string         `json:"robotId"`
	JointsID      string         `json:"jointsId"`
	Message       string         `json:"message,omitempty"`
}

// RobotEefData is the payload of the periodic RobotEef telemetry event.
type RobotEefData struct {
	RobotID      string    `json:"robotId"`
	EndEffectors []EefPose `json:"endEffectors"`
}

// EefPose is one end effector's current pose.
type EefPose struct {
	EndEffectorID string `json:"endEffectorId"`
	Pose          Pose   `json:"pose"`
}

// RobotJointsData is the payload of the periodic RobotJoints telemetry event.
type RobotJointsData struct {
	RobotID string  `json:"robotId"`
	Joints  []Joint `json:"joints"`
}

// HandTeachingModeData is the payload of the HandTeachingMode event.
type HandTeachingModeData struct {
	RobotID string `json:"robotId"`
	Enabled bool   `json:"enabled"`
}

// CameraParameters holds intrinsic colour camera parameters.
type CameraParameters struct {
	Fx        float64   `json:"fx"`
	Fy        float64   `json:"fy"`
	Cx        float64   `json:"cx"`
	Cy        float64   `json:"cy"`
	DistCoefs []float64 `json:"distCoefs,omitempty"`
}
