package rpc

// Event name constants for the client channel.
const (
	// Scene
	EvtOpenScene          = "OpenScene"
	EvtSceneChanged       = "SceneChanged"
	EvtSceneSaved         = "SceneSaved"
	EvtSceneClosed        = "SceneClosed"
	EvtSceneObjectChanged = "SceneObjectChanged"
	EvtSceneState         = "SceneState"

	// Project
	EvtOpenProject        = "OpenProject"
	EvtProjectChanged     = "ProjectChanged"
	EvtProjectSaved       = "ProjectSaved"
	EvtProjectClosed      = "ProjectClosed"
	EvtActionPointChanged = "ActionPointChanged"
	EvtActionChanged      = "ActionChanged"
	EvtLogicItemChanged   = "LogicItemChanged"
	EvtOrientationChanged = "OrientationChanged"
	EvtJointsChanged      = "JointsChanged"
	EvtConstantChanged    = "ProjectConstantChanged"
	EvtOverrideUpdated    = "OverrideUpdated"

	// Locks
	EvtObjectsLocked   = "ObjectsLocked"
	EvtObjectsUnlocked = "ObjectsUnlocked"

	// Screen / registry
	EvtShowMainScreen     = "ShowMainScreen"
	EvtChangedObjectTypes = "ChangedObjectTypes"
	EvtProcessState       = "ProcessState"

	// Robot
	EvtRobotMoveToPose                   = "RobotMoveToPose"
	EvtRobotMoveToJoints                 = "RobotMoveToJoints"
	EvtRobotMoveToActionPointJoints      = "RobotMoveToActionPointJoints"
	EvtRobotMoveToActionPointOrientation = "RobotMoveToActionPointOrientation"
	EvtRobotEef                          = "RobotEef"
	EvtRobotJoints                       = "RobotJoints"
	EvtHandTeachingMode                  = "HandTeachingMode"

	// Execution-originated (forwarded from the execution runtime)
	EvtPackageState      = "PackageState"
	EvtPackageInfo       = "PackageInfo"
	EvtPackageChanged    = "PackageChanged"
	EvtActionStateBefore = "ActionStateBefore"
	EvtActionStateAfter  = "ActionStateAfter"
	EvtProjectException  = "ProjectException"
)
