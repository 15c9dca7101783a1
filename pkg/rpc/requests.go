package rpc

// Request name constants for the client channel.
const (
	// Session
	ReqSystemInfo   = "SystemInfo"
	ReqRegisterUser = "RegisterUser"
	ReqVersion      = "Version"

	// Locks
	ReqReadLock    = "ReadLock"
	ReqWriteLock   = "WriteLock"
	ReqReadUnlock  = "ReadUnlock"
	ReqWriteUnlock = "WriteUnlock"

	// Object types
	ReqGetObjectTypes    = "GetObjectTypes"
	ReqGetActions        = "GetActions"
	ReqNewObjectType     = "NewObjectType"
	ReqUpdateObjectModel = "UpdateObjectModel"
	ReqDeleteObjectTypes = "DeleteObjectTypes"
	ReqObjectTypeUsage   = "ObjectTypeUsage"

	// Scene
	ReqNewScene                   = "NewScene"
	ReqOpenScene                  = "OpenScene"
	ReqCloseScene                 = "CloseScene"
	ReqSaveScene                  = "SaveScene"
	ReqListScenes                 = "ListScenes"
	ReqDeleteScene                = "DeleteScene"
	ReqRenameScene                = "RenameScene"
	ReqCopyScene                  = "CopyScene"
	ReqUpdateSceneDescription     = "UpdateSceneDescription"
	ReqProjectsWithScene          = "ProjectsWithScene"
	ReqAddObjectToScene           = "AddObjectToScene"
	ReqUpdateObjectParameters     = "UpdateObjectParameters"
	ReqUpdateObjectPose           = "UpdateObjectPose"
	ReqUpdateObjectPoseUsingRobot = "UpdateObjectPoseUsingRobot"
	ReqRenameObject               = "RenameObject"
	ReqRemoveFromScene            = "RemoveFromScene"
	ReqSceneObjectUsage           = "SceneObjectUsage"
	ReqStartScene                 = "StartScene"
	ReqStopScene                  = "StopScene"
	ReqObjectAimingStart          = "ObjectAimingStart"
	ReqObjectAimingAddPoint       = "ObjectAimingAddPoint"
	ReqObjectAimingDone           = "ObjectAimingDone"
	ReqObjectAimingCancel         = "ObjectAimingCancel"

	// Project
	ReqNewProject                   = "NewProject"
	ReqOpenProject                  = "OpenProject"
	ReqCloseProject                 = "CloseProject"
	ReqSaveProject                  = "SaveProject"
	ReqListProjects                 = "ListProjects"
	ReqDeleteProject                = "DeleteProject"
	ReqRenameProject                = "RenameProject"
	ReqAddActionPoint               = "AddActionPoint"
	ReqAddApUsingRobot              = "AddApUsingRobot"
	ReqRemoveActionPoint            = "RemoveActionPoint"
	ReqRenameActionPoint            = "RenameActionPoint"
	ReqUpdateActionPointParent      = "UpdateActionPointParent"
	ReqUpdateActionPointJoints      = "UpdateActionPointJoints"
	ReqUpdateActionPointPose        = "UpdateActionPointPose"
	ReqAddActionPointOrientation    = "AddActionPointOrientation"
	ReqRemoveActionPointOrientation = "RemoveActionPointOrientation"
	ReqAddActionPointJoints         = "AddActionPointJoints"
	ReqRemoveActionPointJoints      = "RemoveActionPointJoints"
	ReqAddAction                    = "AddAction"
	ReqUpdateAction                 = "UpdateAction"
	ReqRemoveAction                 = "RemoveAction"
	ReqAddLogicItem                 = "AddLogicItem"
	ReqUpdateLogicItem              = "UpdateLogicItem"
	ReqRemoveLogicItem              = "RemoveLogicItem"
	ReqAddConstant                  = "AddConstant"
	ReqUpdateConstant               = "UpdateConstant"
	ReqRemoveConstant               = "RemoveConstant"
	ReqAddOverride                  = "AddOverride"
	ReqUpdateOverride               = "UpdateOverride"
	ReqDeleteOverride               = "DeleteOverride"
	ReqExecuteAction                = "ExecuteAction"

	// Robot
	ReqGetRobotMeta          = "GetRobotMeta"
	ReqGetRobotJoints        = "GetRobotJoints"
	ReqGetEndEffectors       = "GetEndEffectors"
	ReqGetEndEffectorPose    = "GetEndEffectorPose"
	ReqGetGrippers           = "GetGrippers"
	ReqGetSuctions           = "GetSuctions"
	ReqMoveToPose            = "MoveToPose"
	ReqMoveToJoints          = "MoveToJoints"
	ReqMoveToActionPoint     = "MoveToActionPoint"
	ReqStopRobot             = "StopRobot"
	ReqRegisterForRobotEvent = "RegisterForRobotEvent"
	ReqInverseKinematics     = "InverseKinematics"
	ReqForwardKinematics     = "ForwardKinematics"
	ReqCalibrateRobot        = "CalibrateRobot"
	ReqHandTeachingMode      = "HandTeachingMode"

	// Camera
	ReqCameraColorImage      = "CameraColorImage"
	ReqCameraColorParameters = "CameraColorParameters"
	ReqCalibrateCamera       = "CalibrateCamera"
	ReqGetCameraPose         = "GetCameraPose"
	ReqMarkersCorners        = "MarkersCorners"

	// Execution
	ReqBuildProject     = "BuildProject"
	ReqTemporaryPackage = "TemporaryPackage"
	ReqUploadPackage    = "UploadPackage"
	ReqListPackages     = "ListPackages"
	ReqDeletePackage    = "DeletePackage"
	ReqRenamePackage    = "RenamePackage"
	ReqRunPackage       = "RunPackage"
	ReqStopPackage      = "StopPackage"
	ReqPausePackage     = "PausePackage"
	ReqResumePackage    = "ResumePackage"
	ReqStepAction       = "StepAction"
)
