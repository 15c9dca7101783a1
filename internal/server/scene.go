package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arserver/arserver/internal/lock"
	v1 "github.com/arserver/arserver/pkg/api/v1"
	"github.com/arserver/arserver/pkg/rpc"
)

func (s *Server) registerSceneHandlers() {
	s.register(rpc.ReqNewScene, userNeeded, s.handleNewScene)
	s.register(rpc.ReqOpenScene, userNeeded, s.handleOpenScene)
	s.register(rpc.ReqCloseScene, userNeeded|sceneNeeded|sceneStopped, s.handleCloseScene)
	s.register(rpc.ReqSaveScene, userNeeded|sceneNeeded|sceneStopped, s.handleSaveScene)
	s.register(rpc.ReqListScenes, userNeeded, s.handleListScenes)
	s.register(rpc.ReqDeleteScene, userNeeded, s.handleDeleteScene)
	s.register(rpc.ReqRenameScene, userNeeded, s.handleRenameScene)
	s.register(rpc.ReqCopyScene, userNeeded, s.handleCopyScene)
	s.register(rpc.ReqUpdateSceneDescription, userNeeded, s.handleUpdateSceneDescription)
	s.register(rpc.ReqProjectsWithScene, userNeeded, s.handleProjectsWithScene)
	s.register(rpc.ReqAddObjectToScene, userNeeded|sceneNeeded|sceneStopped, s.handleAddObjectToScene)
	s.register(rpc.ReqUpdateObjectParameters, userNeeded|sceneNeeded|sceneStopped, s.handleUpdateObjectParameters)
	s.register(rpc.ReqUpdateObjectPose, userNeeded|sceneNeeded|sceneStopped, s.handleUpdateObjectPose)
	s.register(rpc.ReqUpdateObjectPoseUsingRobot, userNeeded|sceneNeeded|sceneStarted, s.handleUpdateObjectPoseUsingRobot)
	s.register(rpc.ReqRenameObject, userNeeded|sceneNeeded|sceneStopped, s.handleRenameObject)
	s.register(rpc.ReqRemoveFromScene, userNeeded|sceneNeeded|sceneStopped, s.handleRemoveFromScene)
	s.register(rpc.ReqSceneObjectUsage, userNeeded|sceneNeeded, s.handleSceneObjectUsage)
	s.register(rpc.ReqStartScene, userNeeded|sceneNeeded|sceneStopped, s.handleStartScene)
	s.register(rpc.ReqStopScene, userNeeded|sceneNeeded|sceneStarted, s.handleStopScene)
	s.register(rpc.ReqObjectAimingStart, userNeeded|sceneNeeded|sceneStarted, s.handleObjectAimingStart)
	s.register(rpc.ReqObjectAimingAddPoint, userNeeded|sceneNeeded|sceneStarted, s.handleObjectAimingAddPoint)
	s.register(rpc.ReqObjectAimingDone, userNeeded|sceneNeeded|sceneStarted, s.handleObjectAimingDone)
	s.register(rpc.ReqObjectAimingCancel, userNeeded|sceneNeeded|sceneStarted, s.handleObjectAimingCancel)
}

type newSceneArgs struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleNewScene(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args newSceneArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if s.scene.IsOpen() {
		return nil, rpc.Preconditionf("Scene already opened.")
	}
	if args.Name == "" {
		return nil, rpc.Validationf("Scene name is required.")
	}
	taken, err := s.sceneNameTaken(ctx, args.Name)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, rpc.Preconditionf("Scene name %s already used.", args.Name)
	}
	if rc.dryRun {
		return nil, nil
	}

	sc := &v1.Scene{
		ID:          uuid.NewString(),
		Name:        args.Name,
		Description: args.Description,
		Objects:     []v1.SceneObject{},
		Created:     time.Now().UTC(),
		IntModified: time.Now().UTC(),
	}
	s.scene.Open(sc)
	snap, _ := s.scene.Snapshot()
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtOpenScene, openSceneData{Scene: snap})))
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtSceneState, v1.SceneStateData{State: v1.SceneStopped})))
	return nil, nil
}

type idArgs struct {
	ID string `json:"id"`
}

func (s *Server) handleOpenScene(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args idArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if s.scene.IsOpen() {
		return nil, rpc.Preconditionf("Scene already opened.")
	}
	if rc.dryRun {
		return nil, nil
	}

	sc, err := s.store.GetScene(ctx, args.ID)
	if err != nil {
		return nil, rpc.External("Project service", err)
	}
	for i := range sc.Objects {
		if _, err := s.types.Get(sc.Objects[i].Type); err != nil {
			return nil, rpc.Preconditionf("Scene uses unknown object type %s.", sc.Objects[i].Type)
		}
	}
	s.scene.Open(sc)
	snap, _ := s.scene.Snapshot()
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtOpenScene, openSceneData{Scene: snap})))
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtSceneState, v1.SceneStateData{State: v1.SceneStopped})))
	return nil, nil
}

type closeArgs struct {
	Force bool `json:"force,omitempty"`
}

func (s *Server) handleCloseScene(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args closeArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if s.project.IsOpen() {
		return nil, rpc.Preconditionf("Project opened.")
	}
	if s.scene.HasChanges() && !args.Force {
		return nil, rpc.Preconditionf("Scene has unsaved changes.")
	}
	if rc.dryRun {
		return nil, nil
	}

	s.scene.Close()
	s.cancelAiming("")
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtSceneClosed, nil)))
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtShowMainScreen, v1.ShowMainScreenData{What: v1.ScenesList})))
	return nil, nil
}

func (s *Server) handleSaveScene(ctx context.Context, rc *reqContext) (interface{}, error) {
	if rc.dryRun {
		return nil, nil
	}
	snap, err := s.scene.Snapshot()
	if err != nil {
		return nil, rpc.Internalf("snapshotting scene: %v", err)
	}
	modified, err := s.store.PutScene(ctx, snap)
	if err != nil {
		return nil, rpc.External("Project service", err)
	}
	_ = s.scene.MarkSaved(modified)
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtSceneSaved, nil)))
	return nil, nil
}

func (s *Server) handleListScenes(ctx context.Context, rc *reqContext) (interface{}, error) {
	listings, err := s.store.ListScenes(ctx)
	if err != nil {
		return nil, rpc.External("Project service", err)
	}
	return listings, nil
}

func (s *Server) handleDeleteScene(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args idArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if openID, _ := s.scene.ID(); openID == args.ID {
		return nil, rpc.Preconditionf("Scene is opened.")
	}
	dependants, err := s.projectsWithScene(ctx, args.ID)
	if err != nil {
		return nil, err
	}
	if len(dependants) > 0 {
		return nil, rpc.Preconditionf("Scene has projects.")
	}
	if rc.dryRun {
		return nil, nil
	}

	if err := s.store.DeleteScene(ctx, args.ID); err != nil {
		return nil, rpc.External("Project service", err)
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtSceneChanged, rpc.ChangeRemove,
		v1.IdDesc{ID: args.ID})))
	return nil, nil
}

type renameArgs struct {
	ID      string `json:"id"`
	NewName string `json:"newName"`
}

func (s *Server) handleRenameScene(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args renameArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if args.NewName == "" {
		return nil, rpc.Validationf("Scene name is required.")
	}
	taken, err := s.sceneNameTaken(ctx, args.NewName)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, rpc.Preconditionf("Scene name %s already used.", args.NewName)
	}
	if rc.dryRun {
		return nil, nil
	}

	if openID, _ := s.scene.ID(); openID == args.ID {
		if err := s.requireWriteLock(lock.SceneID, rc.user); err != nil {
			return nil, err
		}
		if err := s.scene.Rename(args.NewName); err != nil {
			return nil, rpc.Internalf("renaming scene: %v", err)
		}
		rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtSceneChanged, rpc.ChangeUpdate,
			v1.IdDesc{ID: args.ID, Name: args.NewName})))
		return nil, nil
	}

	sc, err := s.store.GetScene(ctx, args.ID)
	if err != nil {
		return nil, rpc.External("Project service", err)
	}
	sc.Name = args.NewName
	if _, err := s.store.PutScene(ctx, sc); err != nil {
		return nil, rpc.External("Project service", err)
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtSceneChanged, rpc.ChangeUpdate,
		v1.IdDesc{ID: args.ID, Name: args.NewName})))
	return nil, nil
}

type copySceneArgs struct {
	SourceID string `json:"sourceId"`
	NewName  string `json:"newName"`
}

func (s *Server) handleCopyScene(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args copySceneArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	taken, err := s.sceneNameTaken(ctx, args.NewName)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, rpc.Preconditionf("Scene name %s already used.", args.NewName)
	}
	if rc.dryRun {
		return nil, nil
	}

	src, err := s.store.GetScene(ctx, args.SourceID)
	if err != nil {
		return nil, rpc.External("Project service", err)
	}
	cp := *src
	cp.ID = uuid.NewString()
	cp.Name = args.NewName
	cp.Created = time.Now().UTC()
	cp.Objects = make([]v1.SceneObject, len(src.Objects))
	for i, obj := range src.Objects {
		obj.ID = uuid.NewString()
		cp.Objects[i] = obj
	}
	if _, err := s.store.PutScene(ctx, &cp); err != nil {
		return nil, rpc.External("Project service", err)
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtSceneChanged, rpc.ChangeAdd,
		v1.IdDesc{ID: cp.ID, Name: cp.Name, Description: cp.Description})))
	return idResult{ID: cp.ID}, nil
}

type updateDescriptionArgs struct {
	ID             string `json:"id"`
	NewDescription string `json:"newDescription"`
}

func (s *Server) handleUpdateSceneDescription(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args updateDescriptionArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	if openID, _ := s.scene.ID(); openID == args.ID {
		if err := s.requireWriteLock(lock.SceneID, rc.user); err != nil {
			return nil, err
		}
		if err := s.scene.SetDescription(args.NewDescription); err != nil {
			return nil, rpc.Internalf("updating description: %v", err)
		}
	} else {
		sc, err := s.store.GetScene(ctx, args.ID)
		if err != nil {
			return nil, rpc.External("Project service", err)
		}
		sc.Description = args.NewDescription
		if _, err := s.store.PutScene(ctx, sc); err != nil {
			return nil, rpc.External("Project service", err)
		}
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtSceneChanged, rpc.ChangeUpdate,
		v1.IdDesc{ID: args.ID, Description: args.NewDescription})))
	return nil, nil
}

func (s *Server) handleProjectsWithScene(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args idArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	ids, err := s.projectsWithScene(ctx, args.ID)
	if err != nil {
		return nil, err
	}
	return projectIDsData{ProjectIDs: ids}, nil
}

type addObjectArgs struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Pose       *v1.Pose       `json:"pose,omitempty"`
	Parameters []v1.Parameter `json:"parameters,omitempty"`
}

type idResult struct {
	ID string `json:"id"`
}

func (s *Server) handleAddObjectToScene(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args addObjectArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if s.project.IsOpen() {
		return nil, rpc.Preconditionf("Project opened.")
	}
	ot, err := s.types.Get(args.Type)
	if err != nil {
		return nil, rpc.Validationf("Unknown object type %s.", args.Type)
	}
	if ot.Meta.Disabled {
		return nil, rpc.Preconditionf("Object type %s is disabled.", args.Type)
	}
	if ot.Meta.Abstract {
		return nil, rpc.Preconditionf("Object type %s is abstract.", args.Type)
	}
	if !v1.IsSnakeCase(args.Name) {
		return nil, rpc.Validationf("Object name %s is not snake_case.", args.Name)
	}
	if s.scene.NameTaken(args.Name) {
		return nil, rpc.Preconditionf("Object name %s already used.", args.Name)
	}
	if err := s.types.ValidateSettings(args.Type, args.Parameters); err != nil {
		return nil, rpc.Validationf("%s", capitalized(err))
	}
	needsPose, err := s.types.RequiresPose(args.Type)
	if err != nil {
		return nil, rpc.Internalf("resolving base family: %v", err)
	}
	if needsPose && args.Pose == nil {
		return nil, rpc.Validationf("Object type %s requires a pose.", args.Type)
	}
	if !needsPose && args.Pose != nil {
		return nil, rpc.Validationf("Object type %s does not take a pose.", args.Type)
	}
	if rc.dryRun {
		return nil, nil
	}

	obj := v1.SceneObject{
		ID:         uuid.NewString(),
		Name:       args.Name,
		Type:       args.Type,
		Pose:       args.Pose,
		Parameters: args.Parameters,
	}
	err = s.withWriteLock(ctx, rc, lock.SceneID, func() error {
		return s.scene.UpsertObject(obj)
	})
	if err != nil {
		return nil, err
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtSceneObjectChanged, rpc.ChangeAdd, obj)))
	return idResult{ID: obj.ID}, nil
}

type updateObjectParametersArgs struct {
	ID         string         `json:"id"`
	Parameters []v1.Parameter `json:"parameters"`
}

func (s *Server) handleUpdateObjectParameters(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args updateObjectParametersArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	obj, err := s.scene.Object(args.ID)
	if err != nil {
		return nil, rpc.Validationf("Unknown object id %s.", args.ID)
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	if err := s.types.ValidateSettings(obj.Type, args.Parameters); err != nil {
		return nil, rpc.Validationf("%s", capitalized(err))
	}
	if rc.dryRun {
		return nil, nil
	}

	updated, err := s.scene.UpdateParameters(args.ID, args.Parameters)
	if err != nil {
		return nil, rpc.Internalf("updating parameters: %v", err)
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtSceneObjectChanged, rpc.ChangeUpdate, updated)))
	return nil, nil
}

type updateObjectPoseArgs struct {
	ID   string  `json:"id"`
	Pose v1.Pose `json:"pose"`
}

func (s *Server) handleUpdateObjectPose(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args updateObjectPoseArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if _, err := s.scene.Object(args.ID); err != nil {
		return nil, rpc.Validationf("Unknown object id %s.", args.ID)
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	updated, err := s.scene.UpdatePose(args.ID, args.Pose)
	if err != nil {
		return nil, rpc.Validationf("%s", capitalized(err))
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtSceneObjectChanged, rpc.ChangeUpdate, updated)))
	s.invalidateJointsEvents(rc, args.ID)
	return nil, nil
}

// invalidateJointsEvents invalidates joint snapshots hanging under a
// moved scene object and buffers an update per affected snapshot.
func (s *Server) invalidateJointsEvents(rc *reqContext, objectID string) {
	if !s.project.IsOpen() {
		return
	}
	for _, apID := range s.project.InvalidateJointsForObject(objectID) {
		ap, err := s.project.ActionPoint(apID)
		if err != nil {
			continue
		}
		for _, j := range ap.RobotJoints {
			rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtJointsChanged, rpc.ChangeUpdate, j)))
		}
	}
}

// pivot positions for UpdateObjectPoseUsingRobot.
const (
	pivotTop    = "top"
	pivotMiddle = "middle"
	pivotBottom = "bottom"
)

type updatePoseUsingRobotArgs struct {
	ID            string `json:"id"`
	RobotID       string `json:"robotId"`
	EndEffectorID string `json:"endEffectorId"`
	Pivot         string `json:"pivot,omitempty"`
}

func (s *Server) handleUpdateObjectPoseUsingRobot(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args updatePoseUsingRobotArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if args.Pivot == "" {
		args.Pivot = pivotMiddle
	}
	obj, err := s.scene.Object(args.ID)
	if err != nil {
		return nil, rpc.Validationf("Unknown object id %s.", args.ID)
	}
	if obj.Pose == nil {
		return nil, rpc.Preconditionf("Object %s has no pose.", obj.Name)
	}
	if args.ID == args.RobotID {
		return nil, rpc.Validationf("Robot cannot update its own pose.")
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	ot, err := s.types.Get(obj.Type)
	if err != nil {
		return nil, rpc.Internalf("resolving type: %v", err)
	}
	delta, err := pivotDelta(ot.Meta.ObjectModel, args.Pivot)
	if err != nil {
		return nil, err
	}
	robot, err := s.engine.RobotInstance(args.RobotID)
	if err != nil {
		return nil, rpc.Validationf("%s", capitalized(err))
	}
	eefPose, err := robot.EndEffectorPose(args.EndEffectorID)
	if err != nil {
		return nil, rpc.Validationf("%s", capitalized(err))
	}
	if rc.dryRun {
		return nil, nil
	}

	newPose := v1.Pose{
		Position: eefPose.Position.Sub(eefPose.Orientation.Rotate(delta)),
		// The end effector points down at the object; flip around X.
		Orientation: eefPose.Orientation.Mul(v1.Orientation{X: 1}),
	}
	updated, err := s.scene.UpdatePose(args.ID, newPose)
	if err != nil {
		return nil, rpc.Internalf("updating pose: %v", err)
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtSceneObjectChanged, rpc.ChangeUpdate, updated)))
	s.invalidateJointsEvents(rc, args.ID)
	return nil, nil
}

// pivotDelta computes the offset from the touched pivot point to the
// model's origin.
func pivotDelta(model *v1.CollisionModel, pivot string) (v1.Position, error) {
	switch pivot {
	case pivotTop, pivotMiddle, pivotBottom:
	default:
		return v1.Position{}, rpc.Validationf("Unknown pivot %s.", pivot)
	}
	if pivot == pivotMiddle {
		return v1.Position{}, nil
	}
	if model == nil {
		return v1.Position{}, rpc.Preconditionf("Object has no collision model, use middle pivot.")
	}

	var half float64
	switch model.Type {
	case v1.ModelBox:
		half = model.Box.SizeZ / 2
	case v1.ModelCylinder:
		half = model.Cylinder.Height / 2
	case v1.ModelSphere:
		half = model.Sphere.Radius
	case v1.ModelMesh:
		return v1.Position{}, rpc.Preconditionf("Mesh models support only the middle pivot.")
	default:
		return v1.Position{}, rpc.Validationf("Unknown model type %s.", model.Type)
	}
	if pivot == pivotBottom {
		half = -half
	}
	return v1.Position{Z: half}, nil
}

type renameObjectArgs struct {
	ID      string `json:"id"`
	NewName string `json:"newName"`
}

func (s *Server) handleRenameObject(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args renameObjectArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if _, err := s.scene.Object(args.ID); err != nil {
		return nil, rpc.Validationf("Unknown object id %s.", args.ID)
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	updated, err := s.scene.RenameObject(args.ID, args.NewName)
	if err != nil {
		return nil, rpc.Validationf("%s", capitalized(err))
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtSceneObjectChanged, rpc.ChangeUpdate, updated)))
	return nil, nil
}

type removeFromSceneArgs struct {
	ID    string `json:"id"`
	Force bool   `json:"force,omitempty"`
}

func (s *Server) handleRemoveFromScene(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args removeFromSceneArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if s.project.IsOpen() {
		return nil, rpc.Preconditionf("Project opened.")
	}
	if _, err := s.scene.Object(args.ID); err != nil {
		return nil, rpc.Validationf("Unknown object id %s.", args.ID)
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	if !args.Force {
		users, err := s.projectsUsingObject(ctx, args.ID)
		if err != nil {
			return nil, err
		}
		if len(users) > 0 {
			return nil, rpc.Preconditionf("Object used in project %s.", users[0])
		}
	}
	if rc.dryRun {
		return nil, nil
	}

	removed, err := s.scene.RemoveObject(args.ID)
	if err != nil {
		return nil, rpc.Internalf("removing object: %v", err)
	}
	s.releaseAfterEdit(rc, args.ID)
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtSceneObjectChanged, rpc.ChangeRemove, removed)))
	return nil, nil
}

func (s *Server) handleSceneObjectUsage(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args idArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if _, err := s.scene.Object(args.ID); err != nil {
		return nil, rpc.Validationf("Unknown object id %s.", args.ID)
	}
	ids, err := s.projectsUsingObject(ctx, args.ID)
	if err != nil {
		return nil, err
	}
	return projectIDsData{ProjectIDs: ids}, nil
}

func (s *Server) handleStartScene(ctx context.Context, rc *reqContext) (interface{}, error) {
	if s.locks.WriteLockCount() > 0 {
		return nil, rpc.Preconditionf("Cannot start scene while objects are locked.")
	}
	if state := s.bridge.PackageState(); state.State == v1.PackageRunning ||
		state.State == v1.PackagePaused || state.State == v1.PackagePausing {
		return nil, rpc.Preconditionf("Cannot start scene while a package runs.")
	}
	s.actionMu.Lock()
	actionRunning := s.actionRunning
	s.actionMu.Unlock()
	if actionRunning {
		return nil, rpc.Preconditionf("Cannot start scene while an action runs.")
	}
	if rc.dryRun {
		return nil, nil
	}

	// Editing is frozen for the whole online phase.
	serverIDs := []string{lock.SceneID}
	if s.project.IsOpen() {
		serverIDs = append(serverIDs, lock.ProjectID)
	}
	locked, err := s.locks.WriteLock(ctx, serverIDs, lock.ServerOwner, false)
	if err != nil {
		return nil, lockError(lock.SceneID, err)
	}
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtObjectsLocked, v1.ObjectsLockedData{
		ObjectIDs: locked,
		Owner:     lock.ServerOwner,
	})))

	objects := s.scene.Objects()
	overrides := s.project.AllOverrides()
	rc.events.deferAfter(func() {
		if err := s.engine.Start(context.Background(), objects, overrides); err != nil {
			s.logger.Warn("Scene start failed", zap.Error(err))
			s.releaseServerLocks()
			return
		}
		s.startStreamers()
	})
	return nil, nil
}

func (s *Server) handleStopScene(ctx context.Context, rc *reqContext) (interface{}, error) {
	if rc.dryRun {
		return nil, nil
	}
	rc.events.deferAfter(func() {
		s.stopStreamers()
		s.cancelAiming("")
		if err := s.engine.Stop(context.Background()); err != nil {
			s.logger.Warn("Scene stop failed", zap.Error(err))
		}
		s.releaseServerLocks()
	})
	return nil, nil
}

// releaseServerLocks drops the locks the online phase held and tells
// the clients.
func (s *Server) releaseServerLocks() {
	if released := s.locks.ReleaseAll(lock.ServerOwner); len(released) > 0 {
		s.broadcastNow(rpc.NewEvent(rpc.EvtObjectsUnlocked, v1.ObjectsLockedData{
			ObjectIDs: released,
			Owner:     lock.ServerOwner,
		}))
	}
}

// aimingSession tracks one in-progress object aiming: points recorded
// with a robot's end effector, keyed by focus point index.
type aimingSession struct {
	objectID string
	robotID  string
	eefID    string
	userName string
	points   map[int]v1.Position
}

type aimingStartArgs struct {
	ObjectID      string `json:"objectId"`
	RobotID       string `json:"robotId"`
	EndEffectorID string `json:"endEffectorId"`
}

func (s *Server) handleObjectAimingStart(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args aimingStartArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	obj, err := s.scene.Object(args.ObjectID)
	if err != nil {
		return nil, rpc.Validationf("Unknown object id %s.", args.ObjectID)
	}
	ot, err := s.types.Get(obj.Type)
	if err != nil {
		return nil, rpc.Internalf("resolving type: %v", err)
	}
	if ot.Meta.ObjectModel == nil || ot.Meta.ObjectModel.Type != v1.ModelMesh {
		return nil, rpc.Preconditionf("Only objects with a mesh model can be aimed.")
	}
	if err := s.requireWriteLock(args.ObjectID, rc.user); err != nil {
		return nil, err
	}
	robot, err := s.engine.RobotInstance(args.RobotID)
	if err != nil {
		return nil, rpc.Validationf("%s", capitalized(err))
	}
	if _, err := robot.EndEffectorPose(args.EndEffectorID); err != nil {
		return nil, rpc.Validationf("%s", capitalized(err))
	}

	s.aimMu.Lock()
	defer s.aimMu.Unlock()
	if _, ok := s.aiming[args.ObjectID]; ok {
		return nil, rpc.Preconditionf("Object %s is already being aimed.", obj.Name)
	}
	if rc.dryRun {
		return nil, nil
	}
	s.aiming[args.ObjectID] = &aimingSession{
		objectID: args.ObjectID,
		robotID:  args.RobotID,
		eefID:    args.EndEffectorID,
		userName: rc.user,
		points:   make(map[int]v1.Position),
	}
	return nil, nil
}

type aimingAddPointArgs struct {
	ObjectID string `json:"objectId"`
	PointIdx int    `json:"pointIdx"`
}

func (s *Server) handleObjectAimingAddPoint(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args aimingAddPointArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	aim, err := s.aimingFor(args.ObjectID, rc.user)
	if err != nil {
		return nil, err
	}
	if args.PointIdx < 0 {
		return nil, rpc.Validationf("Invalid point index %d.", args.PointIdx)
	}
	robot, err := s.engine.RobotInstance(aim.robotID)
	if err != nil {
		return nil, rpc.Internalf("aiming robot gone: %v", err)
	}
	pose, err := robot.EndEffectorPose(aim.eefID)
	if err != nil {
		return nil, rpc.Internalf("aiming end effector gone: %v", err)
	}
	if rc.dryRun {
		return nil, nil
	}

	s.aimMu.Lock()
	aim.points[args.PointIdx] = pose.Position
	indexes := aimedIndexes(aim)
	s.aimMu.Unlock()
	return aimingPointData{FinishedIndexes: indexes, Count: len(indexes)}, nil
}

type aimingObjectArgs struct {
	ObjectID string `json:"objectId"`
}

func (s *Server) handleObjectAimingDone(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args aimingObjectArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	aim, err := s.aimingFor(args.ObjectID, rc.user)
	if err != nil {
		return nil, err
	}
	s.aimMu.Lock()
	pointCount := len(aim.points)
	s.aimMu.Unlock()
	if pointCount < 3 {
		return nil, rpc.Preconditionf("At least 3 points are needed, got %d.", pointCount)
	}
	if rc.dryRun {
		return nil, nil
	}

	// The mesh origin estimate is the centroid of the recorded points;
	// orientation is kept.
	obj, err := s.scene.Object(args.ObjectID)
	if err != nil {
		return nil, rpc.Internalf("aimed object gone: %v", err)
	}
	var sum v1.Position
	s.aimMu.Lock()
	for _, p := range aim.points {
		sum = sum.Add(p)
	}
	delete(s.aiming, args.ObjectID)
	s.aimMu.Unlock()

	newPose := *obj.Pose
	newPose.Position = v1.Position{
		X: sum.X / float64(pointCount),
		Y: sum.Y / float64(pointCount),
		Z: sum.Z / float64(pointCount),
	}
	updated, err := s.scene.UpdatePose(args.ObjectID, newPose)
	if err != nil {
		return nil, rpc.Internalf("updating pose: %v", err)
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtSceneObjectChanged, rpc.ChangeUpdate, updated)))
	s.invalidateJointsEvents(rc, args.ObjectID)
	return nil, nil
}

func (s *Server) handleObjectAimingCancel(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args aimingObjectArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if _, err := s.aimingFor(args.ObjectID, rc.user); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}
	s.aimMu.Lock()
	delete(s.aiming, args.ObjectID)
	s.aimMu.Unlock()
	return nil, nil
}

// aimingFor fetches the user's aiming session for the object.
func (s *Server) aimingFor(objectID, user string) (*aimingSession, error) {
	s.aimMu.Lock()
	defer s.aimMu.Unlock()
	aim, ok := s.aiming[objectID]
	if !ok {
		return nil, rpc.Preconditionf("Object %s is not being aimed.", objectID)
	}
	if aim.userName != user {
		return nil, rpc.Preconditionf("Aiming started by another user.")
	}
	return aim, nil
}

// cancelAiming drops every aiming session, or just one user's when user
// is non-empty.
func (s *Server) cancelAiming(user string) {
	s.aimMu.Lock()
	defer s.aimMu.Unlock()
	for id, aim := range s.aiming {
		if user == "" || aim.userName == user {
			delete(s.aiming, id)
		}
	}
}

type aimingPointData struct {
	FinishedIndexes []int `json:"finishedIndexes"`
	Count           int   `json:"count"`
}

type projectIDsData struct {
	ProjectIDs []string `json:"projectIds"`
}

func aimedIndexes(aim *aimingSession) []int {
	out := make([]int, 0, len(aim.points))
	for idx := range aim.points {
		out = append(out, idx)
	}
	return out
}

// sceneNameTaken checks the stored listings and the open scene for a
// name collision.
func (s *Server) sceneNameTaken(ctx context.Context, name string) (bool, error) {
	listings, err := s.store.ListScenes(ctx)
	if err != nil {
		return false, rpc.External("Project service", err)
	}
	for _, l := range listings {
		if l.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// projectsWithScene returns ids of stored projects bound to the scene,
// plus the open project when it matches.
func (s *Server) projectsWithScene(ctx context.Context, sceneID string) ([]string, error) {
	listings, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, rpc.External("Project service", err)
	}
	openID, _ := s.project.ID()
	var out []string
	for _, l := range listings {
		if l.ID == openID {
			continue
		}
		p, err := s.store.GetProject(ctx, l.ID)
		if err != nil {
			return nil, rpc.External("Project service", err)
		}
		if p.SceneID == sceneID {
			out = append(out, p.ID)
		}
	}
	if openID != "" {
		if sid, _ := s.project.SceneID(); sid == sceneID {
			out = append(out, openID)
		}
	}
	return out, nil
}

// projectsUsingObject returns ids of projects whose action points or
// actions reference the scene object.
func (s *Server) projectsUsingObject(ctx context.Context, objectID string) ([]string, error) {
	sceneID, err := s.scene.ID()
	if err != nil {
		return nil, rpc.Internalf("scene gone: %v", err)
	}
	listings, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, rpc.External("Project service", err)
	}
	openID, _ := s.project.ID()
	var out []string
	for _, l := range listings {
		if l.ID == openID {
			continue
		}
		p, err := s.store.GetProject(ctx, l.ID)
		if err != nil {
			return nil, rpc.External("Project service", err)
		}
		if p.SceneID != sceneID {
			continue
		}
		if projectReferencesObject(p, objectID) {
			out = append(out, p.ID)
		}
	}
	if openID != "" && s.project.UsesObject(objectID) {
		out = append(out, openID)
	}
	return out, nil
}

// projectReferencesObject scans a stored (closed-form) project for any
// reference to the scene object.
func projectReferencesObject(p *v1.Project, objectID string) bool {
	for i := range p.ActionPoints {
		ap := &p.ActionPoints[i]
		if ap.Parent == objectID {
			return true
		}
		for _, a := range ap.Actions {
			if objID, _, err := a.ParseType(); err == nil && objID == objectID {
				return true
			}
		}
	}
	return false
}
