package server

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arserver/arserver/internal/lock"
	"github.com/arserver/arserver/internal/project"
	v1 "github.com/arserver/arserver/pkg/api/v1"
	"github.com/arserver/arserver/pkg/rpc"
)

func (s *Server) registerProjectHandlers() {
	s.register(rpc.ReqNewProject, userNeeded, s.handleNewProject)
	s.register(rpc.ReqOpenProject, userNeeded, s.handleOpenProject)
	s.register(rpc.ReqCloseProject, userNeeded|projectNeeded|sceneStopped, s.handleCloseProject)
	s.register(rpc.ReqSaveProject, userNeeded|projectNeeded|sceneStopped, s.handleSaveProject)
	s.register(rpc.ReqListProjects, userNeeded, s.handleListProjects)
	s.register(rpc.ReqDeleteProject, userNeeded, s.handleDeleteProject)
	s.register(rpc.ReqRenameProject, userNeeded, s.handleRenameProject)
	s.register(rpc.ReqAddActionPoint, userNeeded|projectNeeded|sceneStopped, s.handleAddActionPoint)
	s.register(rpc.ReqAddApUsingRobot, userNeeded|projectNeeded|sceneStarted, s.handleAddApUsingRobot)
	s.register(rpc.ReqRemoveActionPoint, userNeeded|projectNeeded|sceneStopped, s.handleRemoveActionPoint)
	s.register(rpc.ReqRenameActionPoint, userNeeded|projectNeeded|sceneStopped, s.handleRenameActionPoint)
	s.register(rpc.ReqUpdateActionPointParent, userNeeded|projectNeeded|sceneStopped, s.handleUpdateActionPointParent)
	s.register(rpc.ReqUpdateActionPointJoints, userNeeded|projectNeeded|sceneStarted, s.handleUpdateActionPointJoints)
	s.register(rpc.ReqUpdateActionPointPose, userNeeded|projectNeeded|sceneStopped, s.handleUpdateActionPointPose)
	s.register(rpc.ReqAddActionPointOrientation, userNeeded|projectNeeded|sceneStopped, s.handleAddActionPointOrientation)
	s.register(rpc.ReqRemoveActionPointOrientation, userNeeded|projectNeeded|sceneStopped, s.handleRemoveActionPointOrientation)
	s.register(rpc.ReqAddActionPointJoints, userNeeded|projectNeeded|sceneStarted, s.handleAddActionPointJoints)
	s.register(rpc.ReqRemoveActionPointJoints, userNeeded|projectNeeded|sceneStopped, s.handleRemoveActionPointJoints)
	s.register(rpc.ReqAddAction, userNeeded|projectNeeded|sceneStopped, s.handleAddAction)
	s.register(rpc.ReqUpdateAction, userNeeded|projectNeeded|sceneStopped, s.handleUpdateAction)
	s.register(rpc.ReqRemoveAction, userNeeded|projectNeeded|sceneStopped, s.handleRemoveAction)
	s.register(rpc.ReqAddLogicItem, userNeeded|projectNeeded|sceneStopped, s.handleAddLogicItem)
	s.register(rpc.ReqUpdateLogicItem, userNeeded|projectNeeded|sceneStopped, s.handleUpdateLogicItem)
	s.register(rpc.ReqRemoveLogicItem, userNeeded|projectNeeded|sceneStopped, s.handleRemoveLogicItem)
	s.register(rpc.ReqAddConstant, userNeeded|projectNeeded|sceneStopped, s.handleAddConstant)
	s.register(rpc.ReqUpdateConstant, userNeeded|projectNeeded|sceneStopped, s.handleUpdateConstant)
	s.register(rpc.ReqRemoveConstant, userNeeded|projectNeeded|sceneStopped, s.handleRemoveConstant)
	s.register(rpc.ReqAddOverride, userNeeded|projectNeeded|sceneStopped, s.handleAddOverride)
	s.register(rpc.ReqUpdateOverride, userNeeded|projectNeeded|sceneStopped, s.handleUpdateOverride)
	s.register(rpc.ReqDeleteOverride, userNeeded|projectNeeded|sceneStopped, s.handleDeleteOverride)
	s.register(rpc.ReqExecuteAction, userNeeded|projectNeeded|sceneStarted, s.handleExecuteAction)
}

// objectPose is the PoseLookup used for the relative/absolute action
// point conversion.
func (s *Server) objectPose(objectID string) (*v1.Pose, error) {
	obj, err := s.scene.Object(objectID)
	if err != nil {
		return nil, err
	}
	return obj.Pose, nil
}

// problemsDelta applies mutate to a copy of the open project and
// reports the first validation problem the change introduces. Problems
// the project already had do not block further edits.
func (s *Server) problemsDelta(mutate func(p *v1.Project)) error {
	before, err := s.project.Current()
	if err != nil {
		return rpc.Internalf("copying project: %v", err)
	}
	sceneSnap, err := s.scene.Snapshot()
	if err != nil {
		return rpc.Internalf("snapshotting scene: %v", err)
	}
	existing := make(map[string]bool)
	for _, p := range project.Problems(before, sceneSnap, s.types) {
		existing[p] = true
	}

	candidate, err := s.project.Current()
	if err != nil {
		return rpc.Internalf("copying project: %v", err)
	}
	mutate(candidate)
	for _, p := range project.Problems(candidate, sceneSnap, s.types) {
		if !existing[p] {
			return rpc.Validationf("%s", p)
		}
	}
	return nil
}

type newProjectArgs struct {
	SceneID     string `json:"sceneId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	HasLogic    bool   `json:"hasLogic"`
}

func (s *Server) handleNewProject(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args newProjectArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if s.project.IsOpen() {
		return nil, rpc.Preconditionf("Project already opened.")
	}
	if args.Name == "" {
		return nil, rpc.Validationf("Project name is required.")
	}
	if openID, _ := s.scene.ID(); openID != "" && openID != args.SceneID {
		return nil, rpc.Preconditionf("Another scene is opened.")
	}
	taken, err := s.projectNameTaken(ctx, args.Name)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, rpc.Preconditionf("Project name %s already used.", args.Name)
	}
	if rc.dryRun {
		return nil, nil
	}

	if !s.scene.IsOpen() {
		sc, err := s.store.GetScene(ctx, args.SceneID)
		if err != nil {
			return nil, rpc.External("Project service", err)
		}
		s.scene.Open(sc)
	}

	p := &v1.Project{
		ID:           uuid.NewString(),
		Name:         args.Name,
		SceneID:      args.SceneID,
		Description:  args.Description,
		ActionPoints: []v1.ActionPoint{},
		HasLogic:     args.HasLogic,
		Created:      time.Now().UTC(),
		IntModified:  time.Now().UTC(),
	}
	if err := s.project.Open(p, s.objectPose); err != nil {
		return nil, rpc.Internalf("opening project: %v", err)
	}

	sceneSnap, _ := s.scene.Snapshot()
	projectSnap, _ := s.project.Current()
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtOpenProject, openProjectData{Scene: sceneSnap, Project: projectSnap})))
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtSceneState, v1.SceneStateData{State: v1.SceneStopped})))
	return idResult{ID: p.ID}, nil
}

func (s *Server) handleOpenProject(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args idArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if s.project.IsOpen() {
		return nil, rpc.Preconditionf("Project already opened.")
	}
	if rc.dryRun {
		return nil, nil
	}

	p, err := s.store.GetProject(ctx, args.ID)
	if err != nil {
		return nil, rpc.External("Project service", err)
	}
	if openID, _ := s.scene.ID(); openID != "" && openID != p.SceneID {
		return nil, rpc.Preconditionf("Another scene is opened.")
	}
	if !s.scene.IsOpen() {
		sc, err := s.store.GetScene(ctx, p.SceneID)
		if err != nil {
			return nil, rpc.External("Project service", err)
		}
		s.scene.Open(sc)
	}
	if err := s.project.Open(p, s.objectPose); err != nil {
		s.scene.Close()
		return nil, rpc.Internalf("opening project: %v", err)
	}

	sceneSnap, _ := s.scene.Snapshot()
	projectSnap, _ := s.project.Current()
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtOpenProject, openProjectData{Scene: sceneSnap, Project: projectSnap})))
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtSceneState, v1.SceneStateData{State: v1.SceneStopped})))
	return nil, nil
}

func (s *Server) handleCloseProject(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args closeArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if !args.Force && (s.project.HasChanges() || s.scene.HasChanges()) {
		return nil, rpc.Preconditionf("Project has unsaved changes.")
	}
	if rc.dryRun {
		return nil, nil
	}

	s.project.Close()
	s.scene.Close()
	s.cancelAiming("")
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtProjectClosed, nil)))
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtSceneClosed, nil)))
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtShowMainScreen, v1.ShowMainScreenData{What: v1.ProjectsList})))
	return nil, nil
}

func (s *Server) handleSaveProject(ctx context.Context, rc *reqContext) (interface{}, error) {
	if rc.dryRun {
		return nil, nil
	}
	if s.scene.HasChanges() {
		sceneSnap, err := s.scene.Snapshot()
		if err != nil {
			return nil, rpc.Internalf("snapshotting scene: %v", err)
		}
		modified, err := s.store.PutScene(ctx, sceneSnap)
		if err != nil {
			return nil, rpc.External("Project service", err)
		}
		_ = s.scene.MarkSaved(modified)
	}

	snap, err := s.project.Snapshot(s.objectPose)
	if err != nil {
		return nil, rpc.Internalf("snapshotting project: %v", err)
	}
	modified, err := s.store.PutProject(ctx, snap)
	if err != nil {
		return nil, rpc.External("Project service", err)
	}
	_ = s.project.MarkSaved(modified)
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtProjectSaved, nil)))
	return nil, nil
}

func (s *Server) handleListProjects(ctx context.Context, rc *reqContext) (interface{}, error) {
	listings, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, rpc.External("Project service", err)
	}

	scenes := make(map[string]*v1.Scene)
	out := make([]v1.ProjectListing, 0, len(listings))
	for _, l := range listings {
		entry := v1.ProjectListing{IdDesc: l}
		p, err := s.store.GetProject(ctx, l.ID)
		if err != nil {
			entry.Problems = []string{err.Error()}
			out = append(out, entry)
			continue
		}
		entry.SceneID = p.SceneID
		sc, ok := scenes[p.SceneID]
		if !ok {
			sc, err = s.store.GetScene(ctx, p.SceneID)
			if err != nil {
				sc = nil
			}
			scenes[p.SceneID] = sc
		}
		entry.Problems = project.Problems(p, sc, s.types)
		entry.Valid = len(entry.Problems) == 0
		entry.Executable = entry.Valid && project.Executable(p)
		out = append(out, entry)
	}
	return out, nil
}

func (s *Server) handleDeleteProject(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args idArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if openID, _ := s.project.ID(); openID == args.ID {
		return nil, rpc.Preconditionf("Project is opened.")
	}
	if rc.dryRun {
		return nil, nil
	}
	if err := s.store.DeleteProject(ctx, args.ID); err != nil {
		return nil, rpc.External("Project service", err)
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtProjectChanged, rpc.ChangeRemove,
		v1.IdDesc{ID: args.ID})))
	return nil, nil
}

func (s *Server) handleRenameProject(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args renameArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if args.NewName == "" {
		return nil, rpc.Validationf("Project name is required.")
	}
	taken, err := s.projectNameTaken(ctx, args.NewName)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, rpc.Preconditionf("Project name %s already used.", args.NewName)
	}
	if rc.dryRun {
		return nil, nil
	}

	if openID, _ := s.project.ID(); openID == args.ID {
		return nil, rpc.Preconditionf("Rename of the opened project is not supported, close it first.")
	}
	p, err := s.store.GetProject(ctx, args.ID)
	if err != nil {
		return nil, rpc.External("Project service", err)
	}
	p.Name = args.NewName
	if _, err := s.store.PutProject(ctx, p); err != nil {
		return nil, rpc.External("Project service", err)
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtProjectChanged, rpc.ChangeUpdate,
		v1.IdDesc{ID: args.ID, Name: args.NewName})))
	return nil, nil
}

type addActionPointArgs struct {
	Name     string      `json:"name"`
	Position v1.Position `json:"position"`
	Parent   string      `json:"parent,omitempty"`
}

// validAPParent checks a parent reference: empty, a scene object or
// another action point.
func (s *Server) validAPParent(parent string) error {
	if parent == "" {
		return nil
	}
	if _, err := s.scene.Object(parent); err == nil {
		return nil
	}
	if _, err := s.project.ActionPoint(parent); err == nil {
		return nil
	}
	return rpc.Validationf("Unknown parent %s.", parent)
}

func (s *Server) handleAddActionPoint(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args addActionPointArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if !v1.IsSnakeCase(args.Name) {
		return nil, rpc.Validationf("Action point name %s is not snake_case.", args.Name)
	}
	if err := s.validAPParent(args.Parent); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	ap := v1.ActionPoint{
		ID:       uuid.NewString(),
		Name:     args.Name,
		Parent:   args.Parent,
		Position: args.Position,
	}
	err := s.withWriteLock(ctx, rc, lock.ProjectID, func() error {
		return s.project.UpsertActionPoint(ap)
	})
	if err != nil {
		if _, ok := rpc.AsError(err); ok {
			return nil, err
		}
		return nil, rpc.Preconditionf("%s", capitalized(err))
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtActionPointChanged, rpc.ChangeAdd, ap)))
	return idResult{ID: ap.ID}, nil
}

type addApUsingRobotArgs struct {
	RobotID       string `json:"robotId"`
	EndEffectorID string `json:"endEffectorId"`
	Name          string `json:"name"`
}

func (s *Server) handleAddApUsingRobot(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args addApUsingRobotArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if !v1.IsSnakeCase(args.Name) {
		return nil, rpc.Validationf("Action point name %s is not snake_case.", args.Name)
	}
	ref, err := s.liveRobot(args.RobotID)
	if err != nil {
		return nil, err
	}
	pose, err := ref.robot.EndEffectorPose(args.EndEffectorID)
	if err != nil {
		return nil, rpc.Validationf("%s", capitalized(err))
	}
	if rc.dryRun {
		return nil, nil
	}

	ap := v1.ActionPoint{
		ID:       uuid.NewString(),
		Name:     args.Name,
		Position: pose.Position,
		Orientations: []v1.NamedOrientation{{
			ID:          uuid.NewString(),
			Name:        "default",
			Orientation: pose.Orientation,
		}},
		RobotJoints: []v1.RobotJoints{{
			ID:      uuid.NewString(),
			Name:    "default",
			RobotID: args.RobotID,
			Joints:  ref.robot.Joints(),
			IsValid: true,
		}},
	}
	err = s.withWriteLock(ctx, rc, lock.ProjectID, func() error {
		return s.project.UpsertActionPoint(ap)
	})
	if err != nil {
		if _, ok := rpc.AsError(err); ok {
			return nil, err
		}
		return nil, rpc.Preconditionf("%s", capitalized(err))
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtActionPointChanged, rpc.ChangeAdd, ap)))
	return idResult{ID: ap.ID}, nil
}

func (s *Server) handleRemoveActionPoint(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args idArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if _, err := s.project.ActionPoint(args.ID); err != nil {
		return nil, rpc.Validationf("Unknown action point %s.", args.ID)
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	// Actions in the removed subtree take their logic edges with them.
	subtree := make(map[string]bool)
	for _, id := range s.project.Closure(args.ID) {
		subtree[id] = true
	}
	var droppedEdges []v1.LogicItem
	for _, l := range s.project.Logic() {
		if subtree[l.StartActionID()] || subtree[l.End] {
			droppedEdges = append(droppedEdges, l)
		}
	}

	removed, err := s.project.RemoveActionPoint(args.ID)
	if err != nil {
		return nil, rpc.Internalf("removing action point: %v", err)
	}
	for _, l := range droppedEdges {
		_ = s.project.RemoveLogicItem(l.ID)
		rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtLogicItemChanged, rpc.ChangeRemove, l)))
	}
	s.releaseAfterEdit(rc, args.ID)
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtActionPointChanged, rpc.ChangeRemove, removed)))
	return nil, nil
}

func (s *Server) handleRenameActionPoint(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args renameArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	ap, err := s.project.ActionPoint(args.ID)
	if err != nil {
		return nil, rpc.Validationf("Unknown action point %s.", args.ID)
	}
	if !v1.IsSnakeCase(args.NewName) {
		return nil, rpc.Validationf("Action point name %s is not snake_case.", args.NewName)
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	ap.Name = args.NewName
	if err := s.project.UpsertActionPoint(ap); err != nil {
		return nil, rpc.Preconditionf("%s", capitalized(err))
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtActionPointChanged, rpc.ChangeUpdate, ap)))
	return nil, nil
}

type updateAPParentArgs struct {
	ID        string `json:"id"`
	NewParent string `json:"newParent"`
}

func (s *Server) handleUpdateActionPointParent(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args updateAPParentArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	ap, err := s.project.ActionPoint(args.ID)
	if err != nil {
		return nil, rpc.Validationf("Unknown action point %s.", args.ID)
	}
	if err := s.validAPParent(args.NewParent); err != nil {
		return nil, err
	}
	if args.NewParent == args.ID {
		return nil, rpc.Validationf("Action point cannot be its own parent.")
	}
	for _, id := range s.project.Closure(args.ID) {
		if id == args.NewParent {
			return nil, rpc.Validationf("New parent is a descendant of the action point.")
		}
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	// The in-memory position is absolute, so reparenting does not move
	// the point.
	ap.Parent = args.NewParent
	if err := s.project.UpsertActionPoint(ap); err != nil {
		return nil, rpc.Preconditionf("%s", capitalized(err))
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtActionPointChanged, rpc.ChangeUpdate, ap)))
	return nil, nil
}

type updateAPJointsArgs struct {
	JointsID string `json:"jointsId"`
}

func (s *Server) handleUpdateActionPointJoints(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args updateAPJointsArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	joints, apID, err := s.project.Joints(args.JointsID)
	if err != nil {
		return nil, rpc.Validationf("Unknown joints %s.", args.JointsID)
	}
	if err := s.requireWriteLock(args.JointsID, rc.user); err != nil {
		return nil, err
	}
	ref, err := s.liveRobot(joints.RobotID)
	if err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	joints.Joints = ref.robot.Joints()
	joints.IsValid = true
	if err := s.project.UpsertJoints(apID, joints); err != nil {
		return nil, rpc.Internalf("updating joints: %v", err)
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtJointsChanged, rpc.ChangeUpdate, joints)))
	return nil, nil
}

type updateAPPoseArgs struct {
	ID          string      `json:"id"`
	NewPosition v1.Position `json:"newPosition"`
}

func (s *Server) handleUpdateActionPointPose(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args updateAPPoseArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if _, err := s.project.ActionPoint(args.ID); err != nil {
		return nil, rpc.Validationf("Unknown action point %s.", args.ID)
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	ap, err := s.project.UpdatePosition(args.ID, args.NewPosition)
	if err != nil {
		return nil, rpc.Internalf("updating position: %v", err)
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtActionPointChanged, rpc.ChangeUpdate, ap)))
	// Invalidated snapshots hang under the moved point.
	for _, sub := range s.project.ActionPoints() {
		for _, j := range sub.RobotJoints {
			if !j.IsValid {
				rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtJointsChanged, rpc.ChangeUpdate, j)))
			}
		}
	}
	return nil, nil
}

type addOrientationArgs struct {
	ActionPointID string         `json:"actionPointId"`
	Name          string         `json:"name"`
	Orientation   v1.Orientation `json:"orientation"`
}

func (s *Server) handleAddActionPointOrientation(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args addOrientationArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if _, err := s.project.ActionPoint(args.ActionPointID); err != nil {
		return nil, rpc.Validationf("Unknown action point %s.", args.ActionPointID)
	}
	if !v1.IsSnakeCase(args.Name) {
		return nil, rpc.Validationf("Orientation name %s is not snake_case.", args.Name)
	}
	if rc.dryRun {
		return nil, nil
	}

	o := v1.NamedOrientation{
		ID:          uuid.NewString(),
		Name:        args.Name,
		Orientation: args.Orientation,
	}
	err := s.withWriteLock(ctx, rc, args.ActionPointID, func() error {
		return s.project.UpsertOrientation(args.ActionPointID, o)
	})
	if err != nil {
		if _, ok := rpc.AsError(err); ok {
			return nil, err
		}
		return nil, rpc.Preconditionf("%s", capitalized(err))
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtOrientationChanged, rpc.ChangeAdd, o)))
	return idResult{ID: o.ID}, nil
}

func (s *Server) handleRemoveActionPointOrientation(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args idArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	o, _, err := s.project.Orientation(args.ID)
	if err != nil {
		return nil, rpc.Validationf("Unknown orientation %s.", args.ID)
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	if err := s.project.RemoveOrientation(args.ID); err != nil {
		return nil, rpc.Internalf("removing orientation: %v", err)
	}
	s.releaseAfterEdit(rc, args.ID)
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtOrientationChanged, rpc.ChangeRemove, o)))
	return nil, nil
}

type addJointsArgs struct {
	ActionPointID string `json:"actionPointId"`
	RobotID       string `json:"robotId"`
	Name          string `json:"name"`
}

func (s *Server) handleAddActionPointJoints(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args addJointsArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if _, err := s.project.ActionPoint(args.ActionPointID); err != nil {
		return nil, rpc.Validationf("Unknown action point %s.", args.ActionPointID)
	}
	if !v1.IsSnakeCase(args.Name) {
		return nil, rpc.Validationf("Joints name %s is not snake_case.", args.Name)
	}
	ref, err := s.liveRobot(args.RobotID)
	if err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	j := v1.RobotJoints{
		ID:      uuid.NewString(),
		Name:    args.Name,
		RobotID: args.RobotID,
		Joints:  ref.robot.Joints(),
		IsValid: true,
	}
	err = s.withWriteLock(ctx, rc, args.ActionPointID, func() error {
		return s.project.UpsertJoints(args.ActionPointID, j)
	})
	if err != nil {
		if _, ok := rpc.AsError(err); ok {
			return nil, err
		}
		return nil, rpc.Preconditionf("%s", capitalized(err))
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtJointsChanged, rpc.ChangeAdd, j)))
	return idResult{ID: j.ID}, nil
}

func (s *Server) handleRemoveActionPointJoints(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args idArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	j, _, err := s.project.Joints(args.ID)
	if err != nil {
		return nil, rpc.Validationf("Unknown joints %s.", args.ID)
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	if err := s.project.RemoveJoints(args.ID); err != nil {
		return nil, rpc.Internalf("removing joints: %v", err)
	}
	s.releaseAfterEdit(rc, args.ID)
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtJointsChanged, rpc.ChangeRemove, j)))
	return nil, nil
}

type addActionArgs struct {
	ActionPointID string               `json:"actionPointId"`
	Name          string               `json:"name"`
	Type          string               `json:"type"`
	Parameters    []v1.ActionParameter `json:"parameters,omitempty"`
	Flows         []v1.Flow            `json:"flows,omitempty"`
}

func (s *Server) handleAddAction(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args addActionArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if _, err := s.project.ActionPoint(args.ActionPointID); err != nil {
		return nil, rpc.Validationf("Unknown action point %s.", args.ActionPointID)
	}
	if !v1.IsSnakeCase(args.Name) {
		return nil, rpc.Validationf("Action name %s is not snake_case.", args.Name)
	}
	action := v1.Action{
		ID:         uuid.NewString(),
		Name:       args.Name,
		Type:       args.Type,
		Parameters: args.Parameters,
		Flows:      args.Flows,
	}
	if len(action.Flows) == 0 {
		action.Flows = []v1.Flow{{Type: v1.DefaultFlow}}
	}
	if err := s.checkActionType(&action); err != nil {
		return nil, err
	}
	err := s.problemsDelta(func(p *v1.Project) {
		for i := range p.ActionPoints {
			if p.ActionPoints[i].ID == args.ActionPointID {
				p.ActionPoints[i].Actions = append(p.ActionPoints[i].Actions, action)
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	err = s.withWriteLock(ctx, rc, args.ActionPointID, func() error {
		return s.project.UpsertAction(args.ActionPointID, action)
	})
	if err != nil {
		if _, ok := rpc.AsError(err); ok {
			return nil, err
		}
		return nil, rpc.Preconditionf("%s", capitalized(err))
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtActionChanged, rpc.ChangeAdd, action)))
	return idResult{ID: action.ID}, nil
}

// checkActionType verifies the "<object>/<action>" reference against the
// open scene and the registry.
func (s *Server) checkActionType(a *v1.Action) error {
	objID, actName, err := a.ParseType()
	if err != nil {
		return rpc.Validationf("Invalid action type %s.", a.Type)
	}
	obj, err := s.scene.Object(objID)
	if err != nil {
		return rpc.Validationf("Action references unknown scene object %s.", objID)
	}
	if _, err := s.types.Action(obj.Type, actName); err != nil {
		return rpc.Validationf("%s", capitalized(err))
	}
	return nil
}

type updateActionArgs struct {
	ID         string               `json:"id"`
	Parameters []v1.ActionParameter `json:"parameters"`
	Flows      []v1.Flow            `json:"flows,omitempty"`
}

func (s *Server) handleUpdateAction(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args updateActionArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	action, apID, err := s.project.Action(args.ID)
	if err != nil {
		return nil, rpc.Validationf("Unknown action %s.", args.ID)
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}

	action.Parameters = args.Parameters
	if args.Flows != nil {
		action.Flows = args.Flows
	}
	err = s.problemsDelta(func(p *v1.Project) {
		for i := range p.ActionPoints {
			for j := range p.ActionPoints[i].Actions {
				if p.ActionPoints[i].Actions[j].ID == args.ID {
					p.ActionPoints[i].Actions[j] = action
					return
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	if err := s.project.UpsertAction(apID, action); err != nil {
		return nil, rpc.Internalf("updating action: %v", err)
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtActionChanged, rpc.ChangeUpdate, action)))
	return nil, nil
}

func (s *Server) handleRemoveAction(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args idArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	action, _, err := s.project.Action(args.ID)
	if err != nil {
		return nil, rpc.Validationf("Unknown action %s.", args.ID)
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	for _, l := range s.project.Logic() {
		if l.StartActionID() == args.ID || l.End == args.ID {
			rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtLogicItemChanged, rpc.ChangeRemove, l)))
		}
	}
	s.project.RemoveLogicFor(args.ID)
	if err := s.project.RemoveAction(args.ID); err != nil {
		return nil, rpc.Internalf("removing action: %v", err)
	}
	s.releaseAfterEdit(rc, args.ID)
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtActionChanged, rpc.ChangeRemove, action)))
	return nil, nil
}

type logicItemArgs struct {
	Start     string             `json:"start"`
	End       string             `json:"end"`
	Condition *v1.LogicCondition `json:"condition,omitempty"`
}

func (s *Server) handleAddLogicItem(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args logicItemArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	l := v1.LogicItem{
		ID:        uuid.NewString(),
		Start:     args.Start,
		End:       args.End,
		Condition: args.Condition,
	}
	err := s.problemsDelta(func(p *v1.Project) {
		p.Logic = append(p.Logic, l)
	})
	if err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	err = s.withWriteLock(ctx, rc, lock.ProjectID, func() error {
		return s.project.UpsertLogicItem(l)
	})
	if err != nil {
		if _, ok := rpc.AsError(err); ok {
			return nil, err
		}
		return nil, rpc.Preconditionf("%s", capitalized(err))
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtLogicItemChanged, rpc.ChangeAdd, l)))
	return idResult{ID: l.ID}, nil
}

type updateLogicItemArgs struct {
	ID        string             `json:"id"`
	Start     string             `json:"start"`
	End       string             `json:"end"`
	Condition *v1.LogicCondition `json:"condition,omitempty"`
}

func (s *Server) handleUpdateLogicItem(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args updateLogicItemArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if _, err := s.project.LogicItem(args.ID); err != nil {
		return nil, rpc.Validationf("Unknown logic item %s.", args.ID)
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	l := v1.LogicItem{
		ID:        args.ID,
		Start:     args.Start,
		End:       args.End,
		Condition: args.Condition,
	}
	err := s.problemsDelta(func(p *v1.Project) {
		for i := range p.Logic {
			if p.Logic[i].ID == args.ID {
				p.Logic[i] = l
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	if err := s.project.UpsertLogicItem(l); err != nil {
		return nil, rpc.Preconditionf("%s", capitalized(err))
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtLogicItemChanged, rpc.ChangeUpdate, l)))
	return nil, nil
}

func (s *Server) handleRemoveLogicItem(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args idArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	l, err := s.project.LogicItem(args.ID)
	if err != nil {
		return nil, rpc.Validationf("Unknown logic item %s.", args.ID)
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	if err := s.project.RemoveLogicItem(args.ID); err != nil {
		return nil, rpc.Internalf("removing logic item: %v", err)
	}
	s.releaseAfterEdit(rc, args.ID)
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtLogicItemChanged, rpc.ChangeRemove, l)))
	return nil, nil
}

type addConstantArgs struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (s *Server) handleAddConstant(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args addConstantArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if !v1.IsSnakeCase(args.Name) {
		return nil, rpc.Validationf("Constant name %s is not snake_case.", args.Name)
	}
	if !project.ValueMatchesType(args.Type, args.Value) {
		return nil, rpc.Validationf("Value does not match type %s.", args.Type)
	}
	if rc.dryRun {
		return nil, nil
	}

	c := v1.ProjectConstant{
		ID:    uuid.NewString(),
		Name:  args.Name,
		Type:  args.Type,
		Value: args.Value,
	}
	err := s.withWriteLock(ctx, rc, lock.ProjectID, func() error {
		return s.project.UpsertConstant(c)
	})
	if err != nil {
		if _, ok := rpc.AsError(err); ok {
			return nil, err
		}
		return nil, rpc.Preconditionf("%s", capitalized(err))
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtConstantChanged, rpc.ChangeAdd, c)))
	return idResult{ID: c.ID}, nil
}

type updateConstantArgs struct {
	ID      string `json:"id"`
	NewName string `json:"newName,omitempty"`
	Value   string `json:"value,omitempty"`
}

func (s *Server) handleUpdateConstant(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args updateConstantArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	c, err := s.project.Constant(args.ID)
	if err != nil {
		return nil, rpc.Validationf("Unknown constant %s.", args.ID)
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	if args.NewName != "" {
		if !v1.IsSnakeCase(args.NewName) {
			return nil, rpc.Validationf("Constant name %s is not snake_case.", args.NewName)
		}
		c.Name = args.NewName
	}
	if args.Value != "" {
		if !project.ValueMatchesType(c.Type, args.Value) {
			return nil, rpc.Validationf("Value does not match type %s.", c.Type)
		}
		c.Value = args.Value
	}
	if rc.dryRun {
		return nil, nil
	}

	if err := s.project.UpsertConstant(c); err != nil {
		return nil, rpc.Preconditionf("%s", capitalized(err))
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtConstantChanged, rpc.ChangeUpdate, c)))
	return nil, nil
}

func (s *Server) handleRemoveConstant(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args idArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	c, err := s.project.Constant(args.ID)
	if err != nil {
		return nil, rpc.Validationf("Unknown constant %s.", args.ID)
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	if err := s.project.RemoveConstant(args.ID); err != nil {
		return nil, rpc.Preconditionf("%s", capitalized(err))
	}
	s.releaseAfterEdit(rc, args.ID)
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtConstantChanged, rpc.ChangeRemove, c)))
	return nil, nil
}

type overrideArgs struct {
	ID        string       `json:"id"` // scene object id
	Parameter v1.Parameter `json:"parameter"`
}

// checkOverride validates an override parameter against the object's
// settings schema.
func (s *Server) checkOverride(objectID string, param v1.Parameter) error {
	obj, err := s.scene.Object(objectID)
	if err != nil {
		return rpc.Validationf("Unknown object id %s.", objectID)
	}
	ot, err := s.types.Get(obj.Type)
	if err != nil {
		return rpc.Internalf("resolving type: %v", err)
	}
	for _, setting := range ot.Meta.Settings {
		if setting.Name == param.Name {
			if setting.Type != param.Type {
				return rpc.Validationf("Parameter %s must be %s, got %s.",
					param.Name, setting.Type, param.Type)
			}
			return nil
		}
	}
	return rpc.Validationf("Type %s has no setting %s.", obj.Type, param.Name)
}

func (s *Server) handleAddOverride(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args overrideArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if err := s.checkOverride(args.ID, args.Parameter); err != nil {
		return nil, err
	}
	for _, p := range s.project.Overrides(args.ID) {
		if p.Name == args.Parameter.Name {
			return nil, rpc.Preconditionf("Override for %s already exists.", args.Parameter.Name)
		}
	}
	if rc.dryRun {
		return nil, nil
	}

	params := append(s.project.Overrides(args.ID), args.Parameter)
	err := s.withWriteLock(ctx, rc, args.ID, func() error {
		return s.project.SetOverrides(args.ID, params)
	})
	if err != nil {
		if _, ok := rpc.AsError(err); ok {
			return nil, err
		}
		return nil, rpc.Internalf("adding override: %v", err)
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtOverrideUpdated, rpc.ChangeAdd,
		v1.SceneObjectOverride{ID: args.ID, Parameters: []v1.Parameter{args.Parameter}})))
	return nil, nil
}

func (s *Server) handleUpdateOverride(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args overrideArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if err := s.checkOverride(args.ID, args.Parameter); err != nil {
		return nil, err
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	params := s.project.Overrides(args.ID)
	found := false
	for i := range params {
		if params[i].Name == args.Parameter.Name {
			params[i] = args.Parameter
			found = true
			break
		}
	}
	if !found {
		return nil, rpc.Preconditionf("Override for %s does not exist.", args.Parameter.Name)
	}
	if rc.dryRun {
		return nil, nil
	}

	if err := s.project.SetOverrides(args.ID, params); err != nil {
		return nil, rpc.Internalf("updating override: %v", err)
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtOverrideUpdated, rpc.ChangeUpdate,
		v1.SceneObjectOverride{ID: args.ID, Parameters: []v1.Parameter{args.Parameter}})))
	return nil, nil
}

type deleteOverrideArgs struct {
	ID            string `json:"id"`
	ParameterName string `json:"parameterName"`
}

func (s *Server) handleDeleteOverride(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args deleteOverrideArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if err := s.requireWriteLock(args.ID, rc.user); err != nil {
		return nil, err
	}
	params := s.project.Overrides(args.ID)
	var removed *v1.Parameter
	kept := make([]v1.Parameter, 0, len(params))
	for _, p := range params {
		if p.Name == args.ParameterName {
			cp := p
			removed = &cp
			continue
		}
		kept = append(kept, p)
	}
	if removed == nil {
		return nil, rpc.Preconditionf("Override for %s does not exist.", args.ParameterName)
	}
	if rc.dryRun {
		return nil, nil
	}

	if err := s.project.SetOverrides(args.ID, kept); err != nil {
		return nil, rpc.Internalf("deleting override: %v", err)
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtOverrideUpdated, rpc.ChangeRemove,
		v1.SceneObjectOverride{ID: args.ID, Parameters: []v1.Parameter{*removed}})))
	return nil, nil
}

type executeActionArgs struct {
	ActionID string `json:"actionId"`
}

func (s *Server) handleExecuteAction(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args executeActionArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	action, _, err := s.project.Action(args.ActionID)
	if err != nil {
		return nil, rpc.Validationf("Unknown action %s.", args.ActionID)
	}
	objID, actName, err := action.ParseType()
	if err != nil {
		return nil, rpc.Validationf("Invalid action type %s.", action.Type)
	}
	obj, err := s.scene.Object(objID)
	if err != nil {
		return nil, rpc.Validationf("Action references unknown scene object %s.", objID)
	}
	meta, err := s.types.Action(obj.Type, actName)
	if err != nil {
		return nil, rpc.Validationf("%s", capitalized(err))
	}
	if _, err := s.engine.Instance(objID); err != nil {
		return nil, rpc.Preconditionf("Object %s is not online.", obj.Name)
	}

	s.actionMu.Lock()
	if s.actionRunning {
		s.actionMu.Unlock()
		return nil, rpc.Preconditionf("Another action is running.")
	}
	if !rc.dryRun {
		s.actionRunning = true
	}
	s.actionMu.Unlock()
	if rc.dryRun {
		return nil, nil
	}

	// The live objects are virtual; the action completes immediately
	// with zero-value results.
	results := make([]string, len(meta.Returns))
	rc.events.deferAfter(func() {
		defer func() {
			s.actionMu.Lock()
			s.actionRunning = false
			s.actionMu.Unlock()
		}()
		var paramValues []string
		for _, p := range action.Parameters {
			paramValues = append(paramValues, p.Value)
		}
		s.broadcastNow(rpc.NewEvent(rpc.EvtActionStateBefore, v1.ActionStateBeforeData{
			ActionID:   args.ActionID,
			Parameters: paramValues,
		}))
		s.broadcastNow(rpc.NewEvent(rpc.EvtActionStateAfter, v1.ActionStateAfterData{
			ActionID: args.ActionID,
			Results:  results,
		}))
	})
	return nil, nil
}

// projectNameTaken checks the stored listings for a name collision.
func (s *Server) projectNameTaken(ctx context.Context, name string) (bool, error) {
	listings, err := s.store.ListProjects(ctx)
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
