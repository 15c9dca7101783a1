package server

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	v1 "github.com/arserver/arserver/pkg/api/v1"
	"github.com/arserver/arserver/pkg/rpc"
)

func (s *Server) registerExecutionHandlers() {
	s.register(rpc.ReqBuildProject, userNeeded, s.handleBuildProject)
	s.register(rpc.ReqTemporaryPackage, userNeeded|projectNeeded|sceneStopped, s.handleTemporaryPackage)

	// The package management surface is forwarded verbatim to the
	// execution runtime; the hub only gates RunPackage against an
	// online scene.
	s.register(rpc.ReqUploadPackage, userNeeded, s.passThrough)
	s.register(rpc.ReqListPackages, userNeeded, s.passThrough)
	s.register(rpc.ReqDeletePackage, userNeeded, s.passThrough)
	s.register(rpc.ReqRenamePackage, userNeeded, s.passThrough)
	s.register(rpc.ReqRunPackage, userNeeded, s.handleRunPackage)
	s.register(rpc.ReqStopPackage, userNeeded, s.passThrough)
	s.register(rpc.ReqPausePackage, userNeeded, s.passThrough)
	s.register(rpc.ReqResumePackage, userNeeded, s.passThrough)
	s.register(rpc.ReqStepAction, userNeeded, s.passThrough)
}

type buildProjectArgs struct {
	ProjectID   string `json:"projectId"`
	PackageName string `json:"packageName"`
}

type buildProjectData struct {
	PackageID string `json:"packageId"`
}

func (s *Server) handleBuildProject(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args buildProjectArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if args.PackageName == "" {
		return nil, rpc.Validationf("Package name is required.")
	}
	if openID, _ := s.project.ID(); openID == args.ProjectID && s.project.HasChanges() {
		return nil, rpc.Preconditionf("Project has unsaved changes.")
	}
	if _, err := s.store.GetProject(ctx, args.ProjectID); err != nil {
		return nil, rpc.External("Project service", err)
	}
	if rc.dryRun {
		return nil, nil
	}

	packageID, err := s.runner.Build(ctx, args.ProjectID, args.PackageName)
	if err != nil {
		return nil, rpc.External("Build service", err)
	}
	return buildProjectData{PackageID: packageID}, nil
}

type temporaryPackageArgs struct {
	StartPaused bool     `json:"startPaused,omitempty"`
	Breakpoints []string `json:"breakpoints,omitempty"`
}

// handleTemporaryPackage builds the open project, runs it once on the
// runtime and restores the editing view when the run ends.
func (s *Server) handleTemporaryPackage(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args temporaryPackageArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if s.project.HasChanges() || s.scene.HasChanges() {
		return nil, rpc.Preconditionf("Project has unsaved changes.")
	}
	if state := s.bridge.PackageState().State; state == v1.PackageRunning ||
		state == v1.PackagePaused || state == v1.PackagePausing {
		return nil, rpc.Preconditionf("Another package is running.")
	}
	projectID, err := s.project.ID()
	if err != nil {
		return nil, rpc.Internalf("reading project id: %v", err)
	}
	if rc.dryRun {
		return nil, nil
	}

	rc.events.deferAfter(func() {
		err := s.runner.RunTemporary(context.Background(), projectID, args.StartPaused, args.Breakpoints)
		if err != nil {
			s.logger.Warn("Temporary package run failed", zap.Error(err))
		}
		// Back to the editor whether the run succeeded or not.
		sceneSnap, serr := s.scene.Snapshot()
		projectSnap, perr := s.project.Current()
		if serr != nil || perr != nil {
			return
		}
		s.broadcastNow(rpc.NewEvent(rpc.EvtOpenProject, openProjectData{Scene: sceneSnap, Project: projectSnap}))
		s.broadcastNow(rpc.NewEvent(rpc.EvtSceneState, v1.SceneStateData{State: v1.SceneStopped}))
	})
	return nil, nil
}

func (s *Server) handleRunPackage(ctx context.Context, rc *reqContext) (interface{}, error) {
	if s.engine.Started() {
		return nil, rpc.Preconditionf("Scene online.")
	}
	return s.passThrough(ctx, rc)
}

// passThrough forwards the request to the execution runtime and relays
// its response verbatim.
func (s *Server) passThrough(ctx context.Context, rc *reqContext) (interface{}, error) {
	if rc.dryRun {
		return nil, nil
	}
	var args interface{}
	if len(rc.req.Args) > 0 {
		args = json.RawMessage(rc.req.Args)
	}
	resp, err := s.bridge.Call(ctx, rc.req.Request, args)
	if err != nil {
		return nil, rpc.External("Execution service", err)
	}
	if !resp.Result {
		msgs := resp.Messages
		if len(msgs) == 0 {
			msgs = []string{"Execution service refused the request."}
		}
		return nil, rpc.NewError(rpc.KindExternal, msgs...)
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}
	return json.RawMessage(resp.Data), nil
}
