package server

import (
	"context"
	"encoding/base64"

	v1 "github.com/arserver/arserver/pkg/api/v1"
	"github.com/arserver/arserver/pkg/rpc"
)

func (s *Server) registerCameraHandlers() {
	s.register(rpc.ReqCameraColorImage, userNeeded|sceneNeeded|sceneStarted, s.handleCameraColorImage)
	s.register(rpc.ReqCameraColorParameters, userNeeded|sceneNeeded|sceneStarted, s.handleCameraColorParameters)
	s.register(rpc.ReqCalibrateCamera, userNeeded|sceneNeeded|sceneStarted, s.handleCalibrateCamera)
	s.register(rpc.ReqGetCameraPose, userNeeded|sceneNeeded|sceneStarted, s.handleGetCameraPose)
	s.register(rpc.ReqMarkersCorners, userNeeded|sceneNeeded|sceneStarted, s.handleMarkersCorners)
}

// Virtual camera intrinsics, 640x480 Kinect-like defaults.
var virtualCameraParameters = v1.CameraParameters{
	Fx: 525,
	Fy: 525,
	Cx: 320,
	Cy: 240,
}

// liveObject resolves a started scene object to its instance.
func (s *Server) liveObject(objectID string) error {
	if _, err := s.scene.Object(objectID); err != nil {
		return rpc.Validationf("Unknown object id %s.", objectID)
	}
	if _, err := s.engine.Instance(objectID); err != nil {
		return rpc.Preconditionf("Object %s is not online.", objectID)
	}
	return nil
}

type cameraImageData struct {
	Image string `json:"image"`
}

func (s *Server) handleCameraColorImage(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args idArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if err := s.liveObject(args.ID); err != nil {
		return nil, err
	}
	// The virtual camera has no feed; the image is empty.
	return cameraImageData{Image: ""}, nil
}

func (s *Server) handleCameraColorParameters(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args idArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if err := s.liveObject(args.ID); err != nil {
		return nil, err
	}
	return virtualCameraParameters, nil
}

type cameraImageArgs struct {
	ID               string              `json:"id,omitempty"`
	CameraParameters v1.CameraParameters `json:"cameraParameters"`
	Image            string              `json:"image"` // base64-encoded JPEG
}

func (a *cameraImageArgs) decodeImage() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(a.Image)
	if err != nil {
		return nil, rpc.Validationf("Invalid image encoding.")
	}
	if len(raw) == 0 {
		return nil, rpc.Validationf("Empty image.")
	}
	return raw, nil
}

// handleCalibrateCamera estimates the camera's pose from a marker image
// and rewrites the scene object's pose accordingly.
func (s *Server) handleCalibrateCamera(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args cameraImageArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if err := s.liveObject(args.ID); err != nil {
		return nil, err
	}
	image, err := args.decodeImage()
	if err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	pose, err := s.sim.EstimateCameraPose(ctx, args.CameraParameters, image)
	if err != nil {
		return nil, rpc.External("Scene service", err)
	}
	obj, err := s.scene.UpdatePose(args.ID, *pose)
	if err != nil {
		return nil, rpc.Internalf("updating camera pose: %v", err)
	}
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtSceneObjectChanged, rpc.ChangeUpdate, obj)))
	return pose, nil
}

func (s *Server) handleGetCameraPose(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args cameraImageArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	image, err := args.decodeImage()
	if err != nil {
		return nil, err
	}
	pose, err := s.sim.EstimateCameraPose(ctx, args.CameraParameters, image)
	if err != nil {
		return nil, rpc.External("Scene service", err)
	}
	return pose, nil
}

type markersCornersData struct {
	Corners []v1.Position `json:"corners"`
}

func (s *Server) handleMarkersCorners(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args cameraImageArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	image, err := args.decodeImage()
	if err != nil {
		return nil, err
	}
	corners, err := s.sim.MarkersCorners(ctx, args.CameraParameters, image)
	if err != nil {
		return nil, rpc.External("Scene service", err)
	}
	return markersCornersData{Corners: corners}, nil
}
