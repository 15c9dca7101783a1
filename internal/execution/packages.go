package execution

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arserver/arserver/internal/clients/build"
	"github.com/arserver/arserver/internal/common/logger"
	v1 "github.com/arserver/arserver/pkg/api/v1"
	"github.com/arserver/arserver/pkg/rpc"
)

// Runner drives package runs on the execution runtime, including the
// build-upload-run-restore workflow behind TemporaryPackage.
type Runner struct {
	bridge *Bridge
	build  build.Client
	logger *logger.Logger

	mu        sync.Mutex
	tempID    string
	lastState v1.PackageStateData
	waiters   []chan v1.PackageStateData
}

// NewRunner creates a package runner over the bridge.
func NewRunner(bridge *Bridge, buildClient build.Client, log *logger.Logger) *Runner {
	return &Runner{
		bridge: bridge,
		build:  buildClient,
		logger: log.WithFields(zap.String("component", "package_runner")),
	}
}

// HandlePackageState feeds runtime package-state transitions into the
// runner. The server calls this from the bridge event handler.
func (r *Runner) HandlePackageState(data v1.PackageStateData) {
	r.mu.Lock()
	r.lastState = data
	waiters := r.waiters
	r.waiters = nil
	r.mu.Unlock()
	for _, ch := range waiters {
		ch <- data
	}
}

// IsTemporary reports whether the package id belongs to an in-flight
// temporary run.
func (r *Runner) IsTemporary(packageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tempID != "" && r.tempID == packageID
}

// Build invokes the build service and uploads the resulting archive,
// returning the new package id.
func (r *Runner) Build(ctx context.Context, projectID, packageName string) (string, error) {
	archive, err := r.build.Build(ctx, projectID, packageName)
	if err != nil {
		return "", err
	}
	packageID := uuid.New().String()
	if err := r.upload(ctx, packageID, archive); err != nil {
		return "", err
	}
	return packageID, nil
}

// RunTemporary builds the project, runs it on the runtime and deletes
// the package once it stops. The caller re-opens the project afterwards
// on both success and failure.
func (r *Runner) RunTemporary(ctx context.Context, projectID string, startPaused bool, breakpoints []string) error {
	r.mu.Lock()
	if r.tempID != "" {
		r.mu.Unlock()
		return fmt.Errorf("temporary package %s is already running", r.tempID)
	}
	r.tempID = "pending"
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.tempID = ""
		r.mu.Unlock()
	}()

	archive, err := r.build.Build(ctx, projectID, "temporary")
	if err != nil {
		return fmt.Errorf("building project: %w", err)
	}
	packageID := uuid.New().String()
	r.mu.Lock()
	r.tempID = packageID
	r.mu.Unlock()

	if err := r.upload(ctx, packageID, archive); err != nil {
		return err
	}
	defer func() {
		if _, derr := r.bridge.Call(context.WithoutCancel(ctx), rpc.ReqDeletePackage,
			map[string]string{"id": packageID}); derr != nil {
			r.logger.Warn("Deleting temporary package failed",
				zap.String("package_id", packageID),
				zap.Error(derr))
		}
		r.bridge.ClearPackageState()
	}()

	resp, err := r.bridge.Call(ctx, rpc.ReqRunPackage, map[string]interface{}{
		"id":              packageID,
		"cleanupAfterRun": false,
		"startPaused":     startPaused,
		"breakpoints":     breakpoints,
	})
	if err != nil {
		return fmt.Errorf("running package: %w", err)
	}
	if !resp.Result {
		return fmt.Errorf("running package: %s", strings.Join(resp.Messages, " "))
	}

	if err := r.waitFor(ctx, packageID, v1.PackageRunning); err != nil {
		return fmt.Errorf("waiting for package start: %w", err)
	}
	if err := r.waitFor(ctx, packageID, v1.PackageStopped); err != nil {
		return fmt.Errorf("waiting for package stop: %w", err)
	}
	return nil
}

// upload sends the archive to the runtime, base64-encoded the way the
// runtime's UploadPackage expects it.
func (r *Runner) upload(ctx context.Context, packageID string, archive []byte) error {
	resp, err := r.bridge.Call(ctx, rpc.ReqUploadPackage, map[string]string{
		"id":   packageID,
		"data": base64.StdEncoding.EncodeToString(archive),
	})
	if err != nil {
		return fmt.Errorf("uploading package: %w", err)
	}
	if !resp.Result {
		return fmt.Errorf("uploading package: %s", strings.Join(resp.Messages, " "))
	}
	return nil
}

// waitFor blocks until the runtime reports the package in the wanted
// state.
func (r *Runner) waitFor(ctx context.Context, packageID string, want v1.PackageStateValue) error {
	for {
		r.mu.Lock()
		if r.lastState.PackageID == packageID && r.lastState.State == want {
			r.mu.Unlock()
			return nil
		}
		ch := make(chan v1.PackageStateData, 1)
		r.waiters = append(r.waiters, ch)
		r.mu.Unlock()

		select {
		case state := <-ch:
			if state.PackageID == packageID && state.State == want {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
