package server

import (
	"context"
	"errors"

	"github.com/arserver/arserver/internal/lock"
	v1 "github.com/arserver/arserver/pkg/api/v1"
	"github.com/arserver/arserver/pkg/rpc"
)

func (s *Server) registerLockHandlers() {
	s.register(rpc.ReqReadLock, userNeeded, s.handleReadLock)
	s.register(rpc.ReqWriteLock, userNeeded, s.handleWriteLock)
	s.register(rpc.ReqReadUnlock, userNeeded, s.handleReadUnlock)
	s.register(rpc.ReqWriteUnlock, userNeeded, s.handleWriteUnlock)
}

type lockArgs struct {
	ObjectID string `json:"objectId"`
	LockTree bool   `json:"lockTree,omitempty"`
}

// resolveLockID checks that a lock target names something the hub
// currently holds: a pseudo-id, a scene object or a project element.
func (s *Server) resolveLockID(id string) error {
	switch id {
	case lock.SceneID:
		if !s.scene.IsOpen() {
			return rpc.Preconditionf("Scene not opened.")
		}
		return nil
	case lock.ProjectID:
		if !s.project.IsOpen() {
			return rpc.Preconditionf("Project not opened.")
		}
		return nil
	}
	if _, err := s.scene.Object(id); err == nil {
		return nil
	}
	if s.project.IsOpen() {
		if _, err := s.project.ActionPoint(id); err == nil {
			return nil
		}
		if _, _, err := s.project.Action(id); err == nil {
			return nil
		}
		if _, _, err := s.project.Orientation(id); err == nil {
			return nil
		}
		if _, _, err := s.project.Joints(id); err == nil {
			return nil
		}
		if _, err := s.project.Constant(id); err == nil {
			return nil
		}
	}
	return rpc.Validationf("Unknown object id %s.", id)
}

func (s *Server) handleReadLock(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args lockArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if err := s.resolveLockID(args.ObjectID); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}
	if _, err := s.locks.ReadLock(ctx, []string{args.ObjectID}, rc.user); err != nil {
		return nil, lockError(args.ObjectID, err)
	}
	return nil, nil
}

func (s *Server) handleWriteLock(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args lockArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if err := s.resolveLockID(args.ObjectID); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}
	locked, err := s.locks.WriteLock(ctx, []string{args.ObjectID}, rc.user, args.LockTree)
	if err != nil {
		return nil, lockError(args.ObjectID, err)
	}
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtObjectsLocked, v1.ObjectsLockedData{
		ObjectIDs: locked,
		Owner:     rc.user,
	})))
	return nil, nil
}

func (s *Server) handleReadUnlock(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args lockArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}
	if _, err := s.locks.ReadUnlock([]string{args.ObjectID}, rc.user); err != nil {
		return nil, lockError(args.ObjectID, err)
	}
	return nil, nil
}

func (s *Server) handleWriteUnlock(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args lockArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}
	released, err := s.locks.WriteUnlock([]string{args.ObjectID}, rc.user)
	if err != nil {
		return nil, lockError(args.ObjectID, err)
	}
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtObjectsUnlocked, v1.ObjectsLockedData{
		ObjectIDs: released,
		Owner:     rc.user,
	})))
	return nil, nil
}

// lockError translates the manager's sentinel errors to client messages.
func lockError(id string, err error) error {
	switch {
	case errors.Is(err, lock.ErrCannotLock):
		return rpc.Lockingf("Cannot lock %s.", id)
	case errors.Is(err, lock.ErrCannotUnlock):
		return rpc.Lockingf("Cannot unlock %s.", id)
	default:
		return err
	}
}

// mustEvent unwraps event construction for payloads the hub controls.
func mustEvent(evt *rpc.Event, err error) *rpc.Event {
	if err != nil {
		panic(err)
	}
	return evt
}

// withWriteLock acquires a write lock for the handler's user, buffers
// the lock/unlock notifications around fn and releases on the way out.
func (s *Server) withWriteLock(ctx context.Context, rc *reqContext, id string, fn func() error) error {
	locked, err := s.locks.WriteLock(ctx, []string{id}, rc.user, false)
	if err != nil {
		return lockError(id, err)
	}
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtObjectsLocked, v1.ObjectsLockedData{
		ObjectIDs: locked,
		Owner:     rc.user,
	})))
	fnErr := fn()
	released, uerr := s.locks.WriteUnlock([]string{id}, rc.user)
	if uerr == nil {
		rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtObjectsUnlocked, v1.ObjectsLockedData{
			ObjectIDs: released,
			Owner:     rc.user,
		})))
	}
	return fnErr
}

// requireWriteLock asserts the user already holds a write lock on id.
func (s *Server) requireWriteLock(id, user string) error {
	if !s.locks.IsWriteLocked(id, user) {
		return rpc.Lockingf("Object is not write locked %s", id)
	}
	return nil
}

// releaseAfterEdit drops the user's write lock on an object that was
// just removed or finished editing and buffers the unlock event.
func (s *Server) releaseAfterEdit(rc *reqContext, id string) {
	released, err := s.locks.WriteUnlock([]string{id}, rc.user)
	if err != nil {
		return
	}
	rc.events.broadcast(mustEvent(rpc.NewEvent(rpc.EvtObjectsUnlocked, v1.ObjectsLockedData{
		ObjectIDs: released,
		Owner:     rc.user,
	})))
}
