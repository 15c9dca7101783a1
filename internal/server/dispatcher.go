package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/arserver/arserver/internal/gateway/websocket"
	"github.com/arserver/arserver/pkg/rpc"
)

// handlerFlag tags a handler with the preconditions the dispatcher
// checks before running it.
type handlerFlag uint8

const (
	// userNeeded requires a registered user on the channel.
	userNeeded handlerFlag = 1 << iota
	// sceneNeeded requires an open scene.
	sceneNeeded
	// projectNeeded requires an open project.
	projectNeeded
	// sceneStarted requires the scene runtime to be started.
	sceneStarted
	// sceneStopped requires the scene runtime to be stopped.
	sceneStopped
)

// handlerFunc is one RPC handler. The returned value becomes the
// response data; a returned error becomes a failed response.
type handlerFunc func(ctx context.Context, rc *reqContext) (interface{}, error)

type handlerEntry struct {
	fn    handlerFunc
	flags handlerFlag
}

// reqContext carries one in-flight request through its handler.
type reqContext struct {
	req    *rpc.Request
	client *websocket.Client
	user   string
	dryRun bool
	events *eventBuffer
}

// parseArgs decodes the request args into v.
func (rc *reqContext) parseArgs(v interface{}) error {
	if err := rc.req.ParseArgs(v); err != nil {
		return rpc.Validationf("Invalid arguments: %s.", err.Error())
	}
	return nil
}

// queuedEvent is one notification waiting for the handler's response to
// be written first.
type queuedEvent struct {
	target  string
	exclude string
	evt     *rpc.Event
}

// eventBuffer collects the notifications a handler produces. The
// dispatcher flushes it only after the response frame is queued to the
// originating client, which keeps the per-channel response-before-event
// ordering.
type eventBuffer struct {
	queued []queuedEvent
	after  []func()
}

// broadcast queues an event for every connected client.
func (b *eventBuffer) broadcast(evt *rpc.Event) {
	b.queued = append(b.queued, queuedEvent{evt: evt})
}

// toClient queues an event for a single client.
func (b *eventBuffer) toClient(clientID string, evt *rpc.Event) {
	b.queued = append(b.queued, queuedEvent{target: clientID, evt: evt})
}

// deferAfter schedules fn to run after the response and the buffered
// events went out. Long-running work (scene start, robot moves) hangs
// its background task here.
func (b *eventBuffer) deferAfter(fn func()) {
	b.after = append(b.after, fn)
}

// register installs one handler in the dispatch table.
func (s *Server) register(name string, flags handlerFlag, fn handlerFunc) {
	s.handlers[name] = handlerEntry{fn: fn, flags: flags}
}

// Dispatch decodes preconditions, runs the handler and writes the
// response followed by the buffered notifications.
func (s *Server) Dispatch(ctx context.Context, c *websocket.Client, req *rpc.Request) {
	entry, ok := s.handlers[req.Request]
	if !ok {
		c.SendResponse(rpc.NewFailure(req.Request, req.ID, "Unknown request."))
		return
	}

	rc := &reqContext{
		req:    req,
		client: c,
		dryRun: req.DryRun,
		events: &eventBuffer{},
	}
	rc.user, _ = s.sessions.UserName(c.ID)

	if err := s.checkFlags(entry.flags, rc); err != nil {
		c.SendResponse(rpc.FailureResponse(req.Request, req.ID, err))
		return
	}

	data, err := entry.fn(ctx, rc)
	if err != nil {
		s.logHandlerError(req, err)
		c.SendResponse(rpc.FailureResponse(req.Request, req.ID, err))
	} else {
		resp, merr := rpc.NewResponse(req, data)
		if merr != nil {
			s.logger.Error("Failed to encode response",
				zap.String("request", req.Request),
				zap.Error(merr))
			c.SendResponse(rpc.NewFailure(req.Request, req.ID, "Internal server error."))
		} else {
			c.SendResponse(resp)
		}
	}

	// Lock events buffered by a failed handler still describe real
	// acquisitions and releases, so the buffer flushes on both paths.
	s.flush(ctx, rc)
}

// checkFlags evaluates the handler's precondition tags.
func (s *Server) checkFlags(flags handlerFlag, rc *reqContext) error {
	if flags&userNeeded != 0 && rc.user == "" {
		return rpc.Preconditionf("User is not registered.")
	}
	if flags&sceneNeeded != 0 && !s.scene.IsOpen() {
		return rpc.Preconditionf("Scene not opened.")
	}
	if flags&projectNeeded != 0 && !s.project.IsOpen() {
		return rpc.Preconditionf("Project not opened.")
	}
	if flags&sceneStarted != 0 && !s.engine.Started() {
		return rpc.Preconditionf("Scene offline.")
	}
	if flags&sceneStopped != 0 && !s.engine.Stopped() {
		return rpc.Preconditionf("Modifications can be only done offline.")
	}
	return nil
}

// flush publishes the buffered events and runs the deferred tasks.
func (s *Server) flush(ctx context.Context, rc *reqContext) {
	for _, q := range rc.events.queued {
		s.publish(ctx, q.target, q.exclude, q.evt)
	}
	for _, fn := range rc.events.after {
		fn()
	}
}

// logHandlerError logs a failed handler at a level matching the error
// kind: internal errors are bugs, the rest is expected traffic.
func (s *Server) logHandlerError(req *rpc.Request, err error) {
	e, ok := rpc.AsError(err)
	if ok && e.Kind == rpc.KindInternal {
		s.logger.Error("Handler failed",
			zap.String("request", req.Request),
			zap.Uint64("id", req.ID),
			zap.Error(err))
		return
	}
	if !ok && !errors.Is(err, context.Canceled) {
		s.logger.Warn("Handler failed",
			zap.String("request", req.Request),
			zap.Uint64("id", req.ID),
			zap.Error(err))
		return
	}
	s.logger.Debug("Request refused",
		zap.String("request", req.Request),
		zap.Uint64("id", req.ID),
		zap.Error(err))
}
