package rpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind(t *testing.T) {
	kind, id := Kind([]byte(`{"request": "GetScene", "id": 7}`))
	assert.Equal(t, FrameRequest, kind)
	assert.Equal(t, uint64(7), id)

	kind, id = Kind([]byte(`{"response": "GetScene", "id": 7, "result": true}`))
	assert.Equal(t, FrameResponse, kind)
	assert.Equal(t, uint64(7), id)

	kind, _ = Kind([]byte(`{"event": "SceneChanged"}`))
	assert.Equal(t, FrameEvent, kind)

	kind, _ = Kind([]byte(`{"something": "else"}`))
	assert.Equal(t, FrameUnknown, kind)

	kind, _ = Kind([]byte(`not json`))
	assert.Equal(t, FrameUnknown, kind)
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"request": "OpenScene", "id": 3, "args": {"id": "scene-1"}, "dryRun": true}`))
	require.NoError(t, err)
	assert.Equal(t, "OpenScene", req.Request)
	assert.Equal(t, uint64(3), req.ID)
	assert.True(t, req.DryRun)

	var args struct {
		ID string `json:"id"`
	}
	require.NoError(t, req.ParseArgs(&args))
	assert.Equal(t, "scene-1", args.ID)

	_, err = DecodeRequest([]byte(`{"id": 3}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestParseArgsWithoutArgs(t *testing.T) {
	req := &Request{Request: "ListScenes", ID: 1}
	var args struct{}
	assert.NoError(t, req.ParseArgs(&args))
}

func TestNewResponse(t *testing.T) {
	req := &Request{Request: "GetScene", ID: 9}

	resp, err := NewResponse(req, map[string]string{"id": "scene-1"})
	require.NoError(t, err)
	assert.True(t, resp.Result)
	assert.Equal(t, "GetScene", resp.Response)
	assert.Equal(t, uint64(9), resp.ID)
	assert.JSONEq(t, `{"id": "scene-1"}`, string(resp.Data))

	resp, err = NewResponse(req, nil)
	require.NoError(t, err)
	assert.Nil(t, resp.Data)
}

func TestNewFailure(t *testing.T) {
	resp := NewFailure("OpenScene", 4, "Scene not found.")
	assert.False(t, resp.Result)
	assert.Equal(t, []string{"Scene not found."}, resp.Messages)
}

func TestChangeEvent(t *testing.T) {
	evt, err := NewChangeEvent("SceneObjectChanged", ChangeUpdate, map[string]string{"id": "obj-1"})
	require.NoError(t, err)
	assert.Equal(t, ChangeUpdate, evt.ChangeType)

	var data struct {
		ID string `json:"id"`
	}
	require.NoError(t, evt.ParseData(&data))
	assert.Equal(t, "obj-1", data.ID)
}

func TestFailureResponseKinds(t *testing.T) {
	resp := FailureResponse("StartScene", 1, Preconditionf("Scene not opened."))
	assert.Equal(t, []string{"Scene not opened."}, resp.Messages)

	resp = FailureResponse("StartScene", 1, Internalf("nil engine"))
	assert.Equal(t, []string{"Internal server error."}, resp.Messages,
		"internal detail stays out of the wire")

	resp = FailureResponse("StartScene", 1, External("Scene service", errors.New("connection refused")))
	assert.Equal(t, []string{"Scene service: connection refused"}, resp.Messages)

	resp = FailureResponse("StartScene", 1, errors.New("plain"))
	assert.Equal(t, []string{"plain"}, resp.Messages)
}

func TestAsErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := External("Build service", cause)
	assert.ErrorIs(t, err, cause)

	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindExternal, e.Kind)

	_, ok = AsError(errors.New("plain"))
	assert.False(t, ok)
}
