package objecttypes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arserver/arserver/internal/common/logger"
	v1 "github.com/arserver/arserver/pkg/api/v1"
)

type fakeSource struct {
	records []SourceRecord
}

func (f *fakeSource) ListObjectTypeSources(ctx context.Context) ([]SourceRecord, error) {
	return f.records, nil
}

func armManifest() string {
	return `{
		"base": "Robot",
		"description": "A six-axis arm.",
		"features": {"moveToPose": true, "moveToJoints": true},
		"actions": [
			{"name": "pick", "parameters": [{"name": "speed", "type": "double"}], "returns": ["boolean"]},
			{"name": "place"}
		]
	}`
}

func crateManifest() string {
	return `{"base": "CollisionObject"}`
}

func newTestRegistry(t *testing.T, records ...SourceRecord) *Registry {
	t.Helper()
	r := NewRegistry(&fakeSource{records: records}, NewManifestIntrospector(), logger.Default())
	require.NoError(t, r.Load(context.Background()))
	return r
}

func TestLoadAndGet(t *testing.T) {
	r := newTestRegistry(t,
		SourceRecord{Name: "Arm", Source: armManifest(), Modified: "2026-01-01T00:00:00Z"},
		SourceRecord{Name: "Crate", Source: crateManifest()},
	)

	ot, err := r.Get("Arm")
	require.NoError(t, err)
	assert.Equal(t, "Robot", ot.Meta.Base)
	assert.Equal(t, "2026-01-01T00:00:00Z", ot.Meta.Modified)
	assert.True(t, ot.IsRobot())
	assert.True(t, ot.Meta.HasPose)

	_, err = r.Get("Mystery")
	assert.ErrorIs(t, err, ErrUnknownType)

	// Built-in roots are seeded alongside the stored types.
	ot, err = r.Get(v1.BaseRobot)
	require.NoError(t, err)
	assert.True(t, ot.Meta.BuiltIn)
}

func TestLoadDisablesBrokenTypes(t *testing.T) {
	r := newTestRegistry(t,
		SourceRecord{Name: "Broken", Source: "not json"},
	)

	ot, err := r.Get("Broken")
	require.NoError(t, err, "disabled types stay visible")
	assert.True(t, ot.Meta.Disabled)
	assert.NotEmpty(t, ot.Meta.Problem)

	_, err = r.Actions("Broken")
	assert.ErrorIs(t, err, ErrTypeDisabled)
}

func TestLoadDisablesBrokenBaseChain(t *testing.T) {
	r := newTestRegistry(t,
		SourceRecord{Name: "Orphan", Source: `{"base": "Missing"}`},
	)

	ot, err := r.Get("Orphan")
	require.NoError(t, err)
	assert.True(t, ot.Meta.Disabled)
}

func TestActionsAndLookup(t *testing.T) {
	r := newTestRegistry(t, SourceRecord{Name: "Arm", Source: armManifest()})

	actions, err := r.Actions("Arm")
	require.NoError(t, err)
	assert.Len(t, actions, 2)

	a, err := r.Action("Arm", "pick")
	require.NoError(t, err)
	assert.Equal(t, []string{"boolean"}, a.Returns)

	_, err = r.Action("Arm", "fly")
	assert.Error(t, err)
}

func TestAncestorActionPropagation(t *testing.T) {
	r := newTestRegistry(t,
		SourceRecord{Name: "Arm", Source: armManifest()},
		SourceRecord{Name: "FancyArm", Source: `{
			"base": "Arm",
			"actions": [{"name": "wave"}]
		}`},
	)

	actions, err := r.Actions("FancyArm")
	require.NoError(t, err)

	names := map[string]string{}
	for _, a := range actions {
		names[a.Name] = a.Origins
	}
	assert.Contains(t, names, "wave")
	assert.Equal(t, "", names["wave"], "own actions carry no origin")
	assert.Equal(t, "Arm", names["pick"], "inherited actions record the ancestor")
	assert.Equal(t, "Arm", names["place"])

	family, err := r.BaseFamily("FancyArm")
	require.NoError(t, err)
	assert.Equal(t, v1.BaseRobot, family)
}

func TestRegisterRefusesDuplicatesAndUnknownBase(t *testing.T) {
	r := newTestRegistry(t, SourceRecord{Name: "Arm", Source: armManifest()})

	_, err := r.Register(context.Background(), SourceRecord{Name: "Arm", Source: armManifest()})
	assert.Error(t, err)

	_, err = r.Register(context.Background(), SourceRecord{Name: "Ghost", Source: `{"base": "Missing"}`})
	assert.Error(t, err)

	_, err = r.Register(context.Background(), SourceRecord{Name: "bad_name", Source: crateManifest()})
	assert.ErrorIs(t, err, ErrTypeDisabled, "introspection failure refuses registration")

	ot, err := r.Register(context.Background(), SourceRecord{Name: "Crate", Source: crateManifest()})
	require.NoError(t, err)
	assert.Equal(t, "Crate", ot.Meta.Type)
}

func TestRemoveRefusals(t *testing.T) {
	r := newTestRegistry(t,
		SourceRecord{Name: "Arm", Source: armManifest()},
		SourceRecord{Name: "FancyArm", Source: `{"base": "Arm"}`},
	)

	assert.Error(t, r.Remove(v1.BaseRobot), "built-ins are protected")
	assert.Error(t, r.Remove("Arm"), "a base of another type is protected")
	assert.ErrorIs(t, r.Remove("Mystery"), ErrUnknownType)

	require.NoError(t, r.Remove("FancyArm"))
	require.NoError(t, r.Remove("Arm"))
	_, err := r.Get("Arm")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestSetModel(t *testing.T) {
	r := newTestRegistry(t, SourceRecord{Name: "Crate", Source: crateManifest()})

	model := &v1.CollisionModel{
		Type: v1.ModelBox,
		Box:  &v1.Box{SizeX: 0.2, SizeY: 0.2, SizeZ: 0.2},
	}
	require.NoError(t, r.SetModel("Crate", model))

	ot, err := r.Get("Crate")
	require.NoError(t, err)
	assert.Equal(t, model, ot.Meta.ObjectModel)

	assert.Error(t, r.SetModel(v1.BaseCollisionObject, model))
	assert.ErrorIs(t, r.SetModel("Mystery", model), ErrUnknownType)
}

func TestRequiresPose(t *testing.T) {
	r := newTestRegistry(t,
		SourceRecord{Name: "Logger", Source: `{"base": "Generic"}`},
		SourceRecord{Name: "Crate", Source: crateManifest()},
	)

	needs, err := r.RequiresPose("Logger")
	require.NoError(t, err)
	assert.False(t, needs)

	needs, err = r.RequiresPose("Crate")
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestValidateSettings(t *testing.T) {
	r := newTestRegistry(t, SourceRecord{Name: "Camera", Source: `{
		"base": "GenericWithPose",
		"settings": [
			{"name": "url", "type": "string"},
			{"name": "fps", "type": "integer", "defaultValue": "30"}
		]
	}`})

	err := r.ValidateSettings("Camera", []v1.Parameter{
		{Name: "url", Type: "string", Value: `"rtsp://cam"`},
	})
	assert.NoError(t, err, "defaulted settings may be omitted")

	err = r.ValidateSettings("Camera", nil)
	assert.Error(t, err, "url has no default")

	err = r.ValidateSettings("Camera", []v1.Parameter{
		{Name: "url", Type: "integer", Value: "1"},
	})
	assert.Error(t, err, "declared type must match")

	err = r.ValidateSettings("Camera", []v1.Parameter{
		{Name: "url", Type: "string", Value: `"rtsp://cam"`},
		{Name: "zoom", Type: "double", Value: "2"},
	})
	assert.Error(t, err, "unknown parameter")
}

func TestRobotMeta(t *testing.T) {
	r := newTestRegistry(t,
		SourceRecord{Name: "Arm", Source: armManifest()},
		SourceRecord{Name: "Crate", Source: crateManifest()},
	)

	meta, err := r.RobotMeta("Arm")
	require.NoError(t, err)
	assert.True(t, meta.Features.MoveToPose)
	assert.True(t, meta.Features.MoveToJoints)

	_, err = r.RobotMeta("Crate")
	assert.Error(t, err)
}
