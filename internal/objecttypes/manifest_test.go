package objecttypes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/arserver/arserver/pkg/api/v1"
)

func TestIntrospectManifest(t *testing.T) {
	pt, err := NewManifestIntrospector().Introspect(context.Background(), "Gripper", `{
		"base": "GenericWithPose",
		"description": "A two-finger gripper.",
		"settings": [{"name": "port", "type": "integer", "defaultValue": "502"}],
		"actions": [
			{"name": "grip", "parameters": [{"name": "force", "type": "double"}]},
			{"name": "release", "meta": {"blocking": true}}
		]
	}`)
	require.NoError(t, err)

	assert.Equal(t, "GenericWithPose", pt.Meta.Base)
	assert.Equal(t, "A two-finger gripper.", pt.Meta.Description)
	assert.True(t, pt.Meta.HasPose)
	require.Len(t, pt.Actions, 2)
	assert.Equal(t, "grip", pt.Actions[0].Name)
	assert.True(t, pt.Actions[1].Meta.Blocking)
	assert.Nil(t, pt.Features)
}

func TestIntrospectRobotFeatures(t *testing.T) {
	pt, err := NewManifestIntrospector().Introspect(context.Background(), "Arm", `{
		"base": "Robot",
		"features": {"moveToPose": true, "stop": true},
		"urdfPackageFilename": "arm.zip"
	}`)
	require.NoError(t, err)
	require.NotNil(t, pt.Features)
	assert.True(t, pt.Features.MoveToPose)
	assert.True(t, pt.Features.Stop)
	assert.False(t, pt.Features.MoveToJoints)
	assert.Equal(t, "arm.zip", pt.UrdfPackageFilename)
}

func TestIntrospectGenericHasNoPose(t *testing.T) {
	pt, err := NewManifestIntrospector().Introspect(context.Background(), "Logger", `{"base": "Generic"}`)
	require.NoError(t, err)
	assert.Equal(t, v1.BaseGeneric, pt.Meta.Base)
	assert.False(t, pt.Meta.HasPose)
}

func TestIntrospectRejections(t *testing.T) {
	intro := NewManifestIntrospector()
	ctx := context.Background()

	_, err := intro.Introspect(ctx, "Arm", "not json")
	assert.Error(t, err)

	_, err = intro.Introspect(ctx, "not_pascal", `{"base": "Generic"}`)
	assert.Error(t, err)

	_, err = intro.Introspect(ctx, "Arm", `{}`)
	assert.Error(t, err, "base is mandatory")

	_, err = intro.Introspect(ctx, "Arm", `{"base": "Robot", "actions": [{"name": "NotSnake"}]}`)
	assert.Error(t, err)

	_, err = intro.Introspect(ctx, "Arm", `{"base": "Robot", "actions": [{"name": "pick"}, {"name": "pick"}]}`)
	assert.Error(t, err, "duplicate action names")
}
