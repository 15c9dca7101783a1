package scene

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/arserver/arserver/pkg/api/v1"
)

func testScene() *v1.Scene {
	return &v1.Scene{
		ID:   "scene-1",
		Name: "workbench",
		Objects: []v1.SceneObject{
			{ID: "obj-1", Name: "table", Type: "Table", Pose: &v1.Pose{}},
			{ID: "obj-2", Name: "robot", Type: "Arm", Pose: &v1.Pose{}},
		},
	}
}

func TestStateOpenClose(t *testing.T) {
	s := NewState()
	assert.False(t, s.IsOpen())
	_, err := s.Snapshot()
	assert.ErrorIs(t, err, ErrNoScene)

	s.Open(testScene())
	assert.True(t, s.IsOpen())
	id, err := s.ID()
	require.NoError(t, err)
	assert.Equal(t, "scene-1", id)

	s.Close()
	assert.False(t, s.IsOpen())
}

func TestUpsertObject(t *testing.T) {
	s := NewState()
	s.Open(testScene())

	err := s.UpsertObject(v1.SceneObject{ID: "obj-3", Name: "gripper", Type: "Gripper"})
	require.NoError(t, err)
	obj, err := s.Object("obj-3")
	require.NoError(t, err)
	assert.Equal(t, "gripper", obj.Name)

	err = s.UpsertObject(v1.SceneObject{ID: "obj-4", Name: "table", Type: "Table"})
	assert.Error(t, err, "name collision")

	err = s.UpsertObject(v1.SceneObject{ID: "obj-5", Name: "NotSnake", Type: "Table"})
	assert.Error(t, err)

	// Updating an existing object keeps its name without tripping the
	// collision check.
	err = s.UpsertObject(v1.SceneObject{ID: "obj-1", Name: "table", Type: "Table"})
	assert.NoError(t, err)
}

func TestRemoveObject(t *testing.T) {
	s := NewState()
	s.Open(testScene())

	removed, err := s.RemoveObject("obj-1")
	require.NoError(t, err)
	assert.Equal(t, "table", removed.Name)

	_, err = s.Object("obj-1")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	// The index survives the removal.
	obj, err := s.Object("obj-2")
	require.NoError(t, err)
	assert.Equal(t, "robot", obj.Name)
}

func TestUpdatePoseTracking(t *testing.T) {
	s := NewState()
	sc := testScene()
	sc.Objects = append(sc.Objects, v1.SceneObject{ID: "obj-np", Name: "counter", Type: "Counter"})
	s.Open(sc)

	_, err := s.UpdatePose("obj-1", v1.Pose{Position: v1.Position{X: 1}})
	require.NoError(t, err)
	assert.Equal(t, []string{"obj-1"}, s.ObjectsWithUpdatedPose())

	_, err = s.UpdatePose("obj-np", v1.Pose{})
	assert.Error(t, err, "object without pose")

	require.NoError(t, s.MarkSaved(time.Now().UTC()))
	assert.Empty(t, s.ObjectsWithUpdatedPose())
}

func TestHasChanges(t *testing.T) {
	s := NewState()
	s.Open(testScene())
	assert.False(t, s.HasChanges())

	require.NoError(t, s.Rename("bench"))
	assert.True(t, s.HasChanges())

	require.NoError(t, s.MarkSaved(time.Now().UTC().Add(time.Second)))
	assert.False(t, s.HasChanges())
}

func TestRenameObjectCollision(t *testing.T) {
	s := NewState()
	s.Open(testScene())

	_, err := s.RenameObject("obj-2", "table")
	assert.Error(t, err)

	obj, err := s.RenameObject("obj-2", "arm")
	require.NoError(t, err)
	assert.Equal(t, "arm", obj.Name)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewState()
	s.Open(testScene())

	snap, err := s.Snapshot()
	require.NoError(t, err)
	snap.Objects[0].Name = "mutated"

	obj, err := s.Object("obj-1")
	require.NoError(t, err)
	assert.Equal(t, "table", obj.Name)
}
