package project

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/arserver/arserver/pkg/api/v1"
)

// testPoses resolves the scene objects the test project hangs APs on.
func testPoses(objectID string) (*v1.Pose, error) {
	if objectID == "obj-1" {
		return &v1.Pose{
			Position:    v1.Position{X: 1, Y: 1},
			Orientation: v1.IdentityOrientation(),
		}, nil
	}
	return nil, fmt.Errorf("unknown object %s", objectID)
}

// testProject is stored in the parent-relative disk form.
func testProject() *v1.Project {
	return &v1.Project{
		ID:      "proj-1",
		Name:    "demo",
		SceneID: "scene-1",
		ActionPoints: []v1.ActionPoint{
			{ID: "ap-global", Name: "global", Position: v1.Position{X: 1}},
			{ID: "ap-child", Name: "child", Parent: "obj-1", Position: v1.Position{X: 0.1}},
			{ID: "ap-grand", Name: "grand", Parent: "ap-child", Position: v1.Position{Y: 0.2}},
		},
	}
}

func openTestProject(t *testing.T) *State {
	t.Helper()
	s := NewState()
	require.NoError(t, s.Open(testProject(), testPoses))
	return s
}

func TestOpenConvertsToAbsolute(t *testing.T) {
	s := openTestProject(t)

	ap, err := s.ActionPoint("ap-child")
	require.NoError(t, err)
	assert.InDelta(t, 1.1, ap.Position.X, 1e-9)
	assert.InDelta(t, 1.0, ap.Position.Y, 1e-9)

	// Grandchild resolves through the child's absolute position.
	ap, err = s.ActionPoint("ap-grand")
	require.NoError(t, err)
	assert.InDelta(t, 1.1, ap.Position.X, 1e-9)
	assert.InDelta(t, 1.2, ap.Position.Y, 1e-9)

	ap, err = s.ActionPoint("ap-global")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, ap.Position.X, 1e-9)
}

func TestSnapshotConvertsBackToRelative(t *testing.T) {
	s := openTestProject(t)

	snap, err := s.Snapshot(testPoses)
	require.NoError(t, err)

	byID := map[string]v1.ActionPoint{}
	for _, ap := range snap.ActionPoints {
		byID[ap.ID] = ap
	}
	assert.InDelta(t, 0.1, byID["ap-child"].Position.X, 1e-9)
	assert.InDelta(t, 0.0, byID["ap-child"].Position.Y, 1e-9)
	assert.InDelta(t, 0.2, byID["ap-grand"].Position.Y, 1e-9)

	// The snapshot is detached from the live state.
	snap.ActionPoints[0].Name = "mutated"
	ap, err := s.ActionPoint(snap.ActionPoints[0].ID)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", ap.Name)
}

func TestUpsertActionPointUniqueNames(t *testing.T) {
	s := openTestProject(t)

	err := s.UpsertActionPoint(v1.ActionPoint{ID: "ap-new", Name: "global"})
	assert.Error(t, err, "name collision")

	require.NoError(t, s.UpsertActionPoint(v1.ActionPoint{ID: "ap-new", Name: "fresh"}))
	ap, err := s.ActionPoint("ap-new")
	require.NoError(t, err)
	assert.Equal(t, "fresh", ap.Name)

	// Replacing an AP under its own name is fine.
	require.NoError(t, s.UpsertActionPoint(v1.ActionPoint{ID: "ap-new", Name: "fresh", Position: v1.Position{Z: 1}}))
}

func TestRemoveActionPointCascades(t *testing.T) {
	s := openTestProject(t)
	require.NoError(t, s.UpsertAction("ap-grand", v1.Action{ID: "act-1", Name: "pick", Type: "obj-1/pick"}))

	removed, err := s.RemoveActionPoint("ap-child")
	require.NoError(t, err)
	assert.Equal(t, "child", removed.Name)

	_, err = s.ActionPoint("ap-grand")
	assert.ErrorIs(t, err, ErrNotFound, "child APs go with the parent")
	_, _, err = s.Action("act-1")
	assert.ErrorIs(t, err, ErrNotFound, "owned entities go too")

	_, err = s.ActionPoint("ap-global")
	assert.NoError(t, err)
}

func TestUpdatePositionInvalidatesSubtreeJoints(t *testing.T) {
	s := openTestProject(t)
	require.NoError(t, s.UpsertJoints("ap-child", v1.RobotJoints{ID: "jnt-1", Name: "default", IsValid: true}))
	require.NoError(t, s.UpsertJoints("ap-grand", v1.RobotJoints{ID: "jnt-2", Name: "default", IsValid: true}))
	require.NoError(t, s.UpsertJoints("ap-global", v1.RobotJoints{ID: "jnt-3", Name: "default", IsValid: true}))

	_, err := s.UpdatePosition("ap-child", v1.Position{X: 2})
	require.NoError(t, err)

	j, _, err := s.Joints("jnt-1")
	require.NoError(t, err)
	assert.False(t, j.IsValid)
	j, _, err = s.Joints("jnt-2")
	require.NoError(t, err)
	assert.False(t, j.IsValid)
	j, _, err = s.Joints("jnt-3")
	require.NoError(t, err)
	assert.True(t, j.IsValid, "unrelated AP keeps its snapshot")
}

func TestInvalidateJointsForObject(t *testing.T) {
	s := openTestProject(t)
	require.NoError(t, s.UpsertJoints("ap-grand", v1.RobotJoints{ID: "jnt-1", Name: "default", IsValid: true}))

	touched := s.InvalidateJointsForObject("obj-1")
	assert.Equal(t, []string{"ap-grand"}, touched)

	// Already-invalid snapshots do not report again.
	assert.Empty(t, s.InvalidateJointsForObject("obj-1"))
}

func TestOrientationOwnership(t *testing.T) {
	s := openTestProject(t)

	require.NoError(t, s.UpsertOrientation("ap-child", v1.NamedOrientation{ID: "ori-1", Name: "default"}))
	err := s.UpsertOrientation("ap-child", v1.NamedOrientation{ID: "ori-2", Name: "default"})
	assert.Error(t, err, "names are unique per AP")

	_, apID, err := s.Orientation("ori-1")
	require.NoError(t, err)
	assert.Equal(t, "ap-child", apID)

	require.NoError(t, s.RemoveOrientation("ori-1"))
	_, _, err = s.Orientation("ori-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActionNamesUniquePerProject(t *testing.T) {
	s := openTestProject(t)

	require.NoError(t, s.UpsertAction("ap-child", v1.Action{ID: "act-1", Name: "pick", Type: "obj-1/pick"}))
	err := s.UpsertAction("ap-global", v1.Action{ID: "act-2", Name: "pick", Type: "obj-1/pick"})
	assert.Error(t, err, "unique across APs, not just within one")

	_, apID, err := s.Action("act-1")
	require.NoError(t, err)
	assert.Equal(t, "ap-child", apID)

	require.NoError(t, s.RemoveAction("act-1"))
	assert.ErrorIs(t, s.RemoveAction("act-1"), ErrNotFound)
}

func TestLogicRules(t *testing.T) {
	s := openTestProject(t)

	require.NoError(t, s.UpsertLogicItem(v1.LogicItem{ID: "log-1", Start: v1.LogicStart, End: "act-1"}))
	err := s.UpsertLogicItem(v1.LogicItem{ID: "log-2", Start: v1.LogicStart, End: "act-2"})
	assert.Error(t, err, "only one START edge")

	require.NoError(t, s.UpsertLogicItem(v1.LogicItem{ID: "log-3", Start: "act-1/default/0", End: "act-2"}))
	err = s.UpsertLogicItem(v1.LogicItem{ID: "log-4", Start: "act-1/default/0", End: "act-3"})
	assert.Error(t, err, "output already connected")

	// A different condition on the same output is a separate branch.
	require.NoError(t, s.UpsertLogicItem(v1.LogicItem{
		ID: "log-5", Start: "act-1/default/0", End: "act-3",
		Condition: &v1.LogicCondition{What: "act-1/default/0", Value: "false"},
	}))

	s.RemoveLogicFor("act-1")
	remaining := s.Logic()
	require.Len(t, remaining, 1)
	assert.Equal(t, "log-1", remaining[0].ID, "START edge does not touch act-1 as source")
}

func TestConstantReferenceProtection(t *testing.T) {
	s := openTestProject(t)

	require.NoError(t, s.UpsertConstant(v1.ProjectConstant{ID: "const-1", Name: "speed", Type: "double", Value: "0.5"}))
	err := s.UpsertConstant(v1.ProjectConstant{ID: "const-2", Name: "speed", Type: "double", Value: "1"})
	assert.Error(t, err, "constant names are unique")

	require.NoError(t, s.UpsertAction("ap-child", v1.Action{
		ID: "act-1", Name: "move", Type: "obj-1/move",
		Parameters: []v1.ActionParameter{
			{Name: "speed", Type: v1.ParamKindConstant, Value: `"const-1"`},
		},
	}))

	err = s.RemoveConstant("const-1")
	assert.Error(t, err, "referenced by an action parameter")

	require.NoError(t, s.RemoveAction("act-1"))
	require.NoError(t, s.RemoveConstant("const-1"))
	_, err = s.Constant("const-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOverrides(t *testing.T) {
	s := openTestProject(t)

	params := []v1.Parameter{{Name: "port", Type: "integer", Value: "80"}}
	require.NoError(t, s.SetOverrides("obj-1", params))
	assert.Equal(t, params, s.Overrides("obj-1"))

	all := s.AllOverrides()
	require.Contains(t, all, "obj-1")

	require.NoError(t, s.SetOverrides("obj-1", nil))
	assert.Nil(t, s.Overrides("obj-1"), "empty list removes the entry")
}

func TestOverridesReturnsDetachedCopies(t *testing.T) {
	s := openTestProject(t)

	stored := []v1.Parameter{
		{Name: "host", Type: "string", Value: `"db"`},
		{Name: "port", Type: "integer", Value: "80"},
	}
	require.NoError(t, s.SetOverrides("obj-1", stored))

	// An in-place write on the returned slice must not reach state.
	params := s.Overrides("obj-1")
	params[1].Value = "9999"
	assert.Equal(t, "80", s.Overrides("obj-1")[1].Value)

	// Neither must compacting into the same backing array.
	params = s.Overrides("obj-1")
	kept := params[:0]
	for _, p := range params {
		if p.Name == "host" {
			continue
		}
		kept = append(kept, p)
	}
	got := s.Overrides("obj-1")
	require.Len(t, got, 2)
	assert.Equal(t, "host", got[0].Name)
	assert.Equal(t, "port", got[1].Name)

	all := s.AllOverrides()
	all["obj-1"][0].Value = `"other"`
	assert.Equal(t, `"db"`, s.Overrides("obj-1")[0].Value)
}

func TestClosure(t *testing.T) {
	s := openTestProject(t)
	require.NoError(t, s.UpsertAction("ap-grand", v1.Action{ID: "act-1", Name: "pick", Type: "obj-1/pick"}))
	require.NoError(t, s.UpsertOrientation("ap-child", v1.NamedOrientation{ID: "ori-1", Name: "default"}))

	assert.ElementsMatch(t, []string{"ap-child", "ap-grand", "act-1", "ori-1"}, s.Closure("ap-child"))
	assert.Equal(t, []string{"ap-global"}, s.Closure("ap-global"))

	// Non-AP ids pass through untouched, with or without a project open.
	assert.Equal(t, []string{"obj-9"}, s.Closure("obj-9"))
	s.Close()
	assert.Equal(t, []string{"ap-child"}, s.Closure("ap-child"))
}

func TestHasChangesAndMarkSaved(t *testing.T) {
	s := openTestProject(t)
	assert.False(t, s.HasChanges())

	require.NoError(t, s.UpsertConstant(v1.ProjectConstant{ID: "const-1", Name: "speed", Type: "double", Value: "1"}))
	assert.True(t, s.HasChanges())

	require.NoError(t, s.MarkSaved(time.Now().UTC().Add(time.Second)))
	assert.False(t, s.HasChanges())
}

func TestUsesObject(t *testing.T) {
	s := openTestProject(t)
	require.NoError(t, s.UpsertAction("ap-global", v1.Action{ID: "act-1", Name: "pick", Type: "obj-2/pick"}))

	assert.True(t, s.UsesObject("obj-1"), "AP parent")
	assert.True(t, s.UsesObject("obj-2"), "action type")
	assert.False(t, s.UsesObject("obj-9"))
}
