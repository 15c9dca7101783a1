package project

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/arserver/arserver/pkg/api/v1"
)

// fakeActions resolves "Type/action" keys to signatures.
type fakeActions map[string]*v1.ObjectAction

func (f fakeActions) Action(typeName, actionName string) (*v1.ObjectAction, error) {
	if a, ok := f[typeName+"/"+actionName]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("type %s has no action %s", typeName, actionName)
}

func validScene() *v1.Scene {
	return &v1.Scene{
		ID:   "scene-1",
		Name: "workbench",
		Objects: []v1.SceneObject{
			{ID: "obj-1", Name: "robot", Type: "Arm", Pose: &v1.Pose{}},
		},
	}
}

func validTypes() fakeActions {
	return fakeActions{
		"Arm/pick": {
			Name: "pick",
			Parameters: []v1.ParameterMeta{
				{Name: "speed", Type: "double"},
			},
			Returns: []string{"boolean"},
		},
		"Arm/place": {
			Name: "place",
			Parameters: []v1.ParameterMeta{
				{Name: "ok", Type: "boolean"},
			},
		},
	}
}

func validProject() *v1.Project {
	return &v1.Project{
		ID:      "proj-1",
		Name:    "demo",
		SceneID: "scene-1",
		ActionPoints: []v1.ActionPoint{
			{
				ID: "ap-1", Name: "home",
				Actions: []v1.Action{
					{
						ID: "act-1", Name: "pick", Type: "obj-1/pick",
						Parameters: []v1.ActionParameter{{Name: "speed", Type: "double", Value: "0.5"}},
						Flows:      []v1.Flow{{Type: v1.DefaultFlow, Outputs: []string{"picked"}}},
					},
				},
			},
		},
		Logic: []v1.LogicItem{
			{ID: "log-1", Start: v1.LogicStart, End: "act-1"},
			{ID: "log-2", Start: "act-1/default/0", End: v1.LogicEnd},
		},
	}
}

func TestProblemsValidProject(t *testing.T) {
	assert.Empty(t, Problems(validProject(), validScene(), validTypes()))
}

func TestProblemsSceneMismatch(t *testing.T) {
	p := validProject()
	p.SceneID = "scene-9"
	problems := Problems(p, validScene(), validTypes())
	require.Len(t, problems, 1)
	assert.Equal(t, "Project is bound to scene scene-9 which is not available.", problems[0])
}

func TestProblemsUnknownSceneObject(t *testing.T) {
	p := validProject()
	p.ActionPoints[0].Actions[0].Type = "obj-9/pick"
	problems := Problems(p, validScene(), validTypes())
	assert.Contains(t, problems, "Action pick references unknown scene object obj-9.")
}

func TestProblemsUnknownActionPointParent(t *testing.T) {
	p := validProject()
	p.ActionPoints[0].Parent = "obj-9"
	problems := Problems(p, validScene(), validTypes())
	assert.Contains(t, problems, "Action point home has unknown parent obj-9.")
}

func TestProblemsMissingParameter(t *testing.T) {
	p := validProject()
	p.ActionPoints[0].Actions[0].Parameters = nil
	problems := Problems(p, validScene(), validTypes())
	assert.Contains(t, problems, "Action pick is missing parameter speed.")
}

func TestProblemsValueTypeMismatch(t *testing.T) {
	p := validProject()
	p.ActionPoints[0].Actions[0].Parameters[0].Value = `"fast"`
	problems := Problems(p, validScene(), validTypes())
	assert.Contains(t, problems, "Action pick parameter speed: value does not match type double.")
}

func TestProblemsLinkTypeMismatch(t *testing.T) {
	p := validProject()
	p.ActionPoints[0].Actions = append(p.ActionPoints[0].Actions, v1.Action{
		ID: "act-2", Name: "place", Type: "obj-1/place",
		Parameters: []v1.ActionParameter{
			// The output at act-1/default/0 is boolean, which matches.
			{Name: "ok", Type: v1.ParamKindLink, Value: `"act-1/default/0"`},
		},
	})
	assert.Empty(t, Problems(p, validScene(), validTypes()))

	p.ActionPoints[0].Actions[0].Flows[0].Outputs = nil
	problems := Problems(p, validScene(), validTypes())
	assert.Contains(t, problems, `Action place parameter ok links to unknown output "act-1/default/0".`)
}

func TestProblemsLinkOutputTypeMismatch(t *testing.T) {
	types := validTypes()
	types["Arm/pick"].Returns = []string{"double"}
	p := validProject()
	p.ActionPoints[0].Actions = append(p.ActionPoints[0].Actions, v1.Action{
		ID: "act-2", Name: "place", Type: "obj-1/place",
		Parameters: []v1.ActionParameter{
			{Name: "ok", Type: v1.ParamKindLink, Value: `"act-1/default/0"`},
		},
	})
	problems := Problems(p, validScene(), types)
	assert.Contains(t, problems, "Param type does not match action output type.")
}

func TestProblemsConstantChecks(t *testing.T) {
	p := validProject()
	p.Constants = []v1.ProjectConstant{
		{ID: "const-1", Name: "slow", Type: "boolean", Value: "true"},
	}
	p.ActionPoints[0].Actions[0].Parameters[0] = v1.ActionParameter{
		Name: "speed", Type: v1.ParamKindConstant, Value: `"const-1"`,
	}
	problems := Problems(p, validScene(), validTypes())
	assert.Contains(t, problems,
		"Action pick parameter speed: constant slow has type boolean, expected double.")

	p.ActionPoints[0].Actions[0].Parameters[0].Value = `"const-9"`
	problems = Problems(p, validScene(), validTypes())
	assert.Contains(t, problems, "Action pick parameter speed references unknown constant.")
}

func TestProblemsDuplicateOutputNames(t *testing.T) {
	p := validProject()
	p.ActionPoints[0].Actions = append(p.ActionPoints[0].Actions, v1.Action{
		ID: "act-2", Name: "place", Type: "obj-1/place",
		Parameters: []v1.ActionParameter{{Name: "ok", Type: "boolean", Value: "true"}},
		Flows:      []v1.Flow{{Type: v1.DefaultFlow, Outputs: []string{"picked"}}},
	})
	problems := Problems(p, validScene(), validTypes())
	assert.Contains(t, problems, `Output "picked" of action place collides with action pick.`)
}

func TestProblemsLogicEdges(t *testing.T) {
	p := validProject()
	p.Logic = append(p.Logic, v1.LogicItem{ID: "log-9", Start: "act-9/default/0", End: "act-8"})
	problems := Problems(p, validScene(), validTypes())
	assert.Contains(t, problems, "Logic item log-9 starts from unknown action act-9.")
	assert.Contains(t, problems, "Logic item log-9 ends at unknown action act-8.")
}

func TestExecutable(t *testing.T) {
	p := validProject()
	assert.True(t, Executable(p))

	// No logic at all.
	assert.False(t, Executable(&v1.Project{}))

	// Two START edges.
	p2 := validProject()
	p2.Logic = append(p2.Logic, v1.LogicItem{ID: "log-9", Start: v1.LogicStart, End: "act-1"})
	assert.False(t, Executable(p2))

	// END unreachable.
	p3 := validProject()
	p3.Logic = p3.Logic[:1]
	assert.False(t, Executable(p3))
}

func TestExecutableBranchCoverage(t *testing.T) {
	branch := func(val string, end string, id string) v1.LogicItem {
		return v1.LogicItem{
			ID: id, Start: "act-1/default/0", End: end,
			Condition: &v1.LogicCondition{What: "act-1/default/0", Value: val},
		}
	}

	p := validProject()
	p.Logic = []v1.LogicItem{
		{ID: "log-1", Start: v1.LogicStart, End: "act-1"},
		branch("true", v1.LogicEnd, "log-2"),
	}
	assert.False(t, Executable(p), "lone conditioned branch is not covered")

	p.Logic = append(p.Logic, branch("false", v1.LogicEnd, "log-3"))
	assert.True(t, Executable(p), "both boolean values covered")
}

func TestValueMatchesType(t *testing.T) {
	assert.True(t, ValueMatchesType("string", `"hi"`))
	assert.False(t, ValueMatchesType("string", `1`))
	assert.True(t, ValueMatchesType("integer", `3`))
	assert.False(t, ValueMatchesType("integer", `3.5`))
	assert.True(t, ValueMatchesType("double", `3.5`))
	assert.True(t, ValueMatchesType("boolean", `true`))
	assert.False(t, ValueMatchesType("boolean", `"true"`))
	assert.True(t, ValueMatchesType("pose", `"ori-1"`))
	assert.False(t, ValueMatchesType("double", `not json`))
	assert.True(t, ValueMatchesType("custom_blob", `{"a":1}`), "unknown types accept any JSON")
}
