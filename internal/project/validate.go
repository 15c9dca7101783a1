package project

import (
	"encoding/json"
	"fmt"
	"strings"

	v1 "github.com/arserver/arserver/pkg/api/v1"
)

// ActionLookup resolves a type action signature; satisfied by the
// object-type registry.
type ActionLookup interface {
	Action(typeName, actionName string) (*v1.ObjectAction, error)
}

// Problems validates a project against its scene and the type registry
// and returns every problem found. An empty result means the project is
// valid.
func Problems(p *v1.Project, scene *v1.Scene, types ActionLookup) []string {
	var problems []string
	note := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if scene == nil || p.SceneID != scene.ID {
		note("Project is bound to scene %s which is not available.", p.SceneID)
		return problems
	}

	actions := make(map[string]v1.Action)
	outputs := make(map[string]string) // "actionId/flow/index" -> output type
	outputNames := make(map[string]string)

	for _, ap := range p.ActionPoints {
		if ap.Parent != "" && !parentKnown(p, scene, ap.Parent) {
			note("Action point %s has unknown parent %s.", ap.Name, ap.Parent)
		}
		for _, a := range ap.Actions {
			actions[a.ID] = a
			objID, actName, err := a.ParseType()
			if err != nil {
				note("Action %s: %v.", a.Name, err)
				continue
			}
			obj := scene.Object(objID)
			if obj == nil {
				note("Action %s references unknown scene object %s.", a.Name, objID)
				continue
			}
			meta, err := types.Action(obj.Type, actName)
			if err != nil {
				note("Action %s: %v.", a.Name, err)
				continue
			}
			if meta.Disabled {
				note("Action %s uses disabled type action %s/%s.", a.Name, obj.Type, actName)
			}
			for _, flow := range a.Flows {
				for i, out := range flow.Outputs {
					if !v1.IsSnakeCase(out) {
						note("Output %q of action %s is not a valid identifier.", out, a.Name)
					}
					if prev, dup := outputNames[out]; dup {
						note("Output %q of action %s collides with action %s.", out, a.Name, prev)
					} else {
						outputNames[out] = a.Name
					}
					key := fmt.Sprintf("%s/%s/%d", a.ID, flow.Type, i)
					if i < len(meta.Returns) {
						outputs[key] = meta.Returns[i]
					}
				}
			}
		}
	}

	// Second pass: parameters need the full output map.
	for _, ap := range p.ActionPoints {
		for _, a := range ap.Actions {
			objID, actName, err := a.ParseType()
			if err != nil {
				continue
			}
			obj := scene.Object(objID)
			if obj == nil {
				continue
			}
			meta, err := types.Action(obj.Type, actName)
			if err != nil {
				continue
			}
			checkParameters(p, a, meta, outputs, note)
		}
	}

	for _, l := range p.Logic {
		checkLogicEdge(l, actions, outputs, note)
	}

	return problems
}

// checkParameters verifies an action's parameters against the declared
// signature, including link and constant resolution.
func checkParameters(p *v1.Project, a v1.Action, meta *v1.ObjectAction, outputs map[string]string, note func(string, ...interface{})) {
	declared := make(map[string]v1.ParameterMeta, len(meta.Parameters))
	for _, pm := range meta.Parameters {
		declared[pm.Name] = pm
	}
	supplied := make(map[string]bool, len(a.Parameters))

	for _, param := range a.Parameters {
		pm, ok := declared[param.Name]
		if !ok {
			note("Action %s has unknown parameter %s.", a.Name, param.Name)
			continue
		}
		supplied[param.Name] = true
		switch param.Type {
		case v1.ParamKindLink:
			outType, ok := outputs[unquoted(param.Value)]
			if !ok {
				note("Action %s parameter %s links to unknown output %s.", a.Name, param.Name, param.Value)
			} else if outType != pm.Type {
				note("Param type does not match action output type.")
			}
		case v1.ParamKindConstant:
			found := false
			for _, c := range p.Constants {
				if c.ID == unquoted(param.Value) {
					found = true
					if c.Type != pm.Type {
						note("Action %s parameter %s: constant %s has type %s, expected %s.",
							a.Name, param.Name, c.Name, c.Type, pm.Type)
					}
					break
				}
			}
			if !found {
				note("Action %s parameter %s references unknown constant.", a.Name, param.Name)
			}
		default:
			if !ValueMatchesType(pm.Type, param.Value) {
				note("Action %s parameter %s: value does not match type %s.", a.Name, param.Name, pm.Type)
			}
		}
	}

	for _, pm := range meta.Parameters {
		if pm.DefaultValue == "" && !supplied[pm.Name] {
			note("Action %s is missing parameter %s.", a.Name, pm.Name)
		}
	}
}

// checkLogicEdge verifies one edge of the logic graph.
func checkLogicEdge(l v1.LogicItem, actions map[string]v1.Action, outputs map[string]string, note func(string, ...interface{})) {
	if !l.StartsFromStart() {
		if _, ok := actions[l.StartActionID()]; !ok {
			note("Logic item %s starts from unknown action %s.", l.ID, l.StartActionID())
		}
	}
	if l.End != v1.LogicEnd {
		if _, ok := actions[l.End]; !ok {
			note("Logic item %s ends at unknown action %s.", l.ID, l.End)
		}
	}
	if l.Condition != nil {
		if _, ok := outputs[l.Condition.What]; !ok {
			note("Logic item %s condition references unknown output %s.", l.ID, l.Condition.What)
		}
	}
}

// Executable reports whether a valid project has a runnable logic
// graph: exactly one START edge, END reachable from START, and every
// conditioned branch fully covered. Condition coverage is conservative:
// only boolean branches with both values present qualify.
func Executable(p *v1.Project) bool {
	if len(p.Logic) == 0 {
		return false
	}

	starts := 0
	edges := make(map[string][]v1.LogicItem) // start action id ("" for START) -> edges
	for _, l := range p.Logic {
		if l.StartsFromStart() {
			starts++
		}
		edges[l.StartActionID()] = append(edges[l.StartActionID()], l)
	}
	if starts != 1 {
		return false
	}

	// Branch coverage per source output.
	bySource := make(map[string][]v1.LogicItem)
	for _, l := range p.Logic {
		if l.StartsFromStart() {
			continue
		}
		bySource[l.Start] = append(bySource[l.Start], l)
	}
	for _, group := range bySource {
		if len(group) == 1 && group[0].Condition == nil {
			continue
		}
		values := make(map[string]bool)
		for _, l := range group {
			if l.Condition == nil {
				return false
			}
			values[strings.ToLower(unquoted(l.Condition.Value))] = true
		}
		if !(values["true"] && values["false"] && len(values) == 2) {
			return false
		}
	}

	// END must be reachable from START.
	visited := make(map[string]bool)
	queue := []string{""}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, l := range edges[cur] {
			if l.End == v1.LogicEnd {
				return true
			}
			if !visited[l.End] {
				visited[l.End] = true
				queue = append(queue, l.End)
			}
		}
	}
	return false
}

// ValueMatchesType checks a JSON-encoded parameter value against the
// declared semantic type.
func ValueMatchesType(declared, value string) bool {
	var v interface{}
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		return false
	}
	switch declared {
	case "string", "string_enum", "pose", "joints", "relative_pose":
		_, ok := v.(string)
		return ok
	case "integer", "integer_enum":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "double":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	default:
		// Unknown semantic types accept any well-formed JSON value.
		return true
	}
}

func parentKnown(p *v1.Project, scene *v1.Scene, parent string) bool {
	if scene.Object(parent) != nil {
		return true
	}
	for i := range p.ActionPoints {
		if p.ActionPoints[i].ID == parent {
			return true
		}
	}
	return false
}
