package v1

import (
	"fmt"
	"strings"
	"time"
)

// Action parameter kinds. A plain parameter carries a literal JSON value;
// a link references another action's flow output; a constant references a
// project constant by id.
const (
	ParamKindLink     = "link"
	ParamKindConstant = "constant"
)

// Synthetic logic endpoints.
const (
	LogicStart = "START"
	LogicEnd   = "END"
)

// NamedOrientation is a reusable orientation owned by an action point.
type NamedOrientation struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Orientation Orientation `json:"orientation"`
}

// RobotJoints is a snapshot of a robot's joint values bound to an action
// point. It is invalidated when the owning AP's ancestry changes pose.
type RobotJoints struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	RobotID string  `json:"robotId"`
	Joints  []Joint `json:"joints"`
	IsValid bool    `json:"isValid"`
}

// ActionParameter supplies one parameter of an action invocation.
type ActionParameter struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Flow declares a named channel of typed action outputs.
type Flow struct {
	Type    string   `json:"type"`
	Outputs []string `json:"outputs,omitempty"`
}

// DefaultFlow is the flow type every action declares.
const DefaultFlow = "default"

// Action is an invocation of a scene object's type action.
// Type has the form "<scene-object-id>/<type-action-name>".
type Action struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Parameters []ActionParameter `json:"parameters,omitempty"`
	Flows      []Flow            `json:"flows,omitempty"`
}

// ParseType splits the action type into scene object id and action name.
func (a *Action) ParseType() (objectID, actionName string, err error) {
	parts := strings.Split(a.Type, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid action type %q", a.Type)
	}
	return parts[0], parts[1], nil
}

// Flow returns the flow with the given type, or nil.
func (a *Action) Flow(flowType string) *Flow {
	for i := range a.Flows {
		if a.Flows[i].Type == flowType {
			return &a.Flows[i]
		}
	}
	return nil
}

// LogicCondition guards a logic item with an equality check on a linked
// value ("<action-id>/<flow>/<output-index>" == Value).
type LogicCondition struct {
	What  string `json:"what"`
	Value string `json:"value"`
}

// LogicItem is a directed edge of the action execution graph. Start is
// either the synthetic START or "<action-id>/<flow>/<output-index>"; End
// is either the synthetic END or an action id.
type LogicItem struct {
	ID        string          `json:"id"`
	Start     string          `json:"start"`
	End       string          `json:"end"`
	Condition *LogicCondition `json:"condition,omitempty"`
}

// StartsFromStart reports whether the edge leaves the synthetic START.
func (l *LogicItem) StartsFromStart() bool {
	return l.Start == LogicStart
}

// StartActionID returns the action id component of Start ("" for START).
func (l *LogicItem) StartActionID() string {
	if l.StartsFromStart() {
		return ""
	}
	return strings.SplitN(l.Start, "/", 2)[0]
}

// ProjectConstant is a named typed constant usable as an action parameter.
type ProjectConstant struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ProjectFunction is a named reusable sub-program (reserved; the editor
// creates them but the hub only stores and validates name uniqueness).
type ProjectFunction struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Actions    []Action          `json:"actions,omitempty"`
	Logic      []LogicItem       `json:"logic,omitempty"`
	Parameters []ActionParameter `json:"parameters,omitempty"`
	ReturnType string            `json:"returnType,omitempty"`
}

// SceneObjectOverride replaces settings parameters of one scene object
// for the duration of the project.
type SceneObjectOverride struct {
	ID         string      `json:"id"` // scene object id
	Parameters []Parameter `json:"parameters"`
}

// ActionPoint is a named spatial anchor. With a parent set, Position is
// stored relative to the parent on disk; the open-project loader rewrites
// it to absolute form.
type ActionPoint struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Parent       string             `json:"parent,omitempty"`
	Position     Position           `json:"position"`
	Orientations []NamedOrientation `json:"orientations,omitempty"`
	RobotJoints  []RobotJoints      `json:"robotJoints,omitempty"`
	Actions      []Action           `json:"actions,omitempty"`
}

// Project is an action programme over a scene.
type Project struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	SceneID      string                `json:"sceneId"`
	Description  string                `json:"description,omitempty"`
	ActionPoints []ActionPoint         `json:"actionPoints"`
	Constants    []ProjectConstant     `json:"constants,omitempty"`
	Functions    []ProjectFunction     `json:"functions,omitempty"`
	Logic        []LogicItem           `json:"logic,omitempty"`
	Overrides    []SceneObjectOverride `json:"objectOverrides,omitempty"`
	HasLogic     bool                  `json:"hasLogic"`
	Created      time.Time             `json:"created,omitempty"`
	Modified     time.Time             `json:"modified,omitempty"`
	IntModified  time.Time             `json:"intModified,omitempty"`
}

// HasChanges reports whether the project has unsaved in-memory mutations.
func (p *Project) HasChanges() bool {
	return p.IntModified.After(p.Modified)
}

// ProjectListing is a project summary with validity tags.
type ProjectListing struct {
	IdDesc
	SceneID    string   `json:"sceneId"`
	Valid      bool     `json:"valid"`
	Executable bool     `json:"executable"`
	Problems   []string `json:"problems,omitempty"`
}
