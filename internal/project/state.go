// Package project holds the in-memory editing state of the currently
// open project: indexed lookups, pose bookkeeping and validation.
package project

import (
	"errors"
	"fmt"
	"sync"
	"time"

	v1 "github.com/arserver/arserver/pkg/api/v1"
)

var (
	// ErrNoProject is returned by operations that need an open project.
	ErrNoProject = errors.New("project not opened")
	// ErrNotFound is returned for lookups of unknown project entities.
	ErrNotFound = errors.New("not found")
)

// PoseLookup resolves a scene object id to its pose; used for the
// relative/absolute action-point conversion on open and save.
type PoseLookup func(objectID string) (*v1.Pose, error)

// State is the indexed copy of the currently open project. Action-point
// positions are absolute while the project is open; the disk form is
// relative to the parent.
type State struct {
	mu      sync.RWMutex
	project *v1.Project

	apIdx   map[string]int    // AP id -> index in project.ActionPoints
	ownerAP map[string]string // action/orientation/joints id -> AP id
}

// NewState creates an empty project state.
func NewState() *State {
	return &State{}
}

// Open installs a freshly loaded project, rewriting action-point
// positions from the stored parent-relative form to absolute.
func (s *State) Open(p *v1.Project, objectPose PoseLookup) error {
	if err := convertToAbsolute(p, objectPose); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project = p
	s.reindex()
	return nil
}

// Close drops the current project.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project = nil
	s.apIdx = nil
	s.ownerAP = nil
}

// IsOpen reports whether a project is open.
func (s *State) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.project != nil
}

// ID returns the open project's id.
func (s *State) ID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.project == nil {
		return "", ErrNoProject
	}
	return s.project.ID, nil
}

// SceneID returns the scene the open project is bound to.
func (s *State) SceneID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.project == nil {
		return "", ErrNoProject
	}
	return s.project.SceneID, nil
}

// HasChanges reports unsaved in-memory mutations.
func (s *State) HasChanges() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.project != nil && s.project.HasChanges()
}

// Snapshot returns a deep copy with positions rewritten back to the
// parent-relative disk form.
func (s *State) Snapshot(objectPose PoseLookup) (*v1.Project, error) {
	s.mu.RLock()
	if s.project == nil {
		s.mu.RUnlock()
		return nil, ErrNoProject
	}
	cp := s.deepCopyLocked()
	s.mu.RUnlock()

	if err := convertToRelative(cp, objectPose); err != nil {
		return nil, err
	}
	return cp, nil
}

// Current returns a deep copy in the open (absolute) form.
func (s *State) Current() (*v1.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.project == nil {
		return nil, ErrNoProject
	}
	return s.deepCopyLocked(), nil
}

// MarkSaved records a successful persist.
func (s *State) MarkSaved(modified time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return ErrNoProject
	}
	s.project.Modified = modified
	return nil
}

// ActionPoint returns a copy of the AP with the given id.
func (s *State) ActionPoint(id string) (v1.ActionPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, err := s.apIndex(id)
	if err != nil {
		return v1.ActionPoint{}, err
	}
	return s.project.ActionPoints[i], nil
}

// ActionPoints returns copies of all APs.
func (s *State) ActionPoints() []v1.ActionPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.project == nil {
		return nil
	}
	out := make([]v1.ActionPoint, len(s.project.ActionPoints))
	copy(out, s.project.ActionPoints)
	return out
}

// UpsertActionPoint adds or replaces an AP. Names must be unique within
// the project.
func (s *State) UpsertActionPoint(ap v1.ActionPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return ErrNoProject
	}
	for i := range s.project.ActionPoints {
		other := &s.project.ActionPoints[i]
		if other.Name == ap.Name && other.ID != ap.ID {
			return fmt.Errorf("action point name %q already used", ap.Name)
		}
	}
	if i, ok := s.apIdx[ap.ID]; ok {
		s.project.ActionPoints[i] = ap
	} else {
		s.project.ActionPoints = append(s.project.ActionPoints, ap)
	}
	s.reindex()
	s.touch()
	return nil
}

// RemoveActionPoint deletes an AP with everything it owns, including
// child APs.
func (s *State) RemoveActionPoint(id string) (v1.ActionPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, err := s.apIndex(id)
	if err != nil {
		return v1.ActionPoint{}, err
	}
	removed := s.project.ActionPoints[i]

	doomed := map[string]bool{id: true}
	for changed := true; changed; {
		changed = false
		for j := range s.project.ActionPoints {
			ap := &s.project.ActionPoints[j]
			if !doomed[ap.ID] && doomed[ap.Parent] {
				doomed[ap.ID] = true
				changed = true
			}
		}
	}
	kept := s.project.ActionPoints[:0]
	for _, ap := range s.project.ActionPoints {
		if !doomed[ap.ID] {
			kept = append(kept, ap)
		}
	}
	s.project.ActionPoints = kept
	s.reindex()
	s.touch()
	return removed, nil
}

// UpdatePosition moves an AP and invalidates every robot-joint snapshot
// in its subtree.
func (s *State) UpdatePosition(id string, pos v1.Position) (v1.ActionPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, err := s.apIndex(id)
	if err != nil {
		return v1.ActionPoint{}, err
	}
	s.project.ActionPoints[i].Position = pos
	s.invalidateJointsLocked(id)
	s.touch()
	return s.project.ActionPoints[i], nil
}

// InvalidateJointsForObject invalidates the snapshots of every AP whose
// parent chain visits the scene object. Called when an object's pose
// changes.
func (s *State) InvalidateJointsForObject(objectID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return nil
	}
	return s.invalidateJointsLocked(objectID)
}

// invalidateJointsLocked flips IsValid off in the subtree of root and
// returns the ids of the APs whose snapshots changed.
func (s *State) invalidateJointsLocked(root string) []string {
	sub := s.subtreeLocked(root)
	var touched []string
	for i := range s.project.ActionPoints {
		ap := &s.project.ActionPoints[i]
		if !sub[ap.ID] {
			continue
		}
		changed := false
		for j := range ap.RobotJoints {
			if ap.RobotJoints[j].IsValid {
				ap.RobotJoints[j].IsValid = false
				changed = true
			}
		}
		if changed {
			touched = append(touched, ap.ID)
		}
	}
	return touched
}

// Orientation returns an orientation and its owning AP id.
func (s *State) Orientation(id string) (v1.NamedOrientation, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	apID, ok := s.ownerAP[id]
	if !ok {
		return v1.NamedOrientation{}, "", fmt.Errorf("orientation %s: %w", id, ErrNotFound)
	}
	ap := &s.project.ActionPoints[s.apIdx[apID]]
	for _, o := range ap.Orientations {
		if o.ID == id {
			return o, apID, nil
		}
	}
	return v1.NamedOrientation{}, "", fmt.Errorf("orientation %s: %w", id, ErrNotFound)
}

// UpsertOrientation adds or replaces an orientation on an AP. Names are
// unique per AP.
func (s *State) UpsertOrientation(apID string, o v1.NamedOrientation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, err := s.apIndex(apID)
	if err != nil {
		return err
	}
	ap := &s.project.ActionPoints[i]
	for j := range ap.Orientations {
		if ap.Orientations[j].Name == o.Name && ap.Orientations[j].ID != o.ID {
			return fmt.Errorf("orientation name %q already used", o.Name)
		}
	}
	for j := range ap.Orientations {
		if ap.Orientations[j].ID == o.ID {
			ap.Orientations[j] = o
			s.touch()
			return nil
		}
	}
	ap.Orientations = append(ap.Orientations, o)
	s.ownerAP[o.ID] = apID
	s.touch()
	return nil
}

// RemoveOrientation deletes an orientation.
func (s *State) RemoveOrientation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	apID, ok := s.ownerAP[id]
	if !ok {
		return fmt.Errorf("orientation %s: %w", id, ErrNotFound)
	}
	ap := &s.project.ActionPoints[s.apIdx[apID]]
	for j := range ap.Orientations {
		if ap.Orientations[j].ID == id {
			ap.Orientations = append(ap.Orientations[:j], ap.Orientations[j+1:]...)
			delete(s.ownerAP, id)
			s.touch()
			return nil
		}
	}
	return fmt.Errorf("orientation %s: %w", id, ErrNotFound)
}

// Joints returns a robot-joint snapshot and its owning AP id.
func (s *State) Joints(id string) (v1.RobotJoints, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	apID, ok := s.ownerAP[id]
	if !ok {
		return v1.RobotJoints{}, "", fmt.Errorf("joints %s: %w", id, ErrNotFound)
	}
	ap := &s.project.ActionPoints[s.apIdx[apID]]
	for _, j := range ap.RobotJoints {
		if j.ID == id {
			return j, apID, nil
		}
	}
	return v1.RobotJoints{}, "", fmt.Errorf("joints %s: %w", id, ErrNotFound)
}

// UpsertJoints adds or replaces a robot-joint snapshot on an AP.
func (s *State) UpsertJoints(apID string, j v1.RobotJoints) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, err := s.apIndex(apID)
	if err != nil {
		return err
	}
	ap := &s.project.ActionPoints[i]
	for k := range ap.RobotJoints {
		if ap.RobotJoints[k].Name == j.Name && ap.RobotJoints[k].ID != j.ID {
			return fmt.Errorf("joints name %q already used", j.Name)
		}
	}
	for k := range ap.RobotJoints {
		if ap.RobotJoints[k].ID == j.ID {
			ap.RobotJoints[k] = j
			s.touch()
			return nil
		}
	}
	ap.RobotJoints = append(ap.RobotJoints, j)
	s.ownerAP[j.ID] = apID
	s.touch()
	return nil
}

// RemoveJoints deletes a robot-joint snapshot.
func (s *State) RemoveJoints(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	apID, ok := s.ownerAP[id]
	if !ok {
		return fmt.Errorf("joints %s: %w", id, ErrNotFound)
	}
	ap := &s.project.ActionPoints[s.apIdx[apID]]
	for j := range ap.RobotJoints {
		if ap.RobotJoints[j].ID == id {
			ap.RobotJoints = append(ap.RobotJoints[:j], ap.RobotJoints[j+1:]...)
			delete(s.ownerAP, id)
			s.touch()
			return nil
		}
	}
	return fmt.Errorf("joints %s: %w", id, ErrNotFound)
}

// Action returns an action and its owning AP id.
func (s *State) Action(id string) (v1.Action, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actionLocked(id)
}

func (s *State) actionLocked(id string) (v1.Action, string, error) {
	apID, ok := s.ownerAP[id]
	if !ok {
		return v1.Action{}, "", fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	ap := &s.project.ActionPoints[s.apIdx[apID]]
	for _, a := range ap.Actions {
		if a.ID == id {
			return a, apID, nil
		}
	}
	return v1.Action{}, "", fmt.Errorf("action %s: %w", id, ErrNotFound)
}

// Actions returns every action in the project.
func (s *State) Actions() []v1.Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.project == nil {
		return nil
	}
	var out []v1.Action
	for i := range s.project.ActionPoints {
		out = append(out, s.project.ActionPoints[i].Actions...)
	}
	return out
}

// UpsertAction adds or replaces an action on an AP. Action names are
// unique within the whole project.
func (s *State) UpsertAction(apID string, a v1.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, err := s.apIndex(apID)
	if err != nil {
		return err
	}
	for j := range s.project.ActionPoints {
		for _, other := range s.project.ActionPoints[j].Actions {
			if other.Name == a.Name && other.ID != a.ID {
				return fmt.Errorf("action name %q already used", a.Name)
			}
		}
	}
	ap := &s.project.ActionPoints[i]
	for j := range ap.Actions {
		if ap.Actions[j].ID == a.ID {
			ap.Actions[j] = a
			s.touch()
			return nil
		}
	}
	ap.Actions = append(ap.Actions, a)
	s.ownerAP[a.ID] = apID
	s.touch()
	return nil
}

// RemoveAction deletes an action. Logic items referencing it are the
// caller's concern.
func (s *State) RemoveAction(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	apID, ok := s.ownerAP[id]
	if !ok {
		return fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	ap := &s.project.ActionPoints[s.apIdx[apID]]
	for j := range ap.Actions {
		if ap.Actions[j].ID == id {
			ap.Actions = append(ap.Actions[:j], ap.Actions[j+1:]...)
			delete(s.ownerAP, id)
			s.touch()
			return nil
		}
	}
	return fmt.Errorf("action %s: %w", id, ErrNotFound)
}

// LogicItem returns a logic item by id.
func (s *State) LogicItem(id string) (v1.LogicItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.project == nil {
		return v1.LogicItem{}, ErrNoProject
	}
	for _, l := range s.project.Logic {
		if l.ID == id {
			return l, nil
		}
	}
	return v1.LogicItem{}, fmt.Errorf("logic item %s: %w", id, ErrNotFound)
}

// Logic returns a copy of the logic graph.
func (s *State) Logic() []v1.LogicItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.project == nil {
		return nil
	}
	out := make([]v1.LogicItem, len(s.project.Logic))
	copy(out, s.project.Logic)
	return out
}

// UpsertLogicItem adds or replaces a logic edge. At most one edge may
// leave the synthetic START, and a given flow output sources at most
// one edge.
func (s *State) UpsertLogicItem(l v1.LogicItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return ErrNoProject
	}
	for _, other := range s.project.Logic {
		if other.ID == l.ID {
			continue
		}
		if l.StartsFromStart() && other.StartsFromStart() {
			return errors.New("logic already has a START edge")
		}
		if !l.StartsFromStart() && other.Start == l.Start && sameCondition(other.Condition, l.Condition) {
			return fmt.Errorf("output %s already connected", l.Start)
		}
	}
	for i := range s.project.Logic {
		if s.project.Logic[i].ID == l.ID {
			s.project.Logic[i] = l
			s.touch()
			return nil
		}
	}
	s.project.Logic = append(s.project.Logic, l)
	s.touch()
	return nil
}

// RemoveLogicItem deletes a logic edge.
func (s *State) RemoveLogicItem(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return ErrNoProject
	}
	for i := range s.project.Logic {
		if s.project.Logic[i].ID == id {
			s.project.Logic = append(s.project.Logic[:i], s.project.Logic[i+1:]...)
			s.touch()
			return nil
		}
	}
	return fmt.Errorf("logic item %s: %w", id, ErrNotFound)
}

// RemoveLogicFor drops every edge touching the action.
func (s *State) RemoveLogicFor(actionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return
	}
	kept := s.project.Logic[:0]
	removedAny := false
	for _, l := range s.project.Logic {
		if l.StartActionID() == actionID || l.End == actionID {
			removedAny = true
			continue
		}
		kept = append(kept, l)
	}
	s.project.Logic = kept
	if removedAny {
		s.touch()
	}
}

// Constant returns a project constant by id.
func (s *State) Constant(id string) (v1.ProjectConstant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.project == nil {
		return v1.ProjectConstant{}, ErrNoProject
	}
	for _, c := range s.project.Constants {
		if c.ID == id {
			return c, nil
		}
	}
	return v1.ProjectConstant{}, fmt.Errorf("constant %s: %w", id, ErrNotFound)
}

// UpsertConstant adds or replaces a constant. Names are unique.
func (s *State) UpsertConstant(c v1.ProjectConstant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return ErrNoProject
	}
	for _, other := range s.project.Constants {
		if other.Name == c.Name && other.ID != c.ID {
			return fmt.Errorf("constant name %q already used", c.Name)
		}
	}
	for i := range s.project.Constants {
		if s.project.Constants[i].ID == c.ID {
			s.project.Constants[i] = c
			s.touch()
			return nil
		}
	}
	s.project.Constants = append(s.project.Constants, c)
	s.touch()
	return nil
}

// RemoveConstant deletes a constant; refused while an action parameter
// references it.
func (s *State) RemoveConstant(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return ErrNoProject
	}
	for i := range s.project.ActionPoints {
		for _, a := range s.project.ActionPoints[i].Actions {
			for _, p := range a.Parameters {
				if p.Type == v1.ParamKindConstant && unquoted(p.Value) == id {
					return fmt.Errorf("constant used by action %s", a.Name)
				}
			}
		}
	}
	for i := range s.project.Constants {
		if s.project.Constants[i].ID == id {
			s.project.Constants = append(s.project.Constants[:i], s.project.Constants[i+1:]...)
			s.touch()
			return nil
		}
	}
	return fmt.Errorf("constant %s: %w", id, ErrNotFound)
}

// Overrides returns the parameter overrides for a scene object.
func (s *State) Overrides(objectID string) []v1.Parameter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.project == nil {
		return nil
	}
	for _, o := range s.project.Overrides {
		if o.ID == objectID {
			out := make([]v1.Parameter, len(o.Parameters))
			copy(out, o.Parameters)
			return out
		}
	}
	return nil
}

// AllOverrides returns overrides keyed by scene object id.
func (s *State) AllOverrides() map[string][]v1.Parameter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.project == nil {
		return nil
	}
	out := make(map[string][]v1.Parameter, len(s.project.Overrides))
	for _, o := range s.project.Overrides {
		params := make([]v1.Parameter, len(o.Parameters))
		copy(params, o.Parameters)
		out[o.ID] = params
	}
	return out
}

// SetOverrides replaces the overrides of one scene object; an empty
// list removes the entry.
func (s *State) SetOverrides(objectID string, params []v1.Parameter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return ErrNoProject
	}
	for i := range s.project.Overrides {
		if s.project.Overrides[i].ID == objectID {
			if len(params) == 0 {
				s.project.Overrides = append(s.project.Overrides[:i], s.project.Overrides[i+1:]...)
			} else {
				s.project.Overrides[i].Parameters = params
			}
			s.touch()
			return nil
		}
	}
	if len(params) > 0 {
		s.project.Overrides = append(s.project.Overrides, v1.SceneObjectOverride{ID: objectID, Parameters: params})
		s.touch()
	}
	return nil
}

// UsesObject reports whether any AP or action references the scene
// object.
func (s *State) UsesObject(objectID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.project == nil {
		return false
	}
	for i := range s.project.ActionPoints {
		ap := &s.project.ActionPoints[i]
		if ap.Parent == objectID {
			return true
		}
		for _, a := range ap.Actions {
			if objID, _, err := a.ParseType(); err == nil && objID == objectID {
				return true
			}
		}
	}
	return false
}

// Closure expands an id to its subtree: the id itself, every AP whose
// parent chain visits it, and everything those APs own. Lock requests
// with the tree flag go through this.
func (s *State) Closure(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.project == nil {
		return []string{id}
	}
	sub := s.subtreeLocked(id)
	out := []string{id}
	for i := range s.project.ActionPoints {
		ap := &s.project.ActionPoints[i]
		if !sub[ap.ID] || ap.ID == id {
			continue
		}
		out = append(out, ap.ID)
	}
	for i := range s.project.ActionPoints {
		ap := &s.project.ActionPoints[i]
		if !sub[ap.ID] {
			continue
		}
		for _, a := range ap.Actions {
			out = append(out, a.ID)
		}
		for _, o := range ap.Orientations {
			out = append(out, o.ID)
		}
		for _, j := range ap.RobotJoints {
			out = append(out, j.ID)
		}
	}
	return out
}

// subtreeLocked returns the set of AP ids whose parent chain visits
// root (including root itself when it is an AP).
func (s *State) subtreeLocked(root string) map[string]bool {
	sub := map[string]bool{root: true}
	for changed := true; changed; {
		changed = false
		for i := range s.project.ActionPoints {
			ap := &s.project.ActionPoints[i]
			if !sub[ap.ID] && sub[ap.Parent] {
				sub[ap.ID] = true
				changed = true
			}
		}
	}
	return sub
}

// convertToAbsolute rewrites stored parent-relative AP positions to the
// absolute open form. Parents are resolved outermost-first so a chain
// of APs converts correctly.
func convertToAbsolute(p *v1.Project, objectPose PoseLookup) error {
	idx := make(map[string]int, len(p.ActionPoints))
	for i := range p.ActionPoints {
		idx[p.ActionPoints[i].ID] = i
	}

	abs := make(map[string]v1.Position, len(p.ActionPoints))
	var resolve func(id string) (v1.Position, error)
	resolve = func(id string) (v1.Position, error) {
		if pos, ok := abs[id]; ok {
			return pos, nil
		}
		ap := &p.ActionPoints[idx[id]]
		var pos v1.Position
		switch {
		case ap.Parent == "":
			pos = ap.Position
		default:
			if _, ok := idx[ap.Parent]; ok {
				parentPos, err := resolve(ap.Parent)
				if err != nil {
					return v1.Position{}, err
				}
				// Parent APs have no orientation; the frame is a translation.
				pos = parentPos.Add(ap.Position)
			} else {
				pose, err := objectPose(ap.Parent)
				if err != nil {
					return v1.Position{}, fmt.Errorf("action point %s parent: %w", ap.ID, err)
				}
				if pose == nil {
					pos = ap.Position
				} else {
					pos = pose.Transform(ap.Position)
				}
			}
		}
		abs[id] = pos
		return pos, nil
	}

	for i := range p.ActionPoints {
		pos, err := resolve(p.ActionPoints[i].ID)
		if err != nil {
			return err
		}
		p.ActionPoints[i].Position = pos
	}
	return nil
}

// convertToRelative is the inverse rewrite applied before saving.
func convertToRelative(p *v1.Project, objectPose PoseLookup) error {
	idx := make(map[string]int, len(p.ActionPoints))
	abs := make(map[string]v1.Position, len(p.ActionPoints))
	for i := range p.ActionPoints {
		idx[p.ActionPoints[i].ID] = i
		abs[p.ActionPoints[i].ID] = p.ActionPoints[i].Position
	}

	for i := range p.ActionPoints {
		ap := &p.ActionPoints[i]
		if ap.Parent == "" {
			continue
		}
		var frame v1.Pose
		if _, ok := idx[ap.Parent]; ok {
			frame = v1.Pose{Position: abs[ap.Parent], Orientation: v1.IdentityOrientation()}
		} else {
			pose, err := objectPose(ap.Parent)
			if err != nil {
				return fmt.Errorf("action point %s parent: %w", ap.ID, err)
			}
			if pose == nil {
				continue
			}
			frame = *pose
		}
		ap.Position = frame.InverseTransform(ap.Position)
	}
	return nil
}

func (s *State) apIndex(id string) (int, error) {
	if s.project == nil {
		return 0, ErrNoProject
	}
	i, ok := s.apIdx[id]
	if !ok {
		return 0, fmt.Errorf("action point %s: %w", id, ErrNotFound)
	}
	return i, nil
}

// touch bumps int_modified. Callers hold s.mu.
func (s *State) touch() {
	s.project.IntModified = time.Now().UTC()
}

// reindex rebuilds the lookup maps. Callers hold s.mu.
func (s *State) reindex() {
	if s.project == nil {
		return
	}
	s.apIdx = make(map[string]int, len(s.project.ActionPoints))
	s.ownerAP = make(map[string]string)
	for i := range s.project.ActionPoints {
		ap := &s.project.ActionPoints[i]
		s.apIdx[ap.ID] = i
		for _, a := range ap.Actions {
			s.ownerAP[a.ID] = ap.ID
		}
		for _, o := range ap.Orientations {
			s.ownerAP[o.ID] = ap.ID
		}
		for _, j := range ap.RobotJoints {
			s.ownerAP[j.ID] = ap.ID
		}
	}
}

// deepCopyLocked clones the project including nested slices.
func (s *State) deepCopyLocked() *v1.Project {
	cp := *s.project
	cp.ActionPoints = make([]v1.ActionPoint, len(s.project.ActionPoints))
	for i, ap := range s.project.ActionPoints {
		apc := ap
		apc.Orientations = append([]v1.NamedOrientation(nil), ap.Orientations...)
		apc.RobotJoints = append([]v1.RobotJoints(nil), ap.RobotJoints...)
		apc.Actions = append([]v1.Action(nil), ap.Actions...)
		cp.ActionPoints[i] = apc
	}
	cp.Constants = append([]v1.ProjectConstant(nil), s.project.Constants...)
	cp.Functions = append([]v1.ProjectFunction(nil), s.project.Functions...)
	cp.Logic = append([]v1.LogicItem(nil), s.project.Logic...)
	cp.Overrides = append([]v1.SceneObjectOverride(nil), s.project.Overrides...)
	return &cp
}

func sameCondition(a, b *v1.LogicCondition) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.What == b.What && a.Value == b.Value
}

// unquoted strips the JSON string quoting of an encoded parameter value.
func unquoted(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}
