// Package scene holds the in-memory editing state of the currently open
// scene and the runtime engine that turns it into live instances.
package scene

import (
	"errors"
	"fmt"
	"sync"
	"time"

	v1 "github.com/arserver/arserver/pkg/api/v1"
)

var (
	// ErrNoScene is returned by operations that need an open scene.
	ErrNoScene = errors.New("scene not opened")
	// ErrObjectNotFound is returned for lookups of unknown scene objects.
	ErrObjectNotFound = errors.New("scene object not found")
)

// State is the indexed copy of the currently open scene. All access goes
// through the mutex; mutations bump int_modified and track which object
// poses changed since the last save.
type State struct {
	mu           sync.RWMutex
	scene        *v1.Scene
	byID         map[string]int
	updatedPoses map[string]bool
}

// NewState creates an empty scene state.
func NewState() *State {
	return &State{}
}

// Open installs a freshly loaded scene as the current one.
func (s *State) Open(scene *v1.Scene) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scene = scene
	s.updatedPoses = make(map[string]bool)
	s.reindex()
}

// Close drops the current scene.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scene = nil
	s.byID = nil
	s.updatedPoses = nil
}

// IsOpen reports whether a scene is open.
func (s *State) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scene != nil
}

// Snapshot returns a deep copy of the current scene for serialisation.
func (s *State) Snapshot() (*v1.Scene, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.scene == nil {
		return nil, ErrNoScene
	}
	cp := *s.scene
	cp.Objects = make([]v1.SceneObject, len(s.scene.Objects))
	copy(cp.Objects, s.scene.Objects)
	return &cp, nil
}

// ID returns the open scene's id.
func (s *State) ID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.scene == nil {
		return "", ErrNoScene
	}
	return s.scene.ID, nil
}

// HasChanges reports unsaved in-memory mutations.
func (s *State) HasChanges() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scene != nil && s.scene.HasChanges()
}

// Object returns a copy of the object with the given id.
func (s *State) Object(id string) (v1.SceneObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.scene == nil {
		return v1.SceneObject{}, ErrNoScene
	}
	i, ok := s.byID[id]
	if !ok {
		return v1.SceneObject{}, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	return s.scene.Objects[i], nil
}

// Objects returns copies of all objects in scene order.
func (s *State) Objects() []v1.SceneObject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.scene == nil {
		return nil
	}
	out := make([]v1.SceneObject, len(s.scene.Objects))
	copy(out, s.scene.Objects)
	return out
}

// NameTaken reports whether an object with the name exists.
func (s *State) NameTaken(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.scene == nil {
		return false
	}
	for i := range s.scene.Objects {
		if s.scene.Objects[i].Name == name {
			return true
		}
	}
	return false
}

// UpsertObject adds or replaces an object. Name collisions against other
// objects are refused; names must be snake_case.
func (s *State) UpsertObject(obj v1.SceneObject) error {
	if !v1.IsSnakeCase(obj.Name) {
		return fmt.Errorf("object name %q is not snake_case", obj.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scene == nil {
		return ErrNoScene
	}
	for i := range s.scene.Objects {
		if s.scene.Objects[i].Name == obj.Name && s.scene.Objects[i].ID != obj.ID {
			return fmt.Errorf("object name %q already used", obj.Name)
		}
	}
	if i, ok := s.byID[obj.ID]; ok {
		s.scene.Objects[i] = obj
	} else {
		s.scene.Objects = append(s.scene.Objects, obj)
		s.byID[obj.ID] = len(s.scene.Objects) - 1
	}
	s.touch()
	return nil
}

// RemoveObject deletes an object by id and returns the removed copy.
func (s *State) RemoveObject(id string) (v1.SceneObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scene == nil {
		return v1.SceneObject{}, ErrNoScene
	}
	i, ok := s.byID[id]
	if !ok {
		return v1.SceneObject{}, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	removed := s.scene.Objects[i]
	s.scene.Objects = append(s.scene.Objects[:i], s.scene.Objects[i+1:]...)
	s.reindex()
	delete(s.updatedPoses, id)
	s.touch()
	return removed, nil
}

// RenameObject changes an object's user-visible name.
func (s *State) RenameObject(id, name string) (v1.SceneObject, error) {
	if !v1.IsSnakeCase(name) {
		return v1.SceneObject{}, fmt.Errorf("object name %q is not snake_case", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scene == nil {
		return v1.SceneObject{}, ErrNoScene
	}
	i, ok := s.byID[id]
	if !ok {
		return v1.SceneObject{}, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	for j := range s.scene.Objects {
		if j != i && s.scene.Objects[j].Name == name {
			return v1.SceneObject{}, fmt.Errorf("object name %q already used", name)
		}
	}
	s.scene.Objects[i].Name = name
	s.touch()
	return s.scene.Objects[i], nil
}

// UpdatePose sets an object's pose and records it for joints invalidation.
func (s *State) UpdatePose(id string, pose v1.Pose) (v1.SceneObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scene == nil {
		return v1.SceneObject{}, ErrNoScene
	}
	i, ok := s.byID[id]
	if !ok {
		return v1.SceneObject{}, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	if s.scene.Objects[i].Pose == nil {
		return v1.SceneObject{}, fmt.Errorf("object %s has no pose", id)
	}
	p := pose
	s.scene.Objects[i].Pose = &p
	s.updatedPoses[id] = true
	s.touch()
	return s.scene.Objects[i], nil
}

// UpdateParameters replaces an object's settings parameters.
func (s *State) UpdateParameters(id string, params []v1.Parameter) (v1.SceneObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scene == nil {
		return v1.SceneObject{}, ErrNoScene
	}
	i, ok := s.byID[id]
	if !ok {
		return v1.SceneObject{}, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	s.scene.Objects[i].Parameters = params
	s.touch()
	return s.scene.Objects[i], nil
}

// SetDescription updates the scene description.
func (s *State) SetDescription(desc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scene == nil {
		return ErrNoScene
	}
	s.scene.Description = desc
	s.touch()
	return nil
}

// Rename changes the scene name.
func (s *State) Rename(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scene == nil {
		return ErrNoScene
	}
	s.scene.Name = name
	s.touch()
	return nil
}

// ObjectsWithUpdatedPose returns the ids whose pose changed since the
// last save.
func (s *State) ObjectsWithUpdatedPose() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.updatedPoses))
	for id := range s.updatedPoses {
		out = append(out, id)
	}
	return out
}

// MarkSaved records a successful persist: modified catches up with
// int_modified and the updated-pose set is flushed.
func (s *State) MarkSaved(modified time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scene == nil {
		return ErrNoScene
	}
	s.scene.Modified = modified
	s.updatedPoses = make(map[string]bool)
	return nil
}

// touch bumps int_modified. Callers hold s.mu.
func (s *State) touch() {
	s.scene.IntModified = time.Now().UTC()
}

// reindex rebuilds the id index. Callers hold s.mu.
func (s *State) reindex() {
	if s.scene == nil {
		return
	}
	s.byID = make(map[string]int, len(s.scene.Objects))
	for i := range s.scene.Objects {
		s.byID[s.scene.Objects[i].ID] = i
	}
}
