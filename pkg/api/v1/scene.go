package v1

import "time"

// SceneObject is a single object placed in a scene.
type SceneObject struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Type       string      `json:"type"`
	Pose       *Pose       `json:"pose,omitempty"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// Scene is a physical configuration of objects, instantiable as a live
// simulation. Modified is the last persisted instant; IntModified the
// last in-memory mutation.
type Scene struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Objects     []SceneObject `json:"objects"`
	Created     time.Time     `json:"created,omitempty"`
	Modified    time.Time     `json:"modified,omitempty"`
	IntModified time.Time     `json:"intModified,omitempty"`
}

// HasChanges reports whether the scene has unsaved in-memory mutations.
func (s *Scene) HasChanges() bool {
	return s.IntModified.After(s.Modified)
}

// Object returns the scene object with the given id, or nil.
func (s *Scene) Object(id string) *SceneObject {
	for i := range s.Objects {
		if s.Objects[i].ID == id {
			return &s.Objects[i]
		}
	}
	return nil
}

// SceneStateValue enumerates scene runtime states as seen by clients.
type SceneStateValue string

const (
	SceneStopped  SceneStateValue = "Stopped"
	SceneStarting SceneStateValue = "Starting"
	SceneStarted  SceneStateValue = "Started"
	SceneStopping SceneStateValue = "Stopping"
)

// SceneStateData is the payload of the SceneState event.
type SceneStateData struct {
	State   SceneStateValue `json:"state"`
	Message string          `json:"message,omitempty"`
}
