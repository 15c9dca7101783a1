// Package v1 contains the shared data model of the hub: scenes, projects,
// object types, robot telemetry and event payloads. Field names on the
// wire are camelCase; timestamps travel as ISO-8601 UTC.
package v1

import (
	"encoding/json"
	"regexp"
	"time"
)

// Position is a point in scene space, metres.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Orientation is a unit quaternion.
type Orientation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Pose combines position and orientation.
type Pose struct {
	Position    Position    `json:"position"`
	Orientation Orientation `json:"orientation"`
}

// Joint is a single named joint value, radians.
type Joint struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Parameter is a typed name/value pair; the value is JSON-encoded.
type Parameter struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// IdDesc is the listing shape for scenes, projects and packages.
type IdDesc struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Created     time.Time `json:"created,omitempty"`
	Modified    time.Time `json:"modified,omitempty"`
}

var (
	snakeCaseRe  = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	pascalCaseRe = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)
)

// IsSnakeCase reports whether the name is a valid snake_case identifier.
func IsSnakeCase(name string) bool {
	return snakeCaseRe.MatchString(name)
}

// IsPascalCase reports whether the name is a valid PascalCase identifier.
func IsPascalCase(name string) bool {
	return pascalCaseRe.MatchString(name)
}

// EncodeValue JSON-encodes a parameter value.
func EncodeValue(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// IdentityOrientation returns the identity quaternion.
func IdentityOrientation() Orientation {
	return Orientation{W: 1}
}
