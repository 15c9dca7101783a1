package objecttypes

import (
	"context"
	"encoding/json"
	"fmt"

	v1 "github.com/arserver/arserver/pkg/api/v1"
)

// manifest is the declarative object-type description the store keeps as
// the type's "source". Robot capabilities are listed explicitly; the
// feature bitset is derived from them.
type manifest struct {
	Base                string             `json:"base"`
	Description         string             `json:"description,omitempty"`
	Abstract            bool               `json:"abstract,omitempty"`
	Settings            []v1.ParameterMeta `json:"settings,omitempty"`
	Actions             []manifestAction   `json:"actions,omitempty"`
	Features            *v1.RobotFeatures  `json:"features,omitempty"`
	UrdfPackageFilename string             `json:"urdfPackageFilename,omitempty"`
}

type manifestAction struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  []v1.ParameterMeta `json:"parameters,omitempty"`
	Returns     []string           `json:"returns,omitempty"`
	Meta        v1.ActionMetaFlags `json:"meta,omitempty"`
}

// ManifestIntrospector parses JSON manifests. It is the default
// introspector of the hub; a source-code parser can replace it behind
// the same interface.
type ManifestIntrospector struct{}

// NewManifestIntrospector creates a manifest introspector.
func NewManifestIntrospector() *ManifestIntrospector {
	return &ManifestIntrospector{}
}

// Introspect parses one manifest and validates its identifiers.
func (ManifestIntrospector) Introspect(ctx context.Context, name, source string) (*ParsedType, error) {
	var m manifest
	if err := json.Unmarshal([]byte(source), &m); err != nil {
		return nil, fmt.Errorf("parsing manifest of %s: %w", name, err)
	}
	if !v1.IsPascalCase(name) {
		return nil, fmt.Errorf("object type name %s is not PascalCase", name)
	}
	if m.Base == "" {
		return nil, fmt.Errorf("object type %s declares no base", name)
	}

	seen := make(map[string]bool, len(m.Actions))
	actions := make([]v1.ObjectAction, 0, len(m.Actions))
	for _, a := range m.Actions {
		if !v1.IsSnakeCase(a.Name) {
			return nil, fmt.Errorf("action name %s is not snake_case", a.Name)
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("duplicate action %s", a.Name)
		}
		seen[a.Name] = true
		actions = append(actions, v1.ObjectAction{
			Name:        a.Name,
			Description: a.Description,
			Parameters:  a.Parameters,
			Returns:     a.Returns,
			Meta:        a.Meta,
		})
	}

	pt := &ParsedType{
		Meta: v1.ObjectTypeMeta{
			Base:        m.Base,
			Description: m.Description,
			Abstract:    m.Abstract,
			HasPose:     m.Base != v1.BaseGeneric,
			Settings:    m.Settings,
		},
		Actions:             actions,
		Features:            m.Features,
		UrdfPackageFilename: m.UrdfPackageFilename,
	}
	return pt, nil
}
