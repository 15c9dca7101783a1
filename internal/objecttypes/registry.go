// Package objecttypes caches parsed object-type metadata: actions,
// settings schemas and robot capabilities. Source parsing itself is an
// external collaborator reached through the Introspector interface.
package objecttypes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/arserver/arserver/internal/common/logger"
	v1 "github.com/arserver/arserver/pkg/api/v1"
)

var (
	// ErrUnknownType is returned for lookups of unregistered types.
	ErrUnknownType = errors.New("unknown object type")
	// ErrTypeDisabled is returned when a disabled type would be instantiated.
	ErrTypeDisabled = errors.New("object type is disabled")
)

// SourceRecord is one object-type source as stored by the project service.
type SourceRecord struct {
	Name     string
	Source   string
	Model    *v1.CollisionModel
	Modified string
}

// Source lists the stored object-type records.
type Source interface {
	ListObjectTypeSources(ctx context.Context) ([]SourceRecord, error)
}

// ParsedType is the introspection result for one type.
type ParsedType struct {
	Meta                v1.ObjectTypeMeta
	Actions             []v1.ObjectAction
	Features            *v1.RobotFeatures // non-nil when the base chain reaches Robot
	UrdfPackageFilename string
}

// Introspector parses an object-type source into metadata. Failures make
// the type disabled rather than failing the whole load.
type Introspector interface {
	Introspect(ctx context.Context, name, source string) (*ParsedType, error)
}

// ObjectType is one cached registry entry.
type ObjectType struct {
	Meta      v1.ObjectTypeMeta
	Actions   []v1.ObjectAction
	RobotMeta *v1.RobotMeta
}

// IsRobot reports whether the type's base chain reaches Robot.
func (o *ObjectType) IsRobot() bool {
	return o.RobotMeta != nil
}

// Registry caches object types and answers capability queries.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]*ObjectType
	source Source
	intro  Introspector
	logger *logger.Logger
}

// NewRegistry creates a registry seeded with the built-in abstract types.
func NewRegistry(source Source, intro Introspector, log *logger.Logger) *Registry {
	r := &Registry{
		types:  make(map[string]*ObjectType),
		source: source,
		intro:  intro,
		logger: log.WithFields(zap.String("component", "object_types")),
	}
	r.seedBuiltins()
	return r
}

// Load fetches all stored object types and (re)builds the cache. Types
// whose introspection fails are kept as disabled entries with a problem
// message so clients can show them.
func (r *Registry) Load(ctx context.Context) error {
	records, err := r.source.ListObjectTypeSources(ctx)
	if err != nil {
		return fmt.Errorf("listing object types: %w", err)
	}

	parsed := make(map[string]*ObjectType, len(records))
	for _, rec := range records {
		ot := r.parse(ctx, rec)
		parsed[rec.Name] = ot
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Rebuild: built-ins stay, stored types are replaced wholesale.
	r.types = make(map[string]*ObjectType)
	r.seedBuiltinsLocked()
	for name, ot := range parsed {
		r.types[name] = ot
	}
	r.validateBasesLocked()
	r.propagateAncestorsLocked()

	r.logger.Info("Object types loaded", zap.Int("count", len(parsed)))
	return nil
}

// Register introspects and adds a single new type (NewObjectType RPC).
func (r *Registry) Register(ctx context.Context, rec SourceRecord) (*ObjectType, error) {
	ot := r.parse(ctx, rec)
	if ot.Meta.Disabled {
		return nil, fmt.Errorf("%w: %s", ErrTypeDisabled, ot.Meta.Problem)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[rec.Name]; ok {
		return nil, fmt.Errorf("object type %s already exists", rec.Name)
	}
	if _, ok := r.types[ot.Meta.Base]; ot.Meta.Base != "" && !ok {
		return nil, fmt.Errorf("unknown base type %s", ot.Meta.Base)
	}
	r.types[rec.Name] = ot
	r.propagateAncestorsLocked()
	return ot, nil
}

// Remove drops types from the cache (DeleteObjectTypes RPC). Built-ins
// and types serving as a base of another type are refused.
func (r *Registry) Remove(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		ot, ok := r.types[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownType, name)
		}
		if ot.Meta.BuiltIn {
			return fmt.Errorf("cannot delete built-in type %s", name)
		}
		for other, entry := range r.types {
			if entry.Meta.Base == name {
				return fmt.Errorf("type %s is the base of %s", name, other)
			}
		}
	}
	for _, name := range names {
		delete(r.types, name)
	}
	return nil
}

// SetModel replaces the collision model of a stored type
// (UpdateObjectModel RPC). Built-ins carry no model.
func (r *Registry) SetModel(name string, model *v1.CollisionModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ot, ok := r.types[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	if ot.Meta.BuiltIn {
		return fmt.Errorf("cannot set model of built-in type %s", name)
	}
	ot.Meta.ObjectModel = model
	return nil
}

// parse runs the introspector over one record, folding failures into a
// disabled entry.
func (r *Registry) parse(ctx context.Context, rec SourceRecord) *ObjectType {
	pt, err := r.intro.Introspect(ctx, rec.Name, rec.Source)
	if err != nil {
		r.logger.Warn("Object type disabled",
			zap.String("type", rec.Name),
			zap.Error(err))
		return &ObjectType{
			Meta: v1.ObjectTypeMeta{
				Type:     rec.Name,
				Disabled: true,
				Problem:  err.Error(),
				Modified: rec.Modified,
			},
		}
	}

	ot := &ObjectType{
		Meta:    pt.Meta,
		Actions: pt.Actions,
	}
	ot.Meta.Type = rec.Name
	ot.Meta.Modified = rec.Modified
	if rec.Model != nil {
		ot.Meta.ObjectModel = rec.Model
	}
	if pt.Features != nil {
		ot.RobotMeta = &v1.RobotMeta{
			Type:                rec.Name,
			Features:            *pt.Features,
			UrdfPackageFilename: pt.UrdfPackageFilename,
		}
	}
	return ot
}

// Get returns the cached entry for a type.
func (r *Registry) Get(name string) (*ObjectType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return ot, nil
}

// Actions returns the actions a type exposes.
func (r *Registry) Actions(name string) ([]v1.ObjectAction, error) {
	ot, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if ot.Meta.Disabled {
		return nil, fmt.Errorf("%w: %s", ErrTypeDisabled, name)
	}
	return ot.Actions, nil
}

// Action returns one action of a type by name.
func (r *Registry) Action(typeName, actionName string) (*v1.ObjectAction, error) {
	actions, err := r.Actions(typeName)
	if err != nil {
		return nil, err
	}
	for i := range actions {
		if actions[i].Name == actionName {
			return &actions[i], nil
		}
	}
	return nil, fmt.Errorf("object type %s has no action %s", typeName, actionName)
}

// All returns every cached type, sorted by name.
func (r *Registry) All() []*ObjectType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ObjectType, 0, len(r.types))
	for _, ot := range r.types {
		out = append(out, ot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meta.Type < out[j].Meta.Type })
	return out
}

// RobotMeta returns the robot capability descriptor of a type.
func (r *Registry) RobotMeta(name string) (*v1.RobotMeta, error) {
	ot, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if ot.RobotMeta == nil {
		return nil, fmt.Errorf("object type %s is not a robot", name)
	}
	return ot.RobotMeta, nil
}

// BaseFamily walks the base chain of a type down to its built-in root.
func (r *Registry) BaseFamily(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.baseFamilyLocked(name)
}

func (r *Registry) baseFamilyLocked(name string) (string, error) {
	seen := make(map[string]bool)
	for cur := name; cur != ""; {
		if seen[cur] {
			return "", fmt.Errorf("base chain of %s is cyclic", name)
		}
		seen[cur] = true
		ot, ok := r.types[cur]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownType, cur)
		}
		switch cur {
		case v1.BaseGeneric, v1.BaseGenericWithPose, v1.BaseCollisionObject, v1.BaseRobot:
			return cur, nil
		}
		cur = ot.Meta.Base
	}
	return "", fmt.Errorf("base chain of %s does not reach a built-in", name)
}

// RequiresPose reports whether scene objects of the type must declare a pose.
func (r *Registry) RequiresPose(name string) (bool, error) {
	family, err := r.BaseFamily(name)
	if err != nil {
		return false, err
	}
	return family != v1.BaseGeneric, nil
}

// ValidateSettings checks that the given parameters cover every
// non-defaulted setting of the type and that declared types match.
func (r *Registry) ValidateSettings(name string, params []v1.Parameter) error {
	ot, err := r.Get(name)
	if err != nil {
		return err
	}
	if ot.Meta.Disabled {
		return fmt.Errorf("%w: %s", ErrTypeDisabled, name)
	}

	declared := make(map[string]v1.ParameterMeta, len(ot.Meta.Settings))
	for _, s := range ot.Meta.Settings {
		declared[s.Name] = s
	}

	given := make(map[string]bool, len(params))
	for _, p := range params {
		meta, ok := declared[p.Name]
		if !ok {
			return fmt.Errorf("unknown parameter %s for type %s", p.Name, name)
		}
		if meta.Type != p.Type {
			return fmt.Errorf("parameter %s of type %s must be %s, got %s",
				p.Name, name, meta.Type, p.Type)
		}
		given[p.Name] = true
	}

	for _, s := range ot.Meta.Settings {
		if s.DefaultValue == "" && !given[s.Name] {
			return fmt.Errorf("missing required parameter %s for type %s", s.Name, name)
		}
	}
	return nil
}

// validateBasesLocked disables types whose base chain is broken.
func (r *Registry) validateBasesLocked() {
	for name, ot := range r.types {
		if ot.Meta.Disabled || ot.Meta.BuiltIn {
			continue
		}
		if _, err := r.baseFamilyLocked(name); err != nil {
			ot.Meta.Disabled = true
			ot.Meta.Problem = err.Error()
		}
	}
}

// propagateAncestorsLocked copies descriptions and actions missing on a
// descendant from the nearest ancestor that has them.
func (r *Registry) propagateAncestorsLocked() {
	for name, ot := range r.types {
		if ot.Meta.Disabled {
			continue
		}
		have := make(map[string]bool, len(ot.Actions))
		for _, a := range ot.Actions {
			have[a.Name] = true
		}
		for base := ot.Meta.Base; base != "" && base != name; {
			parent, ok := r.types[base]
			if !ok || parent.Meta.Disabled {
				break
			}
			if ot.Meta.Description == "" {
				ot.Meta.Description = parent.Meta.Description
			}
			for _, a := range parent.Actions {
				if !have[a.Name] {
					inherited := a
					inherited.Origins = base
					ot.Actions = append(ot.Actions, inherited)
					have[a.Name] = true
				}
			}
			base = parent.Meta.Base
		}
	}
}

// seedBuiltins registers the abstract built-in roots.
func (r *Registry) seedBuiltins() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seedBuiltinsLocked()
}

func (r *Registry) seedBuiltinsLocked() {
	builtins := []struct {
		name    string
		base    string
		hasPose bool
	}{
		{v1.BaseGeneric, "", false},
		{v1.BaseGenericWithPose, v1.BaseGeneric, true},
		{v1.BaseCollisionObject, v1.BaseGenericWithPose, true},
		{v1.BaseRobot, v1.BaseGenericWithPose, true},
	}
	for _, b := range builtins {
		r.types[b.name] = &ObjectType{
			Meta: v1.ObjectTypeMeta{
				Type:     b.name,
				Base:     b.base,
				BuiltIn:  true,
				Abstract: true,
				HasPose:  b.hasPose,
			},
		}
	}
}
