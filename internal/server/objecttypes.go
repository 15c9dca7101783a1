package server

import (
	"context"
	"strings"

	"github.com/arserver/arserver/internal/objecttypes"
	v1 "github.com/arserver/arserver/pkg/api/v1"
	"github.com/arserver/arserver/pkg/rpc"
)

func (s *Server) registerObjectTypeHandlers() {
	s.register(rpc.ReqGetObjectTypes, userNeeded, s.handleGetObjectTypes)
	s.register(rpc.ReqGetActions, userNeeded, s.handleGetActions)
	s.register(rpc.ReqNewObjectType, userNeeded, s.handleNewObjectType)
	s.register(rpc.ReqUpdateObjectModel, userNeeded, s.handleUpdateObjectModel)
	s.register(rpc.ReqDeleteObjectTypes, userNeeded, s.handleDeleteObjectTypes)
	s.register(rpc.ReqObjectTypeUsage, userNeeded, s.handleObjectTypeUsage)
}

func (s *Server) handleGetObjectTypes(ctx context.Context, rc *reqContext) (interface{}, error) {
	types := s.types.All()
	out := make([]v1.ObjectTypeMeta, 0, len(types))
	for _, ot := range types {
		out = append(out, ot.Meta)
	}
	return out, nil
}

type getActionsArgs struct {
	Type string `json:"type"`
}

func (s *Server) handleGetActions(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args getActionsArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	actions, err := s.types.Actions(args.Type)
	if err != nil {
		return nil, rpc.Validationf("%s", capitalized(err))
	}
	return actions, nil
}

type newObjectTypeArgs struct {
	Name   string             `json:"name"`
	Source string             `json:"source"`
	Model  *v1.CollisionModel `json:"model,omitempty"`
}

func (s *Server) handleNewObjectType(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args newObjectTypeArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if !v1.IsPascalCase(args.Name) {
		return nil, rpc.Validationf("Object type name %s is not PascalCase.", args.Name)
	}
	if _, err := s.types.Get(args.Name); err == nil {
		return nil, rpc.Preconditionf("Object type %s already exists.", args.Name)
	}
	if err := validateModel(args.Model); err != nil {
		return nil, err
	}
	if rc.dryRun {
		return nil, nil
	}

	rec := objecttypes.SourceRecord{
		Name:   args.Name,
		Source: args.Source,
		Model:  args.Model,
	}
	ot, err := s.types.Register(ctx, rec)
	if err != nil {
		return nil, rpc.Validationf("%s", capitalized(err))
	}
	if err := s.store.PutObjectType(ctx, rec); err != nil {
		_ = s.types.Remove(args.Name)
		return nil, rpc.External("Project service", err)
	}

	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtChangedObjectTypes, rpc.ChangeAdd,
		[]v1.ObjectTypeMeta{ot.Meta})))
	return nil, nil
}

type updateObjectModelArgs struct {
	Type  string             `json:"type"`
	Model *v1.CollisionModel `json:"model"`
}

func (s *Server) handleUpdateObjectModel(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args updateObjectModelArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if err := validateModel(args.Model); err != nil {
		return nil, err
	}
	ot, err := s.types.Get(args.Type)
	if err != nil {
		return nil, rpc.Validationf("Unknown object type %s.", args.Type)
	}
	if ot.Meta.BuiltIn {
		return nil, rpc.Preconditionf("Built-in object types cannot be changed.")
	}
	if rc.dryRun {
		return nil, nil
	}

	if err := s.store.PutObjectTypeModel(ctx, args.Type, args.Model); err != nil {
		return nil, rpc.External("Project service", err)
	}
	if err := s.types.SetModel(args.Type, args.Model); err != nil {
		return nil, rpc.Internalf("updating model: %v", err)
	}

	updated, _ := s.types.Get(args.Type)
	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtChangedObjectTypes, rpc.ChangeUpdate,
		[]v1.ObjectTypeMeta{updated.Meta})))
	return nil, nil
}

type deleteObjectTypesArgs struct {
	IDs []string `json:"ids,omitempty"`
}

func (s *Server) handleDeleteObjectTypes(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args deleteObjectTypesArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	names := args.IDs
	if len(names) == 0 {
		// No explicit list deletes every stored (non-built-in) type.
		for _, ot := range s.types.All() {
			if !ot.Meta.BuiltIn {
				names = append(names, ot.Meta.Type)
			}
		}
	}

	var metas []v1.ObjectTypeMeta
	for _, name := range names {
		ot, err := s.types.Get(name)
		if err != nil {
			return nil, rpc.Validationf("Unknown object type %s.", name)
		}
		if ot.Meta.BuiltIn {
			return nil, rpc.Preconditionf("Built-in object types cannot be deleted.")
		}
		used, err := s.scenesUsingType(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(used) > 0 {
			return nil, rpc.Preconditionf("Object type %s is used in scene %s.", name, used[0])
		}
		metas = append(metas, ot.Meta)
	}
	if rc.dryRun {
		return nil, nil
	}

	if err := s.types.Remove(names...); err != nil {
		return nil, rpc.Preconditionf("%s", capitalized(err))
	}
	for _, name := range names {
		if err := s.store.DeleteObjectType(ctx, name); err != nil {
			return nil, rpc.External("Project service", err)
		}
	}

	rc.events.broadcast(mustEvent(rpc.NewChangeEvent(rpc.EvtChangedObjectTypes, rpc.ChangeRemove, metas)))
	return nil, nil
}

type objectTypeUsageArgs struct {
	ID string `json:"id"`
}

type usageData struct {
	SceneIDs []string `json:"sceneIds"`
}

func (s *Server) handleObjectTypeUsage(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args objectTypeUsageArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if _, err := s.types.Get(args.ID); err != nil {
		return nil, rpc.Validationf("Unknown object type %s.", args.ID)
	}
	used, err := s.scenesUsingType(ctx, args.ID)
	if err != nil {
		return nil, err
	}
	return usageData{SceneIDs: used}, nil
}

// scenesUsingType scans every stored scene (and the open one, which may
// hold unsaved objects) for objects of the type.
func (s *Server) scenesUsingType(ctx context.Context, typeName string) ([]string, error) {
	listings, err := s.store.ListScenes(ctx)
	if err != nil {
		return nil, rpc.External("Project service", err)
	}

	openID, _ := s.scene.ID()
	var used []string
	for _, listing := range listings {
		if listing.ID == openID {
			continue
		}
		sc, err := s.store.GetScene(ctx, listing.ID)
		if err != nil {
			return nil, rpc.External("Project service", err)
		}
		for i := range sc.Objects {
			if sc.Objects[i].Type == typeName {
				used = append(used, sc.ID)
				break
			}
		}
	}
	if openID != "" {
		for _, obj := range s.scene.Objects() {
			if obj.Type == typeName {
				used = append(used, openID)
				break
			}
		}
	}
	return used, nil
}

// validateModel checks the discriminated union carries the right shape
// with positive dimensions.
func validateModel(m *v1.CollisionModel) error {
	if m == nil {
		return nil
	}
	switch m.Type {
	case v1.ModelBox:
		if m.Box == nil || m.Box.SizeX <= 0 || m.Box.SizeY <= 0 || m.Box.SizeZ <= 0 {
			return rpc.Validationf("Invalid box model.")
		}
	case v1.ModelCylinder:
		if m.Cylinder == nil || m.Cylinder.Radius <= 0 || m.Cylinder.Height <= 0 {
			return rpc.Validationf("Invalid cylinder model.")
		}
	case v1.ModelSphere:
		if m.Sphere == nil || m.Sphere.Radius <= 0 {
			return rpc.Validationf("Invalid sphere model.")
		}
	case v1.ModelMesh:
		if m.Mesh == nil || m.Mesh.AssetID == "" {
			return rpc.Validationf("Invalid mesh model.")
		}
	default:
		return rpc.Validationf("Unknown model type %s.", m.Type)
	}
	return nil
}

// capitalized turns an internal error into a display message: first
// letter upper-cased, trailing full stop.
func capitalized(err error) string {
	msg := err.Error()
	if msg == "" {
		return msg
	}
	return strings.ToUpper(msg[:1]) + msg[1:] + "."
}
