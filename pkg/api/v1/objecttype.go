package v1

// Built-in base type names. Every object type's base chain terminates at
// one of these.
const (
	BaseGeneric         = "Generic"
	BaseGenericWithPose = "GenericWithPose"
	BaseCollisionObject = "CollisionObject"
	BaseRobot           = "Robot"
)

// CollisionModelType enumerates the supported primitive collision shapes.
type CollisionModelType string

const (
	ModelBox      CollisionModelType = "box"
	ModelCylinder CollisionModelType = "cylinder"
	ModelSphere   CollisionModelType = "sphere"
	ModelMesh     CollisionModelType = "mesh"
)

// Box dimensions, metres.
type Box struct {
	SizeX float64 `json:"sizeX"`
	SizeY float64 `json:"sizeY"`
	SizeZ float64 `json:"sizeZ"`
}

// Cylinder dimensions, metres.
type Cylinder struct {
	Radius float64 `json:"radius"`
	Height float64 `json:"height"`
}

// Sphere dimensions, metres.
type Sphere struct {
	Radius float64 `json:"radius"`
}

// Mesh references a stored mesh asset.
type Mesh struct {
	AssetID string `json:"assetId"`
}

// CollisionModel is a discriminated union of the shape primitives.
type CollisionModel struct {
	Type     CollisionModelType `json:"type"`
	Box      *Box               `json:"box,omitempty"`
	Cylinder *Cylinder          `json:"cylinder,omitempty"`
	Sphere   *Sphere            `json:"sphere,omitempty"`
	Mesh     *Mesh              `json:"mesh,omitempty"`
}

// ParameterMeta describes one declared parameter of an action or of the
// settings schema. Extra carries constraint metadata such as allowed
// values, JSON-encoded.
type ParameterMeta struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	DefaultValue string `json:"defaultValue,omitempty"`
	Description  string `json:"description,omitempty"`
	Extra        string `json:"extra,omitempty"`
}

// ActionMetaFlags carries the action metadata annotation flags.
type ActionMetaFlags struct {
	Blocking  bool `json:"blocking,omitempty"`
	Composite bool `json:"composite,omitempty"`
	Blackbox  bool `json:"blackbox,omitempty"`
}

// ObjectAction describes one action a type exposes.
type ObjectAction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  []ParameterMeta `json:"parameters,omitempty"`
	Returns     []string        `json:"returns,omitempty"`
	Origins     string          `json:"origins,omitempty"` // ancestor type the action was inherited from
	Meta        ActionMetaFlags `json:"meta"`
	Disabled    bool            `json:"disabled,omitempty"`
	Problem     string          `json:"problem,omitempty"`
}

// ObjectTypeMeta is the class-level description of an object type.
// Disabled types record a human-readable problem and cannot be
// instantiated.
type ObjectTypeMeta struct {
	Type            string          `json:"type"`
	Description     string          `json:"description,omitempty"`
	Base            string          `json:"base,omitempty"`
	ObjectModel     *CollisionModel `json:"objectModel,omitempty"`
	BuiltIn         bool            `json:"builtIn,omitempty"`
	NeedsParentType string          `json:"needsParentType,omitempty"`
	HasPose         bool            `json:"hasPose,omitempty"`
	Abstract        bool            `json:"abstract,omitempty"`
	Disabled        bool            `json:"disabled,omitempty"`
	Problem         string          `json:"problem,omitempty"`
	Settings        []ParameterMeta `json:"settings,omitempty"`
	Modified        string          `json:"modified,omitempty"`
}

/// RobotFeatures is the capability bitset of a robot type: which optional
// abstract methods the concrete type actually overrides.
type RobotFeatures struct {
	MoveToPose   bool `json:"moveToPose"`
	MoveToJoints bool `json:"moveToJoints"`
	Stop         bool `json:"stop"`
	IK           bool `json:"inverseKinematics"`
	FK           bool `json:"forwardKinematics"`
	HandTeaching bool `json:"handTeaching"`
}

// RobotMeta describes a robot type's capabilities.
type RobotMeta struct {
	Type                string        `json:"type"`
	Features            RobotFeatures `json:"features"`
	UrdfPackageFilename string        `json:"urdfPackageFilename,omitempty"`
}
