package v1

import "github.com/go-gl/mathgl/mgl64"

func (o Orientation) quat() mgl64.Quat {
	return mgl64.Quat{W: o.W, V: mgl64.Vec3{o.X, o.Y, o.Z}}
}

func fromQuat(q mgl64.Quat) Orientation {
	n := q.Normalize()
	return Orientation{X: n.V[0], Y: n.V[1], Z: n.V[2], W: n.W}
}

// Rotate rotates the vector p by the orientation.
func (o Orientation) Rotate(p Position) Position {
	v := o.quat().Rotate(mgl64.Vec3{p.X, p.Y, p.Z})
	return Position{X: v[0], Y: v[1], Z: v[2]}
}

// Mul composes two orientations (this applied after other).
func (o Orientation) Mul(other Orientation) Orientation {
	return fromQuat(o.quat().Mul(other.quat()))
}

// Inverse returns the reverse rotation.
func (o Orientation) Inverse() Orientation {
	return fromQuat(o.quat().Inverse())
}

// Add returns the component-wise sum.
func (p Position) Add(other Position) Position {
	return Position{X: p.X + other.X, Y: p.Y + other.Y, Z: p.Z + other.Z}
}

// Sub returns the component-wise difference.
func (p Position) Sub(other Position) Position {
	return Position{X: p.X - other.X, Y: p.Y - other.Y, Z: p.Z - other.Z}
}

// Transform maps a position from the pose's local frame to the world
// frame.
func (p Pose) Transform(local Position) Position {
	return p.Position.Add(p.Orientation.Rotate(local))
}

// InverseTransform maps a world position into the pose's local frame.
func (p Pose) InverseTransform(world Position) Position {
	return p.Orientation.Inverse().Rotate(world.Sub(p.Position))
}
