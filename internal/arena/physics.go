package arena

// UpdatePosition advances obj by dt seconds of Euler integration. Velocity is
// left untouched. dt must be non-negative.
func UpdatePosition(obj *GameObject, dt float64) {
	obj.X += obj.VX * dt
	obj.Y += obj.VY * dt
}

// HandleWallCollision clamps obj back inside the arena and reflects the
// velocity component of every axis that was out of bounds. Reflection is
// perfectly elastic. A body sitting exactly on the boundary is in bounds.
// It reports whether any axis was reflected.
func HandleWallCollision(obj *GameObject, cfg ArenaConfig) bool {
	bounced := false

	if obj.X-obj.Radius < 0 {
		obj.X = obj.Radius
		obj.VX = -obj.VX
		bounced = true
	}
	if obj.X+obj.Radius > cfg.Width {
		obj.X = cfg.Width - obj.Radius
		obj.VX = -obj.VX
		bounced = true
	}

	if obj.Y-obj.Radius < 0 {
		obj.Y = obj.Radius
		obj.VY = -obj.VY
		bounced = true
	}
	if obj.Y+obj.Radius > cfg.Height {
		obj.Y = cfg.Height - obj.Radius
		obj.VY = -obj.VY
		bounced = true
	}

	return bounced
}

// Step integrates every object by dt and resolves wall collisions, in slice
// order. It returns the number of objects that bounced; a corner hit counts
// once.
func Step(objects []GameObject, cfg ArenaConfig, dt float64) int {
	bounces := 0
	for i := range objects {
		UpdatePosition(&objects[i], dt)
		if HandleWallCollision(&objects[i], cfg) {
			bounces++
		}
	}
	return bounces
}
