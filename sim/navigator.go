package sim

// Action tells the driver what to do after a navigator command.
type Action int

const (
	// ActionNone means the key was not a command.
	ActionNone Action = iota
	// ActionMove means the pose changed and a new step should be taken.
	ActionMove
	// ActionReset means the session should restart from the start pose.
	ActionReset
	// ActionFinish means the scan is complete.
	ActionFinish
	// ActionQuit ends the driver loop.
	ActionQuit
)

// KeyEscape ends an interactive exploration.
const KeyEscape = 27

// Navigator turns keyboard commands into pose updates.
//
//	a / d   yaw left / right
//	w / s   pitch up / down
//	i / k   move forward / backward along the viewing direction
//	j / l   move left / right
//	r       reset to the start pose
//	f       finish the scan
//	q, ESC  quit
type Navigator struct {
	Start       Pose
	Current     Pose
	MovingScale float64
	RotateScale float64
}

// NewNavigator starts at start with the configured step sizes.
func NewNavigator(start Pose, movement MovementConfig) *Navigator {
	return &Navigator{
		Start:       start,
		Current:     start,
		MovingScale: movement.MovingScale,
		RotateScale: movement.RotateScale,
	}
}

// Apply executes a single key and returns the resulting pose.
func (n *Navigator) Apply(key byte) (Pose, Action) {
	p := n.Current
	switch key {
	case 'a':
		p.Yaw = NormalizeAngle(p.Yaw - n.RotateScale)
	case 'd':
		p.Yaw = NormalizeAngle(p.Yaw + n.RotateScale)
	case 'w':
		p.Pitch = NormalizeAngle(p.Pitch + n.RotateScale)
	case 's':
		p.Pitch = NormalizeAngle(p.Pitch - n.RotateScale)
	case 'i':
		p.Position = p.Position.Add(p.Forward().Mul(n.MovingScale))
	case 'k':
		p.Position = p.Position.Sub(p.Forward().Mul(n.MovingScale))
	case 'j':
		p.Position = p.Position.Sub(p.Right().Mul(n.MovingScale))
	case 'l':
		p.Position = p.Position.Add(p.Right().Mul(n.MovingScale))
	case 'r':
		n.Current = n.Start
		return n.Current, ActionReset
	case 'f':
		return n.Current, ActionFinish
	case 'q', KeyEscape:
		return n.Current, ActionQuit
	default:
		return n.Current, ActionNone
	}
	n.Current = p
	return p, ActionMove
}
