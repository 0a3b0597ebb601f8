package protocol

// Role names one logical stream. Each role maps to exactly one channel file.
type Role uint8

const (
	RoleDisplay Role = iota
	RoleCamera
	RoleGPIO
	RoleIMU
	RoleTime
	RoleNetwork
	RoleStatus
)

// Roles lists every role in polling order.
var Roles = []Role{RoleDisplay, RoleCamera, RoleGPIO, RoleIMU, RoleTime, RoleNetwork, RoleStatus}

var roleNames = [...]string{
	RoleDisplay: "display",
	RoleCamera:  "camera",
	RoleGPIO:    "gpio",
	RoleIMU:     "imu",
	RoleTime:    "time",
	RoleNetwork: "net",
	RoleStatus:  "status",
}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return "unknown"
}

// FileName returns the channel file name for r, e.g. "rpi_gpio.shm".
func (r Role) FileName() string {
	return "rpi_" + r.String() + ".shm"
}

// IsImage reports whether r carries RGBA frames.
func (r Role) IsImage() bool {
	return r == RoleDisplay || r == RoleCamera
}
