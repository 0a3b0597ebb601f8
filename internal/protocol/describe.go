package protocol

import "fmt"

// Describe renders the log line for a fresh record on role. ok is false
// when the record carries nothing worth logging: an empty GPIO list, a
// truncated IMU or time-sync sample, or a role without a line format.
func Describe(role Role, seq uint64, payload []byte) (line string, ok bool) {
	switch role {
	case RoleDisplay:
		return fmt.Sprintf("Display frame %d bytes=%d", seq, len(payload)), true
	case RoleCamera:
		return fmt.Sprintf("Camera frame %d bytes=%d", seq, len(payload)), true
	case RoleGPIO:
		entries := DecodeGPIO(payload)
		if len(entries) == 0 {
			return "", false
		}
		return "GPIO update " + FormatGPIO(entries), true
	case RoleIMU:
		imu, ok := DecodeIMU(payload)
		if !ok {
			return "", false
		}
		return "IMU update " + imu.String(), true
	case RoleTime:
		ts, ok := DecodeTimeSync(payload)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("Time sync sim=%.3fs utc_ticks=%d", ts.SimSeconds, ts.UTCTicks), true
	case RoleNetwork:
		mode := DecodeNetwork(payload)
		return fmt.Sprintf("Network mode %d (%s)", uint32(mode), mode), true
	case RoleStatus:
		st, ok := DecodeStatus(payload)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("Status %s detail=%d %q", st.Code, st.Detail, st.Message), true
	}
	return "", false
}
