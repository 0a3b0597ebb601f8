package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// IMUPayloadSize is the channel capacity for IMU records: nine floats plus
// seven floats of padding.
const IMUPayloadSize = 64

// imuDataSize is the number of meaningful bytes in an IMU record.
const imuDataSize = 9 * 4

// IMU is one 9-axis sample: accelerometer, gyroscope, magnetometer.
type IMU struct {
	AX, AY, AZ float32
	GX, GY, GZ float32
	MX, MY, MZ float32
}

// DecodeIMU parses an IMU payload. ok is false when the payload is shorter
// than nine floats.
func DecodeIMU(payload []byte) (imu IMU, ok bool) {
	if len(payload) < imuDataSize {
		return IMU{}, false
	}
	f := func(i int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4 : i*4+4]))
	}
	return IMU{
		AX: f(0), AY: f(1), AZ: f(2),
		GX: f(3), GY: f(4), GZ: f(5),
		MX: f(6), MY: f(7), MZ: f(8),
	}, true
}

// EncodeIMU serializes a sample into a full IMUPayloadSize record.
func EncodeIMU(imu IMU) []byte {
	buf := make([]byte, IMUPayloadSize)
	for i, v := range imu.values() {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(v))
	}
	return buf
}

func (m IMU) values() [9]float32 {
	return [9]float32{m.AX, m.AY, m.AZ, m.GX, m.GY, m.GZ, m.MX, m.MY, m.MZ}
}

func (m IMU) String() string {
	return fmt.Sprintf("ax=%.3f ay=%.3f az=%.3f gx=%.3f gy=%.3f gz=%.3f mx=%.3f my=%.3f mz=%.3f",
		m.AX, m.AY, m.AZ, m.GX, m.GY, m.GZ, m.MX, m.MY, m.MZ)
}
