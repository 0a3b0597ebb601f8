package host

// BuildPattern returns the animated RGBA test frame for tick: pixel (x, y)
// is (x+tick, y+2·tick, x+y+3·tick, 255), each component mod 256.
func BuildPattern(width, height, tick int) []byte {
	buf := make([]byte, width*height*4)
	FillPattern(buf, width, height, tick)
	return buf
}

// FillPattern writes the pattern into buf, which must hold width*height*4
// bytes. It lets the host loop reuse one frame buffer.
func FillPattern(buf []byte, width, height, tick int) {
	for y := range height {
		row := y * width * 4
		for x := range width {
			i := row + x*4
			buf[i] = byte(x + tick)
			buf[i+1] = byte(y + tick*2)
			buf[i+2] = byte(x + y + tick*3)
			buf[i+3] = 0xFF
		}
	}
}
