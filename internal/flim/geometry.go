package flim

// PixelIndex maps an event time to a pixel column within the line whose
// active window starts at lineStart. It returns false when the time precedes
// the window or falls in the dead time after the last active pixel.
func PixelIndex(t, lineStart, pixelInterval int64, pixelsPerLine uint32) (uint32, bool) {
	dt := t - lineStart
	if dt < 0 {
		return 0, false
	}
	idx := dt / pixelInterval
	if idx >= int64(pixelsPerLine) {
		return 0, false
	}
	return uint32(idx), true
}

// LinePosition maps a zero-based line count to the frame it belongs to and
// its row within that frame.
func LinePosition(line uint64, linesPerFrame uint32) (frame uint64, row uint32) {
	lpf := uint64(linesPerFrame)
	return line / lpf, uint32(line % lpf)
}
