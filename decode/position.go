package decode

// AdjustPosition corrects a device-reported event position. The
// hardware latches stop and trigger positions one event late; the
// correction is an explicit saturating decrement on the event index, so
// a report of zero stays zero instead of wrapping the counter.
func AdjustPosition(pos uint64) uint64 {
	if pos == 0 {
		return 0
	}
	return pos - 1
}
