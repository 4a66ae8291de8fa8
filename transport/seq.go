package transport

// SequenceDistance returns the signed wraparound distance from b to a. A
// positive result means a is newer than b.
func SequenceDistance(a, b uint32) int32 {
	return int32(a - b)
}

// SequenceNewer reports whether sequence a is newer than b, tolerating
// wraparound of the 32-bit counter.
func SequenceNewer(a, b uint32) bool {
	return SequenceDistance(a, b) > 0
}
