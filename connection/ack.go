package connection

import "github.com/opd-ai/udpc/transport"

// ackWindowSize is the number of sequences tracked by an AckWindow.
const ackWindowSize = 32

// AckWindow tracks which remote sequences have been received. Bit 31-d of the
// bitfield is set when sequence Latest()-d was received.
type AckWindow struct {
	latest  uint32
	bits    uint32
	started bool
}

// Observe records seq and reports whether it is fresh. Duplicates and
// sequences older than the window are not fresh.
func (w *AckWindow) Observe(seq uint32) bool {
	if !w.started {
		w.started = true
		w.latest = seq
		w.bits = 1 << 31
		return true
	}

	d := transport.SequenceDistance(seq, w.latest)
	switch {
	case transport.SequenceNewer(seq, w.latest):
		if d >= ackWindowSize {
			w.bits = 0
		} else {
			w.bits >>= uint(d)
		}
		w.bits |= 1 << 31
		w.latest = seq
		return true
	case d <= -ackWindowSize, w.Received(seq):
		return false
	default:
		w.bits |= uint32(1) << uint(31+d)
		return true
	}
}

// Latest returns the newest sequence received, or 0 before any.
func (w *AckWindow) Latest() uint32 { return w.latest }

// Bitfield returns the receive bitfield relative to Latest.
func (w *AckWindow) Bitfield() uint32 { return w.bits }

// Received reports whether seq is recorded in the window.
func (w *AckWindow) Received(seq uint32) bool {
	if !w.started {
		return false
	}
	d := transport.SequenceDistance(w.latest, seq)
	if d < 0 || d >= ackWindowSize {
		return false
	}
	return w.bits&(uint32(1)<<uint(31-d)) != 0
}
