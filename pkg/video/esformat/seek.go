// SPDX-License-Identifier: GPL-2.0-or-later

package esformat

import "fmt"

// SeekPoint result of locating a seek target in the index.
type SeekPoint struct {
	// Keyframe decoding restarts from.
	Anchor      IndexEntry
	AnchorIndex int

	// Last frame at or before the target.
	Target      IndexEntry
	TargetIndex int

	// Absolute timestamp. Pictures before it are decoded but not displayed.
	ResumeAt int64
}

// Locate finds the keyframe to restart decoding from in order to
// display the stream from targetMs milliseconds after the first frame.
// The cursor is not moved.
func (r *Reader) Locate(targetMs int64) (SeekPoint, error) {
	if len(r.index) == 0 {
		return SeekPoint{}, fmt.Errorf("%w: empty stream", ErrOutOfRange)
	}
	target := MillisecondsToTicks(targetMs)
	if target < 0 || target > r.Duration() {
		return SeekPoint{}, fmt.Errorf("%w: %dms, duration %d",
			ErrOutOfRange, targetMs, r.Duration())
	}

	first := r.index[0].Timestamp
	var anchor, current int
	for i, entry := range r.index {
		if entry.Timestamp-first > target {
			break
		}
		if entry.IsKeyframe {
			anchor = i
		}
		current = i
	}

	return SeekPoint{
		Anchor:      r.index[anchor],
		AnchorIndex: anchor,
		Target:      r.index[current],
		TargetIndex: current,
		ResumeAt:    first + target,
	}, nil
}
