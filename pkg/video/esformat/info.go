// SPDX-License-Identifier: GPL-2.0-or-later

package esformat

import (
	"errors"
	"fmt"

	"vfile/pkg/video/h264"
)

// ErrNoVideoInfo the stream has no parsable sequence parameter set.
var ErrNoVideoInfo = errors.New("no video info")

// VideoInfo picture properties from the first sequence parameter set.
type VideoInfo struct {
	Width  int
	Height int
	FPS    float64 // Zero if the stream has no timing info.
}

// VideoInfo parses the first SPS of a H264 stream.
func (r *Reader) VideoInfo() (VideoInfo, error) {
	if r.family != FamilyH264 {
		return VideoInfo{}, fmt.Errorf("%w: %v", ErrNoVideoInfo, r.family)
	}
	if len(r.firstParams.SPS) == 0 {
		return VideoInfo{}, fmt.Errorf("%w: missing sps", ErrNoVideoInfo)
	}

	var sps h264.SPS
	if err := sps.Unmarshal(r.firstParams.SPS); err != nil {
		return VideoInfo{}, fmt.Errorf("%w: %v", ErrNoVideoInfo, err)
	}
	return VideoInfo{
		Width:  sps.Width(),
		Height: sps.Height(),
		FPS:    sps.FPS(),
	}, nil
}
