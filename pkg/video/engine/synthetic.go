// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"encoding/binary"
	"fmt"
	"sync"

	"vfile/pkg/video/esformat"
	"vfile/pkg/video/h264"
)

// Synthetic encoder that produces well formed samples without
// compressing anything. Picture data is ignored.
type Synthetic struct {
	config  EncoderConfig
	params  esformat.ParameterSets
	samples chan esformat.Sample

	configured bool
	started    bool
	closed     bool
	forceKey   bool

	frameNumber int
	sinceKey    int
	lastKeyPTS  int64

	mu sync.Mutex
}

// NewSynthetic creates a synthetic encoder with a sample buffer of size.
func NewSynthetic(size int) *Synthetic {
	return &Synthetic{
		samples: make(chan esformat.Sample, size),
	}
}

// Configure validates the config and generates new parameter sets.
// The next sample is a keyframe.
func (e *Synthetic) Configure(config EncoderConfig) error {
	if err := config.Validate(); err != nil {
		return &Error{Op: "configure", Err: err}
	}

	params, err := syntheticParams(config)
	if err != nil {
		return &Error{Op: "configure", Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = config
	e.params = params
	e.configured = true
	e.forceKey = true
	return nil
}

func syntheticParams(config EncoderConfig) (esformat.ParameterSets, error) {
	dims := make([]byte, 4)
	binary.BigEndian.PutUint16(dims[0:2], uint16(config.Width))
	binary.BigEndian.PutUint16(dims[2:4], uint16(config.Height))

	if config.Family == esformat.FamilyHEVC {
		return esformat.ParameterSets{
			VPS: []byte{0x40, 0x01, 0x0c, 0x01},
			SPS: append([]byte{0x42, 0x01}, dims...),
			PPS: []byte{0x44, 0x01, 0xc1, 0x72},
		}, nil
	}

	sps, err := h264.BaselineSPS(config.Width, config.Height, config.FPS)
	if err != nil {
		return esformat.ParameterSets{}, err
	}
	return esformat.ParameterSets{
		SPS: sps,
		PPS: []byte{0x68, 0xce, 0x38, 0x80},
	}, nil
}

// Start starts accepting pictures.
func (e *Synthetic) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.configured {
		return &Error{Op: "start", Err: ErrNotConfigured}
	}
	if e.closed {
		return &Error{Op: "start", Err: esformat.ErrClosed}
	}
	e.started = true
	return nil
}

// Encode emits one sample for the picture.
func (e *Synthetic) Encode(p Picture) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.closed {
		return &Error{Op: "encode", Err: ErrNotStarted}
	}

	duration := p.Duration
	if duration == 0 {
		duration = esformat.Timescale / int64(e.config.FPS)
	}

	isKey := e.forceKey ||
		(e.config.KeyframeInterval > 0 && e.sinceKey >= e.config.KeyframeInterval) ||
		(e.config.KeyframeDuration > 0 &&
			esformat.TicksToDuration(p.PTS-e.lastKeyPTS) >= e.config.KeyframeDuration)

	if isKey {
		e.forceKey = false
		e.sinceKey = 0
		e.lastKeyPTS = p.PTS
	}
	e.sinceKey++

	sample := esformat.Sample{
		IsKeyframe:    isKey,
		ParameterSets: e.params,
		Bitstream:     e.bitstream(isKey),
		PTS:           p.PTS,
		Duration:      duration,
	}
	e.frameNumber++

	e.samples <- sample
	return nil
}

const minUnitSize = 8

// bitstream returns a small SEI unit followed by the slice.
func (e *Synthetic) bitstream(isKey bool) []byte {
	size := 64
	if e.config.BitrateBytesPerSecond > 0 {
		size = e.config.BitrateBytesPerSecond / e.config.FPS
	}
	if e.config.Quality > 0 {
		size = int(float64(size) * e.config.Quality)
	}

	sliceType := byte(0x41)
	seiType := byte(0x06)
	if e.config.Family == esformat.FamilyHEVC {
		sliceType, seiType = 0x02, 0x4e
	}
	if isKey {
		size *= 2
		if e.config.Family == esformat.FamilyHEVC {
			sliceType = 0x26
		} else {
			sliceType = 0x65
		}
	} else {
		size /= 2
	}
	if size < minUnitSize {
		size = minUnitSize
	}

	slice := make([]byte, size)
	slice[0] = sliceType
	binary.BigEndian.PutUint32(slice[1:5], uint32(e.frameNumber))
	for i := 5; i < size; i++ {
		slice[i] = byte(e.frameNumber)
	}
	sei := []byte{seiType, 0x05, 0x01, byte(e.frameNumber)}

	return esformat.JoinUnits([][]byte{sei, slice})
}

// Samples returns the sample channel.
func (e *Synthetic) Samples() <-chan esformat.Sample {
	return e.samples
}

// FrameCount number of encoded pictures.
func (e *Synthetic) FrameCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frameNumber
}

// Close stops the encoder and closes the sample channel.
func (e *Synthetic) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.samples)
	return nil
}

func (e *Synthetic) String() string {
	return fmt.Sprintf("synthetic %v %dx%d@%d", e.config.Family, e.config.Width, e.config.Height, e.config.FPS)
}
