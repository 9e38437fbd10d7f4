// SPDX-License-Identifier: GPL-2.0-or-later

// Package engine defines the boundary to the hardware encode and
// decode engines and provides in-process implementations.
package engine

import (
	"errors"
	"fmt"
	"time"

	"vfile/pkg/video/esformat"
)

// Engine errors.
var (
	ErrNotConfigured = errors.New("not configured")
	ErrInvalidConfig = errors.New("invalid config")
	ErrNotStarted    = errors.New("not started")
)

// Error encode or decode engine failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsEngineError reports whether err originates from an engine.
func IsEngineError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// Picture raw or decoded picture.
type Picture struct {
	PTS      int64
	Duration int64
	Data     []byte
}

// EncoderConfig encoder configuration.
type EncoderConfig struct {
	Family esformat.Family
	Width  int
	Height int
	FPS    int

	// A keyframe is emitted when either interval is reached.
	KeyframeInterval int
	KeyframeDuration time.Duration

	BitrateBytesPerSecond int
	ProfileLevel          string
	AllowReordering       bool
	Quality               float64
}

const defaultCompression = 300

// DefaultEncoderConfig returns the default 720p30 configuration.
func DefaultEncoderConfig(family esformat.Family) EncoderConfig {
	c := EncoderConfig{
		Family:           family,
		Width:            1280,
		Height:           720,
		FPS:              30,
		KeyframeInterval: 30,
		KeyframeDuration: time.Second,
		AllowReordering:  false,
		Quality:          1.0,
	}
	c.BitrateBytesPerSecond = Bitrate(c.Width, c.Height, c.FPS, defaultCompression) / 8
	return c
}

// Bitrate returns bits per second for a compression multiple.
func Bitrate(width, height, fps, multiple int) int {
	if multiple <= 0 {
		return 0
	}
	return width * height * 4 * fps * 8 / multiple
}

// Validate checks the configuration.
func (c EncoderConfig) Validate() error {
	switch {
	case !c.Family.Valid():
		return fmt.Errorf("%w: family %v", ErrInvalidConfig, c.Family)
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidConfig, c.Width, c.Height)
	case c.FPS <= 0:
		return fmt.Errorf("%w: fps %d", ErrInvalidConfig, c.FPS)
	case c.KeyframeInterval < 0 || c.KeyframeDuration < 0:
		return fmt.Errorf("%w: negative keyframe interval", ErrInvalidConfig)
	}
	return nil
}

// Encoder turns pictures into compressed samples.
// Samples are delivered on the Samples channel, which is closed by Close.
type Encoder interface {
	Configure(EncoderConfig) error
	Start() error
	Encode(Picture) error
	Samples() <-chan esformat.Sample
	Close() error
}

// DecoderConfig decoder configuration.
type DecoderConfig struct {
	Family        esformat.Family
	ParameterSets esformat.ParameterSets
	Realtime      bool
	Threads       int
}

// Decoder turns compressed frames into pictures. Configure must be called
// whenever the parameter sets change. Decode may return zero or more pictures.
type Decoder interface {
	Configure(DecoderConfig) error
	Decode(esformat.Frame) ([]Picture, error)
	Close() error
}
