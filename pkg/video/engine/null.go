// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"fmt"
	"sync"

	"vfile/pkg/video/esformat"
)

// Null decoder that returns each payload as the decoded picture.
type Null struct {
	config     DecoderConfig
	configured bool

	configures int
	mu         sync.Mutex
}

// NewNull creates a null decoder.
func NewNull() *Null {
	return &Null{}
}

// Configure stores the configuration. Reconfiguring
// with identical parameter sets is a no-op.
func (d *Null) Configure(config DecoderConfig) error {
	if !config.Family.Valid() {
		return &Error{Op: "configure", Err: fmt.Errorf("%w: family %v", ErrInvalidConfig, config.Family)}
	}
	if len(config.ParameterSets.SPS) == 0 || len(config.ParameterSets.PPS) == 0 {
		return &Error{Op: "configure", Err: fmt.Errorf("%w: missing parameter sets", ErrInvalidConfig)}
	}
	if config.Family == esformat.FamilyHEVC && len(config.ParameterSets.VPS) == 0 {
		return &Error{Op: "configure", Err: fmt.Errorf("%w: missing vps", ErrInvalidConfig)}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.configured && d.config.ParameterSets.Equal(config.ParameterSets) {
		return nil
	}
	d.config = config
	d.configured = true
	d.configures++
	return nil
}

// Decode returns the payload as a picture.
func (d *Null) Decode(frame esformat.Frame) ([]Picture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return nil, &Error{Op: "decode", Err: ErrNotConfigured}
	}
	return []Picture{{
		PTS:      frame.PTS,
		Duration: frame.Duration,
		Data:     frame.Payload,
	}}, nil
}

// Configures number of effective reconfigurations.
func (d *Null) Configures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configures
}

// Close releases the decoder.
func (d *Null) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configured = false
	return nil
}
