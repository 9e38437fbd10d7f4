// SPDX-License-Identifier: GPL-2.0-or-later

package recorder

import (
	"errors"
	"fmt"
	"sync"

	"vfile/pkg/video/engine"
	"vfile/pkg/video/esformat"
)

// ErrAlreadyStarted session is already recording.
var ErrAlreadyStarted = errors.New("already started")

// Session records pictures through an encoder.
type Session struct {
	encoder       engine.Encoder
	encoderConfig engine.EncoderConfig
	config        Config

	recorder *Recorder
	pumpDone chan struct{}
	started  bool
	stopped  bool

	reportOnce sync.Once
	mu         sync.Mutex
}

// NewSession returns a session for encoder. The recorder
// family is taken from the encoder configuration.
func NewSession(encoder engine.Encoder, encoderConfig engine.EncoderConfig, config Config) *Session {
	config.Family = encoderConfig.Family
	s := &Session{
		encoder:       encoder,
		encoderConfig: encoderConfig,
		config:        config,
	}

	onError := config.OnError
	s.config.OnError = func(err error) {
		s.report(onError, err)
	}
	return s
}

func (s *Session) report(onError func(error), err error) {
	s.reportOnce.Do(func() {
		if onError != nil {
			onError(err)
		}
	})
}

// Start configures and starts the encoder and opens the file.
// Any failure is fatal and reported once through OnError.
func (s *Session) Start(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	fail := func(err error) error {
		s.config.OnError(err)
		return err
	}

	if err := s.encoder.Configure(s.encoderConfig); err != nil {
		return fail(fmt.Errorf("configure encoder: %w", err))
	}
	if err := s.encoder.Start(); err != nil {
		s.encoder.Close()
		return fail(fmt.Errorf("start encoder: %w", err))
	}

	recorder, err := Open(path, s.config)
	if err != nil {
		s.encoder.Close()
		return fail(fmt.Errorf("open recorder: %w", err))
	}

	s.recorder = recorder
	s.pumpDone = make(chan struct{})
	s.started = true
	go s.pump()
	return nil
}

// pump moves samples from the encoder to the recorder until
// the encoder is closed. Samples after a failure are discarded.
func (s *Session) pump() {
	defer close(s.pumpDone)
	for sample := range s.encoder.Samples() {
		s.recorder.Submit(sample) //nolint:errcheck
	}
}

// Add encodes a picture.
func (s *Session) Add(p engine.Picture) error {
	s.mu.Lock()
	started, stopped := s.started, s.stopped
	s.mu.Unlock()
	if !started {
		return &engine.Error{Op: "encode", Err: engine.ErrNotStarted}
	}
	if stopped {
		return esformat.ErrClosed
	}
	if err := s.recorder.Err(); err != nil {
		return err
	}
	return s.encoder.Encode(p)
}

// Stop closes the encoder and the file. Safe to
// call multiple times or if never started.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true

	encErr := s.encoder.Close()
	<-s.pumpDone
	if err := s.recorder.Close(); err != nil {
		return err
	}
	if encErr != nil {
		return fmt.Errorf("close encoder: %w", encErr)
	}
	return nil
}

// Recorder returns the underlying recorder, nil before Start.
func (s *Session) Recorder() *Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorder
}
