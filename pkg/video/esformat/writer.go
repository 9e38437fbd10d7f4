// SPDX-License-Identifier: GPL-2.0-or-later

package esformat

import (
	"fmt"
	"io"
)

// Sample compressed sample produced by an encoder.
type Sample struct {
	IsKeyframe    bool
	ParameterSets ParameterSets

	// Back to back [4 byte length][unit] access units.
	Bitstream []byte

	PTS      int64
	Duration int64
}

// WriterConfig Writer configuration.
type WriterConfig struct {
	Family Family

	// Defaults to LargestUnit.
	Policy PayloadPolicy

	// OnWrite is called with the exact bytes of every append.
	OnWrite func([]byte)
}

// Writer appends records to a stream file.
type Writer struct {
	out     io.Writer
	policy  PayloadPolicy
	onWrite func([]byte)

	lastParams    ParameterSets
	paramsWritten bool

	lastPTS      int64
	frameCount   int
	bytesWritten int64
}

// NewWriter creates a new Writer and writes the header.
func NewWriter(out io.Writer, config WriterConfig) (*Writer, error) {
	if !config.Family.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, config.Family)
	}

	w := &Writer{
		out:     out,
		policy:  config.Policy,
		onWrite: config.OnWrite,
	}
	if w.policy == nil {
		w.policy = LargestUnit
	}

	if err := w.write(appendUint32(nil, uint32(config.Family))); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return w, nil
}

// WriteSample appends a sample. A parameter set record is written first if
// the sample is a keyframe and its tuple differs from the last one written.
func (w *Writer) WriteSample(s Sample) error {
	if w.frameCount != 0 && s.PTS < w.lastPTS {
		return fmt.Errorf("%w: %d < %d", ErrTimestampOrder, s.PTS, w.lastPTS)
	}

	payload, err := w.policy(s.Bitstream)
	if err != nil {
		return fmt.Errorf("select payload: %w", err)
	}

	if s.IsKeyframe && (!w.paramsWritten || !s.ParameterSets.Equal(w.lastParams)) {
		if err := w.write(s.ParameterSets.Marshal()); err != nil {
			return fmt.Errorf("write parameter sets: %w", err)
		}
		w.lastParams = s.ParameterSets
		w.paramsWritten = true
	}

	frame := Frame{
		IsKeyframe: s.IsKeyframe,
		PTS:        s.PTS,
		Duration:   s.Duration,
		Payload:    payload,
	}
	if err := w.write(frame.Marshal()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	w.lastPTS = s.PTS
	w.frameCount++
	return nil
}

func (w *Writer) write(b []byte) error {
	n, err := w.out.Write(b)
	w.bytesWritten += int64(n)
	if err != nil {
		return ioError("write", err)
	}
	if w.onWrite != nil {
		w.onWrite(b)
	}
	return nil
}

// FrameCount number of frames written.
func (w *Writer) FrameCount() int {
	return w.frameCount
}

// LastTimestamp timestamp of the last written frame.
func (w *Writer) LastTimestamp() int64 {
	return w.lastPTS
}

// Size number of bytes written including the header.
func (w *Writer) Size() int64 {
	return w.bytesWritten
}
