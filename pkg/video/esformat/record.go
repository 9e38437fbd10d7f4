// SPDX-License-Identifier: GPL-2.0-or-later

package esformat

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Family codec family stored in the file header.
type Family uint32

// Supported codec families.
const (
	FamilyH264 Family = 264
	FamilyHEVC Family = 265
)

const headerSize = 4

func (f Family) String() string {
	switch f {
	case FamilyH264:
		return "h264"
	case FamilyHEVC:
		return "hevc"
	}
	return fmt.Sprintf("unknown(%d)", uint32(f))
}

// Valid reports whether f is a supported family.
func (f Family) Valid() bool {
	return f == FamilyH264 || f == FamilyHEVC
}

// ParseFamily parses a family name.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(s) {
	case "h264", "avc", "264":
		return FamilyH264, nil
	case "hevc", "h265", "265":
		return FamilyHEVC, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Record tags.
const (
	TagVPS        = uint8(1 << 0)
	TagSPS        = uint8(1 << 1)
	TagPPS        = uint8(1 << 2)
	TagKeyframe   = uint8(1 << 3)
	TagInterframe = uint8(1 << 4)
)

// Timescale ticks per second.
const Timescale = 1000

// TicksToDuration converts ticks to time.Duration.
func TicksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks) * time.Second / Timescale
}

// MillisecondsToTicks converts milliseconds to ticks.
func MillisecondsToTicks(ms int64) int64 {
	return ms * Timescale / 1000
}

// Records larger than this are treated as corrupt.
const maxFieldSize = 1 << 28

const frameHeaderSize = 1 + 8 + 8 + 4

// Record is either *ParameterSets or *Frame.
type Record interface {
	Marshal() []byte
	isRecord()
}

// ParameterSets codec metadata that must precede a keyframe.
type ParameterSets struct {
	VPS []byte // HEVC only.
	SPS []byte
	PPS []byte
}

func (*ParameterSets) isRecord() {}

// Equal reports whether both tuples are identical.
func (p ParameterSets) Equal(other ParameterSets) bool {
	return (p.VPS == nil) == (other.VPS == nil) &&
		bytes.Equal(p.VPS, other.VPS) &&
		bytes.Equal(p.SPS, other.SPS) &&
		bytes.Equal(p.PPS, other.PPS)
}

// IsZero reports whether no parameter set is present.
func (p ParameterSets) IsZero() bool {
	return p.VPS == nil && p.SPS == nil && p.PPS == nil
}

// Size marshaled size.
func (p ParameterSets) Size() int {
	n := 10 + len(p.SPS) + len(p.PPS)
	if p.VPS != nil {
		n += 5 + len(p.VPS)
	}
	return n
}

// Marshal parameter sets.
func (p ParameterSets) Marshal() []byte {
	out := make([]byte, 0, p.Size())
	if p.VPS != nil {
		out = marshalField(out, TagVPS, p.VPS)
	}
	out = marshalField(out, TagSPS, p.SPS)
	out = marshalField(out, TagPPS, p.PPS)
	return out
}

func marshalField(out []byte, tag uint8, value []byte) []byte {
	out = append(out, tag)
	out = appendUint32(out, uint32(len(value)))
	return append(out, value...)
}

// Frame a single access unit.
type Frame struct {
	IsKeyframe bool
	PTS        int64
	Duration   int64
	Payload    []byte
}

func (*Frame) isRecord() {}

// Size marshaled size.
func (f Frame) Size() int {
	return frameHeaderSize + len(f.Payload)
}

// Marshal frame.
func (f Frame) Marshal() []byte {
	out := make([]byte, 0, f.Size())
	if f.IsKeyframe {
		out = append(out, TagKeyframe)
	} else {
		out = append(out, TagInterframe)
	}
	out = appendUint64(out, uint64(f.PTS))
	out = appendUint64(out, uint64(f.Duration))
	out = appendUint32(out, uint32(len(f.Payload)))
	return append(out, f.Payload...)
}

// ReadRecord decodes the next record from r.
// Returns io.EOF if r is exhausted before the tag byte.
func ReadRecord(r io.Reader) (Record, error) {
	tag, err := readUint8(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, ioError("read tag", err)
	}

	switch tag {
	case TagVPS, TagSPS:
		ps, err := readParameterSets(r, tag)
		if err != nil {
			return nil, err
		}
		return &ps, nil
	case TagKeyframe, TagInterframe:
		frame, size, err := readFrameHeader(r, tag)
		if err != nil {
			return nil, err
		}
		frame.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, frame.Payload); err != nil {
			return nil, truncated("frame payload", err)
		}
		return &frame, nil
	}
	return nil, fmt.Errorf("%w: unexpected tag 0x%02x", ErrCorruptFormat, tag)
}

// readParameterSets reads the remaining fields of a parameter set
// record whose first tag has already been consumed.
func readParameterSets(r io.Reader, first uint8) (ParameterSets, error) {
	var ps ParameterSets
	tag := first
	if tag == TagVPS {
		vps, err := readField(r)
		if err != nil {
			return ParameterSets{}, err
		}
		ps.VPS = vps
		if tag, err = readUint8(r); err != nil {
			return ParameterSets{}, truncated("sps tag", err)
		}
	}

	if tag != TagSPS {
		return ParameterSets{}, fmt.Errorf("%w: expected sps tag, got 0x%02x", ErrCorruptFormat, tag)
	}
	sps, err := readField(r)
	if err != nil {
		return ParameterSets{}, err
	}
	ps.SPS = sps

	if tag, err = readUint8(r); err != nil {
		return ParameterSets{}, truncated("pps tag", err)
	}
	if tag != TagPPS {
		return ParameterSets{}, fmt.Errorf("%w: expected pps tag, got 0x%02x", ErrCorruptFormat, tag)
	}
	pps, err := readField(r)
	if err != nil {
		return ParameterSets{}, err
	}
	ps.PPS = pps

	return ps, nil
}

func readField(r io.Reader) ([]byte, error) {
	size, err := readUint32(r)
	if err != nil {
		return nil, truncated("field size", err)
	}
	if size > maxFieldSize {
		return nil, fmt.Errorf("%w: field size %d", ErrCorruptFormat, size)
	}
	value := make([]byte, size)
	if _, err := io.ReadFull(r, value); err != nil {
		return nil, truncated("field", err)
	}
	return value, nil
}

// readFrameHeader reads everything but the payload.
func readFrameHeader(r io.Reader, tag uint8) (Frame, uint32, error) {
	frame := Frame{IsKeyframe: tag == TagKeyframe}

	pts, err := readUint64(r)
	if err != nil {
		return Frame{}, 0, truncated("pts", err)
	}
	frame.PTS = int64(pts)

	duration, err := readUint64(r)
	if err != nil {
		return Frame{}, 0, truncated("duration", err)
	}
	frame.Duration = int64(duration)

	size, err := readUint32(r)
	if err != nil {
		return Frame{}, 0, truncated("payload size", err)
	}
	if size > maxFieldSize {
		return Frame{}, 0, fmt.Errorf("%w: payload size %d", ErrCorruptFormat, size)
	}
	return frame, size, nil
}

// truncated maps a short read inside a record to ErrCorruptFormat.
func truncated(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s", ErrCorruptFormat, what)
	}
	return ioError("read "+what, err)
}
