// SPDX-License-Identifier: GPL-2.0-or-later

package esformat

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidUnitLength length prefixed unit exceeds the sample.
var ErrInvalidUnitLength = errors.New("invalid unit length")

// PayloadPolicy selects the bytes stored in a frame record
// from a sample's length prefixed bitstream.
type PayloadPolicy func(bitstream []byte) ([]byte, error)

// SplitUnits splits a bitstream of back to back
// [4 byte length][unit] access units.
func SplitUnits(buf []byte) ([][]byte, error) {
	bl := len(buf)
	pos := 0
	var ret [][]byte

	for bl-pos > 0 {
		if (bl - pos) < 4 {
			return nil, ErrInvalidUnitLength
		}

		le := int(binary.BigEndian.Uint32(buf[pos:]))
		pos += 4

		if (bl - pos) < le {
			return nil, fmt.Errorf("%w: %d > %d", ErrInvalidUnitLength, le, bl-pos)
		}

		ret = append(ret, buf[pos:pos+le])
		pos += le
	}

	return ret, nil
}

// JoinUnits encodes units into the length prefixed format.
func JoinUnits(units [][]byte) []byte {
	n := 0
	for _, unit := range units {
		n += 4 + len(unit)
	}
	out := make([]byte, 0, n)
	for _, unit := range units {
		out = appendUint32(out, uint32(len(unit)))
		out = append(out, unit...)
	}
	return out
}

// LargestUnit keeps only the largest unit of the sample, without its length
// prefix. Every other unit is discarded. The first unit wins on ties.
func LargestUnit(bitstream []byte) ([]byte, error) {
	units, err := SplitUnits(bitstream)
	if err != nil {
		return nil, err
	}
	var largest []byte
	for _, unit := range units {
		if len(unit) > len(largest) {
			largest = unit
		}
	}
	return largest, nil
}

// AllUnits stores the whole length prefixed bitstream unchanged.
func AllUnits(bitstream []byte) ([]byte, error) {
	if _, err := SplitUnits(bitstream); err != nil {
		return nil, err
	}
	return bitstream, nil
}
