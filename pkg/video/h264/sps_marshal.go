// SPDX-License-Identifier: GPL-2.0-or-later

package h264

import (
	"bytes"
	"errors"
	"math/bits"

	"github.com/icza/bitio"
)

// ErrInvalidDimensions width or height is not positive.
var ErrInvalidDimensions = errors.New("invalid dimensions")

// BaselineSPS returns a constrained baseline SPS NALU for the given
// picture size with VUI timing info for fps.
func BaselineSPS(width, height, fps int) ([]byte, error) { //nolint:funlen
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidDimensions
	}

	widthMbs := (width + 15) / 16
	heightMbs := (height + 15) / 16

	var rbsp bytes.Buffer
	bw := bitio.NewWriter(&rbsp)

	// seq_parameter_set_id, log2_max_frame_num_minus4.
	writeGolomb(bw, 0)
	writeGolomb(bw, 0)

	// pic_order_cnt_type, max_num_ref_frames, gaps_in_frame_num_value_allowed_flag.
	writeGolomb(bw, 2)
	writeGolomb(bw, 1)
	writeFlag(bw, false)

	writeGolomb(bw, uint32(widthMbs-1))
	writeGolomb(bw, uint32(heightMbs-1))

	// frame_mbs_only_flag, direct_8x8_inference_flag.
	writeFlag(bw, true)
	writeFlag(bw, true)

	cropRight := (widthMbs*16 - width) / 2
	cropBottom := (heightMbs*16 - height) / 2
	cropping := cropRight != 0 || cropBottom != 0
	writeFlag(bw, cropping)
	if cropping {
		writeGolomb(bw, 0)
		writeGolomb(bw, uint32(cropRight))
		writeGolomb(bw, 0)
		writeGolomb(bw, uint32(cropBottom))
	}

	// The VUI only carries timing info.
	timing := fps > 0
	writeFlag(bw, timing)
	if timing {
		// Aspect ratio, overscan, video signal type and chroma location.
		for i := 0; i < 4; i++ {
			writeFlag(bw, false)
		}

		writeFlag(bw, true)
		writeBits(bw, 1, 32)
		writeBits(bw, uint64(2*fps), 32)
		writeFlag(bw, true)

		// HRD parameters, pic struct and bitstream restriction.
		for i := 0; i < 4; i++ {
			writeFlag(bw, false)
		}
	}

	// rbsp_stop_one_bit.
	writeFlag(bw, true)
	if err := bw.Close(); err != nil {
		return nil, err
	}

	const (
		profileBaseline = 66
		constraintSet1  = 0x40
		level31         = 31
	)
	out := []byte{0x60 | NALUTypeSPS, profileBaseline, constraintSet1, level31}
	return append(out, AddEmulationPrevention(rbsp.Bytes())...), nil
}

// AddEmulationPrevention inserts 0x03 after 0x00 0x00 where the
// following byte would otherwise form a start code.
func AddEmulationPrevention(buf []byte) []byte {
	out := make([]byte, 0, len(buf))
	zeros := 0
	for _, b := range buf {
		if zeros == 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

// Writes to a bytes.Buffer cannot fail.
func writeGolomb(bw *bitio.Writer, v uint32) {
	code := uint64(v) + 1
	n := uint8(bits.Len64(code))
	if n > 1 {
		bw.WriteBits(0, n-1) //nolint:errcheck
	}
	bw.WriteBits(code, n) //nolint:errcheck
}

func writeBits(bw *bitio.Writer, v uint64, n uint8) {
	bw.WriteBits(v, n) //nolint:errcheck
}

func writeFlag(bw *bitio.Writer, v bool) {
	bw.WriteBool(v) //nolint:errcheck
}
