// SPDX-License-Identifier: GPL-2.0-or-later

// Package h264 parses the H264 parameter sets stored in stream files.
package h264

import (
	"bytes"
	"errors"

	"github.com/icza/bitio"
)

// NALUTypeSPS sequence parameter set.
const NALUTypeSPS = 7

// SPS errors.
var (
	ErrSPSBufferTooShort    = errors.New("buffer too short")
	ErrSPSWrongForbiddenBit = errors.New("wrong forbidden bit")
	ErrSPSWrongType         = errors.New("not a SPS")
)

// SPS subset of a H264 sequence parameter set.
type SPS struct {
	ProfileIdc uint8
	LevelIdc   uint8
	ID         uint32

	ChromaFormatIdc uint32

	Log2MaxFrameNumMinus4 uint32
	PicOrderCntType       uint32
	MaxNumRefFrames       uint32

	PicWidthInMbsMinus1  uint32
	PicHeightInMbsMinus1 uint32
	FrameMbsOnlyFlag     bool

	// frameCroppingFlag == true
	FrameCropping *FrameCropping

	// Only set if the VUI carries timing info.
	NumUnitsInTick uint32
	TimeScale      uint32
}

// FrameCropping frame cropping offsets.
type FrameCropping struct {
	LeftOffset   uint32
	RightOffset  uint32
	TopOffset    uint32
	BottomOffset uint32
}

// RemoveEmulationPrevention removes 0x03 bytes inserted after 0x00 0x00.
func RemoveEmulationPrevention(buf []byte) []byte {
	n := len(buf)
	out := make([]byte, 0, n)
	zeros := 0
	for _, b := range buf {
		if zeros == 2 && b == 0x03 {
			zeros = 0
			continue
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

// Unmarshal decodes a SPS from bytes.
func (s *SPS) Unmarshal(buf []byte) error { //nolint:funlen
	// ref: ISO/IEC 14496-10:2020

	buf = RemoveEmulationPrevention(buf)

	if len(buf) < 4 {
		return ErrSPSBufferTooShort
	}

	if buf[0]>>7 != 0 {
		return ErrSPSWrongForbiddenBit
	}
	if buf[0]&0x1F != NALUTypeSPS {
		return ErrSPSWrongType
	}

	s.ProfileIdc = buf[1]
	s.LevelIdc = buf[3]

	br := bitio.NewReader(bytes.NewReader(buf[4:]))

	var err error
	if s.ID, err = readGolombUnsigned(br); err != nil {
		return err
	}

	if err := s.unmarshalProfileIdc(br); err != nil {
		return err
	}

	if s.Log2MaxFrameNumMinus4, err = readGolombUnsigned(br); err != nil {
		return err
	}

	if s.PicOrderCntType, err = readGolombUnsigned(br); err != nil {
		return err
	}
	if err := s.skipPicOrderCnt(br); err != nil {
		return err
	}

	if s.MaxNumRefFrames, err = readGolombUnsigned(br); err != nil {
		return err
	}

	// gaps_in_frame_num_value_allowed_flag.
	if _, err := readFlag(br); err != nil {
		return err
	}

	if s.PicWidthInMbsMinus1, err = readGolombUnsigned(br); err != nil {
		return err
	}
	if s.PicHeightInMbsMinus1, err = readGolombUnsigned(br); err != nil {
		return err
	}

	if s.FrameMbsOnlyFlag, err = readFlag(br); err != nil {
		return err
	}
	if !s.FrameMbsOnlyFlag {
		// mb_adaptive_frame_field_flag.
		if _, err := readFlag(br); err != nil {
			return err
		}
	}

	// direct_8x8_inference_flag.
	if _, err := readFlag(br); err != nil {
		return err
	}

	frameCroppingFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	if frameCroppingFlag {
		s.FrameCropping = &FrameCropping{}
		if err := s.FrameCropping.unmarshal(br); err != nil {
			return err
		}
	} else {
		s.FrameCropping = nil
	}

	vuiParameterPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	if vuiParameterPresentFlag {
		return s.unmarshalVUITiming(br)
	}
	return nil
}

func (s *SPS) unmarshalProfileIdc(br *bitio.Reader) error {
	switch s.ProfileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
	default:
		s.ChromaFormatIdc = 1
		return nil
	}

	var err error
	if s.ChromaFormatIdc, err = readGolombUnsigned(br); err != nil {
		return err
	}
	if s.ChromaFormatIdc == 3 {
		// separate_colour_plane_flag.
		if _, err := readFlag(br); err != nil {
			return err
		}
	}

	// bit_depth_luma_minus8, bit_depth_chroma_minus8.
	for i := 0; i < 2; i++ {
		if _, err := readGolombUnsigned(br); err != nil {
			return err
		}
	}

	// qpprime_y_zero_transform_bypass_flag.
	if _, err := readFlag(br); err != nil {
		return err
	}

	seqScalingMatrixPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	if !seqScalingMatrixPresentFlag {
		return nil
	}

	lim := 8
	if s.ChromaFormatIdc == 3 {
		lim = 12
	}
	for i := 0; i < lim; i++ {
		present, err := readFlag(br)
		if err != nil {
			return err
		}
		if !present {
			continue
		}
		size := 16
		if i >= 6 {
			size = 64
		}
		if err := skipScalingList(br, size); err != nil {
			return err
		}
	}
	return nil
}

func skipScalingList(br *bitio.Reader, size int) error {
	lastScale := int32(8)
	nextScale := int32(8)
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			deltaScale, err := readGolombSigned(br)
			if err != nil {
				return err
			}
			nextScale = (lastScale + deltaScale + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

func (s *SPS) skipPicOrderCnt(br *bitio.Reader) error {
	switch s.PicOrderCntType {
	case 0:
		// log2_max_pic_order_cnt_lsb_minus4.
		_, err := readGolombUnsigned(br)
		return err

	case 1:
		// delta_pic_order_always_zero_flag.
		if _, err := readFlag(br); err != nil {
			return err
		}
		// offset_for_non_ref_pic, offset_for_top_to_bottom_field.
		for i := 0; i < 2; i++ {
			if _, err := readGolombSigned(br); err != nil {
				return err
			}
		}
		n, err := readGolombUnsigned(br)
		if err != nil {
			return err
		}
		for i := uint32(0); i < n; i++ {
			if _, err := readGolombSigned(br); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *FrameCropping) unmarshal(br *bitio.Reader) error {
	var err error
	if c.LeftOffset, err = readGolombUnsigned(br); err != nil {
		return err
	}
	if c.RightOffset, err = readGolombUnsigned(br); err != nil {
		return err
	}
	if c.TopOffset, err = readGolombUnsigned(br); err != nil {
		return err
	}
	c.BottomOffset, err = readGolombUnsigned(br)
	return err
}

// unmarshalVUITiming reads the VUI up to and including the timing info.
func (s *SPS) unmarshalVUITiming(br *bitio.Reader) error { //nolint:funlen
	aspectRatioInfoPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	if aspectRatioInfoPresentFlag {
		aspectRatioIdc, err := br.ReadBits(8)
		if err != nil {
			return err
		}
		if aspectRatioIdc == 255 { // Extended_SAR
			if _, err := br.ReadBits(32); err != nil {
				return err
			}
		}
	}

	overscanInfoPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	if overscanInfoPresentFlag {
		if _, err := readFlag(br); err != nil {
			return err
		}
	}

	videoSignalTypePresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	if videoSignalTypePresentFlag {
		// video_format, video_full_range_flag.
		if _, err := br.ReadBits(4); err != nil {
			return err
		}
		colourDescriptionPresentFlag, err := readFlag(br)
		if err != nil {
			return err
		}
		if colourDescriptionPresentFlag {
			if _, err := br.ReadBits(24); err != nil {
				return err
			}
		}
	}

	chromaLocInfoPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	if chromaLocInfoPresentFlag {
		for i := 0; i < 2; i++ {
			if _, err := readGolombUnsigned(br); err != nil {
				return err
			}
		}
	}

	timingInfoPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	if !timingInfoPresentFlag {
		return nil
	}

	tmp, err := br.ReadBits(32)
	if err != nil {
		return err
	}
	s.NumUnitsInTick = uint32(tmp)

	tmp, err = br.ReadBits(32)
	if err != nil {
		return err
	}
	s.TimeScale = uint32(tmp)
	return nil
}

// Width returns the video width.
func (s SPS) Width() int {
	if s.FrameCropping != nil {
		return int(((s.PicWidthInMbsMinus1 + 1) * 16) - (s.FrameCropping.LeftOffset+s.FrameCropping.RightOffset)*2)
	}

	return int((s.PicWidthInMbsMinus1 + 1) * 16)
}

// Height returns the video height.
func (s SPS) Height() int {
	f := uint32(0)
	if s.FrameMbsOnlyFlag {
		f = 1
	}

	if s.FrameCropping != nil {
		return int(((2 - f) * (s.PicHeightInMbsMinus1 + 1) * 16) - (s.FrameCropping.TopOffset+s.FrameCropping.BottomOffset)*2)
	}

	return int((2 - f) * (s.PicHeightInMbsMinus1 + 1) * 16)
}

// FPS returns the frame per second of the video.
func (s SPS) FPS() float64 {
	if s.NumUnitsInTick == 0 {
		return 0
	}
	return float64(s.TimeScale) / (2 * float64(s.NumUnitsInTick))
}
