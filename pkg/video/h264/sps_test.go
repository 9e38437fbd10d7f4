package h264

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSPSUnmarshal(t *testing.T) {
	cases := []struct {
		name   string
		sps    []byte
		width  int
		height int
	}{
		{
			"16x128",
			[]byte{103, 0, 0, 0, 172, 217, 0},
			16,
			128,
		},
		{
			"1280x720",
			[]byte{
				0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
				0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
				0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
				0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
			},
			1280,
			720,
		},
		{
			"256x192",
			[]byte{
				0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
				0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
				0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
				0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
				0x3a, 0x8e, 0x18, 0xc9,
			},
			256,
			192,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var sps SPS
			require.NoError(t, sps.Unmarshal(tc.sps))
			require.Equal(t, tc.width, sps.Width())
			require.Equal(t, tc.height, sps.Height())
		})
	}
}

func TestSPSUnmarshalFields(t *testing.T) {
	var sps SPS
	require.NoError(t, sps.Unmarshal([]byte{103, 0, 0, 0, 172, 217, 0}))
	expected := SPS{
		ChromaFormatIdc:       1,
		Log2MaxFrameNumMinus4: 1,
		MaxNumRefFrames:       5,
		PicHeightInMbsMinus1:  3,
	}
	require.Equal(t, expected, sps)
	require.Equal(t, float64(0), sps.FPS())
}

func TestSPSErrors(t *testing.T) {
	cases := []struct {
		name     string
		sps      []byte
		expected error
	}{
		{"short", []byte{0x67, 0x64, 0x00}, ErrSPSBufferTooShort},
		{"empty", nil, ErrSPSBufferTooShort},
		{"forbiddenBit", []byte{0xe7, 0, 0, 0, 0}, ErrSPSWrongForbiddenBit},
		{"pps", []byte{0x68, 0, 0, 0, 0}, ErrSPSWrongType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var sps SPS
			require.ErrorIs(t, sps.Unmarshal(tc.sps), tc.expected)
		})
	}
}

func TestRemoveEmulationPrevention(t *testing.T) {
	require.Equal(t,
		[]byte{0, 0, 1, 0, 0, 0, 0, 3},
		RemoveEmulationPrevention([]byte{0, 0, 3, 1, 0, 0, 3, 0, 0, 3, 3}),
	)
}

func TestBaselineSPS(t *testing.T) {
	cases := []struct {
		width  int
		height int
		fps    int
	}{
		{1280, 720, 30},
		{1920, 1080, 25},
		{320, 240, 0},
		{100, 50, 60},
	}
	for _, tc := range cases {
		buf, err := BaselineSPS(tc.width, tc.height, tc.fps)
		require.NoError(t, err)

		var sps SPS
		require.NoError(t, sps.Unmarshal(buf))
		require.Equal(t, tc.width, sps.Width())
		require.Equal(t, tc.height, sps.Height())
		require.Equal(t, float64(tc.fps), sps.FPS())
	}

	_, err := BaselineSPS(0, 720, 30)
	require.ErrorIs(t, err, ErrInvalidDimensions)
}

func TestEmulationPreventionRoundTrip(t *testing.T) {
	raw := []byte{0, 0, 0, 0, 0, 1, 0, 0, 2, 0, 0, 4}
	escaped := AddEmulationPrevention(raw)
	require.Equal(t, []byte{0, 0, 3, 0, 0, 3, 0, 1, 0, 0, 3, 2, 0, 0, 4}, escaped)
	require.Equal(t, raw, RemoveEmulationPrevention(escaped))
}
