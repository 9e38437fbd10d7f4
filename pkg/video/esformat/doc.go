// SPDX-License-Identifier: GPL-2.0-or-later

// Package esformat reads and writes single track elementary video streams.
package esformat

// Elementary stream container.
// Requirements.
//   1. The file is append-only and written by a single writer.
//   2. Frames are addressable by byte offset for random access.
//   3. Decoding can restart at any keyframe.
//
// All integers are big-endian.
//
// <name>.es
//   family  uint32 // 264 or 265.
//   records []record
//
// parameterSet { // Written before a keyframe when the tuple changed.
//   vps field // Optional, HEVC only.
//   sps field
//   pps field
// }
//
// field {
//   tag    uint8 // 0x01 vps, 0x02 sps, 0x04 pps.
//   size   uint32
//   data   []byte
// }
//
// frame {
//   tag      uint8 // 0x08 keyframe, 0x10 inter frame.
//   pts      uint64
//   duration uint64
//   size     uint32
//   data     []byte // A single access unit.
// }
//
// Timestamps are in Timescale ticks per second.
