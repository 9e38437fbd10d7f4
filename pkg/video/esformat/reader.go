// SPDX-License-Identifier: GPL-2.0-or-later

package esformat

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// IndexEntry location of a single frame record.
type IndexEntry struct {
	// Offset of the frame's tag byte.
	Offset     int64
	Timestamp  int64
	IsKeyframe bool

	// Offset of the parameter set record in effect for this
	// frame, -1 if no parameter set record precedes it.
	ParamsOffset int64
}

// Reader indexes a stream file and reads its records sequentially.
// Not safe for concurrent use.
type Reader struct {
	in     io.ReadSeeker
	family Family
	size   int64

	index        []IndexEntry
	keyframes    int
	firstParams  ParameterSets
	paramRecords int

	cur    *bufio.Reader
	offset int64
}

// NewReader reads the header and builds the frame index
// with a single forward scan. The cursor is left after the header.
func NewReader(in io.ReadSeeker) (*Reader, error) {
	size, err := in.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, ioError("seek end", err)
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return nil, ioError("seek start", err)
	}

	r := &Reader{
		in:   in,
		size: size,
		cur:  bufio.NewReader(in),
	}

	header, err := readUint32(r.cur)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: missing header", ErrUnknownFormat)
		}
		return nil, ioError("read header", err)
	}
	r.family = Family(header)
	if !r.family.Valid() {
		return nil, fmt.Errorf("%w: header %d", ErrUnknownFormat, header)
	}
	r.offset = headerSize

	if err := r.scan(); err != nil {
		return nil, err
	}
	if err := r.Rewind(); err != nil {
		return nil, err
	}
	return r, nil
}

type countingReader struct {
	br  *bufio.Reader
	pos int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.br.Read(p)
	c.pos += int64(n)
	return n, err
}

func (c *countingReader) discard(n int) error {
	d, err := c.br.Discard(n)
	c.pos += int64(d)
	return err
}

func (r *Reader) scan() error {
	cr := &countingReader{br: r.cur, pos: r.offset}
	paramsOffset := int64(-1)

	for {
		offset := cr.pos
		tag, err := readUint8(cr)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return ioError("read tag", err)
		}

		switch tag {
		case TagVPS, TagSPS:
			ps, err := readParameterSets(cr, tag)
			if err != nil {
				return fmt.Errorf("parameter sets at %d: %w", offset, err)
			}
			if r.paramRecords == 0 {
				r.firstParams = ps
			}
			r.paramRecords++
			paramsOffset = offset

		case TagKeyframe, TagInterframe:
			frame, size, err := readFrameHeader(cr, tag)
			if err != nil {
				return fmt.Errorf("frame at %d: %w", offset, err)
			}
			if err := cr.discard(int(size)); err != nil {
				return fmt.Errorf("frame at %d: %w", offset, truncated("frame payload", err))
			}
			r.index = append(r.index, IndexEntry{
				Offset:       offset,
				Timestamp:    frame.PTS,
				IsKeyframe:   frame.IsKeyframe,
				ParamsOffset: paramsOffset,
			})
			if frame.IsKeyframe {
				r.keyframes++
			}

		default:
			return fmt.Errorf("%w: unexpected tag 0x%02x at %d", ErrCorruptFormat, tag, offset)
		}
	}
}

// Next reads the record at the cursor and advances it.
// Returns io.EOF at the end of the file.
func (r *Reader) Next() (Record, error) {
	start := r.offset
	cr := &countingReader{br: r.cur, pos: start}
	record, err := ReadRecord(cr)
	r.offset = cr.pos
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		// Never leave the cursor inside a record.
		r.SeekTo(start) //nolint:errcheck
		return nil, fmt.Errorf("record at %d: %w", start, err)
	}
	return record, nil
}

// SeekTo moves the cursor to offset, which must be the start of a record.
func (r *Reader) SeekTo(offset int64) error {
	if offset < headerSize || offset > r.size {
		return fmt.Errorf("%w: offset %d", ErrOutOfRange, offset)
	}
	if _, err := r.in.Seek(offset, io.SeekStart); err != nil {
		return ioError("seek", err)
	}
	r.cur.Reset(r.in)
	r.offset = offset
	return nil
}

// Rewind moves the cursor to the first record.
func (r *Reader) Rewind() error {
	return r.SeekTo(headerSize)
}

// Offset returns the cursor position.
func (r *Reader) Offset() int64 {
	return r.offset
}

// ParameterSetsAt reads the parameter set record at offset.
// The cursor is preserved.
func (r *Reader) ParameterSetsAt(offset int64) (ParameterSets, error) {
	saved := r.offset
	if err := r.SeekTo(offset); err != nil {
		return ParameterSets{}, err
	}
	record, err := r.Next()
	if err2 := r.SeekTo(saved); err == nil {
		err = err2
	}
	if err != nil {
		return ParameterSets{}, err
	}

	ps, ok := record.(*ParameterSets)
	if !ok {
		return ParameterSets{}, fmt.Errorf("%w: no parameter sets at %d", ErrCorruptFormat, offset)
	}
	return *ps, nil
}

// Family codec family from the header.
func (r *Reader) Family() Family {
	return r.family
}

// Size file size in bytes.
func (r *Reader) Size() int64 {
	return r.size
}

// FrameCount number of indexed frames.
func (r *Reader) FrameCount() int {
	return len(r.index)
}

// KeyframeCount number of indexed keyframes.
func (r *Reader) KeyframeCount() int {
	return r.keyframes
}

// FirstParameterSets the first parameter set record in the file.
func (r *Reader) FirstParameterSets() ParameterSets {
	return r.firstParams
}

// FirstTimestamp timestamp of the first frame.
func (r *Reader) FirstTimestamp() (int64, bool) {
	if len(r.index) == 0 {
		return 0, false
	}
	return r.index[0].Timestamp, true
}

// Duration in ticks between the first and the last frame.
func (r *Reader) Duration() int64 {
	if len(r.index) < 2 {
		return 0
	}
	return r.index[len(r.index)-1].Timestamp - r.index[0].Timestamp
}

// Entry returns the i'th index entry.
func (r *Reader) Entry(i int) (IndexEntry, error) {
	if i < 0 || i >= len(r.index) {
		return IndexEntry{}, fmt.Errorf("%w: entry %d of %d", ErrOutOfRange, i, len(r.index))
	}
	return r.index[i], nil
}

// Entries returns the frame index. The slice must not be modified.
func (r *Reader) Entries() []IndexEntry {
	return r.index
}
