// SPDX-License-Identifier: GPL-2.0-or-later

// Package recorder writes stream files from compressed samples.
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"vfile/pkg/log"
	"vfile/pkg/storage"
	"vfile/pkg/video/esformat"

	"github.com/google/uuid"
)

// Config recorder configuration.
type Config struct {
	Family esformat.Family

	// Defaults to esformat.LargestUnit.
	Policy esformat.PayloadPolicy

	// Open fails if less is free on the target file system, 0 disables the check.
	MinFreeBytes int64

	// OnWrite is called with the exact bytes of every append, in file order.
	OnWrite func([]byte)

	// OnError is called once with the error that ended the session.
	OnError func(error)

	// Generated if empty.
	SessionID string

	Logger *log.Logger
}

const queueSize = 64

// Recorder muxer session. Samples are written by
// a single goroutine in submission order.
type Recorder struct {
	// Accessed atomically, kept first for alignment.
	frames  int64
	dropped int64
	size    int64

	id      string
	path    string
	config  Config
	logger  *log.Logger
	onError func(error)

	queue chan esformat.Sample
	done  chan struct{}

	mu       sync.Mutex
	closed   bool
	fatal    error
	closeErr error

	// Owned by the write goroutine.
	file   *os.File
	buf    *bufio.Writer
	writer *esformat.Writer
}

// Open creates or truncates the file at path, writes
// the header and starts the write goroutine.
func Open(path string, config Config) (*Recorder, error) {
	return open(path, config, storage.Usage)
}

func open(
	path string,
	config Config,
	diskUsage func(string) (storage.DiskUsage, error),
) (*Recorder, error) {
	if !config.Family.Valid() {
		return nil, fmt.Errorf("%w: %v", esformat.ErrUnknownFormat, config.Family)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, &esformat.IOError{Op: "create directory", Err: err}
	}

	if config.MinFreeBytes > 0 {
		usage, err := diskUsage(dir)
		if err != nil {
			return nil, err
		}
		if err := storage.CheckFreeSpace(usage, config.MinFreeBytes); err != nil {
			return nil, err
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, &esformat.IOError{Op: "create", Err: err}
	}

	id := config.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	r := &Recorder{
		id:      id,
		path:    path,
		config:  config,
		logger:  config.Logger,
		onError: config.OnError,
		queue:   make(chan esformat.Sample, queueSize),
		done:    make(chan struct{}),
		file:    file,
		buf:     bufio.NewWriter(file),
	}

	r.writer, err = esformat.NewWriter(r.buf, esformat.WriterConfig{
		Family:  config.Family,
		Policy:  config.Policy,
		OnWrite: r.observe,
	})
	if err == nil {
		err = r.flush()
	}
	if err != nil {
		file.Close()
		return nil, err
	}

	r.logger.Info().Src("recorder").Session(id).
		Msgf("recording %v to %v", config.Family, path)

	go r.run()
	return r, nil
}

func (r *Recorder) observe(b []byte) {
	atomic.AddInt64(&r.size, int64(len(b)))
	if r.config.OnWrite != nil {
		r.config.OnWrite(b)
	}
}

func (r *Recorder) flush() error {
	if err := r.buf.Flush(); err != nil {
		return &esformat.IOError{Op: "flush", Err: err}
	}
	return nil
}

func (r *Recorder) run() {
	defer close(r.done)

	for sample := range r.queue {
		err := r.writer.WriteSample(sample)
		if err == nil && len(r.queue) == 0 {
			err = r.flush()
		}
		switch {
		case err == nil:
			atomic.AddInt64(&r.frames, 1)

		case esformat.IsIOError(err):
			r.fail(err)
			return

		default:
			// The sample is rejected, the file is still intact.
			atomic.AddInt64(&r.dropped, 1)
			r.logger.Warn().Src("recorder").Session(r.id).
				Msgf("dropped sample at %d: %v", sample.PTS, err)
		}
	}

	if err := r.flush(); err != nil {
		r.closeErr = err
	}
	if err := r.file.Close(); err != nil && r.closeErr == nil {
		r.closeErr = &esformat.IOError{Op: "close", Err: err}
	}

	r.logger.Info().Src("recorder").Session(r.id).
		Msgf("recording finished: %d frames, %d bytes", r.FrameCount(), r.Size())
}

// fail ends the session after a write error.
func (r *Recorder) fail(err error) {
	r.file.Close()
	r.fatal = fmt.Errorf("session %v: %w", r.id, err)

	r.logger.Error().Src("recorder").Session(r.id).Msgf("recording failed: %v", err)
	if r.onError != nil {
		r.onError(r.fatal)
	}
}

// Submit queues a sample. Blocks while the queue is full.
func (r *Recorder) Submit(sample esformat.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return esformat.ErrClosed
	}

	select {
	case <-r.done:
		return r.fatal
	default:
	}

	select {
	case r.queue <- sample:
		return nil
	case <-r.done:
		return r.fatal
	}
}

// Close flushes and closes the file after all queued samples
// are written. Returns the fatal error if the session failed.
// Safe to call multiple times.
func (r *Recorder) Close() error {
	if r == nil || r.queue == nil {
		return nil
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	if r.fatal != nil {
		return r.fatal
	}
	return r.closeErr
}

// Err returns the error that ended the session, if any.
func (r *Recorder) Err() error {
	select {
	case <-r.done:
		return r.fatal
	default:
		return nil
	}
}

// ID session id.
func (r *Recorder) ID() string {
	return r.id
}

// Path file path.
func (r *Recorder) Path() string {
	return r.path
}

// FrameCount number of frames written.
func (r *Recorder) FrameCount() int {
	return int(atomic.LoadInt64(&r.frames))
}

// Dropped number of rejected samples.
func (r *Recorder) Dropped() int {
	return int(atomic.LoadInt64(&r.dropped))
}

// Size number of bytes written including the header.
func (r *Recorder) Size() int64 {
	return atomic.LoadInt64(&r.size)
}
