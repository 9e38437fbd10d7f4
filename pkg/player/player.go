// SPDX-License-Identifier: GPL-2.0-or-later

// Package player plays stream files back in real time.
package player

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"vfile/pkg/log"
	"vfile/pkg/video/engine"
	"vfile/pkg/video/esformat"

	"github.com/google/uuid"
)

// State playback state.
type State int32

// Playback states.
const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// Config player configuration. Callbacks are called from the
// playback goroutine and must not call the player's control methods.
type Config struct {
	Decoder engine.Decoder

	// Decoder thread count, 0 lets the decoder decide.
	Threads int

	OnPicture func(engine.Picture)

	// OnError is called with recoverable decoder errors and with the
	// error that closed the session.
	OnError func(error)

	// OnEnd is called when the end of the file is reached.
	OnEnd func()

	// Generated if empty.
	SessionID string

	Logger *log.Logger
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdStop
	cmdSeek
	cmdClose
)

type command struct {
	kind  commandKind
	point esformat.SeekPoint
	reply chan error
}

// Player playback scheduler. Control methods are safe for concurrent
// use, reading and pacing happens on a single playback goroutine.
type Player struct {
	id     string
	file   *os.File
	reader *esformat.Reader
	config Config
	logger *log.Logger

	state    int32
	commands chan command
	done     chan struct{}

	// Owned by the playback goroutine.
	params        esformat.ParameterSets
	paramsApplied bool

	suppress bool
	resumeAt int64

	pacing            bool
	lastFrameDuration time.Duration
	lastDisplay       time.Time

	closing     bool
	shutdownErr error
}

// Open opens and indexes the file at path. The player starts idle.
func Open(path string, config Config) (*Player, error) {
	if config.Decoder == nil {
		return nil, fmt.Errorf("%w: missing decoder", engine.ErrInvalidConfig)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, &esformat.IOError{Op: "open", Err: err}
	}

	reader, err := esformat.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("index %v: %w", path, err)
	}

	id := config.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	p := &Player{
		id:       id,
		file:     file,
		reader:   reader,
		config:   config,
		logger:   config.Logger,
		state:    int32(StateIdle),
		commands: make(chan command),
		done:     make(chan struct{}),
	}

	p.logger.Info().Src("player").Session(id).Msgf(
		"opened %v: %v, %d frames, %dms",
		path, reader.Family(), reader.FrameCount(), reader.Duration())

	go p.run()
	return p, nil
}

// ID session id.
func (p *Player) ID() string {
	return p.id
}

// State returns the current state.
func (p *Player) State() State {
	return State(atomic.LoadInt32(&p.state))
}

func (p *Player) setState(s State) {
	atomic.StoreInt32(&p.state, int32(s))
}

// Family codec family of the file.
func (p *Player) Family() esformat.Family {
	return p.reader.Family()
}

// FrameCount number of frames in the file.
func (p *Player) FrameCount() int {
	return p.reader.FrameCount()
}

// Duration in milliseconds.
func (p *Player) Duration() int64 {
	return p.reader.Duration() * 1000 / esformat.Timescale
}

// Start starts playback from the cursor. No-op if already running.
func (p *Player) Start() error {
	return p.send(command{kind: cmdStart})
}

// Pause pauses playback, Start resumes it.
func (p *Player) Pause() error {
	return p.send(command{kind: cmdPause})
}

// Stop stops playback and rewinds to the first record.
func (p *Player) Stop() error {
	return p.send(command{kind: cmdStop})
}

// Seek positions playback to display from targetMs milliseconds
// after the first frame. Decoding restarts at the preceding keyframe
// and pictures before the target are not displayed. The state is kept.
// Returns esformat.ErrOutOfRange without side effects if the target
// is outside the stream.
func (p *Player) Seek(targetMs int64) error {
	if p.State() == StateClosed {
		return esformat.ErrClosed
	}
	// The index is immutable after open.
	point, err := p.reader.Locate(targetMs)
	if err != nil {
		return err
	}
	return p.send(command{kind: cmdSeek, point: point})
}

// Close stops playback and releases the file and the decoder.
func (p *Player) Close() error {
	err := p.send(command{kind: cmdClose})
	if errors.Is(err, esformat.ErrClosed) {
		return nil
	}
	return err
}

func (p *Player) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case p.commands <- cmd:
	case <-p.done:
		return esformat.ErrClosed
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-p.done:
		select {
		case err := <-cmd.reply:
			return err
		default:
			return esformat.ErrClosed
		}
	}
}

func (p *Player) run() {
	defer close(p.done)

	for !p.closing {
		if p.State() != StateRunning {
			p.handle(<-p.commands)
			continue
		}

		select {
		case cmd := <-p.commands:
			p.handle(cmd)
		default:
			p.step()
		}
	}
}

// handle applies a control command on the playback goroutine.
func (p *Player) handle(cmd command) {
	var err error
	switch cmd.kind {
	case cmdStart:
		if p.State() != StateRunning {
			p.resetPacing()
			p.setState(StateRunning)
		}

	case cmdPause:
		if p.State() == StateRunning {
			p.setState(StatePaused)
		}

	case cmdStop:
		p.suppress = false
		p.resetPacing()
		p.setState(StateIdle)
		if err = p.reader.Rewind(); err != nil {
			p.fail(err)
		}

	case cmdSeek:
		if err = p.seek(cmd.point); err != nil {
			p.fail(err)
		}

	case cmdClose:
		p.shutdown()
		err = p.shutdownErr
	}
	cmd.reply <- err
}

func (p *Player) seek(point esformat.SeekPoint) error {
	if offset := point.Anchor.ParamsOffset; offset >= 0 {
		params, err := p.reader.ParameterSetsAt(offset)
		if err != nil {
			return fmt.Errorf("read parameter sets: %w", err)
		}
		p.applyParams(params)
	}

	if err := p.reader.SeekTo(point.Anchor.Offset); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	p.suppress = true
	p.resumeAt = point.ResumeAt
	p.resetPacing()

	p.logger.Debug().Src("player").Session(p.id).Msgf(
		"seek: anchor %d, target %d, resume at %d",
		point.Anchor.Timestamp, point.Target.Timestamp, point.ResumeAt)
	return nil
}

// step reads and processes one record.
func (p *Player) step() {
	record, err := p.reader.Next()
	if errors.Is(err, io.EOF) {
		p.end()
		return
	}
	if err != nil {
		p.fail(err)
		return
	}

	switch r := record.(type) {
	case *esformat.ParameterSets:
		p.applyParams(*r)

	case *esformat.Frame:
		pictures, err := p.config.Decoder.Decode(*r)
		if err != nil {
			p.reportEngine(fmt.Errorf("decode frame at %d: %w", r.PTS, err))
			return
		}
		for _, pic := range pictures {
			if !p.deliver(pic) {
				return
			}
		}
	}
}

// applyParams reconfigures the decoder if the tuple changed.
// A failure is reported and playback continues.
func (p *Player) applyParams(params esformat.ParameterSets) {
	if p.paramsApplied && p.params.Equal(params) {
		return
	}
	err := p.config.Decoder.Configure(engine.DecoderConfig{
		Family:        p.reader.Family(),
		ParameterSets: params,
		Realtime:      true,
		Threads:       p.config.Threads,
	})
	if err != nil {
		p.reportEngine(fmt.Errorf("configure decoder: %w", err))
		return
	}
	p.params = params
	p.paramsApplied = true
}

// deliver paces and displays a decoded picture. Returns
// false if a command interrupted the pacing sleep.
func (p *Player) deliver(pic engine.Picture) bool {
	if p.suppress {
		if pic.PTS < p.resumeAt {
			return true
		}
		p.suppress = false
	}

	now := time.Now()
	if !p.pacing {
		p.pacing = true
		p.lastDisplay = now
	} else {
		// A picture stays on screen for its own duration, so the
		// wait before this picture is the previous picture's duration.
		sleepTime := p.lastFrameDuration - now.Sub(p.lastDisplay)
		if sleepTime > 0 {
			if !p.sleep(sleepTime) {
				return false
			}
			p.lastDisplay = p.lastDisplay.Add(p.lastFrameDuration)
		} else {
			p.lastDisplay = now
		}
	}
	p.lastFrameDuration = esformat.TicksToDuration(pic.Duration)

	if p.config.OnPicture != nil {
		p.config.OnPicture(pic)
	}
	return true
}

// sleep blocks for d while handling commands. Returns false if a
// command invalidated the pending picture. A pause takes effect
// after the pending picture is displayed.
func (p *Player) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return true
		case cmd := <-p.commands:
			switch cmd.kind {
			case cmdStart, cmdPause:
				p.handle(cmd)
			default:
				p.handle(cmd)
				return false
			}
		}
	}
}

func (p *Player) resetPacing() {
	p.pacing = false
	p.lastFrameDuration = 0
	p.lastDisplay = time.Time{}
}

// end rewinds at the end of the file.
func (p *Player) end() {
	p.suppress = false
	p.resetPacing()
	p.setState(StateIdle)
	if err := p.reader.Rewind(); err != nil {
		p.fail(err)
		return
	}

	p.logger.Info().Src("player").Session(p.id).Msg("end of stream")
	if p.config.OnEnd != nil {
		p.config.OnEnd()
	}
}

func (p *Player) reportEngine(err error) {
	p.logger.Warn().Src("player").Session(p.id).Msgf("%v", err)
	if p.config.OnError != nil {
		p.config.OnError(err)
	}
}

// fail closes the session after a read error.
func (p *Player) fail(err error) {
	err = fmt.Errorf("session %v: %w", p.id, err)
	p.logger.Error().Src("player").Session(p.id).Msgf("playback failed: %v", err)
	if p.config.OnError != nil {
		p.config.OnError(err)
	}
	p.shutdown()
}

func (p *Player) shutdown() {
	if p.closing {
		return
	}
	p.closing = true
	p.setState(StateClosed)

	if err := p.config.Decoder.Close(); err != nil {
		p.shutdownErr = fmt.Errorf("close decoder: %w", err)
	}
	if err := p.file.Close(); err != nil && p.shutdownErr == nil {
		p.shutdownErr = &esformat.IOError{Op: "close", Err: err}
	}
}
