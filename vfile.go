// SPDX-License-Identifier: GPL-2.0-or-later

// Package vfile is the command line front end for stream files.
package vfile

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"vfile/pkg/log"
	"vfile/pkg/player"
	"vfile/pkg/recorder"
	"vfile/pkg/storage"
	"vfile/pkg/system"
	"vfile/pkg/video/engine"
	"vfile/pkg/video/esformat"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const usage = `usage: vfile <command> [flags] [files]

commands:
  info <file>             print stream information
  dump <file>             print one line per record
  remux <in> <out>        rewrite every frame through the muxer
  record [-o file]        record a synthetic stream
  play [-seek ms] <file>  play a stream in real time
  list                    list recordings
  logs                    query the log database
  status                  print cpu, ram and disk usage`

// ErrUsage invalid command line.
var ErrUsage = errors.New("invalid usage")

// Run runs the command in args.
func Run(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return run(ctx, args, os.Stdout)
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(out, usage)
		return nil
	}

	commands := map[string]func(context.Context, []string, io.Writer) error{
		"info":   runInfo,
		"dump":   runDump,
		"remux":  runRemux,
		"record": runRecord,
		"play":   runPlay,
		"list":   runList,
		"logs":   runLogs,
		"status": runStatus,
	}
	cmd, exist := commands[args[0]]
	if !exist {
		fmt.Fprintln(out, usage)
		return fmt.Errorf("%w: unknown command %q", ErrUsage, args[0])
	}
	return cmd(ctx, args[1:], out)
}

func newFlagSet(name string, out io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	envFlag := fs.String("env", "env.yaml", "path to env.yaml")
	return fs, envFlag
}

func openReader(path string) (*esformat.Reader, func(), error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, &esformat.IOError{Op: "open", Err: err}
	}
	reader, err := esformat.NewReader(file)
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("index %v: %w", path, err)
	}
	return reader, func() { file.Close() }, nil
}

func runInfo(_ context.Context, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: info <file>", ErrUsage)
	}
	reader, closeFile, err := openReader(args[0])
	if err != nil {
		return err
	}
	defer closeFile()

	fmt.Fprintf(out, "family:     %v\n", reader.Family())
	fmt.Fprintf(out, "size:       %d\n", reader.Size())
	fmt.Fprintf(out, "frames:     %d\n", reader.FrameCount())
	fmt.Fprintf(out, "keyframes:  %d\n", reader.KeyframeCount())
	if first, ok := reader.FirstTimestamp(); ok {
		fmt.Fprintf(out, "first:      %d\n", first)
	}
	fmt.Fprintf(out, "duration:   %v\n", esformat.TicksToDuration(reader.Duration()))

	info, err := reader.VideoInfo()
	if err != nil {
		if reader.Family() == esformat.FamilyH264 {
			fmt.Fprintf(out, "sps:        %v\n", err)
		}
		return nil
	}
	fmt.Fprintf(out, "dimensions: %dx%d\n", info.Width, info.Height)
	if info.FPS != 0 {
		fmt.Fprintf(out, "fps:        %g\n", info.FPS)
	}
	return nil
}

func runDump(_ context.Context, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: dump <file>", ErrUsage)
	}
	reader, closeFile, err := openReader(args[0])
	if err != nil {
		return err
	}
	defer closeFile()

	for {
		offset := reader.Offset()
		record, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch r := record.(type) {
		case *esformat.ParameterSets:
			fmt.Fprintf(out, "%8d params vps=%d sps=%d pps=%d\n",
				offset, len(r.VPS), len(r.SPS), len(r.PPS))
		case *esformat.Frame:
			kind := "inter"
			if r.IsKeyframe {
				kind = "key"
			}
			fmt.Fprintf(out, "%8d %-5s pts=%d dur=%d size=%d\n",
				offset, kind, r.PTS, r.Duration, len(r.Payload))
		}
	}
}

func runRemux(_ context.Context, args []string, out io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: remux <in> <out>", ErrUsage)
	}
	reader, closeFile, err := openReader(args[0])
	if err != nil {
		return err
	}
	defer closeFile()

	rec, err := recorder.Open(args[1], recorder.Config{Family: reader.Family()})
	if err != nil {
		return err
	}

	var params esformat.ParameterSets
	for {
		record, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			rec.Close()
			return err
		}

		switch r := record.(type) {
		case *esformat.ParameterSets:
			params = *r
		case *esformat.Frame:
			err := rec.Submit(esformat.Sample{
				IsKeyframe:    r.IsKeyframe,
				ParameterSets: params,
				Bitstream:     esformat.JoinUnits([][]byte{r.Payload}),
				PTS:           r.PTS,
				Duration:      r.Duration,
			})
			if err != nil {
				rec.Close()
				return err
			}
		}
	}
	if err := rec.Close(); err != nil {
		return err
	}
	if err := rec.Err(); err != nil {
		return err
	}

	fmt.Fprintf(out, "remuxed %d of %d frames, %d bytes\n",
		rec.FrameCount(), reader.FrameCount(), rec.Size())
	return nil
}

// app shared environment of long running commands.
type app struct {
	env    *storage.ConfigEnv
	logger *log.Logger
	logDB  *log.DB
	wg     *sync.WaitGroup
	cancel context.CancelFunc
}

func newApp(envPath string, verbose bool) (*app, error) {
	env, err := storage.LoadConfigEnv(envPath)
	if err != nil {
		return nil, fmt.Errorf("could not get environment config: %w", err)
	}
	if err := env.PrepareEnvironment(); err != nil {
		return nil, fmt.Errorf("could not prepare environment: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	logger := log.NewLogger(wg)
	logger.Start(ctx)
	if verbose {
		go logger.LogToStdout(ctx)
	}

	logDB := log.NewDB(env.LogDB, wg)
	if err := logDB.Init(ctx); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("could not open log database: %w", err)
	}
	logDB.SaveLogs(ctx, logger)

	return &app{
		env:    env,
		logger: logger,
		logDB:  logDB,
		wg:     wg,
		cancel: cancel,
	}, nil
}

func (a *app) stop() {
	a.cancel()
	a.wg.Wait()
}

func runRecord(ctx context.Context, args []string, out io.Writer) error { //nolint:funlen
	fs, envFlag := newFlagSet("record", out)
	output := fs.String("o", "", "output file, default is a new recording")
	frames := fs.Int("frames", 300, "number of frames")
	family := fs.String("family", "", "h264 or hevc, overrides env.yaml")
	fps := fs.Int("fps", 0, "frame rate, overrides env.yaml")
	realtime := fs.Bool("realtime", false, "produce frames in real time")
	verbose := fs.Bool("v", false, "print logs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*envFlag, *verbose)
	if err != nil {
		return err
	}
	defer a.stop()

	if *family == "" {
		*family = a.env.Family
	}
	codec, err := esformat.ParseFamily(*family)
	if err != nil {
		return err
	}
	if *fps == 0 {
		*fps = a.env.FPS
	}

	config := engine.DefaultEncoderConfig(codec)
	config.FPS = *fps
	config.KeyframeInterval = a.env.KeyframeInterval
	config.BitrateBytesPerSecond = engine.Bitrate(config.Width, config.Height, config.FPS, 300) / 8
	if err := config.Validate(); err != nil {
		return err
	}

	id := uuid.NewString()
	path := *output
	if path == "" {
		path = storage.RecordingPath(a.env.RecordingsDir, time.Now(), id)
	}

	manager := storage.NewManager(a.env, a.logger)
	release := manager.Protect(path)
	defer release()

	session := recorder.NewSession(engine.NewSynthetic(*fps), config, recorder.Config{
		MinFreeBytes: a.env.MinFreeBytes(),
		SessionID:    id,
		Logger:       a.logger,
	})
	if err := session.Start(path); err != nil {
		return err
	}

	sys := system.New(func() (storage.DiskUsage, error) {
		return manager.DiskUsage(time.Minute)
	}, time.Second, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	purgeCtx, stopPurge := context.WithCancel(gctx)
	g.Go(func() error {
		manager.PurgeLoop(purgeCtx, time.Minute)
		return nil
	})
	g.Go(func() error {
		sys.StatusLoop(purgeCtx, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		defer stopPurge()
		return produce(gctx, session, *frames, *fps, *realtime)
	})
	err = g.Wait()

	if err2 := session.Stop(); err == nil {
		err = err2
	}
	if err == nil {
		err = session.Recorder().Err()
	}
	if err != nil {
		return err
	}

	rec := session.Recorder()
	fmt.Fprintf(out, "%v: %d frames, %d bytes\n", path, rec.FrameCount(), rec.Size())
	return nil
}

// produce feeds blank pictures to the session.
func produce(ctx context.Context, session *recorder.Session, frames, fps int, realtime bool) error {
	var tick <-chan time.Time
	if realtime {
		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()
		tick = ticker.C
	}

	for i := 0; i < frames; i++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		pts := int64(i) * esformat.Timescale / int64(fps)
		if err := session.Add(engine.Picture{PTS: pts}); err != nil {
			return fmt.Errorf("add picture %d: %w", i, err)
		}
	}
	return nil
}

func runPlay(ctx context.Context, args []string, out io.Writer) error {
	fs, envFlag := newFlagSet("play", out)
	seek := fs.Int64("seek", -1, "start position in milliseconds")
	verbose := fs.Bool("v", false, "print logs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: play [-seek ms] <file>", ErrUsage)
	}

	a, err := newApp(*envFlag, *verbose)
	if err != nil {
		return err
	}
	defer a.stop()

	ended := make(chan struct{}, 1)
	fatal := make(chan error, 1)
	var mu sync.Mutex

	p, err := player.Open(fs.Arg(0), player.Config{
		Decoder: engine.NewNull(),
		Threads: a.env.DecoderThreads,
		OnPicture: func(pic engine.Picture) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(out, "picture pts=%d dur=%d size=%d\n", pic.PTS, pic.Duration, len(pic.Data))
		},
		OnError: func(err error) {
			if engine.IsEngineError(err) {
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintf(out, "error: %v\n", err)
				return
			}
			fatal <- err
		},
		OnEnd:  func() { ended <- struct{}{} },
		Logger: a.logger,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	if *seek >= 0 {
		if err := p.Seek(*seek); err != nil {
			return err
		}
	}
	if err := p.Start(); err != nil {
		return err
	}

	select {
	case <-ended:
		return nil
	case err := <-fatal:
		return err
	case <-ctx.Done():
		return nil
	}
}

func runList(_ context.Context, args []string, out io.Writer) error {
	fs, envFlag := newFlagSet("list", out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	env, err := storage.LoadConfigEnv(*envFlag)
	if err != nil {
		return err
	}

	recordings, err := storage.ListRecordings(env.RecordingsDir)
	if err != nil {
		return err
	}
	for _, r := range recordings {
		fmt.Fprintf(out, "%v %10d %v\n", r.Time.Format(time.RFC3339), r.Size, r.Path)
	}
	if du, err := storage.Usage(env.RecordingsDir); err == nil {
		fmt.Fprintf(out, "%d recordings, %v used, %d%%\n", len(recordings), du.Formatted, du.Percent)
	}
	return nil
}

func runLogs(_ context.Context, args []string, out io.Writer) error {
	fs, envFlag := newFlagSet("logs", out)
	levels := fs.String("levels", "", "comma separated levels")
	sources := fs.String("sources", "", "comma separated sources")
	sessions := fs.String("sessions", "", "comma separated session ids")
	limit := fs.Int("limit", 100, "maximum number of logs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := storage.LoadConfigEnv(*envFlag)
	if err != nil {
		return err
	}
	if err := env.PrepareEnvironment(); err != nil {
		return err
	}

	query := log.Query{
		Sources:  splitList(*sources),
		Sessions: splitList(*sessions),
		Limit:    *limit,
	}
	for _, s := range splitList(*levels) {
		level, err := log.ParseLevel(s)
		if err != nil {
			return err
		}
		query.Levels = append(query.Levels, level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	logDB := log.NewDB(env.LogDB, wg)
	if err := logDB.Init(ctx); err != nil {
		return err
	}
	logs, err := logDB.Query(query)
	if err != nil {
		return err
	}

	// Oldest first.
	for i := len(logs) - 1; i >= 0; i-- {
		entry := logs[i]
		t := time.UnixMilli(int64(entry.Time)).Format("2006-01-02 15:04:05")
		fmt.Fprintf(out, "%v %v\n", t, log.FormatLog(entry))
	}
	return nil
}

func runStatus(ctx context.Context, args []string, out io.Writer) error {
	fs, envFlag := newFlagSet("status", out)
	window := fs.Duration("window", time.Second, "cpu sampling window")
	if err := fs.Parse(args); err != nil {
		return err
	}
	env, err := storage.LoadConfigEnv(*envFlag)
	if err != nil {
		return err
	}
	if err := env.PrepareEnvironment(); err != nil {
		return err
	}

	sys := system.New(func() (storage.DiskUsage, error) {
		return storage.Usage(env.RecordingsDir)
	}, *window, nil)
	if err := sys.Update(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, sys.Status())
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var ret []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			ret = append(ret, e)
		}
	}
	return ret
}
