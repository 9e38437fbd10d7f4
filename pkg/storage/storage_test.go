package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestNewConfigEnv(t *testing.T) {
	configDir := t.TempDir()
	envPath := filepath.Join(configDir, "env.yaml")

	t.Run("minimal", func(t *testing.T) {
		env, err := NewConfigEnv(envPath, nil)
		require.NoError(t, err)

		storageDir := filepath.Join(configDir, "storage")
		expected := &ConfigEnv{
			StorageDir:       storageDir,
			RecordingsDir:    filepath.Join(storageDir, "recordings"),
			LogDB:            filepath.Join(storageDir, "logs.db"),
			MinFreeSpaceMB:   100,
			Family:           "h264",
			FPS:              30,
			KeyframeInterval: 30,
			ConfigDir:        configDir,
		}
		require.Equal(t, expected, env)
		require.Equal(t, int64(100_000_000), env.MinFreeBytes())
	})
	t.Run("maximal", func(t *testing.T) {
		envYAML, err := yaml.Marshal(ConfigEnv{
			StorageDir:       "/a",
			RecordingsDir:    "/b",
			LogDB:            "/c/logs.db",
			MinFreeSpaceMB:   5,
			Family:           "hevc",
			FPS:              25,
			KeyframeInterval: 50,
			DecoderThreads:   4,
		})
		require.NoError(t, err)

		env, err := NewConfigEnv(envPath, envYAML)
		require.NoError(t, err)

		expected := &ConfigEnv{
			StorageDir:       "/a",
			RecordingsDir:    "/b",
			LogDB:            "/c/logs.db",
			MinFreeSpaceMB:   5,
			Family:           "hevc",
			FPS:              25,
			KeyframeInterval: 50,
			DecoderThreads:   4,
			ConfigDir:        configDir,
		}
		require.Equal(t, expected, env)
	})
	t.Run("unmarshalErr", func(t *testing.T) {
		_, err := NewConfigEnv(envPath, []byte("storageDir: ["))
		require.Error(t, err)
	})

	absCases := map[string]string{
		"storageDir":    "storageDir: .",
		"recordingsDir": "recordingsDir: .",
		"logDB":         "logDB: logs.db",
	}
	for name, envYAML := range absCases {
		t.Run(name, func(t *testing.T) {
			_, err := NewConfigEnv(envPath, []byte(envYAML))
			require.ErrorIs(t, err, ErrPathNotAbsolute)
		})
	}

	valueCases := map[string]string{
		"minFreeSpaceMB":   "minFreeSpaceMB: -1",
		"fps":              "fps: -1",
		"keyframeInterval": "keyframeInterval: -1",
		"decoderThreads":   "decoderThreads: -1",
	}
	for name, envYAML := range valueCases {
		t.Run(name, func(t *testing.T) {
			_, err := NewConfigEnv(envPath, []byte(envYAML))
			require.ErrorIs(t, err, ErrInvalidValue)
		})
	}
}

func TestLoadConfigEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "env.yaml")

	env, err := LoadConfigEnv(envPath)
	require.NoError(t, err)
	require.Equal(t, 30, env.FPS)

	require.NoError(t, os.WriteFile(envPath, []byte("fps: 60\n"), 0o600))
	env, err = LoadConfigEnv(envPath)
	require.NoError(t, err)
	require.Equal(t, 60, env.FPS)
	require.Equal(t, dir, env.ConfigDir)
}

func TestPrepareEnvironment(t *testing.T) {
	dir := t.TempDir()
	env := ConfigEnv{
		RecordingsDir: filepath.Join(dir, "a", "recordings"),
		LogDB:         filepath.Join(dir, "b", "logs.db"),
	}
	require.NoError(t, env.PrepareEnvironment())
	require.DirExists(t, env.RecordingsDir)
	require.DirExists(t, filepath.Join(dir, "b"))

	// Idempotent.
	require.NoError(t, env.PrepareEnvironment())
}

func TestFormatDiskUsage(t *testing.T) {
	cases := []struct {
		used     float64
		expected string
	}{
		{10 * megabyte, "10MB"},
		{2 * gigabyte, "2.00GB"},
		{20 * gigabyte, "20.0GB"},
		{200 * gigabyte, "200GB"},
		{2 * terabyte, "2.00TB"},
		{20 * terabyte, "20.0TB"},
		{200 * terabyte, "200TB"},
	}
	for _, tc := range cases {
		t.Run(tc.expected, func(t *testing.T) {
			require.Equal(t, tc.expected, formatDiskUsage(tc.used))
		})
	}
}

func TestUsage(t *testing.T) {
	usage, err := Usage(t.TempDir())
	require.NoError(t, err)
	require.Greater(t, usage.Total, int64(0))
	require.NotEmpty(t, usage.Formatted)
}

func TestCheckFreeSpace(t *testing.T) {
	usage := DiskUsage{Free: 1000}
	require.NoError(t, CheckFreeSpace(usage, 0))
	require.NoError(t, CheckFreeSpace(usage, 1000))
	require.ErrorIs(t, CheckFreeSpace(usage, 1001), ErrInsufficientSpace)
}

func TestDiskCache(t *testing.T) {
	calls := 0
	d := newDiskCache("x", func(path string) (DiskUsage, error) {
		require.Equal(t, "x", path)
		calls++
		return DiskUsage{Free: int64(calls)}, nil
	})

	usage, err := d.usage(time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), usage.Free)

	usage, err = d.usage(time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), usage.Free)

	d.invalidate()
	usage, err = d.usage(time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(2), usage.Free)
}

func writeRecording(t *testing.T, dir string, ts time.Time, id string) string {
	t.Helper()
	path := RecordingPath(dir, ts, id)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte{0, 0, 1, 8}, 0o600))
	return path
}

func TestRecordingPath(t *testing.T) {
	ts := time.Date(2022, 3, 4, 5, 6, 7, 0, time.Local)
	require.Equal(t,
		"/r/2022/03/04/2022-03-04_05-06-07_abc.es",
		RecordingPath("/r", ts, "abc"))
}

func TestListRecordings(t *testing.T) {
	dir := t.TempDir()
	t1 := time.Date(2022, 1, 1, 0, 0, 0, 0, time.Local)
	t2 := time.Date(2022, 1, 2, 0, 0, 0, 0, time.Local)
	t3 := time.Date(2023, 1, 1, 0, 0, 0, 0, time.Local)
	writeRecording(t, dir, t2, "b")
	writeRecording(t, dir, t3, "c")
	writeRecording(t, dir, t1, "a")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o600))

	recordings, err := ListRecordings(dir)
	require.NoError(t, err)
	require.Len(t, recordings, 3)

	var names []string
	for _, r := range recordings {
		names = append(names, r.Name)
		require.Equal(t, int64(4), r.Size)
	}
	require.Equal(t, []string{
		"2023-01-01_00-00-00_c",
		"2022-01-02_00-00-00_b",
		"2022-01-01_00-00-00_a",
	}, names)
	require.True(t, recordings[0].Time.Equal(t3))

	recordings, err = ListRecordings(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.Empty(t, recordings)
}

func newTestManager(t *testing.T, free int64) *Manager {
	t.Helper()
	dir := t.TempDir()
	env := &ConfigEnv{RecordingsDir: dir, MinFreeSpaceMB: 1}
	m := NewManager(env, nil)
	m.disk = newDiskCache(dir, func(string) (DiskUsage, error) {
		return DiskUsage{Free: free}, nil
	})
	return m
}

func TestPurge(t *testing.T) {
	t.Run("enoughSpace", func(t *testing.T) {
		m := newTestManager(t, 2*int64(megabyte))
		path := writeRecording(t, m.RecordingsDir(), time.Now(), "a")

		require.NoError(t, m.purge())
		require.FileExists(t, path)
	})
	t.Run("deleteOldest", func(t *testing.T) {
		m := newTestManager(t, 0)
		oldest := writeRecording(t, m.RecordingsDir(), time.Date(2020, 1, 1, 0, 0, 0, 0, time.Local), "a")
		newest := writeRecording(t, m.RecordingsDir(), time.Date(2021, 1, 1, 0, 0, 0, 0, time.Local), "b")

		require.NoError(t, m.purge())
		require.NoFileExists(t, oldest)
		require.FileExists(t, newest)
	})
	t.Run("empty", func(t *testing.T) {
		m := newTestManager(t, 0)
		require.NoError(t, m.purge())
	})
	t.Run("skipActive", func(t *testing.T) {
		m := newTestManager(t, 0)
		active := writeRecording(t, m.RecordingsDir(), time.Date(2020, 1, 1, 0, 0, 0, 0, time.Local), "a")
		older := writeRecording(t, m.RecordingsDir(), time.Date(2021, 1, 1, 0, 0, 0, 0, time.Local), "b")
		newest := writeRecording(t, m.RecordingsDir(), time.Date(2022, 1, 1, 0, 0, 0, 0, time.Local), "c")
		release := m.Protect(active)
		defer release()

		require.NoError(t, m.purge())
		require.FileExists(t, active)
		require.NoFileExists(t, older)
		require.FileExists(t, newest)
	})
	t.Run("onlyActive", func(t *testing.T) {
		m := newTestManager(t, 0)
		path := RecordingPath(m.RecordingsDir(), time.Now(), "active")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		file, err := os.Create(path)
		require.NoError(t, err)
		defer file.Close()
		release := m.Protect(path)

		require.NoError(t, m.purge())
		require.FileExists(t, path)

		release()
		require.NoError(t, m.purge())
		require.NoFileExists(t, path)
	})
}

func TestPurgeLoop(t *testing.T) {
	m := newTestManager(t, 0)
	path := writeRecording(t, m.RecordingsDir(), time.Now(), "a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.PurgeLoop(ctx, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
