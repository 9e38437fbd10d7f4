// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vfile/pkg/log"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrInsufficientSpace free disk space is below the configured minimum.
var ErrInsufficientSpace = errors.New("insufficient disk space")

// DiskUsage of the file system containing a directory, in bytes.
type DiskUsage struct {
	Used      int64
	Free      int64
	Total     int64
	Percent   int
	Formatted string
}

// Usage returns the usage of the file system containing path.
func Usage(path string) (DiskUsage, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("disk usage: %v: %w", path, err)
	}
	return DiskUsage{
		Used:      int64(stat.Used),
		Free:      int64(stat.Free),
		Total:     int64(stat.Total),
		Percent:   int(stat.UsedPercent),
		Formatted: formatDiskUsage(float64(stat.Used)),
	}, nil
}

// CheckFreeSpace returns ErrInsufficientSpace if fewer than minBytes are free.
func CheckFreeSpace(usage DiskUsage, minBytes int64) error {
	if minBytes > 0 && usage.Free < minBytes {
		return fmt.Errorf("%w: %s free, %s required", ErrInsufficientSpace,
			formatDiskUsage(float64(usage.Free)), formatDiskUsage(float64(minBytes)))
	}
	return nil
}

// Manager storage manager.
type Manager struct {
	recordingsDir string
	minFree       int64
	disk          *diskCache
	remove        func(string) error

	// Recordings that are being written.
	active   map[string]struct{}
	activeMu sync.Mutex

	logger *log.Logger
}

// NewManager returns new manager.
func NewManager(env *ConfigEnv, logger *log.Logger) *Manager {
	return &Manager{
		recordingsDir: env.RecordingsDir,
		minFree:       env.MinFreeBytes(),
		disk:          newDiskCache(env.RecordingsDir, Usage),
		remove:        os.Remove,
		active:        make(map[string]struct{}),
		logger:        logger,
	}
}

// RecordingsDir returns path to recordings directory.
func (m *Manager) RecordingsDir() string {
	return m.recordingsDir
}

// DiskUsage returns cached value if within maxAge.
// Will update and return new value if the cached value is too old.
func (m *Manager) DiskUsage(maxAge time.Duration) (DiskUsage, error) {
	return m.disk.usage(maxAge)
}

// Protect excludes path from purging until release is called.
func (m *Manager) Protect(path string) (release func()) {
	path = filepath.Clean(path)
	m.activeMu.Lock()
	m.active[path] = struct{}{}
	m.activeMu.Unlock()

	return func() {
		m.activeMu.Lock()
		delete(m.active, path)
		m.activeMu.Unlock()
	}
}

func (m *Manager) isActive(path string) bool {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	_, exist := m.active[filepath.Clean(path)]
	return exist
}

// purge deletes the oldest recording that is not being
// written if free space is below the minimum.
func (m *Manager) purge() error {
	usage, err := m.DiskUsage(0)
	if err != nil {
		return fmt.Errorf("update disk usage: %w", err)
	}
	if CheckFreeSpace(usage, m.minFree) == nil {
		return nil
	}

	recordings, err := ListRecordings(m.recordingsDir)
	if err != nil {
		return fmt.Errorf("list recordings: %w", err)
	}
	var oldest *Recording
	for i := len(recordings) - 1; i >= 0; i-- {
		if !m.isActive(recordings[i].Path) {
			oldest = &recordings[i]
			break
		}
	}
	if oldest == nil {
		return nil
	}

	if err := m.remove(oldest.Path); err != nil {
		return fmt.Errorf("remove recording: %w", err)
	}
	m.disk.invalidate()

	m.logger.Info().Src("storage").
		Msgf("purged %v, %v free", oldest.Name, formatDiskUsage(float64(usage.Free)))
	return nil
}

// PurgeLoop runs purge on an interval until context is canceled.
func (m *Manager) PurgeLoop(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			if err := m.purge(); err != nil {
				m.logger.Error().Src("storage").Msgf("could not purge storage: %v", err)
			}
		}
	}
}

type usageFunc func(string) (DiskUsage, error)

// Only used to calculate and cache disk usage.
type diskCache struct {
	path      string
	calculate usageFunc

	cache      DiskUsage
	lastUpdate time.Time
	cacheLock  sync.Mutex

	updateLock sync.Mutex
}

func newDiskCache(path string, calculate usageFunc) *diskCache {
	return &diskCache{
		path:      path,
		calculate: calculate,
	}
}

func (d *diskCache) invalidate() {
	d.cacheLock.Lock()
	d.lastUpdate = time.Time{}
	d.cacheLock.Unlock()
}

// usage returns cached value if within maxAge.
// Will update and return new value if the cached value is too old.
func (d *diskCache) usage(maxAge time.Duration) (DiskUsage, error) {
	maxTime := time.Now().Add(-maxAge)

	d.cacheLock.Lock()
	if d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache, nil
	}
	d.cacheLock.Unlock()

	// Cache is too old, acquire update lock and update it.
	d.updateLock.Lock()
	defer d.updateLock.Unlock()

	// Check if it was updated while we were waiting for the update lock.
	d.cacheLock.Lock()
	if d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache, nil
	}
	// Still outdated.
	d.cacheLock.Unlock()

	updatedUsage, err := d.calculate(d.path)
	if err != nil {
		return DiskUsage{}, err
	}

	d.cacheLock.Lock()
	d.cache = updatedUsage
	d.lastUpdate = time.Now()
	d.cacheLock.Unlock()

	return updatedUsage, nil
}

const (
	kilobyte float64 = 1000
	megabyte         = kilobyte * 1000
	gigabyte         = megabyte * 1000
	terabyte         = gigabyte * 1000
)

func formatDiskUsage(used float64) string {
	switch {
	case used < 1000*megabyte:
		return fmt.Sprintf("%.0fMB", used/megabyte)
	case used < 10*gigabyte:
		return fmt.Sprintf("%.2fGB", used/gigabyte)
	case used < 100*gigabyte:
		return fmt.Sprintf("%.1fGB", used/gigabyte)
	case used < 1000*gigabyte:
		return fmt.Sprintf("%.0fGB", used/gigabyte)
	case used < 10*terabyte:
		return fmt.Sprintf("%.2fTB", used/terabyte)
	case used < 100*terabyte:
		return fmt.Sprintf("%.1fTB", used/terabyte)
	default:
		return fmt.Sprintf("%.0fTB", used/terabyte)
	}
}

// ensureDir creates the parent directory of path.
func ensureDir(path string) error {
	err := os.MkdirAll(filepath.Dir(path), 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	return nil
}
