// SPDX-License-Identifier: GPL-2.0-or-later

// Package system samples host resource usage.
package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vfile/pkg/log"
	"vfile/pkg/storage"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ErrNoSample cpu usage returned no values.
var ErrNoSample = errors.New("no sample")

// Status cpu, ram and disk usage in percent.
type Status struct {
	CPUUsage           int
	RAMUsage           int
	DiskUsage          int
	DiskUsageFormatted string
}

func (s Status) String() string {
	return fmt.Sprintf("cpu %d%%, ram %d%%, disk %d%% %v",
		s.CPUUsage, s.RAMUsage, s.DiskUsage, s.DiskUsageFormatted)
}

type (
	cpuFunc  func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc  func() (*mem.VirtualMemoryStat, error)
	diskFunc func() (storage.DiskUsage, error)
)

// System .
type System struct {
	cpu  cpuFunc
	ram  ramFunc
	disk diskFunc

	// Sampling window of the cpu usage.
	window time.Duration

	status Status
	mu     sync.Mutex

	logger *log.Logger
}

// New returns a System that reports disk usage from disk.
func New(disk diskFunc, window time.Duration, logger *log.Logger) *System {
	return &System{
		cpu:    cpu.PercentWithContext,
		ram:    mem.VirtualMemory,
		disk:   disk,
		window: window,
		logger: logger,
	}
}

// Update samples the usage and stores it. Blocks for the sampling window.
func (s *System) Update(ctx context.Context) error {
	cpuUsage, err := s.cpu(ctx, s.window, false)
	if err != nil {
		return fmt.Errorf("could not get cpu usage: %w", err)
	}
	if len(cpuUsage) == 0 {
		return fmt.Errorf("could not get cpu usage: %w", ErrNoSample)
	}
	ramUsage, err := s.ram()
	if err != nil {
		return fmt.Errorf("could not get ram usage: %w", err)
	}
	diskUsage, err := s.disk()
	if err != nil {
		return fmt.Errorf("could not get disk usage: %w", err)
	}

	s.mu.Lock()
	s.status = Status{
		CPUUsage:           int(cpuUsage[0]),
		RAMUsage:           int(ramUsage.UsedPercent),
		DiskUsage:          diskUsage.Percent,
		DiskUsageFormatted: diskUsage.Formatted,
	}
	s.mu.Unlock()
	return nil
}

// StatusLoop logs the status every interval until ctx is canceled.
func (s *System) StatusLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.Update(ctx); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn().Src("system").Msgf("could not update system status: %v", err)
			}
			continue
		}
		s.logger.Debug().Src("system").Msg(s.Status().String())
	}
}

// Status returns the last sample.
func (s *System) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
