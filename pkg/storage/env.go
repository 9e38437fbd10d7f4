// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigEnv stores system configuration.
type ConfigEnv struct {
	StorageDir     string `yaml:"storageDir"`
	RecordingsDir  string `yaml:"recordingsDir"`
	LogDB          string `yaml:"logDB"`
	MinFreeSpaceMB int64  `yaml:"minFreeSpaceMB"`

	// Recording defaults.
	Family           string `yaml:"family"`
	FPS              int    `yaml:"fps"`
	KeyframeInterval int    `yaml:"keyframeInterval"`

	// Playback, 0 lets the engine decide.
	DecoderThreads int `yaml:"decoderThreads"`

	ConfigDir string `yaml:"-"`
}

// ErrPathNotAbsolute path is not absolute.
var ErrPathNotAbsolute = errors.New("path is not absolute")

// ErrInvalidValue invalid config value.
var ErrInvalidValue = errors.New("invalid value")

const defaultMinFreeSpaceMB = 100

// NewConfigEnv return new environment configuration.
// Relative defaults are resolved against the directory of envPath.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(env.ConfigDir, "storage")
	}
	if env.RecordingsDir == "" {
		env.RecordingsDir = filepath.Join(env.StorageDir, "recordings")
	}
	if env.LogDB == "" {
		env.LogDB = filepath.Join(env.StorageDir, "logs.db")
	}
	if env.MinFreeSpaceMB == 0 {
		env.MinFreeSpaceMB = defaultMinFreeSpaceMB
	}
	if env.Family == "" {
		env.Family = "h264"
	}
	if env.FPS == 0 {
		env.FPS = 30
	}
	if env.KeyframeInterval == 0 {
		env.KeyframeInterval = 30
	}

	if env.MinFreeSpaceMB < 0 {
		return nil, fmt.Errorf("minFreeSpaceMB %v: %w", env.MinFreeSpaceMB, ErrInvalidValue)
	}
	if env.FPS < 0 {
		return nil, fmt.Errorf("fps %v: %w", env.FPS, ErrInvalidValue)
	}
	if env.KeyframeInterval < 0 {
		return nil, fmt.Errorf("keyframeInterval %v: %w", env.KeyframeInterval, ErrInvalidValue)
	}
	if env.DecoderThreads < 0 {
		return nil, fmt.Errorf("decoderThreads %v: %w", env.DecoderThreads, ErrInvalidValue)
	}

	if !filepath.IsAbs(env.StorageDir) {
		return nil, fmt.Errorf("storageDir '%v': %w", env.StorageDir, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.RecordingsDir) {
		return nil, fmt.Errorf("recordingsDir '%v': %w", env.RecordingsDir, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.LogDB) {
		return nil, fmt.Errorf("logDB '%v': %w", env.LogDB, ErrPathNotAbsolute)
	}

	return &env, nil
}

// LoadConfigEnv reads the env file. A missing file yields the defaults.
func LoadConfigEnv(envPath string) (*ConfigEnv, error) {
	envPath, err := filepath.Abs(envPath)
	if err != nil {
		return nil, err
	}
	envYAML, err := os.ReadFile(envPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read env.yaml: %w", err)
	}
	return NewConfigEnv(envPath, envYAML)
}

// MinFreeBytes minimum free space in bytes.
func (env ConfigEnv) MinFreeBytes() int64 {
	return env.MinFreeSpaceMB * int64(megabyte)
}

// PrepareEnvironment prepares directories.
func (env ConfigEnv) PrepareEnvironment() error {
	err := os.MkdirAll(env.RecordingsDir, 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create recordings directory: %v: %w", env.RecordingsDir, err)
	}

	if err := ensureDir(env.LogDB); err != nil {
		return fmt.Errorf("create log directory: %v: %w", env.LogDB, err)
	}
	return nil
}
