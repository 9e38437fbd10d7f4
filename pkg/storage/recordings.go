// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Recordings are stored in the following format
//
// <Year>
// └── <Month>
//     └── <Day>
//         ├── YYYY-MM-DD_hh-mm-ss_<session>.es
//         └── YYYY-MM-DD_hh-mm-ss_<session>.es

// RecordingExt file extension of recordings.
const RecordingExt = ".es"

const timeLayout = "2006-01-02_15-04-05"

// RecordingPath returns the path of a new recording.
func RecordingPath(recordingsDir string, t time.Time, sessionID string) string {
	dayDir := filepath.Join(
		recordingsDir,
		t.Format("2006"),
		t.Format("01"),
		t.Format("02"),
	)
	name := t.Format(timeLayout) + "_" + sessionID + RecordingExt
	return filepath.Join(dayDir, name)
}

// Recording stored recording.
type Recording struct {
	Name string
	Path string
	Size int64
	Time time.Time
}

// ListRecordings returns all recordings below dir, newest first.
func ListRecordings(dir string) ([]Recording, error) {
	var recordings []Recording
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), RecordingExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		name := strings.TrimSuffix(d.Name(), RecordingExt)
		t, ok := parseRecordingTime(name)
		if !ok {
			t = info.ModTime()
		}
		recordings = append(recordings, Recording{
			Name: name,
			Path: path,
			Size: info.Size(),
			Time: t,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %v: %w", dir, err)
	}

	sort.SliceStable(recordings, func(i, j int) bool {
		if recordings[i].Time.Equal(recordings[j].Time) {
			return recordings[i].Name > recordings[j].Name
		}
		return recordings[i].Time.After(recordings[j].Time)
	})
	return recordings, nil
}

func parseRecordingTime(name string) (time.Time, bool) {
	if len(name) < len(timeLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(timeLayout, name[:len(timeLayout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
