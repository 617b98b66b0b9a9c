package watcher

import (
	"path/filepath"
	"strings"
	"time"
)

type EventType string

const (
	EventCreate EventType = "create"
	EventWrite  EventType = "write"
	EventRemove EventType = "remove"
	EventRename EventType = "rename"
	EventChmod  EventType = "chmod"
)

// FileEvent is a debounced change under one of the watched roots.
type FileEvent struct {
	Type      EventType
	Root      string
	Path      string
	Timestamp time.Time
}

// FilterConfig configures which files to watch
type FilterConfig struct {
	// IgnoreSuffixes drops editor swap files and partial downloads.
	IgnoreSuffixes      []string
	WatchSubdirectories bool
	DebounceDelay       time.Duration
}

func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		IgnoreSuffixes:      []string{".tmp", ".swp", ".DS_Store", "~"},
		WatchSubdirectories: true,
		DebounceDelay:       500 * time.Millisecond,
	}
}

func (fc *FilterConfig) ShouldProcess(filePath string) bool {
	base := filepath.Base(filePath)
	for _, suffix := range fc.IgnoreSuffixes {
		if strings.HasSuffix(base, suffix) {
			return false
		}
	}
	return true
}
