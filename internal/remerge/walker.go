package remerge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/internal/models"
	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
)

const CodeAlreadyRunning = "already_running"

type alreadyRunning struct{}

func (alreadyRunning) Error() string { return "a remerge is already running" }
func (alreadyRunning) Code() string  { return CodeAlreadyRunning }

var (
	ErrAlreadyRunning error = alreadyRunning{}
	// ErrOffline ends a walk whose session went away. No completion is sent.
	ErrOffline = errors.New("agent went offline during remerge")
)

// Options control one walk. AgeCutoff and CoordinatorTime are read on the
// coordinator's clock.
type Options struct {
	Partial         bool
	InstantOnline   bool
	AgeCutoff       time.Time
	CoordinatorTime time.Time
	Owner           string
	Group           string
	PausePoll       time.Duration
	Now             func() time.Time
}

// Sender delivers one listing to the coordinator.
type Sender func(ctx context.Context, listing models.RemergeListing) error

// Walker reports the directories under a virtual path, deepest first.
type Walker struct {
	roots []string
	state *State
	opts  Options
}

func NewWalker(roots []string, state *State, opts Options) *Walker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Walker{roots: roots, state: state, opts: opts}
}

// Partial reports whether unmodified directories are skipped. Instant
// online forces a full walk.
func (w *Walker) Partial() bool {
	return w.opts.Partial && !w.opts.InstantOnline
}

// Cutoff converts the coordinator's age cutoff onto the local clock.
func (w *Walker) Cutoff() time.Time {
	if w.opts.CoordinatorTime.IsZero() {
		return w.opts.AgeCutoff
	}
	return w.opts.AgeCutoff.Add(w.opts.Now().Sub(w.opts.CoordinatorTime))
}

// Run walks virtual and sends one listing per directory. A walk cut short
// by ctx or a failed send returns ErrOffline.
func (w *Walker) Run(ctx context.Context, virtual string, commandIndex string, send Sender) (models.RemergeSummary, error) {
	summary := models.RemergeSummary{Path: virtual, Partial: w.Partial()}
	dirs, err := w.collect(ctx, virtual)
	if err != nil {
		return summary, err
	}
	cutoff := w.Cutoff()
	logger.Log.Info("Remerge started", "path", virtual, "directories", len(dirs), "partial", summary.Partial, "cutoff", cutoff)

	for _, dir := range dirs {
		listing, newest, ok := w.list(dir)
		if !ok {
			continue
		}
		if summary.Partial && !newest.After(cutoff) {
			summary.Skipped++
			continue
		}
		listing.CommandIndex = commandIndex
		if err := w.state.WaitWhilePaused(ctx, w.opts.PausePoll); err != nil {
			return summary, ErrOffline
		}
		if err := send(ctx, listing); err != nil {
			logger.Log.Warn("Remerge send failed", "path", dir, "err", err)
			return summary, ErrOffline
		}
		summary.Sent++
	}
	logger.Log.Info("Remerge finished", "path", virtual, "sent", summary.Sent, "skipped", summary.Skipped)
	return summary, nil
}

// collect gathers the virtual paths of every directory under virtual across
// all roots, in transmission order.
func (w *Walker) collect(ctx context.Context, virtual string) ([]string, error) {
	seen := make(map[string]bool)
	for _, root := range w.roots {
		base := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(virtual, "/")))
		info, err := os.Stat(base)
		if err != nil || !info.IsDir() {
			continue
		}
		err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				logger.Log.Debug("Remerge skipping unreadable entry", "path", p, "err", err)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			seen[path.Clean("/"+filepath.ToSlash(rel))] = true
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrOffline
			}
			return nil, fmt.Errorf("walk %s: %w", base, err)
		}
	}
	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	SortDirectories(dirs)
	return dirs, nil
}

func depth(p string) int {
	if p == "/" {
		return 0
	}
	return strings.Count(p, "/")
}

// SortDirectories orders paths deepest first, then case-insensitively.
func SortDirectories(dirs []string) {
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := depth(dirs[i]), depth(dirs[j])
		if di != dj {
			return di > dj
		}
		li, lj := strings.ToLower(dirs[i]), strings.ToLower(dirs[j])
		if li != lj {
			return li < lj
		}
		return dirs[i] < dirs[j]
	})
}

// SortInodes puts directories before files, each group by name ignoring case.
func SortInodes(inodes []models.LightRemoteInode) {
	sort.Slice(inodes, func(i, j int) bool {
		if inodes[i].IsDir != inodes[j].IsDir {
			return inodes[i].IsDir
		}
		li, lj := strings.ToLower(inodes[i].Name), strings.ToLower(inodes[j].Name)
		if li != lj {
			return li < lj
		}
		return inodes[i].Name < inodes[j].Name
	})
}

// list merges the direct children of dir across roots. newest is the latest
// modification among dir itself and its children. ok is false when dir
// vanished from every root since collection.
func (w *Walker) list(dir string) (listing models.RemergeListing, newest time.Time, ok bool) {
	children := make(map[string]models.LightRemoteInode)
	var dirModified time.Time
	for _, root := range w.roots {
		local := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(dir, "/")))
		info, err := os.Stat(local)
		if err != nil || !info.IsDir() {
			continue
		}
		ok = true
		if info.ModTime().After(dirModified) {
			dirModified = info.ModTime()
		}
		entries, err := os.ReadDir(local)
		if err != nil {
			logger.Log.Warn("Remerge failed to read directory", "dir", local, "err", err)
			continue
		}
		for _, e := range entries {
			fi, err := e.Info()
			if err != nil {
				continue
			}
			if !fi.IsDir() && !fi.Mode().IsRegular() {
				continue
			}
			inode := models.LightRemoteInode{
				Name:         e.Name(),
				Owner:        w.opts.Owner,
				Group:        w.opts.Group,
				IsDir:        fi.IsDir(),
				LastModified: fi.ModTime().UnixMilli(),
			}
			if !inode.IsDir {
				inode.Size = fi.Size()
			}
			if prev, dup := children[e.Name()]; dup {
				if prev.IsDir && inode.IsDir && inode.LastModified > prev.LastModified {
					children[e.Name()] = inode
				}
				continue
			}
			children[e.Name()] = inode
		}
	}
	if !ok {
		return listing, newest, false
	}
	newest = dirModified
	inodes := make([]models.LightRemoteInode, 0, len(children))
	for _, c := range children {
		if m := time.UnixMilli(c.LastModified); m.After(newest) {
			newest = m
		}
		inodes = append(inodes, c)
	}
	SortInodes(inodes)
	return models.RemergeListing{
		Path:         dir,
		LastModified: dirModified.UnixMilli(),
		Inodes:       inodes,
	}, newest, true
}
