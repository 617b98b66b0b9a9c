package filesys

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/The-Promised-Neverland/storage-agent/internal/models"
	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
	"github.com/shirou/gopsutil/v3/disk"
)

// Roots maps the agent's virtual namespace onto one or more local
// directories. A virtual path may exist in several roots at once.
type Roots struct {
	roots []string
}

func NewRoots(paths []string) (*Roots, error) {
	r := &Roots{}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("root %q: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("root %q: %w", p, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("root %q is not a directory", p)
		}
		r.roots = append(r.roots, abs)
	}
	return r, nil
}

// Paths returns a copy of the configured root directories.
func (r *Roots) Paths() []string {
	return append([]string(nil), r.roots...)
}

// CleanVirtual normalizes p to a slash-rooted path. Paths climbing above
// the root are rejected.
func CleanVirtual(p string) (string, error) {
	if p == "" || strings.ContainsRune(p, 0) {
		return "", ErrInvalidPath
	}
	p = strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q escapes root", ErrInvalidPath, p)
		}
	}
	return path.Clean("/" + p), nil
}

func local(root, virtual string) string {
	return filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(virtual, "/")))
}

// Lookup returns the first local path holding virtual.
func (r *Roots) Lookup(virtual string) (string, bool) {
	all, err := r.All(virtual)
	if err != nil || len(all) == 0 {
		return "", false
	}
	return all[0], true
}

func (r *Roots) Exists(virtual string) bool {
	_, ok := r.Lookup(virtual)
	return ok
}

// All returns every local path holding virtual, in root order.
func (r *Roots) All(virtual string) ([]string, error) {
	v, err := CleanVirtual(virtual)
	if err != nil {
		return nil, err
	}
	var found []string
	for _, root := range r.roots {
		p := local(root, v)
		if _, err := os.Lstat(p); err == nil {
			found = append(found, p)
		}
	}
	return found, nil
}

// Virtual maps a local path back into the namespace.
func (r *Roots) Virtual(localPath string) (string, bool) {
	for _, root := range r.roots {
		rel, err := filepath.Rel(root, localPath)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return path.Clean("/" + filepath.ToSlash(rel)), true
	}
	return "", false
}

// UploadPath picks the destination for a new file: the root already
// holding its parent directory with the most free space, or else the root
// with the most free space overall. Nothing is created; the transfer makes
// missing parents once the peer is accepted.
func (r *Roots) UploadPath(virtual string) (string, error) {
	v, err := CleanVirtual(virtual)
	if err != nil {
		return "", err
	}
	if len(r.roots) == 0 {
		return "", ErrNoRoots
	}
	candidates := r.roots
	var withParent []string
	for _, root := range r.roots {
		if info, err := os.Stat(local(root, path.Dir(v))); err == nil && info.IsDir() {
			withParent = append(withParent, root)
		}
	}
	if len(withParent) > 0 {
		candidates = withParent
	}
	return local(mostFreeSpace(candidates), v), nil
}

func mostFreeSpace(roots []string) string {
	best := roots[0]
	var bestFree uint64
	for _, root := range roots {
		usage, err := disk.Usage(root)
		if err != nil {
			logger.Log.Warn("Failed to read disk usage", "root", root, "err", err)
			continue
		}
		if usage.Free > bestFree {
			best, bestFree = root, usage.Free
		}
	}
	return best
}

// DiskStatus sums free and total space over the roots. Roots sharing a
// filesystem are counted once.
func (r *Roots) DiskStatus() models.DiskStatus {
	var status models.DiskStatus
	seen := make(map[[2]uint64]bool)
	for _, root := range r.roots {
		usage, err := disk.Usage(root)
		if err != nil {
			logger.Log.Warn("Failed to read disk usage", "root", root, "err", err)
			continue
		}
		key := [2]uint64{usage.Total, usage.InodesTotal}
		if seen[key] {
			continue
		}
		seen[key] = true
		status.SpaceAvailable += usage.Free
		status.SpaceCapacity += usage.Total
	}
	return status
}

// Delete removes virtual from every root holding it and prunes parents
// left empty, stopping at the root.
func (r *Roots) Delete(virtual string) error {
	v, err := CleanVirtual(virtual)
	if err != nil {
		return err
	}
	if v == "/" {
		return fmt.Errorf("%w: refusing to delete root", ErrInvalidPath)
	}
	all, _ := r.All(v)
	if len(all) == 0 {
		return ErrNotFound
	}
	var errs []error
	for i, p := range all {
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
			continue
		}
		pruneEmptyParents(r.rootOf(all[i]), filepath.Dir(p))
	}
	return errors.Join(errs...)
}

// Rename moves from to toDir/toName in every root holding from.
func (r *Roots) Rename(from, toDir, toName string) error {
	src, err := CleanVirtual(from)
	if err != nil {
		return err
	}
	if toName == "" || strings.ContainsAny(toName, "/\\") {
		return fmt.Errorf("%w: bad target name %q", ErrInvalidPath, toName)
	}
	dir, err := CleanVirtual(toDir)
	if err != nil {
		return err
	}
	dst := path.Join(dir, toName)
	if src == "/" || dst == src {
		return fmt.Errorf("%w: cannot rename %q to %q", ErrInvalidPath, src, dst)
	}
	all, _ := r.All(src)
	if len(all) == 0 {
		return ErrNotFound
	}
	var errs []error
	for _, p := range all {
		root := r.rootOf(p)
		target := local(root, dst)
		if _, err := os.Lstat(target); err == nil {
			// Case-only renames resolve to the same file on case-insensitive filesystems.
			if !strings.EqualFold(target, p) {
				errs = append(errs, fmt.Errorf("%w: %s", ErrTargetExists, dst))
				continue
			}
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Rename(p, target); err != nil {
			errs = append(errs, err)
			continue
		}
		pruneEmptyParents(root, filepath.Dir(p))
	}
	return errors.Join(errs...)
}

func (r *Roots) rootOf(localPath string) string {
	for _, root := range r.roots {
		if localPath == root || strings.HasPrefix(localPath, root+string(filepath.Separator)) {
			return root
		}
	}
	return filepath.Dir(localPath)
}

func pruneEmptyParents(root, dir string) {
	for dir != root && strings.HasPrefix(dir, root) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.Log.Debug("Failed to prune directory", "dir", dir, "err", err)
			}
			return
		}
		dir = filepath.Dir(dir)
	}
}
