package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Info describes one archive on disk.
type Info struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Models    int       `json:"models"`
}

// RetentionPolicy picks the archives to keep from a newest-first list.
type RetentionPolicy interface {
	Keep(backups []Info) []Info
}

// CountPolicy keeps the newest Max archives.
type CountPolicy struct {
	Max int
}

func (p CountPolicy) Keep(backups []Info) []Info {
	if len(backups) <= p.Max {
		return backups
	}
	return backups[:p.Max]
}

// AgePolicy keeps archives younger than MaxAge.
type AgePolicy struct {
	MaxAge time.Duration
	now    func() time.Time
}

func (p AgePolicy) Keep(backups []Info) []Info {
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	cutoff := now().Add(-p.MaxAge)
	var keep []Info
	for _, b := range backups {
		if b.CreatedAt.After(cutoff) {
			keep = append(keep, b)
		}
	}
	return keep
}

// AnyPolicy keeps an archive if any of its policies keeps it.
type AnyPolicy []RetentionPolicy

func (p AnyPolicy) Keep(backups []Info) []Info {
	kept := make(map[string]bool)
	for _, policy := range p {
		for _, b := range policy.Keep(backups) {
			kept[b.Path] = true
		}
	}
	var out []Info
	for _, b := range backups {
		if kept[b.Path] {
			out = append(out, b)
		}
	}
	return out
}

// List returns the archives in dir, newest first. Files whose header cannot
// be read still appear, dated by modification time.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		info := Info{Path: filepath.Join(dir, e.Name()), Size: fi.Size(), CreatedAt: fi.ModTime()}
		if h, err := ReadHeader(info.Path); err == nil {
			info.CreatedAt = h.CreatedAt
			info.Models = h.ModelCount
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Prune removes the archives in dir that policy does not keep.
func Prune(dir string, policy RetentionPolicy) ([]string, error) {
	backups, err := List(dir)
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool)
	for _, b := range policy.Keep(backups) {
		keep[b.Path] = true
	}

	var removed []string
	for _, b := range backups {
		if keep[b.Path] {
			continue
		}
		if err := os.Remove(b.Path); err != nil {
			return removed, fmt.Errorf("removing %s: %w", filepath.Base(b.Path), err)
		}
		removed = append(removed, b.Path)
	}
	return removed, nil
}

// ParseAge accepts Go durations plus a day ("30d") or week ("2w") suffix.
func ParseAge(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	switch s[len(s)-1] {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid age %q", s)
}
