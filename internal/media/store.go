package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrInvalidFilename is returned for names that would escape the media
	// directory or carry a disallowed extension. Security-relevant: nothing
	// outside the managed directory is ever touched.
	ErrInvalidFilename = errors.New("media: invalid filename")

	// ErrNotFound is returned when the named file does not exist in the
	// media directory.
	ErrNotFound = errors.New("media: file not found")
)

// allowedExtensions is the closed set of media file types the player is
// asked to handle.
var allowedExtensions = map[string]bool{
	".mp4": true, ".avi": true, ".mkv": true, ".mov": true,
	".wmv": true, ".flv": true, ".webm": true, ".m4v": true,
	".mpg": true, ".mpeg": true, ".3gp": true, ".ogv": true,
}

// File describes one media file. The filesystem is the source of truth;
// listings are never cached across calls.
type File struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// DiskUsage reports space on the filesystem holding the media directory.
type DiskUsage struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used"`
	Free  int64 `json:"free"`
}

// Store manages the media directory: name resolution, listing and deletion.
type Store struct {
	dir    string
	logger zerolog.Logger
}

// NewStore creates a Store rooted at dir, creating the directory if needed.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve media dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Store{
		dir:    abs,
		logger: logger.With().Str("component", "media").Logger(),
	}, nil
}

// Dir returns the absolute media directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Resolve validates name and returns its absolute path inside the media
// directory. Traversal components, absolute paths and disallowed extensions
// are rejected; the file itself need not exist.
func (s *Store) Resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidFilename)
	}
	if strings.ContainsAny(name, "/\\") || name != filepath.Base(filepath.Clean(name)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedExtensions[ext] {
		return "", fmt.Errorf("%w: extension %q not allowed", ErrInvalidFilename, ext)
	}

	full := filepath.Join(s.dir, name)
	if !strings.HasPrefix(full, s.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return full, nil
}

// ResolveExisting is Resolve plus an existence check.
func (s *Store) ResolveExisting(name string) (string, error) {
	full, err := s.Resolve(name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("stat %s: %w", name, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return full, nil
}

// List enumerates the media files in the directory, sorted by name.
func (s *Store) List() ([]File, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read media dir: %w", err)
	}

	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !allowedExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, File{
			Name:     entry.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Stat returns the File entry for one name.
func (s *Store) Stat(name string) (File, error) {
	full, err := s.ResolveExisting(name)
	if err != nil {
		return File{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", name, err)
	}
	return File{Name: name, Size: info.Size(), Modified: info.ModTime()}, nil
}

// Delete removes the named file from the media directory.
func (s *Store) Delete(name string) error {
	full, err := s.ResolveExisting(name)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	s.logger.Info().Str("file", name).Msg("File deleted")
	return nil
}

// DiskUsage reports free space for the media directory's filesystem.
func (s *Store) DiskUsage() (DiskUsage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.dir, &stat); err != nil {
		return DiskUsage{}, fmt.Errorf("statfs %s: %w", s.dir, err)
	}
	total := int64(stat.Blocks) * int64(stat.Bsize)
	free := int64(stat.Bavail) * int64(stat.Bsize)
	return DiskUsage{Total: total, Used: total - free, Free: free}, nil
}
