package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

const scratchDirName = "temp"

// Storage lays out one directory per submission:
//
//	{base}/{ref}/temp/   chunks and intermediate merge artifacts
//	{base}/{ref}/*.mp4   finalized outputs
type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/uploads"
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: abs}, nil
}

func (s *Storage) BasePath() string {
	return s.basePath
}

func (s *Storage) SubmissionDir(ref string) string {
	return filepath.Join(s.basePath, ref)
}

func (s *Storage) ScratchDir(ref string) string {
	return filepath.Join(s.basePath, ref, scratchDirName)
}

func (s *Storage) ChunkPath(ref, name string) string {
	return filepath.Join(s.ScratchDir(ref), name)
}

// Exists reports whether a chunk file is present. Unsafe names never exist.
func (s *Storage) Exists(ref, name string) bool {
	if checkNames(ref, name) != nil {
		return false
	}
	info, err := os.Stat(s.ChunkPath(ref, name))
	return err == nil && info.Mode().IsRegular()
}

// ScratchPath is where intermediate artifacts of a finalize attempt live.
func (s *Storage) ScratchPath(ref, name string) string {
	return filepath.Join(s.ScratchDir(ref), domain.IntermediatePrefix+name)
}

func (s *Storage) OutputPath(ref, name string) string {
	return filepath.Join(s.SubmissionDir(ref), name)
}

// Append writes body to a chunk file. Data lands in a hidden part file first
// and is renamed into place, so a broken upload never shows up under its
// final name.
func (s *Storage) Append(_ context.Context, ref, name string, body io.Reader) (int64, error) {
	if err := checkNames(ref, name); err != nil {
		return 0, err
	}
	dir := s.ScratchDir(ref)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, domain.WrapError(domain.ErrIO, "create scratch dir", err)
	}

	part, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return 0, domain.WrapError(domain.ErrIO, "create chunk file", err)
	}
	partPath := part.Name()

	written, copyErr := io.Copy(part, body)
	closeErr := part.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(partPath)
		return written, domain.WrapError(domain.ErrIO, "write chunk file", errors.Join(copyErr, closeErr))
	}

	if err := os.Rename(partPath, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(partPath)
		return written, domain.WrapError(domain.ErrIO, "commit chunk file", err)
	}
	return written, nil
}

// List returns the chunk names present on disk in lexicographic order.
func (s *Storage) List(_ context.Context, ref string) ([]string, error) {
	if err := domain.ValidateRef(ref); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.ScratchDir(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, domain.WrapError(domain.ErrIO, "list chunks", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !domain.IsPlainName(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *Storage) RemoveChunk(_ context.Context, ref, name string) error {
	if err := checkNames(ref, name); err != nil {
		return err
	}
	return removeFile(s.ChunkPath(ref, name), "remove chunk")
}

func (s *Storage) RemoveOutput(_ context.Context, ref, name string) error {
	if err := checkNames(ref, name); err != nil {
		return err
	}
	return removeFile(s.OutputPath(ref, name), "remove output")
}

// Purge removes the scratch area. Missing directories are not an error.
func (s *Storage) Purge(_ context.Context, ref string) error {
	if err := domain.ValidateRef(ref); err != nil {
		return err
	}
	if err := os.RemoveAll(s.ScratchDir(ref)); err != nil {
		return domain.WrapError(domain.ErrIO, "purge scratch dir", err)
	}
	return nil
}

// PurgeIntermediates removes merge artifacts and abandoned part files but
// keeps the chunks.
func (s *Storage) PurgeIntermediates(_ context.Context, ref string) error {
	if err := domain.ValidateRef(ref); err != nil {
		return err
	}
	entries, err := os.ReadDir(s.ScratchDir(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return domain.WrapError(domain.ErrIO, "list scratch dir", err)
	}

	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, domain.IntermediatePrefix) && !strings.HasPrefix(name, ".part-") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.ScratchDir(ref), name)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return domain.WrapError(domain.ErrIO, "purge intermediates", errors.Join(errs...))
	}
	return nil
}

// RemoveAll deletes every artifact of a submission.
func (s *Storage) RemoveAll(_ context.Context, ref string) error {
	if err := domain.ValidateRef(ref); err != nil {
		return err
	}
	if err := os.RemoveAll(s.SubmissionDir(ref)); err != nil {
		return domain.WrapError(domain.ErrIO, "remove submission dir", err)
	}
	return nil
}

func checkNames(ref, name string) error {
	if err := domain.ValidateRef(ref); err != nil {
		return err
	}
	if !domain.IsPlainName(name) {
		return domain.WrapError(domain.ErrInvalidInput, "check file name", fmt.Errorf("unsafe name %q", name))
	}
	return nil
}

func removeFile(path, operation string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.WrapError(domain.ErrIO, operation, err)
	}
	return nil
}
