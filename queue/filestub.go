package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileStubStore persists job stubs as JSON files in a spool directory, one
// file per job. Stubs are written via temp file and rename, so a watcher in
// another process never reads a partial stub.
type FileStubStore struct {
	dir    string
	logger *slog.Logger
}

// FileStubOption configures a FileStubStore.
type FileStubOption func(*FileStubStore)

// WithFileStubLogger sets the logger.
func WithFileStubLogger(logger *slog.Logger) FileStubOption {
	return func(s *FileStubStore) {
		s.logger = logger
	}
}

// NewFileStubStore creates a FileStubStore over the given spool directory,
// creating it if needed.
func NewFileStubStore(dir string, opts ...FileStubOption) (*FileStubStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}

	s := &FileStubStore{
		dir:    dir,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStubStore) path(jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || strings.Contains(jobID, "..") {
		return "", fmt.Errorf("invalid job ID %q", jobID)
	}
	return filepath.Join(s.dir, jobID+".json"), nil
}

// SaveStub creates or replaces a stub file.
func (s *FileStubStore) SaveStub(_ context.Context, stub *JobStub) error {
	path, err := s.path(stub.JobID)
	if err != nil {
		return err
	}
	stub.UpdatedAt = time.Now()

	data, err := json.Marshal(stub)
	if err != nil {
		return fmt.Errorf("marshal job stub: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".stub-*")
	if err != nil {
		return fmt.Errorf("create temp stub: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write job stub: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close job stub: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store job stub: %w", err)
	}
	return nil
}

// GetStub retrieves one stub.
func (s *FileStubStore) GetStub(_ context.Context, jobID string) (*JobStub, error) {
	path, err := s.path(jobID)
	if err != nil {
		return nil, err
	}
	return readStubFile(path)
}

// ListStubs returns all stubs in the spool directory.
func (s *FileStubStore) ListStubs(_ context.Context) ([]*JobStub, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list job stubs: %w", err)
	}

	var out []*JobStub
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		stub, err := readStubFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("Skipping unreadable job stub", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, stub)
	}
	return out, nil
}

// DeleteStub removes one stub file. Absent stubs are ignored.
func (s *FileStubStore) DeleteStub(_ context.Context, jobID string) error {
	path, err := s.path(jobID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete job stub: %w", err)
	}
	return nil
}

// Watch surfaces stubs written to the spool directory, including by other
// processes. It delivers every existing stub first, then new and updated
// ones as they land, until ctx is done.
func (s *FileStubStore) Watch(ctx context.Context, fn func(*JobStub)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create spool watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch spool directory: %w", err)
	}

	// Existing stubs are delivered before live events so a restarted
	// process recovers jobs it did not observe being written.
	existing, err := s.ListStubs(ctx)
	if err != nil {
		watcher.Close()
		return err
	}
	for _, stub := range existing {
		fn(stub)
	}

	go s.watchLoop(ctx, watcher, fn)

	s.logger.Info("Job stub watcher started", "dir", s.dir)
	return nil
}

func (s *FileStubStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, fn func(*JobStub)) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
				continue
			}
			stub, err := readStubFile(event.Name)
			if err != nil {
				// Renames race with deletion; a vanished stub is not an
				// error worth surfacing.
				s.logger.Debug("Spool event for unreadable stub", "file", name, "error", err)
				continue
			}
			fn(stub)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("Spool watcher error", "error", err)
		}
	}
}

func readStubFile(path string) (*JobStub, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStubNotFound
		}
		return nil, fmt.Errorf("read job stub: %w", err)
	}

	var stub JobStub
	if err := json.Unmarshal(data, &stub); err != nil {
		return nil, fmt.Errorf("unmarshal job stub: %w", err)
	}
	if stub.JobID == "" {
		return nil, fmt.Errorf("job stub missing job_id")
	}
	return &stub, nil
}
