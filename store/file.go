package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileStore is a BlueprintStore backed by JSON files on disk, one file per
// blueprint under <root>/<userID>/<blueprintID>.json. Writes go through a
// temp file and rename so readers never observe a partial document.
type FileStore struct {
	root   string
	logger *slog.Logger
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithFileStoreLogger sets the logger.
func WithFileStoreLogger(logger *slog.Logger) FileStoreOption {
	return func(s *FileStore) {
		s.logger = logger
	}
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blueprint directory: %w", err)
	}

	s := &FileStore{
		root:   dir,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// safeComponent rejects IDs that could escape the store root.
func safeComponent(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid identifier %q", id)
	}
	return nil
}

func (s *FileStore) path(blueprintID, userID string) (string, error) {
	if err := safeComponent(userID); err != nil {
		return "", err
	}
	if err := safeComponent(blueprintID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, userID, blueprintID+".json"), nil
}

// Save creates or replaces a blueprint on disk.
func (s *FileStore) Save(ctx context.Context, bp *Blueprint) error {
	path, err := s.path(bp.ID, bp.UserID)
	if err != nil {
		return err
	}

	now := time.Now()
	if existing, err := s.Get(ctx, bp.ID, bp.UserID); err == nil {
		bp.CreatedAt = existing.CreatedAt
	} else if bp.CreatedAt.IsZero() {
		bp.CreatedAt = now
	}
	bp.UpdatedAt = now

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create user directory: %w", err)
	}

	data, err := json.MarshalIndent(bp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal blueprint: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blueprint-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write blueprint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close blueprint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store blueprint: %w", err)
	}

	s.logger.Debug("Blueprint saved", "blueprint_id", bp.ID, "user_id", bp.UserID)
	return nil
}

// Get retrieves one blueprint owned by the user.
func (s *FileStore) Get(_ context.Context, blueprintID, userID string) (*Blueprint, error) {
	path, err := s.path(blueprintID, userID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blueprint: %w", err)
	}

	var bp Blueprint
	if err := json.Unmarshal(data, &bp); err != nil {
		return nil, fmt.Errorf("unmarshal blueprint: %w", err)
	}
	return &bp, nil
}

// List returns the user's blueprints, newest first.
func (s *FileStore) List(_ context.Context, userID string) ([]*Blueprint, error) {
	if err := safeComponent(userID); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(s.root, userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list blueprints: %w", err)
	}

	var out []*Blueprint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, userID, entry.Name()))
		if err != nil {
			continue // Skip entries that fail to load
		}
		var bp Blueprint
		if err := json.Unmarshal(data, &bp); err != nil {
			s.logger.Warn("Skipping unreadable blueprint file", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, &bp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete removes one blueprint owned by the user.
func (s *FileStore) Delete(_ context.Context, blueprintID, userID string) error {
	path, err := s.path(blueprintID, userID)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete blueprint: %w", err)
	}
	return nil
}
