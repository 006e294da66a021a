// Package file provides a filesystem Store that writes one JSON document
// per summary key.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/event"
)

// Config holds configuration for the file store.
type Config struct {
	// Directory is where summary documents are written.
	Directory string `json:"directory" yaml:"directory"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Directory == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "directory is required")
	}
	return nil
}

// DefaultConfig returns default configuration for the file store
func DefaultConfig() Config {
	return Config{Directory: "/tmp/taotie/summaries"}
}

// Store writes each summary to <directory>/<key>.json. The key doubles as
// the idempotency token: an existing file means the summary was already
// persisted and the write is skipped.
type Store struct {
	directory string
	logger    *slog.Logger
}

// New creates a file store and its backing directory.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, errors.WrapFatal(err, "Store", "New", "create summary directory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{directory: cfg.Directory, logger: logger}, nil
}

// Persist writes the summary document unless its key already exists on disk.
func (s *Store) Persist(_ context.Context, sum event.Summary) error {
	if err := sum.Validate(); err != nil {
		return err
	}

	path := filepath.Join(s.directory, sum.Key+".json")

	// O_EXCL makes the existence check and the create atomic, so two
	// workers persisting the same key race safely.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			s.logger.Debug("summary already persisted", "key", sum.Key)
			return nil
		}
		return errors.WrapTransient(err, "Store", "Persist", "create summary file")
	}

	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return errors.WrapInvalid(err, "Store", "Persist", "marshal summary")
	}
	data = append(data, '\n')

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		// Remove the partial file so a retry can recreate it.
		_ = os.Remove(path)
		return errors.WrapTransient(err, "Store", "Persist", fmt.Sprintf("write %s", path))
	}
	if err := f.Close(); err != nil {
		return errors.WrapTransient(err, "Store", "Persist", "close summary file")
	}

	s.logger.Debug("summary persisted", "key", sum.Key, "path", path)
	return nil
}
