package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FileFetcher reads a ruleset from a local YAML or JSON file. The version is
// a hash of the file contents; a version in the file itself is ignored.
type FileFetcher struct {
	path string
}

func NewFileFetcher(path string) (*FileFetcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("file fetcher: path is required")
	}
	return &FileFetcher{path: path}, nil
}

func (f *FileFetcher) Path() string {
	return f.path
}

func (f *FileFetcher) Fetch(_ context.Context, lastVersion string) (Result, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return Result{}, fmt.Errorf("read ruleset file: %w", err)
	}

	version := fmt.Sprintf("%016x", xxhash.Sum64(data))
	if version == lastVersion {
		return Result{NotModified: true}, nil
	}

	payload, err := decodeFilePayload(f.path, data)
	if err != nil {
		return Result{}, err
	}
	payload.Version = version

	ruleset, err := payload.Ruleset()
	if err != nil {
		return Result{}, err
	}
	return Result{Ruleset: ruleset}, nil
}

func decodeFilePayload(path string, data []byte) (Payload, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var payload Payload
		if err := yaml.Unmarshal(data, &payload); err != nil {
			return Payload{}, fmt.Errorf("%w: decode yaml: %v", ErrParse, err)
		}
		return payload, nil
	default:
		return decodeJSONPayload(data)
	}
}

// WatchFile calls onChange whenever path is written, created, renamed or
// removed. The parent directory is watched so editors that replace the file
// are still observed. It blocks until ctx is cancelled.
func WatchFile(ctx context.Context, path string, onChange func(), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("watch %q: %w", filepath.Dir(absPath), err)
	}

	logger.Info("watching ruleset file", "path", absPath)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			logger.Debug("ruleset file changed", "path", event.Name, "op", event.Op.String())
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			logger.Warn("ruleset file watcher error", "error", err)
		}
	}
}
