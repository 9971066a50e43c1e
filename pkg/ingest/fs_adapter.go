package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/urio/urio/pkg/stores"
	"github.com/urio/urio/pkg/telemetry"
)

// DefaultMaxFileSize bounds how much content the filesystem adapter
// reads per file.
const DefaultMaxFileSize = 32 << 20 // 32 MiB

// fsAdapterVersion tags adapter-scoped logs and spans.
const fsAdapterVersion = "1"

// FSAdapter walks a filesystem root and yields every regular file under
// it as a candidate, honoring the path's include/exclude globs.
type FSAdapter struct {
	logger      *telemetry.Logger
	maxFileSize int64
}

// NewFSAdapter creates a filesystem source adapter.
func NewFSAdapter(logger *telemetry.Logger) *FSAdapter {
	return &FSAdapter{
		logger:      logger.NewComponentLogger("fs-adapter"),
		maxFileSize: DefaultMaxFileSize,
	}
}

// Kind returns the source kind this adapter serves.
func (a *FSAdapter) Kind() string {
	return "fs"
}

// Produce walks the path root and emits one candidate per regular file
// that passes the glob filters.
func (a *FSAdapter) Produce(ctx context.Context, path *stores.IngestPath, emit func(Candidate) error) error {
	ctx = telemetry.WithAdapterContext(ctx, a.Kind(), fsAdapterVersion)

	includes, err := compileGlobs(path.IncludeGlobs)
	if err != nil {
		return stores.NewAdapterError("invalid include globs", err).WithKey(path.RootPath)
	}
	excludes, err := compileGlobs(path.ExcludeGlobs)
	if err != nil {
		return stores.NewAdapterError("invalid exclude globs", err).WithKey(path.RootPath)
	}

	root := path.RootPath
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal to the walk.
			a.logger.WithError(err).WithField("path", p).Warn("skipping unreadable path")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if !globsAdmit(rel, includes, excludes) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			a.logger.WithError(err).WithField("path", p).Warn("skipping unstatable file")
			return nil
		}
		if info.Size() > a.maxFileSize {
			a.logger.WithField("path", p).
				Warnf("rejecting file larger than %d bytes", a.maxFileSize)
			return emit(Candidate{
				AbsPath: p,
				RelPath: rel,
				Nature:  natureOf(p),
				RejectReason: fmt.Sprintf("file size %d exceeds adapter limit %d",
					info.Size(), a.maxFileSize),
			})
		}

		content, err := os.ReadFile(p)
		if err != nil {
			return stores.NewAdapterError("failed to read file", err).WithKey(p)
		}

		return emit(Candidate{
			AbsPath: p,
			RelPath: rel,
			Content: content,
			Nature:  natureOf(p),
		})
	})
	if walkErr != nil {
		return fmt.Errorf("filesystem walk of %s failed: %w", root, walkErr)
	}
	return nil
}

// compileGlobs parses a JSON-encoded glob list into compiled matchers.
func compileGlobs(raw *string) ([]glob.Glob, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}

	var patterns []string
	if err := json.Unmarshal([]byte(*raw), &patterns); err != nil {
		return nil, err
	}

	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// globsAdmit applies include/exclude filters to a slash-separated
// relative path.
func globsAdmit(rel string, includes, excludes []glob.Glob) bool {
	if len(includes) > 0 {
		ok := false
		for _, g := range includes {
			if g.Match(rel) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, g := range excludes {
		if g.Match(rel) {
			return false
		}
	}
	return true
}

// natureOf guesses a media type from the file extension.
func natureOf(p string) string {
	ext := strings.ToLower(filepath.Ext(p))
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		// Strip charset parameters; the nature column holds the bare type.
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return "application/octet-stream"
}
