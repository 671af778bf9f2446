// Package archive extracts zip-format code archives into a workspace
// directory, defending against zip-slip path traversal and symlink
// entries.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// ExtractError wraps a failure to open or read the archive itself (not an
// individual entry, which is handled by skip-and-log per spec.md §4.2).
type ExtractError struct {
	Path string
	Err  error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("archive: extract %s: %v", e.Path, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// Extract unpacks the zip archive at zipPath into destDir, which must
// already exist. For each entry it resolves the absolute destination path
// and skips (logging a warning) any entry that would land outside destDir
// — the zip-slip defense — or that is a symbolic link. It returns the
// names of skipped entries.
func Extract(zipPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, &ExtractError{Path: zipPath, Err: err}
	}
	defer r.Close()

	destRoot, err := filepath.Abs(destDir)
	if err != nil {
		return nil, &ExtractError{Path: zipPath, Err: err}
	}

	var skipped []string
	for _, f := range r.File {
		ok, err := extractEntry(f, destRoot)
		if err != nil {
			return nil, &ExtractError{Path: zipPath, Err: err}
		}
		if !ok {
			skipped = append(skipped, f.Name)
			log.Warn().Str("entry", f.Name).Str("archive", zipPath).Msg("skipping archive entry outside workspace root or symlink")
		}
	}
	return skipped, nil
}

// extractEntry writes a single zip entry under destRoot. It returns false
// (without error) when the entry is rejected by the traversal or symlink
// defenses, so the caller can skip it and keep extracting.
func extractEntry(f *zip.File, destRoot string) (bool, error) {
	// A symlink entry carries os.ModeSymlink in its recorded file mode;
	// never follow or materialize it.
	if f.Mode()&os.ModeSymlink != 0 {
		return false, nil
	}

	target := filepath.Join(destRoot, filepath.FromSlash(f.Name))
	target = filepath.Clean(target)

	if target != destRoot && !strings.HasPrefix(target, destRoot+string(os.PathSeparator)) {
		return false, nil
	}

	isDir := f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/")
	if isDir {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, err
	}

	rc, err := f.Open()
	if err != nil {
		return false, err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0o600)
	if err != nil {
		return false, err
	}
	defer out.Close()

	if _, err := io.CopyN(out, rc, int64(f.UncompressedSize64)); err != nil && err != io.EOF {
		return false, err
	}
	return true, nil
}
