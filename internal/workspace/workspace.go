// Package workspace implements WorkspaceManager (spec.md §4.3): per-task
// scratch directory preparation — cache-then-origin archive fetch, safe
// extraction, SDK file injection, and payload placement — plus best-effort
// cleanup.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/nanogrid/faas-worker/internal/archive"
	"github.com/nanogrid/faas-worker/internal/blobstore"
	"github.com/nanogrid/faas-worker/internal/cache"
	"github.com/nanogrid/faas-worker/internal/task"
)

// PayloadInlineLimit is the threshold past which a task's serialized
// payload is written to payload.json instead of passed via environment
// variable (spec.md §4.3 step 5).
const PayloadInlineLimit = 100 * 1024 // 100 KiB

// Workspace is an owned scratch directory for exactly one invocation.
type Workspace struct {
	RequestID string
	Root      string
	// PayloadFile is set when the task's payload was written to disk
	// instead of being passed inline.
	PayloadFile string
}

// ContainerPath returns where this workspace is expected to be mounted
// inside the sandbox.
func (w *Workspace) ContainerPath() string {
	return "/workspace/" + w.RequestID
}

// Manager prepares and tears down Workspaces.
type Manager struct {
	BaseDir string
	SDKDir  string
	Cache   cache.Cache
	Store   blobstore.Store
}

// cacheKey is the cache key format for a function's archive, shared by
// every invocation of the same function (spec.md §4.3 step 2).
func cacheKey(functionID string) string {
	return "code:" + functionID
}

// Prepare materializes t's code archive into a fresh workspace directory,
// injects SDK helper files, and places the payload per spec.md §4.3.
func (m *Manager) Prepare(ctx context.Context, t *task.Task) (*Workspace, error) {
	root := filepath.Join(m.BaseDir, t.RequestID)
	if err := os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("workspace: remove stale dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create dir: %w", err)
	}

	zipPath := filepath.Join(root, "code.zip")
	if err := m.fetchArchive(ctx, t, zipPath); err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("workspace: fetch archive: %w", err)
	}

	if _, err := archive.Extract(zipPath, root); err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("workspace: extract archive: %w", err)
	}
	_ = os.Remove(zipPath)

	if err := m.injectSDK(root); err != nil {
		log.Warn().Err(err).Str("request_id", t.RequestID).Msg("sdk injection failed")
	}

	w := &Workspace{RequestID: t.RequestID, Root: root}
	if err := m.placePayload(w, t); err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("workspace: place payload: %w", err)
	}

	return w, nil
}

// fetchArchive tries the cache first, falling back to the origin blob
// store on a miss or any cache error (spec.md §7, CacheError policy).
func (m *Manager) fetchArchive(ctx context.Context, t *task.Task, zipPath string) error {
	key := cacheKey(t.FunctionID)

	if m.Cache != nil {
		data, hit, err := m.Cache.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("cache read failed, falling back to origin")
		} else if hit {
			if err := os.WriteFile(zipPath, data, 0o644); err != nil {
				return err
			}
			return nil
		}
	}

	if err := m.Store.Download(ctx, t.ArchiveRef, zipPath); err != nil {
		return err
	}

	if m.Cache != nil {
		data, err := os.ReadFile(zipPath)
		if err != nil {
			return nil // extraction will fail loudly if the file is unreadable
		}
		if err := m.Cache.SetEX(ctx, key, cache.DefaultTTL, data); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("cache populate failed")
		}
	}
	return nil
}

// sdkFiles are overwritten into every workspace regardless of what the
// archive shipped under the same names (spec.md §4.3 step 4).
var sdkFiles = []string{"sdk.py", "sdk.js", "ai_client.py", "ai_client.js"}

func (m *Manager) injectSDK(root string) error {
	if m.SDKDir == "" {
		return nil
	}
	var firstErr error
	for _, name := range sdkFiles {
		src := filepath.Join(m.SDKDir, name)
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		dst := filepath.Join(root, name)
		if err := os.WriteFile(dst, data, 0o644); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) placePayload(w *Workspace, t *task.Task) error {
	if len(t.Payload) == 0 {
		return nil
	}
	if len(t.Payload) > PayloadInlineLimit {
		path := filepath.Join(w.Root, "payload.json")
		if err := os.WriteFile(path, t.Payload, 0o644); err != nil {
			return err
		}
		w.PayloadFile = path
	}
	return nil
}

// Cleanup best-effort removes w's directory. Errors are logged, never
// returned (spec.md §4.3).
func (m *Manager) Cleanup(w *Workspace) {
	if w == nil {
		return
	}
	if err := os.RemoveAll(w.Root); err != nil {
		log.Warn().Err(err).Str("request_id", w.RequestID).Msg("workspace cleanup failed")
	}
}
