package gatex

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadState describes where the reload controller is in its
// Idle -> Loading -> {Active, Failed} cycle.
type ReloadState string

const (
	// ReloadStateIdle means no load has been attempted yet.
	ReloadStateIdle ReloadState = "idle"
	// ReloadStateLoading means a document is being parsed and validated.
	ReloadStateLoading ReloadState = "loading"
	// ReloadStateActive means the last load succeeded and its table serves traffic.
	ReloadStateActive ReloadState = "active"
	// ReloadStateFailed means the last load failed, the previous table keeps serving.
	ReloadStateFailed ReloadState = "failed"
)

// ReloadController owns the active [RoutingTable]. It loads the routing
// document, validates it and atomically publishes the new table; readers
// never block and in-flight requests keep whichever snapshot they
// captured. A failed load never replaces a working table.
type ReloadController struct {
	path   string
	logger Logger

	table   atomic.Value // *RoutingTable
	state   atomic.Value // ReloadState
	version atomic.Int64

	mu      sync.Mutex // serializes Reload calls
	lastSum [sha256.Size]byte
}

// NewReloadController creates a controller for the document at path.
// Call [ReloadController.Reload] to perform the initial load.
func NewReloadController(path string, logger Logger) *ReloadController {
	c := &ReloadController{
		path:   path,
		logger: logger,
	}
	c.state.Store(ReloadStateIdle)
	return c
}

// Table returns the active routing table, nil before the first
// successful load. The returned snapshot is immutable.
func (c *ReloadController) Table() *RoutingTable {
	t, _ := c.table.Load().(*RoutingTable)
	return t
}

// State returns the controller state.
func (c *ReloadController) State() ReloadState {
	return c.state.Load().(ReloadState)
}

// Reload reads the routing document, validates it and publishes a new
// table on success. Re-triggering with an unchanged document is a
// no-op. On failure the previously active table stays published and the
// returned error lists every validation problem found.
func (c *ReloadController) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	metricReloadTotal.Inc()
	c.state.Store(ReloadStateLoading)

	table, changed, err := c.load()
	if err != nil {
		metricReloadErrorsTotal.Inc()
		// Only a failed load with no working table leaves Failed state;
		// with a table published the process keeps serving regardless.
		c.state.Store(ReloadStateFailed)
		return err
	}
	if !changed {
		c.state.Store(ReloadStateActive)
		c.logger.Debug("routing document unchanged, reload skipped", "path", c.path)
		return nil
	}

	table.Version = c.version.Add(1)
	c.table.Store(table)
	c.state.Store(ReloadStateActive)

	metricRulesTotal.Set(float64(table.Len()))
	metricTableVersion.Set(float64(table.Version))
	metricTableLoadTimestamp.Set(float64(table.LoadedAt.Unix()))

	c.logger.Info("routing table published",
		"path", c.path,
		"version", table.Version,
		"rules", table.Len(),
	)
	return nil
}

// load parses and validates the document, returning (nil, false, err)
// on any failure and (nil, false, nil) when the document is unchanged.
func (c *ReloadController) load() (*RoutingTable, bool, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, false, fmt.Errorf("read routing document %s: %w", c.path, err)
	}

	sum := sha256.Sum256(data)
	if sum == c.lastSum && c.Table() != nil {
		return nil, false, nil
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, false, fmt.Errorf("parse routing document %s: %w", c.path, err)
	}
	if err := loadEnvToStruct(cfg); err != nil {
		return nil, false, fmt.Errorf("overlay environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	for _, warning := range cfg.Warnings() {
		c.logger.Info("routing document warning", "warning", warning)
	}

	table, err := NewRoutingTable(cfg)
	if err != nil {
		return nil, false, fmt.Errorf("build routing table: %w", err)
	}

	c.lastSum = sum
	return table, true, nil
}

// Watch runs the file watcher until the context is canceled, restarting
// it on failure with exponential backoff capped at 5 minutes. It is
// meant to run in its own goroutine.
func (c *ReloadController) Watch(ctx context.Context) {
	attempt := 0
	maxBackoff := 5 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		attempt++
		if attempt > 1 {
			metricWatcherRestarts.Inc()
			c.logger.Info("restarting routing document watcher", "attempt", attempt)
		}

		err := c.watch(ctx)
		if ctx.Err() != nil {
			return
		}

		backoff := time.Duration(math.Min(float64(time.Second)*math.Pow(2, float64(attempt-1)), float64(maxBackoff)))
		c.logger.Error("routing document watcher stopped", "error", err, "restart_in", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

// watch blocks on filesystem events for the document's directory (the
// directory, not the file, so symlink swaps of mounted config files are
// seen) and reloads on write or create events.
func (c *ReloadController) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	watchDir := filepath.Dir(c.path)
	if err := watcher.Add(watchDir); err != nil {
		return fmt.Errorf("watch directory %s: %w", watchDir, err)
	}

	c.logger.Info("watching for routing document changes", "dir", watchDir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			time.Sleep(time.Second) // debounce editor/configmap write bursts
			if err := c.Reload(); err != nil {
				c.logger.Error("reload after document change failed, previous table stays active", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			c.logger.Error("file watcher error", "error", err)
		}
	}
}
