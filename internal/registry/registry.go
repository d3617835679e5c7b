// Package registry implements the Instance Registry (spec.md §4.8): an
// optional, file-based heartbeat record per running manager instance, for
// single-host discovery without a coordination service.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Record is one instance's canonical on-disk heartbeat payload, per
// spec.md §3's InstanceRecord.
type Record struct {
	InstanceID string   `json:"instanceId"`
	PID        int      `json:"pid,omitempty"`
	ListenAddr string   `json:"listenAddr"`
	Projects   []string `json:"projects"`
	Version    string   `json:"version"`
	StartedAt  int64    `json:"startedAt"`
	LastSeenMs int64    `json:"lastSeenMs"`
}

// Reporter periodically rewrites this instance's Record file under dir,
// grounded on the teacher's internal/server/health.go ticker/payload
// heartbeat shape, adapted from an outbound control-plane POST to an atomic
// local file write since the manager has no external control plane to
// report to — it is the control plane.
//
// All methods are nil-safe: a nil *Reporter is a no-op, mirroring the
// teacher's bootlog.Reporter nil-safety convention so callers never need to
// branch on whether the registry is enabled.
type Reporter struct {
	dir        string
	instanceID string
	listenAddr string
	projects   []string
	version    string
	startedAt  time.Time

	stop chan struct{}
	done chan struct{}
}

// New constructs a Reporter that writes "<dir>/<instanceID>.json". Returns
// nil, without error, if dir is blank — the registry is opt-in per
// spec.md §4.8 ("optional").
func New(dir, instanceID, listenAddr, version string, projects []string) *Reporter {
	if dir == "" {
		return nil
	}
	return &Reporter{
		dir:        dir,
		instanceID: instanceID,
		listenAddr: listenAddr,
		projects:   projects,
		version:    version,
		startedAt:  time.Now().UTC(),
	}
}

func (r *Reporter) path() string {
	return filepath.Join(r.dir, r.instanceID+".json")
}

// Start writes an initial record, then rewrites it atomically every
// interval until Stop is called.
func (r *Reporter) Start(interval time.Duration) {
	if r == nil {
		return
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		slog.Error("registry: failed to create instances dir", "dir", r.dir, "error", err)
		return
	}

	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	r.heartbeat()

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.heartbeat()
			}
		}
	}()
}

func (r *Reporter) heartbeat() {
	rec := Record{
		InstanceID: r.instanceID,
		PID:        os.Getpid(),
		ListenAddr: r.listenAddr,
		Projects:   r.projects,
		Version:    r.version,
		StartedAt:  r.startedAt.UnixMilli(),
		LastSeenMs: time.Now().UTC().UnixMilli(),
	}
	if err := writeAtomic(r.path(), rec); err != nil {
		slog.Error("registry: heartbeat write failed", "instanceId", r.instanceID, "error", err)
	}
}

// Stop halts the heartbeat loop and removes the instance's record file, per
// spec.md §4.8 ("removes the file on orderly shutdown"). Calling Stop again
// after the first call is a no-op.
func (r *Reporter) Stop() {
	if r == nil || r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
	r.stop = nil
	if err := os.Remove(r.path()); err != nil && !os.IsNotExist(err) {
		slog.Error("registry: failed to remove instance record on shutdown", "instanceId", r.instanceID, "error", err)
	}
}

// writeAtomic marshals rec to JSON and writes it to path via a temp file
// plus rename, so concurrent readers never observe a partial write.
func writeAtomic(path string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// StaleAfter is the default grace window readers use to ignore records
// whose LastSeenMs indicates the instance has stopped heartbeating.
const StaleAfter = 30 * time.Second

// List reads every non-stale Record under dir, grounded on spec.md §4.8
// ("readers ignore records whose lastSeenMs is older than a grace window").
func List(dir string) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: read instances dir: %w", err)
	}

	cutoff := time.Now().UTC().Add(-StaleAfter).UnixMilli()
	var out []Record
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.LastSeenMs < cutoff {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
