// Package status merges persisted configuration with live supervisor
// health fetched from each instance's status source.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"svsettings/internal/domain"
	"svsettings/internal/log"
	"svsettings/internal/metrics"
	"svsettings/internal/repo"
)

const (
	defaultTTL     = 10 * time.Second
	defaultTimeout = 3 * time.Second
)

type cached struct {
	snapshot domain.StatusSnapshot
	fetched  time.Time
}

// Aggregator fetches status snapshots with a short TTL cache. A probe
// failure degrades the response instead of failing it: the caller still
// gets the configuration, with StatusAvailable false.
type Aggregator struct {
	Repo    repo.Repo
	Client  *http.Client
	TTL     time.Duration
	Timeout time.Duration
	Now     func() time.Time

	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cached
}

func New(r repo.Repo) *Aggregator {
	return &Aggregator{
		Repo:    r,
		Client:  &http.Client{},
		TTL:     defaultTTL,
		Timeout: defaultTimeout,
		Now:     time.Now,
		logger:  log.WithComponent("status"),
		cache:   map[string]cached{},
	}
}

// Status returns the combined view for an instance. Storage errors are
// returned; status-source errors are not.
func (a *Aggregator) Status(ctx context.Context, instanceID string) (domain.StatusView, error) {
	in, err := a.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.StatusView{}, err
	}
	entries, err := a.Repo.ListEntries(ctx, instanceID)
	if err != nil {
		return domain.StatusView{}, err
	}
	view := domain.StatusView{InstanceID: instanceID, Config: entries}

	if in.StatusURL == "" {
		view.StatusReason = "no status source configured"
		return view, nil
	}

	snap, err := a.snapshot(ctx, in.ID, in.StatusURL)
	if err != nil {
		metrics.StatusProbeFailures.Inc()
		a.logger.Warn().Err(err).Str("instance", instanceID).Msg("status probe failed")
		view.StatusReason = "status source unreachable"
		return view, nil
	}
	view.Snapshot = &snap
	view.StatusAvailable = true
	return view, nil
}

func (a *Aggregator) snapshot(ctx context.Context, instanceID, statusURL string) (domain.StatusSnapshot, error) {
	now := a.Now()
	a.mu.Lock()
	if c, ok := a.cache[instanceID]; ok && now.Sub(c.fetched) < a.TTL {
		a.mu.Unlock()
		return c.snapshot, nil
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return domain.StatusSnapshot{}, err
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return domain.StatusSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.StatusSnapshot{}, fmt.Errorf("status source returned %d", resp.StatusCode)
	}
	var snap domain.StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return domain.StatusSnapshot{}, fmt.Errorf("decode status payload: %w", err)
	}
	if snap.CollectedAt == "" {
		snap.CollectedAt = now.UTC().Format(time.RFC3339)
	}

	a.mu.Lock()
	a.cache[instanceID] = cached{snapshot: snap, fetched: now}
	a.mu.Unlock()
	return snap, nil
}

// Invalidate drops any cached snapshot for an instance.
func (a *Aggregator) Invalidate(instanceID string) {
	a.mu.Lock()
	delete(a.cache, instanceID)
	a.mu.Unlock()
}
