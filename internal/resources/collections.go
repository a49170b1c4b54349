// Package resources binds the gateway collections to principal-scoped
// caches and keeps them fresh across focus and reconnect events.
package resources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/daybook/internal/cache"
	"github.com/kalambet/daybook/internal/model"
)

// Store is the read side of the record store. Implemented by gateway.Client.
type Store interface {
	ListDiaries(ctx context.Context, principal string) ([]model.Diary, error)
	ListEvents(ctx context.Context, principal string) ([]model.Event, error)
	ListTasks(ctx context.Context, principal string) ([]model.Task, error)
	ListHealthRecords(ctx context.Context, principal string) ([]model.HealthRecord, error)
	GetAnalysis(ctx context.Context, principal, kind string) (model.Analysis, error)
}

// Config tunes cache freshness. Zero values use cache.ListPolicy and
// cache.AnalysisPolicy.
type Config struct {
	ListTTL         time.Duration
	AnalysisTTL     time.Duration
	ListRetries     int
	AnalysisRetries int
	FetchTimeout    time.Duration
}

// Collections holds one cache per resource type.
type Collections struct {
	Diaries  *cache.Cache[model.Diary]
	Events   *cache.Cache[model.Event]
	Tasks    *cache.Cache[model.Task]
	Health   *cache.Cache[model.HealthRecord]
	Analyses *cache.Cache[model.Analysis]

	logger *slog.Logger
}

// New creates the caches. extra options (clock, scheduler) apply to all.
func New(store Store, cfg Config, extra ...cache.Option) *Collections {
	list := cache.ListPolicy
	if cfg.ListTTL > 0 {
		list.TTL = cfg.ListTTL
	}
	if cfg.ListRetries > 0 {
		list.MaxRetries = cfg.ListRetries
	}
	analysis := cache.AnalysisPolicy
	if cfg.AnalysisTTL > 0 {
		analysis.TTL = cfg.AnalysisTTL
	}
	if cfg.AnalysisRetries > 0 {
		analysis.MaxRetries = cfg.AnalysisRetries
	}

	opts := append([]cache.Option{
		cache.WithDefaultPolicy(list),
		cache.WithPolicy(cache.ResourceAnalysis, analysis),
		cache.WithFetchTimeout(cfg.FetchTimeout),
	}, extra...)

	return &Collections{
		Diaries: cache.New(func(ctx context.Context, k cache.Key) ([]model.Diary, error) {
			return store.ListDiaries(ctx, k.Principal)
		}, opts...),
		Events: cache.New(func(ctx context.Context, k cache.Key) ([]model.Event, error) {
			return store.ListEvents(ctx, k.Principal)
		}, opts...),
		Tasks: cache.New(func(ctx context.Context, k cache.Key) ([]model.Task, error) {
			return store.ListTasks(ctx, k.Principal)
		}, opts...),
		Health: cache.New(func(ctx context.Context, k cache.Key) ([]model.HealthRecord, error) {
			return store.ListHealthRecords(ctx, k.Principal)
		}, opts...),
		Analyses: cache.New(func(ctx context.Context, k cache.Key) ([]model.Analysis, error) {
			kind, err := analysisKind(k)
			if err != nil {
				return nil, err
			}
			a, err := store.GetAnalysis(ctx, k.Principal, kind)
			if err != nil {
				return nil, err
			}
			return []model.Analysis{a}, nil
		}, opts...),
		logger: slog.Default(),
	}
}

// DiaryKey is the cache key for principal's diary list.
func DiaryKey(principal string) cache.Key {
	return cache.Key{Principal: principal, Resource: cache.ResourceDiaries}
}

// AnalysisKey is the cache key for one analysis kind.
func AnalysisKey(principal, kind string) cache.Key {
	return cache.Key{Principal: principal, Resource: cache.ResourceAnalysis + ":" + kind}
}

func analysisKind(k cache.Key) (string, error) {
	_, kind, ok := strings.Cut(k.Resource, ":")
	if !ok || kind == "" {
		return "", fmt.Errorf("analysis key %s has no kind", k)
	}
	return kind, nil
}

// Refresh refreshes every collection for trigger concurrently.
func (c *Collections) Refresh(ctx context.Context, trigger cache.Trigger) error {
	refreshers := []func(context.Context, cache.Trigger) error{
		c.Diaries.Refresh,
		c.Events.Refresh,
		c.Tasks.Refresh,
		c.Health.Refresh,
		c.Analyses.Refresh,
	}
	errs := make([]error, len(refreshers))

	var g errgroup.Group
	for i, refresh := range refreshers {
		g.Go(func() error {
			errs[i] = refresh(ctx, trigger)
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("resources: refresh incomplete", "trigger", string(trigger), "error", err)
	}
	return err
}

// Forget drops everything cached for principal.
func (c *Collections) Forget(principal string) {
	c.Diaries.Forget(principal)
	c.Events.Forget(principal)
	c.Tasks.Forget(principal)
	c.Health.Forget(principal)
	c.Analyses.Forget(principal)
}

// Close stops all pending retries and fetches.
func (c *Collections) Close() {
	c.Diaries.Close()
	c.Events.Close()
	c.Tasks.Close()
	c.Health.Close()
	c.Analyses.Close()
}
