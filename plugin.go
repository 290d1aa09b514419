package tokenvault

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tokenvault/tokenvault/store"
	"github.com/tokenvault/tokenvault/tokenerr"
)

// Plugin is one ordered extension hooked around registry operations. Hook
// fields are optional; a plugin implements only the stages it cares about.
// Lower priority runs earlier; equal priorities keep registration order.
//
// Hook errors are isolated: they are logged, reported to the same plugin's
// OnError hook, and never abort the primary operation or the remaining
// hooks.
type Plugin struct {
	Name     string
	Priority int

	PreSave    func(ctx context.Context, req *SaveRequest) error
	PostSave   func(ctx context.Context, req *SaveRequest) error
	PreGet     func(ctx context.Context, token string) error
	PostGet    func(ctx context.Context, token string, rec *store.TokenRecord) error
	PreRevoke  func(ctx context.Context, token string) error
	PostRevoke func(ctx context.Context, token string) error
	OnError    func(ctx context.Context, op string, err error)
}

// pluginSet holds the resolved execution order. Immutable after build.
type pluginSet struct {
	plugins []Plugin
	logger  *slog.Logger
	metrics *Metrics
}

func newPluginSet(plugins []Plugin, logger *slog.Logger, metrics *Metrics) (*pluginSet, error) {
	seen := make(map[string]struct{}, len(plugins))
	for _, p := range plugins {
		if p.Name == "" {
			return nil, tokenerr.NewConfiguration("plugin name must not be empty")
		}
		if _, dup := seen[p.Name]; dup {
			return nil, tokenerr.NewConfiguration(fmt.Sprintf("duplicate plugin name %q", p.Name))
		}
		seen[p.Name] = struct{}{}
	}

	ordered := make([]Plugin, len(plugins))
	copy(ordered, plugins)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	return &pluginSet{plugins: ordered, logger: logger, metrics: metrics}, nil
}

func (ps *pluginSet) runPreSave(ctx context.Context, req *SaveRequest) {
	for i := range ps.plugins {
		p := &ps.plugins[i]
		if p.PreSave == nil {
			continue
		}
		if err := p.PreSave(ctx, req); err != nil {
			ps.hookFailed(ctx, p, "preSave", err)
		}
	}
}

func (ps *pluginSet) runPostSave(ctx context.Context, req *SaveRequest) {
	for i := range ps.plugins {
		p := &ps.plugins[i]
		if p.PostSave == nil {
			continue
		}
		if err := p.PostSave(ctx, req); err != nil {
			ps.hookFailed(ctx, p, "postSave", err)
		}
	}
}

func (ps *pluginSet) runPreGet(ctx context.Context, token string) {
	for i := range ps.plugins {
		p := &ps.plugins[i]
		if p.PreGet == nil {
			continue
		}
		if err := p.PreGet(ctx, token); err != nil {
			ps.hookFailed(ctx, p, "preGet", err)
		}
	}
}

// runPostGet passes a nil record through when the token was absent.
func (ps *pluginSet) runPostGet(ctx context.Context, token string, rec *store.TokenRecord) {
	for i := range ps.plugins {
		p := &ps.plugins[i]
		if p.PostGet == nil {
			continue
		}
		if err := p.PostGet(ctx, token, rec); err != nil {
			ps.hookFailed(ctx, p, "postGet", err)
		}
	}
}

func (ps *pluginSet) runPreRevoke(ctx context.Context, token string) {
	for i := range ps.plugins {
		p := &ps.plugins[i]
		if p.PreRevoke == nil {
			continue
		}
		if err := p.PreRevoke(ctx, token); err != nil {
			ps.hookFailed(ctx, p, "preRevoke", err)
		}
	}
}

func (ps *pluginSet) runPostRevoke(ctx context.Context, token string) {
	for i := range ps.plugins {
		p := &ps.plugins[i]
		if p.PostRevoke == nil {
			continue
		}
		if err := p.PostRevoke(ctx, token); err != nil {
			ps.hookFailed(ctx, p, "postRevoke", err)
		}
	}
}

// notifyError fans an operation failure out to every plugin's OnError hook.
func (ps *pluginSet) notifyError(ctx context.Context, op string, err error) {
	for i := range ps.plugins {
		p := &ps.plugins[i]
		if p.OnError == nil {
			continue
		}
		p.OnError(ctx, op, err)
	}
}

func (ps *pluginSet) hookFailed(ctx context.Context, p *Plugin, stage string, err error) {
	ps.metrics.Inc(MetricHookError)
	ps.logger.Warn("plugin hook failed",
		slog.String("plugin", p.Name),
		slog.String("stage", stage),
		slog.String("error", err.Error()))
	if p.OnError != nil {
		p.OnError(ctx, stage, err)
	}
}
