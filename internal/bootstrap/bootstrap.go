package bootstrap

import (
	"context"
	"log/slog"
	"strings"

	"clipflow/internal/config"
	"clipflow/internal/store"
)

// Run applies bootstrap configuration for tenants and API keys. It is
// designed to be idempotent and safe to run multiple times: existing
// rows are left untouched and concurrent startups of multiple instances
// do not conflict.
func Run(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) error {
	if cfg == nil || st == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	for i := range cfg.Tenants {
		t := &cfg.Tenants[i]
		slug := strings.TrimSpace(t.Slug)
		if slug == "" {
			continue
		}
		name := strings.TrimSpace(t.Name)
		if name == "" {
			name = slug
		}
		if err := st.EnsureTenant(ctx, slug, name); err != nil {
			return err
		}
		if key := strings.TrimSpace(t.APIKey); key != "" {
			if _, err := st.EnsureAPIKey(ctx, key, slug+" key", false, slug); err != nil {
				return err
			}
		}
		logger.Info("tenant bootstrapped", "tenant", slug)
	}

	if key := strings.TrimSpace(cfg.Auth.InitialAdminKey); key != "" {
		if _, err := st.EnsureAPIKey(ctx, key, "initial admin key", true, ""); err != nil {
			return err
		}
		logger.Info("admin api key bootstrapped")
	}

	return nil
}
