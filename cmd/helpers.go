package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dayuer/inboxd/internal/auth"
	"github.com/dayuer/inboxd/internal/config"
	"github.com/dayuer/inboxd/internal/errs"
	"github.com/dayuer/inboxd/internal/providers"
	"github.com/dayuer/inboxd/internal/store"
)

// openStore opens the configured store and checks it answers.
func openStore(ctx context.Context, cfg config.Config) (*store.SQLStore, error) {
	var (
		st  *store.SQLStore
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		var opts []func(*pgxpool.Config)
		if cfg.Store.MaxConns > 0 {
			opts = append(opts, store.WithMaxConns(int32(cfg.Store.MaxConns)))
		}
		st, err = store.OpenPostgres(ctx, cfg.Store.DSN, opts...)
	default:
		st, err = store.OpenSQLite(ctx, cfg.Store.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	if err := st.Ping(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("store unreachable: %w", err)
	}
	return st, nil
}

// makeGenerator builds the generation service, or nil when no API key can
// be found for the configured model.
func makeGenerator(cfg config.Config, st *store.SQLStore, log *zap.Logger) *providers.Service {
	pc := cfg.Provider
	apiKey, apiBase, name := pc.APIKey, pc.APIBase, pc.Name

	if spec := providers.FindByModel(pc.Model); spec != nil && name == "" {
		name = spec.Name
		if apiKey == "" {
			apiKey = os.Getenv(spec.EnvKey)
		}
	}
	if apiKey == "" {
		for _, envKey := range []string{"OPENROUTER_API_KEY", "OPENAI_API_KEY"} {
			if v := os.Getenv(envKey); v != "" {
				apiKey = v
				break
			}
		}
	}
	if apiKey == "" && apiBase == "" {
		log.Info("generation disabled: no provider key configured")
		return nil
	}
	if gw := providers.FindGateway("", apiKey, apiBase); gw != nil && name == "" {
		name = gw.Name
	}
	p := providers.NewProvider(apiKey, apiBase, pc.Model, name)
	log.Info("generation enabled", zap.String("provider", name), zap.String("model", p.DefaultModel()))
	return providers.NewService(p, st, log)
}

// seedAgents creates the agents of the seed file that do not exist yet.
// Existing agents are left alone.
func seedAgents(ctx context.Context, st *store.SQLStore, path string, log *zap.Logger) (int, error) {
	specs, err := config.LoadAgentSeeds(path)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, spec := range specs {
		if _, err := st.GetAgentByEmail(ctx, spec.Email); err == nil {
			continue
		} else if !errs.IsNotFound(err) {
			return created, err
		}
		a, err := auth.NewAgent(spec)
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", spec.Email, err)
		}
		if _, err := st.CreateAgent(ctx, a); err != nil {
			return created, fmt.Errorf("seed %s: %w", spec.Email, err)
		}
		log.Info("seeded agent", zap.String("email", a.Email), zap.String("role", string(a.Role)))
		created++
	}
	return created, nil
}
