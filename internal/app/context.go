package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"splitpay/internal/balance"
	"splitpay/internal/config"
	"splitpay/internal/connector"
	"splitpay/internal/db"
	"splitpay/internal/domain"
	"splitpay/internal/engine"
	"splitpay/internal/migrate"
	"splitpay/internal/pipeline"
	"splitpay/internal/repo"
)

// Runtime bundles the wired collaborators for one workspace.
type Runtime struct {
	DB       *sql.DB
	Config   *config.Config
	Engine   *engine.Engine
	Balances balance.Service
}

func (rt *Runtime) Close() error {
	var errs []error
	if c, ok := rt.Balances.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, rt.DB.Close())
	return errors.Join(errs...)
}

// Bootstrap opens the workspace database, runs migrations, loads config and
// wires the engine. Missing config falls back to defaults for the given
// merchant. The default routing profile is seeded if absent.
func Bootstrap(ctx context.Context, workspace, merchantID string, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		if merchantID == "" {
			merchantID = "default-merchant"
		}
		cfg = config.Default(merchantID)
	}

	var balances balance.Service
	if cfg.Redis.Addr != "" {
		balances = balance.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	} else {
		balances = balance.NewMemory()
	}

	registry := connector.FromConfig(cfg)
	r := repo.Repo{DB: conn}
	exec := pipeline.NewExecutor(r, registry, logger)
	e := engine.New(conn, balances, exec, cfg.Cell.ID, logger)

	if err := seedDefaultProfile(ctx, r, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	return &Runtime{DB: conn, Config: cfg, Engine: e, Balances: balances}, nil
}

// seedDefaultProfile makes sure the merchant's configured profile exists and
// routes to a configured connector.
func seedDefaultProfile(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if cfg.Merchant.ID == "" || cfg.Merchant.ProfileID == "" {
		return nil
	}
	if _, err := r.GetProfile(ctx, cfg.Merchant.ID, cfg.Merchant.ProfileID); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	name := cfg.Defaults.Connector["card"]
	if name == "" {
		for n := range cfg.Connectors {
			name = n
			break
		}
	}
	if name == "" {
		return nil
	}
	return r.UpsertProfile(ctx, domain.Profile{
		ID:         cfg.Merchant.ProfileID,
		MerchantID: cfg.Merchant.ID,
		Connector:  name,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	})
}
