package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/olivergale/metis-portal2-sub002/pkg/config"
	"github.com/olivergale/metis-portal2-sub002/pkg/diagnostician"
	"github.com/olivergale/metis-portal2-sub002/pkg/lifecycle"
	"github.com/olivergale/metis-portal2-sub002/pkg/monitor"
	"github.com/olivergale/metis-portal2-sub002/pkg/policy"
	"github.com/olivergale/metis-portal2-sub002/pkg/queue"
	"github.com/olivergale/metis-portal2-sub002/pkg/reasoning"
	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/telemetry"
)

// app holds the components shared by every command.
type app struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	store   *stores.SQLiteStore
	gateway *lifecycle.Gateway
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	return openAppWithConfig(ctx, cfg)
}

func openAppWithConfig(ctx context.Context, cfg *config.Config) (*app, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := stores.NewSQLiteStore(cfg.Database.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &app{
		cfg:     cfg,
		tel:     tel,
		store:   store,
		gateway: lifecycle.NewGateway(store, tel),
	}, nil
}

func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(a.tel.Shutdown(ctx), a.store.Close())
}

func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	engine, err := policy.NewEngine(*a.tel.Logger.Zerolog())
	if err != nil {
		return nil, err
	}
	if err := engine.LoadPolicies(ctx, a.cfg.Escalation.PolicyPaths); err != nil {
		return nil, err
	}
	return engine, nil
}

func (a *app) newQueue() *queue.Queue {
	return queue.New(a.store, a.tel, queue.WithLeaseTTL(a.cfg.Queue.LeaseTTL))
}

func (a *app) newMonitor(engine *policy.Engine, dispatcher monitor.Dispatcher) (*monitor.Monitor, error) {
	opts := []monitor.Option{monitor.WithPolicyEngine(engine)}
	if dispatcher != nil {
		opts = append(opts, monitor.WithDispatcher(dispatcher))
	}
	return monitor.New(a.store, a.gateway, a.tel, a.cfg.Monitor, opts...)
}

func (a *app) newDiagnostician(followUp diagnostician.FollowUp) (*diagnostician.Diagnostician, error) {
	reasoner, err := reasoning.NewHTTPClient(a.cfg.Reasoner)
	if err != nil {
		return nil, fmt.Errorf("reasoner: %w", err)
	}
	var opts []diagnostician.Option
	if followUp != nil {
		opts = append(opts, diagnostician.WithFollowUp(followUp))
	}
	return diagnostician.New(a.store, a.gateway, reasoner, a.tel, a.cfg.Diagnostician, opts...)
}
