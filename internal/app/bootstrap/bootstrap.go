// Package bootstrap builds the service graph shared by the API server and the
// maintenance CLI.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	httpx "github.com/arkdeploy/ark/internal/http"
	"github.com/arkdeploy/ark/internal/ingress"
	"github.com/arkdeploy/ark/internal/lock"
	"github.com/arkdeploy/ark/internal/remote"
	"github.com/arkdeploy/ark/internal/repository/postgres"
	"github.com/arkdeploy/ark/internal/service/auth"
	"github.com/arkdeploy/ark/internal/service/database"
	"github.com/arkdeploy/ark/internal/service/deploy"
	"github.com/arkdeploy/ark/internal/service/dns"
	"github.com/arkdeploy/ark/internal/service/logs"
	"github.com/arkdeploy/ark/internal/service/operation"
	"github.com/arkdeploy/ark/internal/service/plan"
	"github.com/arkdeploy/ark/internal/service/project"
	"github.com/arkdeploy/ark/internal/service/reconcile"
	"github.com/arkdeploy/ark/internal/service/server"
	"github.com/arkdeploy/ark/internal/service/webhook"
	"github.com/arkdeploy/ark/internal/service/wordpress"
	"github.com/arkdeploy/ark/internal/sshx"
	"github.com/arkdeploy/ark/internal/ws"
	"github.com/arkdeploy/ark/pkg/config"
	"github.com/arkdeploy/ark/pkg/crypto"
)

// App holds the constructed services.
type App struct {
	Config config.APIConfig
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Repo   *postgres.Repository
	Vault  *crypto.Vault
	Redis  *lock.Redis

	LogHub   *ws.Hub
	EventHub *ws.Hub

	Auth       auth.Service
	Plans      plan.Service
	Servers    server.Service
	Projects   project.Service
	Deploys    deploy.Service
	Databases  database.Service
	WordPress  wordpress.Service
	Operations operation.Service
	Logs       logs.Service
	Webhooks   webhook.Service
	Reconcile  reconcile.Service

	closers []func()
}

// New connects to Postgres (and Redis when configured) and wires every
// service. Callers must Close the App.
func New(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: log}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	vault, err := crypto.NewVault(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	app.Vault = vault

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	app.Pool = pool
	app.closers = append(app.closers, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	repo := postgres.New(pool)
	app.Repo = repo

	var locker lock.Locker = lock.NewMemory()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		rl, err := lock.NewRedis(addr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			return nil, err
		}
		app.Redis = rl
		app.closers = append(app.closers, func() { _ = rl.Close() })
		locker = rl
	}

	dialer, err := sshx.NewDialer(sshx.Config{
		DialTimeout:           cfg.SSHDialTimeout,
		CommandTimeout:        cfg.SSHCommandTimeout,
		KnownHostsPath:        cfg.SSHKnownHosts,
		InsecureIgnoreHostKey: cfg.SSHInsecureHostKey,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}
	connector := remote.NewSSHConnector(vault, dialer, cfg.DockerAPI, log)

	proxy, err := ingress.New(ingress.ConfigFromAPI(cfg), log)
	if err != nil {
		return nil, err
	}
	records, err := dns.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("dns: %w", err)
	}

	app.LogHub = ws.NewHub(cfg.LogBuffer)
	app.EventHub = ws.NewHub(cfg.LogBuffer)
	app.closers = append(app.closers, app.LogHub.Close, app.EventHub.Close)

	app.Logs = logs.New(repo, app.LogHub, log)
	app.Operations = operation.New(repo, app.Logs, app.EventHub, log)
	exec := operation.NewExecutor(app.Operations, connector, locker, cfg.LockTTL)

	app.Auth = auth.New(repo, log, cfg)
	app.Plans = plan.New(repo, repo, plan.StoreUsage{Servers: repo, Projects: repo, Databases: repo}, log, cfg)
	app.Servers = server.New(repo, vault, exec, app.Plans, log, cfg)
	app.Projects = project.New(repo, repo, vault, app.Plans, log, cfg)
	app.Databases = database.New(repo, repo, repo, vault, exec, app.Plans, log, cfg)
	app.Deploys = deploy.New(deploy.Deps{
		Projects:  repo,
		Servers:   repo,
		Databases: repo,
		Resolver:  app.Projects,
		Secrets:   vault,
		Executor:  exec,
		Ingress:   proxy,
		DNS:       records,
	}, log, cfg)
	app.WordPress = wordpress.New(repo, app.Projects, app.Databases, app.Deploys, exec, app.Plans, log)
	app.Webhooks = webhook.New(repo, vault, log).WithGlobalSecret(cfg.WebhookSecret)

	applier := reconcile.NewApplier(repo, repo, app.Deploys, app.Servers.ProxyOptions(), log)
	app.Reconcile = reconcile.New(repo, repo, repo, exec, applier, log, cfg)

	ok = true
	return app, nil
}

// Services returns the HTTP view of the App.
func (a *App) Services() httpx.Services {
	return httpx.Services{
		Auth:       a.Auth,
		Servers:    a.Servers,
		Projects:   a.Projects,
		Deploys:    a.Deploys,
		Databases:  a.Databases,
		WordPress:  a.WordPress,
		Plans:      a.Plans,
		Operations: a.Operations,
		Reconciler: a.Reconcile,
		Logs:       a.Logs,
		Webhooks:   a.Webhooks,
		Events:     a.EventHub,
	}
}

// RateLimiter shares the Redis connection when one is configured.
func (a *App) RateLimiter() httpx.RateLimiter {
	if a.Redis != nil {
		return httpx.NewRedisRateLimiter(a.Redis.Client(), a.Logger)
	}
	return httpx.NewMemoryRateLimiter()
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
