package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/macossetup/macossetup/pkg/adapters"
	"github.com/macossetup/macossetup/pkg/config"
	"github.com/macossetup/macossetup/pkg/engine"
	"github.com/macossetup/macossetup/pkg/policy"
	"github.com/macossetup/macossetup/pkg/stores"
	"github.com/macossetup/macossetup/pkg/sysinfo"
	"github.com/macossetup/macossetup/pkg/telemetry"
	"github.com/macossetup/macossetup/pkg/transports/ssh"
)

// buildVersion is reported in traces and metrics.
var buildVersion = "dev"

// app holds everything a command needs, wired from the settings and the
// global flags.
type app struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	store    *stores.SQLiteStore
	history  *engine.History
	files    *config.FileStore
	runner   adapters.Runner
	adapters *engine.Registry
	guard    *policy.Engine
	engine   *engine.Engine
	facts    *sysinfo.FactsCollector

	// engineConfig is kept to build engines over other config stores.
	engineConfig engine.EngineConfig

	// host names the managed machine in facts and policy input.
	host string

	sshClient     *ssh.Client
	metricsServer *http.Server
}

// settingsFile returns the settings path from --settings or the default.
func settingsFile() string {
	if settingsPath != "" {
		return settingsPath
	}
	return filepath.Join(config.SettingsDir(), "settings.yaml")
}

// loadSettings reads the settings file and applies the global flags.
func loadSettings(ctx context.Context) (*config.Settings, error) {
	settings, err := config.LoadSettings(ctx, settingsFile())
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		settings.ConfigPath = configPath
	}
	if dbPath != "" {
		settings.Database = dbPath
	}
	if verbose {
		settings.Log.Level = "debug"
	}
	if jsonOutput {
		settings.Log.Format = "json"
	}
	return settings, settings.Validate()
}

// openApp wires the application. The returned context carries telemetry;
// callers must close the app when done.
func openApp(ctx context.Context) (*app, context.Context, error) {
	settings, err := loadSettings(ctx)
	if err != nil {
		return nil, ctx, err
	}

	telCfg := settings.Telemetry()
	telCfg.ServiceVersion = buildVersion
	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	ctx = tel.WithContext(ctx)
	log.Logger = tel.Logger.Zerolog()

	a := &app{settings: settings, tel: tel, host: sysinfo.LocalHost}
	if err := a.open(ctx); err != nil {
		_ = a.close(ctx)
		return nil, ctx, err
	}
	return a, ctx, nil
}

func (a *app) open(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(a.settings.Database), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: a.settings.Database})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	a.store = store
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	a.history = engine.NewHistory(store)
	a.tel.Events.Subscribe(a.history.EventSink(ctx), nil)

	local := adapters.NewLocalRunner()
	a.runner = local
	if hostTarget != "" {
		cfg, err := ssh.ParseTarget(hostTarget)
		if err != nil {
			return err
		}
		client, err := ssh.NewClient(cfg)
		if err != nil {
			return err
		}
		a.sshClient = client
		a.runner = ssh.NewRunner(client)
		a.host = cfg.Host
	}

	a.facts = sysinfo.NewFactsCollector(a.runner, store, a.host)

	// Permission prompts always concern the local machine: the config file
	// and the managed dotfiles are read here.
	prompter := sysinfo.NewSettingsPrompter(local, sysinfo.NewProcessTable(local), confirmAccess)
	opener := sysinfo.NewOpener(prompter)

	a.files = config.NewFileStore(a.settings.ConfigPath,
		config.WithFacts(a.facts.Func()),
		config.WithOpener(opener),
	)

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to find home directory: %w", err)
	}
	a.adapters = adapters.NewRegistry(adapters.Options{
		Runner:       a.runner,
		ConfigSource: filepath.Join(filepath.Dir(a.settings.ConfigPath), "files"),
		Home:         home,
		Opener:       opener,
		Remote:       a.sshClient != nil,
	})

	guard, err := policy.NewEngine(a.tel.Logger.Zerolog(),
		policy.WithProtectedItems(a.settings.ProtectedItems...),
		policy.WithProtectedDomains(a.settings.ProtectedDomains...),
		policy.WithHost(a.host),
	)
	if err != nil {
		return err
	}
	if len(a.settings.Policies) > 0 {
		if err := guard.LoadPolicies(ctx, a.settings.Policies); err != nil {
			return err
		}
	}
	a.guard = guard

	var resolver engine.ConflictResolver
	if interactive() {
		resolver = newPromptResolver(os.Stdout)
	}

	a.engineConfig = engine.EngineConfig{
		Adapters:       a.adapters,
		Config:         a.files,
		Resolver:       resolver,
		Guard:          guard,
		Recorder:       a.history,
		Observer:       a.history,
		Executor:       a.settings.ExecutorOptions(),
		CollectTimeout: a.settings.CollectTimeout,
	}
	a.engine, err = engine.NewEngine(a.engineConfig)
	return err
}

// engineFor returns an engine that takes declared state from store instead
// of the config file.
func (a *app) engineFor(store engine.ConfigStore) (*engine.Engine, error) {
	cfg := a.engineConfig
	cfg.Config = store
	return engine.NewEngine(cfg)
}

// startMetricsServer serves /metrics when the settings ask for it. Only
// long-running commands call it.
func (a *app) startMetricsServer() error {
	server, err := a.tel.Metrics.StartMetricsServer(a.tel.Logger)
	if err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	a.metricsServer = server
	return nil
}

// close flushes telemetry and releases the store and the SSH connection.
func (a *app) close(ctx context.Context) error {
	// Shutdown still has to happen after an interrupt.
	ctx = context.WithoutCancel(ctx)

	var errs []error
	if a.metricsServer != nil {
		errs = append(errs, a.metricsServer.Shutdown(ctx))
	}
	// Events are drained before the store they are written to closes.
	errs = append(errs, a.tel.Shutdown(ctx))
	if a.sshClient != nil {
		errs = append(errs, a.sshClient.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// withApp opens the app, runs fn and closes the app.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) (err error) {
	a, ctx, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(ctx); cerr != nil {
			log.Warn().Err(cerr).Msg("Shutdown incomplete")
		}
	}()
	return fn(ctx, a)
}
