package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/soyeahso/strand/internal/auth"
	"github.com/soyeahso/strand/internal/config"
	"github.com/soyeahso/strand/internal/domain"
	"github.com/soyeahso/strand/internal/hooks"
	"github.com/soyeahso/strand/internal/lineage"
	"github.com/soyeahso/strand/internal/logging"
	"github.com/soyeahso/strand/internal/rollout"
	"github.com/soyeahso/strand/internal/store"
)

// app holds everything a conversation command needs. Close releases it.
type app struct {
	cfg     config.Config
	log     *logging.Logger
	rollout *rollout.Store
	db      *store.DB
	index   *store.RolloutIndex
	hooks   *hooks.Manager
	mgr     *lineage.Manager
	conv    lineage.ConversationConfig

	logFile io.Closer
}

// loadConfig loads and validates the config file.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return cfg, err
	}
	if issues := config.Validate(&cfg); len(issues) > 0 {
		for _, issue := range issues {
			fmt.Fprintf(os.Stderr, "config: %s\n", issue)
		}
		return cfg, fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}
	return cfg, nil
}

// openStorage opens the config, logger, rollout store and index, without a
// model backend.
func openStorage() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("creating %s: %w", paths.Base, err)
	}

	a := &app{cfg: cfg}
	if err := a.openLog(); err != nil {
		return nil, err
	}
	a.rollout = rollout.New(paths.SessionsDir(cfg), a.log, rollout.WithFsync(cfg.Rollout.FsyncEnabled()))

	if cfg.Index.IsEnabled() {
		db, err := store.Open(paths.IndexPath(cfg), a.log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening index: %w", err)
		}
		a.db = db
		a.index = store.NewRolloutIndex(db)
	}
	return a, nil
}

// openApp is openStorage plus credentials, hooks and a lineage manager
// stamping source on every request.
func openApp(ctx context.Context, source domain.SessionSource) (*app, error) {
	a, err := openStorage()
	if err != nil {
		return nil, err
	}

	creds, err := a.credentials(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.conv, err = lineage.FromConfig(a.cfg, creds)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.hooks = hooks.NewManager(a.log)
	if n := hooks.RegisterConfigured(a.hooks, a.cfg.Hooks); n > 0 {
		a.log.Debug().Int("hooks", n).Msg("registered configured hooks")
	}

	opts := []lineage.Option{
		lineage.WithHooks(a.hooks),
		lineage.WithSessionSource(source),
		lineage.WithLogger(a.log),
	}
	if a.index != nil {
		opts = append(opts, lineage.WithIndex(a.index))
	}
	a.mgr = lineage.NewManager(a.rollout, opts...)
	return a, nil
}

// credentials resolves the provider's credentials. Providers that do not
// require auth run without them when none are stored.
func (a *app) credentials(ctx context.Context) (*auth.Credentials, error) {
	p, err := a.cfg.ResolveProvider()
	if err != nil {
		return nil, err
	}
	creds, err := auth.Resolve(ctx, p, paths.AuthFile(a.cfg), a.cfg.Auth, auth.WithLogger(a.log))
	if err != nil {
		if errors.Is(err, auth.ErrNoCredentials) && !p.RequiresAuth {
			return nil, nil
		}
		return nil, fmt.Errorf("%w (run `strand login`)", err)
	}
	return creds, nil
}

func (a *app) openLog() error {
	level := resolveLogLevel(a.cfg.Logging.Level)
	if a.cfg.Logging.File == "" {
		a.log = logging.NewStyled(nil, level, a.cfg.Logging.ConsoleStyle)
		return nil
	}
	f, err := os.OpenFile(a.cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	a.logFile = f
	a.log = logging.NewStyled(logging.Tee(os.Stderr, f), level, a.cfg.Logging.ConsoleStyle)
	return nil
}

// requireIndex fails when the sqlite index is disabled.
func (a *app) requireIndex() error {
	if a.index == nil {
		return errors.New("the session index is disabled (index.enabled: false)")
	}
	return nil
}

func (a *app) Close() error {
	var errs []error
	if a.mgr != nil {
		errs = append(errs, a.mgr.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.logFile != nil {
		errs = append(errs, a.logFile.Close())
	}
	return errors.Join(errs...)
}
