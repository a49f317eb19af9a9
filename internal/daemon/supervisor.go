package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/golithk/kiln/internal/agent"
	"github.com/golithk/kiln/internal/board"
	"github.com/golithk/kiln/internal/config"
	"github.com/golithk/kiln/internal/integrations/creds"
	"github.com/golithk/kiln/internal/integrations/oauth"
	"github.com/golithk/kiln/internal/integrations/pagerduty"
	"github.com/golithk/kiln/internal/integrations/slacknotify"
	"github.com/golithk/kiln/internal/kilnerr"
	"github.com/golithk/kiln/internal/log"
	"github.com/golithk/kiln/internal/mcp"
	"github.com/golithk/kiln/internal/store"
	"github.com/golithk/kiln/internal/telemetry"
	"github.com/golithk/kiln/internal/workspace"
)

// cycleBackoffMax caps the retry delay after unexpected cycle errors.
const cycleBackoffMax = 300 * time.Second

// Supervisor owns the daemon lifecycle: wiring, startup checks, the
// poll loop with hibernation, and graceful shutdown.
type Supervisor struct {
	cfg      config.Config
	store    *store.Store
	client   board.Client
	disp     *Dispatcher
	tracer   *telemetry.Provider
	plugins  *mcp.Manager
	notifier *slacknotify.Notifier
	watcher  *mcp.Watcher

	hibernating bool
}

// NewSupervisor wires all subsystems from configuration.
func NewSupervisor(cfg config.Config) (*Supervisor, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	token, err := backendToken(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	client, err := board.NewClient(board.Options{
		Version:   cfg.Backend.Version,
		BaseURL:   cfg.Backend.BaseURL,
		Token:     token,
		SelfLogin: cfg.Authorization.SelfUsername,
		Persist:   &storeMetadataCache{repo: st.BoardMeta},
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	tracer, err := telemetry.NewProvider(cfg.Tracing)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	pagerduty.Init(cfg.PagerDuty.RoutingKey)
	notifier := slacknotify.New(cfg.Slack.Token, cfg.Slack.Channel)
	minter := oauth.NewMinter(cfg.Plugins.OAuth.TokenURL, cfg.Plugins.OAuth.ClientID,
		cfg.Plugins.OAuth.ClientSecret, cfg.Plugins.OAuth.Scope)
	plugins := mcp.NewManager(cfg.Plugins.ConfigPath, minter, cfg.Plugins.ProbeTimeout)

	runner := agent.NewRunner(cfg.Agent.Command, cfg.Agent.TotalTimeout, cfg.Agent.InactivityTimeout)
	prov := workspace.NewProvisioner(cfg.Workspace.Root, cfg.Workspace.CredentialsFile,
		workspace.NewGitExecutor())

	disp := NewDispatcher(cfg, st, client, runner, prov, plugins, tracer, notifier)
	return &Supervisor{
		cfg:      cfg,
		store:    st,
		client:   client,
		disp:     disp,
		tracer:   tracer,
		plugins:  plugins,
		notifier: notifier,
	}, nil
}

// backendToken resolves the API token from the configured environment
// variable, falling back to the credentials file.
func backendToken(cfg config.Config) (string, error) {
	if token := os.Getenv(cfg.Backend.TokenEnv); token != "" {
		return token, nil
	}
	if cfg.Workspace.CredentialsFile != "" {
		f, err := creds.Load(cfg.Workspace.CredentialsFile)
		if err != nil {
			return "", err
		}
		host := "github.com"
		if cfg.Backend.Version != "github.com" {
			host = hostOf(cfg.Backend.BaseURL)
		}
		if token, err := f.TokenFor(host); err == nil {
			return token, nil
		}
	}
	return "", fmt.Errorf("no backend token: set %s or add the host to the credentials file", cfg.Backend.TokenEnv)
}

func hostOf(baseURL string) string {
	s := baseURL
	if i := len("https://"); len(s) > i && s[:i] == "https://" {
		s = s[i:]
	} else if i := len("http://"); len(s) > i && s[:i] == "http://" {
		s = s[i:]
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i]
		}
	}
	return s
}

// Run blocks until ctx is cancelled or a fatal error occurs.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.shutdown()

	if err := s.client.ValidateConnection(ctx); err != nil {
		if kilnerr.Is(err, kilnerr.KindAuthFailure) {
			return fmt.Errorf("backend rejected credentials: %w", err)
		}
		log.Warn(log.CatDaemon, "Backend unreachable at startup, will hibernate", "error", err)
	}

	if n, err := s.store.Runs.FailAbandoned(); err != nil {
		log.ErrorErr(log.CatDB, "Failed to fail abandoned runs", err)
	} else if n > 0 {
		log.Info(log.CatDaemon, "Marked abandoned runs failed", "count", n)
	}
	s.resyncReactions(ctx)

	if err := s.plugins.Probe(ctx); err != nil {
		log.Warn(log.CatDaemon, "Plugin probe failed, stages run without plugins", "error", err)
	}
	s.startPluginWatch()

	log.Info(log.CatDaemon, "Daemon started",
		"projects", len(s.cfg.Projects), "pollInterval", s.cfg.Daemon.PollInterval)

	cycleFailures := 0
	for {
		err := s.disp.RunCycle(ctx)
		next := s.cfg.Daemon.PollInterval
		switch {
		case err == nil:
			cycleFailures = 0
			s.exitHibernation(ctx)
		case ctx.Err() != nil:
			return nil
		case kilnerr.Is(err, kilnerr.KindAuthFailure):
			return fmt.Errorf("backend rejected credentials: %w", err)
		case kilnerr.Is(err, kilnerr.KindNetworkFailure):
			cycleFailures = 0
			s.enterHibernation(ctx, err)
			next = s.cfg.Daemon.HibernationInterval
		default:
			cycleFailures++
			next = backoffMin << (cycleFailures - 1)
			if next > cycleBackoffMax {
				next = cycleBackoffMax
			}
			log.ErrorErr(log.CatDaemon, "Poll cycle failed", err,
				"failures", cycleFailures, "retryIn", next)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(next):
		}
	}
}

// RunOnce executes a single poll cycle, used by the `kiln once` command.
func (s *Supervisor) RunOnce(ctx context.Context) error {
	defer s.shutdown()
	if n, err := s.store.Runs.FailAbandoned(); err == nil && n > 0 {
		log.Info(log.CatDaemon, "Marked abandoned runs failed", "count", n)
	}
	err := s.disp.RunCycle(ctx)
	s.disp.Shutdown()
	return err
}

func (s *Supervisor) enterHibernation(ctx context.Context, cause error) {
	next := s.cfg.Daemon.HibernationInterval
	log.Warn(log.CatDaemon, "Backend unreachable, hibernating",
		"error", cause, "interval", next)
	if s.hibernating {
		return
	}
	s.hibernating = true
	if err := pagerduty.Get().TriggerHibernation(ctx, cause.Error()); err != nil {
		log.Warn(log.CatNotify, "Failed to trigger PagerDuty incident", "error", err)
	}
	s.notifier.HibernationStarted(cause.Error())
}

func (s *Supervisor) exitHibernation(ctx context.Context) {
	if !s.hibernating {
		return
	}
	s.hibernating = false
	log.Info(log.CatDaemon, "Backend reachable again, resuming")
	if err := pagerduty.Get().ResolveHibernation(ctx); err != nil {
		log.Warn(log.CatNotify, "Failed to resolve PagerDuty incident", "error", err)
	}
	s.notifier.HibernationEnded()
}

// resyncReactions removes eyes reactions left by revisions that died
// with the previous process. The sentinel rows are the truth; the
// reactions are just UI and get re-added when the revision retries.
func (s *Supervisor) resyncReactions(ctx context.Context) {
	issues, err := s.store.Processing.Issues()
	if err != nil {
		log.ErrorErr(log.CatDB, "Failed to list in-flight revisions", err)
		return
	}
	for repoID, nums := range issues {
		for _, num := range nums {
			ids, err := s.store.Processing.MarkedComments(repoID, num)
			if err != nil {
				continue
			}
			for _, id := range ids {
				if err := s.client.RemoveReaction(ctx, repoID, id, board.ReactionEyes); err != nil {
					log.Debug(log.CatDaemon, "Reaction resync skipped comment",
						"repo", repoID, "issue", num, "comment", id, "error", err)
				}
			}
			log.Info(log.CatDaemon, "Resynced revision reactions",
				"repo", repoID, "issue", num, "comments", len(ids))
		}
	}
}

func (s *Supervisor) startPluginWatch() {
	if !s.plugins.Enabled() {
		return
	}
	w, err := mcp.NewWatcher(s.plugins)
	if err != nil {
		log.Warn(log.CatMCP, "Plugin config watch unavailable", "error", err)
		return
	}
	if _, err := w.Start(); err != nil {
		log.Warn(log.CatMCP, "Plugin config watch unavailable", "error", err)
		return
	}
	s.watcher = w
}

func (s *Supervisor) shutdown() {
	log.Info(log.CatDaemon, "Shutting down, draining workers")
	s.disp.Shutdown()
	if s.watcher != nil {
		_ = s.watcher.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tracer.Shutdown(ctx); err != nil {
		log.Warn(log.CatDaemon, "Tracer shutdown failed", "error", err)
	}
	if err := s.store.Close(); err != nil {
		log.Warn(log.CatDB, "Store close failed", "error", err)
	}
	log.Info(log.CatDaemon, "Shutdown complete")
}

// Store exposes the store for the status command.
func (s *Supervisor) Store() *store.Store { return s.store }
