package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"finch/internal/auth"
	"finch/internal/config"
	"finch/internal/credstore"
	"finch/internal/downloads"
	"finch/internal/history"
	"finch/internal/library"
	"finch/internal/logging"
	"finch/internal/services/jellyfin"
	"finch/internal/session"
	"finch/internal/storage"
)

type commandContext struct {
	configFlag  *string
	jsonFlag    *bool
	verboseFlag *bool
	httpClient  jellyfin.HTTPDoer

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, jsonFlag, verboseFlag *bool) *commandContext {
	return &commandContext{
		configFlag:  configFlag,
		jsonFlag:    jsonFlag,
		verboseFlag: verboseFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(c.configFlagValue())
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configFlagValue() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func (c *commandContext) verbose() bool {
	return c.verboseFlag != nil && *c.verboseFlag
}

// app bundles the services a command needs for one invocation.
type app struct {
	cfg       *config.Config
	db        *storage.DB
	history   *history.Tracker
	auth      *auth.Service
	catalog   *library.Catalog
	downloads *downloads.Coordinator
	session   *session.State
}

func (c *commandContext) openApp(ctx context.Context) (*app, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewFromConfig(cfg, c.verbose())
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := storage.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	tracker := history.NewTracker(db, logger)
	var authOpts []auth.Option
	if c.httpClient != nil {
		authOpts = append(authOpts, auth.WithHTTPClient(c.httpClient))
	}
	authSvc, err := auth.NewService(cfg, credstore.NewFileStore(cfg.CredentialsPath()), tracker, logger, authOpts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	transferClient := c.httpClient
	if transferClient == nil {
		transferClient = &http.Client{}
	}
	transferer := downloads.NewHTTPTransferer(transferClient, logger, downloads.WithAuthorizer(session.AuthorizerFor(authSvc)))
	coordinator, err := downloads.Open(ctx, db, transferer, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	catalog := library.NewCatalog(cfg, logger)
	return &app{
		cfg:       cfg,
		db:        db,
		history:   tracker,
		auth:      authSvc,
		catalog:   catalog,
		downloads: coordinator,
		session:   session.New(authSvc, catalog, coordinator, logger),
	}, nil
}

func (a *app) Close() {
	a.session.Close()
	_ = a.downloads.Close()
	_ = a.db.Close()
}

// withApp opens the services, restores the saved session, and runs fn.
func (c *commandContext) withApp(cmd *cobra.Command, fn func(context.Context, *app) error) error {
	ctx := cmd.Context()
	a, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.session.Initialize(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
