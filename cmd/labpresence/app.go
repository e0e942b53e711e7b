package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/auth"
	"github.com/MarcoPoloResearchLab/labpresence/internal/config"
	"github.com/MarcoPoloResearchLab/labpresence/internal/database"
	"github.com/MarcoPoloResearchLab/labpresence/internal/gateway"
	"github.com/MarcoPoloResearchLab/labpresence/internal/labs"
	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
	"github.com/MarcoPoloResearchLab/labpresence/internal/logging"
	"github.com/MarcoPoloResearchLab/labpresence/internal/preferences"
	"github.com/MarcoPoloResearchLab/labpresence/internal/presence"
	"github.com/MarcoPoloResearchLab/labpresence/internal/scheduler"
	"github.com/MarcoPoloResearchLab/labpresence/internal/server"
	"github.com/MarcoPoloResearchLab/labpresence/internal/sessions"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	tokenIssuer   = "labpresence"
	tokenAudience = "labpresence-admin"
)

// application holds every wired component shared by the subcommands.
type application struct {
	config      config.AppConfig
	logger      *zap.Logger
	db          *gorm.DB
	catalog     *labs.Catalog
	ledger      *ledger.Ledger
	preferences *preferences.Store
	sessions    *sessions.Store
	controller  *presence.Controller
	scheduler   *scheduler.Scheduler
	realtime    *server.RealtimeDispatcher
}

func newApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return nil, err
	}

	app := &application{config: appConfig, logger: logger}
	if err := app.wire(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) wire() error {
	cfg := a.config

	catalog, err := labs.Load(cfg.LabsFile)
	if err != nil {
		return err
	}
	if cfg.DefaultLab != "" {
		if catalog, err = catalog.WithDefault(cfg.DefaultLab); err != nil {
			return fmt.Errorf("labs.default: %w", err)
		}
	}
	a.catalog = catalog

	db, err := database.Open(database.Config{
		Driver: cfg.DatabaseDriver,
		Path:   cfg.DatabasePath,
		DSN:    cfg.DatabaseDSN,
	}, a.logger)
	if err != nil {
		return err
	}
	a.db = db

	a.ledger, err = ledger.New(ledger.Config{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ledger.NewUUIDProvider(),
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}

	a.preferences, err = preferences.NewStore(preferences.StoreConfig{
		Database: db,
		Catalog:  catalog,
		Clock:    time.Now,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}

	a.sessions, err = sessions.NewStore(sessions.StoreConfig{
		Directory: cfg.SessionsDir,
		Domain:    cfg.SessionDomain,
		Recorder:  a.ledger,
		Clock:     time.Now,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	portal, err := gateway.New(gateway.Config{
		BaseURL:  cfg.GatewayBaseURL,
		Sessions: a.sessions,
		Clock:    time.Now,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}

	a.realtime = server.NewRealtimeDispatcher()

	a.controller, err = presence.NewController(presence.ControllerConfig{
		Ledger:               a.ledger,
		Preferences:          a.preferences,
		Sessions:             a.sessions,
		Gateway:              portal,
		Observer:             a.realtime,
		Clock:                time.Now,
		Logger:               a.logger,
		GatewayTimeout:       cfg.GatewayTimeout,
		MaxConcurrentGateway: int64(cfg.GatewayMaxConcurrent),
		RetryAttempts:        cfg.GatewayRetryAttempts,
		RetryBackoff:         cfg.GatewayRetryBackoff,
	})
	if err != nil {
		return err
	}

	a.scheduler, err = a.newScheduler()
	return err
}

func (a *application) newScheduler() (*scheduler.Scheduler, error) {
	cfg := a.config
	triggers := make([]scheduler.ClockTime, 0, 3)
	for _, raw := range []string{cfg.ResetAt, cfg.ReminderAt, cfg.AutoStatusAt} {
		at, err := scheduler.ParseClockTime(raw)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, at)
	}
	baseline, err := ledger.ParseState(cfg.ResetBaseline)
	if err != nil {
		return nil, fmt.Errorf("schedule.reset_baseline: %w", err)
	}

	return scheduler.New(scheduler.Config{
		Presence:      a.controller,
		Statuses:      a.ledger,
		Preferences:   a.preferences,
		Sessions:      a.sessions,
		Notifier:      scheduler.MultiNotifier{scheduler.LogNotifier{Logger: a.logger}, a.realtime},
		Location:      cfg.Location,
		ResetAt:       triggers[0],
		ReminderAt:    triggers[1],
		AutoStatusAt:  triggers[2],
		ResetBaseline: baseline,
		Parallelism:   cfg.SweepParallelism,
		Clock:         time.Now,
		Logger:        a.logger,
	})
}

func (a *application) tokenIssuer() (*auth.TokenIssuer, error) {
	if a.config.AdminSigningSecret == "" {
		return nil, errors.New("admin.signing_secret is required")
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(a.config.AdminSigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      a.config.AdminTokenTTL,
	})
}

// Close flushes the logger and releases the database.
func (a *application) Close() {
	if a.db != nil {
		if err := database.Close(a.db); err != nil {
			a.logger.Warn("database close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
