package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"mise/internal/app"
	"mise/internal/config"
	"mise/internal/db"
	"mise/internal/db/mock"
	"mise/internal/engine"
	applog "mise/internal/log"
)

// Exit codes returned by the CLI.
const (
	ExitCodeSuccess  = 0
	ExitCodeError    = 1
	ExitCodeNotFound = 2
)

const shutdownTimeout = 10 * time.Second

var (
	loadConfigFunc      = config.Load
	setLogLevelFunc     = applog.SetLevel
	setLogFormatFunc    = applog.SetFormat
	newMockDatabaseFunc = mock.New
	configureDatabase   = db.Configure
	newAppFunc          = app.New
)

// session is the application opened for a single command.
type session struct {
	app *app.App
	db  *gorm.DB
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfigFunc()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := setLogLevelFunc(cfg.Logging.Level); err != nil {
		return nil, fmt.Errorf("set log level: %w", err)
	}
	if err := setLogFormatFunc(cfg.Logging.Format); err != nil {
		return nil, fmt.Errorf("set log format: %w", err)
	}

	var database *gorm.DB
	if cfg.Database.UseMock || cfg.Database.URL == "" {
		applog.Info(ctx, "using mock database")
		database, err = newMockDatabaseFunc(ctx)
	} else {
		database, err = configureDatabase(cfg.Database)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	application, err := newAppFunc(ctx, cfg, database)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}
	return &session{app: application, db: database}, nil
}

// close drains pending cache writes before the process exits.
func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.app.Engine.Shutdown(ctx)
}

// withSession opens a session, runs fn and always closes the session.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) (err error) {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.close(); closeErr != nil && err == nil {
			err = fmt.Errorf("shutdown: %w", closeErr)
		}
	}()
	return fn(ctx, s)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mise",
		Short: "Resolve allergens, dietary status and costs for a kitchen catalog",
		Long: `mise aggregates allergen and vegetarian/vegan status from ingredients up
through recipes and dishes, keeps the cached results fresh when ingredients
change, and costs recipes and dishes.

The database and AI settings are read from MISE_* environment variables or the
file named by MISE_CONFIG. Without a database URL a seeded in-memory kitchen is
used.`,
		// SilenceUsage keeps runtime failures from printing the usage text.
		SilenceUsage: true,
	}

	root.AddCommand(
		newImportCmd(),
		newAllergensCmd(),
		newDietaryCmd(),
		newCostCmd(),
		newInvalidateCmd(),
		newIssuesCmd(),
	)
	return root
}

// exitCode maps command errors onto process exit codes.
func exitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	if errors.Is(err, engine.ErrNotFound) {
		return ExitCodeNotFound
	}
	return ExitCodeError
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return uint(id), nil
}
