// Command devserver serves the sample building and category collections over HTTP
// for manual testing of projected queries.
//
//	devserver -driver sqlite -dsn devserver.db -addr :8080
//	curl 'localhost:8080/Buildings?$count=true&$query={"filter":{"property":"Builder/City/Name","op":"eq","value":"Leeds"},"expand":[{"property":"Builder","expand":[{"property":"City"}]}]}'
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	servertiming "github.com/mitchellh/go-server-timing"
	odatamap "github.com/nlstn/go-odatamap"
	"github.com/nlstn/go-odatamap/internal/observability"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type config struct {
	addr     string
	driver   string
	dsn      string
	mode     string
	debug    bool
	maxDepth int
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func parseFlags(args []string) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("devserver", flag.ContinueOnError)
	fs.StringVar(&cfg.addr, "addr", envOr("ODATAMAP_ADDR", ":8080"), "listen address")
	fs.StringVar(&cfg.driver, "driver", envOr("ODATAMAP_DRIVER", "sqlite"), "database driver: sqlite or postgres")
	fs.StringVar(&cfg.dsn, "dsn", envOr("ODATAMAP_DSN", "file:devserver?mode=memory&cache=shared"), "database DSN")
	fs.StringVar(&cfg.mode, "expansion", envOr("ODATAMAP_EXPANSION", "tagged"), "expansion mode: tagged or sequential")
	fs.IntVar(&cfg.maxDepth, "max-expand-depth", odatamap.DefaultMaxExpansionDepth, "maximum $expand depth")
	fs.BoolVar(&cfg.debug, "debug", envOr("ODATAMAP_DEBUG", "") != "", "log translated queries")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.mode != "tagged" && cfg.mode != "sequential" {
		return cfg, fmt.Errorf("unknown expansion mode %q", cfg.mode)
	}
	return cfg, nil
}

func openDatabase(cfg config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.driver) {
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(cfg.dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.driver)
	}
	return gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
}

func newMux(db *gorm.DB, settings *odatamap.QuerySettings) (*http.ServeMux, error) {
	mappings, err := newMappings()
	if err != nil {
		return nil, err
	}

	buildings, err := odatamap.NewGormCollectionHandler[Building, BuildingView](db, mappings, settings)
	if err != nil {
		return nil, fmt.Errorf("buildings handler: %w", err)
	}
	categories, err := odatamap.NewGormCollectionHandler[Category, CategoryView](db, mappings, settings)
	if err != nil {
		return nil, fmt.Errorf("categories handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/Buildings", buildings)
	mux.Handle("/Buildings/", buildings)
	mux.Handle("/Categories", categories)
	mux.Handle("/Categories/", categories)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux, nil
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := seed(db); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	if err := observability.RegisterServerTimingCallbacks(db); err != nil {
		return fmt.Errorf("server timing: %w", err)
	}

	obs, err := odatamap.NewObservability(odatamap.ObservabilityConfig{
		ServiceName:        "odatamap-devserver",
		EnableServerTiming: true,
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	settings := &odatamap.QuerySettings{
		MaxExpansionDepth: cfg.maxDepth,
		Logger:            logger,
		Observability:     obs,
	}
	if cfg.mode == "sequential" {
		settings.ExpansionMode = odatamap.ExpansionSequential
	}

	mux, err := newMux(db, settings)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.addr,
		Handler:           gzhttp.GzipHandler(servertiming.Middleware(mux, nil)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("Starting dev server", "addr", cfg.addr, "driver", cfg.driver, "expansion", cfg.mode)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("devserver failed", "error", err)
		os.Exit(1)
	}
}
