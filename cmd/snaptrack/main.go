package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/rpattn/snaptrack/internal/api"
	"github.com/rpattn/snaptrack/internal/config"
	"github.com/rpattn/snaptrack/internal/db"
	"github.com/rpattn/snaptrack/internal/domain"
	"github.com/rpattn/snaptrack/internal/export"
	"github.com/rpattn/snaptrack/internal/ingestion"
	"github.com/rpattn/snaptrack/internal/observability"
	"github.com/rpattn/snaptrack/internal/tracker"
)

const usage = `usage: snaptrack <command> [flags]

commands:
  serve           start the read API
  run             diff a snapshot file against the stored state
  export          write the stored tables to a spreadsheet
  rebuild-index   rebuild the latest-change side table from history
  migrate         apply or roll back postgres migrations
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	command := os.Args[1]
	fs := pflag.NewFlagSet(command, pflag.ExitOnError)
	config.RegisterFlags(fs)

	var execute func(ctx context.Context, a *app) error
	switch command {
	case "serve":
		execute = serveCommand
	case "run":
		execute = runCommand(fs)
	case "export":
		execute = exportCommand(fs)
	case "rebuild-index":
		execute = rebuildCommand(fs)
	case "migrate":
		execute = migrateCommand(fs)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}
	_ = fs.Parse(os.Args[2:])

	configDir, _ := fs.GetString("config")
	cfg, err := config.Load(configDir, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := observability.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.String("command", command), zap.Error(err))
	}
	err = execute(ctx, a)
	a.Close()
	if err != nil {
		logger.Error("command failed", zap.String("command", command), zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func serveCommand(ctx context.Context, a *app) error {
	apiCfg := a.cfg.API
	router := api.NewRouter(a.tracker, api.Options{
		Upload:         ingestion.NewHTTPHandler(a.parser, a.tracker, apiCfg.MaxUploadBytes, a.logger),
		Export:         export.NewHTTPHandler(a.exporter, tracker.HTTPStatus, a.logger),
		Registry:       a.metrics.Registry(),
		AllowedOrigins: apiCfg.AllowedOrigins,
		Logger:         a.logger,
	})

	server := &http.Server{
		Addr:         apiCfg.Addr,
		Handler:      router,
		ReadTimeout:  apiCfg.ReadTimeout,
		WriteTimeout: apiCfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting read API", zap.String("addr", apiCfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server exited")
	return nil
}

func runCommand(fs *pflag.FlagSet) func(context.Context, *app) error {
	domainName := fs.String("domain", "", "domain to run")
	file := fs.String("file", "", "snapshot file (csv, xlsx or json)")
	format := fs.String("format", "", "override the format detected from the file extension")
	observedAt := fs.String("observed-at", "", "observation timestamp for every record")
	headerRow := fs.Int("header-row", -1, "zero-based header row, detected when negative")
	dryRun := fs.Bool("dry-run", false, "diff and annotate without writing")

	return func(ctx context.Context, a *app) error {
		if *domainName == "" || *file == "" {
			return errors.New("--domain and --file are required")
		}
		f, err := os.Open(*file)
		if err != nil {
			return fmt.Errorf("failed to open snapshot: %w", err)
		}
		defer f.Close()

		req := ingestion.Request{
			Domain:   *domainName,
			FileName: filepath.Base(*file),
			Format:   *format,
			Data:     f,
		}
		if *headerRow >= 0 {
			req.HeaderRowIndex = headerRow
		}
		if *observedAt != "" {
			at, err := domain.ParseTimestamp(*observedAt)
			if err != nil {
				return fmt.Errorf("invalid --observed-at: %w", err)
			}
			req.ObservedAt = &at
		}

		snapshot, summary, err := a.parser.Parse(ctx, req)
		if err != nil {
			return err
		}
		run := a.tracker.Run
		if *dryRun {
			run = a.tracker.Preview
		}
		result, err := run(ctx, *domainName, snapshot)
		if !*dryRun {
			a.pushMetrics(ctx)
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"summary": summary, "run": result})
	}
}

func exportCommand(fs *pflag.FlagSet) func(context.Context, *app) error {
	domainName := fs.String("domain", "", "domain to export")
	format := fs.String("format", export.FormatXLSX, "output format (xlsx, csv)")
	table := fs.String("table", export.TableCurrent, "table to write as csv (current, removed, summary, history)")
	history := fs.Bool("history", false, "include the change history sheet")
	out := fs.String("out", "", "output path, named after the domain and date when empty")

	return func(ctx context.Context, a *app) error {
		if *domainName == "" {
			return errors.New("--domain is required")
		}
		path := *out
		if path == "" {
			path = a.exporter.FileName(*domainName, *table, *format)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}

		switch *format {
		case export.FormatXLSX:
			err = a.exporter.WriteWorkbook(ctx, *domainName, *history, f)
		case export.FormatCSV:
			err = a.exporter.WriteCSV(ctx, *domainName, *table, f)
		default:
			err = fmt.Errorf("%w: %q", export.ErrUnsupportedFormat, *format)
		}
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(path)
			return err
		}
		a.logger.Info("export written", zap.String("path", path))
		return nil
	}
}

func rebuildCommand(fs *pflag.FlagSet) func(context.Context, *app) error {
	domainName := fs.String("domain", "", "domain to rebuild, every domain when empty")

	return func(ctx context.Context, a *app) error {
		names := []string{*domainName}
		if *domainName == "" {
			names = names[:0]
			for _, schema := range a.tracker.Schemas() {
				names = append(names, schema.Name)
			}
		}
		for _, name := range names {
			count, err := a.tracker.RebuildIndex(ctx, name)
			if err != nil {
				return err
			}
			a.logger.Info("latest-change index rebuilt", zap.String("domain", name), zap.Int("keys", count))
		}
		return nil
	}
}

func migrateCommand(fs *pflag.FlagSet) func(context.Context, *app) error {
	rollback := fs.Int("rollback", 0, "number of migrations to roll back")

	return func(ctx context.Context, a *app) error {
		if a.cfg.Storage.Backend != "postgres" {
			a.logger.Info("schema applied on open", zap.String("backend", a.cfg.Storage.Backend))
			return nil
		}
		conn, err := db.NewConnection(ctx, a.cfg.Storage.Postgres)
		if err != nil {
			return err
		}
		defer conn.Close()

		if *rollback > 0 {
			if err := db.RollbackMigrations(conn.Pool, *rollback); err != nil {
				return err
			}
			a.logger.Info("migrations rolled back", zap.Int("steps", *rollback))
			return nil
		}
		result, err := db.RunMigrations(conn.Pool)
		if err != nil {
			return err
		}
		a.logger.Info("migrations applied",
			zap.Uint("version", result.Version),
			zap.Bool("dirty", result.Dirty),
			zap.Bool("applied", result.Applied),
		)
		return nil
	}
}
