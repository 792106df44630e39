package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ceexam/ceexam/internal/config"
	"github.com/ceexam/ceexam/internal/domain/exam"
	"github.com/ceexam/ceexam/internal/formflow"
	"github.com/ceexam/ceexam/internal/platform/auth"
	"github.com/ceexam/ceexam/internal/platform/autofill"
	"github.com/ceexam/ceexam/internal/platform/blobstore"
	"github.com/ceexam/ceexam/internal/platform/db"
	"github.com/ceexam/ceexam/internal/platform/middleware"
	"github.com/ceexam/ceexam/internal/platform/report"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "ceexam-server",
		Short: "Consultative examination intake API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(renderCmd())
	rootCmd.AddCommand(stepsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the exam intake API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func renderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a saved draft to a PDF report",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, _ := cmd.Flags().GetString("in")
			out, _ := cmd.Flags().GetString("out")
			if in == "" {
				return fmt.Errorf("--in is required")
			}
			path, err := renderDraft(in, out, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().String("in", "", "Draft JSON file (section id -> record)")
	cmd.Flags().String("out", ".", "Output directory")
	return cmd
}

func stepsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "Print the step registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			reg, err := openRegistry(file)
			if err != nil {
				return err
			}
			return printSteps(cmd.OutOrStdout(), reg)
		},
	}
	cmd.Flags().String("file", "", "Step registry YAML (default: built-in steps)")
	return cmd
}

func openRegistry(path string) (*formflow.Registry, error) {
	if path == "" {
		return formflow.DefaultRegistry(), nil
	}
	reg, err := formflow.LoadRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("load steps %s: %w", path, err)
	}
	return reg, nil
}

func printSteps(w io.Writer, reg *formflow.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tID\tTITLE\tREQUIRED\tKIND")
	for i, s := range reg.Steps() {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\n", i, s.ID, s.Title, s.Required, s.Kind)
	}
	return tw.Flush()
}

// renderDraft reads a draft file and writes its PDF into outDir under the
// report's standard filename.
func renderDraft(in, outDir string, now time.Time) (string, error) {
	raw, err := os.ReadFile(in)
	if err != nil {
		return "", err
	}
	var sections map[string]map[string]any
	if err := sonic.Unmarshal(raw, &sections); err != nil {
		return "", fmt.Errorf("decode draft %s: %w", in, err)
	}
	pdf, err := report.NewGenerator(report.WithClock(func() time.Time { return now })).Generate(sections)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(outDir, report.FilenameFor(sections, now))
	if err := os.WriteFile(path, pdf, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := openRegistry(cfg.StepsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load step registry")
	}

	deps := exam.Deps{
		Registry:         reg,
		Logger:           logger,
		RevalidateDelay:  cfg.RevalidateDelay(),
		AutosaveInterval: cfg.AutosaveInterval(),
	}

	// Storage
	var pool *pgxpool.Pool
	if cfg.StorageBackend == config.StoragePostgres {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
		deps.Storage = exam.NewDraftStorePG(pool)
		deps.Reports = exam.NewReportRepoPG(pool)
	}

	if cfg.ReportArchiveDir != "" {
		blobs, err := blobstore.NewDirBlobStore(cfg.ReportArchiveDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open report archive")
		}
		deps.Blobs = blobs
	}

	if cfg.AutofillEnabled() {
		filler, err := autofill.NewOpenAI(ctx, autofill.Config{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("autofill disabled")
		} else {
			deps.Filler = filler
		}
	}

	svc := exam.NewService(deps)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(echomw.BodyLimit("2M"))

	// Health checks stay outside auth.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")
	if cfg.ResolvedAuthMode() == "development" {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	apiV1.Use(middleware.Audit(logger))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
	if cfg.RateLimitBurst > 0 {
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	exam.NewHandler(svc).RegisterRoutes(apiV1)

	logger.Info().
		Str("storage", cfg.StorageBackend).
		Bool("autofill", svc.AutofillEnabled()).
		Int("steps", reg.Len()).
		Msg("exam service ready")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.SaveDirty(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("failed to save drafts on shutdown")
		}
		svc.CloseAll()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
