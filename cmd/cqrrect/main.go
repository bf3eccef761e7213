package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/mail"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/cqrrect/cqrrect/internal/auth"
	"github.com/cqrrect/cqrrect/internal/handler"
	"github.com/cqrrect/cqrrect/internal/i18n"
	"github.com/cqrrect/cqrrect/internal/importer"
	"github.com/cqrrect/cqrrect/internal/llm"
	"github.com/cqrrect/cqrrect/internal/llm/prompts"
	"github.com/cqrrect/cqrrect/internal/logging"
	"github.com/cqrrect/cqrrect/internal/model"
	"github.com/cqrrect/cqrrect/internal/notify"
	"github.com/cqrrect/cqrrect/internal/payment"
	"github.com/cqrrect/cqrrect/internal/proctor"
	"github.com/cqrrect/cqrrect/internal/store"
)

var version = "dev"

const (
	sessionCleanupInterval = time.Hour
	shutdownTimeout        = 15 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("error reading .env file", "error", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "cqrrect",
		Short:   "Online exam platform API with AI tutoring",
		Version: version,
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), importCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `cqrrect --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addStoreFlags(f *pflag.FlagSet) {
	f.String("db-driver", store.DriverSQLite, "Database driver (sqlite, postgres)")
	f.String("db", "cqrrect.db", "SQLite database path or Postgres DSN")
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	f.String("rollbar-token", "", "Rollbar access token; error logs are forwarded when set")
	f.String("environment", "development", "Deployment environment reported to Rollbar")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	addStoreFlags(f)
	f.String("jwt-secret", "", "Secret used to sign API tokens (required)")
	f.Duration("token-ttl", 24*time.Hour, "Lifetime of API tokens")
	f.String("llm-url", "", "OpenAI-compatible API base URL; AI routes are disabled when empty")
	f.String("llm-key", "", "API key for the LLM")
	f.String("llm-model", "gpt-4o-mini", "LLM model name")
	f.Duration("llm-timeout", 30*time.Second, "Timeout for one LLM call")
	f.String("prompt-variant", string(prompts.Standard), "Grading prompt variant (strict, standard, lenient)")
	f.StringP("lang", "l", "en", "Default language (en, bn)")
	f.String("admin-email", "", "Initial admin email (or set CQRRECT_ADMIN_EMAIL)")
	f.String("admin-password", "", "Initial admin password (or set CQRRECT_ADMIN_PASSWORD)")
	f.String("midtrans-server-key", "", "Midtrans server key; payments are disabled when empty")
	f.Bool("midtrans-production", false, "Use the Midtrans production environment")
	f.String("sendgrid-key", "", "SendGrid API key; emails are only logged when empty")
	f.String("mail-from", "Cqrrect <no-reply@cqrrect.com>", "Sender address for outgoing email")
	f.Int("max-violations", proctor.DefaultMaxViolations, "Violations before an attempt is auto-submitted")
	addLogFlags(f)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export exam attempts as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	addStoreFlags(f)
	f.String("exam-id", "", "Only export attempts of this exam")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(f)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import questions from a JSON file into an exam",
		RunE:  runImport,
	}
	f := cmd.Flags()
	addStoreFlags(f)
	f.String("exam-id", "", "Exam to import into (required)")
	f.StringP("file", "f", "", "Questions JSON file (required)")
	addLogFlags(f)

	_ = cmd.MarkFlagRequired("exam-id")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func setupLogging(v *viper.Viper) {
	h := logging.NewHandler(os.Stderr, v.GetString("log-level"), v.GetString("log-format"))
	if token := v.GetString("rollbar-token"); token != "" {
		host, _ := os.Hostname()
		h = logging.EnableRollbar(h, logging.RollbarConfig{
			Token:       token,
			Environment: v.GetString("environment"),
			ServerHost:  host,
			CodeVersion: version,
		})
	}
	slog.SetDefault(slog.New(h))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("CQRRECT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("cqrrect")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/cqrrect")
	v.AddConfigPath("/etc/cqrrect")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(v *viper.Viper) (*store.Store, error) {
	db, err := store.New(v.GetString("db-driver"), v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	defer logging.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := seedAdmin(ctx, db, v.GetString("admin-email"), v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	lang := v.GetString("lang")
	if err := initLanguage(lang); err != nil {
		return err
	}

	tokens, err := auth.NewIssuer(v.GetString("jwt-secret"), v.GetDuration("token-ttl"))
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}

	mailer, err := newMailer(v)
	if err != nil {
		return err
	}
	opts := handler.Options{
		Mailer:  mailer,
		Monitor: proctor.NewMonitor(db, v.GetInt("max-violations")),
	}

	if url := v.GetString("llm-url"); url != "" {
		variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
		if !prompts.IsValidVariant(variant) {
			slog.Warn("invalid prompt-variant, using standard", "variant", variant)
			variant = string(prompts.Standard)
		}
		client, err := llm.New(llm.Config{
			BaseURL: url,
			APIKey:  v.GetString("llm-key"),
			Model:   v.GetString("llm-model"),
			Timeout: v.GetDuration("llm-timeout"),
			Variant: prompts.Variant(variant),
		})
		if err != nil {
			return fmt.Errorf("create LLM client: %w", err)
		}
		if err := client.Ping(ctx); err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", url, "model", client.Model())
		opts.AI = client
	} else {
		slog.Warn("llm-url not set, AI routes are disabled")
	}

	if key := v.GetString("midtrans-server-key"); key != "" {
		gw := payment.NewMidtrans(key, v.GetBool("midtrans-production"))
		opts.Payments = payment.NewService(db, gw, key, mailer)
	} else {
		slog.Warn("midtrans-server-key not set, payments are disabled")
	}

	h, err := handler.New(db, tokens, opts)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	go cleanupSessions(ctx, db, sessionCleanupInterval)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("starting server",
		"addr", addr,
		"db_driver", v.GetString("db-driver"),
		"lang", lang,
		"ai", opts.AI != nil,
		"payments", opts.Payments != nil,
		"max_violations", opts.Monitor.MaxViolations(),
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	if sg, ok := mailer.(*notify.SendgridMailer); ok {
		sg.Wait()
	}
	return nil
}

// initLanguage loads translations with lang as the fallback language.
func initLanguage(lang string) error {
	if err := i18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	if !i18n.Supported(lang) {
		return fmt.Errorf("no translations for language %q", lang)
	}
	return nil
}

func newMailer(v *viper.Viper) (notify.Mailer, error) {
	key := v.GetString("sendgrid-key")
	if key == "" {
		slog.Warn("sendgrid-key not set, emails are only logged")
		return notify.NewConsoleMailer(slog.Default()), nil
	}
	from, err := mail.ParseAddress(v.GetString("mail-from"))
	if err != nil {
		return nil, fmt.Errorf("parse mail-from: %w", err)
	}
	return notify.NewSendgridMailer(key, *from, "Cqrrect"), nil
}

// cleanupSessions removes expired auth sessions until ctx is done.
func cleanupSessions(ctx context.Context, db *store.Store, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := db.CleanupExpiredSessions(ctx)
			if err != nil {
				slog.Error("failed to clean up sessions", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("removed expired sessions", "count", n)
			}
		}
	}
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	defer logging.Flush()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := db.ExportAttempts(cmd.Context(), v.GetString("exam-id"))
	if err != nil {
		return fmt.Errorf("export attempts: %w", err)
	}

	export := model.AttemptExport{
		GeneratedAt: time.Now().UTC(),
		Count:       len(results),
		Results:     results,
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)

	slog.Info("exported attempts", "count", len(results), "output", outPath)
	return nil
}

func runImport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	defer logging.Flush()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	path := v.GetString("file")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	res, err := importer.New(db).Import(cmd.Context(), v.GetString("exam-id"), data)
	if errors.Is(err, importer.ErrAlreadyImported) {
		slog.Info("questions file unchanged, skipping", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	slog.Info("imported questions", "path", path, "exam_id", res.ExamID, "count", len(res.QuestionIDs))
	return nil
}

func seedAdmin(ctx context.Context, db *store.Store, email, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if email == "" || password == "" {
		return errors.New("admin email and password are required: set --admin-email and --admin-password or CQRRECT_ADMIN_EMAIL and CQRRECT_ADMIN_PASSWORD")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Email:        email,
		FullName:     "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "email", email)
	return nil
}
