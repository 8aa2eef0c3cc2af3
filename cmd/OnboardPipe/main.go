// Command OnboardPipe runs the conversational onboarding service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BTreeMap/OnboardPipe/internal/api"
	"github.com/BTreeMap/OnboardPipe/internal/app"
	"github.com/BTreeMap/OnboardPipe/internal/lockfile"
	"github.com/BTreeMap/OnboardPipe/internal/messaging"
	"github.com/BTreeMap/OnboardPipe/internal/scheduler"
	"github.com/BTreeMap/OnboardPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/OnboardPipe/internal/util"
	"github.com/BTreeMap/OnboardPipe/internal/whatsapp"
)

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	flowsDir    *string
	toolsFile   *string
	openaiKey   *string
	apiAddr     *string
	strictFlows *bool
	reloadCron  *string

	twilio           *bool
	twilioWebhookURL *string

	whatsapp    *bool
	whatsappDSN *string
	qrOutput    *string
	numeric     *bool
}

func main() {
	initializeLogger()
	cfg := app.LoadConfig()
	flags := parseCommandLineFlags(cfg)
	applyFlags(&cfg, flags)

	if err := run(cfg, flags); err != nil {
		slog.Error("OnboardPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("OnboardPipe exited successfully")
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(cfg app.Config) Flags {
	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = app.DefaultStateDir
	}
	flags := Flags{
		stateDir:    flag.String("state-dir", stateDir, "state directory (overrides $ONBOARDPIPE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", cfg.DatabaseURL, "store DSN: postgres URL, SQLite path or \"memory\" (overrides $DATABASE_URL)"),
		flowsDir:    flag.String("flows-dir", cfg.FlowsDir, "directory of flow files seeded at startup (overrides $FLOWS_DIR)"),
		toolsFile:   flag.String("tools-file", cfg.ToolsFile, "YAML file of configured tools (overrides $TOOLS_FILE)"),
		openaiKey:   flag.String("openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:     flag.String("api-addr", envOr("API_ADDR", api.DefaultAddr), "API server address (overrides $API_ADDR)"),
		strictFlows: flag.Bool("strict-flows", cfg.StrictFlows, "refuse to start on any invalid flow (overrides $STRICT_FLOWS)"),
		reloadCron:  flag.String("flow-reload-schedule", os.Getenv("FLOW_RELOAD_SCHEDULE"), "cron schedule for re-seeding and reloading flows, e.g. \"@every 5m\""),

		twilio:           flag.Bool("twilio", util.ParseBoolEnv("TWILIO_ENABLED", false), "enable the Twilio WhatsApp transport"),
		twilioWebhookURL: flag.String("twilio-webhook-url", os.Getenv("TWILIO_WEBHOOK_URL"), "public webhook URL used to verify Twilio signatures"),

		whatsapp:    flag.Bool("whatsapp", util.ParseBoolEnv("WHATSAPP_ENABLED", false), "enable the whatsmeow WhatsApp transport"),
		whatsappDSN: flag.String("whatsapp-db-dsn", os.Getenv("WHATSAPP_DB_DSN"), "whatsmeow device database DSN"),
		qrOutput:    flag.String("qr-output", "", "path to write login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
	}
	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"flowsDir", *flags.flowsDir,
		"toolsFile", *flags.toolsFile,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"twilio", *flags.twilio,
		"whatsapp", *flags.whatsapp)
	return flags
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func applyFlags(cfg *app.Config, flags Flags) {
	cfg.StateDir = *flags.stateDir
	cfg.DatabaseURL = *flags.dbDSN
	cfg.FlowsDir = *flags.flowsDir
	cfg.ToolsFile = *flags.toolsFile
	cfg.OpenAIKey = *flags.openaiKey
	cfg.StrictFlows = *flags.strictFlows
}

func run(cfg app.Config, flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.FileBacked() || *flags.whatsapp {
		lock, err := lockfile.Acquire(cfg.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if *flags.reloadCron != "" {
		sched := scheduler.NewScheduler()
		defer sched.Stop()
		if err := sched.AddContextJob(ctx, "flow-reload", *flags.reloadCron, reloadFlows(a)); err != nil {
			return fmt.Errorf("schedule flow reload: %w", err)
		}
	}

	apiOpts := []api.Option{api.WithAddr(*flags.apiAddr), api.WithFlowWriter(a.Store)}

	if *flags.twilio {
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return err
		}
		svc := messaging.NewTwilioService(client,
			messaging.WithSignatureValidation(os.Getenv("TWILIO_AUTH_TOKEN"), *flags.twilioWebhookURL))
		if err := startTransport(ctx, a, svc); err != nil {
			return err
		}
		apiOpts = append(apiOpts, api.WithTwilioWebhook(svc))
	}

	if *flags.whatsapp {
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(whatsappDSN(cfg, *flags.whatsappDSN))}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return err
		}
		defer client.Disconnect()
		if err := startTransport(ctx, a, messaging.NewWhatsAppService(client)); err != nil {
			return err
		}
	}

	slog.Info("Bootstrapping OnboardPipe", "state_dir", cfg.StateDir, "api_addr", *flags.apiAddr)
	return api.NewServer(a.Engine, apiOpts...).Run(ctx)
}

func startTransport(ctx context.Context, a *app.App, svc messaging.Service) error {
	if err := svc.Start(ctx); err != nil {
		return err
	}
	messaging.NewResponseHandler(a.Engine, svc).Start(ctx)
	go func() {
		<-ctx.Done()
		if err := svc.Stop(); err != nil {
			slog.Warn("transport stop failed", "error", err)
		}
	}()
	return nil
}

// reloadFlows re-seeds FlowsDir, if any, and refreshes the catalog.
func reloadFlows(a *app.App) func(context.Context) error {
	return func(ctx context.Context) error {
		if a.Config.FlowsDir != "" {
			n, err := app.SeedFlows(ctx, a.Store, a.Config.FlowsDir)
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
		}
		return a.Catalog.Reload(ctx)
	}
}

// whatsappDSN defaults the whatsmeow database to a file next to the application store.
func whatsappDSN(cfg app.Config, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if !cfg.FileBacked() && cfg.DatabaseURL != "memory" {
		return cfg.DatabaseURL
	}
	return "file:" + cfg.StateDir + "/whatsmeow.db?_foreign_keys=on"
}
