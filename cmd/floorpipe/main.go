package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/BTreeMap/FloorPipe/internal/api"
	"github.com/BTreeMap/FloorPipe/internal/assistant"
	"github.com/BTreeMap/FloorPipe/internal/catalog"
	"github.com/BTreeMap/FloorPipe/internal/dispatch"
	"github.com/BTreeMap/FloorPipe/internal/engine"
	"github.com/BTreeMap/FloorPipe/internal/lockfile"
	"github.com/BTreeMap/FloorPipe/internal/messaging"
	"github.com/BTreeMap/FloorPipe/internal/models"
	"github.com/BTreeMap/FloorPipe/internal/monitor"
	"github.com/BTreeMap/FloorPipe/internal/roster"
	"github.com/BTreeMap/FloorPipe/internal/scheduler"
	"github.com/BTreeMap/FloorPipe/internal/store"
	"github.com/BTreeMap/FloorPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FloorPipe/internal/util"
	"github.com/BTreeMap/FloorPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FloorPipe state data
	DefaultStateDir = "/var/lib/floorpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "floorpipe.db"
	// DefaultUsersFileName is the default roster filename inside the state directory
	DefaultUsersFileName = "users.json"
	// DefaultTasksDirName is the default per-supervisor task directory inside the state directory
	DefaultTasksDirName = "tasks"
	// DefaultDailyCron fires the daily report flow at 06:00 every day
	DefaultDailyCron = "0 6 * * *"
	// DefaultMonitorCron runs the completion sweep every 5 minutes
	DefaultMonitorCron = "*/5 * * * *"
	// DefaultProvider selects the messaging transport when none is configured
	DefaultProvider = "whatsmeow"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("FloorPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FloorPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseURL string
	OpenAIKey   string
	APIAddr     string
	WebhookURL  string
	UsersFile   string
	TasksDir    string
	Provider    string
	DailyCron   string
	MonitorCron string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput    *string
	numeric     *bool
	stateDir    *string
	dbDSN       *string
	openaiKey   *string
	apiAddr     *string
	webhookURL  *string
	usersFile   *string
	tasksDir    *string
	provider    *string
	dailyCron   *string
	monitorCron *string
}

// initializeLogger sets up structured logging; FLOORPIPE_DEBUG enables debug level
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("FLOORPIPE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    os.Getenv("FLOORPIPE_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		WebhookURL:  os.Getenv("REPORT_WEBHOOK_URL"),
		UsersFile:   os.Getenv("FLOORPIPE_USERS_FILE"),
		TasksDir:    os.Getenv("FLOORPIPE_TASKS_DIR"),
		Provider:    os.Getenv("MESSAGING_PROVIDER"),
		DailyCron:   os.Getenv("DAILY_REPORT_SCHEDULE"),
		MonitorCron: os.Getenv("MONITOR_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLOORPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.UsersFile == "" {
		config.UsersFile = filepath.Join(config.StateDir, DefaultUsersFileName)
	}
	if config.TasksDir == "" {
		config.TasksDir = filepath.Join(config.StateDir, DefaultTasksDirName)
	}
	if config.Provider == "" {
		config.Provider = DefaultProvider
	}
	if config.DailyCron == "" {
		config.DailyCron = DefaultDailyCron
	}
	if config.MonitorCron == "" {
		config.MonitorCron = DefaultMonitorCron
	}

	slog.Debug("environment variables loaded",
		"FLOORPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"REPORT_WEBHOOK_URL_SET", config.WebhookURL != "",
		"MESSAGING_PROVIDER", config.Provider,
		"DAILY_REPORT_SCHEDULE", config.DailyCron,
		"MONITOR_SCHEDULE", config.MonitorCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:    flag.String("qr-output", "", "path to write login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for FloorPipe data (overrides $FLOORPIPE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN for the session store (overrides $DATABASE_URL)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for the fallback assistant (overrides $OPENAI_API_KEY)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		webhookURL:  flag.String("report-webhook", config.WebhookURL, "URL that receives completed reports (overrides $REPORT_WEBHOOK_URL)"),
		usersFile:   flag.String("users-file", config.UsersFile, "path to the supervisor roster JSON (overrides $FLOORPIPE_USERS_FILE)"),
		tasksDir:    flag.String("tasks-dir", config.TasksDir, "directory with per-supervisor task files (overrides $FLOORPIPE_TASKS_DIR)"),
		provider:    flag.String("provider", config.Provider, "messaging transport: whatsmeow, twilio or cloudapi (overrides $MESSAGING_PROVIDER)"),
		dailyCron:   flag.String("daily-cron", config.DailyCron, "cron schedule for daily flow initiation (overrides $DAILY_REPORT_SCHEDULE)"),
		monitorCron: flag.String("monitor-cron", config.MonitorCron, "cron schedule for the completion sweep (overrides $MONITOR_SCHEDULE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"webhookURL_set", *flags.webhookURL != "",
		"usersFile", *flags.usersFile,
		"tasksDir", *flags.tasksDir,
		"provider", *flags.provider,
		"dailyCron", *flags.dailyCron,
		"monitorCron", *flags.monitorCron)

	// Keep the default SQLite path in sync when only the state dir moved
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// openStore selects the store backend from the DSN shape.
func openStore(dsn string) (store.Store, error) {
	switch store.DetectDSNType(dsn) {
	case "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	case "sqlite":
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
		return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	default:
		slog.Debug("DSN is a directory, configuring file store", "dir", dsn)
		return store.NewFileStore(store.WithDir(dsn))
	}
}

// buildMessagingService constructs the selected messaging transport.
func buildMessagingService(flags Flags) (messaging.Service, []api.Option, error) {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}

	switch *flags.provider {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		service := messaging.NewTwilioService(client)
		apiOpts = append(apiOpts, api.WithTwilioWebhook(service.WebhookHandler))
		return service, apiOpts, nil
	case "cloudapi":
		service, err := messaging.NewCloudAPIService()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Cloud API client: %w", err)
		}
		return service, apiOpts, nil
	case "whatsmeow":
		var waOpts []whatsapp.Option
		waOpts = append(waOpts, whatsapp.WithDBDSN(filepath.Join(*flags.stateDir, "whatsmeow.db")))
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), apiOpts, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging provider: %s", *flags.provider)
	}
}

// loadRoster loads the supervisor roster, tolerating a missing default file.
func loadRoster(path string) *roster.Roster {
	ros, err := roster.Load(path)
	if err != nil {
		slog.Warn("Failed to load roster, starting with an empty one", "error", err, "path", path)
		return roster.New(nil)
	}
	slog.Info("Roster loaded", "path", path, "supervisors", len(ros.Supervisors()))
	return ros
}

func run(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	cat := catalog.Default()
	if err := cat.Validate(); err != nil {
		return fmt.Errorf("question catalog is inconsistent: %w", err)
	}
	slog.Info("Question catalog loaded", "processes", cat.Processes())

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	ros := loadRoster(*flags.usersFile)

	assistantOpts := []assistant.Option{assistant.WithTasksDir(*flags.tasksDir)}
	if *flags.openaiKey != "" {
		assistantOpts = append(assistantOpts, assistant.WithAPIKey(*flags.openaiKey))
	}
	asst := assistant.New(assistantOpts...)

	msgService, apiOpts, err := buildMessagingService(flags)
	if err != nil {
		return err
	}

	engineOpts := []engine.Option{
		engine.WithSender(msgService),
		engine.WithFallback(asst),
		engine.WithDirectory(ros),
	}
	if *flags.webhookURL != "" {
		engineOpts = append(engineOpts, engine.WithDispatcher(dispatch.NewWebhookDispatcher(*flags.webhookURL)))
	} else {
		slog.Warn("No report webhook configured, completed reports will only be archived")
	}
	eng := engine.NewEngine(st, cat, engineOpts...)

	mon := monitor.New(st, msgService, ros)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgService.Stop()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(*flags.dailyCron, func() { initiateDailyFlows(ctx, eng, ros) }); err != nil {
		return fmt.Errorf("failed to schedule daily flow initiation: %w", err)
	}
	if err := sched.AddJob(*flags.monitorCron, func() {
		if err := mon.Sweep(ctx); err != nil {
			slog.Error("Completion sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule completion sweep: %w", err)
	}

	srv := api.NewServer(eng, st, msgService, apiOpts...)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer srv.Stop()

	slog.Info("FloorPipe running",
		"provider", *flags.provider,
		"daily_cron", *flags.dailyCron,
		"monitor_cron", *flags.monitorCron)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	slog.Info("Shutting down on signal", "signal", received.String())
	return nil
}

// initiateDailyFlows starts a report session for every supervisor on the roster.
func initiateDailyFlows(ctx context.Context, eng *engine.Engine, ros *roster.Roster) {
	supervisors := ros.Supervisors()
	slog.Info("Initiating daily report flows", "supervisors", len(supervisors))
	for _, user := range supervisors {
		if _, err := eng.StartSession(ctx, user.Phone, models.Process(user.Process)); err != nil {
			slog.Error("Failed to start daily session", "error", err, "phone", user.Phone, "process", user.Process)
		}
	}
}
