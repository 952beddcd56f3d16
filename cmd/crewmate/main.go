package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/crewmate/crewmate/internal/airports"
	"github.com/crewmate/crewmate/internal/auth"
	"github.com/crewmate/crewmate/internal/clock"
	"github.com/crewmate/crewmate/internal/cms"
	"github.com/crewmate/crewmate/internal/config"
	"github.com/crewmate/crewmate/internal/connections"
	"github.com/crewmate/crewmate/internal/database"
	"github.com/crewmate/crewmate/internal/logging"
	"github.com/crewmate/crewmate/internal/moderation"
	"github.com/crewmate/crewmate/internal/notification"
	"github.com/crewmate/crewmate/internal/places"
	"github.com/crewmate/crewmate/internal/plans"
	"github.com/crewmate/crewmate/internal/profiles"
	"github.com/crewmate/crewmate/internal/realtime"
	"github.com/crewmate/crewmate/internal/referrals"
	"github.com/crewmate/crewmate/internal/scheduler"
	"github.com/crewmate/crewmate/internal/spots"
	"github.com/crewmate/crewmate/internal/storage"
	"github.com/crewmate/crewmate/internal/verification"
	"github.com/crewmate/crewmate/internal/web"
	"github.com/crewmate/crewmate/internal/web/handlers"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultDBPath = "./crewmate.db"

// CLI flags
var (
	port        int
	bind        string
	allowSubnet string
	dbPath      string
	envFile     string
	logFile     string
	verbosity   int

	// Timeout flags (advanced)
	httpTimeout    time.Duration
	websocketPing  time.Duration
	requestTimeout time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "crewmate",
		Short: "CrewMate - social backend for airline crew",
		Long:  `CrewMate serves the crew app API: accounts, layovers, spots, plans, connections and notifications.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFile(envFile); err != nil {
				return fmt.Errorf("failed to load env file %s: %w", envFile, err)
			}
			if dbPath == defaultDBPath {
				dbPath = config.EnvString(config.EnvDBPath, dbPath)
			}
			logging.Setup(verbosity)
			return nil
		},
		RunE: runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", defaultDBPath, "SQLite database path (or set DB_PATH env var)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "File with KEY=value secrets loaded into the environment")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v debug, -vv trace)")

	serveFlags := func(cmd *cobra.Command) {
		cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP server port (required, or set PORT env var)")
		cmd.Flags().StringVarP(&bind, "bind", "b", "", "IP address to bind to (e.g., 127.0.0.1, 0.0.0.0)")
		cmd.Flags().StringVarP(&allowSubnet, "allow-subnet", "a", "", "CIDR subnet allowed to connect (e.g., 10.0.0.0/8)")
		cmd.Flags().StringVar(&logFile, "log-file", "", "Rotating log file path (defaults to crewmate.log next to the database)")
		cmd.Flags().DurationVar(&httpTimeout, "http-timeout", 30*time.Second, "Timeout for HTTP client requests to external services")
		cmd.Flags().DurationVar(&websocketPing, "websocket-ping", 30*time.Second, "Interval between WebSocket keepalive pings")
		cmd.Flags().DurationVar(&requestTimeout, "request-timeout", 60*time.Second, "Timeout for regular API requests")
	}
	serveFlags(rootCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server (default)",
		RunE:  runServe,
	}
	serveFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crewmate %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})
	rootCmd.AddCommand(migrateCmd(), repairOrphansCmd(), backfillPhotosCmd(), airportsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openDB opens and migrates the database and seeds default settings.
func openDB() (*database.DB, error) {
	db, err := database.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	if err := db.InitializeDefaults(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed default settings: %w", err)
	}
	return db, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if port == 0 {
		port = config.EnvInt(config.EnvPort, 0)
	}
	if port == 0 {
		return fmt.Errorf("--port flag or PORT environment variable is required")
	}
	if bind != "" {
		if ip := net.ParseIP(bind); ip == nil {
			return fmt.Errorf("invalid bind address: %s", bind)
		}
	}
	var allowedNet *net.IPNet
	if allowSubnet != "" {
		_, parsedNet, err := net.ParseCIDR(allowSubnet)
		if err != nil {
			return fmt.Errorf("invalid allow-subnet CIDR: %s", allowSubnet)
		}
		allowedNet = parsedNet
	}

	config.SetGlobalTimeouts(&config.TimeoutConfig{
		HTTPClient:    httpTimeout,
		WebSocketPing: websocketPing,
		Request:       requestTimeout,
	})

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if logFile == "" {
		logFile = filepath.Join(filepath.Dir(dbPath), logging.DefaultLogFilePath)
	}
	settings := config.NewLoader(db)
	logging.Apply(settings, verbosity, logFile)

	log.Info().
		Str("version", version).
		Int("port", port).
		Str("bind", bind).
		Str("allow_subnet", allowSubnet).
		Str("database", dbPath).
		Msg("Starting CrewMate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.Real{}

	// Airports: embedded table, optionally replaced and hot-reloaded from a file
	airportStore := airports.NewStore(airports.Embedded())
	if path := settings.String("airports.data_path", ""); path != "" {
		watcher, err := airports.NewWatcher(airportStore, path, airports.DefaultDebounce)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to create airport data watcher")
		} else if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to start airport data watcher, using embedded table")
		} else {
			defer watcher.Stop()
		}
	}

	hub := realtime.NewHub(config.GetTimeouts().WebSocketPing)

	notificationMgr := notification.NewManager(db)
	defer notificationMgr.Stop()
	expo := notification.ExpoConfig{
		URL:         notification.ExpoPushURL,
		AccessToken: config.EnvString(config.EnvExpoAccessToken, ""),
	}
	discordURL := config.EnvString(config.EnvDiscordWebhookURL, "")
	if err := notification.Setup(notificationMgr, db, db, expo, discordURL, config.GetTimeouts().HTTPClient); err != nil {
		log.Warn().Err(err).Msg("Failed to set up notification providers")
	}
	if started := notificationMgr.Start(); !started {
		log.Debug().Msg("Notification manager not started (no providers configured)")
	}

	inbox := notification.NewInbox(db, notificationMgr, hub)
	points := cms.NewService(db, inbox, hub)

	authSvc := auth.NewService(db, clk)
	authSvc.SetSessionDuration(time.Duration(settings.Int("sessions.ttl_days", 30)) * 24 * time.Hour)

	smtp := config.SMTPFromEnv()
	if !smtp.Enabled() {
		log.Warn().Msg("SMTP is not configured, verification codes will be written to the log")
	}
	verifier := verification.NewService(db, clk, verification.MailerFromConfig(smtp), verification.LimitsFromSettings(settings),
		func(userID int64, action, ref string) { points.TryAward(userID, action, ref, "") })

	backend, localMedia, err := storage.Open(ctx, storage.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("failed to open photo storage: %w", err)
	}

	planSvc := plans.NewService(db, airportStore, clk, inbox, points, hub)

	var backfill *places.Backfiller
	if key := config.EnvString(config.EnvGoogleAPIKey, ""); key != "" {
		finder, err := places.NewGoogle(ctx, key)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create Places client, photo backfill disabled")
		} else {
			backfill = places.NewBackfiller(db, finder)
		}
	}

	sched := scheduler.New()
	for _, job := range scheduler.MaintenanceJobs(db, clk, authSvc, verifier, planSvc) {
		if err := sched.Add(job); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.Name, err)
		}
	}
	sched.OnFailure(func(job string, err error) {
		notificationMgr.NotifyAdmins(notification.EventSystemError, "Scheduled job failed", err.Error(),
			map[string]string{"job": job})
	})
	sched.Start()
	defer sched.Stop()

	h := handlers.New(handlers.Services{
		DB:            db,
		Auth:          authSvc,
		Verification:  verifier,
		Profiles:      profiles.NewService(db, airportStore, clk, points),
		CMS:           points,
		Airports:      airportStore,
		Referrals:     referrals.NewService(db),
		Spots:         spots.NewService(db, airportStore, clk, inbox, points, storage.NewUploader(backend)),
		Plans:         planSvc,
		Connections:   connections.NewService(db, inbox, hub),
		Moderation:    moderation.NewService(db, inbox, hub, notificationMgr),
		Inbox:         inbox,
		Notifications: notificationMgr,
		Scheduler:     sched,
		Backfill:      backfill,
	})

	opts := web.Options{Port: port, Bind: bind, AllowedNet: allowedNet}
	if localMedia != nil {
		opts.Media = localMedia.Handler()
	}
	server := web.NewServer(h, hub, opts)

	if (bind == "" || bind == "0.0.0.0" || bind == "::") && allowSubnet == "" {
		log.Warn().Msg("Server is accessible from all interfaces without subnet restrictions. Consider using --bind or --allow-subnet behind a reverse proxy.")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("CrewMate stopped")
	return nil
}
