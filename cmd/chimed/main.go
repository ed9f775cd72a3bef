// chimed runs the reminder engine: the durable timer runner, push delivery,
// calendar sync, nightly backups, and the ops listener.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"

	"github.com/dukerupert/chime/internal/backup"
	"github.com/dukerupert/chime/internal/database"
	"github.com/dukerupert/chime/internal/gcal"
	"github.com/dukerupert/chime/internal/logging"
	"github.com/dukerupert/chime/internal/metrics"
	"github.com/dukerupert/chime/internal/middleware"
	"github.com/dukerupert/chime/internal/notify"
	"github.com/dukerupert/chime/internal/realtime"
	"github.com/dukerupert/chime/internal/schedule"
	"github.com/dukerupert/chime/internal/store"
	"github.com/dukerupert/chime/internal/sync"
	"github.com/dukerupert/chime/internal/vault"
)

func main() {
	logger := logging.Setup(os.Getenv("CHIME_LOG_LEVEL"), os.Getenv("CHIME_LOG_FORMAT"))

	dbPath := os.Getenv("CHIME_DB_PATH")
	if dbPath == "" {
		dbPath = "chime.db"
	}
	opsPort := os.Getenv("CHIME_OPS_PORT")
	if opsPort == "" {
		opsPort = "9090"
	}

	db, err := database.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	clk := clock.New()

	jobStore := store.NewJobStore(db)
	reminderStore := store.NewReminderStore(db)
	deviceStore := store.NewDeviceStore(db)
	deliveryStore := store.NewDeliveryStore(db)
	eventStore := store.NewEventStore(db)
	syncStateStore := store.NewSyncStateStore(db)
	credentialStore := store.NewCredentialStore(db)
	backupStore := store.NewBackupStore(db)

	m := metrics.New(prometheus.DefaultRegisterer)
	hub := realtime.NewHub(logger)
	sched := schedule.NewStoreClient(jobStore, clk)

	notifyCfg := notify.Config{
		VAPIDPublicKey:  os.Getenv("CHIME_VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("CHIME_VAPID_PRIVATE_KEY"),
		VAPIDSubscriber: os.Getenv("CHIME_VAPID_SUBSCRIBER"),
		FCMServerKey:    os.Getenv("CHIME_FCM_SERVER_KEY"),
		Mock:            os.Getenv("CHIME_NOTIFY_MOCK") == "true",
	}
	if keyFile := os.Getenv("CHIME_APNS_KEY_FILE"); keyFile != "" {
		key, err := os.ReadFile(keyFile)
		if err != nil {
			slog.Error("failed to read apns key", "path", keyFile, "error", err)
			os.Exit(1)
		}
		notifyCfg.APNs = notify.APNsConfig{
			TeamID:     os.Getenv("CHIME_APNS_TEAM_ID"),
			KeyID:      os.Getenv("CHIME_APNS_KEY_ID"),
			BundleID:   os.Getenv("CHIME_APNS_BUNDLE_ID"),
			PrivateKey: key,
		}
	}

	dispatcher, err := notify.NewDispatcher(notifyCfg, deliveryStore, deviceStore, m, clk, logger)
	if err != nil {
		slog.Error("failed to build dispatcher", "error", err)
		os.Exit(1)
	}

	fire := schedule.NewFireHandler(reminderStore, deviceStore, dispatcher, hub, sched, m, clk, logger)

	runner := schedule.NewRunner(jobStore, clk, logger)
	runner.Register(schedule.KindReminderFire, fire.Handle)

	// Calendar sync switches on with provider credentials.
	var driver *sync.Driver
	if clientID := os.Getenv("CHIME_GOOGLE_CLIENT_ID"); clientID != "" {
		serverSecret := os.Getenv("CHIME_SERVER_SECRET")
		clientSecret := os.Getenv("CHIME_GOOGLE_CLIENT_SECRET")
		redirectURL := os.Getenv("CHIME_GOOGLE_REDIRECT_URL")
		if serverSecret == "" || clientSecret == "" || redirectURL == "" {
			slog.Error("calendar sync requires CHIME_SERVER_SECRET, CHIME_GOOGLE_CLIENT_SECRET and CHIME_GOOGLE_REDIRECT_URL")
			os.Exit(1)
		}

		oauthCfg := &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{gcal.ScopeCalendar},
			Endpoint:     gcal.OAuthEndpoint,
		}
		v := vault.New(serverSecret, credentialStore, oauthCfg, clk, logger)
		engine := sync.NewEngine(eventStore, reminderStore, syncStateStore, v,
			func(ts oauth2.TokenSource) sync.Provider { return gcal.New(ts) },
			m, clk, logger)
		runner.Register(schedule.KindSyncPush, engine.HandlePush)
		runner.Register(schedule.KindSyncPull, engine.HandlePull)

		driver = sync.NewDriver(syncStateStore, sched, clk, logger)
	}

	backupCfg := backup.Config{
		S3: backup.S3Config{
			Endpoint:  os.Getenv("CHIME_S3_ENDPOINT"),
			Bucket:    os.Getenv("CHIME_S3_BUCKET"),
			Region:    os.Getenv("CHIME_S3_REGION"),
			AccessKey: os.Getenv("CHIME_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("CHIME_S3_SECRET_KEY"),
		},
		Passphrase:    os.Getenv("CHIME_BACKUP_PASSPHRASE"),
		Hour:          envInt("CHIME_BACKUP_HOUR", 3),
		RetentionDays: envInt("CHIME_BACKUP_RETENTION_DAYS", 30),
	}
	if backupCfg.S3.Region == "" {
		backupCfg.S3.Region = "auto"
	}
	backupMgr := backup.NewManager(backupCfg, db, backupStore, sched, clk, logger)
	runner.Register(schedule.KindBackup, backupMgr.HandleRun)

	ctx := context.Background()

	rebuilt, err := fire.RebuildFromStore(ctx)
	if err != nil {
		slog.Error("failed to rebuild timer registry", "error", err)
		os.Exit(1)
	}
	slog.Info("timer registry rebuilt", "reminders", rebuilt)

	if err := backupMgr.ScheduleNext(ctx); err != nil {
		slog.Error("failed to schedule backup", "error", err)
		os.Exit(1)
	}

	runner.Start(ctx)
	if driver != nil {
		driver.Start(ctx)
	}

	limiter := middleware.NewRateLimiter(clk)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/ws", middleware.RateLimit(limiter, middleware.RealIP, 30, time.Minute)(realtime.Handler(hub)))

	opsServer := &http.Server{
		Addr:              ":" + opsPort,
		Handler:           middleware.RequestLogger(logger.With("component", "ops"))(mux),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				limiter.Cleanup()
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("ops listener starting", "addr", opsServer.Addr)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops listener error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	if driver != nil {
		driver.Stop()
	}
	runner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer in environment", "key", key, "value", raw)
		return fallback
	}
	return n
}
