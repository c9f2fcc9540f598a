package main

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/gcal"
	"github.com/SamWylde/grant-tracker-new-sub002/internal/grantsgov"
	"github.com/SamWylde/grant-tracker-new-sub002/internal/server"
)

const reminderRunTimeout = 10 * time.Minute

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "reminderd",
	})

	pool, err := pgxpool.New(context.Background(), dbDSNFromEnv())
	if err != nil {
		logger.Fatal("connect database", "err", err)
	}
	defer pool.Close()

	opts := server.ReminderServiceOptions{}

	if clientID := os.Getenv("GOOGLE_OAUTH_CLIENT_ID"); clientID != "" {
		cal, err := gcal.New(clientID, os.Getenv("GOOGLE_OAUTH_CLIENT_SECRET"), os.Getenv("GOOGLE_OAUTH_REDIRECT_URI"))
		if err != nil {
			logger.Fatal("google calendar client", "err", err)
		}
		opts.Calendar = cal
	}

	gg, err := grantsgov.New(os.Getenv("GRANTS_GOV_BASE_URL"))
	if err != nil {
		logger.Fatal("grants.gov client", "err", err)
	}
	opts.Opportunities = gg

	svc := server.NewReminderService(pool, opts)

	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), reminderRunTimeout)
		defer cancel()

		report, err := svc.RunOnce(ctx)
		if err != nil {
			logger.Error("sweep failed", "err", err)
			return
		}
		logger.Info("sweep done",
			"orgs", report.OrgsVisited,
			"reminders", report.RemindersSent,
			"calendar_events", report.EventsCreated,
			"close_dates_synced", report.CloseDateSync,
			"errors", len(report.Errors))
		for _, e := range report.Errors {
			logger.Warn("sweep error", "detail", e)
		}
	}

	spec := os.Getenv("REMINDER_CRON")
	if spec == "" {
		spec = "0 8 * * *"
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, run); err != nil {
		logger.Fatal("invalid REMINDER_CRON", "spec", spec, "err", err)
	}

	if os.Getenv("REMINDER_RUN_ON_START") == "1" {
		run()
	}

	logger.Info("scheduled", "cron", spec)
	c.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	ctx := c.Stop()
	<-ctx.Done()
	logger.Info("stopped")
}

func dbDSNFromEnv() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}

	host := getenvDefault("DB_HOST", "127.0.0.1")
	port := getenvDefault("DB_PORT", "5432")
	user := getenvDefault("DB_USER", "app")
	pass := getenvDefault("DB_PASSWORD", "app")
	name := getenvDefault("DB_NAME", "grant_tracker")
	sslmode := getenvDefault("DB_SSLMODE", "disable")

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   host + ":" + port,
		Path:   "/" + name,
	}
	q := u.Query()
	q.Set("sslmode", sslmode)
	u.RawQuery = q.Encode()
	return u.String()
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
