// Command chimectl is an operator console for a chime database: reminders,
// calendar events, sync connections, and backup runs from the shell.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jmhodges/clock"
	"golang.org/x/oauth2"

	"github.com/dukerupert/chime/internal/backup"
	"github.com/dukerupert/chime/internal/calendar"
	"github.com/dukerupert/chime/internal/database"
	"github.com/dukerupert/chime/internal/errs"
	"github.com/dukerupert/chime/internal/gcal"
	"github.com/dukerupert/chime/internal/logging"
	"github.com/dukerupert/chime/internal/model"
	"github.com/dukerupert/chime/internal/reminder"
	"github.com/dukerupert/chime/internal/schedule"
	"github.com/dukerupert/chime/internal/store"
	"github.com/dukerupert/chime/internal/sync"
	"github.com/dukerupert/chime/internal/vault"
)

func usage() {
	fmt.Fprintf(os.Stderr, `chimectl
Usage:
  chimectl [-db file] <cmd> [args]

Commands:
  remind-add      -user N -title T -due "2006-01-02 15:04" [-tz zone] [-body B] [-rule RRULE] [-event N]
  remind-list     -user N [-status active|snoozed|done|cancelled]
  remind-snooze   -user N -id N -for 15m
  remind-cancel   -user N -id N
  event-add       -user N -title T -start "2006-01-02 15:04" [-end ...] [-tz zone] [-rule RRULE] [-location L]
  event-list      -user N -from 2006-01-02 -to 2006-01-02
  event-cancel    -user N -id N
  link            -user N -reminder N -event N
  unlink          -user N -reminder N
  sync-connect    -user N                       (prints the consent URL)
  sync-callback   -state S -code C              (finishes the consent flow)
  sync-status     -user N
  sync-now        -user N
  sync-set        -user N -enabled true|false -direction one_way|two_way
  sync-off        -user N
  backup-list     [-n 10]
  backup-run
  backup-restore  -id N -to file
`)
	os.Exit(2)
}

func fail(err error) {
	var ce *errs.Error
	if errors.As(err, &ce) {
		fmt.Fprintf(os.Stderr, "%s: %s\n", ce.Code, ce.Message)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// parseLocal reads a wall-clock time in the given zone (UTC when empty) and
// returns the absolute instant.
func parseLocal(value, tz string) (time.Time, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}
	t, err := time.ParseInLocation(model.LocalTimeLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("time must look like %q", model.LocalTimeLayout)
	}
	return t, nil
}

func parseDay(value string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must look like 2006-01-02")
	}
	return t, nil
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "%s is not set\n", key)
		os.Exit(1)
	}
	return v
}

// newSyncService wires the vault from the same environment the daemon reads,
// so a consent URL minted here is honored by a callback finished here.
func newSyncService(db *sql.DB, clk clock.Clock, sched schedule.Client, logger *slog.Logger) *sync.Service {
	oauthCfg := &oauth2.Config{
		ClientID:     requireEnv("CHIME_GOOGLE_CLIENT_ID"),
		ClientSecret: requireEnv("CHIME_GOOGLE_CLIENT_SECRET"),
		RedirectURL:  requireEnv("CHIME_GOOGLE_REDIRECT_URL"),
		Scopes:       []string{gcal.ScopeCalendar},
		Endpoint:     gcal.OAuthEndpoint,
	}
	v := vault.New(requireEnv("CHIME_SERVER_SECRET"), store.NewCredentialStore(db), oauthCfg, clk, logger)
	return sync.NewService(store.NewSyncStateStore(db), v, sched, logger)
}

func newBackupManager(db *sql.DB, clk clock.Clock, sched schedule.Client, logger *slog.Logger) *backup.Manager {
	region := os.Getenv("CHIME_S3_REGION")
	if region == "" {
		region = "auto"
	}
	cfg := backup.Config{
		S3: backup.S3Config{
			Endpoint:  os.Getenv("CHIME_S3_ENDPOINT"),
			Bucket:    requireEnv("CHIME_S3_BUCKET"),
			Region:    region,
			AccessKey: requireEnv("CHIME_S3_ACCESS_KEY"),
			SecretKey: requireEnv("CHIME_S3_SECRET_KEY"),
		},
		Passphrase: requireEnv("CHIME_BACKUP_PASSPHRASE"),
	}
	return backup.NewManager(cfg, db, store.NewBackupStore(db), sched, clk, logger)
}

func main() {
	dbPath := flag.String("db", "", "database path (default $CHIME_DB_PATH or chime.db)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	rest := flag.Args()[1:]

	logger := logging.Setup(os.Getenv("CHIME_LOG_LEVEL"), os.Getenv("CHIME_LOG_FORMAT"))

	path := *dbPath
	if path == "" {
		path = os.Getenv("CHIME_DB_PATH")
	}
	if path == "" {
		path = "chime.db"
	}

	db, err := database.Open(path)
	if err != nil {
		fail(fmt.Errorf("open database: %w", err))
	}
	defer db.Close()

	clk := clock.New()
	sched := schedule.NewStoreClient(store.NewJobStore(db), clk)
	reminders := store.NewReminderStore(db)
	events := store.NewEventStore(db)
	remindSvc := reminder.NewService(reminders, sched, logger)
	calSvc := calendar.NewService(events, store.NewCategoryStore(db), reminders, store.NewSyncStateStore(db), sched, logger)

	ctx := context.Background()

	switch cmd {

	case "remind-add":
		fs := flag.NewFlagSet("remind-add", flag.ExitOnError)
		user := fs.Int64("user", 0, "user id")
		title := fs.String("title", "", "title")
		body := fs.String("body", "", "body text")
		due := fs.String("due", "", "due wall time")
		tz := fs.String("tz", "", "IANA timezone (default UTC)")
		rule := fs.String("rule", "", "recurrence rule")
		event := fs.Int64("event", 0, "calendar event to link")
		_ = fs.Parse(rest)
		if *user == 0 || *title == "" || *due == "" {
			fmt.Fprintln(os.Stderr, "need -user, -title and -due")
			os.Exit(1)
		}
		dueAt, err := parseLocal(*due, *tz)
		if err != nil {
			fail(err)
		}
		in := reminder.CreateInput{Title: *title, Body: *body, DueAt: dueAt, Timezone: *tz, RepeatRule: *rule}
		if *event != 0 {
			in.CalendarEventID = event
		}
		r, deduplicated, err := remindSvc.Create(ctx, *user, in)
		if err != nil {
			fail(err)
		}
		if deduplicated {
			fmt.Printf("deduplicated with reminder %d\n", r.ID)
			return
		}
		fmt.Printf("reminder %d due %s\n", r.ID, r.DueAtUTC.Format(time.RFC3339))

	case "remind-list":
		fs := flag.NewFlagSet("remind-list", flag.ExitOnError)
		user := fs.Int64("user", 0, "user id")
		status := fs.String("status", "", "filter by status")
		_ = fs.Parse(rest)
		if *user == 0 {
			fmt.Fprintln(os.Stderr, "need -user")
			os.Exit(1)
		}
		rs, err := remindSvc.List(ctx, *user, model.ReminderStatus(*status))
		if err != nil {
			fail(err)
		}
		for _, r := range rs {
			rule := r.RepeatRule
			if rule == "" {
				rule = "-"
			}
			fmt.Printf("%d\t%s\t%s %s\t%s\t%s\n", r.ID, r.Status, r.DueAtLocal, r.Timezone, rule, r.Title)
		}

	case "remind-snooze":
		fs := flag.NewFlagSet("remind-snooze", flag.ExitOnError)
		user := fs.Int64("user", 0, "user id")
		id := fs.Int64("id", 0, "reminder id")
		forDur := fs.Duration("for", 10*time.Minute, "snooze duration")
		_ = fs.Parse(rest)
		if *user == 0 || *id == 0 {
			fmt.Fprintln(os.Stderr, "need -user and -id")
			os.Exit(1)
		}
		r, err := remindSvc.Snooze(ctx, *user, *id, *forDur)
		if err != nil {
			fail(err)
		}
		fmt.Printf("reminder %d now due %s\n", r.ID, r.DueAtUTC.Format(time.RFC3339))

	case "remind-cancel":
		fs := flag.NewFlagSet("remind-cancel", flag.ExitOnError)
		user := fs.Int64("user", 0, "user id")
		id := fs.Int64("id", 0, "reminder id")
		_ = fs.Parse(rest)
		if *user == 0 || *id == 0 {
			fmt.Fprintln(os.Stderr, "need -user and -id")
			os.Exit(1)
		}
		if _, err := remindSvc.Cancel(ctx, *user, *id); err != nil {
			fail(err)
		}
		fmt.Printf("reminder %d cancelled\n", *id)

	case "event-add":
		fs := flag.NewFlagSet("event-add", flag.ExitOnError)
		user := fs.Int64("user", 0, "user id")
		title := fs.String("title", "", "title")
		start := fs.String("start", "", "start wall time")
		end := fs.String("end", "", "end wall time (default start+1h)")
		tz := fs.String("tz", "", "IANA timezone (default UTC)")
		rule := fs.String("rule", "", "recurrence rule")
		location := fs.String("location", "", "location")
		_ = fs.Parse(rest)
		if *user == 0 || *title == "" || *start == "" {
			fmt.Fprintln(os.Stderr, "need -user, -title and -start")
			os.Exit(1)
		}
		startsAt, err := parseLocal(*start, *tz)
		if err != nil {
			fail(err)
		}
		var endsAt time.Time
		if *end != "" {
			if endsAt, err = parseLocal(*end, *tz); err != nil {
				fail(err)
			}
		}
		ev, err := calSvc.Create(ctx, *user, calendar.CreateInput{
			Title:    *title,
			StartsAt: startsAt,
			EndsAt:   endsAt,
			Timezone: *tz,
			RRule:    *rule,
			Location: *location,
		})
		if err != nil {
			fail(err)
		}
		fmt.Printf("event %d starts %s\n", ev.ID, ev.StartsAt.Format(time.RFC3339))

	case "event-list":
		fs := flag.NewFlagSet("event-list", flag.ExitOnError)
		user := fs.Int64("user", 0, "user id")
		from := fs.String("from", "", "window start date")
		to := fs.String("to", "", "window end date, inclusive")
		_ = fs.Parse(rest)
		if *user == 0 || *from == "" || *to == "" {
			fmt.Fprintln(os.Stderr, "need -user, -from and -to")
			os.Exit(1)
		}
		fromDay, err := parseDay(*from)
		if err != nil {
			fail(err)
		}
		toDay, err := parseDay(*to)
		if err != nil {
			fail(err)
		}
		instances, err := calSvc.List(ctx, *user, fromDay, toDay.AddDate(0, 0, 1), "")
		if err != nil {
			fail(err)
		}
		for _, in := range instances {
			mark := " "
			if in.Recurring {
				mark = "R"
			}
			fmt.Printf("%d\t%s\t%s  %s %s\n", in.ID, in.Status, mark, in.InstanceStart.Format(time.RFC3339), in.Title)
		}

	case "event-cancel":
		fs := flag.NewFlagSet("event-cancel", flag.ExitOnError)
		user := fs.Int64("user", 0, "user id")
		id := fs.Int64("id", 0, "event id")
		_ = fs.Parse(rest)
		if *user == 0 || *id == 0 {
			fmt.Fprintln(os.Stderr, "need -user and -id")
			os.Exit(1)
		}
		if _, err := calSvc.Cancel(ctx, *user, *id); err != nil {
			fail(err)
		}
		fmt.Printf("event %d cancelled\n", *id)

	case "link":
		fs := flag.NewFlagSet("link", flag.ExitOnError)
		user := fs.Int64("user", 0, "user id")
		reminderID := fs.Int64("reminder", 0, "reminder id")
		eventID := fs.Int64("event", 0, "event id")
		_ = fs.Parse(rest)
		if *user == 0 || *reminderID == 0 || *eventID == 0 {
			fmt.Fprintln(os.Stderr, "need -user, -reminder and -event")
			os.Exit(1)
		}
		if _, err := calSvc.Link(ctx, *user, *reminderID, *eventID); err != nil {
			fail(err)
		}
		fmt.Printf("reminder %d linked to event %d\n", *reminderID, *eventID)

	case "unlink":
		fs := flag.NewFlagSet("unlink", flag.ExitOnError)
		user := fs.Int64("user", 0, "user id")
		reminderID := fs.Int64("reminder", 0, "reminder id")
		_ = fs.Parse(rest)
		if *user == 0 || *reminderID == 0 {
			fmt.Fprintln(os.Stderr, "need -user and -reminder")
			os.Exit(1)
		}
		if _, err := calSvc.Unlink(ctx, *user, *reminderID); err != nil {
			fail(err)
		}
		fmt.Printf("reminder %d unlinked\n", *reminderID)

	case "sync-connect":
		fs := flag.NewFlagSet("sync-connect", flag.ExitOnError)
		user := fs.Int64("user", 0, "user id")
		_ = fs.Parse(rest)
		if *user == 0 {
			fmt.Fprintln(os.Stderr, "need -user")
			os.Exit(1)
		}
		url, err := newSyncService(db, clk, sched, logger).Connect(*user)
		if err != nil {
			fail(err)
		}
		fmt.Println(url)

	case "sync-callback":
		fs := flag.NewFlagSet("sync-callback", flag.ExitOnError)
		state := fs.String("state", "", "state token from the redirect")
		code := fs.String("code", "", "authorization code from the redirect")
		_ = fs.Parse(rest)
		if *state == "" || *code == "" {
			fmt.Fprintln(os.Stderr, "need -state and -code")
			os.Exit(1)
		}
		userID, err := newSyncService(db, clk, sched, logger).Callback(ctx, *state, *code)
		if err != nil {
			fail(err)
		}
		fmt.Printf("user %d connected\n", userID)

	case "sync-status":
		fs := flag.NewFlagSet("sync-status", flag.ExitOnError)
		user := fs.Int64("user", 0, "user id")
		_ = fs.Parse(rest)
		if *user == 0 {
			fmt.Fprintln(os.Stderr, "need -user")
			os.Exit(1)
		}
		st, err := newSyncService(db, clk, sched, logger).Status(*user)
		if err != nil {
			fail(err)
		}
		if !st.Connected {
			fmt.Println("not connected")
			return
		}
		s := st.State
		fmt.Printf("connected\tenabled=%t\tdirection=%s\tcalendar=%s\n", s.SyncEnabled, s.SyncDirection, s.GoogleCalendarID)
		if s.LastSyncAt != nil {
			fmt.Printf("last sync\t%s\n", s.LastSyncAt.Format(time.RFC3339))
		}

	case "sync-now":
		fs := flag.NewFlagSet("sync-now", flag.ExitOnError)
		user := fs.Int64("user", 0, "user id")
		_ = fs.Parse(rest)
		if *user == 0 {
			fmt.Fprintln(os.Stderr, "need -user")
			os.Exit(1)
		}
		if err := newSyncService(db, clk, sched, logger).TriggerManualSync(ctx, *user); err != nil {
			fail(err)
		}
		fmt.Println("sync queued")

	case "sync-set":
		fs := flag.NewFlagSet("sync-set", flag.ExitOnError)
		user := fs.Int64("user", 0, "user id")
		enabled := fs.Bool("enabled", true, "enable sync")
		direction := fs.String("direction", string(model.SyncTwoWay), "one_way or two_way")
		_ = fs.Parse(rest)
		if *user == 0 {
			fmt.Fprintln(os.Stderr, "need -user")
			os.Exit(1)
		}
		st, err := newSyncService(db, clk, sched, logger).UpdateSettings(*user, *enabled, model.SyncDirection(*direction))
		if err != nil {
			fail(err)
		}
		fmt.Printf("enabled=%t\tdirection=%s\n", st.SyncEnabled, st.SyncDirection)

	case "sync-off":
		fs := flag.NewFlagSet("sync-off", flag.ExitOnError)
		user := fs.Int64("user", 0, "user id")
		_ = fs.Parse(rest)
		if *user == 0 {
			fmt.Fprintln(os.Stderr, "need -user")
			os.Exit(1)
		}
		if err := newSyncService(db, clk, sched, logger).Disconnect(ctx, *user); err != nil {
			fail(err)
		}
		fmt.Println("disconnected")

	case "backup-list":
		fs := flag.NewFlagSet("backup-list", flag.ExitOnError)
		n := fs.Int("n", 10, "how many runs to show")
		_ = fs.Parse(rest)
		runs, err := store.NewBackupStore(db).List(*n)
		if err != nil {
			fail(err)
		}
		for _, run := range runs {
			fmt.Printf("%d\t%s\t%s\t%d bytes\t%s\n", run.ID, run.Status, run.CreatedAt.Format(time.RFC3339), run.SizeBytes, run.S3Key)
		}

	case "backup-run":
		id, err := newBackupManager(db, clk, sched, logger).Run(ctx)
		if err != nil {
			fail(err)
		}
		fmt.Printf("backup %d uploaded\n", id)

	case "backup-restore":
		fs := flag.NewFlagSet("backup-restore", flag.ExitOnError)
		id := fs.Int64("id", 0, "backup run id")
		to := fs.String("to", "", "destination file")
		_ = fs.Parse(rest)
		if *id == 0 || *to == "" {
			fmt.Fprintln(os.Stderr, "need -id and -to")
			os.Exit(1)
		}
		mgr := newBackupManager(db, clk, sched, logger)
		if err := mgr.Restore(ctx, *id, *to, os.Getenv("CHIME_BACKUP_PASSPHRASE")); err != nil {
			fail(err)
		}
		fmt.Printf("restored to %s\n", *to)

	default:
		usage()
	}
}
