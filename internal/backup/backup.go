// Package backup takes encrypted snapshots of the SQLite database and ships
// them to S3-compatible storage. Runs are driven through the durable timer
// registry, audited in the backup_runs table, and pruned by age.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	_ "modernc.org/sqlite"

	"github.com/dukerupert/chime/internal/model"
	"github.com/dukerupert/chime/internal/schedule"
	"github.com/dukerupert/chime/internal/store"
)

// jobKey is the dedup key of the single recurring snapshot job.
const jobKey = "daily"

// s3Client is the narrow S3 surface the manager drives.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Config holds backup configuration. Snapshots are disabled unless the S3
// target and the passphrase are both set.
type Config struct {
	S3            S3Config
	Passphrase    string
	Hour          int
	RetentionDays int
}

// State represents the backup subsystem state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

// Status holds the current backup status.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
	InProgress bool       `json:"in_progress"`
}

// Manager runs encrypted snapshot uploads.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	status Status

	db      *sql.DB
	backups *store.BackupStore
	sched   schedule.Client
	client  s3Client
	clk     clock.Clock
	logger  *slog.Logger
}

func NewManager(cfg Config, db *sql.DB, backups *store.BackupStore, sched schedule.Client, clk clock.Clock, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		db:      db,
		backups: backups,
		sched:   sched,
		clk:     clk,
		logger:  logger.With("component", "backup"),
		status:  Status{State: StateDisabled},
	}

	if cfg.S3.Bucket != "" && cfg.S3.AccessKey != "" && cfg.S3.SecretKey != "" && cfg.Passphrase != "" {
		m.client = newS3Client(cfg.S3)
		m.status.State = StateIdle
	}

	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Enabled reports whether snapshot uploads are configured.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil
}

// Status returns the current backup status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// ScheduleNext registers the next daily run in the timer registry. The job is
// keyed, so calling this on every start moves the pending run instead of
// stacking duplicates.
func (m *Manager) ScheduleNext(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}
	return m.sched.ScheduleAt(ctx, schedule.KindBackup, jobKey, m.nextRun(m.clk.Now().UTC()))
}

func (m *Manager) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), m.cfg.Hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// HandleRun executes backup.run jobs. Failures are logged and recorded on the
// run row; the next nightly run is scheduled either way.
func (m *Manager) HandleRun(ctx context.Context, _ model.Job) error {
	if _, err := m.Run(ctx); err != nil {
		m.logger.Error("scheduled backup failed", "error", err)
	}
	if err := m.Cleanup(ctx); err != nil {
		m.logger.Error("backup retention cleanup failed", "error", err)
	}
	return m.ScheduleNext(ctx)
}

// Run snapshots the live database, encrypts the copy, and uploads it. Returns
// the backup_runs row id.
func (m *Manager) Run(ctx context.Context) (int64, error) {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	passphrase := m.cfg.Passphrase
	m.mu.RUnlock()

	if client == nil {
		return 0, fmt.Errorf("backup not configured")
	}

	m.setStatus(Status{State: StateRunning, InProgress: true})

	now := m.clk.Now().UTC()
	filename := fmt.Sprintf("chime-%s-%s.db.enc", now.Format("20060102T150405Z"), uuid.NewString())
	s3Key := "snapshots/" + filename

	record, err := m.backups.Create(filename, s3Key)
	if err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return 0, fmt.Errorf("create backup run: %w", err)
	}

	m.backups.UpdateStatus(record.ID, model.BackupStatusUploading, "")

	tmpDir := os.TempDir()
	snapshot := filepath.Join(tmpDir, fmt.Sprintf("chime-snapshot-%d.db", record.ID))
	encFile := filepath.Join(tmpDir, fmt.Sprintf("chime-snapshot-%d.db.enc", record.ID))
	// VACUUM INTO refuses to overwrite a file a failed run left behind.
	os.Remove(snapshot)
	defer os.Remove(snapshot)
	defer os.Remove(encFile)

	if _, err := m.db.ExecContext(ctx, "VACUUM INTO ?", snapshot); err != nil {
		return 0, m.fail(record.ID, fmt.Errorf("snapshot database: %w", err))
	}

	if err := EncryptFile(snapshot, encFile, passphrase); err != nil {
		return 0, m.fail(record.ID, fmt.Errorf("encrypt snapshot: %w", err))
	}

	encData, err := os.Open(encFile)
	if err != nil {
		return 0, m.fail(record.ID, fmt.Errorf("open encrypted snapshot: %w", err))
	}
	defer encData.Close()

	stat, err := encData.Stat()
	if err != nil {
		return 0, m.fail(record.ID, fmt.Errorf("stat encrypted snapshot: %w", err))
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(s3Key),
		Body:          encData,
		ContentLength: aws.Int64(stat.Size()),
	})
	if err != nil {
		return 0, m.fail(record.ID, fmt.Errorf("upload snapshot: %w", err))
	}

	m.backups.UpdateCompleted(record.ID, stat.Size())

	completed := m.clk.Now().UTC()
	m.setStatus(Status{State: StateIdle, LastBackup: &completed})
	m.logger.Info("backup uploaded", "key", s3Key, "bytes", stat.Size())

	return record.ID, nil
}

// fail records the error on the run row and in the manager status.
func (m *Manager) fail(recordID int64, err error) error {
	m.backups.UpdateStatus(recordID, model.BackupStatusFailed, err.Error())
	m.setStatus(Status{State: StateError, Error: err.Error()})
	return err
}

// Restore downloads a snapshot, decrypts it, and writes the verified database
// to dstPath. Swapping the restored file in and restarting is the operator's
// move; the live database is never touched.
func (m *Manager) Restore(ctx context.Context, backupID int64, dstPath, passphrase string) error {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	m.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("backup not configured")
	}

	record, err := m.backups.GetByID(backupID)
	if err != nil {
		return fmt.Errorf("get backup run: %w", err)
	}
	if record == nil {
		return fmt.Errorf("backup %d not found", backupID)
	}

	tmpDir := os.TempDir()
	encFile := filepath.Join(tmpDir, fmt.Sprintf("chime-restore-%d.db.enc", backupID))
	decFile := filepath.Join(tmpDir, fmt.Sprintf("chime-restore-%d.db", backupID))
	defer os.Remove(encFile)
	defer os.Remove(decFile)

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(record.S3Key),
	})
	if err != nil {
		return fmt.Errorf("download snapshot: %w", err)
	}
	defer result.Body.Close()

	outFile, err := os.Create(encFile)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(outFile, result.Body); err != nil {
		outFile.Close()
		return fmt.Errorf("write downloaded snapshot: %w", err)
	}
	outFile.Close()

	if err := DecryptFile(encFile, decFile, passphrase); err != nil {
		return fmt.Errorf("decrypt snapshot: %w", err)
	}

	// Refuse to hand over a corrupt database.
	tmpDB, err := sql.Open("sqlite", decFile)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	var integrity string
	if err := tmpDB.QueryRow("PRAGMA integrity_check").Scan(&integrity); err != nil {
		tmpDB.Close()
		return fmt.Errorf("integrity check: %w", err)
	}
	tmpDB.Close()
	if integrity != "ok" {
		return fmt.Errorf("integrity check failed: %s", integrity)
	}

	if err := copyFile(decFile, dstPath); err != nil {
		return fmt.Errorf("write restored database: %w", err)
	}

	m.logger.Info("snapshot restored", "backup_id", backupID, "path", dstPath)
	return nil
}

// Cleanup deletes runs older than the retention period and their uploads.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	days := m.cfg.RetentionDays
	m.mu.RUnlock()

	if client == nil {
		return nil
	}
	if days <= 0 {
		days = 30
	}

	before := m.clk.Now().UTC().AddDate(0, 0, -days)
	keys, err := m.backups.DeleteOlderThan(before)
	if err != nil {
		return fmt.Errorf("delete old backup runs: %w", err)
	}

	for _, key := range keys {
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}); err != nil {
			m.logger.Error("delete expired snapshot", "key", key, "error", err)
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
