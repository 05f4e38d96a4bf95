package backup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/perr"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/validation"
)

const (
	filePrefix      = "school-tt-bot"
	fileSuffix      = ".dump"
	timestampLayout = "20060102T150405Z"
)

// commandRunner executes one external command and returns its combined
// output. Swappable so tests don't need a postgres install.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Service dumps the database on a fixed schedule and prunes dumps older
// than the retention window. Dumps use pg_dump's custom format, which is
// compressed and feeds straight into pg_restore.
type Service struct {
	logger    zerolog.Logger
	clock     clockwork.Clock
	scheduler gocron.Scheduler
	runner    commandRunner

	databaseURL string
	dir         string
	pgDump      string
	interval    time.Duration
	retention   time.Duration
	timeout     time.Duration
}

type Options struct {
	// DatabaseURL is passed to pg_dump verbatim; never log it.
	DatabaseURL string `validate:"required,startswith=postgres"`
	Dir         string `validate:"required"`
	PgDump      string `default:"pg_dump" validate:"required"`

	Interval  time.Duration `default:"24h" validate:"min=600000000000"`   // >= 10min
	Retention time.Duration `default:"168h" validate:"min=3600000000000"` // >= 1h
	// Timeout bounds one pg_dump run.
	Timeout time.Duration `default:"10m" validate:"min=60000000000"` // >= 1min

	Runner commandRunner
	Clock  clockwork.Clock
	Logger zerolog.Logger
}

func NewService(options Options) (*Service, error) {
	errorb := oops.
		In("backup service").
		Code(perr.ECONFIG)

	if err := defaults.Set(&options); err != nil {
		return nil, errorb.Wrapf(err, "failed to set defaults")
	}
	if err := validation.Instance.Struct(&options); err != nil {
		return nil, errorb.Wrapf(err, "failed to validate")
	}

	if options.Runner == nil {
		options.Runner = execRunner
	}
	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, errorb.Wrapf(err, "failed to create scheduler")
	}

	service := &Service{
		logger:      options.Logger,
		clock:       options.Clock,
		scheduler:   scheduler,
		runner:      options.Runner,
		databaseURL: options.DatabaseURL,
		dir:         options.Dir,
		pgDump:      options.PgDump,
		interval:    options.Interval,
		retention:   options.Retention,
		timeout:     options.Timeout,
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(options.Interval),
		gocron.NewTask(func(s *Service) {
			s.run()
		}, service))
	if err != nil {
		return nil, errorb.Wrapf(err, "failed to schedule backup job")
	}

	return service, nil
}

func (s *Service) Start(_ context.Context) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("failed to create backup dir %s: %w", s.dir, err)
	}

	s.scheduler.Start()
	s.logger.Info().
		Str("dir", s.dir).
		Dur("interval", s.interval).
		Dur("retention", s.retention).
		Msg("backup schedule started")
	return nil
}

func (s *Service) Stop(_ context.Context) {
	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Error().Err(err).Msg("failed to shut down backup scheduler")
	}
}

func (s *Service) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.Backup(ctx); err != nil {
		s.logger.Error().Err(err).Msg("scheduled backup failed")
	}
	if err := s.SweepExpired(); err != nil {
		s.logger.Error().Err(err).Msg("backup retention sweep failed")
	}
}

// Backup writes one timestamped dump into the backup directory.
func (s *Service) Backup(ctx context.Context) error {
	started := s.clock.Now()
	name := fmt.Sprintf("%s-%s%s", filePrefix, started.UTC().Format(timestampLayout), fileSuffix)
	path := filepath.Join(s.dir, name)

	output, err := s.runner(ctx, s.pgDump, "--format=custom", "--compress=6", "--file="+path, s.databaseURL)
	if err != nil {
		return fmt.Errorf("pg_dump failed: %w: %s", err, strings.TrimSpace(string(output)))
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("dump file missing after pg_dump: %w", err)
	}

	s.logger.Info().
		Str("file", name).
		Int64("bytes", info.Size()).
		Dur("took", s.clock.Since(started)).
		Msg("database backup written")
	return nil
}

// SweepExpired removes dumps whose modification time fell out of the
// retention window. Foreign files in the directory are left alone.
func (s *Service) SweepExpired() error {
	cutoff := s.clock.Now().Add(-s.retention)

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to list backup dir %s: %w", s.dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("failed to stat backup")
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("failed to remove expired backup")
			continue
		}
		s.logger.Info().Str("file", name).Msg("expired backup removed")
	}
	return nil
}
