// Package maintenance runs the background jobs of the engine on cron schedules: cold archival
// of old memory records and pre-warming of strategic insights for active conversations.
//
// Every run leaves a maintenance marker in the fact graph for each user it touched. Markers
// live in a reserved category that context assembly never reads.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oceanbase/powerfuse-go/pkg/archive"
	"github.com/oceanbase/powerfuse-go/pkg/insight"
	"github.com/oceanbase/powerfuse-go/pkg/storage"
)

// Job names, also used as maintenance marker entities.
const (
	JobArchive = "archive"
	JobPrewarm = "prewarm"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ValidateSpec reports whether spec is a valid schedule.
func ValidateSpec(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

// Sweeper archives old records.
type Sweeper interface {
	Sweep(ctx context.Context) (archive.Result, error)
}

// Refresher recomputes insights.
type Refresher interface {
	Refresh(ctx context.Context, userID, agentID string, kinds ...insight.Kind) error
}

// Marker records maintenance runs.
type Marker interface {
	MarkMaintenance(ctx context.Context, userID, job string) error
}

// Observer receives one call per job run.
type Observer interface {
	ObserveMaintenance(job string, err error)
}

// Config holds the job schedules. A job with an empty spec only runs through RunNow.
type Config struct {
	// ArchiveSpec defaults to "@daily".
	ArchiveSpec string `json:"archive_spec"`

	// PrewarmSpec defaults to "@every 15m".
	PrewarmSpec string `json:"prewarm_spec"`

	// PrewarmWindow selects the pairs active within it (default 24h).
	PrewarmWindow time.Duration `json:"prewarm_window"`

	// RunTimeout bounds one job run (default 10m).
	RunTimeout time.Duration `json:"run_timeout"`
}

// DefaultConfig returns the default schedules.
func DefaultConfig() Config {
	return Config{
		ArchiveSpec:   "@daily",
		PrewarmSpec:   "@every 15m",
		PrewarmWindow: 24 * time.Hour,
		RunTimeout:    10 * time.Minute,
	}
}

// Deps are the collaborators of the jobs. A job whose collaborator is nil is not scheduled.
type Deps struct {
	Archiver Sweeper
	Insights Refresher
	Activity *ActivityLog
	Marker   Marker
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cfg      Config
	deps     Deps
	cron     *cron.Cron
	jobs     map[string]func(context.Context) error
	logger   *slog.Logger
	observer Observer

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver reports every run, e.g. to metrics.
func WithObserver(obs Observer) Option {
	return func(s *Scheduler) { s.observer = obs }
}

// New creates a scheduler and registers the configured jobs. Call Start to run them.
func New(cfg Config, deps Deps, opts ...Option) (*Scheduler, error) {
	if cfg.PrewarmWindow <= 0 {
		cfg.PrewarmWindow = DefaultConfig().PrewarmWindow
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultConfig().RunTimeout
	}

	s := &Scheduler{
		cfg:     cfg,
		deps:    deps,
		jobs:    make(map[string]func(context.Context) error),
		logger:  slog.Default(),
		lastRun: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})),
	)

	if deps.Archiver != nil {
		if err := s.add(JobArchive, cfg.ArchiveSpec, s.runArchive); err != nil {
			return nil, err
		}
	}
	if deps.Insights != nil && deps.Activity != nil {
		if err := s.add(JobPrewarm, cfg.PrewarmSpec, s.runPrewarm); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, run func(context.Context) error) error {
	s.jobs[name] = run
	if spec == "" {
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		_ = s.RunNow(context.Background(), name)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs the scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// LastRun returns when a job last finished in this process.
func (s *Scheduler) LastRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastRun[name]
	return at, ok
}

// RunNow runs one job synchronously under the run timeout.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	run, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown maintenance job %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	err := run(ctx)
	s.mu.Lock()
	s.lastRun[name] = time.Now()
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.ObserveMaintenance(name, err)
	}
	if err != nil {
		s.logger.Error("maintenance job failed", "job", name, "duration", time.Since(start), "error", err)
	} else {
		s.logger.Debug("maintenance job finished", "job", name, "duration", time.Since(start))
	}
	return err
}

func (s *Scheduler) runArchive(ctx context.Context) error {
	res, err := s.deps.Archiver.Sweep(ctx)
	markErr := s.mark(ctx, JobArchive, res.Scopes)
	return errors.Join(err, markErr)
}

func (s *Scheduler) runPrewarm(ctx context.Context) error {
	scopes := s.deps.Activity.Active(s.cfg.PrewarmWindow)
	var errs []error
	var warmed []storage.Scope
	for _, scope := range scopes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.deps.Insights.Refresh(ctx, scope.UserID, scope.AgentID); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", scope.UserID, scope.AgentID, err))
			continue
		}
		warmed = append(warmed, scope)
	}
	errs = append(errs, s.mark(ctx, JobPrewarm, warmed))
	return errors.Join(errs...)
}

// mark writes one marker per distinct user.
func (s *Scheduler) mark(ctx context.Context, job string, scopes []storage.Scope) error {
	if s.deps.Marker == nil {
		return nil
	}
	done := make(map[string]bool)
	var errs []error
	for _, scope := range scopes {
		if done[scope.UserID] {
			continue
		}
		done[scope.UserID] = true
		if err := s.deps.Marker.MarkMaintenance(ctx, scope.UserID, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
