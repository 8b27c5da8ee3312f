package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/3mdistal/ralph/internal/alert"
	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/internal/control"
	"github.com/3mdistal/ralph/internal/escalate"
	"github.com/3mdistal/ralph/internal/hosting"
	"github.com/3mdistal/ralph/internal/lock"
	"github.com/3mdistal/ralph/internal/paths"
	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/internal/sched"
	"github.com/3mdistal/ralph/internal/store"
	"github.com/3mdistal/ralph/internal/throttle"
	"github.com/3mdistal/ralph/internal/version"
	"github.com/3mdistal/ralph/internal/worker"
)

const heartbeatInterval = 30 * time.Second

var (
	daemonLogPath    string
	daemonForeground bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestrator daemon",
	Long: `Run the orchestrator daemon in the foreground.

The daemon acquires the single-instance lock, registers itself in the
daemon registry, and schedules tasks across the configured repositories
until it receives SIGTERM or SIGINT.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonLogPath, "log", "", "Daemon log file (default <control-root>/daemon.log)")
	daemonCmd.Flags().BoolVar(&daemonForeground, "foreground", true, "Run in the foreground")
	rootCmd.AddCommand(daemonCmd)
}

// stdLogger adapts the stdlib logger to the Logf interfaces used across
// internal packages.
type stdLogger struct{ l *log.Logger }

func (s stdLogger) Logf(format string, args ...interface{}) { s.l.Printf(format, args...) }

func runDaemon() error {
	if !daemonForeground {
		return fmt.Errorf("background mode is not supported; run under a service manager")
	}
	controlRoot, err := paths.EnsureControlRoot()
	if err != nil {
		return err
	}
	daemonID := uuid.NewString()

	lk, err := lock.Acquire(controlRoot, daemonID)
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()

	logPath := daemonLogPath
	if logPath == "" {
		logPath = filepath.Join(controlRoot, "daemon.log")
	}
	logger := stdLogger{log.New(&lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10, // MB
		MaxBackups: 3,
		Compress:   true,
	}, "", log.LstdFlags|log.LUTC)}
	logger.Logf("daemon %s starting (pid %d, version %s)", daemonID, os.Getpid(), version.Version)

	ctx, cancel := signal.NotifyContext(context.Background(), unix.SIGTERM, unix.SIGINT)
	defer cancel()

	dbPath, err := paths.StateDBPath()
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	registry := lock.NewRegistry(controlRoot)
	if err := registry.Register(lock.RegistryRecord{
		DaemonID:    daemonID,
		PID:         os.Getpid(),
		Version:     version.Version,
		ControlRoot: controlRoot,
		StateDBPath: dbPath,
		LogPath:     logPath,
		StartedAt:   time.Now().UTC(),
		HeartbeatAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("failed to register daemon: %w", err)
	}
	defer func() { _ = registry.Unregister(os.Getpid()) }()

	controlPath, _, err := control.Find()
	if err != nil {
		return err
	}
	watcher := control.NewWatcher(controlPath, config.GetDuration("poll-interval"), logger, func(f control.File) {
		logger.Logf("control file: mode=%s profile=%s", f.Mode, f.DefaultProfile)
	})
	watcher.Start(ctx)
	defer func() { _ = watcher.Close() }()

	engine, selector, err := buildThrottle()
	if err != nil {
		return err
	}

	queueDir := config.GetString("queue-dir")
	if queueDir == "" {
		queueDir = filepath.Join(controlRoot, "queue")
	}
	q, err := queue.Open(queueDir)
	if err != nil {
		return err
	}

	repos, err := config.Repos()
	if err != nil {
		return err
	}
	client := hosting.NewSharedClient(
		hosting.NewGitHubClient(config.GetString("hosting.base-url"), config.GetString("hosting.token")),
		config.GetInt("hosting.max-inflight"),
		config.GetInt("hosting.max-inflight-writes"),
	)

	d := &daemon{
		store:     st,
		queue:     q,
		client:    client,
		watcher:   watcher,
		engine:    engine,
		selector:  selector,
		scheduler: sched.New(),
		workers:   make(map[string]*worker.Worker),
		alerts:    alert.NewWriter(st, client, logger),
		autopilot: escalate.NewAutopilot(st, config.GetInt("autopilot.max-attempts"), logger),
		log:       logger,
	}
	d.autopilot.Apply = d.applyResolution
	if consultant, err := escalate.NewConsultant("", config.GetString("autopilot.consultant-model")); err == nil {
		d.consultant = consultant
	} else {
		logger.Logf("escalation consultant disabled: %v", err)
	}
	if err := d.configureRepos(repos); err != nil {
		return err
	}

	logger.Logf("daemon ready: %d repos, control=%s, db=%s", len(repos), controlPath, dbPath)
	d.run(ctx, registry)
	logger.Logf("daemon %s stopped", daemonID)
	return nil
}

type daemon struct {
	store      *store.Store
	queue      *queue.Queue
	client     hosting.Client
	watcher    *control.Watcher
	engine     *throttle.Engine
	selector   *throttle.Selector
	scheduler  *sched.Scheduler
	workers    map[string]*worker.Worker
	alerts     *alert.Writer
	autopilot  *escalate.Autopilot
	consultant *escalate.Consultant
	log        stdLogger

	// drainDeadline bounds how long a draining daemon waits for in-flight
	// tasks. Zero while not draining.
	drainDeadline time.Time
}

// configureRepos builds one worker per repo and hands the band/slot maps to
// the scheduler.
func (d *daemon) configureRepos(repos []config.RepoConfig) error {
	bands := make(map[string]int, len(repos))
	slots := make(map[string]int, len(repos))
	for _, rc := range repos {
		bands[rc.Name] = rc.Band()
		slots[rc.Name] = rc.Slots()

		ws := worker.NewGitWorkspace(rc.Path, filepath.Join(rc.Path+"-worktrees"), rc.BotBranch)
		w, err := worker.New(worker.Config{
			Repo:              rc.Name,
			RepoRoot:          rc.Path,
			BotBranch:         rc.BotBranch,
			DefaultBranch:     rc.DefaultBranch,
			Store:             d.store,
			Queue:             d.queue,
			Client:            d.client,
			Workspace:         ws,
			Agent:             newAdvisoryRunner(d.queue, d.log),
			Log:               d.log,
			CheckWait:         config.GetDuration("ci.wait-timeout"),
			TriageMaxAttempts: config.GetInt("ci.triage-max-attempts"),
			Checkpoint:        d.checkpoint,
		})
		if err != nil {
			return err
		}
		d.workers[rc.Name] = w
	}
	d.scheduler.Configure(bands, slots)
	return nil
}

// run is the dispatch loop: every poll interval it advances the scheduler
// and starts work where the control mode, throttle state, and slot caps
// allow it.
func (d *daemon) run(ctx context.Context, registry *lock.Registry) {
	ticker := time.NewTicker(config.GetDuration("poll-interval"))
	defer ticker.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(5 * time.Minute)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := registry.Heartbeat(os.Getpid()); err != nil {
				d.log.Logf("heartbeat failed: %v", err)
			}
		case <-sweep.C:
			d.sweepEscalations(ctx)
			d.sweepBlockedAlerts(ctx)
			d.sweepLabelParity(ctx)
		case <-ticker.C:
			if d.drainStop(d.watcher.Current(), time.Now()) {
				d.log.Logf("drain complete; shutting down")
				return
			}
			d.dispatch(ctx)
		}
	}
}

// drainStop tracks drain progress on each tick. It reports true when the
// daemon should exit: draining with no in-flight tasks, or past the drain
// deadline. Leaving drain mode resets the deadline.
func (d *daemon) drainStop(f control.File, now time.Time) bool {
	if f.Mode != control.ModeDraining {
		d.drainDeadline = time.Time{}
		return false
	}
	if d.drainDeadline.IsZero() {
		timeout := time.Duration(f.DrainTimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = time.Duration(config.GetInt("drain-timeout-ms")) * time.Millisecond
		}
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		d.drainDeadline = now.Add(timeout)
		d.log.Logf("draining: waiting up to %s for %d in-flight tasks", timeout, d.inFlight())
	}
	if d.inFlight() == 0 {
		return true
	}
	return now.After(d.drainDeadline)
}

// inFlight counts tasks currently holding scheduler slots.
func (d *daemon) inFlight() int {
	n := 0
	for repo := range d.workers {
		n += d.scheduler.InUse(repo)
	}
	return n
}

// sweepEscalations asks the consultant about each escalated task and lets
// the autopilot apply eligible resolutions.
func (d *daemon) sweepEscalations(ctx context.Context) {
	if d.consultant == nil {
		return
	}
	tasks, err := d.queue.List()
	if err != nil {
		d.log.Logf("escalation sweep: queue read failed: %v", err)
		return
	}
	for _, task := range tasks {
		if task.Status != queue.StatusEscalated {
			continue
		}
		_, note, err := d.consultant.Consult(ctx, escalate.EscalationContext{
			TaskRef:   task.Ref(),
			Reason:    task.BlockedReason,
			Signature: fmt.Sprintf("%s:%s", task.BlockedSource, task.BlockedReason),
		})
		if err != nil {
			d.log.Logf("consultant failed for %s: %v", task.Ref(), err)
			continue
		}
		out, err := d.autopilot.Resolve(ctx, task, note)
		if err != nil {
			d.log.Logf("autopilot failed for %s: %v", task.Ref(), err)
			continue
		}
		if out.Applied {
			if err := d.queue.Save(task); err != nil {
				d.log.Logf("failed to save %s after resolution: %v", task.Ref(), err)
			}
		} else if out.Reason != "" {
			d.log.Logf("autopilot skipped %s: %s", task.Ref(), out.Reason)
		}
	}
}

// applyResolution is the autopilot's side effect: requeue the task so the
// scheduler picks it up again.
func (d *daemon) applyResolution(ctx context.Context, task *queue.Task, decision escalate.Decision) error {
	return task.Transition(queue.StatusQueued)
}

// sweepBlockedAlerts posts one marker-deduped comment per blocked task so
// the operator sees the block on the issue itself.
func (d *daemon) sweepBlockedAlerts(ctx context.Context) {
	tasks, err := d.queue.List()
	if err != nil {
		d.log.Logf("alert sweep: queue read failed: %v", err)
		return
	}
	for _, task := range tasks {
		if task.Status != queue.StatusBlocked {
			continue
		}
		a := alert.Alert{
			ID:           fmt.Sprintf("blocked-%s-%d", task.Repo, task.Issue),
			Repo:         task.Repo,
			TargetType:   "issue",
			TargetNumber: task.Issue,
			Fingerprint:  fmt.Sprintf("blocked:%s:%s", task.Ref(), task.BlockedSource),
			Body: fmt.Sprintf("ralph has blocked this task.\n\nSource: `%s`\nReason: %s",
				task.BlockedSource, task.BlockedReason),
		}
		if _, err := d.alerts.Deliver(ctx, a); err != nil {
			d.log.Logf("alert delivery failed for %s: %v", task.Ref(), err)
		}
	}
}

// sweepLabelParity audits upstream labels against the local queue view and
// reports drift. Read-only; the next writeback reconciles.
func (d *daemon) sweepLabelParity(ctx context.Context) {
	for repo := range d.workers {
		tasks, err := d.queue.ForRepo(repo)
		if err != nil {
			d.log.Logf("parity sweep: queue read failed for %s: %v", repo, err)
			continue
		}
		statuses := make(map[int]string, len(tasks))
		for _, t := range tasks {
			statuses[t.Issue] = t.Status
		}
		report, err := worker.AuditLabelParity(ctx, d.client, repo, statuses)
		if err != nil {
			d.log.Logf("parity sweep failed for %s: %v", repo, err)
			continue
		}
		if len(report.Drifted) > 0 {
			d.log.Logf("label parity: %s has %d drifted of %d checked", repo, len(report.Drifted), report.Checked)
			for _, drift := range report.Drifted {
				d.log.Logf("  issue %d status=%s missing label %s", drift.Issue, drift.Status, drift.WantLabel)
			}
		}
	}
}

// dispatch starts at most one task per tick.
func (d *daemon) dispatch(ctx context.Context) {
	mode := d.watcher.Current().Mode
	if mode != control.ModeRunning {
		return
	}

	profile, err := d.selector.Pick()
	if err != nil {
		d.log.Logf("profile selection failed: %v", err)
		return
	}
	if profile != "" {
		decision, err := d.engine.Check(profile)
		if err != nil {
			d.log.Logf("throttle check failed: %v", err)
			return
		}
		if decision.State == throttle.StateHard {
			d.log.Logf("hard throttled until %s; no new tasks", decision.ResumeAt.Format(time.RFC3339))
			return
		}
	}

	for range d.workers {
		repo, ok := d.scheduler.Next()
		if !ok {
			return
		}
		task := d.nextTask(repo)
		if task == nil {
			continue
		}
		if !d.scheduler.TryAcquire(repo) {
			continue
		}
		w := d.workers[repo]
		go func(task *queue.Task) {
			defer d.scheduler.Release(repo)
			if err := w.RunTask(ctx, task); err != nil {
				d.log.Logf("task %s failed: %v", task.Ref(), err)
			}
		}(task)
		return
	}
}

func (d *daemon) nextTask(repo string) *queue.Task {
	tasks, err := d.queue.ForRepo(repo, queue.StatusQueued)
	if err != nil {
		d.log.Logf("queue read failed for %s: %v", repo, err)
		return nil
	}
	if len(tasks) == 0 {
		return nil
	}
	return tasks[0]
}

// checkpoint blocks at gate boundaries while the daemon is paused or hard
// throttled. Draining is not a stop signal here: the dispatcher has already
// stopped new starts, and in-flight tasks run to completion.
func (d *daemon) checkpoint(ctx context.Context) error {
	for {
		mode := d.watcher.Current().Mode
		if mode == control.ModeDraining {
			return nil
		}
		hard := false
		if profile := d.selector.Current(); profile != "" {
			if decision, err := d.engine.Check(profile); err == nil && decision.State == throttle.StateHard {
				hard = true
			}
		}
		if mode == control.ModeRunning && !hard {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// buildThrottle loads the profile definitions and constructs the engine and
// auto-profile selector from config.
func buildThrottle() (*throttle.Engine, *throttle.Selector, error) {
	profilesPath, err := config.ProfilesPath()
	if err != nil {
		return nil, nil, err
	}
	profiles, err := config.LoadProfiles(profilesPath)
	if err != nil {
		return nil, nil, err
	}

	specs := make([]throttle.ProfileSpec, 0, len(profiles))
	for _, p := range profiles {
		spec := throttle.ProfileSpec{
			Name:          p.Name,
			Provider:      p.Provider,
			DataDir:       p.DataDir,
			RollingBudget: p.RollingBudgetTokens,
			WeeklyBudget:  p.WeeklyBudgetTokens,
			SoftPct:       p.SoftPct,
			HardPct:       p.HardPct,
			ResetWeekday:  p.ResetWeekday(),
			ResetHour:     p.ResetHour,
			ResetMinute:   p.ResetMinute,
			Location:      p.ResetLocation(),
		}
		if spec.SoftPct <= 0 {
			spec.SoftPct = config.GetFloat64("throttle.soft-pct")
		}
		if spec.HardPct <= 0 {
			spec.HardPct = config.GetFloat64("throttle.hard-pct")
		}
		specs = append(specs, spec)
	}

	minCheck := time.Duration(config.GetInt("throttle.min-check-interval-ms")) * time.Millisecond
	engine := throttle.NewEngine(specs, minCheck)
	selector := throttle.NewSelector(engine,
		config.GetFloat64("throttle.auto-profile.min-remaining"),
		config.GetDuration("throttle.auto-profile.min-switch-interval"))
	return engine, selector, nil
}
