// Package game runs the two-phase round state machine: a playing window
// with periodic service probes, then a patching window that rebuilds every
// team container from a clean image and re-applies stored patches.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/adctf/backend/internal/checker"
	"github.com/adctf/backend/internal/config"
	"github.com/adctf/backend/internal/events"
	"github.com/adctf/backend/internal/flags"
	"github.com/adctf/backend/internal/metrics"
	"github.com/adctf/backend/internal/orchestrator"
	"github.com/adctf/backend/internal/patch"
	"github.com/adctf/backend/internal/scoring"
	"github.com/adctf/backend/internal/store"
)

// ErrAlreadyStarted is returned when a start request arrives while the
// scheduler worker is still alive.
var ErrAlreadyStarted = errors.New("Game already started")

const (
	containerBootWait = 15 * time.Second
	patchSettleWait   = 5 * time.Second
	crashBackoff      = 5 * time.Second
	warmupTimeout     = 5 * time.Second
)

// Scheduler owns the game state machine. One worker goroutine runs the
// phase loop; a single-slot guard rejects concurrent starts until the
// previous worker has exited.
type Scheduler struct {
	cfg         *config.Config
	store       *store.Store
	factory     *flags.Factory
	checker     *checker.Checker
	scoring     *scoring.Engine
	patches     *patch.Store
	runtime     orchestrator.Runtime
	broadcaster *events.Broadcaster
	metrics     *metrics.Metrics

	warmupClient *http.Client
	// warmupURL is swappable so tests can point warmup at a local server.
	warmupURL func(team store.Team) string

	guard  chan struct{} // single-slot: full while a worker is alive
	cancel context.CancelFunc

	box stateBox
}

func NewScheduler(
	cfg *config.Config,
	st *store.Store,
	factory *flags.Factory,
	chk *checker.Checker,
	eng *scoring.Engine,
	patches *patch.Store,
	runtime orchestrator.Runtime,
	broadcaster *events.Broadcaster,
	m *metrics.Metrics,
) *Scheduler {
	s := &Scheduler{
		cfg:          cfg,
		store:        st,
		factory:      factory,
		checker:      chk,
		scoring:      eng,
		patches:      patches,
		runtime:      runtime,
		broadcaster:  broadcaster,
		metrics:      m,
		warmupClient: &http.Client{Timeout: warmupTimeout},
		guard:        make(chan struct{}, 1),
	}
	s.warmupURL = func(team store.Team) string {
		return fmt.Sprintf("http://%s:%d/health", orchestrator.TeamIP(team.ID), orchestrator.ServicePort)
	}
	s.box.update(func(st *State) { st.Phase = PhaseIdle })
	return s
}

// Snapshot returns the current game state for display. The read is
// consistent but immediately stale; that is fine for status queries.
func (s *Scheduler) Snapshot() State {
	return s.box.snapshot()
}

// Start launches the scheduler worker. Rejected while a previous worker is
// still running or unwinding.
func (s *Scheduler) Start() error {
	select {
	case s.guard <- struct{}{}:
	default:
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.box.update(func(st *State) { st.Started = true })

	go s.run(ctx)

	slog.Info("Game started")
	s.broadcaster.Broadcast(events.EventGameStarted, map[string]string{"message": "Game has started"})
	return nil
}

// Stop signals the worker to unwind. The worker observes the cancel at its
// next loop iteration; in-flight probes finish under their own timeouts.
func (s *Scheduler) Stop() {
	s.box.update(func(st *State) { st.Started = false })
	if s.cancel != nil {
		s.cancel()
	}

	// Close the active round immediately so submissions stop being accepted
	// even while the worker is still draining a sleep.
	if current, err := s.store.CurrentRound(); err == nil && current != nil {
		if err := s.store.CloseRound(current.ID); err != nil {
			slog.Error("Failed to close round on stop", "round_id", current.ID, "error", err)
		}
	}

	slog.Info("Game stopped")
	s.broadcaster.Broadcast(events.EventGameStopped, map[string]string{"message": "Game has stopped"})
}

func (s *Scheduler) run(ctx context.Context) {
	defer func() {
		// Clean up whatever the current iteration left behind, then free the
		// start slot.
		if current, err := s.store.CurrentRound(); err == nil && current != nil {
			s.store.CloseRound(current.ID)
		}
		s.box.update(func(st *State) {
			st.Started = false
			st.Phase = PhaseIdle
			st.PhaseDeadline = time.Time{}
			st.RemainingSeconds = 0
		})
		<-s.guard
		slog.Info("Game loop ended")
	}()

	slog.Info("Game loop started")

	for ctx.Err() == nil {
		s.runIteration(ctx)
	}
}

// runIteration runs one full round cycle, converting panics into logged
// errors so the game stays live.
func (s *Scheduler) runIteration(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in game loop", "panic", r, "stack", string(debug.Stack()))
			sleepCtx(ctx, crashBackoff)
		}
	}()

	if err := s.playingPhase(ctx); err != nil {
		slog.Error("Error in game loop", "error", err)
		sleepCtx(ctx, crashBackoff)
		return
	}
	if ctx.Err() != nil {
		return
	}
	s.patchingPhase(ctx)
}

// playingPhase mints flags, probes services on an interval, then scores and
// closes the round.
func (s *Scheduler) playingPhase(ctx context.Context) error {
	roundNumber := s.box.snapshot().CurrentRound + 1
	slog.Info("Round playing phase", "round", roundNumber)

	roundID, err := s.store.CreateRound(roundNumber)
	if err != nil {
		return err
	}

	roundDuration := time.Duration(s.cfg.Game.RoundDuration) * time.Second
	s.box.update(func(st *State) {
		st.CurrentRound = roundNumber
		st.RoundID = roundID
		st.Phase = PhasePlaying
		st.PhaseStart = time.Now()
		st.PhaseDeadline = time.Now().Add(roundDuration)
	})
	s.metrics.RoundsStarted.Inc()
	s.metrics.CurrentRound.Set(float64(roundNumber))

	teams, err := s.store.Teams()
	if err != nil {
		return err
	}
	minted, err := s.factory.CreateFlagsForRound(roundID, roundNumber, teams)
	if err != nil {
		return err
	}
	s.metrics.FlagsMinted.Add(float64(len(minted) * len(flags.VulnTypes)))

	s.broadcaster.Broadcast(events.EventRoundStarted, map[string]any{
		"round":    roundNumber,
		"phase":    PhasePlaying,
		"duration": s.cfg.Game.RoundDuration,
	})

	checkInterval := time.Duration(s.cfg.Game.ServiceCheckInterval) * time.Second
	phaseStart := time.Now()
	for time.Since(phaseStart) < roundDuration && ctx.Err() == nil {
		status := s.checker.CheckAll(teams, roundID)
		s.metrics.RecordProbeSweep(status)

		s.broadcaster.Broadcast(events.EventServiceStatusUpdated, map[string]any{
			"round":  roundNumber,
			"status": status,
		})

		if !sleepCtx(ctx, checkInterval) {
			break
		}
	}

	if ctx.Err() != nil {
		return nil
	}

	slog.Info("Round scoring", "round", roundNumber)
	if err := s.scoring.CalculateRoundScores(roundID); err != nil {
		slog.Error("Scoring failed", "round", roundNumber, "error", err)
	}
	if err := s.store.CloseRound(roundID); err != nil {
		return err
	}

	// Scoreboard is broadcast only after every team's score row for the
	// round is committed.
	if board, err := s.store.Scoreboard(); err == nil {
		s.broadcaster.Broadcast(events.EventScoreboardUpdated, map[string]any{
			"round":      roundNumber,
			"scoreboard": board,
		})
	}
	slog.Info("Round scoring complete", "round", roundNumber)
	return nil
}

// patchingPhase rebuilds every team container from its clean base image and
// re-applies all patches currently in the patch store. Individual team
// failures are counted, never fatal.
func (s *Scheduler) patchingPhase(ctx context.Context) {
	state := s.box.snapshot()
	slog.Info("Round patching phase", "round", state.CurrentRound)

	patchDuration := time.Duration(s.cfg.Game.PatchDuration) * time.Second
	deadline := time.Now().Add(patchDuration)
	s.box.update(func(st *State) {
		st.Phase = PhasePatching
		st.PhaseStart = time.Now()
		st.PhaseDeadline = deadline
		st.RemainingSeconds = s.cfg.Game.PatchDuration
	})

	s.broadcaster.Broadcast(events.EventPhaseChanged, map[string]any{
		"phase":    PhasePatching,
		"duration": s.cfg.Game.PatchDuration,
		"message":  "Applying patches, services paused",
	})

	teams, err := s.store.Teams()
	if err != nil {
		slog.Error("Failed to load teams for patching", "error", err)
		return
	}

	names := make([]string, len(teams))
	for i, team := range teams {
		names[i] = orchestrator.ContainerName(team.ID)
	}
	if err := s.runtime.Destroy(ctx, names); err != nil {
		slog.Error("Container teardown failed", "error", err)
	}
	if err := s.runtime.EnsureNetwork(ctx, orchestrator.NetworkName, orchestrator.NetworkCIDR); err != nil {
		slog.Error("Network setup failed", "error", err)
	}

	created, failed := 0, 0
	for _, team := range teams {
		if err := s.runtime.Create(ctx, team); err != nil {
			failed++
			slog.Error("Failed to recreate container", "team", team.ID, "error", err)
			continue
		}
		created++
	}
	slog.Info("Container recreation complete", "created", created, "failed", failed)

	if !sleepCtx(ctx, containerBootWait) {
		return
	}

	s.applyPatches(ctx, teams)

	if !sleepCtx(ctx, patchSettleWait) {
		return
	}

	s.warmup(teams)

	// Count the remaining window down once per second so status queries can
	// surface it.
	for ctx.Err() == nil {
		remaining := int(time.Until(deadline).Seconds())
		if remaining <= 0 {
			break
		}
		s.box.update(func(st *State) { st.RemainingSeconds = remaining })
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}

	s.box.update(func(st *State) {
		st.PhaseDeadline = time.Time{}
		st.RemainingSeconds = 0
	})
	slog.Info("Patch phase complete", "round", state.CurrentRound)
}

// applyPatches pushes every stored patch into its team's fresh container.
// Patches stay in the store afterwards so later phases re-apply them.
func (s *Scheduler) applyPatches(ctx context.Context, teams []store.Team) {
	applied := 0
	for _, team := range teams {
		if !s.patches.Exists(team.ID) {
			continue
		}
		name := orchestrator.ContainerName(team.ID)
		if err := s.runtime.CopyInto(ctx, name, s.patches.Path(team.ID), "/app/app.py"); err != nil {
			slog.Error("Failed to apply patch", "team", team.ID, "error", err)
			continue
		}
		if err := s.runtime.Reload(ctx, name); err != nil {
			slog.Warn("Could not reload service after patch", "team", team.ID, "error", err)
		}
		applied++
		slog.Info("Patch applied", "team", team.ID)
	}
	if applied == 0 {
		slog.Info("No patches to apply")
	} else {
		slog.Info("Patches applied to running containers", "count", applied)
	}
}

// warmup issues one health request per team to trigger service
// initialization. Failures are logged, never blocking.
func (s *Scheduler) warmup(teams []store.Team) {
	ok, failed := 0, 0
	for _, team := range teams {
		resp, err := s.warmupClient.Get(s.warmupURL(team))
		if err != nil {
			failed++
			slog.Error("Warmup request failed", "team", team.ID, "error", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			ok++
		} else {
			failed++
			slog.Warn("Warmup returned non-200", "team", team.ID, "status", resp.StatusCode)
		}
	}
	slog.Info("Warmup complete", "success", ok, "failed", failed)
}

// sleepCtx sleeps for d or until the context is cancelled. Reports whether
// the full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
