// Package scoring recomputes the per-round SLA, defense and attack scores.
// Scoring is a pure function of the round's probe and submission tables, so
// re-running it for a closed round yields identical rows.
package scoring

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/adctf/backend/internal/config"
	"github.com/adctf/backend/internal/store"
)

type Engine struct {
	store *store.Store
	cfg   config.ScoringConfig
}

func NewEngine(s *store.Store, cfg config.ScoringConfig) *Engine {
	return &Engine{store: s, cfg: cfg}
}

// SLAScore splits the fixed pool evenly across teams that are up. A team
// that is down gets nothing regardless of the pool.
func (e *Engine) SLAScore(teamID int, status map[int]bool) float64 {
	if !status[teamID] {
		return 0
	}
	upTeams := 0
	for _, up := range status {
		if up {
			upTeams++
		}
	}
	if upTeams == 0 {
		return 0
	}
	return round2(e.cfg.SLATotalPool / float64(upTeams))
}

// DefenseScore starts from the fixed ceiling and loses one penalty per
// accepted submission that targeted this team, floored at zero.
func (e *Engine) DefenseScore(teamID int, steals map[int]int) float64 {
	score := e.cfg.BaseDefenseScore - float64(steals[teamID])*e.cfg.DefensePenaltyPerSteal
	return round2(math.Max(score, 0))
}

// AttackScore credits each accepted submission this team filed.
func (e *Engine) AttackScore(teamID int, attacks map[int]int) float64 {
	return round2(float64(attacks[teamID]) * e.cfg.AttackScorePerFlag)
}

// CalculateRoundScores recomputes and upserts one score row per team for a
// round. Invoked exactly once per round after probing has stopped; safe to
// re-run (idempotent upsert).
func (e *Engine) CalculateRoundScores(roundID int64) error {
	teams, err := e.store.Teams()
	if err != nil {
		return fmt.Errorf("scoring round %d: %w", roundID, err)
	}

	probes, err := e.store.LatestProbes(roundID)
	if err != nil {
		return fmt.Errorf("scoring round %d: %w", roundID, err)
	}
	status := make(map[int]bool, len(probes))
	for _, p := range probes {
		status[p.TeamID] = p.IsUp
	}

	steals, err := e.store.StealCounts(roundID)
	if err != nil {
		return fmt.Errorf("scoring round %d: %w", roundID, err)
	}
	attacks, err := e.store.AttackCounts(roundID)
	if err != nil {
		return fmt.Errorf("scoring round %d: %w", roundID, err)
	}

	slog.Info("Calculating round scores", "round_id", roundID,
		"teams", len(teams), "steals", len(steals), "attacks", len(attacks))

	for _, team := range teams {
		sla := e.SLAScore(team.ID, status)
		defense := e.DefenseScore(team.ID, steals)
		attack := e.AttackScore(team.ID, attacks)

		if err := e.store.SaveScore(team.ID, roundID, sla, defense, attack); err != nil {
			return fmt.Errorf("scoring round %d: %w", roundID, err)
		}
		slog.Info("Team scored", "team", team.ID, "name", team.Name,
			"sla", sla, "defense", defense, "attack", attack, "total", sla+defense+attack)
	}
	return nil
}

// round2 rounds half away from zero to 2 decimals. Each component is
// rounded independently before totals are formed.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
