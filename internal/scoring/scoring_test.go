package scoring

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adctf/backend/internal/config"
	"github.com/adctf/backend/internal/store"
)

var testCfg = config.ScoringConfig{
	SLATotalPool:           512,
	BaseDefenseScore:       12,
	AttackScorePerFlag:     1,
	DefensePenaltyPerSteal: 1,
}

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "game.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewEngine(s, testCfg), s
}

func TestSLAScore(t *testing.T) {
	e, _ := newTestEngine(t)

	t.Run("even split", func(t *testing.T) {
		status := map[int]bool{1: true, 2: true}
		assert.Equal(t, 256.0, e.SLAScore(1, status))
		assert.Equal(t, 256.0, e.SLAScore(2, status))
	})

	t.Run("down team gets nothing", func(t *testing.T) {
		status := map[int]bool{1: true, 2: false}
		assert.Equal(t, 512.0, e.SLAScore(1, status))
		assert.Zero(t, e.SLAScore(2, status))
	})

	t.Run("uneven division rounds to cents", func(t *testing.T) {
		status := map[int]bool{1: true, 2: true, 3: true}
		assert.Equal(t, 170.67, e.SLAScore(1, status))
	})

	t.Run("all down", func(t *testing.T) {
		assert.Zero(t, e.SLAScore(1, map[int]bool{1: false, 2: false}))
	})
}

func TestDefenseScoreFloorsAtZero(t *testing.T) {
	e, _ := newTestEngine(t)

	assert.Equal(t, 12.0, e.DefenseScore(1, map[int]int{}))
	assert.Equal(t, 9.0, e.DefenseScore(1, map[int]int{1: 3}))
	assert.Zero(t, e.DefenseScore(1, map[int]int{1: 50}))
}

func TestAttackScore(t *testing.T) {
	e, _ := newTestEngine(t)

	assert.Zero(t, e.AttackScore(1, map[int]int{}))
	assert.Equal(t, 5.0, e.AttackScore(1, map[int]int{1: 5}))
}

func addTeams(t *testing.T, s *store.Store, n int) []store.Team {
	t.Helper()
	teams := make([]store.Team, 0, n)
	for i := 1; i <= n; i++ {
		team := store.Team{ID: i, Name: "Team " + string(rune('A'+i-1)), Host: "127.0.0.1", Port: 8100 + i}
		require.NoError(t, s.AddTeam(team))
		teams = append(teams, team)
	}
	return teams
}

func TestCalculateRoundScoresQuietRound(t *testing.T) {
	// Two teams, both up, no captures: 256 SLA + 12 defense = 268 each.
	e, s := newTestEngine(t)
	addTeams(t, s, 2)
	roundID, err := s.CreateRound(1)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		require.NoError(t, s.RecordProbe(store.ProbeStatus{TeamID: i, RoundID: roundID, IsUp: true}))
	}

	require.NoError(t, e.CalculateRoundScores(roundID))

	scores, err := s.RoundScores(roundID)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	for _, row := range scores {
		assert.Equal(t, 256.0, row.SLA)
		assert.Equal(t, 12.0, row.Defense)
		assert.Zero(t, row.Attack)
		assert.Equal(t, 268.0, row.Total)
	}
}

func TestCalculateRoundScoresWithCapture(t *testing.T) {
	// Four teams up (128 SLA each); team 1 steals one flag from team 2:
	// team 1 totals 141, team 2 drops to 139, bystanders hold 140.
	e, s := newTestEngine(t)
	addTeams(t, s, 4)
	roundID, err := s.CreateRound(1)
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		require.NoError(t, s.RecordProbe(store.ProbeStatus{TeamID: i, RoundID: roundID, IsUp: true}))
	}
	require.NoError(t, s.AddFlag(2, roundID, "FLAG{2_1_feed}", "monitor"))
	res, err := s.SubmitFlag(1, "FLAG{2_1_feed}", roundID)
	require.NoError(t, err)
	require.True(t, res.Success)

	require.NoError(t, e.CalculateRoundScores(roundID))

	scores, err := s.RoundScores(roundID)
	require.NoError(t, err)
	require.Len(t, scores, 4)

	byTeam := make(map[int]store.ScoreRow, 4)
	for _, row := range scores {
		byTeam[row.TeamID] = row
	}
	assert.Equal(t, 141.0, byTeam[1].Total)
	assert.Equal(t, 139.0, byTeam[2].Total)
	assert.Equal(t, 140.0, byTeam[3].Total)
	assert.Equal(t, 140.0, byTeam[4].Total)
}

func TestCalculateRoundScoresAllDown(t *testing.T) {
	e, s := newTestEngine(t)
	addTeams(t, s, 2)
	roundID, err := s.CreateRound(1)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		require.NoError(t, s.RecordProbe(store.ProbeStatus{TeamID: i, RoundID: roundID, IsUp: false}))
	}

	require.NoError(t, e.CalculateRoundScores(roundID))

	scores, err := s.RoundScores(roundID)
	require.NoError(t, err)
	for _, row := range scores {
		assert.Zero(t, row.SLA)
		assert.Equal(t, 12.0, row.Defense)
		assert.Equal(t, 12.0, row.Total)
	}
}

func TestCalculateRoundScoresDeterministic(t *testing.T) {
	e, s := newTestEngine(t)
	addTeams(t, s, 3)
	roundID, err := s.CreateRound(1)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.RecordProbe(store.ProbeStatus{TeamID: i, RoundID: roundID, IsUp: i != 2}))
	}
	require.NoError(t, s.AddFlag(3, roundID, "f3", "logs"))
	res, err := s.SubmitFlag(1, "f3", roundID)
	require.NoError(t, err)
	require.True(t, res.Success)

	require.NoError(t, e.CalculateRoundScores(roundID))
	first, err := s.RoundScores(roundID)
	require.NoError(t, err)

	require.NoError(t, e.CalculateRoundScores(roundID))
	second, err := s.RoundScores(roundID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
