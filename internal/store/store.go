// Package store is the durable source of truth for the game: teams, rounds,
// flags, submissions, probe results and scores, backed by SQLite in WAL mode.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Store wraps a single SQLite handle. SQLite serializes writers internally;
// the 30s busy timeout covers contention between the scheduler and request
// workers.
type Store struct {
	db *sql.DB
}

type Team struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

type Round struct {
	ID          int64     `json:"id"`
	RoundNumber int       `json:"round_number"`
	StartTime   time.Time `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Status      string    `json:"status"`
}

type Flag struct {
	ID        int64
	TeamID    int
	RoundID   int64
	Value     string
	VulnType  string
	CreatedAt time.Time
}

// SubmissionResult mirrors the wire shape returned to submitting teams.
type SubmissionResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	TargetTeamID int    `json:"target_team_id,omitempty"`
}

type ProbeStatus struct {
	TeamID       int
	RoundID      int64
	IsUp         bool
	ResponseTime float64
	ErrorMessage string
	CheckedAt    time.Time
}

type ScoreRow struct {
	TeamID   int     `json:"id"`
	TeamName string  `json:"name"`
	SLA      float64 `json:"sla_score"`
	Defense  float64 `json:"defense_score"`
	Attack   float64 `json:"attack_score"`
	Total    float64 `json:"total_score"`
}

type ScoreboardEntry struct {
	TeamID       int     `json:"id"`
	TeamName     string  `json:"name"`
	TotalSLA     float64 `json:"total_sla"`
	TotalDefense float64 `json:"total_defense"`
	TotalAttack  float64 `json:"total_attack"`
	TotalScore   float64 `json:"total_score"`
	IsUp         bool    `json:"is_up"`
}

type SubmissionRecord struct {
	SubmittedAt  time.Time
	FlagValue    string
	AttackerTeam string
	VictimTeam   string
}

// Open opens (and initializes) the game database. The DSN enables WAL and a
// 30-second busy timeout as required for one writer + many readers.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=30000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection avoids SQLITE_BUSY between pooled handles; SQLite
	// multiplexes readers on it just fine at this scale.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS teams (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS rounds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			round_number INTEGER NOT NULL,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP,
			status TEXT DEFAULT 'active',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS flags (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			team_id INTEGER NOT NULL,
			round_id INTEGER NOT NULL,
			flag_value TEXT NOT NULL UNIQUE,
			vuln_type TEXT DEFAULT 'monitor',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMP,
			FOREIGN KEY (team_id) REFERENCES teams(id),
			FOREIGN KEY (round_id) REFERENCES rounds(id)
		)`,
		`CREATE TABLE IF NOT EXISTS flag_submissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			submitter_team_id INTEGER NOT NULL,
			target_team_id INTEGER NOT NULL,
			round_id INTEGER NOT NULL,
			flag_value TEXT NOT NULL,
			is_valid BOOLEAN NOT NULL,
			submitted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (submitter_team_id) REFERENCES teams(id),
			FOREIGN KEY (target_team_id) REFERENCES teams(id),
			FOREIGN KEY (round_id) REFERENCES rounds(id),
			UNIQUE(submitter_team_id, flag_value)
		)`,
		`CREATE TABLE IF NOT EXISTS service_status (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			team_id INTEGER NOT NULL,
			round_id INTEGER NOT NULL,
			is_up BOOLEAN NOT NULL,
			response_time REAL,
			error_message TEXT,
			checked_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (team_id) REFERENCES teams(id),
			FOREIGN KEY (round_id) REFERENCES rounds(id)
		)`,
		`CREATE TABLE IF NOT EXISTS scores (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			team_id INTEGER NOT NULL,
			round_id INTEGER NOT NULL,
			sla_score REAL DEFAULT 0,
			defense_score REAL DEFAULT 0,
			attack_score REAL DEFAULT 0,
			total_score REAL DEFAULT 0,
			calculated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (team_id) REFERENCES teams(id),
			FOREIGN KEY (round_id) REFERENCES rounds(id),
			UNIQUE(team_id, round_id)
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Teams
// ---------------------------------------------------------------------------

// AddTeam upserts a team row. Re-registration with the same id overwrites.
func (s *Store) AddTeam(t Team) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO teams (id, name, host, port) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, t.Host, t.Port,
	)
	if err != nil {
		return fmt.Errorf("add team %d: %w", t.ID, err)
	}
	return nil
}

func (s *Store) Teams() ([]Team, error) {
	rows, err := s.db.Query(`SELECT id, name, host, port FROM teams ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []Team
	for rows.Next() {
		var t Team
		if err := rows.Scan(&t.ID, &t.Name, &t.Host, &t.Port); err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// ---------------------------------------------------------------------------
// Rounds
// ---------------------------------------------------------------------------

func (s *Store) CreateRound(roundNumber int) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO rounds (round_number, start_time, status) VALUES (?, ?, 'active')`,
		roundNumber, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("create round %d: %w", roundNumber, err)
	}
	return res.LastInsertId()
}

// CurrentRound returns the active round, or nil when none is active
// (patching phase or game not started).
func (s *Store) CurrentRound() (*Round, error) {
	row := s.db.QueryRow(
		`SELECT id, round_number, start_time, end_time, status
		 FROM rounds WHERE status = 'active' ORDER BY id DESC LIMIT 1`)
	r, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// RoundIDByNumber resolves a round number to its row id. Returns
// sql.ErrNoRows wrapped when unknown.
func (s *Store) RoundIDByNumber(roundNumber int) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		`SELECT id FROM rounds WHERE round_number = ? ORDER BY id DESC LIMIT 1`,
		roundNumber,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("round %d: %w", roundNumber, err)
	}
	return id, nil
}

// CloseRound marks a round closed and stamps its end time. Closing an
// already-closed round is a no-op.
func (s *Store) CloseRound(roundID int64) error {
	_, err := s.db.Exec(
		`UPDATE rounds SET status = 'closed', end_time = ? WHERE id = ? AND status = 'active'`,
		time.Now().UTC(), roundID,
	)
	if err != nil {
		return fmt.Errorf("close round %d: %w", roundID, err)
	}
	return nil
}

type roundScanner interface {
	Scan(dest ...any) error
}

func scanRound(row roundScanner) (*Round, error) {
	var r Round
	var end sql.NullTime
	if err := row.Scan(&r.ID, &r.RoundNumber, &r.StartTime, &end, &r.Status); err != nil {
		return nil, err
	}
	if end.Valid {
		t := end.Time
		r.EndTime = &t
	}
	return &r, nil
}

// ---------------------------------------------------------------------------
// Flags
// ---------------------------------------------------------------------------

func (s *Store) AddFlag(teamID int, roundID int64, value, vulnType string) error {
	_, err := s.db.Exec(
		`INSERT INTO flags (team_id, round_id, flag_value, vuln_type) VALUES (?, ?, ?, ?)`,
		teamID, roundID, value, vulnType,
	)
	if err != nil {
		return fmt.Errorf("add flag for team %d: %w", teamID, err)
	}
	return nil
}

// FlagByValue looks a flag up by its full value, or nil if unknown.
// Expiry is never checked: flags stay redeemable for the whole game run.
func (s *Store) FlagByValue(value string) (*Flag, error) {
	var f Flag
	err := s.db.QueryRow(
		`SELECT id, team_id, round_id, flag_value, vuln_type, created_at
		 FROM flags WHERE flag_value = ?`, value,
	).Scan(&f.ID, &f.TeamID, &f.RoundID, &f.Value, &f.VulnType, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup flag: %w", err)
	}
	return &f, nil
}

// TeamFlag returns one team's flag for a specific vulnerability in a round.
func (s *Store) TeamFlag(teamID int, roundID int64, vulnType string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT flag_value FROM flags WHERE team_id = ? AND round_id = ? AND vuln_type = ?`,
		teamID, roundID, vulnType,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("team %d flag: %w", teamID, err)
	}
	return value, nil
}

// TeamFlags returns the vuln_type → flag map for one team and round.
func (s *Store) TeamFlags(teamID int, roundID int64) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT vuln_type, flag_value FROM flags WHERE team_id = ? AND round_id = ?`,
		teamID, roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("team %d flags: %w", teamID, err)
	}
	defer rows.Close()

	flags := make(map[string]string)
	for rows.Next() {
		var vuln, value string
		if err := rows.Scan(&vuln, &value); err != nil {
			return nil, err
		}
		flags[vuln] = value
	}
	return flags, rows.Err()
}

// ---------------------------------------------------------------------------
// Submissions
// ---------------------------------------------------------------------------

// SubmitFlag runs the full submission algorithm in one transaction:
// flag lookup, self-submission check, replay check, then the insert.
// Races on the same (submitter, flag) pair are resolved by the table's
// unique constraint, not by the optimistic pre-check.
func (s *Store) SubmitFlag(submitterTeamID int, flagValue string, roundID int64) (SubmissionResult, error) {
	flag, err := s.FlagByValue(flagValue)
	if err != nil {
		return SubmissionResult{}, err
	}
	if flag == nil {
		return SubmissionResult{Success: false, Message: "Invalid flag"}, nil
	}
	if flag.TeamID == submitterTeamID {
		return SubmissionResult{Success: false, Message: "Cannot submit your own flag", TargetTeamID: flag.TeamID}, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("submit flag: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(
		`SELECT COUNT(*) FROM flag_submissions WHERE submitter_team_id = ? AND flag_value = ?`,
		submitterTeamID, flagValue,
	).Scan(&exists)
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("submit flag: %w", err)
	}
	if exists > 0 {
		return SubmissionResult{Success: false, Message: "This flag has already been submitted", TargetTeamID: flag.TeamID}, nil
	}

	_, err = tx.Exec(
		`INSERT INTO flag_submissions (submitter_team_id, target_team_id, round_id, flag_value, is_valid)
		 VALUES (?, ?, ?, ?, 1)`,
		submitterTeamID, flag.TeamID, roundID, flagValue,
	)
	if err != nil {
		// A concurrent submission of the same pair won the race.
		if isUniqueViolation(err) {
			return SubmissionResult{Success: false, Message: "This flag has already been submitted", TargetTeamID: flag.TeamID}, nil
		}
		return SubmissionResult{}, fmt.Errorf("submit flag: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return SubmissionResult{}, fmt.Errorf("submit flag: %w", err)
	}

	return SubmissionResult{Success: true, Message: "Flag accepted", TargetTeamID: flag.TeamID}, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// SubmissionHistory returns the most recent accepted submissions, newest
// first, joined with team names for display.
func (s *Store) SubmissionHistory(limit int) ([]SubmissionRecord, error) {
	rows, err := s.db.Query(
		`SELECT fs.submitted_at, fs.flag_value,
		        COALESCE(t1.name, 'Unknown'), COALESCE(t2.name, 'Unknown')
		 FROM flag_submissions fs
		 LEFT JOIN teams t1 ON fs.submitter_team_id = t1.id
		 LEFT JOIN teams t2 ON fs.target_team_id = t2.id
		 ORDER BY fs.submitted_at DESC, fs.id DESC
		 LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("submission history: %w", err)
	}
	defer rows.Close()

	var history []SubmissionRecord
	for rows.Next() {
		var rec SubmissionRecord
		if err := rows.Scan(&rec.SubmittedAt, &rec.FlagValue, &rec.AttackerTeam, &rec.VictimTeam); err != nil {
			return nil, err
		}
		history = append(history, rec)
	}
	return history, rows.Err()
}

// StealCounts returns, per victim team, how many accepted submissions
// targeted it in the round.
func (s *Store) StealCounts(roundID int64) (map[int]int, error) {
	return s.countSubmissions(roundID, "target_team_id")
}

// AttackCounts returns, per attacker team, how many accepted submissions it
// filed in the round.
func (s *Store) AttackCounts(roundID int64) (map[int]int, error) {
	return s.countSubmissions(roundID, "submitter_team_id")
}

func (s *Store) countSubmissions(roundID int64, column string) (map[int]int, error) {
	// column is one of two fixed identifiers, never user input.
	rows, err := s.db.Query(
		`SELECT `+column+`, COUNT(*) FROM flag_submissions
		 WHERE round_id = ? AND is_valid = 1 GROUP BY `+column, roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("count submissions: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var teamID, n int
		if err := rows.Scan(&teamID, &n); err != nil {
			return nil, err
		}
		counts[teamID] = n
	}
	return counts, rows.Err()
}

// ---------------------------------------------------------------------------
// Service probes
// ---------------------------------------------------------------------------

func (s *Store) RecordProbe(p ProbeStatus) error {
	var msg any
	if p.ErrorMessage != "" {
		msg = p.ErrorMessage
	}
	_, err := s.db.Exec(
		`INSERT INTO service_status (team_id, round_id, is_up, response_time, error_message, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.TeamID, p.RoundID, p.IsUp, p.ResponseTime, msg, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record probe for team %d: %w", p.TeamID, err)
	}
	return nil
}

// LatestProbes returns the newest probe row per team for the round. The
// effective status of a (team, round) is its latest row.
func (s *Store) LatestProbes(roundID int64) ([]ProbeStatus, error) {
	rows, err := s.db.Query(
		`SELECT ss.team_id, ss.round_id, ss.is_up,
		        COALESCE(ss.response_time, 0), COALESCE(ss.error_message, ''), ss.checked_at
		 FROM service_status ss
		 INNER JOIN (
		     SELECT team_id, MAX(checked_at) AS max_time
		     FROM service_status WHERE round_id = ? GROUP BY team_id
		 ) latest ON ss.team_id = latest.team_id AND ss.checked_at = latest.max_time
		 WHERE ss.round_id = ?
		 ORDER BY ss.team_id`, roundID, roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("latest probes: %w", err)
	}
	defer rows.Close()

	var probes []ProbeStatus
	for rows.Next() {
		var p ProbeStatus
		if err := rows.Scan(&p.TeamID, &p.RoundID, &p.IsUp, &p.ResponseTime, &p.ErrorMessage, &p.CheckedAt); err != nil {
			return nil, err
		}
		probes = append(probes, p)
	}
	return probes, rows.Err()
}

// ---------------------------------------------------------------------------
// Scores
// ---------------------------------------------------------------------------

// SaveScore upserts one team's scores for a round. Re-running scoring for a
// round rewrites the same rows.
func (s *Store) SaveScore(teamID int, roundID int64, sla, defense, attack float64) error {
	total := sla + defense + attack
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO scores
		 (team_id, round_id, sla_score, defense_score, attack_score, total_score, calculated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		teamID, roundID, sla, defense, attack, total, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save score for team %d: %w", teamID, err)
	}
	return nil
}

// Scoreboard aggregates totals across all rounds with each team's latest
// up/down status for the current round.
func (s *Store) Scoreboard() ([]ScoreboardEntry, error) {
	var roundID sql.NullInt64
	current, err := s.CurrentRound()
	if err != nil {
		return nil, err
	}
	if current != nil {
		roundID = sql.NullInt64{Int64: current.ID, Valid: true}
	}

	rows, err := s.db.Query(
		`SELECT t.id, t.name,
		        COALESCE(SUM(s.sla_score), 0),
		        COALESCE(SUM(s.defense_score), 0),
		        COALESCE(SUM(s.attack_score), 0),
		        COALESCE(SUM(s.total_score), 0),
		        COALESCE((SELECT is_up FROM service_status
		                  WHERE team_id = t.id AND round_id = ?
		                  ORDER BY checked_at DESC LIMIT 1), 0)
		 FROM teams t
		 LEFT JOIN scores s ON t.id = s.team_id
		 GROUP BY t.id, t.name
		 ORDER BY COALESCE(SUM(s.total_score), 0) DESC, t.id`, roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("scoreboard: %w", err)
	}
	defer rows.Close()

	var board []ScoreboardEntry
	for rows.Next() {
		var e ScoreboardEntry
		if err := rows.Scan(&e.TeamID, &e.TeamName, &e.TotalSLA, &e.TotalDefense, &e.TotalAttack, &e.TotalScore, &e.IsUp); err != nil {
			return nil, err
		}
		board = append(board, e)
	}
	return board, rows.Err()
}

// RoundScores returns the per-team breakdown for one round. Teams without a
// score row yet appear with zeros.
func (s *Store) RoundScores(roundID int64) ([]ScoreRow, error) {
	rows, err := s.db.Query(
		`SELECT t.id, t.name,
		        COALESCE(s.sla_score, 0), COALESCE(s.defense_score, 0),
		        COALESCE(s.attack_score, 0), COALESCE(s.total_score, 0)
		 FROM teams t
		 LEFT JOIN scores s ON t.id = s.team_id AND s.round_id = ?
		 ORDER BY COALESCE(s.total_score, 0) DESC, t.id`, roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("round scores: %w", err)
	}
	defer rows.Close()

	var scores []ScoreRow
	for rows.Next() {
		var r ScoreRow
		if err := rows.Scan(&r.TeamID, &r.TeamName, &r.SLA, &r.Defense, &r.Attack, &r.Total); err != nil {
			return nil, err
		}
		scores = append(scores, r)
	}
	return scores, rows.Err()
}
