package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adctf/backend/internal/auth"
	"github.com/adctf/backend/internal/checker"
	"github.com/adctf/backend/internal/config"
	"github.com/adctf/backend/internal/events"
	"github.com/adctf/backend/internal/flags"
	"github.com/adctf/backend/internal/game"
	"github.com/adctf/backend/internal/metrics"
	"github.com/adctf/backend/internal/orchestrator"
	"github.com/adctf/backend/internal/patch"
	"github.com/adctf/backend/internal/scoring"
	"github.com/adctf/backend/internal/store"
)

// noopRuntime satisfies the orchestration interface without a daemon.
type noopRuntime struct{}

func (noopRuntime) Destroy(ctx context.Context, names []string) error        { return nil }
func (noopRuntime) EnsureNetwork(ctx context.Context, name, cidr string) error { return nil }
func (noopRuntime) Create(ctx context.Context, team store.Team) error        { return nil }
func (noopRuntime) CopyInto(ctx context.Context, c, l, r string) error       { return nil }
func (noopRuntime) Reload(ctx context.Context, containerName string) error   { return nil }

var _ orchestrator.Runtime = noopRuntime{}

var metricsOnce sync.Once
var sharedMetrics *metrics.Metrics

func testMetrics() *metrics.Metrics {
	metricsOnce.Do(func() { sharedMetrics = metrics.New() })
	return sharedMetrics
}

var longBody = strings.Repeat("x", 200)

func teamServiceHandler() http.Handler {
	mux := http.NewServeMux()
	ok := func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(longBody)) }
	mux.HandleFunc("/files", ok)
	mux.HandleFunc("/logs", ok)
	mux.HandleFunc("/monitor", ok)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	return mux
}

type fixture struct {
	api       *httptest.Server
	store     *store.Store
	auth      *auth.Authority
	scheduler *game.Scheduler
	admin     string
	team      map[int]string
}

// newFixture wires the full stack behind an httptest server. The round is
// long so an active round stays active for the whole test.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	svc := httptest.NewServer(teamServiceHandler())
	t.Cleanup(svc.Close)
	u, err := url.Parse(svc.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "game.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Game: config.GameConfig{
			NumTeams:             2,
			RoundDuration:        3600,
			PatchDuration:        60,
			ServiceCheckInterval: 1,
		},
		Scoring: config.ScoringConfig{
			SLATotalPool:           512,
			BaseDefenseScore:       12,
			AttackScorePerFlag:     1,
			DefensePenaltyPerSteal: 1,
		},
		Database: config.DatabaseConfig{Path: filepath.Join(dir, "game.db")},
	}
	for i := 1; i <= 2; i++ {
		require.NoError(t, st.AddTeam(store.Team{ID: i, Name: "T" + strconv.Itoa(i), Host: u.Hostname(), Port: port}))
	}

	authority, _, err := auth.LoadOrGenerate(filepath.Join(dir, "tokens.json"), 2)
	require.NoError(t, err)

	patches, err := patch.NewStore(filepath.Join(dir, "patches"))
	require.NoError(t, err)

	factory := flags.NewFactory(st)
	broadcaster := events.NewBroadcaster()
	m := testMetrics()
	scheduler := game.NewScheduler(
		cfg, st, factory,
		checker.New(st, time.Second),
		scoring.NewEngine(st, cfg.Scoring),
		patches, noopRuntime{}, broadcaster, m,
	)
	t.Cleanup(scheduler.Stop)

	server := NewServer(cfg, st, authority, factory, patches, scheduler, broadcaster, m)
	apiSrv := httptest.NewServer(server.Router())
	t.Cleanup(apiSrv.Close)

	return &fixture{
		api:       apiSrv,
		store:     st,
		auth:      authority,
		scheduler: scheduler,
		admin:     adminTokenFromFile(t, filepath.Join(dir, "tokens.json")),
		team:      map[int]string{1: authority.TeamToken(1), 2: authority.TeamToken(2)},
	}
}

// adminTokenFromFile reads the admin token back out of the persisted table;
// the authority only exposes team tokens programmatically.
func adminTokenFromFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var tf map[string]string
	require.NoError(t, json.Unmarshal(data, &tf))
	return tf["admin"]
}

func (f *fixture) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.api.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (f *fixture) get(t *testing.T, path, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.api.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil
	}
	return body
}

// startGame starts the scheduler and waits for round 1 to be active.
func (f *fixture) startGame(t *testing.T) {
	t.Helper()
	resp, body := f.postJSON(t, "/api/game/start", map[string]string{"token": f.admin})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Game started successfully", body["message"])

	require.Eventually(t, func() bool {
		current, err := f.store.CurrentRound()
		return err == nil && current != nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestAuthVerify(t *testing.T) {
	f := newFixture(t)

	t.Run("team token", func(t *testing.T) {
		resp, body := f.postJSON(t, "/api/auth/verify", map[string]string{"token": f.team[1]})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["valid"])
		assert.Equal(t, "team", body["role"])
		assert.Equal(t, "team1", body["team_id"])
	})

	t.Run("admin token", func(t *testing.T) {
		resp, body := f.postJSON(t, "/api/auth/verify", map[string]string{"token": f.admin})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["valid"])
		assert.Equal(t, "admin", body["role"])
		assert.Nil(t, body["team_id"])
	})

	t.Run("garbage token", func(t *testing.T) {
		resp, body := f.postJSON(t, "/api/auth/verify", map[string]string{"token": "bogus"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, false, body["valid"])
	})

	t.Run("missing token", func(t *testing.T) {
		resp, body := f.postJSON(t, "/api/auth/verify", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "No token provided", body["error"])
	})
}

func TestAuthTokenLookup(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/api/auth/token/team2", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "team2", body["team_id"])
	assert.Equal(t, f.team[2], body["token"])

	resp, body = f.get(t, "/api/auth/token/team99", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Team not found", body["error"])

	resp, body = f.get(t, "/api/auth/token/bogus", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid team_id format", body["error"])
}

func TestStatusBeforeStart(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/api/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["game_started"])
	assert.EqualValues(t, 0, body["current_round"])
	assert.Nil(t, body["round_info"])
}

func TestScoreboardEmpty(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/api/scoreboard", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	board, ok := body["scoreboard"].([]any)
	require.True(t, ok)
	assert.Len(t, board, 2)
}

func TestRoundScoresUnknownRound(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/api/round/42/scores", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Round not found", body["error"])
}

func TestTeamFlagsOutsideActiveRound(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/api/team/1/flags", f.team[1])
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["round"])
	flagsMap, ok := body["flags"].(map[string]any)
	require.True(t, ok)
	for _, vuln := range flags.VulnTypes {
		assert.Equal(t, "", flagsMap[vuln])
	}
}

func TestFlagSubmissionFlow(t *testing.T) {
	f := newFixture(t)
	f.startGame(t)

	// The running game reports a playing-phase round.
	resp, body := f.get(t, "/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["game_started"])
	info, ok := body["round_info"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "playing", info["phase"])

	// Team 1 reads its own flag.
	resp, body = f.get(t, "/api/team/1/flag", f.team[1])
	require.Equal(t, http.StatusOK, resp.StatusCode)
	flag1, _ := body["flag"].(string)
	require.NotEmpty(t, flag1)

	// Another team cannot read it.
	resp, body = f.get(t, "/api/team/1/flag", f.team[2])
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Access denied", body["error"])

	// The admin can.
	resp, _ = f.get(t, "/api/team/1/flag", f.admin)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	t.Run("own flag rejected", func(t *testing.T) {
		resp, body := f.postJSON(t, "/api/flag/submit", map[string]string{"token": f.team[1], "flag": flag1})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "Cannot submit your own flag", body["message"])
	})

	t.Run("capture accepted once", func(t *testing.T) {
		resp, body := f.postJSON(t, "/api/flag/submit", map[string]string{"token": f.team[2], "flag": flag1})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, "Flag accepted", body["message"])
		assert.EqualValues(t, 1, body["target_team_id"])

		resp, body = f.postJSON(t, "/api/flag/submit", map[string]string{"token": f.team[2], "flag": flag1})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "This flag has already been submitted", body["message"])
	})

	t.Run("unknown flag", func(t *testing.T) {
		resp, body := f.postJSON(t, "/api/flag/submit", map[string]string{"token": f.team[2], "flag": "FLAG{1_1_ffffffffffffffffffffffffffffffff}"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "Invalid flag", body["message"])
	})

	t.Run("bad token", func(t *testing.T) {
		resp, body := f.postJSON(t, "/api/flag/submit", map[string]string{"token": "bogus", "flag": flag1})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Invalid token", body["error"])
	})

	t.Run("admin cannot submit", func(t *testing.T) {
		resp, body := f.postJSON(t, "/api/flag/submit", map[string]string{"token": f.admin, "flag": flag1})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "Only teams can submit flags", body["error"])
	})

	t.Run("history masks flag values", func(t *testing.T) {
		resp, body := f.get(t, "/api/flag/history", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		history, ok := body["history"].([]any)
		require.True(t, ok)
		require.NotEmpty(t, history)

		entry := history[0].(map[string]any)
		masked, _ := entry["flag"].(string)
		assert.Equal(t, flag1[:8], masked[:8])
		assert.Contains(t, masked, "*")
		assert.NotContains(t, masked, flag1[8:])
		assert.Equal(t, true, entry["success"])
		assert.Equal(t, "T2", entry["attacker"])
		assert.Equal(t, "T1", entry["victim"])
	})

	t.Run("double start rejected", func(t *testing.T) {
		resp, body := f.postJSON(t, "/api/game/start", map[string]string{"token": f.admin})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "Game already started", body["error"])
	})
}

func TestGameControlRequiresAdmin(t *testing.T) {
	f := newFixture(t)

	resp, body := f.postJSON(t, "/api/game/start", map[string]string{"token": f.team[1]})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Admin access required", body["error"])

	resp, body = f.postJSON(t, "/api/game/start", map[string]string{"token": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid token", body["error"])

	resp, body = f.postJSON(t, "/api/game/stop", map[string]string{"token": f.admin})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Game not started", body["error"])
}

func TestPatchEndpoints(t *testing.T) {
	f := newFixture(t)

	upload := func(token, filename, content string) (*http.Response, map[string]any) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		require.NoError(t, mw.WriteField("token", token))
		fw, err := mw.CreateFormFile("patch", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		resp, err := http.Post(f.api.URL+"/api/patch/upload", mw.FormDataContentType(), &buf)
		require.NoError(t, err)
		return resp, decodeBody(t, resp)
	}

	t.Run("rejects non-python files", func(t *testing.T) {
		resp, body := upload(f.team[1], "patch.txt", "nope")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "Only .py files allowed", body["message"])
	})

	t.Run("rejects admin upload", func(t *testing.T) {
		resp, body := upload(f.admin, "app.py", "print()")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, false, body["success"])
	})

	t.Run("upload download roundtrip", func(t *testing.T) {
		resp, body := upload(f.team[1], "app.py", "print('fixed')")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, "Patch uploaded successfully. Will be applied in next patch phase.", body["message"])

		req, err := http.NewRequest(http.MethodGet, f.api.URL+"/api/patch/download", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+f.team[1])
		dl, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer dl.Body.Close()

		require.Equal(t, http.StatusOK, dl.StatusCode)
		assert.Equal(t, "text/x-python", dl.Header.Get("Content-Type"))
		assert.Contains(t, dl.Header.Get("Content-Disposition"), "team1_patch.py")
		content, err := io.ReadAll(dl.Body)
		require.NoError(t, err)
		assert.Equal(t, "print('fixed')", string(content))
	})

	t.Run("admin downloads any team", func(t *testing.T) {
		resp, _ := f.get(t, "/api/patch/download/1", f.admin)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, body := f.get(t, "/api/patch/download/2", f.admin)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "Patch not found", body["error"])
	})

	t.Run("cross team download denied", func(t *testing.T) {
		resp, body := f.get(t, "/api/patch/download/1", f.team[2])
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "Access denied", body["error"])
	})

	t.Run("list", func(t *testing.T) {
		resp, body := f.get(t, "/api/patch/list", f.team[2])
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["success"])
		assert.EqualValues(t, 1, body["count"])
		patches, ok := body["patches"].([]any)
		require.True(t, ok)
		entry := patches[0].(map[string]any)
		assert.EqualValues(t, 1, entry["team_id"])
		assert.Equal(t, "T1", entry["team_name"])
		assert.Equal(t, "1_app.py", entry["filename"])
	})
}

func TestServiceStatusNoRound(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/api/service-status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	services, ok := body["services"].([]any)
	require.True(t, ok)
	assert.Empty(t, services)
}

func TestTeamsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/api/teams", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	teams, ok := body["teams"].([]any)
	require.True(t, ok)
	assert.Len(t, teams, 2)
}
