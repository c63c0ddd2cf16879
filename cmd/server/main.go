package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/adctf/backend/internal/api"
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

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = "config.yml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}

	logLevel := slog.LevelInfo
	if cfg.Server.Debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	for _, t := range cfg.Teams {
		team := store.Team{ID: t.ID, Name: t.Name, Host: t.Host, Port: t.Port}
		if err := st.AddTeam(team); err != nil {
			return err
		}
	}
	slog.Info("Teams registered", "count", len(cfg.Teams))

	authority, fresh, err := auth.LoadOrGenerate(cfg.TokenFile(), cfg.Game.NumTeams)
	if err != nil {
		return err
	}
	if fresh {
		printTokenBanner(authority)
	}

	patches, err := patch.NewStore(cfg.PatchDir())
	if err != nil {
		return err
	}

	factory := flags.NewFactory(st)
	chk := checker.New(st, 5*time.Second)
	engine := scoring.NewEngine(st, cfg.Scoring)
	broadcaster := events.NewBroadcaster()
	m := metrics.New()
	runtime := orchestrator.NewDockerRuntime()

	scheduler := game.NewScheduler(cfg, st, factory, chk, engine, patches, runtime, broadcaster, m)

	go func() {
		for range time.Tick(5 * time.Second) {
			m.Observers.Set(float64(broadcaster.ObserverCount()))
		}
	}()

	server := api.NewServer(cfg, st, authority, factory, patches, scheduler, broadcaster, m)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	slog.Info("Server listening", "addr", addr)
	return http.ListenAndServe(addr, server.Router())
}

// printTokenBanner dumps freshly generated tokens to stdout exactly once so
// the operator can distribute them. Subsequent boots load the same tokens
// from disk silently.
func printTokenBanner(a *auth.Authority) {
	fmt.Println("============================================================")
	fmt.Println("  Generated access tokens (shown once, stored in tokens.json)")
	fmt.Println("============================================================")
	for _, id := range a.TeamIDs() {
		fmt.Printf("  team%-3d %s\n", id, a.TeamToken(id))
	}
	fmt.Println("============================================================")
}
