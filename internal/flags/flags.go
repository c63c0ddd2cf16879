// Package flags mints the per-round secret tokens teams steal from each
// other. Exactly one flag exists per (team, round, vulnerability type).
package flags

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/adctf/backend/internal/store"
)

// VulnTypes are the three exploitable surfaces of the team service, in the
// order flags are minted.
var VulnTypes = []string{"monitor", "logs", "download"}

type Factory struct {
	store *store.Store
	now   func() time.Time
}

func NewFactory(s *store.Store) *Factory {
	return &Factory{store: s, now: time.Now}
}

// Generate produces one flag value. The secret is the first 32 hex chars of
// SHA-256 over team, round, vuln type, 16 bytes of CSPRNG output and the
// current instant, so collisions are out of reach in practice.
func (f *Factory) Generate(teamID, roundNumber int, vulnType string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("flag entropy: %w", err)
	}
	seed := fmt.Sprintf("%d_%d_%s_%s_%s",
		teamID, roundNumber, vulnType,
		hex.EncodeToString(nonce),
		f.now().Format(time.RFC3339Nano),
	)
	sum := sha256.Sum256([]byte(seed))
	secret := hex.EncodeToString(sum[:])[:32]
	return fmt.Sprintf("FLAG{%d_%d_%s}", teamID, roundNumber, secret), nil
}

// CreateFlagsForRound mints and stores three flags per team. Returns
// team id → vuln type → flag value for the whole round.
func (f *Factory) CreateFlagsForRound(roundID int64, roundNumber int, teams []store.Team) (map[int]map[string]string, error) {
	minted := make(map[int]map[string]string, len(teams))
	for _, team := range teams {
		teamFlags := make(map[string]string, len(VulnTypes))
		for _, vuln := range VulnTypes {
			value, err := f.Generate(team.ID, roundNumber, vuln)
			if err != nil {
				return nil, err
			}
			if err := f.store.AddFlag(team.ID, roundID, value, vuln); err != nil {
				return nil, err
			}
			teamFlags[vuln] = value
		}
		minted[team.ID] = teamFlags
	}
	slog.Info("Flags minted for round", "round", roundNumber, "count", len(teams)*len(VulnTypes))
	return minted, nil
}

// TeamFlag returns one team's flag for a vulnerability in a round.
func (f *Factory) TeamFlag(teamID int, roundID int64, vulnType string) (string, error) {
	return f.store.TeamFlag(teamID, roundID, vulnType)
}

// TeamAllFlags returns the full three-entry map for a team and round.
func (f *Factory) TeamAllFlags(teamID int, roundID int64) (map[string]string, error) {
	return f.store.TeamFlags(teamID, roundID)
}
