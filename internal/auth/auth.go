// Package auth implements the token authority: opaque bearer tokens binding
// an identity to either the admin role or one specific team.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Role identifies what a validated token is allowed to do.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleTeam  Role = "team"
)

// Identity is the tagged result of token validation. Exactly one of the
// three cases holds: invalid, admin, or team (with TeamID set).
type Identity struct {
	Valid  bool
	Role   Role
	TeamID int // 1-based, only meaningful when Role == RoleTeam
}

// TeamKey renders the identity's team in the "team{N}" wire form.
func (id Identity) TeamKey() string {
	if !id.Valid || id.Role != RoleTeam {
		return ""
	}
	return fmt.Sprintf("team%d", id.TeamID)
}

// Authority holds the token table. It is written once at init and read-only
// afterwards; the mutex only guards the one-shot generation path.
type Authority struct {
	mu         sync.RWMutex
	adminToken string
	teamTokens map[int]string // team id → token
}

// tokenFile is the persisted JSON shape: {"admin": "...", "team1": "...", ...}
type tokenFile map[string]string

// LoadOrGenerate loads the token table from path, or generates and persists
// a fresh one when the file does not exist. Tokens are never regenerated
// while the file exists. Returns the authority and whether tokens were
// freshly generated (so the caller can print them exactly once).
func LoadOrGenerate(path string, numTeams int) (*Authority, bool, error) {
	a := &Authority{teamTokens: make(map[int]string)}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := a.loadJSON(data); err != nil {
			return nil, false, fmt.Errorf("token file %s: %w", path, err)
		}
		return a, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("read token file: %w", err)
	}

	if err := a.generate(numTeams); err != nil {
		return nil, false, err
	}
	if err := a.persist(path); err != nil {
		return nil, false, err
	}
	return a, true, nil
}

func (a *Authority) loadJSON(data []byte) error {
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return err
	}
	admin, ok := tf["admin"]
	if !ok {
		return fmt.Errorf("missing admin token")
	}
	a.adminToken = admin
	for key, token := range tf {
		if !strings.HasPrefix(key, "team") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(key, "team"))
		if err != nil {
			return fmt.Errorf("bad team key %q", key)
		}
		a.teamTokens[id] = token
	}
	return nil
}

func (a *Authority) generate(numTeams int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	secret, err := randomHex(32)
	if err != nil {
		return err
	}
	a.adminToken = "ADMIN_" + secret

	for i := 1; i <= numTeams; i++ {
		secret, err := randomHex(32)
		if err != nil {
			return err
		}
		a.teamTokens[i] = fmt.Sprintf("TEAM%d_%s", i, secret)
	}
	return nil
}

func (a *Authority) persist(path string) error {
	tf := tokenFile{"admin": a.adminToken}
	for id, token := range a.teamTokens {
		tf[fmt.Sprintf("team%d", id)] = token
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Validate classifies a presented token. Every stored token is compared in
// constant time and the walk never exits early, so response timing does not
// reveal which sub-check failed.
func (a *Authority) Validate(token string) Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()

	result := Identity{}
	if constantTimeEqual(token, a.adminToken) {
		result = Identity{Valid: true, Role: RoleAdmin}
	}
	for id, teamToken := range a.teamTokens {
		if constantTimeEqual(token, teamToken) {
			result = Identity{Valid: true, Role: RoleTeam, TeamID: id}
		}
	}
	return result
}

// IsAdmin reports whether the token is the admin token.
func (a *Authority) IsAdmin(token string) bool {
	id := a.Validate(token)
	return id.Valid && id.Role == RoleAdmin
}

// TeamToken returns the stored token for a team id, or "" if unknown.
// Used by the internal token lookup endpoint only.
func (a *Authority) TeamToken(teamID int) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.teamTokens[teamID]
}

// TeamIDs returns the registered team ids in ascending order.
func (a *Authority) TeamIDs() []int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]int, 0, len(a.teamTokens))
	for id := range a.teamTokens {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
