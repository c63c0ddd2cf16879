package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	a, fresh, err := LoadOrGenerate(path, 3)
	require.NoError(t, err)
	assert.True(t, fresh)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	assert.Equal(t, []int{1, 2, 3}, a.TeamIDs())
	for i := 1; i <= 3; i++ {
		token := a.TeamToken(i)
		assert.Regexp(t, `^TEAM\d+_[0-9a-f]{64}$`, token)
	}
	assert.Empty(t, a.TeamToken(9))
}

func TestLoadOrGenerateStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	a, fresh, err := LoadOrGenerate(path, 2)
	require.NoError(t, err)
	require.True(t, fresh)

	b, fresh, err := LoadOrGenerate(path, 2)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, a.TeamToken(1), b.TeamToken(1))
	assert.Equal(t, a.TeamToken(2), b.TeamToken(2))

	// The reloaded admin token still validates as admin.
	assert.True(t, b.Validate(adminTokenOf(a)).Valid)
}

func adminTokenOf(a *Authority) string {
	return a.adminToken
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	a, _, err := LoadOrGenerate(path, 2)
	require.NoError(t, err)

	t.Run("admin", func(t *testing.T) {
		id := a.Validate(a.adminToken)
		assert.True(t, id.Valid)
		assert.Equal(t, RoleAdmin, id.Role)
		assert.Empty(t, id.TeamKey())
		assert.True(t, a.IsAdmin(a.adminToken))
	})

	t.Run("team", func(t *testing.T) {
		id := a.Validate(a.TeamToken(2))
		assert.True(t, id.Valid)
		assert.Equal(t, RoleTeam, id.Role)
		assert.Equal(t, 2, id.TeamID)
		assert.Equal(t, "team2", id.TeamKey())
		assert.False(t, a.IsAdmin(a.TeamToken(2)))
	})

	t.Run("garbage", func(t *testing.T) {
		for _, token := range []string{"", "nope", "ADMIN_", a.adminToken + "x"} {
			id := a.Validate(token)
			assert.False(t, id.Valid, "token %q", token)
			assert.Empty(t, id.TeamKey())
		}
	})

	t.Run("truncated team token", func(t *testing.T) {
		token := a.TeamToken(1)
		assert.False(t, a.Validate(token[:len(token)-1]).Valid)
	})
}

func TestLoadRejectsMissingAdmin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"team1": "TEAM1_abc"}`), 0o600))

	_, _, err := LoadOrGenerate(path, 1)
	assert.Error(t, err)
}
