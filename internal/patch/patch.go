// Package patch stores team-uploaded source patches on disk. One blob per
// team, last writer wins, never versioned and never deleted after apply.
package patch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Store struct {
	dir string
}

// Info describes one stored patch for listing.
type Info struct {
	TeamID   int
	TeamName string
	Filename string
	Size     int64
	Modified time.Time
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create patch dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) filename(teamID int) string {
	return fmt.Sprintf("%d_app.py", teamID)
}

// Path returns the on-disk location of a team's patch whether or not one
// has been uploaded yet.
func (s *Store) Path(teamID int) string {
	return filepath.Join(s.dir, s.filename(teamID))
}

// Upload replaces the team's stored patch with the reader's contents.
func (s *Store) Upload(teamID int, r io.Reader) error {
	tmp, err := os.CreateTemp(s.dir, "upload-*")
	if err != nil {
		return fmt.Errorf("patch upload: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("patch upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("patch upload: %w", err)
	}
	// Rename gives last-writer-wins without readers ever seeing a torn file.
	if err := os.Rename(tmp.Name(), s.Path(teamID)); err != nil {
		return fmt.Errorf("patch upload: %w", err)
	}
	return nil
}

// Fetch reads a team's stored patch. Returns os.ErrNotExist when the team
// has not uploaded one.
func (s *Store) Fetch(teamID int) ([]byte, error) {
	data, err := os.ReadFile(s.Path(teamID))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Exists reports whether a team has a stored patch.
func (s *Store) Exists(teamID int) bool {
	_, err := os.Stat(s.Path(teamID))
	return err == nil
}

// List returns metadata for every stored patch, sorted by team id.
// teamNames maps team id → display name for the listing.
func (s *Store) List(teamNames map[int]string) ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}

	var patches []Info
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, "_app.py") {
			continue
		}
		teamID, err := strconv.Atoi(strings.SplitN(name, "_", 2)[0])
		if err != nil {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		teamName, ok := teamNames[teamID]
		if !ok {
			teamName = fmt.Sprintf("Team %d", teamID)
		}
		patches = append(patches, Info{
			TeamID:   teamID,
			TeamName: teamName,
			Filename: name,
			Size:     fi.Size(),
			Modified: fi.ModTime(),
		})
	}

	sort.Slice(patches, func(i, j int) bool { return patches[i].TeamID < patches[j].TeamID })
	return patches, nil
}
