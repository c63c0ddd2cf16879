// Package checker probes each team's vulnerable service for functional
// health. A team is UP when at least two of its three endpoints work.
package checker

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adctf/backend/internal/store"
)

// minBodyLen is the functional-response threshold: a working endpoint
// returns a real listing/search/command output, never a stub this short.
const minBodyLen = 100

// endpoints probed per team, in order.
var endpoints = []string{"/files", "/logs", "/monitor"}

type Checker struct {
	store  *store.Store
	client *http.Client
}

// New builds a checker with a per-request connect+read timeout.
func New(s *store.Store, timeout time.Duration) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		store:  s,
		client: &http.Client{Timeout: timeout},
	}
}

// checkEndpoint exercises one endpoint's actual function. Returns pass and,
// on failure, a short reason.
func (c *Checker) checkEndpoint(baseURL, endpoint string) (bool, string) {
	var resp *http.Response
	var err error

	switch endpoint {
	case "/files":
		resp, err = c.client.Get(baseURL + "/files")
	case "/logs":
		resp, err = c.client.PostForm(baseURL+"/logs", url.Values{"keyword": {"test"}})
	case "/monitor":
		resp, err = c.client.PostForm(baseURL+"/monitor", url.Values{"host": {"localhost"}})
	default:
		return false, "Unknown endpoint"
	}

	if err != nil {
		return false, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, classifyError(err)
	}
	if len(body) < minBodyLen {
		return false, "Response too short"
	}
	return true, ""
}

func classifyError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Client.Timeout"), strings.Contains(msg, "context deadline exceeded"):
		return "Timeout"
	case strings.Contains(msg, "connection refused"):
		return "Connection refused"
	default:
		return msg
	}
}

// CheckTeam probes all three endpoints of one team. ResponseTime is the
// total wall time across the three probes, in seconds.
func (c *Checker) CheckTeam(team store.Team) (isUp bool, responseTime float64, errorMessage string) {
	baseURL := fmt.Sprintf("http://%s:%d", team.Host, team.Port)
	start := time.Now()

	passed := 0
	var failures []string
	for _, ep := range endpoints {
		ok, reason := c.checkEndpoint(baseURL, ep)
		if ok {
			passed++
		} else {
			failures = append(failures, fmt.Sprintf("%s: %s", ep, reason))
		}
	}

	responseTime = time.Since(start).Seconds()
	isUp = passed >= 2

	switch {
	case passed == len(endpoints):
		errorMessage = ""
	case isUp:
		errorMessage = fmt.Sprintf("Partial (%d/3): %s", passed, strings.Join(failures, "; "))
	default:
		errorMessage = fmt.Sprintf("Failed (%d/3): %s", passed, strings.Join(failures, "; "))
	}

	slog.Info("Service check", "team", team.ID, "passed", passed, "up", isUp,
		"elapsed", fmt.Sprintf("%.2fs", responseTime))
	return isUp, responseTime, errorMessage
}

// CheckAll probes every team, records one ServiceProbe row each, and
// returns team id → up.
func (c *Checker) CheckAll(teams []store.Team, roundID int64) map[int]bool {
	results := make(map[int]bool, len(teams))
	for _, team := range teams {
		isUp, elapsed, errMsg := c.CheckTeam(team)

		if err := c.store.RecordProbe(store.ProbeStatus{
			TeamID:       team.ID,
			RoundID:      roundID,
			IsUp:         isUp,
			ResponseTime: elapsed,
			ErrorMessage: errMsg,
		}); err != nil {
			slog.Error("Failed to record probe", "team", team.ID, "error", err)
		}
		results[team.ID] = isUp

		if errMsg != "" {
			slog.Warn("Service degraded", "team", team.ID, "detail", errMsg)
		}
	}
	return results
}
