// Package client is a typed HTTP client for the bondline API, used by the
// CLI's remote commands.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/engine"
	"github.com/lazypower/bondline/internal/ledger"
)

const (
	defaultServerURL = "http://127.0.0.1:37780"
	httpTimeout      = 10 * time.Second
)

// Client talks to the bondline server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty URL falls back to BONDLINE_URL
// and then to http://127.0.0.1:37780.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("BONDLINE_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%d %s, field %s)", e.Message, e.Status, e.Code, e.Field)
	}
	return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
}

// do sends a JSON request and decodes the response into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, r)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil) == nil
}

// EstablishRequest is the body of a bond request.
type EstablishRequest struct {
	UserID  string       `json:"user_id"`
	AgentID string       `json:"agent_id"`
	Tier    bond.Tier    `json:"tier"`
	Metrics bond.Metrics `json:"metrics"`
}

// Establish requests a bond; the result says whether it bonded or queued.
func (c *Client) Establish(ctx context.Context, req EstablishRequest) (*engine.EstablishResult, error) {
	var res engine.EstablishResult
	if err := c.do(ctx, http.MethodPost, "/api/bonds", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetBond(ctx context.Context, bondID string) (*bond.Bond, error) {
	var b bond.Bond
	if err := c.do(ctx, http.MethodGet, "/api/bonds/"+url.PathEscape(bondID), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) UpdateMetrics(ctx context.Context, bondID string, patch bond.MetricsPatch) (*bond.Bond, error) {
	var b bond.Bond
	if err := c.do(ctx, http.MethodPatch, "/api/bonds/"+url.PathEscape(bondID)+"/metrics", patch, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Release ends a bond and returns its legacy badge. An empty reason is
// voluntary.
func (c *Client) Release(ctx context.Context, bondID string, reason bond.ReleaseReason) (*bond.LegacyBadge, error) {
	body := map[string]bond.ReleaseReason{"reason": reason}
	var badge bond.LegacyBadge
	if err := c.do(ctx, http.MethodPost, "/api/bonds/"+url.PathEscape(bondID)+"/release", body, &badge); err != nil {
		return nil, err
	}
	return &badge, nil
}

func (c *Client) UserBonds(ctx context.Context, userID string) ([]*bond.Bond, error) {
	var bonds []*bond.Bond
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/bonds", nil, &bonds)
	return bonds, err
}

func (c *Client) UserLegacy(ctx context.Context, userID string) ([]*bond.LegacyBadge, error) {
	var badges []*bond.LegacyBadge
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/legacy", nil, &badges)
	return badges, err
}

func queuePath(agentID, userID string) string {
	return "/api/queue/" + url.PathEscape(agentID) + "/" + url.PathEscape(userID)
}

// QueuePosition returns the user's 1-based place in the agent's queue.
func (c *Client) QueuePosition(ctx context.Context, userID, agentID string) (int, *bond.QueueEntry, error) {
	var res struct {
		Position int              `json:"position"`
		Entry    *bond.QueueEntry `json:"entry"`
	}
	if err := c.do(ctx, http.MethodGet, queuePath(agentID, userID), nil, &res); err != nil {
		return 0, nil, err
	}
	return res.Position, res.Entry, nil
}

func (c *Client) CancelQueue(ctx context.Context, userID, agentID string) (*bond.QueueEntry, error) {
	var entry bond.QueueEntry
	if err := c.do(ctx, http.MethodDelete, queuePath(agentID, userID), nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func offerPath(agentID, userID, action string) string {
	return "/api/offers/" + url.PathEscape(agentID) + "/" + url.PathEscape(userID) + "/" + action
}

func (c *Client) AcceptOffer(ctx context.Context, userID, agentID string) (*bond.Bond, error) {
	var b bond.Bond
	if err := c.do(ctx, http.MethodPost, offerPath(agentID, userID, "accept"), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) DeclineOffer(ctx context.Context, userID, agentID string) error {
	return c.do(ctx, http.MethodPost, offerPath(agentID, userID, "decline"), nil, nil)
}

func tierPath(agentID string, tier bond.Tier, action string) string {
	return "/api/agents/" + url.PathEscape(agentID) + "/tiers/" + tier.String() + "/" + action
}

func (c *Client) Occupancy(ctx context.Context, agentID string, tier bond.Tier) (*ledger.Occupancy, error) {
	var occ ledger.Occupancy
	if err := c.do(ctx, http.MethodGet, tierPath(agentID, tier, "occupancy"), nil, &occ); err != nil {
		return nil, err
	}
	return &occ, nil
}

func (c *Client) SetCapacity(ctx context.Context, agentID string, tier bond.Tier, capacity int) (*ledger.Occupancy, error) {
	body := map[string]int{"capacity": capacity}
	var occ ledger.Occupancy
	if err := c.do(ctx, http.MethodPut, tierPath(agentID, tier, "capacity"), body, &occ); err != nil {
		return nil, err
	}
	return &occ, nil
}

// Leaderboard fetches ranked bonds matching q.
func (c *Client) Leaderboard(ctx context.Context, q engine.LeaderboardQuery) ([]bond.BondSummary, error) {
	params := url.Values{}
	if q.Tier != nil {
		params.Set("tier", q.Tier.String())
	}
	if q.Limit != 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.ExcludeAtRisk {
		params.Set("exclude_at_risk", "true")
	}
	path := "/api/leaderboard"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var rows []bond.BondSummary
	err := c.do(ctx, http.MethodGet, path, nil, &rows)
	return rows, err
}

func (c *Client) Stats(ctx context.Context) (*bond.GlobalStats, error) {
	var stats bond.GlobalStats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Sweep triggers one decay sweep on the server.
func (c *Client) Sweep(ctx context.Context) (*engine.SweepReport, error) {
	var report engine.SweepReport
	if err := c.do(ctx, http.MethodPost, "/api/sweep", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
