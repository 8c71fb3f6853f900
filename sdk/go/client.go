package reclaimsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Reclaim HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set. Servers
	// only honour it with allow_actor_header enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

// Bounty amounts are decimal strings in ether.
type Bounty struct {
	ItemID     string `json:"item_id"`
	Amount     string `json:"amount"`
	Pledges    int    `json:"pledges"`
	Released   bool   `json:"released"`
	Recipient  string `json:"recipient,omitempty"`
	CreatedAt  string `json:"created_at"`
	ReleasedAt string `json:"released_at,omitempty"`
}

type Item struct {
	ID          string   `json:"id"`
	Owner       string   `json:"owner"`
	Fingerprint string   `json:"fingerprint"`
	IsFound     bool     `json:"is_found"`
	Finder      string   `json:"finder,omitempty"`
	CreatedAt   string   `json:"created_at"`
	VerifiedAt  string   `json:"verified_at,omitempty"`
	Metadata    Metadata `json:"metadata"`
	Bounty      *Bounty  `json:"bounty,omitempty"`
}

type ClaimDetails struct {
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Contact     string `json:"contact,omitempty"`
}

type Claim struct {
	ItemID     string       `json:"item_id"`
	Finder     string       `json:"finder"`
	Details    ClaimDetails `json:"details"`
	Status     string       `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	CreatedAt  string       `json:"created_at"`
	UpdatedAt  string       `json:"updated_at"`
	AcceptedAt *string      `json:"accepted_at,omitempty"`
	RejectedAt *string      `json:"rejected_at,omitempty"`
	Version    int64        `json:"version"`
}

type Settlement struct {
	ItemID        string  `json:"item_id"`
	Finder        string  `json:"finder"`
	Caller        string  `json:"caller"`
	State         string  `json:"state"`
	VerifiedAt    *string `json:"verified_at,omitempty"`
	ReleasedAt    *string `json:"released_at,omitempty"`
	ResolvedAt    *string `json:"resolved_at,omitempty"`
	Attempts      int     `json:"attempts"`
	FailedStep    string  `json:"failed_step,omitempty"`
	LastError     string  `json:"last_error,omitempty"`
	NextAttemptAt *string `json:"next_attempt_at,omitempty"`
}

// SettlementResult is returned by accept and retry.
type SettlementResult struct {
	Claim      Claim      `json:"claim"`
	Settlement Settlement `json:"settlement"`
	Item       Item       `json:"item"`
	Bounty     *Bounty    `json:"bounty,omitempty"`
	Superseded []string   `json:"superseded,omitempty"`
}

type Dispute struct {
	ID         string `json:"id"`
	ItemID     string `json:"item_id"`
	Finder     string `json:"finder"`
	OpenedBy   string `json:"opened_by"`
	Reason     string `json:"reason,omitempty"`
	Status     string `json:"status"`
	ResolvedBy string `json:"resolved_by,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	CreatedAt  string `json:"created_at"`
	ResolvedAt string `json:"resolved_at,omitempty"`
}

type DisputeResult struct {
	Dispute    Dispute           `json:"dispute"`
	Settlement *SettlementResult `json:"settlement,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	Network    string         `json:"network,omitempty"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ReportItem describes a lost item. Reward is optional.
type ReportItem struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Reward      string `json:"reward,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

func (c *Client) ReportItem(ctx context.Context, in ReportItem) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, "items", in, &resp)
	return resp, err
}

func (c *Client) Item(ctx context.Context, itemID string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, "items/"+url.PathEscape(itemID), nil, &resp)
	return resp, err
}

// Board lists items newest first.
func (c *Client) Board(ctx context.Context) ([]Item, error) {
	var resp struct {
		Items []Item `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "items", nil, &resp)
	return resp.Items, err
}

func (c *Client) OwnerItems(ctx context.Context, owner string) ([]Item, error) {
	var resp struct {
		Items []Item `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("owners/%s/items", url.PathEscape(owner)), nil, &resp)
	return resp.Items, err
}

func (c *Client) Pledge(ctx context.Context, itemID, amount string) (Bounty, error) {
	var resp Bounty
	err := c.do(ctx, http.MethodPost, itemPath(itemID, "bounty"), map[string]string{"amount": amount}, &resp)
	return resp, err
}

func (c *Client) Bounty(ctx context.Context, itemID string) (Bounty, error) {
	var resp Bounty
	err := c.do(ctx, http.MethodGet, itemPath(itemID, "bounty"), nil, &resp)
	return resp, err
}

// FileClaim files a claim on the item as the authenticated caller.
func (c *Client) FileClaim(ctx context.Context, itemID string, details ClaimDetails) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodPost, itemPath(itemID, "claims"), details, &resp)
	return resp, err
}

func (c *Client) ItemClaims(ctx context.Context, itemID string) ([]Claim, error) {
	var resp struct {
		Items []Claim `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, itemPath(itemID, "claims"), nil, &resp)
	return resp.Items, err
}

// MyClaims lists claims on the caller's items (role "owner") or filed by the
// caller (role "finder").
func (c *Client) MyClaims(ctx context.Context, role string) ([]Claim, error) {
	var resp struct {
		Items []Claim `json:"items"`
	}
	endpoint := "claims"
	if role != "" {
		endpoint += "?role=" + url.QueryEscape(role)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) AcceptClaim(ctx context.Context, itemID, finder string) (SettlementResult, error) {
	var resp SettlementResult
	err := c.do(ctx, http.MethodPost, claimPath(itemID, finder, "accept"), nil, &resp)
	return resp, err
}

func (c *Client) RejectClaim(ctx context.Context, itemID, finder, reason string) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodPost, claimPath(itemID, finder, "reject"), map[string]string{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) RetrySettlement(ctx context.Context, itemID, finder string) (SettlementResult, error) {
	var resp SettlementResult
	err := c.do(ctx, http.MethodPost, claimPath(itemID, finder, "retry"), nil, &resp)
	return resp, err
}

func (c *Client) Settlements(ctx context.Context, state string) ([]Settlement, error) {
	var resp struct {
		Items []Settlement `json:"items"`
	}
	endpoint := "settlements"
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) OpenDispute(ctx context.Context, itemID, finder, reason string) (Dispute, error) {
	var resp Dispute
	body := map[string]string{"finder": finder, "reason": reason}
	err := c.do(ctx, http.MethodPost, itemPath(itemID, "disputes"), body, &resp)
	return resp, err
}

func (c *Client) Disputes(ctx context.Context, status string) ([]Dispute, error) {
	var resp struct {
		Items []Dispute `json:"items"`
	}
	endpoint := "disputes"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ResolveDispute applies outcome "uphold" or "award".
func (c *Client) ResolveDispute(ctx context.Context, disputeID, outcome, note string) (DisputeResult, error) {
	var resp DisputeResult
	body := map[string]string{"outcome": outcome, "note": note}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("disputes/%s/resolve", url.PathEscape(disputeID)), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func itemPath(itemID, p string) string {
	return fmt.Sprintf("items/%s/%s", url.PathEscape(itemID), p)
}

func claimPath(itemID, finder, action string) string {
	return fmt.Sprintf("items/%s/claims/%s/%s", url.PathEscape(itemID), url.PathEscape(finder), action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
