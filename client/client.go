// Package client is a Go client for the tourmatch HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/tourmatch/ledger"
	"github.com/GoCodeAlone/tourmatch/market"
	"github.com/GoCodeAlone/tourmatch/server/api"
)

// HeaderAgentID names the caller when the server runs with auth disabled.
const HeaderAgentID = "X-Agent-ID"

// Client holds HTTP client state.
type Client struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// Agent is sent in X-Agent-ID when set.
	Agent      string
	HTTPClient *http.Client
}

// New returns a Client for baseURL with a 15s request timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Error is a non-2xx response. It unwraps to the market error matching its
// status code, so callers can use errors.Is.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return market.ErrInvalid
	case http.StatusForbidden:
		return market.ErrForbidden
	case http.StatusNotFound:
		return market.ErrNotFound
	case http.StatusConflict:
		return market.ErrInvalidState
	case http.StatusServiceUnavailable:
		return market.ErrTimeout
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.Agent != "" {
		req.Header.Set(HeaderAgentID, c.Agent)
	}
	return req, nil
}

// do performs a request and decodes a JSON response into v (may be nil).
func (c *Client) do(ctx context.Context, method, path string, body, v any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		return readError(resp)
	}
	if v != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func readError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	msg := strings.TrimSpace(string(b))
	var body api.Error
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &Error{StatusCode: resp.StatusCode, Message: msg}
}

// Status returns the server status.
func (c *Client) Status(ctx context.Context) (api.Status, error) {
	var st api.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

// Manifest returns the capability manifest.
func (c *Client) Manifest(ctx context.Context) (json.RawMessage, error) {
	var m json.RawMessage
	err := c.do(ctx, http.MethodGet, "/.well-known/tourmatch.json", nil, &m)
	return m, err
}

// Login exchanges an agent secret for a token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, agent, secret string) (api.TokenResponse, error) {
	var tok api.TokenResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/token", api.TokenRequest{AgentID: agent, Secret: secret}, &tok)
	if err != nil {
		return tok, err
	}
	c.Token = tok.Token
	return tok, nil
}

// SubmitOffer submits an offer owned by the caller and returns its id.
func (c *Client) SubmitOffer(ctx context.Context, o api.OfferSubmission) (string, error) {
	var res api.Submitted
	err := c.do(ctx, http.MethodPost, "/api/offers", o, &res)
	return res.ID, err
}

// SubmitRequest submits a request owned by the caller and returns its id.
func (c *Client) SubmitRequest(ctx context.Context, r api.RequestSubmission) (string, error) {
	var res api.Submitted
	err := c.do(ctx, http.MethodPost, "/api/requests", r, &res)
	return res.ID, err
}

// Offer returns one offer.
func (c *Client) Offer(ctx context.Context, id string) (*market.GuideOffer, error) {
	var o market.GuideOffer
	if err := c.do(ctx, http.MethodGet, "/api/offers/"+url.PathEscape(id), nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Request returns one request.
func (c *Client) Request(ctx context.Context, id string) (*market.TouristRequest, error) {
	var r market.TouristRequest
	if err := c.do(ctx, http.MethodGet, "/api/requests/"+url.PathEscape(id), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Offers lists offers, optionally restricted to one status.
func (c *Client) Offers(ctx context.Context, status market.Status) ([]*market.GuideOffer, error) {
	var out []*market.GuideOffer
	err := c.do(ctx, http.MethodGet, "/api/offers"+statusQuery(status), nil, &out)
	return out, err
}

// Requests lists requests, optionally restricted to one status.
func (c *Client) Requests(ctx context.Context, status market.Status) ([]*market.TouristRequest, error) {
	var out []*market.TouristRequest
	err := c.do(ctx, http.MethodGet, "/api/requests"+statusQuery(status), nil, &out)
	return out, err
}

func statusQuery(s market.Status) string {
	if s == "" {
		return ""
	}
	return "?status=" + url.QueryEscape(string(s))
}

// Withdraw takes one of the caller's OPEN offers or requests off the market.
func (c *Client) Withdraw(ctx context.Context, kind market.Kind, id string) error {
	return c.do(ctx, http.MethodPost, "/api/"+string(kind)+"s/"+url.PathEscape(id)+"/withdraw", nil, nil)
}

// Task returns one negotiation task.
func (c *Client) Task(ctx context.Context, id string) (*market.NegotiationTask, error) {
	var t market.NegotiationTask
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// TaskQuery filters Tasks. Zero fields match everything.
type TaskQuery struct {
	State market.TaskState
	Owner string
}

// Tasks lists negotiation tasks.
func (c *Client) Tasks(ctx context.Context, q TaskQuery) ([]*market.NegotiationTask, error) {
	v := url.Values{}
	if q.State != "" {
		v.Set("state", string(q.State))
	}
	if q.Owner != "" {
		v.Set("owner", q.Owner)
	}
	path := "/api/tasks"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out []*market.NegotiationTask
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Journal returns the recorded transitions of a task.
func (c *Client) Journal(ctx context.Context, taskID string) ([]ledger.Record, error) {
	var out []ledger.Record
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID)+"/journal", nil, &out)
	return out, err
}

// Accept accepts a proposal and returns the resulting assignment.
func (c *Client) Accept(ctx context.Context, taskID string) (*market.Assignment, error) {
	var a market.Assignment
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/accept", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Reject declines a proposal; the pair is never proposed again.
func (c *Client) Reject(ctx context.Context, taskID, reason string) (*market.NegotiationTask, error) {
	return c.resolve(ctx, taskID, "reject", reason)
}

// Cancel withdraws a pending proposal.
func (c *Client) Cancel(ctx context.Context, taskID, reason string) (*market.NegotiationTask, error) {
	return c.resolve(ctx, taskID, "cancel", reason)
}

func (c *Client) resolve(ctx context.Context, taskID, action, reason string) (*market.NegotiationTask, error) {
	var t market.NegotiationTask
	path := "/api/tasks/" + url.PathEscape(taskID) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, api.Reason{Reason: reason}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Assignments returns one page of assignments after since.
func (c *Client) Assignments(ctx context.Context, since uint64, limit int) (api.AssignmentPage, error) {
	v := url.Values{}
	v.Set("since", strconv.FormatUint(since, 10))
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var page api.AssignmentPage
	err := c.do(ctx, http.MethodGet, "/api/assignments?"+v.Encode(), nil, &page)
	return page, err
}
