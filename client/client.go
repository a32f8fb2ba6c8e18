// Package client is the Go client for the shared-board API: plain REST
// calls plus a Session that keeps a local board payload converged with
// the server while suppressing feedback loops.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// HeaderBoardSecret mirrors the server's secret header.
const HeaderBoardSecret = "X-Board-Secret"

// APIError is a machine-checkable error returned by the board endpoints.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
}

// IsUnauthorized reports whether the error asks for (re-)entry of the
// board secret.
func (e *APIError) IsUnauthorized() bool {
	return e.Code == "secret_required" || e.Code == "invalid_secret"
}

// Client talks to a shared-board API service.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// New creates a Client for the service at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// NewWithHTTPClient creates a Client using a caller-supplied http.Client.
// The stream endpoint requires a client without a global timeout.
func NewWithHTTPClient(baseURL string, httpc *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpc: httpc}
}

// CreateBoardRequest mirrors the creation endpoint.
type CreateBoardRequest struct {
	Name       string          `json:"name"`
	Secret     string          `json:"secret,omitempty"`
	Expiration string          `json:"expiration"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// CreateBoardResponse is the creation acknowledgement.
type CreateBoardResponse struct {
	ID      string     `json:"id"`
	URL     string     `json:"url"`
	Expires *time.Time `json:"expires"`
}

// BoardSnapshot is a full board read.
type BoardSnapshot struct {
	Data      json.RawMessage `json:"data"`
	Name      string          `json:"name"`
	ExpiresAt *time.Time      `json:"expiresAt"`
}

type updateRequest struct {
	Data     json.RawMessage `json:"data"`
	Secret   string          `json:"secret,omitempty"`
	UpdateID string          `json:"updateId"`
}

// CreateBoard provisions a new shared board.
func (c *Client) CreateBoard(ctx context.Context, req CreateBoardRequest) (*CreateBoardResponse, error) {
	var resp CreateBoardResponse
	if err := c.do(ctx, http.MethodPost, "/api/boards", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetBoard performs a full board read, presenting the secret via header.
func (c *Client) GetBoard(ctx context.Context, id, secret string) (*BoardSnapshot, error) {
	var resp BoardSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/boards/"+id, secret, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateBoard replaces the board payload wholesale. The update id is
// echoed back through the fan-out broadcast.
func (c *Client) UpdateBoard(ctx context.Context, id, secret string, data json.RawMessage, updateID string) error {
	req := updateRequest{Data: data, Secret: secret, UpdateID: updateID}
	return c.do(ctx, http.MethodPost, "/api/boards/"+id, "", req, nil)
}

func (c *Client) do(ctx context.Context, method, path, secret string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := sonic.ConfigStd.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret != "" {
		req.Header.Set(HeaderBoardSecret, secret)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return sonic.ConfigStd.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: "internal"}
	var envelope struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&envelope); err == nil {
		if envelope.Code != "" {
			apiErr.Code = envelope.Code
		}
		apiErr.Message = envelope.Error
	}
	return apiErr
}

// openStream joins the board's live channel. The caller owns the response
// body for the lifetime of the stream.
func (c *Client) openStream(ctx context.Context, id, secret string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/boards/"+id+"/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if secret != "" {
		req.Header.Set(HeaderBoardSecret, secret)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}
