// Package client is an HTTP client for the seller API: OTP login and the
// order actions a seller takes in response to live events.
package client

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

	"github.com/nkkko/orderfeed/internal/logging"
	"github.com/nkkko/orderfeed/pkg/proto"
)

// TokenSource provides the bearer token attached to requests
type TokenSource interface {
	Token() string
}

// Client is an HTTP client for the seller API
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
	tokens     TokenSource
	timeout    time.Duration
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout bounds each request, whichever HTTP client sends it
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithTokenSource authenticates requests with the token it provides
func WithTokenSource(tokens TokenSource) ClientOption {
	return func(c *Client) {
		c.tokens = tokens
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a seller API client. baseURL includes the API prefix, e.g.
// http://10.0.2.2:5000/api.
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		headers:    headers,
		timeout:    30 * time.Second,
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// APIError is a non-2xx response from the seller API
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// User is the authenticated seller account
type User struct {
	ID         string `json:"_id"`
	Phone      string `json:"phone"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Role       string `json:"role"`
	IsVerified bool   `json:"isVerified"`
}

// OTPResponse acknowledges an OTP request
type OTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	// OTP is only echoed by development servers
	OTP string `json:"otp,omitempty"`
}

// Session is the result of a successful OTP verification
type Session struct {
	AccessToken  string
	RefreshToken string
	User         User
}

// tokenField decodes either a bare token string or {accessToken, refreshToken}
type tokenField struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (t *tokenField) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t.AccessToken = s
		return nil
	}
	type plain tokenField
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("token is neither a string nor an object: %w", err)
	}
	*t = tokenField(p)
	return nil
}

// FormatPhone prefixes numbers without a country code with +91
func FormatPhone(phone string) string {
	if strings.HasPrefix(phone, "+") {
		return phone
	}
	return "+91" + phone
}

// RequestOTP asks the server to send a login code to phone
func (c *Client) RequestOTP(ctx context.Context, phone string) (*OTPResponse, error) {
	var out OTPResponse
	body := map[string]string{"phone": FormatPhone(phone)}
	if err := c.call(ctx, http.MethodPost, "/auth/seller/otp/request", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyOTP exchanges a login code for a session
func (c *Client) VerifyOTP(ctx context.Context, phone, otp string) (*Session, error) {
	var out struct {
		Token tokenField `json:"token"`
		User  User       `json:"user"`
	}
	body := map[string]string{"phone": FormatPhone(phone), "otp": otp}
	if err := c.call(ctx, http.MethodPost, "/auth/seller/otp/verify", body, &out); err != nil {
		return nil, err
	}
	if out.Token.AccessToken == "" {
		return nil, fmt.Errorf("verify response has no access token")
	}

	return &Session{
		AccessToken:  out.Token.AccessToken,
		RefreshToken: out.Token.RefreshToken,
		User:         out.User,
	}, nil
}

// OrdersQuery filters an order listing
type OrdersQuery struct {
	Status []string
	Page   int
	Limit  int
}

// OrdersPage is one page of an order listing
type OrdersPage struct {
	Orders      []proto.Order `json:"orders"`
	TotalOrders int           `json:"totalOrders"`
	TotalPages  int           `json:"totalPages"`
	CurrentPage int           `json:"currentPage"`
}

// Orders lists the seller's orders
func (c *Client) Orders(ctx context.Context, query OrdersQuery) (*OrdersPage, error) {
	if query.Page <= 0 {
		query.Page = 1
	}
	if query.Limit <= 0 {
		query.Limit = 20
	}

	q := url.Values{}
	q.Set("page", fmt.Sprint(query.Page))
	q.Set("limit", fmt.Sprint(query.Limit))
	if len(query.Status) > 0 {
		q.Set("status", strings.Join(query.Status, ","))
	}

	var out OrdersPage
	if err := c.call(ctx, http.MethodGet, "/seller/orders?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PendingOrders lists orders awaiting the seller's decision
func (c *Client) PendingOrders(ctx context.Context) ([]proto.Order, error) {
	var out struct {
		Orders []proto.Order `json:"orders"`
	}
	if err := c.call(ctx, http.MethodGet, "/seller/orders/pending", nil, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

type orderResponse struct {
	Message string      `json:"message"`
	Order   proto.Order `json:"order"`
}

// AcceptOrder accepts a pending order
func (c *Client) AcceptOrder(ctx context.Context, orderID string) (*proto.Order, error) {
	var out orderResponse
	if err := c.call(ctx, http.MethodPost, orderPath(orderID, "accept"), nil, &out); err != nil {
		return nil, err
	}
	return &out.Order, nil
}

// RejectOrder rejects a pending order with a reason shown to the customer
func (c *Client) RejectOrder(ctx context.Context, orderID, reason string) (*proto.Order, error) {
	var out orderResponse
	body := map[string]string{"rejectionReason": reason}
	if err := c.call(ctx, http.MethodPost, orderPath(orderID, "reject"), body, &out); err != nil {
		return nil, err
	}
	return &out.Order, nil
}

// DriverAssignment reports the driver broadcast triggered by MarkPreparing
type DriverAssignment struct {
	Status        string `json:"status"`
	BroadcastedTo int    `json:"broadcastedTo"`
}

// PreparingResult is the response to MarkPreparing
type PreparingResult struct {
	Message          string            `json:"message"`
	Order            proto.Order       `json:"order"`
	DriverAssignment *DriverAssignment `json:"driverAssignment,omitempty"`
}

// MarkPreparing starts preparation. estimatedPrepTime is in minutes; zero
// leaves the estimate to the server.
func (c *Client) MarkPreparing(ctx context.Context, orderID string, estimatedPrepTime int) (*PreparingResult, error) {
	body := map[string]any{}
	if estimatedPrepTime > 0 {
		body["estimatedPrepTime"] = estimatedPrepTime
	}

	var out PreparingResult
	if err := c.call(ctx, http.MethodPost, orderPath(orderID, "preparing"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkReady marks the order ready for pickup
func (c *Client) MarkReady(ctx context.Context, orderID string) (*proto.Order, error) {
	var out orderResponse
	body := map[string]string{"status": proto.StatusReadyForPickup}
	if err := c.call(ctx, http.MethodPut, orderPath(orderID, "status"), body, &out); err != nil {
		return nil, err
	}
	return &out.Order, nil
}

func orderPath(orderID, action string) string {
	return fmt.Sprintf("/seller/orders/%s/%s", url.PathEscape(orderID), action)
}

// call performs a request and decodes a successful JSON response into out
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do performs an HTTP request
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}

	for k, v := range c.headers {
		req.Header[k] = v
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	logger := logging.FromContext(ctx)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error().Err(err).Str("method", method).Str("path", path).Msg("Request failed")
		return nil, err
	}

	requestID := resp.Header.Get("X-Request-Id")
	logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Str("request_id", requestID).
		Msg("API request")

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()

		data, _ := io.ReadAll(resp.Body)
		var errResp struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(data, &errResp)

		msg := errResp.Message
		if msg == "" {
			msg = errResp.Error
		}
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg, RequestID: requestID}
	}

	return resp, nil
}
