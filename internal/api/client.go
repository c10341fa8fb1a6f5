package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"amscam/native/internal/domain"
)

var (
	// ErrUnauthorized means the session token was rejected and must be renewed.
	ErrUnauthorized = errors.New("session token rejected")
	// ErrNoToken means the backend answered but holds no token for the stream.
	ErrNoToken = errors.New("no token for stream")
)

const requestTimeout = 15 * time.Second

// Backend is one authentication protocol.
type Backend interface {
	Login(ctx context.Context) (domain.SessionToken, error)
	LookupPlayToken(ctx context.Context, session domain.SessionToken, streamID string) (string, error)
}

// Credentials identify the account used to log in.
type Credentials struct {
	BaseURL  string
	Email    string
	Password string
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

// RESTClient talks to the REST auth API.
type RESTClient struct {
	creds Credentials
	http  *http.Client
}

// NewRESTClient creates a REST backend. A nil httpClient uses a client with a 15s timeout.
func NewRESTClient(creds Credentials, httpClient *http.Client) *RESTClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &RESTClient{creds: creds, http: httpClient}
}

// Login posts the account credentials to /auth/login.
func (c *RESTClient) Login(ctx context.Context) (domain.SessionToken, error) {
	body, err := json.Marshal(loginRequest{Email: c.creds.Email, Password: c.creds.Password})
	if err != nil {
		return domain.SessionToken{}, fmt.Errorf("marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.creds.BaseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return domain.SessionToken{}, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	status, respBody, err := do(c.http, req)
	if err != nil {
		return domain.SessionToken{}, err
	}
	if !success(status) {
		return domain.SessionToken{}, fmt.Errorf("http %d: %s", status, respBody)
	}

	var resp tokenResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return domain.SessionToken{}, fmt.Errorf("unmarshal login response: %w", err)
	}
	if resp.Data.Token == "" {
		return domain.SessionToken{}, errors.New("token not found in login response")
	}
	return domain.SessionToken{Value: resp.Data.Token, IssuedVia: domain.IssuerREST}, nil
}

// LookupPlayToken fetches the play token of streamID.
func (c *RESTClient) LookupPlayToken(ctx context.Context, session domain.SessionToken, streamID string) (string, error) {
	u := c.creds.BaseURL + "/camera/getTokenByStreamId/" + url.PathEscape(streamID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+session.Value)

	status, respBody, err := do(c.http, req)
	if err != nil {
		return "", err
	}
	if status == http.StatusUnauthorized {
		return "", ErrUnauthorized
	}
	if !success(status) {
		return "", fmt.Errorf("http %d: %s", status, respBody)
	}

	var resp tokenResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unmarshal token response: %w", err)
	}
	if resp.Data.Token == "" {
		return "", ErrNoToken
	}
	return resp.Data.Token, nil
}

func do(client *http.Client, req *http.Request) (int, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func success(status int) bool {
	return status >= 200 && status < 300
}
