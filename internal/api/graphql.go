package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"amscam/native/internal/domain"
)

const loginMutation = `mutation Login($email: String!, $password: String!) {
  login(email: $email, password: $password) {
    data
    message
  }
}`

const cameraQuery = `query GetCameraByStreamId($streamId: String!) {
  getCameraByStreamId(streamId: $streamId) {
    id
    camId
    streamUrl
    cameraName
    token
    active
  }
}`

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// GraphQLClient talks to the GraphQL auth API used by the protech deployment.
type GraphQLClient struct {
	creds Credentials
	http  *http.Client
}

// NewGraphQLClient creates a GraphQL backend. A nil httpClient uses a client with a 15s timeout.
func NewGraphQLClient(creds Credentials, httpClient *http.Client) *GraphQLClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &GraphQLClient{creds: creds, http: httpClient}
}

// Login runs the login mutation.
func (c *GraphQLClient) Login(ctx context.Context) (domain.SessionToken, error) {
	resp, status, err := c.post(ctx, "", graphqlRequest{
		Query:     loginMutation,
		Variables: map[string]any{"email": c.creds.Email, "password": c.creds.Password},
	})
	if err != nil {
		return domain.SessionToken{}, err
	}
	if !success(status) {
		return domain.SessionToken{}, fmt.Errorf("graphql login: http %d", status)
	}
	if len(resp.Errors) > 0 {
		return domain.SessionToken{}, fmt.Errorf("graphql login: %s", resp.Errors[0].Message)
	}

	var data struct {
		Login struct {
			Data json.RawMessage `json:"data"`
		} `json:"login"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return domain.SessionToken{}, fmt.Errorf("unmarshal login data: %w", err)
	}

	var auth struct {
		Token string `json:"token"`
	}
	if err := decodeScalar(data.Login.Data, &auth); err != nil {
		return domain.SessionToken{}, fmt.Errorf("decode login scalar: %w", err)
	}
	if auth.Token == "" {
		return domain.SessionToken{}, errors.New("token not found in graphql login response")
	}
	return domain.SessionToken{Value: auth.Token, IssuedVia: domain.IssuerGraphQL}, nil
}

// LookupPlayToken runs the camera query for streamID.
func (c *GraphQLClient) LookupPlayToken(ctx context.Context, session domain.SessionToken, streamID string) (string, error) {
	resp, status, err := c.post(ctx, session.Value, graphqlRequest{
		Query:     cameraQuery,
		Variables: map[string]any{"streamId": streamID},
	})
	if err != nil {
		return "", err
	}
	if status == http.StatusUnauthorized {
		return "", ErrUnauthorized
	}
	if !success(status) {
		return "", fmt.Errorf("graphql camera lookup: http %d", status)
	}
	if len(resp.Errors) > 0 {
		msg := strings.ToLower(resp.Errors[0].Message)
		if strings.Contains(msg, "unauthorized") || strings.Contains(msg, "token") {
			return "", fmt.Errorf("%w: %s", ErrUnauthorized, resp.Errors[0].Message)
		}
		return "", fmt.Errorf("graphql camera lookup: %s", resp.Errors[0].Message)
	}

	var data struct {
		Camera json.RawMessage `json:"getCameraByStreamId"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", fmt.Errorf("unmarshal camera data: %w", err)
	}

	var camera struct {
		Token string `json:"token"`
	}
	if err := decodeScalar(data.Camera, &camera); err != nil {
		return "", fmt.Errorf("decode camera scalar: %w", err)
	}
	if camera.Token == "" {
		return "", ErrNoToken
	}
	return camera.Token, nil
}

func (c *GraphQLClient) post(ctx context.Context, bearer string, q graphqlRequest) (*graphqlResponse, int, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.creds.BaseURL+"/graphql", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	status, respBody, err := do(c.http, req)
	if err != nil {
		return nil, 0, err
	}
	if !success(status) {
		return &graphqlResponse{}, status, nil
	}

	var resp graphqlResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, status, fmt.Errorf("unmarshal graphql response: %w", err)
	}
	return &resp, status, nil
}

// decodeScalar decodes a JSON scalar field that may hold either an object
// or a string containing that object's JSON encoding. Null and empty
// values leave v untouched.
func decodeScalar(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		raw = json.RawMessage(s)
	}
	return json.Unmarshal(raw, v)
}
