package arcade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Config holds tool worker connection settings
type Config struct {
	WorkerURL    string
	WorkerSecret string
	UserID       string
	Timeout      time.Duration
}

// Client calls tools on a remote tool-execution worker
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a tool worker client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// invokeRequest is the wire format of a tool invocation
type invokeRequest struct {
	Tool   toolRef        `json:"tool"`
	Inputs map[string]any `json:"inputs"`
	UserID string         `json:"user_id"`
}

type toolRef struct {
	Toolkit string `json:"toolkit"`
	Name    string `json:"name"`
}

// invokeResponse is the wire format of a tool invocation result
type invokeResponse struct {
	Success bool `json:"success"`
	Output  struct {
		Value map[string]any `json:"value"`
		Error string         `json:"error"`
	} `json:"output"`
}

// Invoke executes a tool on the worker and returns its output value
func (c *Client) Invoke(ctx context.Context, toolkit, tool string, inputs map[string]any) (map[string]any, error) {
	token, err := c.signToken()
	if err != nil {
		return nil, fmt.Errorf("failed to sign worker token: %w", err)
	}

	body, err := json.Marshal(invokeRequest{
		Tool:   toolRef{Toolkit: toolkit, Name: tool},
		Inputs: inputs,
		UserID: c.cfg.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invoke request: %w", err)
	}

	url := c.cfg.WorkerURL + "/worker/tools/invoke"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	c.logger.Debug("Invoking worker tool",
		zap.String("toolkit", toolkit),
		zap.String("tool", tool))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("worker request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result invokeResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode worker response: %w", err)
	}

	if !result.Success {
		return nil, fmt.Errorf("tool %s.%s failed: %s", toolkit, tool, result.Output.Error)
	}

	return result.Output.Value, nil
}

// signToken builds the short-lived HS256 token the worker expects
func (c *Client) signToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user": c.cfg.UserID,
		"aud":  "worker",
		"ver":  "1",
		"iat":  now.Unix(),
		"exp":  now.Add(5 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.cfg.WorkerSecret))
}
