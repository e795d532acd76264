// ABOUTME: HTTP client for the issuer and verifier endpoints
// ABOUTME: Every call carries a holder token and maps replies onto the protocol error taxonomy

package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// maxBodyBytes caps how much of a reply is read.
const maxBodyBytes = 1 << 20

// Client talks to issuers and verifiers.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a protocol client. A nil httpClient gets a 30s timeout client.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger.With("component", "protocol"),
	}
}

// RequestClaim submits a claim request and returns the issuer's request id.
func (c *Client) RequestClaim(ctx context.Context, issuerURL, token string, req ClaimRequest) (int, error) {
	var resp ClaimRequestResponse
	if err := c.do(ctx, http.MethodPost, issuerURL, []string{"claim", "request"}, token, req, &resp, ErrClaimRejected); err != nil {
		return 0, fmt.Errorf("requesting claim: %w", err)
	}
	return resp.ID, nil
}

// ClaimStatus polls the status of a claim request.
func (c *Client) ClaimStatus(ctx context.Context, issuerURL, token string, id int) (*ClaimStatusResponse, error) {
	var resp ClaimStatusResponse
	if err := c.do(ctx, http.MethodGet, issuerURL, []string{"claim", "status", strconv.Itoa(id)}, token, nil, &resp, ErrClaimRejected); err != nil {
		return nil, fmt.Errorf("polling claim status: %w", err)
	}
	switch resp.Status {
	case StatusPending, StatusRejected:
	case StatusApproved:
		if resp.Claim == nil {
			return nil, fmt.Errorf("polling claim status: %w: approved without claim", ErrBadResponse)
		}
	default:
		return nil, fmt.Errorf("polling claim status: %w: unknown status %q", ErrBadResponse, resp.Status)
	}
	return &resp, nil
}

// RequestCredential asks the issuer for the credential of an approved claim.
func (c *Client) RequestCredential(ctx context.Context, issuerURL, token string, claim Claim) (*CredentialResponse, error) {
	var resp CredentialResponse
	if err := c.do(ctx, http.MethodPost, issuerURL, []string{"claim", "credential"}, token, CredentialRequest{Claim: claim}, &resp, ErrClaimRejected); err != nil {
		return nil, fmt.Errorf("requesting credential: %w", err)
	}
	switch resp.Status {
	case CredentialNotYet:
	case CredentialReady:
		if resp.Credential == nil {
			return nil, fmt.Errorf("requesting credential: %w: ready without credential", ErrBadResponse)
		}
	default:
		return nil, fmt.Errorf("requesting credential: %w: unknown status %q", ErrBadResponse, resp.Status)
	}
	return &resp, nil
}

// Verify submits a full credential to a verifier. A nil error means accepted.
func (c *Client) Verify(ctx context.Context, verifierURL, token string, req VerifyRequest) error {
	if err := c.do(ctx, http.MethodPost, verifierURL, []string{"verify"}, token, req, nil, ErrProofRejected); err != nil {
		return fmt.Errorf("verifying credential: %w", err)
	}
	return nil
}

// VerifyZK submits a selective disclosure to a verifier.
func (c *Client) VerifyZK(ctx context.Context, verifierURL, token string, req VerifyZKRequest) error {
	if err := c.do(ctx, http.MethodPost, verifierURL, []string{"verifyzkp"}, token, req, nil, ErrProofRejected); err != nil {
		return fmt.Errorf("verifying disclosure: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, base string, path []string, token string, body, out any, rejected error) error {
	endpoint, err := url.JoinPath(base, path...)
	if err != nil {
		return fmt.Errorf("building URL from %q: %w", base, err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, endpoint, ctx.Err())
		}
		return fmt.Errorf("%w: %s %s: %v", ErrNetworkUnavailable, method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: reading reply: %v", ErrNetworkUnavailable, err)
	}

	c.logger.Debug("protocol call",
		"method", method,
		"url", endpoint,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = string(bytes.TrimSpace(raw))
		}
		return &ServerError{
			StatusCode: resp.StatusCode,
			Message:    e.Error,
			Kind:       classify(resp.StatusCode, e.Error, rejected),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}
