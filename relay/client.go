package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ruteri/social-recovery-backend/interfaces"
)

// Client is the HTTP implementation of interfaces.RelayClient. Device
// sessions use it against a deployed relay; tests and in-process callers can
// use the Ledger directly instead.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a relay client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: http.DefaultClient}
}

// RegisterPolicy registers a user's approver policy with the relay.
func (c *Client) RegisterPolicy(ctx context.Context, userID string, policy interfaces.Policy) error {
	_, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/policy/%s", userID),
		registerPolicyRequest{Policy: policy}, http.StatusNoContent)
	return err
}

// FetchParticipantState is the idempotent state read both devices poll.
func (c *Client) FetchParticipantState(ctx context.Context, userID string) (interfaces.ParticipantState, error) {
	return c.stateRequest(ctx, http.MethodGet, fmt.Sprintf("/api/state/%s", userID), nil)
}

// InitiateAccess opens a new access request with the given intent.
func (c *Client) InitiateAccess(ctx context.Context, userID string, intent interfaces.AccessIntent) (interfaces.ParticipantState, error) {
	return c.stateRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/access/%s", userID),
		initiateAccessRequest{Intent: intent})
}

// CancelAccess cancels the in-flight access request.
func (c *Client) CancelAccess(ctx context.Context, userID string) (interfaces.ParticipantState, error) {
	return c.stateRequest(ctx, http.MethodDelete, fmt.Sprintf("/api/access/%s", userID), nil)
}

// AcceptRequest accepts an approval request on the approver device.
func (c *Client) AcceptRequest(ctx context.Context, approvalID string) (interfaces.ParticipantState, error) {
	return c.stateRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/approval/%s/accept", approvalID), nil)
}

// StoreTotpSecret stores the encrypted TOTP secret for an approval.
func (c *Client) StoreTotpSecret(ctx context.Context, approvalID string, encryptedSecret []byte) (interfaces.ParticipantState, error) {
	return c.stateRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/approval/%s/secret", approvalID),
		storeSecretRequest{EncryptedSecret: encryptedSecret})
}

// SubmitTotpVerification submits the owner's signed code.
func (c *Client) SubmitTotpVerification(ctx context.Context, approvalID string, submission interfaces.VerificationSubmission) (interfaces.ParticipantState, error) {
	return c.stateRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/approval/%s/verification", approvalID), submission)
}

// RejectRequest rejects the in-flight verification with fresh entropy.
func (c *Client) RejectRequest(ctx context.Context, approvalID string, freshEntropy []byte) (interfaces.ParticipantState, error) {
	return c.stateRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/approval/%s/reject", approvalID),
		rejectRequest{FreshEntropy: freshEntropy})
}

// ApproveAccess records the participant's approval with their encrypted shard.
func (c *Client) ApproveAccess(ctx context.Context, approvalID string, shard interfaces.EncryptedSecretShard) (interfaces.ParticipantState, error) {
	return c.stateRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/approval/%s/approve", approvalID),
		approveRequest{Shard: shard})
}

func (c *Client) stateRequest(ctx context.Context, method, path string, body interface{}) (interfaces.ParticipantState, error) {
	respBody, err := c.do(ctx, method, path, body, http.StatusOK)
	if err != nil {
		return interfaces.ParticipantState{}, err
	}

	var state interfaces.ParticipantState
	if err := json.Unmarshal(respBody, &state); err != nil {
		return interfaces.ParticipantState{}, fmt.Errorf("could not parse relay response: %w", err)
	}
	return state, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, wantStatus int) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("could not encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read relay response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		return nil, fmt.Errorf("relay returned %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
