// Package wallet submits transactions through an external signing service.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/rebalancer/service/engine"
)

// submitRequest is the body of POST /v1/sign-and-submit.
type submitRequest struct {
	WalletAddress string         `json:"wallet_address"`
	Payload       engine.Payload `json:"payload"`
}

type submitResponse struct {
	Hash string `json:"hash"`
}

// Signer implements engine.Signer by delegating to a signing service that
// holds the wallet keys.
type Signer struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSigner creates a Signer for the service at baseURL.
func NewSigner(baseURL string, httpClient *http.Client, logger *slog.Logger) *Signer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Signer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// SignAndSubmit asks the signing service to sign payload for wallet and
// broadcast it. It returns the transaction hash.
func (s *Signer) SignAndSubmit(ctx context.Context, wallet string, payload engine.Payload) (string, error) {
	body, err := json.Marshal(submitRequest{WalletAddress: wallet, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/sign-and-submit", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", parseErrorResponse(resp)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("signing service returned no transaction hash")
	}

	s.logger.DebugContext(ctx, "transaction submitted",
		"wallet", wallet,
		"function", payload.EntryFunction,
		"hash", out.Hash,
	)
	return out.Hash, nil
}

func parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("signing service returned status %d: %s", resp.StatusCode, string(body))
	}
	return fmt.Errorf("signing service error (status %d): %s", resp.StatusCode, errResp.Error)
}
