// Package portfolio fetches wallet snapshots for drift analysis.
package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/rebalancer/service/strategy"
	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxTries        = 3
	defaultInitialInterval = 250 * time.Millisecond
)

// ErrWalletNotFound is returned when the portfolio service has no data for
// the wallet.
var ErrWalletNotFound = errors.New("wallet not found")

// Source supplies the current positions of a wallet.
type Source interface {
	Snapshot(ctx context.Context, wallet string) (strategy.Portfolio, error)
}

// HTTPSource reads snapshots from GET {base}/v1/portfolio/{wallet}.
// Transport errors and 5xx responses are retried with exponential backoff.
type HTTPSource struct {
	baseURL         string
	httpClient      *http.Client
	logger          *slog.Logger
	maxTries        uint
	initialInterval time.Duration
}

// NewHTTPSource creates an HTTPSource.
func NewHTTPSource(baseURL string, httpClient *http.Client, logger *slog.Logger) *HTTPSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &HTTPSource{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      httpClient,
		logger:          logger,
		maxTries:        defaultMaxTries,
		initialInterval: defaultInitialInterval,
	}
}

// Snapshot fetches the wallet's portfolio. A missing total is derived from
// the holdings.
func (s *HTTPSource) Snapshot(ctx context.Context, wallet string) (strategy.Portfolio, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialInterval

	attempt := 0
	p, err := backoff.Retry(ctx, func() (strategy.Portfolio, error) {
		attempt++
		p, err := s.fetch(ctx, wallet)
		if err != nil && !errors.As(err, new(*backoff.PermanentError)) {
			s.logger.WarnContext(ctx, "portfolio fetch attempt failed",
				"wallet", wallet,
				"attempt", attempt,
				"error", err,
			)
		}
		return p, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.maxTries))
	if err != nil {
		return strategy.Portfolio{}, err
	}

	if p.WalletAddress == "" {
		p.WalletAddress = wallet
	}
	if p.TotalValueUSD <= 0 {
		for _, h := range p.Holdings {
			p.TotalValueUSD += h.ValueUSD
		}
	}

	s.logger.DebugContext(ctx, "fetched portfolio snapshot",
		"wallet", wallet,
		"holdings", len(p.Holdings),
		"total_value_usd", p.TotalValueUSD,
		"attempts", attempt,
	)
	return p, nil
}

// fetch performs one request. Errors that retrying cannot fix are wrapped
// with backoff.Permanent.
func (s *HTTPSource) fetch(ctx context.Context, wallet string) (strategy.Portfolio, error) {
	u := fmt.Sprintf("%s/v1/portfolio/%s", s.baseURL, url.PathEscape(wallet))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return strategy.Portfolio{}, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return strategy.Portfolio{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return strategy.Portfolio{}, backoff.Permanent(fmt.Errorf("%w: %s", ErrWalletNotFound, wallet))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("portfolio service returned status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode < 500 {
			return strategy.Portfolio{}, backoff.Permanent(err)
		}
		return strategy.Portfolio{}, err
	}

	var p strategy.Portfolio
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return strategy.Portfolio{}, backoff.Permanent(fmt.Errorf("failed to decode portfolio: %w", err))
	}
	return p, nil
}

// Static serves fixed snapshots keyed by wallet. It backs tests and the
// CLI's offline mode.
type Static map[string]strategy.Portfolio

// Snapshot returns the stored portfolio for wallet.
func (s Static) Snapshot(ctx context.Context, wallet string) (strategy.Portfolio, error) {
	p, ok := s[wallet]
	if !ok {
		return strategy.Portfolio{}, fmt.Errorf("%w: %s", ErrWalletNotFound, wallet)
	}
	return p, nil
}
