package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/rebalancer/service/metrics"
	natspkg "github.com/brojonat/rebalancer/service/nats"
)

const (
	sseKeepaliveInterval = 10 * time.Second
	sseBufferSize        = 16
)

// handleStreamEvents streams engine events as Server-Sent Events. With no
// address path parameter it streams every wallet.
// GET /api/v1/stream/events[/{address}]
func handleStreamEvents(events EventSource, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		walletDesc := address
		if address == "" {
			walletDesc = "all wallets"
		} else if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flush := func() {
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}
		flush()

		logger.DebugContext(r.Context(), "SSE client connected",
			"wallet", walletDesc,
			"remote_addr", r.RemoteAddr,
		)
		if m != nil {
			m.RecordSSEConnectionChange(walletDesc, 1)
			defer m.RecordSSEConnectionChange(walletDesc, -1)
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		msgChan := make(chan *natspkg.EventMessage, sseBufferSize)
		errChan := make(chan error, 1)
		go func() {
			errChan <- events.Subscribe(ctx, address, func(msg *natspkg.EventMessage) {
				select {
				case msgChan <- msg:
				case <-ctx.Done():
				}
			})
		}()

		connected, _ := json.Marshal(map[string]string{"wallet": walletDesc})
		fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected)
		flush()

		keepalive := time.NewTicker(sseKeepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flush()

			case msg := <-msgChan:
				data, err := json.Marshal(msg)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal event", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Kind, data)
				flush()
				if m != nil {
					m.RecordSSEEventSent(walletDesc, string(msg.Kind))
				}

			case err := <-errChan:
				if err != nil {
					logger.ErrorContext(r.Context(), "event subscription failed",
						"wallet", walletDesc,
						"error", err,
					)
					fmt.Fprintf(w, "event: error\ndata: {\"error\":\"failed to subscribe\"}\n\n")
					flush()
				}
				return

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"wallet", walletDesc,
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}
