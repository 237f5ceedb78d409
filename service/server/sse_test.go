package server

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/rebalancer/service/engine"
	natspkg "github.com/brojonat/rebalancer/service/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEventSource struct {
	events []engine.Event
	err    error
	wallet chan string
}

func (f *fakeEventSource) Subscribe(ctx context.Context, wallet string, handler func(*natspkg.EventMessage)) error {
	if f.wallet != nil {
		f.wallet <- wallet
	}
	if f.err != nil {
		return f.err
	}
	for _, ev := range f.events {
		handler(natspkg.NewEventMessage(ev))
	}
	<-ctx.Done()
	return nil
}

// readEvents reads SSE event names from body until n have been seen.
func readEvents(t *testing.T, body *bufio.Scanner, n int) []string {
	t.Helper()
	var names []string
	for len(names) < n && body.Scan() {
		line := body.Text()
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	return names
}

func TestStreamEvents(t *testing.T) {
	source := &fakeEventSource{
		events: []engine.Event{
			{Kind: engine.EventTransactionSubmitted, Wallet: testWallet},
			{Kind: engine.EventTransactionConfirmed, Wallet: testWallet},
		},
		wallet: make(chan string, 1),
	}
	h := newTestServer(t, newFakeEngine(), Deps{Events: source})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/v1/stream/events/"+testWallet, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	names := readEvents(t, bufio.NewScanner(resp.Body), 3)
	assert.Equal(t, []string{
		"connected",
		string(engine.EventTransactionSubmitted),
		string(engine.EventTransactionConfirmed),
	}, names)
	assert.Equal(t, testWallet, <-source.wallet)
}

func TestStreamEvents_AllWallets(t *testing.T) {
	source := &fakeEventSource{wallet: make(chan string, 1)}
	h := newTestServer(t, newFakeEngine(), Deps{Events: source})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/v1/stream/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	names := readEvents(t, bufio.NewScanner(resp.Body), 1)
	assert.Equal(t, []string{"connected"}, names)
	assert.Equal(t, "", <-source.wallet)
}

func TestStreamEvents_SubscribeError(t *testing.T) {
	source := &fakeEventSource{err: errors.New("stream missing")}
	h := newTestServer(t, newFakeEngine(), Deps{Events: source})
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/stream/events/" + testWallet)
	require.NoError(t, err)
	defer resp.Body.Close()

	names := readEvents(t, bufio.NewScanner(resp.Body), 2)
	assert.Equal(t, []string{"connected", "error"}, names)
}

func TestStreamEvents_InvalidWallet(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), Deps{Events: &fakeEventSource{}})
	w := do(t, h, "GET", "/api/v1/stream/events/bad%20wallet", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
