package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProbeResult reports one selftest round trip.
type ProbeResult struct {
	ThreadID string
	Reply    string
	Latency  time.Duration
}

// Selftester runs a full round trip against the reasoning service on a
// scratch thread. Used by the selftest CLI command and the admin endpoint to
// verify credentials, assistant id and connectivity after a deploy.
type Selftester struct {
	client *Client
	driver *Driver
}

// NewSelftester creates a Selftester.
func NewSelftester(client *Client, driver *Driver) *Selftester {
	return &Selftester{client: client, driver: driver}
}

// Probe creates a scratch thread, runs one turn on it and deletes it. The
// nonce in the prompt ties the reply to this probe.
func (s *Selftester) Probe(ctx context.Context) (ProbeResult, error) {
	start := time.Now()
	threadID, err := s.client.CreateThread(ctx)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("assistant: selftest thread: %w", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.client.DeleteThread(dctx, threadID)
	}()

	nonce := strings.SplitN(uuid.NewString(), "-", 2)[0]
	prompt := fmt.Sprintf("Connection check %s. Reply with a short confirmation.", nonce)
	reply, err := s.driver.ExecuteTurn(ctx, threadID, prompt)
	if err != nil {
		return ProbeResult{ThreadID: threadID}, fmt.Errorf("assistant: selftest turn: %w", err)
	}
	return ProbeResult{
		ThreadID: threadID,
		Reply:    reply,
		Latency:  time.Since(start),
	}, nil
}
