// Package pagerduty sends Events v2 alerts. Kiln uses a single fixed
// incident for hibernation: triggered when the daemon loses the board
// backend, resolved when connectivity returns.
package pagerduty

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golithk/kiln/internal/log"
)

// hibernationDedupKey keeps all hibernation alerts in one incident.
const hibernationDedupKey = "kiln-hibernation"

const eventsURL = "https://events.pagerduty.com/v2/enqueue"

// Client sends PagerDuty events. A Client with an empty routing key is
// a no-op, so callers never need to branch on configuration.
type Client struct {
	routingKey string
	endpoint   string
	httpClient *http.Client
}

var (
	defaultClient *Client
	mu            sync.Mutex
)

// Init configures the global client.
func Init(routingKey string) {
	mu.Lock()
	defer mu.Unlock()
	defaultClient = &Client{
		routingKey: routingKey,
		endpoint:   eventsURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Reset clears the global client. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	defaultClient = nil
}

// Install replaces the global client. Used by tests.
func Install(c *Client) {
	mu.Lock()
	defer mu.Unlock()
	defaultClient = c
}

// Get returns the global client, no-op if Init was never called.
func Get() *Client {
	mu.Lock()
	defer mu.Unlock()
	if defaultClient == nil {
		defaultClient = &Client{}
	}
	return defaultClient
}

// NewClient builds a client against a custom endpoint. Used by tests.
func NewClient(routingKey, endpoint string) *Client {
	return &Client{
		routingKey: routingKey,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type event struct {
	RoutingKey  string   `json:"routing_key"`
	EventAction string   `json:"event_action"`
	DedupKey    string   `json:"dedup_key"`
	Payload     *payload `json:"payload,omitempty"`
}

type payload struct {
	Summary  string `json:"summary"`
	Source   string `json:"source"`
	Severity string `json:"severity"`
}

// TriggerHibernation opens (or re-triggers) the hibernation incident.
func (c *Client) TriggerHibernation(ctx context.Context, reason string) error {
	return c.send(ctx, event{
		EventAction: "trigger",
		DedupKey:    hibernationDedupKey,
		Payload: &payload{
			Summary:  fmt.Sprintf("kiln hibernating: %s", reason),
			Source:   "kiln",
			Severity: "critical",
		},
	})
}

// TriggerAgentStall pages when an agent run stops producing output.
// One incident per issue: the dedup key carries the repo and number.
func (c *Client) TriggerAgentStall(ctx context.Context, repoID string, issueNumber int, stage, reason string) error {
	return c.send(ctx, event{
		EventAction: "trigger",
		DedupKey:    fmt.Sprintf("kiln-stall-%s-%d", repoID, issueNumber),
		Payload: &payload{
			Summary:  fmt.Sprintf("kiln agent stalled on %s#%d (%s): %s", repoID, issueNumber, stage, reason),
			Source:   "kiln",
			Severity: "error",
		},
	})
}

// ResolveHibernation closes the hibernation incident.
func (c *Client) ResolveHibernation(ctx context.Context) error {
	return c.send(ctx, event{
		EventAction: "resolve",
		DedupKey:    hibernationDedupKey,
	})
}

func (c *Client) send(ctx context.Context, ev event) error {
	if c.routingKey == "" {
		return nil
	}
	ev.RoutingKey = c.routingKey
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding pagerduty event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building pagerduty request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending pagerduty event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("pagerduty returned status %d", resp.StatusCode)
	}
	log.Debug(log.CatNotify, "PagerDuty event sent", "action", ev.EventAction, "dedupKey", ev.DedupKey)
	return nil
}
