package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/openvine/vinesync/config"
	"github.com/openvine/vinesync/ops"
)

// Client provides a high-level interface for interacting with Nostr relays
type Client struct {
	pool        *nostr.SimplePool
	relayConfig *config.Relays
	log         *ops.Logger
}

// New creates a new relay client with the given configuration
func New(ctx context.Context, relayConfig *config.Relays, log *ops.Logger) *Client {
	if log == nil {
		log = ops.Default()
	}
	pool := nostr.NewSimplePool(ctx)
	return &Client{
		pool:        pool,
		relayConfig: relayConfig,
		log:         log.WithComponent("relay"),
	}
}

// Pool returns the underlying SimplePool for advanced operations
func (c *Client) Pool() *nostr.SimplePool {
	return c.pool
}

// FetchEvents fetches events from the given relays and waits for EOSE
func (c *Client) FetchEvents(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error) {
	events := make([]*nostr.Event, 0)

	for relayEvent := range c.pool.SubManyEose(ctx, relays, nostr.Filters{filter}) {
		if relayEvent.Event != nil {
			events = append(events, relayEvent.Event)
		}
	}

	return events, nil
}

// Subscribe opens a streaming subscription on the given relays. The event
// channel closes when the upstream stream completes or the context is
// cancelled. An upstream close while the context is still live is a
// transport failure and is reported on the error channel.
func (c *Client) Subscribe(ctx context.Context, relays []string, filters nostr.Filters) (<-chan *nostr.Event, <-chan error) {
	eventChan := make(chan *nostr.Event, 100)
	errChan := make(chan error, 1)

	c.log.Debug("subscription opened",
		"relays", len(relays),
		"filters", len(filters))

	go c.forward(ctx, c.pool.SubMany(ctx, relays, filters), eventChan, errChan)

	return eventChan, errChan
}

// forward drains the upstream relay stream into the subscription channels
func (c *Client) forward(ctx context.Context, upstream <-chan nostr.RelayEvent, events chan<- *nostr.Event, errs chan<- error) {
	defer close(events)
	defer close(errs)

	eventCount := 0
	for relayEvent := range upstream {
		if relayEvent.Event == nil {
			continue
		}
		eventCount++

		select {
		case events <- relayEvent.Event:
		case <-ctx.Done():
			c.log.Debug("subscription cancelled",
				"events_received", eventCount)
			return
		}
	}

	if ctx.Err() == nil {
		errs <- fmt.Errorf("relay stream closed after %d events", eventCount)
		return
	}

	c.log.Debug("subscription stream closed",
		"events_received", eventCount)
}

// PublishEvent publishes an event to the given relays. Succeeds if at least
// one relay accepted it.
func (c *Client) PublishEvent(ctx context.Context, relays []string, event *nostr.Event) error {
	results := c.pool.PublishMany(ctx, relays, *event)

	var lastErr error
	successCount := 0

	for result := range results {
		if result.Error != nil {
			lastErr = result.Error
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("failed to publish to any relay: %w", lastErr)
	}

	return nil
}

// Close closes all relay connections
func (c *Client) Close() {
	c.pool.Close("engine shutting down")
}

// Seeds returns the configured seed relays
func (c *Client) Seeds() []string {
	if c.relayConfig == nil {
		return []string{}
	}
	return c.relayConfig.Seeds
}

// ConnectTimeout returns the configured connect timeout
func (c *Client) ConnectTimeout() time.Duration {
	if c.relayConfig == nil || c.relayConfig.Policy.ConnectTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.relayConfig.Policy.ConnectTimeoutMs) * time.Millisecond
}
