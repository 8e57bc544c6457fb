package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/stream"
	"github.com/sshnaidm/directord/wire"
)

// initialCredits is the flow-control grant sent with a subscribe
// request; creditBatch is replenished after that many deliveries, so
// the hub never runs the subscriber dry while the client keeps up.
const (
	initialCredits int64 = stream.DefaultCredits
	creditBatch    int64 = 256
)

// Subscription is a live event feed for one topic.
type Subscription struct {
	c         *Client
	topic     string
	events    chan *stream.Event
	delivered atomic.Int64
	closed    atomic.Bool
}

// Topic returns the subscribed channel name.
func (s *Subscription) Topic() string { return s.topic }

// Events returns the event channel. The channel is never closed;
// after Unsubscribe (or client close) it simply stops delivering.
// Events are dropped when the consumer falls an event buffer behind.
func (s *Subscription) Events() <-chan *stream.Event { return s.events }

// Unsubscribe stops the feed and tells the hub to drop the channel.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.c.subs.Delete(s.topic)
	_, err := s.c.request(ctx, wire.MethodUnsubscribe, wire.UnsubscribeRequest{Channel: s.topic})
	return err
}

// Subscribe opens an event feed for a topic channel, e.g.
// stream.JobTopic(jobID) or stream.TopicFleet.
func (c *Client) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if err := stream.ValidateTopic(topic); err != nil {
		return nil, err
	}
	sub := &Subscription{
		c:      c,
		topic:  topic,
		events: make(chan *stream.Event, c.eventBuffer),
	}
	if _, loaded := c.subs.LoadOrStore(topic, sub); loaded {
		return nil, fmt.Errorf("already subscribed to %q", topic)
	}
	_, err := c.request(ctx, wire.MethodSubscribe, wire.SubscribeRequest{
		Channel: topic,
		Credits: int(initialCredits),
	})
	if err != nil {
		c.subs.Delete(topic)
		return nil, err
	}
	return sub, nil
}

// WatchJob subscribes to a job's lifecycle events: task dispatch,
// retries, results, and the final status.
func (c *Client) WatchJob(ctx context.Context, jobID id.JobID) (*Subscription, error) {
	return c.Subscribe(ctx, stream.JobTopic(jobID.String()))
}

// deliverEvent routes an event frame to its subscription and tops up
// the hub's flow-control credits.
func (c *Client) deliverEvent(f *wire.Frame) {
	v, ok := c.subs.Load(f.Channel)
	if !ok {
		return
	}
	sub := v.(*Subscription)
	if sub.closed.Load() {
		return
	}

	var evt stream.Event
	if err := json.Unmarshal(f.Data, &evt); err != nil {
		c.logger.Warn("undecodable event",
			slog.String("channel", f.Channel),
			slog.String("error", err.Error()),
		)
		return
	}

	select {
	case sub.events <- &evt:
	default:
		c.logger.Warn("subscriber lagging, dropping event",
			slog.String("channel", f.Channel),
			slog.String("event", string(evt.Type)),
		)
	}

	if sub.delivered.Add(1)%creditBatch == 0 {
		c.replenishCredits(creditBatch)
	}
}

func (c *Client) replenishCredits(n int64) {
	f := &wire.Frame{
		Version:   wire.ProtocolVersion,
		ID:        wire.GenerateFrameID(),
		Type:      wire.FrameRequest,
		Credits:   int(n),
		Timestamp: time.Now().UTC(),
	}
	if err := c.writeFrame(f); err != nil {
		c.logger.Warn("credit replenish failed", slog.String("error", err.Error()))
	}
}
