package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sshnaidm/directord/ext"
	"github.com/sshnaidm/directord/fleet"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/task"
)

// Compile-time interface checks.
var (
	_ ext.Extension       = (*Broker)(nil)
	_ ext.JobSubmitted    = (*Broker)(nil)
	_ ext.JobFinished     = (*Broker)(nil)
	_ ext.JobCancelled    = (*Broker)(nil)
	_ ext.TaskQueued      = (*Broker)(nil)
	_ ext.TaskDispatched  = (*Broker)(nil)
	_ ext.TaskSucceeded   = (*Broker)(nil)
	_ ext.TaskFailed      = (*Broker)(nil)
	_ ext.TaskRetrying    = (*Broker)(nil)
	_ ext.TaskSkipped     = (*Broker)(nil)
	_ ext.DedupHit        = (*Broker)(nil)
	_ ext.WorkerConnected = (*Broker)(nil)
	_ ext.WorkerLost      = (*Broker)(nil)
	_ ext.ScheduleFired   = (*Broker)(nil)
	_ ext.Shutdown        = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It implements the ext.Extension
// interface to receive lifecycle events and fans them out to subscribers
// via topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber

	// Metrics.
	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	// Config.
	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry for external use (e.g., the
// WebSocket hub).
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// publish broadcasts an event to all matching topics plus any extras
// (task events also land on their task: topic).
func (b *Broker) publish(evt *Event, extra ...string) {
	topics := append(resolveTopics(evt), extra...)
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

func taskData(t *task.Task) TaskEventData {
	return TaskEventData{
		TaskID:   t.ID.String(),
		JobID:    t.JobID.String(),
		Target:   t.Target,
		StepName: t.StepName,
		State:    string(t.State),
		Attempt:  t.Attempt,
	}
}

// ── Job lifecycle hooks ─────────────────────────────

func (b *Broker) OnJobSubmitted(_ context.Context, j *job.Job) error {
	b.publish(&Event{
		Type:      EventJobSubmitted,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data: mustMarshal(JobEventData{
			JobID:   j.ID.String(),
			JobName: j.Name,
			Status:  string(j.Status),
		}),
	})
	return nil
}

func (b *Broker) OnJobFinished(_ context.Context, j *job.Job, elapsed time.Duration) error {
	b.publish(&Event{
		Type:      EventJobFinished,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data: mustMarshal(JobEventData{
			JobID:     j.ID.String(),
			JobName:   j.Name,
			Status:    string(j.Status),
			ElapsedMs: elapsed.Milliseconds(),
		}),
	})
	return nil
}

func (b *Broker) OnJobCancelled(_ context.Context, j *job.Job) error {
	b.publish(&Event{
		Type:      EventJobCancelled,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data: mustMarshal(JobEventData{
			JobID:   j.ID.String(),
			JobName: j.Name,
			Status:  string(j.Status),
		}),
	})
	return nil
}

// ── Task lifecycle hooks ────────────────────────────

func (b *Broker) OnTaskQueued(_ context.Context, t *task.Task) error {
	b.publish(&Event{
		Type:      EventTaskQueued,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(t.JobID.String()),
		Data:      mustMarshal(taskData(t)),
	}, TaskTopic(t.ID.String()))
	return nil
}

func (b *Broker) OnTaskDispatched(_ context.Context, t *task.Task) error {
	b.publish(&Event{
		Type:      EventTaskDispatched,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(t.JobID.String()),
		Data:      mustMarshal(taskData(t)),
	}, TaskTopic(t.ID.String()))
	return nil
}

func (b *Broker) OnTaskSucceeded(_ context.Context, t *task.Task, res *task.Result) error {
	data := taskData(t)
	data.DurationMs = res.Duration.Milliseconds()
	data.Cached = res.Cached
	b.publish(&Event{
		Type:      EventTaskSucceeded,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(t.JobID.String()),
		Data:      mustMarshal(data),
	}, TaskTopic(t.ID.String()))
	return nil
}

func (b *Broker) OnTaskFailed(_ context.Context, t *task.Task, res *task.Result) error {
	data := taskData(t)
	if res != nil {
		data.Error = res.Error
		data.DurationMs = res.Duration.Milliseconds()
	}
	b.publish(&Event{
		Type:      EventTaskFailed,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(t.JobID.String()),
		Data:      mustMarshal(data),
	}, TaskTopic(t.ID.String()))
	return nil
}

func (b *Broker) OnTaskRetrying(_ context.Context, t *task.Task, attempt int, nextAt time.Time) error {
	data := taskData(t)
	data.Attempt = attempt
	data.NextAt = nextAt.Format(time.RFC3339)
	b.publish(&Event{
		Type:      EventTaskRetrying,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(t.JobID.String()),
		Data:      mustMarshal(data),
	}, TaskTopic(t.ID.String()))
	return nil
}

func (b *Broker) OnTaskSkipped(_ context.Context, t *task.Task) error {
	b.publish(&Event{
		Type:      EventTaskSkipped,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(t.JobID.String()),
		Data:      mustMarshal(taskData(t)),
	}, TaskTopic(t.ID.String()))
	return nil
}

func (b *Broker) OnDedupHit(_ context.Context, t *task.Task, res *task.Result) error {
	data := taskData(t)
	data.Cached = true
	if res != nil {
		data.DurationMs = res.Duration.Milliseconds()
	}
	b.publish(&Event{
		Type:      EventTaskDedupHit,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(t.JobID.String()),
		Data:      mustMarshal(data),
	}, TaskTopic(t.ID.String()))
	return nil
}

// ── Fleet hooks ─────────────────────────────────────

func (b *Broker) OnWorkerConnected(_ context.Context, s *fleet.Session) error {
	b.publish(&Event{
		Type:      EventWorkerConnected,
		Timestamp: time.Now().UTC(),
		Data: mustMarshal(WorkerEventData{
			WorkerID: s.WorkerID.String(),
			Target:   s.Target,
			Labels:   s.Labels,
		}),
	})
	return nil
}

func (b *Broker) OnWorkerLost(_ context.Context, s *fleet.Session) error {
	b.publish(&Event{
		Type:      EventWorkerLost,
		Timestamp: time.Now().UTC(),
		Data: mustMarshal(WorkerEventData{
			WorkerID: s.WorkerID.String(),
			Target:   s.Target,
			Labels:   s.Labels,
		}),
	})
	return nil
}

// ── Schedule hooks ──────────────────────────────────

func (b *Broker) OnScheduleFired(_ context.Context, entryName string, jobID id.JobID) error {
	b.publish(&Event{
		Type:      EventScheduleFired,
		Timestamp: time.Now().UTC(),
		Data: mustMarshal(ScheduleEventData{
			EntryName: entryName,
			JobID:     jobID.String(),
		}),
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
