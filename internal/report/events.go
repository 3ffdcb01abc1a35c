package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	pb "cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/protocol"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/libops/sweep/internal/engine"
)

// Event type constants following CloudEvents naming conventions.
// Format: <reverse-dns>.<resource>.<action>.<version>
const (
	EventSource = "io.libops.sweep"

	EventTypeRunCompleted = "io.libops.sweep.run.completed.v1"
)

// ItemEventType returns the event type for an outcome action, e.g.
// "io.libops.sweep.item.already_absent.v1".
func ItemEventType(a engine.Action) string {
	return "io.libops.sweep.item." + strings.ReplaceAll(string(a), "-", "_") + ".v1"
}

// ItemEvent is the payload of an item event.
type ItemEvent struct {
	RunID  string `json:"run_id"`
	Job    string `json:"job"`
	DryRun bool   `json:"dry_run"`
	Scope  string `json:"scope"`
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Path   string `json:"path"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RunEvent is the payload of the run-completed event.
type RunEvent struct {
	RunID     string         `json:"run_id"`
	Job       string         `json:"job"`
	DryRun    bool           `json:"dry_run"`
	Outcomes  map[string]int `json:"outcomes"`
	Excluded  int            `json:"excluded"`
	Ambiguous int            `json:"ambiguous"`
	Failures  int            `json:"failures"`
	Started   time.Time      `json:"started"`
	Finished  time.Time      `json:"finished"`
}

// EventsSink publishes one CloudEvent per outcome and a final run event.
type EventsSink struct {
	Client cloudevents.Client
	Source string
}

// Name implements Sink.
func (s *EventsSink) Name() string { return "events" }

// Deliver implements Sink.
func (s *EventsSink) Deliver(ctx context.Context, result *engine.Result) error {
	failed := 0
	var last error
	for _, o := range result.Outcomes {
		payload := ItemEvent{
			RunID:  result.RunID,
			Job:    result.Job,
			DryRun: result.DryRun,
			Scope:  o.Item.Scope().Label(),
			Kind:   o.Item.Ref.Kind,
			ID:     o.Item.Ref.ID,
			Path:   o.Item.Path(),
			Action: string(o.Action),
			Reason: o.Reason,
		}
		if o.Err != nil {
			payload.Error = o.Err.Error()
		}
		if err := s.send(ctx, ItemEventType(o.Action), o.Item.Path(), payload); err != nil {
			slog.WarnContext(ctx, "failed to publish item event", "path", o.Item.Path(), "err", err)
			failed++
			last = err
		}
	}

	summary := make(map[string]int)
	for a, n := range result.Summary() {
		summary[string(a)] = n
	}
	run := RunEvent{
		RunID:     result.RunID,
		Job:       result.Job,
		DryRun:    result.DryRun,
		Outcomes:  summary,
		Excluded:  result.Excluded,
		Ambiguous: len(result.Ambiguous),
		Failures:  len(result.Failures),
		Started:   result.Started,
		Finished:  result.Finished,
	}
	if err := s.send(ctx, EventTypeRunCompleted, result.Job, run); err != nil {
		failed++
		last = err
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d events not published: %w", ErrSinkDeliveryFailed, failed, last)
	}
	return nil
}

func (s *EventsSink) send(ctx context.Context, eventType, subject string, data any) error {
	source := s.Source
	if source == "" {
		source = EventSource
	}
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetSubject(subject)
	event.SetTime(time.Now())
	if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	if res := s.Client.Send(ctx, event); !cloudevents.IsACK(res) {
		return fmt.Errorf("failed to send event: %w", res)
	}
	return nil
}

// PubSubSender publishes CloudEvents to a Pub/Sub topic.
type PubSubSender struct {
	publisher *pubsub.Publisher
	client    *pubsub.Client
}

// NewPubSubSender creates a sender for the topic, creating the topic if it
// does not exist yet.
func NewPubSubSender(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*PubSubSender, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project_id is required")
	}
	if topicID == "" {
		return nil, fmt.Errorf("topic_id is required")
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	topicPath := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err = client.TopicAdminClient.GetTopic(ctx, &pb.GetTopicRequest{
		Topic: topicPath,
	})
	if err != nil {
		_, err = client.TopicAdminClient.CreateTopic(ctx, &pb.Topic{
			Name: topicPath,
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to create topic: %w", err)
		}
	}

	return &PubSubSender{
		publisher: client.Publisher(topicID),
		client:    client,
	}, nil
}

// Send publishes a CloudEvent and waits for the server to accept it.
func (s *PubSubSender) Send(ctx context.Context, event cloudevents.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	result := s.publisher.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion(),
			"ce-type":        event.Type(),
			"ce-source":      event.Source(),
			"ce-id":          event.ID(),
		},
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the client.
func (s *PubSubSender) Close() error {
	s.publisher.Stop()
	return s.client.Close()
}

// PubSubCloudEventsClient adapts a PubSubSender to cloudevents.Client.
type PubSubCloudEventsClient struct {
	sender *PubSubSender
}

// NewPubSubCloudEventsClient creates a send-only CloudEvents client.
func NewPubSubCloudEventsClient(sender *PubSubSender) cloudevents.Client {
	return &PubSubCloudEventsClient{sender: sender}
}

// Send transmits a CloudEvent to Pub/Sub.
func (c *PubSubCloudEventsClient) Send(ctx context.Context, event cloudevents.Event) protocol.Result {
	if err := c.sender.Send(ctx, event); err != nil {
		return protocol.NewReceipt(false, "%s", err.Error())
	}
	return protocol.ResultACK
}

// Request is not supported for Pub/Sub.
func (c *PubSubCloudEventsClient) Request(ctx context.Context, event cloudevents.Event) (*cloudevents.Event, protocol.Result) {
	return nil, protocol.NewReceipt(false, "request/response not supported for Pub/Sub")
}

// StartReceiver is not supported for the send-only client.
func (c *PubSubCloudEventsClient) StartReceiver(ctx context.Context, fn any) error {
	return fmt.Errorf("receiver not supported for Pub/Sub sender client")
}
