package report

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"cloud.google.com/go/pubsub/v2/pstest"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/libops/sweep/internal/engine"
)

// recordingClient is a cloudevents.Client that keeps what it is sent.
type recordingClient struct {
	mu     sync.Mutex
	events []cloudevents.Event
	fail   func(cloudevents.Event) bool
}

func (c *recordingClient) Send(_ context.Context, e cloudevents.Event) protocol.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil && c.fail(e) {
		return protocol.NewReceipt(false, "nack")
	}
	c.events = append(c.events, e)
	return protocol.ResultACK
}

func (c *recordingClient) Request(context.Context, cloudevents.Event) (*cloudevents.Event, protocol.Result) {
	return nil, errors.New("unsupported")
}

func (c *recordingClient) StartReceiver(context.Context, any) error {
	return errors.New("unsupported")
}

func TestItemEventType(t *testing.T) {
	assert.Equal(t, "io.libops.sweep.item.mutated.v1", ItemEventType(engine.ActionMutated))
	assert.Equal(t, "io.libops.sweep.item.already_absent.v1", ItemEventType(engine.ActionAlreadyAbsent))
	assert.Equal(t, "io.libops.sweep.item.dry_run_would_act.v1", ItemEventType(engine.ActionDryRun))
}

func TestEventsSink(t *testing.T) {
	client := &recordingClient{}
	sink := &EventsSink{Client: client}

	require.NoError(t, sink.Deliver(context.Background(), sampleResult()))

	require.Len(t, client.events, 5)
	first := client.events[0]
	assert.Equal(t, "io.libops.sweep.item.mutated.v1", first.Type())
	assert.Equal(t, EventSource, first.Source())
	assert.Equal(t, "alpha/build-a", first.Subject())
	assert.NotEmpty(t, first.ID())

	var payload ItemEvent
	require.NoError(t, first.DataAs(&payload))
	assert.Equal(t, "run-1", payload.RunID)
	assert.Equal(t, "alpha", payload.Scope)
	assert.Equal(t, "1", payload.ID)

	var failed ItemEvent
	require.NoError(t, client.events[1].DataAs(&failed))
	assert.Equal(t, "boom", failed.Error)

	last := client.events[4]
	assert.Equal(t, EventTypeRunCompleted, last.Type())
	var run RunEvent
	require.NoError(t, last.DataAs(&run))
	assert.Equal(t, map[string]int{"mutated": 2, "failed": 1, "already-absent": 1}, run.Outcomes)
	assert.Equal(t, 1, run.Ambiguous)
}

func TestEventsSinkPartialFailure(t *testing.T) {
	client := &recordingClient{fail: func(e cloudevents.Event) bool {
		return e.Type() == ItemEventType(engine.ActionFailed)
	}}
	sink := &EventsSink{Client: client, Source: "io.libops.sweep.test"}

	err := sink.Deliver(context.Background(), sampleResult())

	require.ErrorIs(t, err, ErrSinkDeliveryFailed)
	assert.Len(t, client.events, 4, "remaining events are still published")
	assert.Equal(t, "io.libops.sweep.test", client.events[0].Source())
}

func TestPubSubSender(t *testing.T) {
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	ctx := context.Background()
	sender, err := NewPubSubSender(ctx, "test-project", "sweep-events",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sender.Close() })

	sink := &EventsSink{Client: NewPubSubCloudEventsClient(sender)}
	result := &engine.Result{Job: "teams", RunID: "run-2"}
	require.NoError(t, sink.Deliver(ctx, result))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, EventTypeRunCompleted, msgs[0].Attributes["ce-type"])
	assert.Equal(t, EventSource, msgs[0].Attributes["ce-source"])

	var event map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	assert.Equal(t, "teams", event["subject"])
}

func TestNewPubSubSenderValidation(t *testing.T) {
	_, err := NewPubSubSender(context.Background(), "", "topic")
	assert.Error(t, err)
	_, err = NewPubSubSender(context.Background(), "project", "")
	assert.Error(t, err)
}
