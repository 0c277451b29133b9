package bus

import (
	"strings"
	"testing"
	"time"
)

func TestRowTopics_SharePrefix(t *testing.T) {
	for _, topic := range []string{TopicRowClaimed, TopicRowSkipped, TopicRowFinalized} {
		if !strings.HasPrefix(topic, "row.") {
			t.Fatalf("topic %q does not start with row.", topic)
		}
	}
}

func TestRowEvent_DeliveredToRowSubscribers(t *testing.T) {
	b := New()
	rows := b.Subscribe("row.")
	defer b.Unsubscribe(rows)
	helpers := b.Subscribe("helpers.")
	defer b.Unsubscribe(helpers)

	b.Publish(TopicRowFinalized, RowEvent{Key: 5, Status: "done", Outcome: "done"})

	select {
	case ev := <-rows.Ch():
		got, ok := ev.Payload.(RowEvent)
		if !ok {
			t.Fatalf("payload type = %T, want RowEvent", ev.Payload)
		}
		if got.Key != 5 || got.Status != "done" {
			t.Fatalf("unexpected row event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for row event")
	}

	select {
	case ev := <-helpers.Ch():
		t.Fatalf("helpers subscriber got unexpected event %q", ev.Topic)
	default:
	}
}
