package fetchevents

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestPublisherSendsJSON(t *testing.T) {
	cfg := mocks.NewTestConfig()
	prod := mocks.NewAsyncProducer(t, cfg)

	got := make(chan []byte, 1)
	prod.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		b, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		k, _ := msg.Key.Encode()
		if string(k) != "52.37_4.90" {
			t.Errorf("key = %q", k)
		}
		got <- b
		return nil
	})

	p := NewPublisher(prod, "overlay-fetch-events", 4, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.Publish(Event{Session: "s1", Bucket: "52.37_4.90", Mode: "current", Pages: 6, Added: 12, TS: time.Unix(0, 0).UTC()})

	select {
	case b := <-got:
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Session != "s1" || ev.Pages != 6 || ev.Added != 12 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message produced")
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	// Publishing after close is a no-op.
	p.Publish(Event{Session: "late"})
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNoop(t *testing.T) {
	var s Sink = Noop{}
	s.Publish(Event{})
}
