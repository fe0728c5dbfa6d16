package bus

import (
	"log/slog"
	"os"
	"testing"

	"calcbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	b.Publish(domain.InboundMessage{Channel: "cli", ChatID: "direct", Content: "сложи 5 и 3"})

	select {
	case msg := <-b.Subscribe():
		if msg.Content != "сложи 5 и 3" {
			t.Fatalf("unexpected content %q", msg.Content)
		}
		if msg.Channel != "cli" {
			t.Fatalf("unexpected channel %q", msg.Channel)
		}
	default:
		t.Fatal("expected a buffered message")
	}
}

func TestBus_OutboundRoutedToHandler(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	var got domain.OutboundMessage
	b.OnOutbound("cli", func(msg domain.OutboundMessage) { got = msg })

	b.SendOutbound(domain.OutboundMessage{Channel: "cli", ChatID: "direct", Content: "8"})
	if got.Content != "8" {
		t.Fatalf("handler not invoked, got %+v", got)
	}
}

func TestBus_OutboundUnknownChannelIgnored(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	// Must not panic when nothing is registered.
	b.SendOutbound(domain.OutboundMessage{Channel: "telegram", Content: "42"})
}

func TestBus_PublishAfterClose(t *testing.T) {
	b := New(10, testLogger())
	b.Close()

	// Must not panic on a closed bus.
	b.Publish(domain.InboundMessage{Channel: "cli", Content: "умножь 6 на 7"})

	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("expected closed inbound channel")
	}
}

func TestBus_CloseIdempotent(t *testing.T) {
	b := New(10, testLogger())
	b.Close()
	b.Close()
}
