package natsutil

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type runRequest struct {
	Limit     int  `json:"limit"`
	ForceLoad bool `json:"force_load"`
}

func TestHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*headerCarrier)(msg)

	carrier.Set("traceparent", "00-abc-def-01")
	carrier.Set("traceparent", "00-abc-def-02")
	if got := carrier.Get("traceparent"); got != "00-abc-def-02" {
		t.Fatalf("expected overwritten traceparent, got %q", got)
	}
	if keys := carrier.Keys(); len(keys) != 1 {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestHeaderCarrierNilHeader(t *testing.T) {
	carrier := (*headerCarrier)(&nats.Msg{})
	if got := carrier.Get("missing"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if keys := carrier.Keys(); keys != nil {
		t.Fatalf("expected nil keys, got %v", keys)
	}
}

func TestEncodeDecode(t *testing.T) {
	msg, err := encode(context.Background(), "geovector.ingest.run", runRequest{Limit: 50, ForceLoad: true})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Subject != "geovector.ingest.run" {
		t.Fatalf("subject = %q", msg.Subject)
	}
	ctx, got, err := decode[runRequest](msg)
	if err != nil {
		t.Fatal(err)
	}
	if ctx == nil {
		t.Fatal("expected a context")
	}
	if got.Limit != 50 || !got.ForceLoad {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestEncodePropagatesBaggage(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.Baggage{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	carrier := propagation.MapCarrier{"baggage": "run=42"}
	ctx := propagation.Baggage{}.Extract(context.Background(), carrier)

	msg, err := encode(ctx, "s", runRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if got := msg.Header.Get("baggage"); got != "run=42" {
		t.Fatalf("baggage header = %q", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, _, err := decode[runRequest](&nats.Msg{Subject: "s", Data: []byte("{not json")})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestEncodeUnsupported(t *testing.T) {
	if _, err := encode(context.Background(), "s", make(chan int)); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}
