package encoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/busrelay/internal/models"
	"github.com/langchou/busrelay/pkg/ws"
)

func sample() models.Update {
	return models.NewUpdate(&models.BusLocation{
		BusID:     "104",
		Latitude:  28.61,
		Longitude: 77.23,
		Timestamp: 1700000000000,
		Status:    models.StatusStopped,
		Issue:     "flat tyre",
	})
}

func TestEncodeCompressed(t *testing.T) {
	e, err := New(DefaultLevel, zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	frame, err := e.Encode(sample())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if frame.Type != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got %d", frame.Type)
	}
	if bytes.HasPrefix(frame.Data, []byte("{")) {
		t.Error("expected compressed payload")
	}

	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != "update" || got.Data.BusID != "104" || got.Data.Issue != "flat tyre" {
		t.Errorf("unexpected update: %+v", got.Data)
	}
}

func TestEncodeReusesWriters(t *testing.T) {
	e, _ := New(DefaultLevel, zap.NewNop())

	first, _ := e.Encode(sample())
	second, _ := e.Encode(sample())
	if !bytes.Equal(first.Data, second.Data) {
		t.Error("expected deterministic output across pooled writers")
	}
}

func TestEncodeFallsBackOnCompressionFailure(t *testing.T) {
	e, _ := New(DefaultLevel, zap.NewNop())
	e.compress = func([]byte) ([]byte, error) { return nil, errors.New("deflate exploded") }

	frame, err := e.Encode(sample())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if frame.Type != websocket.TextMessage {
		t.Fatalf("expected text frame fallback, got %d", frame.Type)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(frame.Data, &raw); err != nil {
		t.Fatalf("fallback payload is not JSON: %v", err)
	}
	if string(raw["type"]) != `"update"` {
		t.Errorf("unexpected type field: %s", raw["type"])
	}

	got, err := Decode(frame)
	if err != nil || got.Data.BusID != "104" {
		t.Errorf("decode fallback: %v %+v", err, got.Data)
	}
}

func TestNewRejectsInvalidLevel(t *testing.T) {
	if _, err := New(42, zap.NewNop()); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode(ws.Frame{Type: websocket.BinaryMessage, Data: []byte("nope")}); err == nil {
		t.Error("expected error for invalid zlib data")
	}
}
