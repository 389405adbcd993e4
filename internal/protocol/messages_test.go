package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseClientCommandAck(t *testing.T) {
	cmd, err := ParseClientCommand([]byte(`{"cmd":"ack","id":"t1"}`))
	if err != nil {
		t.Fatalf("ParseClientCommand() error = %v", err)
	}
	if cmd.Cmd != "ack" || cmd.ID != "t1" {
		t.Fatalf("cmd = %+v, want ack/t1", cmd)
	}
}

func TestParseClientCommandAbort(t *testing.T) {
	cmd, err := ParseClientCommand([]byte(`{"cmd":"abort"}`))
	if err != nil {
		t.Fatalf("ParseClientCommand() error = %v", err)
	}
	if cmd.Cmd != "abort" {
		t.Fatalf("cmd = %+v, want abort", cmd)
	}
}

func TestParseClientCommandUnknownStillDecodes(t *testing.T) {
	cmd, err := ParseClientCommand([]byte(`{"cmd":"wat"}`))
	if err != nil {
		t.Fatalf("ParseClientCommand() error = %v, want nil (unknown cmd values decode)", err)
	}
	if cmd.Cmd != "wat" {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestParseClientCommandRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseClientCommand([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestEventJSONOmitsUnsetFields(t *testing.T) {
	ev := Event{Type: EventStateChanged, Status: "idle"}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal error = %v", err)
	}
	if strings.Contains(string(data), "\"message\"") {
		t.Fatalf("expected omitted message field, got %s", data)
	}
	if !strings.Contains(string(data), "\"state_changed\"") {
		t.Fatalf("expected type field in output, got %s", data)
	}
}
