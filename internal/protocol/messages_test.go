package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeRequest(t *testing.T) {
	data, err := EncodeRequest(GetModStatus{})
	if err != nil {
		t.Fatalf("EncodeRequest() error: %v", err)
	}
	if !bytes.HasSuffix(data, []byte("\n")) || bytes.Count(data, []byte("\n")) != 1 {
		t.Fatalf("EncodeRequest() = %q, want exactly one trailing newline", data)
	}
	if string(data) != "{\"type\":\"GetModStatus\"}\n" {
		t.Errorf("EncodeRequest() = %q", data)
	}
}

func TestEncodeRequestFields(t *testing.T) {
	data, err := EncodeRequest(RemoveMod{ID: "songloader"})
	if err != nil {
		t.Fatalf("EncodeRequest() error: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != "RemoveMod" || got["id"] != "songloader" {
		t.Errorf("EncodeRequest() = %v", got)
	}
}

func TestDecodeRequestRoundTrip(t *testing.T) {
	reqs := []Request{
		GetModStatus{OverrideCoreModURL: "https://example.com/core.json"},
		Patch{AllowDebuggable: true, Permissions: []string{"android.permission.RECORD_AUDIO"}},
		SetModsEnabled{Statuses: map[string]bool{"a": true, "b": false}},
		RemoveMod{ID: "x"},
		Import{FromPath: "/sdcard/x.qmod"},
		QuickFix{WipeExistingMods: true},
		FixPlayerData{},
	}
	for _, req := range reqs {
		data, err := EncodeRequest(req)
		if err != nil {
			t.Fatalf("EncodeRequest(%T) error: %v", req, err)
		}
		got, err := DecodeRequest(bytes.TrimSuffix(data, []byte("\n")))
		if err != nil {
			t.Fatalf("DecodeRequest(%T) error: %v", req, err)
		}
		if RequestType(got) != RequestType(req) {
			t.Errorf("DecodeRequest() type = %s, want %s", RequestType(got), RequestType(req))
		}
	}
}

func TestDecodeRequestUnknown(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"type":"Reboot"}`))
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("DecodeRequest() error = %v, want ErrProtocol", err)
	}
}

func TestWithCoreModURL(t *testing.T) {
	var req Request = QuickFix{WipeExistingMods: true}
	o, ok := req.(CoreModOverrider)
	if !ok {
		t.Fatal("QuickFix should accept a core mod override")
	}
	got := o.WithCoreModURL("https://mirror/core.json").(QuickFix)
	if got.OverrideCoreModURL != "https://mirror/core.json" || !got.WipeExistingMods {
		t.Errorf("WithCoreModURL() = %#v", got)
	}
	if req.(QuickFix).OverrideCoreModURL != "" {
		t.Error("WithCoreModURL mutated the original request")
	}

	if _, ok := Request(RemoveMod{}).(CoreModOverrider); ok {
		t.Error("RemoveMod should not accept a core mod override")
	}
}

func TestResultOf(t *testing.T) {
	tests := []struct {
		req  Request
		want string
	}{
		{GetModStatus{}, "ModStatus"},
		{Patch{AllowDebuggable: true}, "ModStatus"},
		{SetModsEnabled{}, "Mods"},
		{RemoveMod{ID: "a"}, "Mods"},
		{QuickFix{}, "Mods"},
		{Import{FromPath: "/sdcard/a.qmod"}, "ImportResult"},
		{FixPlayerData{}, "FixedPlayerData"},
	}
	for _, tt := range tests {
		got := ResultOf(tt.req)
		if got == nil || ResponseType(got) != tt.want {
			t.Errorf("ResultOf(%s) = %T, want %s", RequestType(tt.req), got, tt.want)
		}
	}
}

func TestEncodeResponseDecodes(t *testing.T) {
	data, err := EncodeResponse(LogEvent{Level: LevelWarn, Message: "careful"})
	if err != nil {
		t.Fatalf("EncodeResponse() error: %v", err)
	}
	resp, err := DecodeResponse(bytes.TrimSuffix(data, []byte("\n")))
	if err != nil {
		t.Fatalf("DecodeResponse() error: %v", err)
	}
	if ev := resp.(LogEvent); ev.Level != LevelWarn || ev.Message != "careful" {
		t.Errorf("DecodeResponse() = %#v", ev)
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		err  error
		kind error
		name string
	}{
		{TransportError(cause, "device gone"), ErrTransport, "transport"},
		{ProtocolError(nil, "bad frame"), ErrProtocol, "protocol"},
		{AgentError("no response"), ErrAgent, "agent"},
		{ProvisioningError(cause, "fetch failed"), ErrProvisioning, "provisioning"},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.kind) {
			t.Errorf("%v: errors.Is(%v) = false", tt.err, tt.kind)
		}
		if KindOf(tt.err) != tt.kind {
			t.Errorf("KindOf(%v) = %v", tt.err, KindOf(tt.err))
		}
		if KindName(tt.kind) != tt.name {
			t.Errorf("KindName() = %q, want %q", KindName(tt.kind), tt.name)
		}
		if k, ok := KindByName(tt.name); !ok || k != tt.kind {
			t.Errorf("KindByName(%q) = %v, %v", tt.name, k, ok)
		}
	}

	if !errors.Is(TransportError(cause, "x"), cause) {
		t.Error("cause should remain reachable through errors.Is")
	}
	if KindOf(errors.New("plain")) != nil {
		t.Error("KindOf(plain error) should be nil")
	}
}
