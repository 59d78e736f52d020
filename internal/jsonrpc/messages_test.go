package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestUnmarshalRejectsWrongVersion(t *testing.T) {
	var m AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"1.0","id":1,"method":"x"}`), &m); err == nil {
		t.Fatal("expected version error")
	}
}

func TestUnmarshalRejectsMixedShapes(t *testing.T) {
	var m AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"x","result":{}}`), &m); err == nil {
		t.Fatal("expected shape error for request with result")
	}
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1}`), &m); err == nil {
		t.Fatal("expected shape error for empty response")
	}
}

func TestTypeClassification(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, "request"},
		{`{"jsonrpc":"2.0","method":"notifications/initialized"}`, "notification"},
		{`{"jsonrpc":"2.0","id":1,"result":{}}`, "response"},
	}
	for _, tc := range cases {
		var m AnyMessage
		if err := json.Unmarshal([]byte(tc.raw), &m); err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got := m.Type(); got != tc.want {
			t.Fatalf("%s: type = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	var m AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":"abc","method":"x"}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	req := m.AsRequest()
	if req == nil || req.IsNotification() {
		t.Fatal("expected a request with an id")
	}

	resp, err := NewResultResponse(req.ID, map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("NewResultResponse: %v", err)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != "abc" {
		t.Fatalf("id = %q", decoded.ID)
	}
}

func TestErrorResponseEchoesNullID(t *testing.T) {
	out, err := json.Marshal(NewErrorResponse(nil, ErrorCodeInvalidSession, "session not found", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded["id"]) != "null" {
		t.Fatalf("id = %s", decoded["id"])
	}
}
