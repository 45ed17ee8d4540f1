package kad

import (
	"testing"

	"github.com/uplo-tech/errors"
)

// TestContactValid probes the contact validation rules.
func TestContactValid(t *testing.T) {
	good := Contact{
		Address: "203.0.113.7",
		Port:    4000,
		NodeID:  "751e76e8199196d454941c45d1b3a323f1433bd6",
	}
	if err := good.Valid(); err != nil {
		t.Fatal(err)
	}
	if good.String() != "203.0.113.7:4000" {
		t.Error("unexpected contact string:", good.String())
	}

	tests := []Contact{
		{Port: 4000, NodeID: good.NodeID},
		{Address: "203.0.113.7", NodeID: good.NodeID},
		{Address: "203.0.113.7", Port: 70000, NodeID: good.NodeID},
		{Address: "203.0.113.7", Port: 4000, NodeID: "zz"},
		{Address: "203.0.113.7", Port: 4000},
	}
	for i, contact := range tests {
		if err := contact.Valid(); !errors.Contains(err, ErrInvalidContact) {
			t.Errorf("contact %d: expected ErrInvalidContact, got %v", i, err)
		}
	}
}

// TestMessageEnvelope checks request/response construction and validation.
func TestMessageEnvelope(t *testing.T) {
	req, err := NewRequest("PROBE", map[string]string{"x": "y"})
	if err != nil {
		t.Fatal(err)
	}
	if !req.IsRequest() || req.IsResponse() {
		t.Error("request misclassified")
	}
	if err := req.Validate(); err != nil {
		t.Fatal(err)
	}
	if req.ID == "" || len(req.ID) != 40 {
		t.Error("unexpected message id:", req.ID)
	}

	blob, err := req.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseMessage(blob)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Method != "PROBE" || parsed.ID != req.ID {
		t.Error("request did not round trip")
	}

	resp, err := NewResponse(req.ID, map[string]string{"ok": "1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.IsRequest() || !resp.IsResponse() {
		t.Error("response misclassified")
	}
	if err := resp.Validate(); err != nil {
		t.Fatal(err)
	}

	fail := NewErrorResponse(req.ID, CodeApplication, "boom")
	if !fail.IsResponse() {
		t.Error("error response misclassified")
	}
	if fail.Error.Error() != "boom" {
		t.Error("error text lost")
	}
}

// TestParseMessageRejects checks that malformed envelopes are refused.
func TestParseMessageRejects(t *testing.T) {
	bad := [][]byte{
		[]byte(`{`),
		[]byte(`{"jsonrpc":"1.0","id":"a","method":"X"}`),
		[]byte(`{"jsonrpc":"2.0","method":"X"}`),
		[]byte(`{"jsonrpc":"2.0","id":"a"}`),
	}
	for i, blob := range bad {
		if _, err := ParseMessage(blob); !errors.Contains(err, ErrInvalidMessage) {
			t.Errorf("case %d: expected ErrInvalidMessage, got %v", i, err)
		}
	}
}
