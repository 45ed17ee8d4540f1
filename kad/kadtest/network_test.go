package kadtest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/uplo-tech/errors"

	"github.com/granary-tech/granary/kad"
)

func testContact(id byte) kad.Contact {
	nodeID := make([]byte, 20)
	nodeID[19] = id
	hexID := ""
	for _, b := range nodeID {
		hexID += string("0123456789abcdef"[b>>4]) + string("0123456789abcdef"[b&0xf])
	}
	return kad.Contact{Address: "127.0.0.1", Port: 4000 + int(id), NodeID: hexID}
}

// TestSendRoundTrip checks request dispatch, unknown methods, and
// application errors.
func TestSendRoundTrip(t *testing.T) {
	net := NewNetwork()
	alice := net.Join(testContact(1))
	bob := net.Join(testContact(2))

	bob.Use("ECHO", func(_ context.Context, contact kad.Contact, params json.RawMessage) (interface{}, error) {
		if contact.NodeID != alice.Contact().NodeID {
			t.Error("handler saw the wrong sender")
		}
		var in map[string]string
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		return map[string]string{"echo": in["say"]}, nil
	})

	raw, err := alice.Send(context.Background(), bob.Contact(), "ECHO", map[string]string{"say": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out["echo"] != "hi" {
		t.Error("unexpected echo:", out)
	}

	// Unknown method.
	_, err = alice.Send(context.Background(), bob.Contact(), "NOPE", nil)
	me, ok := err.(*kad.MessageError)
	if !ok || me.Code != kad.CodeMethodNotFound {
		t.Fatal("expected method-not-found, got", err)
	}

	// Handler error becomes an application error.
	bob.Use("FAIL", func(context.Context, kad.Contact, json.RawMessage) (interface{}, error) {
		return nil, errors.New("no thanks")
	})
	_, err = alice.Send(context.Background(), bob.Contact(), "FAIL", nil)
	me, ok = err.(*kad.MessageError)
	if !ok || me.Code != kad.CodeApplication || me.Message != "no thanks" {
		t.Fatal("expected application error, got", err)
	}

	// Unjoined peers are unreachable.
	_, err = alice.Send(context.Background(), testContact(9), "ECHO", nil)
	if !errors.Contains(err, ErrPeerUnreachable) {
		t.Fatal("expected ErrPeerUnreachable, got", err)
	}
}

// TestSendHonorsContext checks that a hung handler does not hang Send.
func TestSendHonorsContext(t *testing.T) {
	net := NewNetwork()
	alice := net.Join(testContact(1))
	bob := net.Join(testContact(2))
	release := make(chan struct{})
	defer close(release)
	bob.Use("HANG", func(context.Context, kad.Contact, json.RawMessage) (interface{}, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := alice.Send(ctx, bob.Contact(), "HANG", nil); err == nil {
		t.Fatal("expected context error")
	}
}

// TestPublishSubscribe checks topic filtering, self exclusion, and cancel.
func TestPublishSubscribe(t *testing.T) {
	net := NewNetwork()
	alice := net.Join(testContact(1))
	bob := net.Join(testContact(2))
	carol := net.Join(testContact(3))

	bobGot := make(chan string, 4)
	cancel := bob.Subscribe([]string{"0f01010101"}, func(topic string, _ json.RawMessage) {
		bobGot <- topic
	})
	carolGot := make(chan string, 4)
	carol.Subscribe([]string{"0f02020202"}, func(topic string, _ json.RawMessage) {
		carolGot <- topic
	})
	aliceGot := make(chan string, 4)
	alice.Subscribe([]string{"0f01010101"}, func(topic string, _ json.RawMessage) {
		aliceGot <- topic
	})

	if err := alice.Publish(context.Background(), "0f01010101", "descriptor", 6); err != nil {
		t.Fatal(err)
	}
	select {
	case topic := <-bobGot:
		if topic != "0f01010101" {
			t.Error("wrong topic:", topic)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribed peer never saw the publication")
	}
	select {
	case <-carolGot:
		t.Fatal("peer on another topic saw the publication")
	case <-aliceGot:
		t.Fatal("publisher saw its own publication")
	case <-time.After(100 * time.Millisecond):
	}

	// After cancel no further deliveries arrive.
	cancel()
	if err := alice.Publish(context.Background(), "0f01010101", "descriptor", 6); err != nil {
		t.Fatal(err)
	}
	select {
	case <-bobGot:
		t.Fatal("canceled subscription still delivered")
	case <-time.After(100 * time.Millisecond):
	}
}
