package httpbind

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/uplo-tech/errors"

	"github.com/granary-tech/granary/build"
	"github.com/granary-tech/granary/identity"
	"github.com/granary-tech/granary/kad"
	"github.com/granary-tech/granary/persist"
)

// testBinding serves a binding on an ephemeral listener and returns it with
// the contact it is reachable at.
func testBinding(t *testing.T, cfg Config) (*Binding, kad.Contact) {
	t.Helper()
	kp, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	logger, err := persist.NewLogger(ioutil.Discard)
	if err != nil {
		t.Fatal(err)
	}
	b := New(cfg, logger)
	srv := httptest.NewServer(b)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	contact := kad.Contact{Address: u.Hostname(), Port: port, NodeID: kp.NodeID()}
	b.SetContact(contact)
	t.Cleanup(func() {
		srv.Close()
		if err := b.Close(); err != nil {
			t.Error(err)
		}
	})
	return b, contact
}

// TestBindingSendRoundTrip drives one request through two live bindings and
// checks the error envelopes on the way back.
func TestBindingSendRoundTrip(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	cfg := DefaultConfig()
	cfg.RequestTimeout = 5 * time.Second
	caller, callerContact := testBinding(t, cfg)
	server, serverContact := testBinding(t, cfg)
	ctx := context.Background()

	type echoParams struct {
		Value string `json:"value"`
	}
	server.Use("ECHO", func(_ context.Context, contact kad.Contact, raw json.RawMessage) (interface{}, error) {
		var params echoParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		return map[string]string{"value": params.Value, "sender": contact.NodeID}, nil
	})
	server.Use("FAIL", func(context.Context, kad.Contact, json.RawMessage) (interface{}, error) {
		return nil, errors.New("handler refused")
	})

	raw, err := caller.Send(ctx, serverContact, "ECHO", echoParams{Value: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	var result map[string]string
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if result["value"] != "hello" {
		t.Fatalf("echo returned %q", result["value"])
	}
	if result["sender"] != callerContact.NodeID {
		t.Fatal("handler saw the wrong sender contact")
	}

	// The server learned the caller from the envelope.
	found := false
	for _, peer := range server.Peers() {
		if peer.NodeID == callerContact.NodeID && peer.Port == callerContact.Port {
			found = true
		}
	}
	if !found {
		t.Fatal("server did not learn the caller's contact")
	}

	// Handler errors surface as application message errors.
	_, err = caller.Send(ctx, serverContact, "FAIL", struct{}{})
	me, ok := err.(*kad.MessageError)
	if !ok || me.Code != kad.CodeApplication || !strings.Contains(me.Message, "handler refused") {
		t.Fatalf("handler error arrived as %v", err)
	}

	// Unknown methods are refused on the envelope.
	_, err = caller.Send(ctx, serverContact, "NOPE", struct{}{})
	if me, ok := err.(*kad.MessageError); !ok || me.Code != kad.CodeMethodNotFound {
		t.Fatalf("unknown method returned %v", err)
	}

	// A peer with nothing listening is a transport error, not an envelope
	// error.
	ghostKP, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	ghost := kad.Contact{Address: "127.0.0.1", Port: 1, NodeID: ghostKP.NodeID()}
	if _, err := caller.Send(ctx, ghost, "ECHO", echoParams{}); err == nil {
		t.Fatal("send to a dead peer succeeded")
	}
}

// TestBindingGossip floods a publication across three bindings where only
// the first hop is known to the publisher, and checks dedupe and the ttl
// horizon.
func TestBindingGossip(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	cfg := DefaultConfig()
	cfg.RequestTimeout = 5 * time.Second

	a, _ := testBinding(t, cfg)
	b, bContact := testBinding(t, cfg)
	c, cContact := testBinding(t, cfg)

	// a knows b and b knows c; everything else is learned from inbound
	// envelopes.
	a.AddPeer(bContact)
	b.AddPeer(cContact)

	const topic = "0f01010101"
	watch := func(bind *Binding) <-chan json.RawMessage {
		ch := make(chan json.RawMessage, 4)
		bind.Subscribe([]string{topic}, func(_ string, content json.RawMessage) {
			ch <- content
		})
		return ch
	}
	aCh, bCh, cCh := watch(a), watch(b), watch(c)

	payload := map[string]string{"hello": "farmers"}
	if err := a.Publish(context.Background(), topic, payload, 3); err != nil {
		t.Fatal(err)
	}

	expect := func(name string, ch <-chan json.RawMessage) {
		t.Helper()
		select {
		case content := <-ch:
			var got map[string]string
			if err := json.Unmarshal(content, &got); err != nil {
				t.Fatal(err)
			}
			if got["hello"] != "farmers" {
				t.Fatalf("%s received the wrong payload: %v", name, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s never received the publication", name)
		}
	}
	expect("direct peer", bCh)
	expect("relayed peer", cCh)

	// The publisher's own subscription stays quiet and nobody is delivered
	// the publication twice.
	time.Sleep(100 * time.Millisecond)
	select {
	case <-aCh:
		t.Fatal("publication echoed back to the publisher")
	default:
	}
	select {
	case <-bCh:
		t.Fatal("direct peer was delivered the publication twice")
	default:
	}
	select {
	case <-cCh:
		t.Fatal("relayed peer was delivered the publication twice")
	default:
	}

	// A ttl of 1 reaches direct peers only.
	if err := a.Publish(context.Background(), topic, payload, 1); err != nil {
		t.Fatal(err)
	}
	expect("direct peer", bCh)
	time.Sleep(100 * time.Millisecond)
	select {
	case <-cCh:
		t.Fatal("single hop publication was relayed")
	default:
	}
}

// TestBindingPeerSet exercises the peer set rules: validation, the self
// exclusion, the cap, and address refresh for known node ids.
func TestBindingPeerSet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPeers = 2
	logger, err := persist.NewLogger(ioutil.Discard)
	if err != nil {
		t.Fatal(err)
	}
	b := New(cfg, logger)
	defer func() {
		if err := b.Close(); err != nil {
			t.Error(err)
		}
	}()

	self, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	b.SetContact(kad.Contact{Address: "127.0.0.1", Port: 4000, NodeID: self.NodeID()})

	peers := make([]kad.Contact, 3)
	for i := range peers {
		kp, err := identity.New()
		if err != nil {
			t.Fatal(err)
		}
		peers[i] = kad.Contact{Address: "127.0.0.1", Port: 4001 + i, NodeID: kp.NodeID()}
	}

	// Invalid contacts and the binding's own never enter the set.
	b.AddPeer(kad.Contact{})
	b.AddPeer(kad.Contact{Address: "127.0.0.1", Port: 4000, NodeID: "zz"})
	b.AddPeer(b.Contact())
	if got := len(b.Peers()); got != 0 {
		t.Fatalf("peer set holds %v entries, want 0", got)
	}

	b.AddPeer(peers[0])
	b.AddPeer(peers[1])
	b.AddPeer(peers[2])
	if got := len(b.Peers()); got != 2 {
		t.Fatalf("peer set holds %v entries, want 2", got)
	}

	// A known peer has its address refreshed even at the cap.
	moved := peers[0]
	moved.Port = 4040
	b.AddPeer(moved)
	for _, peer := range b.Peers() {
		if peer.NodeID == moved.NodeID && peer.Port != 4040 {
			t.Fatal("known peer was not refreshed")
		}
	}

	// Seeds are dialed into the set at construction.
	seeded := New(Config{Seeds: peers}, logger)
	defer func() {
		if err := seeded.Close(); err != nil {
			t.Error(err)
		}
	}()
	if got := len(seeded.Peers()); got != 3 {
		t.Fatalf("seeded binding holds %v peers, want 3", got)
	}
}

// TestBindingCleanSweep runs exchanges against a dead peer and a live one
// and waits for the sweep to drop the dead peer alone.
func TestBindingCleanSweep(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	cfg := DefaultConfig()
	cfg.RequestTimeout = time.Second
	cfg.CleanInterval = 50 * time.Millisecond
	caller, _ := testBinding(t, cfg)
	live, liveContact := testBinding(t, cfg)
	live.Use("PING", func(context.Context, kad.Contact, json.RawMessage) (interface{}, error) {
		return struct{}{}, nil
	})

	deadKP, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	dead := kad.Contact{Address: "127.0.0.1", Port: 1, NodeID: deadKP.NodeID()}
	caller.AddPeer(liveContact)
	caller.AddPeer(dead)

	ctx := context.Background()
	for i := 0; i < maxPeerFailures; i++ {
		if _, err := caller.Send(ctx, dead, "PING", struct{}{}); err == nil {
			t.Fatal("send to a dead peer succeeded")
		}
		if _, err := caller.Send(ctx, liveContact, "PING", struct{}{}); err != nil {
			t.Fatal(err)
		}
	}

	err = build.Retry(100, 10*time.Millisecond, func() error {
		peers := caller.Peers()
		for _, peer := range peers {
			if peer.NodeID == dead.NodeID {
				return errors.New("dead peer is still in the set")
			}
		}
		if len(peers) != 1 {
			return fmt.Errorf("peer set holds %v entries, want 1", len(peers))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestBindingRejectsGarbage posts broken envelopes straight at the inbox.
func TestBindingRejectsGarbage(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	_, contact := testBinding(t, DefaultConfig())
	inbox := contact.URL() + RPCPath

	post := func(body string) *kad.Message {
		t.Helper()
		resp, err := http.Post(inbox, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var msg kad.Message
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			t.Fatal(err)
		}
		return &msg
	}

	if msg := post("{not json"); msg.Error == nil || msg.Error.Code != kad.CodeParse {
		t.Fatalf("garbage body answered with %+v", msg)
	}

	// A response envelope is not a request.
	res, err := kad.NewResponse("beef", struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	body, err := res.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	msg := post(string(body))
	if msg.Error == nil || msg.Error.Code != kad.CodeInvalidRequest {
		t.Fatalf("response envelope answered with %+v", msg)
	}
	if msg.ID != "beef" {
		t.Fatalf("refusal came back under id %q", msg.ID)
	}
}
