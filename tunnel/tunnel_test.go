package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/granary-tech/granary/build"
	"github.com/granary-tech/granary/kad"
	"github.com/granary-tech/granary/persist"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
)

// testLogger returns a logger that discards its output.
func testLogger(t *testing.T) *persist.Logger {
	logger, err := persist.NewLogger(ioutil.Discard)
	if err != nil {
		t.Fatal(err)
	}
	return logger
}

// aliasURL builds the http url of a gateway alias.
func aliasURL(scheme string, alias Alias) string {
	return fmt.Sprintf("%s://%s/", scheme, net.JoinHostPort(alias.Address, strconv.Itoa(alias.Port)))
}

// awaitAttached waits for the tunneled peer's socket to reach the gateway.
func awaitAttached(t *testing.T, gw *Gateway) {
	t.Helper()
	err := build.Retry(200, 10*time.Millisecond, func() error {
		if !gw.Attached() {
			return errors.New("peer not attached yet")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestTunnelRelayRPC opens a relay with capacity for a single tunnel and
// checks the whole RPC path: capacity accounting, the lock events, and a
// request POSTed at the alias arriving back out of the peer's local inbox.
func TestTunnelRelayRPC(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	log := testLogger(t)

	lockedCh := make(chan struct{}, 1)
	unlockedCh := make(chan struct{}, 1)
	cfg := DefaultServerConfig()
	cfg.MaxTunnels = 1
	cfg.AuthWindow = 5 * time.Second
	cfg.RPCTimeout = 5 * time.Second
	cfg.OnLocked = func() {
		select {
		case lockedCh <- struct{}{}:
		default:
		}
	}
	cfg.OnUnlocked = func() {
		select {
		case unlockedCh <- struct{}{}:
		default:
		}
	}
	srv, err := NewServer(cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	gw, err := srv.CreateGateway()
	if err != nil {
		t.Fatal(err)
	}
	if srv.HasAvailable() {
		t.Fatal("relay at capacity still reports availability")
	}
	if _, err := srv.CreateGateway(); !errors.Contains(err, ErrMaxTunnels) {
		t.Fatal("expected ErrMaxTunnels, got", err)
	}
	select {
	case <-lockedCh:
	case <-time.After(time.Second):
		t.Fatal("locked event never fired")
	}

	// The peer's local inbox answers every request with a greeting.
	inbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := ioutil.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msg, err := kad.ParseMessage(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reply, err := kad.NewResponse(msg.ID, map[string]string{"text": "greetings comrade!"})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out, _ := reply.Bytes()
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
	}))
	defer inbox.Close()

	client := NewClient(ClientConfig{
		Tunnel:    srv.EntranceURL(gw),
		RPCTarget: inbox.URL,
	}, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Open(ctx); err != nil {
		t.Fatal(err)
	}
	awaitAttached(t, gw)

	resp, err := http.Post(aliasURL("http", gw.Alias()), "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":"1234567890","method":"TEST","params":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	body, err := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("alias replied %v: %s", resp.StatusCode, body)
	}
	reply, err := kad.ParseMessage(body)
	if err != nil {
		t.Fatal(err)
	}
	if reply.ID != "1234567890" {
		t.Fatal("reply carries the wrong id:", reply.ID)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.Text != "greetings comrade!" {
		t.Fatal("wrong greeting:", result.Text)
	}

	// Dropping the peer releases the gateway and its capacity.
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	err = build.Retry(200, 10*time.Millisecond, func() error {
		if !srv.HasAvailable() {
			return errors.New("gateway not released")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-unlockedCh:
	case <-time.After(time.Second):
		t.Fatal("unlocked event never fired")
	}
}

// TestTunnelDatachannel splices a WebSocket through the tunnel and echoes
// text and binary messages across it.
func TestTunnelDatachannel(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	log := testLogger(t)

	cfg := DefaultServerConfig()
	cfg.MaxTunnels = 1
	srv, err := NewServer(cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	gw, err := srv.CreateGateway()
	if err != nil {
		t.Fatal(err)
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, payload); err != nil {
				return
			}
		}
	}))
	defer echo.Close()

	client := NewClient(ClientConfig{
		Tunnel:     srv.EntranceURL(gw),
		DataTarget: "ws" + strings.TrimPrefix(echo.URL, "http"),
	}, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	awaitAttached(t, gw)

	remote, _, err := websocket.DefaultDialer.Dial(aliasURL("ws", gw.Alias()), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer remote.Close()
	remote.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := remote.WriteMessage(websocket.TextMessage, []byte("marco")); err != nil {
		t.Fatal(err)
	}
	mt, payload, err := remote.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.TextMessage || string(payload) != "marco" {
		t.Fatalf("echo mangled: type %v payload %q", mt, payload)
	}

	blob := fastrand.Bytes(1 << 16)
	if err := remote.WriteMessage(websocket.BinaryMessage, blob); err != nil {
		t.Fatal(err)
	}
	mt, payload, err = remote.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.BinaryMessage || !bytes.Equal(payload, blob) {
		t.Fatal("binary echo mangled")
	}
}

// TestTunnelEntranceAuth checks that the entrance rejects unknown tokens
// and that issued tokens are one-shot.
func TestTunnelEntranceAuth(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	log := testLogger(t)

	cfg := DefaultServerConfig()
	cfg.MaxTunnels = 1
	srv, err := NewServer(cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	gw, err := srv.CreateGateway()
	if err != nil {
		t.Fatal(err)
	}

	host, port := srv.Address()
	badURL := fmt.Sprintf("ws://%s/tun?token=deadbeef", net.JoinHostPort(host, strconv.Itoa(port)))
	_, resp, err := websocket.DefaultDialer.Dial(badURL, nil)
	if err == nil {
		t.Fatal("entrance accepted an unknown token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatal("expected a 401 rejection")
	}

	client := NewClient(ClientConfig{Tunnel: srv.EntranceURL(gw)}, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	awaitAttached(t, gw)

	// The token was spent by the first dial.
	_, resp, err = websocket.DefaultDialer.Dial(srv.EntranceURL(gw), nil)
	if err == nil {
		t.Fatal("entrance accepted a spent token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatal("expected a 401 rejection")
	}
}

// TestTunnelReclaim checks that a gateway whose token is never redeemed is
// reclaimed once the auth window passes.
func TestTunnelReclaim(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	log := testLogger(t)

	cfg := DefaultServerConfig()
	cfg.MaxTunnels = 1
	cfg.AuthWindow = 50 * time.Millisecond
	srv, err := NewServer(cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	if _, err := srv.CreateGateway(); err != nil {
		t.Fatal(err)
	}
	if srv.Tunnels() != 1 {
		t.Fatal("gateway not counted")
	}
	err = build.Retry(300, 10*time.Millisecond, func() error {
		if srv.Tunnels() != 0 {
			return errors.New("gateway not reclaimed")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !srv.HasAvailable() {
		t.Fatal("capacity not freed")
	}
}

// TestTunnelNoTargets checks a peer that accepts no relayed traffic: RPC
// requests come back as error envelopes and datachannels terminate at once.
func TestTunnelNoTargets(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	log := testLogger(t)

	cfg := DefaultServerConfig()
	cfg.MaxTunnels = 1
	srv, err := NewServer(cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	gw, err := srv.CreateGateway()
	if err != nil {
		t.Fatal(err)
	}
	client := NewClient(ClientConfig{Tunnel: srv.EntranceURL(gw)}, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	awaitAttached(t, gw)

	resp, err := http.Post(aliasURL("http", gw.Alias()), "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":"42424242","method":"TEST","params":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	body, err := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	reply, err := kad.ParseMessage(body)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Error == nil || !strings.Contains(reply.Error.Message, "no relayed requests") {
		t.Fatalf("expected a refusal envelope, got %s", body)
	}

	remote, _, err := websocket.DefaultDialer.Dial(aliasURL("ws", gw.Alias()), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer remote.Close()
	if err := remote.WriteMessage(websocket.TextMessage, []byte("anyone home?")); err != nil {
		t.Fatal(err)
	}
	remote.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := remote.ReadMessage(); err == nil {
		t.Fatal("datachannel with no target stayed open")
	}
}
