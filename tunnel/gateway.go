package tunnel

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/granary-tech/granary/kad"
	"github.com/granary-tech/granary/persist"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
	"github.com/uplo-tech/threadgroup"
)

const (
	// entranceTokenSize is the length in bytes of a gateway entrance
	// token.
	entranceTokenSize = 32

	// maxEnvelopeSize bounds the JSON-RPC envelopes accepted by a
	// gateway.
	maxEnvelopeSize = 1 << 20

	// writeWait bounds blocking control-frame writes.
	writeWait = 10 * time.Second

	// pingInterval and pongWait keep an idle outer socket alive through
	// NATs. The peer's read loop answers pings automatically.
	pingInterval = 30 * time.Second
	pongWait     = 75 * time.Second
)

// ErrNotAttached is returned when traffic arrives for a gateway whose peer
// has not connected yet or has disconnected.
var ErrNotAttached = errors.New("tunneled peer is not attached")

// An Alias is the public address a gateway serves on behalf of its peer.
// Tunneled peers advertise it as their own contact address.
type Alias struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// A gatewaySocket is one shard transfer socket opened by a remote peer
// against the gateway.
type gatewaySocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// A Gateway is the public stand-in for one tunneled peer. Remote peers
// POST JSON-RPC envelopes and open shard transfer WebSockets against it as
// if it were the peer itself; the gateway frames that traffic onto the
// peer's outer tunnel socket and replays the answers back out.
type Gateway struct {
	log        *persist.Logger
	tg         threadgroup.ThreadGroup
	token      string
	alias      Alias
	rpcTimeout time.Duration

	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	// outerMu serializes data writes to the outer socket.
	outerMu sync.Mutex

	mu       sync.Mutex
	outer    *websocket.Conn
	pending  map[string]chan *kad.Message
	channels map[string]*gatewaySocket
	onClose  func(*Gateway)
	closed   bool
}

// newGateway opens a gateway listener. bind is the interface to listen on
// and advertise the host remote peers should dial; port zero picks an
// ephemeral port. onClose runs once, after the gateway has shut down.
func newGateway(bind string, port int, advertise string, rpcTimeout time.Duration, log *persist.Logger, onClose func(*Gateway)) (*Gateway, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.AddContext(err, "unable to open gateway listener")
	}
	g := &Gateway{
		log:        log,
		token:      hex.EncodeToString(fastrand.Bytes(entranceTokenSize)),
		alias:      Alias{Address: advertise, Port: listener.Addr().(*net.TCPAddr).Port},
		rpcTimeout: rpcTimeout,
		listener:   listener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pending:  make(map[string]chan *kad.Message),
		channels: make(map[string]*gatewaySocket),
		onClose:  onClose,
	}
	g.server = &http.Server{Handler: http.HandlerFunc(g.handle)}
	g.tg.OnStop(func() error {
		g.mu.Lock()
		outer := g.outer
		socks := make([]*gatewaySocket, 0, len(g.channels))
		for _, sock := range g.channels {
			socks = append(socks, sock)
		}
		g.mu.Unlock()
		for _, sock := range socks {
			sock.conn.Close()
		}
		if outer != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "gateway closed")
			outer.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			outer.Close()
		}
		return g.server.Close()
	})
	go g.threadedServe()
	return g, nil
}

// Token returns the gateway's one-shot entrance token.
func (g *Gateway) Token() string { return g.token }

// Alias returns the public address the gateway answers on.
func (g *Gateway) Alias() Alias { return g.alias }

// Attached reports whether the tunneled peer has connected.
func (g *Gateway) Attached() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outer != nil
}

// Close tears the gateway down: the alias listener, any open transfer
// sockets, and the outer socket to the peer.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	onClose := g.onClose
	g.mu.Unlock()
	err := g.tg.Stop()
	if onClose != nil {
		onClose(g)
	}
	return err
}

// Attach binds the tunneled peer's outer socket to the gateway and starts
// demultiplexing its frames. Only one peer may attach over the gateway's
// lifetime.
func (g *Gateway) Attach(conn *websocket.Conn) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errors.New("gateway closed")
	}
	if g.outer != nil {
		g.mu.Unlock()
		return errors.New("a peer is already attached")
	}
	g.outer = conn
	g.mu.Unlock()
	go g.threadedPumpOuter(conn)
	return nil
}

// threadedServe runs the alias HTTP server until the gateway stops.
func (g *Gateway) threadedServe() {
	if err := g.tg.Add(); err != nil {
		g.listener.Close()
		return
	}
	defer g.tg.Done()
	err := g.server.Serve(g.listener)
	if err != nil && err != http.ErrServerClosed {
		g.log.Debugf("tunnel: gateway %v server stopped: %v", g.alias, err)
	}
}

// handle splits alias traffic: WebSocket upgrades become datachannels,
// POSTs are relayed as RPC frames.
func (g *Gateway) handle(w http.ResponseWriter, r *http.Request) {
	if err := g.tg.Add(); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "gateway closed")
		return
	}
	defer g.tg.Done()
	if websocket.IsWebSocketUpgrade(r) {
		g.handleSocket(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	g.handleRPC(w, r)
}

// handleRPC relays one JSON-RPC envelope through the tunnel and writes the
// peer's reply.
func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := ioutil.ReadAll(io.LimitReader(r.Body, maxEnvelopeSize))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unable to read request")
		return
	}
	msg, err := kad.ParseMessage(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !msg.IsRequest() {
		writeJSONError(w, http.StatusBadRequest, "envelope is not a request")
		return
	}
	frame, err := MuxRPC(msg)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ch := make(chan *kad.Message, 1)
	g.mu.Lock()
	g.pending[msg.ID] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, msg.ID)
		g.mu.Unlock()
	}()

	if err := g.managedWriteOuter(frame); err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	select {
	case reply := <-ch:
		out, err := reply.Bytes()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "unable to encode reply")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
	case <-time.After(g.rpcTimeout):
		writeJSONError(w, http.StatusGatewayTimeout, "timed out waiting for tunneled peer")
	case <-g.tg.StopChan():
		writeJSONError(w, http.StatusServiceUnavailable, "gateway closed")
	}
}

// handleSocket upgrades an alias connection to a datachannel and pumps its
// messages through the tunnel until either side closes.
func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	quid := NewQUID()
	sock := &gatewaySocket{conn: conn}
	g.mu.Lock()
	g.channels[quid] = sock
	g.mu.Unlock()

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		// An empty payload would read as the terminator on the far
		// side; the channel close below carries that meaning.
		if len(payload) == 0 {
			continue
		}
		frame, err := MuxData(quid, mt == websocket.BinaryMessage, payload)
		if err != nil {
			break
		}
		if err := g.managedWriteOuter(frame); err != nil {
			break
		}
	}

	g.mu.Lock()
	delete(g.channels, quid)
	g.mu.Unlock()
	if frame, err := MuxTerminator(quid); err == nil {
		g.managedWriteOuter(frame)
	}
	conn.Close()
}

// threadedPumpOuter demultiplexes frames arriving from the tunneled peer.
// When the outer socket fails the gateway closes; its entrance token is
// one-shot, so the peer cannot reattach.
func (g *Gateway) threadedPumpOuter(conn *websocket.Conn) {
	if err := g.tg.Add(); err != nil {
		conn.Close()
		return
	}
	defer g.tg.Done()

	done := make(chan struct{})
	defer close(done)
	go g.threadedPingOuter(conn, done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		frame, err := Demux(data)
		if err != nil {
			g.log.Debugf("tunnel: dropping peer of gateway %v: %v", g.alias, err)
			msg := websocket.FormatCloseMessage(CloseCode(err), err.Error())
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			break
		}
		switch frame.Opcode {
		case OpRPC:
			g.managedDeliverRPC(frame.Message)
		case OpDatachannel:
			g.managedDeliverData(frame)
		}
	}
	go g.Close()
}

// threadedPingOuter pings the peer until the pump exits, keeping NAT
// mappings on the path warm.
func (g *Gateway) threadedPingOuter(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		case <-done:
			return
		case <-g.tg.StopChan():
			return
		}
	}
}

// managedWriteOuter sends one frame to the tunneled peer.
func (g *Gateway) managedWriteOuter(frame []byte) error {
	g.mu.Lock()
	conn := g.outer
	g.mu.Unlock()
	if conn == nil {
		return ErrNotAttached
	}
	g.outerMu.Lock()
	defer g.outerMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// managedDeliverRPC hands a reply from the peer to the alias request
// waiting on its message id.
func (g *Gateway) managedDeliverRPC(msg *kad.Message) {
	if !msg.IsResponse() {
		// Gateways relay inward only; peers do not originate requests
		// through them.
		g.log.Debugf("tunnel: dropping unexpected request %q from tunneled peer", msg.Method)
		return
	}
	g.mu.Lock()
	ch, ok := g.pending[msg.ID]
	if ok {
		delete(g.pending, msg.ID)
	}
	g.mu.Unlock()
	if !ok {
		g.log.Debugf("tunnel: no request waiting for reply %v", msg.ID)
		return
	}
	ch <- msg
}

// managedDeliverData forwards a datachannel frame from the peer to the
// remote socket it belongs to.
func (g *Gateway) managedDeliverData(frame *Frame) {
	g.mu.Lock()
	sock, ok := g.channels[frame.QUID]
	g.mu.Unlock()
	if !ok {
		return
	}
	if frame.Terminator() {
		sock.conn.Close()
		return
	}
	mt := websocket.TextMessage
	if frame.Binary {
		mt = websocket.BinaryMessage
	}
	sock.writeMu.Lock()
	err := sock.conn.WriteMessage(mt, frame.Payload)
	sock.writeMu.Unlock()
	if err != nil {
		sock.conn.Close()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
