package tunnel

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/granary-tech/granary/kad"
	"github.com/granary-tech/granary/persist"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/threadgroup"
)

// ClientConfig tells a tunneled peer where its tunnel is and where relayed
// traffic should land.
type ClientConfig struct {
	// Tunnel is the entrance URL issued by the relay, including the
	// one-shot token.
	Tunnel string

	// RPCTarget is the local HTTP URL relayed JSON-RPC envelopes are
	// POSTed to. Empty answers every relayed request with an error.
	RPCTarget string

	// DataTarget is the local WebSocket URL datachannels are spliced
	// onto. Empty terminates new datachannels immediately.
	DataTarget string
}

// A clientSocket is one local connection backing a relayed datachannel.
type clientSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// A Client keeps one tunnel to a relay open, unpacking relayed traffic
// against local listeners and framing the answers back.
type Client struct {
	cfg  ClientConfig
	log  *persist.Logger
	tg   threadgroup.ThreadGroup
	http *http.Client
	done chan struct{}

	// outerMu serializes writes to the outer socket.
	outerMu sync.Mutex

	mu       sync.Mutex
	outer    *websocket.Conn
	channels map[string]*clientSocket
	opened   bool
}

// NewClient returns an unopened tunnel client.
func NewClient(cfg ClientConfig, log *persist.Logger) *Client {
	c := &Client{
		cfg:      cfg,
		log:      log,
		http:     &http.Client{Timeout: 15 * time.Second},
		done:     make(chan struct{}),
		channels: make(map[string]*clientSocket),
	}
	c.tg.OnStop(func() error {
		c.mu.Lock()
		outer := c.outer
		socks := make([]*clientSocket, 0, len(c.channels))
		for _, sock := range c.channels {
			socks = append(socks, sock)
		}
		c.mu.Unlock()
		for _, sock := range socks {
			sock.conn.Close()
		}
		if outer != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "peer closing")
			outer.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			outer.Close()
		}
		return nil
	})
	return c
}

// Open dials the relay entrance and starts serving relayed traffic. A
// client opens at most once; when the tunnel is lost the peer must request
// a fresh one.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return errors.New("tunnel already opened")
	}
	c.opened = true
	c.mu.Unlock()

	dialer := &websocket.Dialer{HandshakeTimeout: writeWait}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.Tunnel, nil)
	if err != nil {
		if resp != nil {
			err = errors.AddContext(err, "entrance refused with status "+resp.Status)
			resp.Body.Close()
		}
		return errors.AddContext(err, "unable to open tunnel")
	}
	c.mu.Lock()
	c.outer = conn
	c.mu.Unlock()
	go c.threadedPumpOuter(conn)
	return nil
}

// Close tears down the tunnel and every spliced socket.
func (c *Client) Close() error {
	return c.tg.Stop()
}

// Done returns a channel closed once the tunnel is lost, however that
// happens. A client that was never opened keeps the channel open forever.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// threadedPumpOuter demultiplexes frames arriving from the relay.
func (c *Client) threadedPumpOuter(conn *websocket.Conn) {
	if err := c.tg.Add(); err != nil {
		conn.Close()
		close(c.done)
		return
	}
	defer c.tg.Done()
	defer close(c.done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		frame, err := Demux(data)
		if err != nil {
			c.log.Debugf("tunnel: dropping relay: %v", err)
			msg := websocket.FormatCloseMessage(CloseCode(err), err.Error())
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			break
		}
		switch frame.Opcode {
		case OpRPC:
			if !frame.Message.IsRequest() {
				c.log.Debugf("tunnel: dropping unexpected reply %v from relay", frame.Message.ID)
				continue
			}
			go c.threadedRelayRPC(frame.Message)
		case OpDatachannel:
			c.managedDeliverData(frame)
		}
	}

	c.mu.Lock()
	socks := make([]*clientSocket, 0, len(c.channels))
	for _, sock := range c.channels {
		socks = append(socks, sock)
	}
	c.channels = make(map[string]*clientSocket)
	c.mu.Unlock()
	for _, sock := range socks {
		sock.conn.Close()
	}
	conn.Close()
}

// threadedRelayRPC replays one relayed request against the local inbox and
// frames the reply back through the tunnel.
func (c *Client) threadedRelayRPC(msg *kad.Message) {
	if err := c.tg.Add(); err != nil {
		return
	}
	defer c.tg.Done()

	reply := c.managedLocalRPC(msg)
	frame, err := MuxRPC(reply)
	if err != nil {
		c.log.Debugf("tunnel: unable to frame reply %v: %v", msg.ID, err)
		return
	}
	if err := c.managedWriteOuter(frame); err != nil {
		c.log.Debugf("tunnel: unable to send reply %v: %v", msg.ID, err)
	}
}

// managedLocalRPC posts msg to the local inbox, synthesizing an error reply
// when the inbox is unreachable.
func (c *Client) managedLocalRPC(msg *kad.Message) *kad.Message {
	if c.cfg.RPCTarget == "" {
		return kad.NewErrorResponse(msg.ID, kad.CodeApplication, "peer accepts no relayed requests")
	}
	body, err := msg.Bytes()
	if err != nil {
		return kad.NewErrorResponse(msg.ID, kad.CodeApplication, err.Error())
	}
	resp, err := c.http.Post(c.cfg.RPCTarget, "application/json", bytes.NewReader(body))
	if err != nil {
		return kad.NewErrorResponse(msg.ID, kad.CodeApplication, "local inbox unreachable")
	}
	defer resp.Body.Close()
	raw, err := ioutil.ReadAll(io.LimitReader(resp.Body, maxEnvelopeSize))
	if err != nil {
		return kad.NewErrorResponse(msg.ID, kad.CodeApplication, "unable to read local reply")
	}
	reply, err := kad.ParseMessage(raw)
	if err != nil {
		return kad.NewErrorResponse(msg.ID, kad.CodeApplication, "local inbox replied garbage")
	}
	return reply
}

// managedDeliverData forwards a datachannel frame to its local socket,
// splicing a fresh one onto the data target for unknown quids.
func (c *Client) managedDeliverData(frame *Frame) {
	c.mu.Lock()
	sock, ok := c.channels[frame.QUID]
	c.mu.Unlock()

	if frame.Terminator() {
		if ok {
			sock.conn.Close()
		}
		return
	}
	if !ok {
		if c.cfg.DataTarget == "" {
			c.managedTerminate(frame.QUID)
			return
		}
		dialer := &websocket.Dialer{HandshakeTimeout: writeWait}
		conn, _, err := dialer.Dial(c.cfg.DataTarget, nil)
		if err != nil {
			c.log.Debugf("tunnel: data target unreachable: %v", err)
			c.managedTerminate(frame.QUID)
			return
		}
		sock = &clientSocket{conn: conn}
		c.mu.Lock()
		c.channels[frame.QUID] = sock
		c.mu.Unlock()
		go c.threadedPumpSocket(frame.QUID, sock)
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

// threadedPumpSocket frames local socket traffic back through the tunnel
// until the socket closes, then sends the terminator.
func (c *Client) threadedPumpSocket(quid string, sock *clientSocket) {
	if err := c.tg.Add(); err != nil {
		sock.conn.Close()
		return
	}
	defer c.tg.Done()

	for {
		mt, payload, err := sock.conn.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if len(payload) == 0 {
			continue
		}
		frame, err := MuxData(quid, mt == websocket.BinaryMessage, payload)
		if err != nil {
			break
		}
		if err := c.managedWriteOuter(frame); err != nil {
			break
		}
	}

	c.mu.Lock()
	delete(c.channels, quid)
	c.mu.Unlock()
	c.managedTerminate(quid)
	sock.conn.Close()
}

// managedTerminate signals the far end that a datachannel is gone.
func (c *Client) managedTerminate(quid string) {
	frame, err := MuxTerminator(quid)
	if err != nil {
		return
	}
	c.managedWriteOuter(frame)
}

// managedWriteOuter sends one frame to the relay.
func (c *Client) managedWriteOuter(frame []byte) error {
	c.mu.Lock()
	conn := c.outer
	c.mu.Unlock()
	if conn == nil {
		return ErrNotAttached
	}
	c.outerMu.Lock()
	defer c.outerMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}
