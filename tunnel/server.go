package tunnel

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/granary-tech/granary/kad"
	"github.com/granary-tech/granary/persist"
	"github.com/julienschmidt/httprouter"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
	"github.com/uplo-tech/threadgroup"
)

// ErrMaxTunnels is returned when a relay has no gateway capacity left.
var ErrMaxTunnels = errors.Extend(errors.New("maximum tunnels open"), kad.ErrInvalidOperation)

// ServerConfig collects the tunables of a relay.
type ServerConfig struct {
	// Address is the host advertised for the entrance and the gateway
	// aliases. BindAddress is the interface listeners bind to; empty
	// binds every interface.
	Address     string
	BindAddress string

	// Port is the entrance port. Zero picks an ephemeral port.
	Port int

	// MaxTunnels bounds the number of simultaneously open gateways.
	MaxTunnels int

	// PortFloor and PortCeiling bound the ports gateways are opened on.
	// Both zero lets the system pick.
	PortFloor   int
	PortCeiling int

	// AuthWindow is how long an issued entrance token stays redeemable
	// before its gateway is reclaimed.
	AuthWindow time.Duration

	// RPCTimeout bounds how long a gateway waits for the tunneled peer
	// to answer a relayed request.
	RPCTimeout time.Duration

	// OnLocked and OnUnlocked run when the gateway pool reaches and
	// leaves capacity. They must not block.
	OnLocked   func()
	OnUnlocked func()
}

// DefaultServerConfig returns the relay defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:    "127.0.0.1",
		MaxTunnels: 3,
		AuthWindow: 15 * time.Second,
		RPCTimeout: 15 * time.Second,
	}
}

// A Server is a volunteer relay: it hands out gateways to peers that
// cannot accept inbound connections and splices their tunnels together.
type Server struct {
	cfg ServerConfig
	log *persist.Logger
	tg  threadgroup.ThreadGroup

	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	gateways map[string]*Gateway
	tokens   map[string]time.Time
	ports    map[int]struct{}
	closed   bool
}

// NewServer opens the relay's entrance listener and starts serving.
func NewServer(cfg ServerConfig, log *persist.Logger) (*Server, error) {
	if cfg.MaxTunnels <= 0 {
		return nil, errors.New("relay needs capacity for at least one tunnel")
	}
	if cfg.PortFloor > cfg.PortCeiling {
		return nil, errors.New("invalid gateway port range")
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, errors.AddContext(err, "unable to open entrance listener")
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		listener: listener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		gateways: make(map[string]*Gateway),
		tokens:   make(map[string]time.Time),
		ports:    make(map[int]struct{}),
	}
	router := httprouter.New()
	router.GET("/tun", s.handleEntrance)
	s.server = &http.Server{Handler: router}
	s.tg.OnStop(func() error {
		return s.server.Close()
	})
	go s.threadedServe()
	return s, nil
}

// Close shuts the entrance down and tears down every open gateway.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	gateways := make([]*Gateway, 0, len(s.gateways))
	for _, gw := range s.gateways {
		gateways = append(gateways, gw)
	}
	s.mu.Unlock()

	err := s.tg.Stop()
	for _, gw := range gateways {
		err = errors.Compose(err, gw.Close())
	}
	return err
}

// Address returns the advertised entrance host and port.
func (s *Server) Address() (string, int) {
	return s.cfg.Address, s.listener.Addr().(*net.TCPAddr).Port
}

// HasAvailable reports whether the relay can open another gateway.
func (s *Server) HasAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && len(s.gateways) < s.cfg.MaxTunnels
}

// Tunnels returns the number of open gateways.
func (s *Server) Tunnels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gateways)
}

// EntranceURL returns the WebSocket URL a peer dials to claim gw.
func (s *Server) EntranceURL(gw *Gateway) string {
	host, port := s.Address()
	return fmt.Sprintf("ws://%s/tun?token=%s", net.JoinHostPort(host, strconv.Itoa(port)), gw.Token())
}

// CreateGateway opens a gateway and authorizes its entrance token for the
// server's auth window. Unclaimed gateways are reclaimed when the window
// passes.
func (s *Server) CreateGateway() (*Gateway, error) {
	if err := s.tg.Add(); err != nil {
		return nil, err
	}
	defer s.tg.Done()

	s.mu.Lock()
	if len(s.gateways) >= s.cfg.MaxTunnels {
		s.mu.Unlock()
		return nil, ErrMaxTunnels
	}
	var gw *Gateway
	err := errors.New("gateway port range exhausted")
	for attempt := 0; attempt < 3; attempt++ {
		var port int
		port, err = s.pickPortLocked()
		if err != nil {
			break
		}
		gw, err = newGateway(s.cfg.BindAddress, port, s.cfg.Address, s.cfg.RPCTimeout, s.log, s.managedRelease)
		if err == nil || port == 0 {
			break
		}
	}
	if err != nil {
		s.mu.Unlock()
		return nil, errors.AddContext(err, "unable to open gateway")
	}
	s.gateways[gw.Token()] = gw
	s.tokens[gw.Token()] = time.Now().Add(s.cfg.AuthWindow)
	s.ports[gw.Alias().Port] = struct{}{}
	locked := len(s.gateways) == s.cfg.MaxTunnels
	s.mu.Unlock()

	if locked && s.cfg.OnLocked != nil {
		s.cfg.OnLocked()
	}
	go s.threadedReclaim(gw)
	return gw, nil
}

// pickPortLocked chooses an unused gateway port from the configured range,
// or zero when no range is configured.
func (s *Server) pickPortLocked() (int, error) {
	if s.cfg.PortFloor == 0 && s.cfg.PortCeiling == 0 {
		return 0, nil
	}
	free := make([]int, 0, s.cfg.PortCeiling-s.cfg.PortFloor+1)
	for port := s.cfg.PortFloor; port <= s.cfg.PortCeiling; port++ {
		if _, used := s.ports[port]; !used {
			free = append(free, port)
		}
	}
	if len(free) == 0 {
		return 0, errors.New("gateway port range exhausted")
	}
	return free[fastrand.Intn(len(free))], nil
}

// threadedServe runs the entrance server until the relay stops.
func (s *Server) threadedServe() {
	if err := s.tg.Add(); err != nil {
		s.listener.Close()
		return
	}
	defer s.tg.Done()
	err := s.server.Serve(s.listener)
	if err != nil && err != http.ErrServerClosed {
		s.log.Debugf("tunnel: entrance server stopped: %v", err)
	}
}

// threadedReclaim closes gw if its entrance token is never redeemed.
func (s *Server) threadedReclaim(gw *Gateway) {
	if err := s.tg.Add(); err != nil {
		return
	}
	defer s.tg.Done()
	select {
	case <-time.After(s.cfg.AuthWindow + time.Second):
	case <-s.tg.StopChan():
		return
	}
	if !gw.Attached() {
		s.log.Debugf("tunnel: reclaiming unclaimed gateway %v", gw.Alias())
		gw.Close()
	}
}

// handleEntrance redeems a one-shot entrance token and attaches the dialing
// peer to its gateway.
func (s *Server) handleEntrance(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.tg.Add(); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "relay closed")
		return
	}
	defer s.tg.Done()

	token := r.URL.Query().Get("token")
	s.mu.Lock()
	expiry, authorized := s.tokens[token]
	if authorized {
		// One shot: the token is spent whether or not the upgrade
		// succeeds.
		delete(s.tokens, token)
		if time.Now().After(expiry) {
			authorized = false
		}
	}
	gw := s.gateways[token]
	s.mu.Unlock()

	if !authorized {
		writeJSONError(w, http.StatusUnauthorized, "entrance token not authorized")
		return
	}
	if gw == nil {
		writeJSONError(w, http.StatusNotFound, "gateway closed")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := gw.Attach(conn); err != nil {
		msg := websocket.FormatCloseMessage(CloseUnexpected, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
	}
}

// managedRelease forgets a gateway that has closed, freeing its port and
// capacity.
func (s *Server) managedRelease(gw *Gateway) {
	s.mu.Lock()
	wasLocked := len(s.gateways) == s.cfg.MaxTunnels
	delete(s.gateways, gw.Token())
	delete(s.tokens, gw.Token())
	delete(s.ports, gw.Alias().Port)
	closed := s.closed
	s.mu.Unlock()

	if wasLocked && !closed && s.cfg.OnUnlocked != nil {
		s.cfg.OnUnlocked()
	}
}
