package node

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/ratelimit"
	"github.com/uplo-tech/threadgroup"

	"github.com/granary-tech/granary/persist"
	"github.com/granary-tech/granary/storage"
)

// transferPacketSize is the accounting granularity of throttled transfer
// connections.
const transferPacketSize = 1 << 14

// A ShardServer serves token-authorized shard transfers over HTTP. Shards
// are uploaded with POST /shards/{hash}?token=t and downloaded with GET on
// the same path; a token must have been accepted for exactly that hash.
// Every response carries permissive CORS headers so browser renters can
// talk to farmers directly. A completed transfer consumes its token.
type ShardServer struct {
	manager *storage.Manager
	tokens  *TokenStore
	log     *persist.Logger
	tg      threadgroup.ThreadGroup

	listener net.Listener
	server   *http.Server
	port     int
}

// NewShardServer binds the transfer listener and begins serving. When the
// config carries transfer rate limits the listener's connections are
// wrapped in rate-limited equivalents.
func NewShardServer(cfg Config, manager *storage.Manager, tokens *TokenStore, log *persist.Logger) (*ShardServer, error) {
	s := &ShardServer{
		manager: manager,
		tokens:  tokens,
		log:     log,
	}

	bind := cfg.BindAddress
	if bind == "" {
		bind = cfg.Address
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, errors.AddContext(err, "unable to listen for shard transfers")
	}
	if cfg.ReadBPS > 0 || cfg.WriteBPS > 0 {
		rl := ratelimit.NewRateLimit(cfg.ReadBPS, cfg.WriteBPS, transferPacketSize)
		listener = &throttledListener{Listener: listener, rl: rl, cancel: s.tg.StopChan()}
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	router := httprouter.New()
	router.POST("/shards/:hash", s.handleUpload)
	router.GET("/shards/:hash", s.handleDownload)
	router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		setCORS(w.Header())
		w.WriteHeader(http.StatusOK)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		setCORS(w.Header())
		writeTransferError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		setCORS(w.Header())
		writeTransferError(w, http.StatusNotFound, errors.New("not found"))
	})
	if cfg.RPCInbox != nil {
		// The overlay binding receives its traffic on the same listener,
		// which is what tunnel clients relay inbound RPC to.
		router.Handler(http.MethodPost, "/rpc", cfg.RPCInbox)
	}

	s.server = &http.Server{Handler: router}
	s.tg.OnStop(func() error {
		return s.server.Close()
	})
	go s.threadedServe()
	return s, nil
}

// Close stops the listener and drops in-flight transfers.
func (s *ShardServer) Close() error {
	return s.tg.Stop()
}

// Port returns the port the transfer listener is bound to.
func (s *ShardServer) Port() int {
	return s.port
}

func (s *ShardServer) threadedServe() {
	if err := s.tg.Add(); err != nil {
		return
	}
	defer s.tg.Done()
	err := s.server.Serve(s.listener)
	if err != nil && err != http.ErrServerClosed {
		s.log.Println("ERROR: shard server stopped serving:", err)
	}
}

// handleUpload authorizes the token, finds the uploader's contract and
// streams the body through size and hash enforcement into the shard store.
// Closing the connection mid-upload aborts and discards the write.
func (s *ShardServer) handleUpload(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	setCORS(w.Header())
	hash := ps.ByName("hash")
	token := r.URL.Query().Get("token")
	auth, err := s.tokens.Authorize(token, hash)
	if err != nil {
		writeTransferError(w, http.StatusUnauthorized, err)
		return
	}
	item, err := s.manager.Peek(hash)
	if err != nil {
		writeTransferError(w, http.StatusNotFound, errors.New("no contract found for shard"))
		return
	}
	c, ok := item.Contract(auth.Contact.HDKey, auth.Contact.NodeID)
	if !ok {
		writeTransferError(w, http.StatusNotFound, errors.New("no contract found for shard"))
		return
	}
	if err := consignShard(s.manager, c, r.Body); err != nil {
		status := http.StatusInternalServerError
		if errors.Contains(err, ErrShardOversize) || errors.Contains(err, ErrShardHashMismatch) {
			status = http.StatusBadRequest
		}
		writeTransferError(w, status, err)
		return
	}
	s.tokens.Reject(token)
	s.log.Printf("stored shard %v for %v", hash, auth.Contact.NodeID)
	writeTransferJSON(w, http.StatusOK, struct{}{})
}

// handleDownload authorizes the token and streams the shard bytes out. A
// truncated response is the client's signal that the transfer failed.
func (s *ShardServer) handleDownload(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	setCORS(w.Header())
	hash := ps.ByName("hash")
	token := r.URL.Query().Get("token")
	if _, err := s.tokens.Authorize(token, hash); err != nil {
		writeTransferError(w, http.StatusUnauthorized, err)
		return
	}
	reader, err := s.manager.ShardReader(hash)
	if err != nil {
		writeTransferError(w, http.StatusNotFound, errors.New("shard not found"))
		return
	}
	defer reader.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		s.log.Debugf("download of %v aborted: %v", hash, err)
		return
	}
	s.tokens.Reject(token)
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
}

func writeTransferJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encode can only fail once the connection is gone; the peer sees the
	// truncation.
	_ = json.NewEncoder(w).Encode(v)
}

func writeTransferError(w http.ResponseWriter, status int, err error) {
	writeTransferJSON(w, status, map[string]string{"error": err.Error()})
}

// A throttledListener wraps every accepted connection in a rate-limited
// one sharing a single rate limit across all transfers.
type throttledListener struct {
	net.Listener
	rl     *ratelimit.RateLimit
	cancel <-chan struct{}
}

func (l *throttledListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return ratelimit.NewRLConn(conn, l.rl, l.cancel), nil
}
