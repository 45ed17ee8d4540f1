package node

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/granary-tech/granary/kad"
	"github.com/granary-tech/granary/persist"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
	"github.com/uplo-tech/threadgroup"
)

// tokenSize is the length in bytes of a transfer token.
const tokenSize = 32

// The ways a transfer authorization can fail. All of them carry the
// unauthorized-token kind, which the shard server answers with a 401.
var (
	ErrNoToken          = errors.Extend(errors.New("no token supplied"), kad.ErrUnauthorizedToken)
	ErrTokenNotAccepted = errors.Extend(errors.New("token was not accepted"), kad.ErrUnauthorizedToken)
	ErrTokenExpired     = errors.Extend(errors.New("token has expired"), kad.ErrUnauthorizedToken)
	ErrNoHash           = errors.Extend(errors.New("no hash supplied"), kad.ErrUnauthorizedToken)
	ErrHashMismatch     = errors.Extend(errors.New("hash does not match token"), kad.ErrUnauthorizedToken)
)

// NewToken returns a fresh transfer token.
func NewToken() string {
	return hex.EncodeToString(fastrand.Bytes(tokenSize))
}

// An Authorization ties an accepted token to the shard hash it may move
// and the contact it was issued to.
type Authorization struct {
	Hash    string
	Contact kad.Contact
	Expires time.Time
}

// A TokenStore holds the transfer tokens a node has handed out. Tokens are
// accepted by the CONSIGN, RETRIEVE and MIRROR handlers and redeemed by the
// shard server; they lapse after the expire window and are reaped both
// lazily on authorization and periodically in the background.
type TokenStore struct {
	expire time.Duration
	log    *persist.Logger
	tg     threadgroup.ThreadGroup

	mu      sync.Mutex
	entries map[string]Authorization
}

// NewTokenStore returns a token store whose tokens lapse after expire.
func NewTokenStore(expire time.Duration, log *persist.Logger) *TokenStore {
	if expire <= 0 {
		expire = DefaultConfig().TokenExpire
	}
	ts := &TokenStore{
		expire:  expire,
		log:     log,
		entries: make(map[string]Authorization),
	}
	go ts.threadedReap()
	return ts
}

// Close stops the reaper.
func (ts *TokenStore) Close() error {
	return ts.tg.Stop()
}

// Accept authorizes token to move the shard with the given hash on behalf
// of contact.
func (ts *TokenStore) Accept(token, hash string, contact kad.Contact) error {
	if token == "" {
		return ErrNoToken
	}
	if hash == "" {
		return ErrNoHash
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.entries[token] = Authorization{
		Hash:    hash,
		Contact: contact,
		Expires: time.Now().Add(ts.expire),
	}
	return nil
}

// Reject withdraws a token.
func (ts *TokenStore) Reject(token string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.entries, token)
}

// Authorize redeems a token for a transfer of the shard with the given
// hash. The token stays redeemable until it expires or is rejected.
func (ts *TokenStore) Authorize(token, hash string) (Authorization, error) {
	if token == "" {
		return Authorization{}, ErrNoToken
	}
	if hash == "" {
		return Authorization{}, ErrNoHash
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	auth, ok := ts.entries[token]
	if !ok {
		return Authorization{}, ErrTokenNotAccepted
	}
	if time.Now().After(auth.Expires) {
		delete(ts.entries, token)
		return Authorization{}, ErrTokenExpired
	}
	if auth.Hash != hash {
		return Authorization{}, ErrHashMismatch
	}
	return auth, nil
}

// Count returns the number of live tokens.
func (ts *TokenStore) Count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.entries)
}

// threadedReap drops expired tokens in the background.
func (ts *TokenStore) threadedReap() {
	if err := ts.tg.Add(); err != nil {
		return
	}
	defer ts.tg.Done()
	ticker := time.NewTicker(ts.expire)
	defer ticker.Stop()
	for {
		select {
		case <-ts.tg.StopChan():
			return
		case <-ticker.C:
		}
		now := time.Now()
		ts.mu.Lock()
		for token, auth := range ts.entries {
			if now.After(auth.Expires) {
				delete(ts.entries, token)
			}
		}
		ts.mu.Unlock()
	}
}
