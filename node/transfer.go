package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/granary-tech/granary/contract"
	"github.com/granary-tech/granary/crypto"
	"github.com/granary-tech/granary/kad"
	"github.com/granary-tech/granary/storage"
	"github.com/uplo-tech/errors"
)

// The two ways a consigned shard can fail its contract. The texts are part
// of the transfer surface; remote uploaders match on them.
var (
	ErrShardOversize     = errors.New("Shard exceeds size defined in contract")
	ErrShardHashMismatch = errors.New("Hash does not match contract")
)

// consignShard streams body into the shard store under c.DataHash,
// enforcing the contract's byte budget as the bytes arrive and the content
// hash once they end. Nothing is committed on failure.
func consignShard(manager *storage.Manager, c *contract.Contract, body io.Reader) error {
	w, err := manager.ShardWriter(c.DataHash)
	if err != nil {
		return err
	}
	hasher := crypto.NewHash160()

	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > c.DataSize {
				w.Cancel()
				return ErrShardOversize
			}
			hasher.Write(buf[:n])
			if _, err := w.Write(buf[:n]); err != nil {
				return errors.Compose(err, w.Cancel())
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return errors.Compose(readErr, w.Cancel())
		}
	}
	if hex.EncodeToString(hasher.Sum(nil)) != c.DataHash {
		w.Cancel()
		return ErrShardHashMismatch
	}
	return w.Close()
}

// shardURL builds the transfer endpoint of a shard at a peer.
func shardURL(peer kad.Contact, hash, token string) string {
	return fmt.Sprintf("%s/shards/%s?token=%s", peer.URL(), hash, token)
}

// transferError decodes the error body of a failed transfer response.
func transferError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil || body.Error == "" {
		return errors.New("transfer failed with status " + resp.Status)
	}
	err := errors.New(body.Error)
	if resp.StatusCode == http.StatusUnauthorized {
		return errors.Extend(err, kad.ErrUnauthorizedToken)
	}
	return err
}

// UploadShard streams a shard to a peer under a consignment token.
func UploadShard(ctx context.Context, client *http.Client, peer kad.Contact, hash, token string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, shardURL(peer, hash, token), body)
	if err != nil {
		return errors.AddContext(err, "unable to build upload request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := client.Do(req)
	if err != nil {
		return errors.AddContext(err, "unable to reach farmer")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return transferError(resp)
	}
	return nil
}

// DownloadShard opens a stream over a shard held by a peer under a
// retrieval token. The caller owns the returned reader.
func DownloadShard(ctx context.Context, client *http.Client, peer kad.Contact, hash, token string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, shardURL(peer, hash, token), nil)
	if err != nil {
		return nil, errors.AddContext(err, "unable to build download request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.AddContext(err, "unable to reach farmer")
	}
	if resp.StatusCode != http.StatusOK {
		err := transferError(resp)
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}
