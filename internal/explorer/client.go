// Package explorer is a read-only client for a blockchain.info-style block
// explorer. Responses are normalized into pkg/types records.
package explorer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	"github.com/Klingon-tech/cointerm/internal/errs"
	klog "github.com/Klingon-tech/cointerm/internal/log"
	"github.com/Klingon-tech/cointerm/internal/normalize"
	"github.com/Klingon-tech/cointerm/pkg/types"
)

// DefaultTimeout is used when Options.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// maxBody caps how much of a response is read.
const maxBody = 32 << 20

// Index is the chain index fed by the client. Fetched blocks and the latest
// tip are recorded so confirmations can be computed.
type Index interface {
	normalize.ChainIndex
	SetTip(height int64, hash string) error
	PutBlock(b *types.Block) error
	PutTransaction(tx *types.Transaction) error
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration

	// RateLimit is the maximum requests per second; zero disables limiting.
	RateLimit float64

	// CacheSize is the number of normalized records kept; zero disables caching.
	CacheSize int

	Params     *chaincfg.Params
	Index      Index
	HTTPClient *http.Client
}

// Client talks to the explorer. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	cache   *lru.Cache
	norm    *normalize.Normalizer
	index   Index
	metrics *explorerMetrics
}

// New creates an explorer client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("explorer url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("explorer url %q is not absolute", opts.BaseURL)
	}

	c := &Client{
		base:    base,
		http:    opts.HTTPClient,
		index:   opts.Index,
		metrics: defaultExplorerMetrics(),
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	if opts.CacheSize > 0 {
		c.cache, err = lru.New(opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("explorer cache: %w", err)
		}
	}
	c.norm = normalize.New(opts.Params, opts.Index)
	return c, nil
}

// Normalizer returns the normalizer used for responses.
func (c *Client) Normalizer() *normalize.Normalizer {
	return c.norm
}

// LatestBlock fetches the chain tip and records it in the index.
func (c *Client) LatestBlock(ctx context.Context) (*normalize.ExplorerLatest, error) {
	var latest normalize.ExplorerLatest
	if err := c.getJSON(ctx, "latestblock", "/latestblock", nil, &latest); err != nil {
		return nil, err
	}
	if latest.Hash == "" {
		return nil, &errs.ProtocolError{Status: http.StatusOK, Err: fmt.Errorf("latestblock: missing hash")}
	}
	if c.index != nil {
		if err := c.index.SetTip(latest.Height, latest.Hash); err != nil {
			klog.Explorer.Warn().Err(err).Msg("Failed to record chain tip")
		}
	}
	return &latest, nil
}

// Block fetches a block with its transactions by hash.
func (c *Client) Block(ctx context.Context, hash string) (*types.Block, error) {
	if b, ok := c.cachedBlock(hash); ok {
		return b, nil
	}
	if err := c.ensureTip(ctx); err != nil {
		return nil, err
	}
	var raw normalize.ExplorerBlock
	if err := c.getJSON(ctx, "rawblock", "/rawblock/"+url.PathEscape(hash), nil, &raw); err != nil {
		return nil, err
	}
	b, err := c.norm.ExplorerBlock(&raw)
	if err != nil {
		return nil, err
	}
	c.storeBlock(b)
	return b, nil
}

// BlockByHeight fetches the main-chain block at height.
func (c *Client) BlockByHeight(ctx context.Context, height int64) (*types.Block, error) {
	if err := c.ensureTip(ctx); err != nil {
		return nil, err
	}
	var resp struct {
		Blocks []normalize.ExplorerBlock `json:"blocks"`
	}
	path := "/block-height/" + strconv.FormatInt(height, 10)
	if err := c.getJSON(ctx, "block-height", path, url.Values{"format": {"json"}}, &resp); err != nil {
		return nil, err
	}
	b, err := c.norm.ExplorerMainChain(resp.Blocks, height)
	if err != nil {
		return nil, err
	}
	c.storeBlock(b)
	return b, nil
}

// Transaction fetches a transaction by hash.
func (c *Client) Transaction(ctx context.Context, hash string) (*types.Transaction, error) {
	if tx, ok := c.cachedTx(hash); ok {
		return tx, nil
	}
	if err := c.ensureTip(ctx); err != nil {
		return nil, err
	}
	var raw normalize.ExplorerTx
	if err := c.getJSON(ctx, "rawtx", "/rawtx/"+url.PathEscape(hash), nil, &raw); err != nil {
		return nil, err
	}
	tx, err := c.norm.ExplorerTransaction(&raw, "")
	if err != nil {
		return nil, err
	}
	c.storeTx(tx)
	return tx, nil
}

// AddressHistory fetches the transaction history of an address. Listed
// transactions that cannot be normalized are skipped.
func (c *Client) AddressHistory(ctx context.Context, address string) (*types.AddressHistory, error) {
	if err := c.ensureTip(ctx); err != nil {
		return nil, err
	}
	var raw normalize.ExplorerAddress
	if err := c.getJSON(ctx, "rawaddr", "/rawaddr/"+url.PathEscape(address), nil, &raw); err != nil {
		return nil, err
	}
	hist, failures := c.norm.ExplorerAddressHistory(&raw)
	for _, f := range failures {
		klog.Explorer.Warn().Str("address", address).Err(f).Msg("Skipped address history entry")
	}
	return hist, nil
}

// RawBlock fetches a block in the consensus binary format and decodes it.
// The height is taken from the chain index when the block is known there.
func (c *Client) RawBlock(ctx context.Context, hash string) (*types.Block, error) {
	if b, ok := c.cachedBlock(hash); ok {
		return b, nil
	}
	if err := c.ensureTip(ctx); err != nil {
		return nil, err
	}
	raw, err := c.getHex(ctx, "rawblock-hex", "/rawblock/"+url.PathEscape(hash))
	if err != nil {
		return nil, err
	}
	b, err := c.norm.RawBlock(raw, types.HeightUnknown)
	if err != nil {
		return nil, withHash(err, "block", hash)
	}
	if b.Hash != hash {
		return nil, &errs.NormalizationError{Kind: "block", ID: hash, Field: "hex", Err: fmt.Errorf("decodes to %s", b.Hash)}
	}
	c.storeBlock(b)
	return b, nil
}

// RawTransaction fetches a transaction in the consensus binary format and
// decodes it. The wire encoding carries no input values and no block, so
// prefer Transaction when the explorer JSON is usable.
func (c *Client) RawTransaction(ctx context.Context, hash string) (*types.Transaction, error) {
	if tx, ok := c.cachedTx(hash); ok {
		return tx, nil
	}
	if err := c.ensureTip(ctx); err != nil {
		return nil, err
	}
	raw, err := c.getHex(ctx, "rawtx-hex", "/rawtx/"+url.PathEscape(hash))
	if err != nil {
		return nil, err
	}
	tx, err := c.norm.RawTransaction(raw, normalize.BlockRef{}, 0)
	if err != nil {
		return nil, withHash(err, "tx", hash)
	}
	if tx.Hash != hash {
		return nil, &errs.NormalizationError{Kind: "tx", ID: hash, Field: "hex", Err: fmt.Errorf("decodes to %s", tx.Hash)}
	}
	c.storeTx(tx)
	return tx, nil
}

// withHash fills in the record id of a normalization error.
func withHash(err error, kind, hash string) error {
	var ne *errs.NormalizationError
	if errors.As(err, &ne) && ne.ID == "" {
		return &errs.NormalizationError{Kind: kind, ID: hash, Field: ne.Field, Err: ne.Err}
	}
	return err
}

// ensureTip loads the chain tip once so confirmations of the first fetched
// records are measured against it.
func (c *Client) ensureTip(ctx context.Context) error {
	if c.index == nil {
		return nil
	}
	if _, ok := c.index.Tip(); ok {
		return nil
	}
	_, err := c.LatestBlock(ctx)
	return err
}

func (c *Client) cachedBlock(hash string) (*types.Block, bool) {
	if c.cache == nil {
		return nil, false
	}
	v, ok := c.cache.Get("blk:" + hash)
	if !ok {
		c.metrics.cache.WithLabelValues("miss").Inc()
		return nil, false
	}
	b, err := c.norm.Block(v.(*types.Block))
	if err != nil {
		return nil, false
	}
	c.metrics.cache.WithLabelValues("hit").Inc()
	if c.index == nil {
		return b, true
	}
	fresh := *b
	fresh.Confirmations = normalize.ConfirmationsFor(normalize.BlockRef{Hash: b.Hash, Height: &fresh.Height}, c.index, b.Confirmations)
	return &fresh, true
}

func (c *Client) cachedTx(hash string) (*types.Transaction, bool) {
	if c.cache == nil {
		return nil, false
	}
	v, ok := c.cache.Get("tx:" + hash)
	if !ok {
		c.metrics.cache.WithLabelValues("miss").Inc()
		return nil, false
	}
	tx, err := c.norm.Transaction(v.(*types.Transaction))
	if err != nil {
		return nil, false
	}
	c.metrics.cache.WithLabelValues("hit").Inc()
	if c.index == nil {
		return tx, true
	}
	fresh := *tx
	fresh.Confirmations = normalize.ConfirmationsFor(normalize.BlockRef{Hash: tx.BlockHash, Height: tx.BlockHeight}, c.index, tx.Confirmations)
	return &fresh, true
}

// storeBlock indexes b, then recounts its confirmations now that the index
// knows the block, and caches it.
func (c *Client) storeBlock(b *types.Block) {
	if c.index != nil {
		if err := c.index.PutBlock(b); err != nil {
			klog.Explorer.Warn().Str("hash", b.Hash).Err(err).Msg("Failed to index block")
		}
		b.Confirmations = normalize.ConfirmationsFor(normalize.BlockRef{Hash: b.Hash}, c.index, b.Confirmations)
		for i := range b.Transactions {
			tx := &b.Transactions[i]
			tx.Confirmations = normalize.ConfirmationsFor(normalize.BlockRef{Hash: tx.BlockHash, Height: tx.BlockHeight}, c.index, tx.Confirmations)
		}
	}
	if c.cache != nil {
		c.cache.Add("blk:"+b.Hash, b)
		for i := range b.Transactions {
			c.cache.Add("tx:"+b.Transactions[i].Hash, &b.Transactions[i])
		}
	}
}

func (c *Client) storeTx(tx *types.Transaction) {
	// Unconfirmed transactions change; only confirmed ones are cached.
	if c.cache != nil && tx.BlockHeight != nil {
		c.cache.Add("tx:"+tx.Hash, tx)
	}
	if c.index != nil {
		if err := c.index.PutTransaction(tx); err != nil {
			klog.Explorer.Warn().Str("hash", tx.Hash).Err(err).Msg("Failed to index transaction")
		}
	}
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, query url.Values, v any) error {
	status, body, err := c.get(ctx, endpoint, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		c.metrics.requests.WithLabelValues(endpoint, "protocol").Inc()
		return &errs.ProtocolError{Status: status, Body: string(body), Err: err}
	}
	c.metrics.requests.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

func (c *Client) getHex(ctx context.Context, endpoint, path string) ([]byte, error) {
	status, body, err := c.get(ctx, endpoint, path, url.Values{"format": {"hex"}})
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		c.metrics.requests.WithLabelValues(endpoint, "protocol").Inc()
		return nil, &errs.ProtocolError{Status: status, Body: string(body), Err: err}
	}
	c.metrics.requests.WithLabelValues(endpoint, "ok").Inc()
	return raw, nil
}

// get performs one request. Explorer requests are never retried.
func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values) (int, []byte, error) {
	start := time.Now()
	defer func() {
		c.metrics.latency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.metrics.requests.WithLabelValues(endpoint, "canceled").Inc()
			return 0, nil, err
		}
	}

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")

	klog.Explorer.Debug().Str("url", u.String()).Msg("Explorer request")
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.requests.WithLabelValues(endpoint, "transport").Inc()
		return 0, nil, fmt.Errorf("explorer %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		c.metrics.requests.WithLabelValues(endpoint, "transport").Inc()
		return resp.StatusCode, nil, fmt.Errorf("explorer %s: read body: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.metrics.requests.WithLabelValues(endpoint, "not_found").Inc()
		return resp.StatusCode, nil, &errs.NotFoundError{Path: path, Status: resp.StatusCode}
	case resp.StatusCode >= 400:
		c.metrics.requests.WithLabelValues(endpoint, "remote").Inc()
		return resp.StatusCode, nil, &errs.RemoteError{Path: path, Status: resp.StatusCode, Body: string(body)}
	}
	return resp.StatusCode, body, nil
}
