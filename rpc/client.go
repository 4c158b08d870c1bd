package rpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/lagless/replication"
	"github.com/maxpert/lagless/router"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// DefaultMaxAttempts bounds transport-level retries per forwarded write
const DefaultMaxAttempts = 3

// ClientConfig for the write-forwarding client
type ClientConfig struct {
	NodeID              uint64
	SubjectPrefix       string
	RequestTimeout      time.Duration
	MaxAttempts         int // Attempts per write, including the first
	CompressionMinBytes int
}

// Client forwards writes to the primary region over NATS request/reply.
// Implements router.RemoteExecutor.
type Client struct {
	nc      *nats.Conn
	codec   *Codec
	cfg     ClientConfig
	counter atomic.Uint64

	// Transport call, replaceable in tests
	request func(ctx context.Context, subject string, payload []byte) (*nats.Msg, error)
}

// Connect dials the NATS server with reconnect-forever semantics
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewClient creates a write-forwarding client on an existing connection
func NewClient(nc *nats.Conn, cfg ClientConfig) (*Client, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "lagless.write"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	codec, err := NewCodec(cfg.CompressionMinBytes)
	if err != nil {
		return nil, err
	}

	c := &Client{nc: nc, codec: codec, cfg: cfg}
	c.request = func(ctx context.Context, subject string, payload []byte) (*nats.Msg, error) {
		return c.nc.RequestWithContext(ctx, subject, payload)
	}
	return c, nil
}

// ExecuteRemote runs op on the node hosting the primary region and returns
// the result together with the replication position the write produced.
//
// A lost reply is retried with the same request ID, so an attempt that did
// execute but whose response went missing is answered from the primary's
// dedup cache instead of running twice. Failures reported by the primary
// itself are final and never retried here.
func (c *Client) ExecuteRemote(ctx context.Context, region string, op router.Operation) (*router.Result, replication.Position, error) {
	req := &WriteRequest{
		RequestID: c.nextRequestID(op),
		NodeID:    c.cfg.NodeID,
		Region:    region,
		Op:        op,
	}

	payload, err := c.codec.Marshal(req)
	if err != nil {
		return nil, 0, err
	}

	subject := c.cfg.SubjectPrefix + "." + region
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		msg, err := c.send(ctx, subject, payload)
		if err == nil {
			return c.decodeResponse(region, msg)
		}

		lastErr = err
		if !retryableTransportError(err) || ctx.Err() != nil {
			break
		}

		log.Warn().
			Err(err).
			Str("subject", subject).
			Str("op", op.Name).
			Uint64("request_id", req.RequestID).
			Int("attempt", attempt).
			Msg("Write forwarding attempt failed")
	}

	log.Warn().
		Err(lastErr).
		Str("subject", subject).
		Str("op", op.Name).
		Msg("Write forwarding failed")
	return nil, 0, fmt.Errorf("forward to %s failed: %w", region, lastErr)
}

// send performs one request/reply exchange, applying the configured timeout
// when the caller carries no deadline of its own
func (c *Client) send(ctx context.Context, subject string, payload []byte) (*nats.Msg, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	return c.request(ctx, subject, payload)
}

func (c *Client) decodeResponse(region string, msg *nats.Msg) (*router.Result, replication.Position, error) {
	var resp WriteResponse
	if err := c.codec.Unmarshal(msg.Data, &resp); err != nil {
		return nil, 0, fmt.Errorf("malformed response from %s: %w", region, err)
	}

	if !resp.Success {
		return nil, 0, fmt.Errorf("remote operation failed: %s", resp.Error)
	}

	return &router.Result{
		RowsAffected: resp.RowsAffected,
		LastInsertID: resp.LastInsertID,
	}, replication.Position(resp.Position), nil
}

// retryableTransportError reports whether a request may be re-sent: the reply
// went missing or nobody was listening. The primary's dedup cache makes the
// re-send safe either way.
func retryableTransportError(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, context.DeadlineExceeded)
}

// nextRequestID derives the idempotency key for one logical write. Every
// retry attempt of that write reuses the ID; distinct writes never collide
// in practice.
func (c *Client) nextRequestID(op router.Operation) uint64 {
	var seed [16]byte
	binary.LittleEndian.PutUint64(seed[0:8], c.cfg.NodeID)
	binary.LittleEndian.PutUint64(seed[8:16], c.counter.Add(1))

	d := xxhash.New()
	d.Write(seed[:])
	d.WriteString(op.Name)
	d.WriteString(op.SQL)
	return d.Sum64()
}
