package rpc

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/lagless/replication"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const defaultExecuteTimeout = 30 * time.Second

// HandlerConfig for the primary-side write handler
type HandlerConfig struct {
	Region               string // Region this node serves as primary
	SubjectPrefix        string
	QueueGroup           string // Queue group so multiple primary processes share the subject
	Dialect              string // goqu dialect name, default "mysql"
	ProgressTable        string // Table carrying the replication sequence row
	ProgressColumn       string
	IdempotencyCacheSize int
	CompressionMinBytes  int
}

// Handler executes forwarded writes against the primary database. Each write
// bumps the replication progress row in the same transaction, so the position
// returned to the caller is exactly the sequence value replicas will replay.
// Redelivered requests are answered from an LRU cache keyed by request ID
// instead of being executed twice.
type Handler struct {
	db    *sql.DB
	codec *Codec
	cache *lru.Cache[uint64, *WriteResponse]

	subject   string
	queue     string
	updateSQL string
	selectSQL string
}

// NewHandler creates a handler over the primary database connection
func NewHandler(db *sql.DB, cfg HandlerConfig) (*Handler, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("handler requires a region")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "lagless.write"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "lagless-primary"
	}
	if cfg.Dialect == "" {
		cfg.Dialect = "mysql"
	}
	if cfg.ProgressTable == "" {
		cfg.ProgressTable = "replication_progress"
	}
	if cfg.ProgressColumn == "" {
		cfg.ProgressColumn = "applied_seq"
	}
	if cfg.IdempotencyCacheSize <= 0 {
		cfg.IdempotencyCacheSize = 4096
	}

	dialect := goqu.Dialect(cfg.Dialect)

	updateSQL, _, err := dialect.Update(cfg.ProgressTable).
		Set(goqu.Record{cfg.ProgressColumn: goqu.L(cfg.ProgressColumn + " + 1")}).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build progress update: %w", err)
	}

	selectSQL, _, err := dialect.From(cfg.ProgressTable).
		Select(goqu.C(cfg.ProgressColumn)).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build progress select: %w", err)
	}

	cache, err := lru.New[uint64, *WriteResponse](cfg.IdempotencyCacheSize)
	if err != nil {
		return nil, err
	}

	codec, err := NewCodec(cfg.CompressionMinBytes)
	if err != nil {
		return nil, err
	}

	return &Handler{
		db:        db,
		codec:     codec,
		cache:     cache,
		subject:   cfg.SubjectPrefix + "." + cfg.Region,
		queue:     cfg.QueueGroup,
		updateSQL: updateSQL,
		selectSQL: selectSQL,
	}, nil
}

// Start subscribes the handler to its region's write subject
func (h *Handler) Start(nc *nats.Conn) (*nats.Subscription, error) {
	sub, err := nc.QueueSubscribe(h.subject, h.queue, h.handle)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", h.subject, err)
	}

	log.Info().
		Str("subject", h.subject).
		Str("queue", h.queue).
		Msg("Primary write handler listening")
	return sub, nil
}

func (h *Handler) handle(msg *nats.Msg) {
	var req WriteRequest
	if err := h.codec.Unmarshal(msg.Data, &req); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed write request")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultExecuteTimeout)
	resp := h.Execute(ctx, &req)
	cancel()

	payload, err := h.codec.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode write response")
		return
	}

	if err := msg.Respond(payload); err != nil {
		log.Warn().Err(err).Uint64("request_id", req.RequestID).Msg("Failed to send write response")
	}
}

// Execute runs a forwarded write. Idempotent per request ID: a request that
// already succeeded is answered from cache without touching the database.
func (h *Handler) Execute(ctx context.Context, req *WriteRequest) *WriteResponse {
	if cached, ok := h.cache.Get(req.RequestID); ok {
		log.Debug().Uint64("request_id", req.RequestID).Msg("Serving duplicate write from cache")
		return cached
	}

	if req.Op.SQL == "" {
		return &WriteResponse{Error: "operation has no statement"}
	}

	resp, err := h.executeOnce(ctx, req)
	if err != nil {
		log.Warn().
			Err(err).
			Uint64("request_id", req.RequestID).
			Str("op", req.Op.Name).
			Msg("Forwarded write failed")
		return &WriteResponse{Error: err.Error()}
	}

	h.cache.Add(req.RequestID, resp)
	return resp
}

func (h *Handler) executeOnce(ctx context.Context, req *WriteRequest) (*WriteResponse, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, req.Op.SQL, req.Op.Args...)
	if err != nil {
		return nil, err
	}

	rows, _ := result.RowsAffected()
	lastID, _ := result.LastInsertId()

	// Bump the progress row inside the write's transaction so the position
	// is observed by replicas if and only if the write is.
	if _, err := tx.ExecContext(ctx, h.updateSQL); err != nil {
		return nil, fmt.Errorf("progress update failed: %w", err)
	}

	var position uint64
	if err := tx.QueryRowContext(ctx, h.selectSQL).Scan(&position); err != nil {
		return nil, fmt.Errorf("progress read failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}

	log.Trace().
		Uint64("request_id", req.RequestID).
		Str("op", req.Op.Name).
		Uint64("position", position).
		Int64("rows", rows).
		Msg("Forwarded write committed")

	return &WriteResponse{
		Success:      true,
		RowsAffected: rows,
		LastInsertID: lastID,
		Position:     position,
	}, nil
}

// Position reports the primary's current sequence value; exposed so a
// primary-region process can answer position probes without a replica.
func (h *Handler) Position(ctx context.Context) (replication.Position, error) {
	var position uint64
	if err := h.db.QueryRowContext(ctx, h.selectSQL).Scan(&position); err != nil {
		return 0, err
	}
	return replication.Position(position), nil
}
