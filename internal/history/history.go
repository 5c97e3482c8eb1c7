// Package history appends settled calls and ended rooms to Postgres. It is
// optional: without a database URL the no-op recorder is used.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mossy-p/callsignal/internal/models"
	"go.uber.org/zap"
)

// Recorder receives history events. Implementations never block the caller
// for long and never return errors to it.
type Recorder interface {
	RecordCall(call models.PendingCall)
	RecordRoom(snap models.RoomSnapshot, reason string)
}

type Nop struct{}

func (Nop) RecordCall(models.PendingCall) {}
func (Nop) RecordRoom(models.RoomSnapshot, string) {}

const queueSize = 1024

type record struct {
	query string
	args  []any
}

// Postgres writes history rows from a single background writer so slow
// inserts never hold up signaling.
type Postgres struct {
	pool  *pgxpool.Pool
	log   *zap.Logger
	queue chan record
}

func Open(ctx context.Context, databaseURL string, log *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Postgres{pool: pool, log: log, queue: make(chan record, queueSize)}, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS call_events (
			call_id VARCHAR(64) PRIMARY KEY,
			caller_id VARCHAR(64) NOT NULL,
			callee_id VARCHAR(64) NOT NULL,
			state VARCHAR(20) NOT NULL,
			room_id VARCHAR(64),
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			settled_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE TABLE IF NOT EXISTS room_sessions (
			room_id VARCHAR(64) PRIMARY KEY,
			kind VARCHAR(20) NOT NULL,
			name VARCHAR(100),
			host_id VARCHAR(64) NOT NULL,
			hostless BOOLEAN NOT NULL DEFAULT FALSE,
			message_count INT NOT NULL DEFAULT 0,
			end_reason TEXT,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			ended_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_call_events_caller ON call_events(caller_id);
		CREATE INDEX IF NOT EXISTS idx_call_events_callee ON call_events(callee_id);
		CREATE INDEX IF NOT EXISTS idx_room_sessions_host ON room_sessions(host_id);
	`
	_, err := p.pool.Exec(ctx, schema)
	return err
}

func (p *Postgres) RecordCall(call models.PendingCall) {
	p.enqueue(callRecord(call))
}

func (p *Postgres) RecordRoom(snap models.RoomSnapshot, reason string) {
	p.enqueue(roomRecord(snap, reason))
}

func (p *Postgres) enqueue(r record) {
	select {
	case p.queue <- r:
	default:
		p.log.Warn("history queue full, dropping record")
	}
}

// Run writes queued records until ctx is cancelled, then flushes what is left
func (p *Postgres) Run(ctx context.Context) error {
	for {
		select {
		case r := <-p.queue:
			p.write(ctx, r)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			for {
				select {
				case r := <-p.queue:
					p.write(flushCtx, r)
				default:
					return nil
				}
			}
		}
	}
}

func (p *Postgres) write(ctx context.Context, r record) {
	if _, err := p.pool.Exec(ctx, r.query, r.args...); err != nil {
		p.log.Error("failed to write history", zap.Error(err))
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func callRecord(call models.PendingCall) record {
	settled := time.Now()
	if call.SettledAt != nil {
		settled = *call.SettledAt
	}
	var roomID *string
	if call.RoomID != "" {
		roomID = &call.RoomID
	}
	return record{
		query: `
			INSERT INTO call_events (call_id, caller_id, callee_id, state, room_id, created_at, settled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (call_id) DO UPDATE
			SET state = EXCLUDED.state, room_id = EXCLUDED.room_id, settled_at = EXCLUDED.settled_at
		`,
		args: []any{call.CallID, call.CallerID, call.CalleeID, string(call.State), roomID, call.CreatedAt, settled},
	}
}

func roomRecord(snap models.RoomSnapshot, reason string) record {
	ended := time.Now()
	if snap.EndedAt != nil {
		ended = *snap.EndedAt
	}
	return record{
		query: `
			INSERT INTO room_sessions (room_id, kind, name, host_id, hostless, message_count, end_reason, created_at, ended_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (room_id) DO NOTHING
		`,
		args: []any{snap.RoomID, string(snap.Kind), snap.Name, snap.HostID, snap.IsHostless, len(snap.Messages), reason, snap.CreatedAt, ended},
	}
}
