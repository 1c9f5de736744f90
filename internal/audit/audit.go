package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"
)

// ============================================================================
// RECORDS
// ============================================================================

// Record is one append-only audit trail entry. Every trust evaluation,
// access decision, session transition, and incident response writes one.
type Record struct {
	ID          string                 `json:"id"`
	Kind        string                 `json:"kind"`
	PrincipalID string                 `json:"principal_id,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	Outcome     string                 `json:"outcome,omitempty"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// NewRecord fills the generated fields.
func NewRecord(kind string) Record {
	return Record{ID: uuid.NewString(), Kind: kind, Timestamp: time.Now()}
}

// Sink accepts audit records. Implementations must never block the caller;
// the decision path fires and forgets.
type Sink interface {
	Append(rec Record)
	Close() error
}

// ============================================================================
// MEMORY SINK
// ============================================================================

// MemorySink keeps records in memory, bounded, oldest dropped first.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	limit   int
}

func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 10000
	}
	return &MemorySink{limit: limit}
}

func (s *MemorySink) Append(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) >= s.limit {
		s.records = s.records[1:]
	}
	s.records = append(s.records, rec)
}

// Records returns a copy of the stored trail.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *MemorySink) Close() error { return nil }

// ============================================================================
// POSTGRES SINK
// ============================================================================

const createAuditTable = `
CREATE TABLE IF NOT EXISTS audit_records (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	principal_id TEXT,
	session_id   TEXT,
	outcome      TEXT,
	detail       JSONB,
	ts           TIMESTAMPTZ NOT NULL
)`

// PostgresSink writes records to Postgres through a buffered channel and a
// single writer goroutine. When the buffer fills the oldest pending record
// is dropped; an audit write never stalls a decision.
type PostgresSink struct {
	db       *sql.DB
	buf      chan Record
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPostgresSink opens the connection, ensures the table, and starts the
// writer.
func NewPostgresSink(dsn string, bufferSize int) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}
	if _, err := db.ExecContext(ctx, createAuditTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure audit table: %w", err)
	}

	if bufferSize <= 0 {
		bufferSize = 1024
	}
	s := &PostgresSink{
		db:   db,
		buf:  make(chan Record, bufferSize),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func (s *PostgresSink) Append(rec Record) {
	for {
		select {
		case s.buf <- rec:
			return
		case <-s.done:
			return
		default:
			select {
			case dropped := <-s.buf:
				slog.Warn("audit buffer full, dropping oldest", "dropped_id", dropped.ID)
			default:
			}
		}
	}
}

func (s *PostgresSink) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.buf:
			s.write(rec)
		case <-s.done:
			// Drain what is already buffered before exiting.
			for {
				select {
				case rec := <-s.buf:
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *PostgresSink) write(rec Record) {
	detail, err := json.Marshal(rec.Detail)
	if err != nil {
		detail = []byte("{}")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, kind, principal_id, session_id, outcome, detail, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Kind, rec.PrincipalID, rec.SessionID, rec.Outcome, detail, rec.Timestamp)
	if err != nil {
		slog.Warn("audit write failed", "record_id", rec.ID, "error", err)
	}
}

// Close stops the writer, flushes the buffer, and closes the connection.
func (s *PostgresSink) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.db.Close()
}
