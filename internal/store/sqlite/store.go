package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/messaging"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS bus_agents (
	agent_id TEXT PRIMARY KEY,
	first_seen INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bus_messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	to_agent TEXT NOT NULL,
	from_agent TEXT NOT NULL,
	type TEXT NOT NULL,
	body TEXT NOT NULL,
	sent_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bus_messages_mailbox ON bus_messages(to_agent, sent_at, seq);

CREATE TABLE IF NOT EXISTS bus_history (
	run_id TEXT NOT NULL,
	id TEXT NOT NULL,
	body TEXT NOT NULL,
	sent_at INTEGER NOT NULL,
	PRIMARY KEY(run_id, id)
);
CREATE INDEX IF NOT EXISTS idx_bus_history_run ON bus_history(run_id, sent_at);
`

const defaultPollInterval = 100 * time.Millisecond

// Store is a message queue kept in a single sqlite database. Mailbox rows are
// deleted in the same transaction that reads them.
type Store struct {
	db       *sql.DB
	interval time.Duration
}

var _ messaging.Queue = (*Store)(nil)

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps pragmas in effect and serialises mailbox writes.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db, interval: defaultPollInterval}, nil
}

// OpenQueue opens and migrates a store, ready to back a messaging.Bus.
func OpenQueue(ctx context.Context, dbPath string, pollInterval time.Duration) (*Store, error) {
	s, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if pollInterval > 0 {
		s.interval = pollInterval
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Send(ctx context.Context, msg domain.AgentMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	now := time.Now().UTC().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx send: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, agent := range []string{msg.From, msg.To} {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO bus_agents(agent_id, first_seen) VALUES(?, ?)`,
			agent, now,
		); err != nil {
			return fmt.Errorf("register agent %s: %w", agent, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO bus_messages(id, to_agent, from_agent, type, body, sent_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.To, msg.From, string(msg.Type), string(body), msg.Timestamp.UTC().UnixNano(),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if runID := msg.RunID(); runID != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO bus_history(run_id, id, body, sent_at) VALUES(?, ?, ?, ?)`,
			runID, msg.ID, string(body), msg.Timestamp.UTC().UnixNano(),
		); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit send: %w", err)
	}
	return nil
}

func (s *Store) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]domain.AgentMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		msgs, err := s.take(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := s.interval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Store) take(ctx context.Context, agentID string) ([]domain.AgentMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx poll: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT seq, body FROM bus_messages WHERE to_agent = ? ORDER BY sent_at ASC, seq ASC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query mailbox: %w", err)
	}
	var (
		seqs []int64
		out  []domain.AgentMessage
	)
	for rows.Next() {
		var seq int64
		var body string
		if err := rows.Scan(&seq, &body); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg domain.AgentMessage
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode message %d: %w", seq, err)
		}
		seqs = append(seqs, seq)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate mailbox: %w", err)
	}
	rows.Close()
	if len(seqs) == 0 {
		return nil, nil
	}

	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM bus_messages WHERE seq = ?`, seq); err != nil {
			return nil, fmt.Errorf("delete message %d: %w", seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit poll: %w", err)
	}
	return out, nil
}

func (s *Store) Broadcast(ctx context.Context, msg domain.AgentMessage, exclude []string) error {
	agents, err := s.Agents(ctx)
	if err != nil {
		return err
	}
	for _, cp := range messaging.FanOut(msg, agents, exclude) {
		if err := s.Send(ctx, cp); err != nil {
			return fmt.Errorf("broadcast to %s: %w", cp.To, err)
		}
	}
	return nil
}

func (s *Store) History(ctx context.Context, runID string) ([]domain.AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM bus_history WHERE run_id = ? ORDER BY sent_at ASC, rowid ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AgentMessage, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		var msg domain.AgentMessage
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func (s *Store) Agents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM bus_agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

// Pending counts undelivered messages per mailbox.
func (s *Store) Pending(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT to_agent, COUNT(*) FROM bus_messages GROUP BY to_agent`)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var agent string
		var n int
		if err := rows.Scan(&agent, &n); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out[agent] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return out, nil
}
