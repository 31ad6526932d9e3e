package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/shannynalayna/splinter/pkg/admin"
	"github.com/shannynalayna/splinter/pkg/registry"
	"github.com/shannynalayna/splinter/pkg/splerrors"
	"github.com/shannynalayna/splinter/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS circuits (
	id     TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	record TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS proposals (
	id         TEXT PRIMARY KEY,
	circuit_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	record     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proposals_circuit ON proposals(circuit_id);
CREATE TABLE IF NOT EXISTS nodes (
	id     TEXT PRIMARY KEY,
	record TEXT NOT NULL
);
`

// querier is satisfied by both *sql.DB and *sql.Tx so every store method
// works inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the SQLite-backed admin persistence backend.
type Store struct {
	sqlDB *sql.DB
	q     querier
	inTx  bool
}

// Open opens (or creates) the admin database at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{sqlDB: sqlDB, q: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) GetCircuit(ctx context.Context, id types.CircuitID) (admin.Circuit, error) {
	var record string
	err := s.q.QueryRowContext(ctx,
		`SELECT record FROM circuits WHERE id = ?`, string(id)).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return admin.Circuit{}, fmt.Errorf("circuit %s: %w", id, splerrors.ErrNotFound)
	}
	if err != nil {
		return admin.Circuit{}, fmt.Errorf("query circuit: %w", err)
	}
	var circuit admin.Circuit
	if err := json.Unmarshal([]byte(record), &circuit); err != nil {
		return admin.Circuit{}, fmt.Errorf("decode circuit record: %w", err)
	}
	return circuit, nil
}

func (s *Store) ListCircuits(ctx context.Context, status admin.Status) ([]admin.Circuit, error) {
	query := `SELECT record FROM circuits ORDER BY id`
	args := []any{}
	if status != "" {
		query = `SELECT record FROM circuits WHERE status = ? ORDER BY id`
		args = append(args, string(status))
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query circuits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var circuits []admin.Circuit
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan circuit row: %w", err)
		}
		var circuit admin.Circuit
		if err := json.Unmarshal([]byte(record), &circuit); err != nil {
			return nil, fmt.Errorf("decode circuit record: %w", err)
		}
		circuits = append(circuits, circuit)
	}
	return circuits, rows.Err()
}

func (s *Store) UpsertCircuit(ctx context.Context, circuit admin.Circuit) error {
	record, err := json.Marshal(circuit)
	if err != nil {
		return fmt.Errorf("encode circuit record: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO circuits (id, status, record) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, record = excluded.record`,
		string(circuit.ID), string(circuit.Status), string(record))
	if err != nil {
		return fmt.Errorf("upsert circuit: %w", err)
	}
	return nil
}

func (s *Store) RemoveCircuit(ctx context.Context, id types.CircuitID) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM circuits WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete circuit: %w", err)
	}
	return nil
}

func (s *Store) GetProposal(ctx context.Context, id types.ProposalID) (admin.Proposal, error) {
	var record string
	err := s.q.QueryRowContext(ctx,
		`SELECT record FROM proposals WHERE id = ?`, string(id)).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return admin.Proposal{}, fmt.Errorf("proposal %s: %w", id, splerrors.ErrNotFound)
	}
	if err != nil {
		return admin.Proposal{}, fmt.Errorf("query proposal: %w", err)
	}
	return decodeProposal(record)
}

func (s *Store) PendingProposal(ctx context.Context, circuitID types.CircuitID) (admin.Proposal, error) {
	var record string
	err := s.q.QueryRowContext(ctx,
		`SELECT record FROM proposals WHERE circuit_id = ? AND status = ? LIMIT 1`,
		string(circuitID), string(admin.ProposalPending)).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return admin.Proposal{}, fmt.Errorf("no pending proposal for circuit %s: %w",
			circuitID, splerrors.ErrNotFound)
	}
	if err != nil {
		return admin.Proposal{}, fmt.Errorf("query pending proposal: %w", err)
	}
	return decodeProposal(record)
}

func (s *Store) ListProposals(ctx context.Context) ([]admin.Proposal, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT record FROM proposals ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var proposals []admin.Proposal
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan proposal row: %w", err)
		}
		proposal, err := decodeProposal(record)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, proposal)
	}
	return proposals, rows.Err()
}

func (s *Store) UpsertProposal(ctx context.Context, proposal admin.Proposal) error {
	record, err := json.Marshal(proposal)
	if err != nil {
		return fmt.Errorf("encode proposal record: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO proposals (id, circuit_id, status, record) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, record = excluded.record`,
		string(proposal.ID), string(proposal.CircuitID), string(proposal.Status), string(record))
	if err != nil {
		return fmt.Errorf("upsert proposal: %w", err)
	}
	return nil
}

func (s *Store) RemoveProposal(ctx context.Context, id types.ProposalID) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM proposals WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete proposal: %w", err)
	}
	return nil
}

func (s *Store) RemoveCircuitProposals(ctx context.Context, circuitID types.CircuitID) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM proposals WHERE circuit_id = ?`, string(circuitID)); err != nil {
		return fmt.Errorf("delete circuit proposals: %w", err)
	}
	return nil
}

func (s *Store) ListNodes(ctx context.Context) ([]registry.Node, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT record FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []registry.Node
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		var node registry.Node
		if err := json.Unmarshal([]byte(record), &node); err != nil {
			return nil, fmt.Errorf("decode node record: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func (s *Store) UpsertNode(ctx context.Context, node registry.Node) error {
	record, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("encode node record: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO nodes (id, record) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET record = excluded.record`,
		string(node.ID), string(record))
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// UpdateTx runs fn against a transactional view; every mutation commits
// atomically or not at all. Calls nested inside a transaction reuse it.
func (s *Store) UpdateTx(ctx context.Context, fn func(tx admin.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &Store{sqlDB: s.sqlDB, q: tx, inTx: true}
	if err := fn(txStore); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("rollback after %v: %w", err, rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func decodeProposal(record string) (admin.Proposal, error) {
	var proposal admin.Proposal
	if err := json.Unmarshal([]byte(record), &proposal); err != nil {
		return admin.Proposal{}, fmt.Errorf("decode proposal record: %w", err)
	}
	return proposal, nil
}

var _ admin.Store = (*Store)(nil)
