package store

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
)

// CassandraStore persists transcripts in a Cassandra keyspace. The
// idempotency guarantee rides on a lightweight transaction keyed by
// (session_id, idempotency_key).
//
// Expected schema:
//
//	CREATE TABLE transcript_segments (
//	    session_id text, sequence bigint, start_ms bigint, end_ms bigint,
//	    text text, speaker text, confidence double, failed boolean,
//	    idempotency_key text,
//	    PRIMARY KEY (session_id, sequence));
//	CREATE TABLE transcript_keys (
//	    session_id text, idempotency_key text,
//	    PRIMARY KEY (session_id, idempotency_key));
type CassandraStore struct {
	session *gocql.Session
}

func NewCassandraStore(hosts []string, keyspace string) (*CassandraStore, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Cassandra: %w", err)
	}
	return &CassandraStore{session: session}, nil
}

func (c *CassandraStore) Append(ctx context.Context, seg Segment) error {
	applied, err := c.session.Query(
		`INSERT INTO transcript_keys (session_id, idempotency_key) VALUES (?, ?) IF NOT EXISTS`,
		seg.SessionID, seg.IdempotencyKey,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !applied {
		return ErrDuplicate
	}

	if err := c.session.Query(
		`INSERT INTO transcript_segments (session_id, sequence, start_ms, end_ms, text, speaker, confidence, failed, idempotency_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.SessionID, seg.Sequence, seg.StartMs, seg.EndMs,
		seg.Text, seg.Speaker, seg.Confidence, seg.Failed, seg.IdempotencyKey,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *CassandraStore) ReadFrom(ctx context.Context, sessionID string, afterSequence int64) ([]Segment, error) {
	iter := c.session.Query(
		`SELECT sequence, start_ms, end_ms, text, speaker, confidence, failed, idempotency_key
		 FROM transcript_segments WHERE session_id = ? AND sequence > ?`,
		sessionID, afterSequence,
	).WithContext(ctx).Iter()

	var out []Segment
	var seg Segment
	for iter.Scan(&seg.Sequence, &seg.StartMs, &seg.EndMs, &seg.Text,
		&seg.Speaker, &seg.Confidence, &seg.Failed, &seg.IdempotencyKey) {
		seg.SessionID = sessionID
		out = append(out, seg)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (c *CassandraStore) Close() {
	c.session.Close()
}
