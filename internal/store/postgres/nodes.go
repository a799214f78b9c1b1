package postgres

import (
	"context"
	"time"

	"github.com/djlord-it/cronfleet/internal/domain"
)

// RenewHeartbeat records that nodeID is alive. A node coming back after a
// stop gets a fresh start time. Heartbeats are stamped with the database
// clock so that node clock skew does not affect liveness.
func (s *Store) RenewHeartbeat(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx, queryUpsertHeartbeat, nodeID); err != nil {
		return domain.StoreUnavailable(err, "renew heartbeat")
	}
	return nil
}

func (s *Store) MarkNodeStopped(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx, queryMarkNodeStopped, nodeID); err != nil {
		return domain.StoreUnavailable(err, "mark node stopped")
	}
	return nil
}

func (s *Store) ListNodes(ctx context.Context) ([]domain.NodeHeartbeat, error) {
	return s.listNodes(ctx, "list nodes", queryListNodes)
}

// ListDeadNodes returns nodes that stopped or missed the liveness window,
// measured against the database clock.
func (s *Store) ListDeadNodes(ctx context.Context, window time.Duration) ([]domain.NodeHeartbeat, error) {
	return s.listNodes(ctx, "list dead nodes", queryListDeadNodes, window.Seconds())
}

func (s *Store) listNodes(ctx context.Context, op, query string, args ...interface{}) ([]domain.NodeHeartbeat, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.StoreUnavailable(err, op)
	}
	defer rows.Close()

	var result []domain.NodeHeartbeat
	for rows.Next() {
		hb, err := scanNode(rows)
		if err != nil {
			return nil, domain.StoreUnavailable(err, op)
		}
		result = append(result, hb)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreUnavailable(err, op)
	}
	return result, nil
}
