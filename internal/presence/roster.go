package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-live/backend/internal/metrics"
)

const (
	rosterPrefix  = "live:roster:"
	rosterTTL     = 6 * time.Hour
	forgetTimeout = 2 * time.Second
	// maxNodeFetches bounds concurrent per-node reads during enumeration.
	maxNodeFetches = 8
)

// RedisRoster mirrors this instance's group membership into Redis and enumerates the
// connections other instances hold for a session.
type RedisRoster struct {
	client     *redis.Client
	instanceID string
	logger     *zap.Logger
}

// NewRedisRoster creates a roster for the given instance.
func NewRedisRoster(client *redis.Client, instanceID string, logger *zap.Logger) *RedisRoster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRoster{client: client, instanceID: instanceID, logger: logger}
}

func nodesKey(sessionID uuid.UUID) string {
	return rosterPrefix + sessionID.String() + ":nodes"
}

func nodeKey(sessionID uuid.UUID, instanceID string) string {
	return rosterPrefix + sessionID.String() + ":node:" + instanceID
}

// Track records that conn joined sessionID on this instance.
func (r *RedisRoster) Track(ctx context.Context, sessionID uuid.UUID, conn Conn) error {
	user := ""
	if conn.Authenticated() {
		user = conn.UserID.String()
	}
	nk := nodeKey(sessionID, r.instanceID)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, nodesKey(sessionID), r.instanceID)
		p.Expire(ctx, nodesKey(sessionID), rosterTTL)
		p.HSet(ctx, nk, conn.ID, user)
		p.Expire(ctx, nk, rosterTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("roster track: %w", err)
	}
	return nil
}

// Untrack removes conn from this instance's roster for sessionID.
func (r *RedisRoster) Untrack(ctx context.Context, sessionID uuid.UUID, connID string) error {
	if err := r.client.HDel(ctx, nodeKey(sessionID, r.instanceID), connID).Err(); err != nil {
		return fmt.Errorf("roster untrack: %w", err)
	}
	return nil
}

// Connections returns the connections held by other instances. A node that fails or times out
// is skipped; its error is joined into the returned error alongside the partial result.
func (r *RedisRoster) Connections(ctx context.Context, sessionID uuid.UUID) ([]Conn, error) {
	nodes, err := r.client.SMembers(ctx, nodesKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("roster nodes: %w", err)
	}

	var (
		mu   sync.Mutex
		out  []Conn
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(maxNodeFetches)
	for _, node := range nodes {
		if node == r.instanceID {
			continue
		}
		node := node
		g.Go(func() error {
			entries, err := r.client.HGetAll(ctx, nodeKey(sessionID, node)).Result()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("node %s: %w", node, err))
				return nil
			}
			for connID, user := range entries {
				c := Conn{ID: connID}
				if user != "" {
					if id, perr := uuid.Parse(user); perr == nil {
						c.UserID = id
					}
				}
				out = append(out, c)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, errors.Join(errs...)
}

// Clear removes every instance's roster for sessionID.
func (r *RedisRoster) Clear(ctx context.Context, sessionID uuid.UUID) error {
	nodes, err := r.client.SMembers(ctx, nodesKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("roster nodes: %w", err)
	}
	keys := []string{nodesKey(sessionID)}
	for _, node := range nodes {
		keys = append(keys, nodeKey(sessionID, node))
	}
	return r.client.Del(ctx, keys...).Err()
}

// Forget clears sessionID's roster once the session is finalized. Failures are logged; the
// keys still expire after rosterTTL.
func (r *RedisRoster) Forget(sessionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), forgetTimeout)
	defer cancel()
	if err := r.Clear(ctx, sessionID); err != nil {
		r.logger.Warn("roster clear failed", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
}

// ClusterEnumerator merges several roster sources, each under its own timeout. Sources that
// fail contribute nothing; the merged result is always returned.
type ClusterEnumerator struct {
	sources []Enumerator
	timeout time.Duration
	logger  *zap.Logger
}

// NewClusterEnumerator creates an enumerator over sources.
func NewClusterEnumerator(timeout time.Duration, logger *zap.Logger, sources ...Enumerator) *ClusterEnumerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClusterEnumerator{sources: sources, timeout: timeout, logger: logger}
}

func (e *ClusterEnumerator) Connections(ctx context.Context, sessionID uuid.UUID) ([]Conn, error) {
	results := make([][]Conn, len(e.sources))
	failures := make([]error, len(e.sources))

	var g errgroup.Group
	for i, src := range e.sources {
		i, src := i, src
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			conns, err := src.Connections(sctx, sessionID)
			results[i] = conns
			failures[i] = err
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]struct{})
	var merged []Conn
	for _, conns := range results {
		for _, c := range conns {
			if _, ok := seen[c.ID]; ok {
				continue
			}
			seen[c.ID] = struct{}{}
			merged = append(merged, c)
		}
	}
	err := errors.Join(failures...)
	if err != nil {
		metrics.PresenceEnumerationFailuresTotal.Inc()
		e.logger.Warn("partial roster enumeration", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
	return merged, err
}
