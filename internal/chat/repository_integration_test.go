//go:build integration

package chat

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/database"
)

// Run with: LIVE_TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/chat/
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("LIVE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LIVE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, dsn, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	_, err = database.Migrate(ctx, pool, zaptest.NewLogger(t))
	require.NoError(t, err)
	return pool
}

func insertSession(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	var host, id uuid.UUID
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO users (display_name, role) VALUES ('host', 'host') RETURNING id`).Scan(&host))
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO live_sessions (host_id, title, channel_ref, stream_key, status, is_active, started_at)
		 VALUES ($1, 'chat', $2, 'sk', 'live', TRUE, NOW()) RETURNING id`,
		host, "ch-"+uuid.NewString()).Scan(&id))
	return id
}

func TestRepository_ListsSkipDeleted(t *testing.T) {
	pool := testPool(t)
	repo := NewRepository(pool)
	ctx := context.Background()
	sid := insertSession(t, pool)
	host := uuid.New()

	base := time.Now().UTC().Truncate(time.Microsecond)
	var ids []string
	for i, offset := range []int{0, 10, 20, 30} {
		m := &models.ChatMessage{
			ID:          ulid.Make().String(),
			SessionID:   sid,
			SenderID:    uuid.New(),
			DisplayName: "viewer",
			Type:        models.MessageTypeMessage,
			Text:        "hi",
			OffsetSec:   offset,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, repo.Create(ctx, m))
		ids = append(ids, m.ID)
	}
	require.NoError(t, repo.SoftDelete(ctx, sid, ids[2], host, "spam"))

	replay, err := repo.ListByOffset(ctx, sid, 10, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[1], ids[3]}, messageIDs(replay), "bounds are inclusive and deleted rows are hidden")

	tail, err := repo.ListAfter(ctx, sid, base, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[1], ids[3]}, messageIDs(tail), "strictly after the cursor")

	hidden, err := repo.GetByID(ctx, sid, ids[2])
	require.NoError(t, err)
	assert.True(t, hidden.Deleted)
	require.NotNil(t, hidden.HiddenBy)
	assert.Equal(t, host, *hidden.HiddenBy)
	assert.Equal(t, "spam", hidden.Reason)

	var count int64
	var last time.Time
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT chat_message_count, chat_last_message_at FROM live_sessions WHERE id = $1`, sid).Scan(&count, &last))
	assert.EqualValues(t, 4, count)
	assert.True(t, last.Equal(base.Add(3*time.Second)))
}

func messageIDs(list []models.ChatMessage) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}
