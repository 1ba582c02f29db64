package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aura-live/backend/internal/errs"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/queue"
)

type memSessions struct {
	mu sync.Mutex
	m  map[uuid.UUID]*models.LiveSession
}

func (s *memSessions) GetByID(_ context.Context, id uuid.UUID) (*models.LiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memSessions) SetChatArchiveKey(_ context.Context, id uuid.UUID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id].ChatArchiveKey = key
	return nil
}

func (s *memSessions) key(id uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[id].ChatArchiveKey
}

type transcripts []models.ChatMessage

func (t transcripts) ListByOffset(_ context.Context, sessionID uuid.UUID, from, to int) ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	for _, m := range t {
		if m.SessionID == sessionID && m.OffsetSec >= from && m.OffsetSec <= to {
			out = append(out, m)
		}
	}
	return out, nil
}

type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func (b *memBucket) PutArchive(_ context.Context, key, _ string, body io.Reader) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	b.objects[key] = raw
	return nil
}

func endedSession(sessions *memSessions) *models.LiveSession {
	s := &models.LiveSession{ID: uuid.New(), Status: models.SessionStatusEnded}
	sessions.mu.Lock()
	if sessions.m == nil {
		sessions.m = make(map[uuid.UUID]*models.LiveSession)
	}
	sessions.m[s.ID] = s
	sessions.mu.Unlock()
	return s
}

func archiveJob(t *testing.T, id uuid.UUID) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(queue.ChatArchivePayload{SessionID: id})
	require.NoError(t, err)
	return &queue.Job{ID: "j1", Type: queue.JobTypeChatArchive, Payload: raw}
}

func TestProcess_UploadsTranscriptInOffsetOrder(t *testing.T) {
	sessions := &memSessions{}
	s := endedSession(sessions)
	msgs := transcripts{
		{ID: "01A", SessionID: s.ID, Text: "first", OffsetSec: 3},
		{ID: "01B", SessionID: s.ID, Text: "second", OffsetSec: 9},
		{ID: "01C", SessionID: uuid.New(), Text: "elsewhere", OffsetSec: 1},
	}
	bucket := &memBucket{}
	p := NewArchiveProcessor(sessions, msgs, bucket, nil, nil)

	require.NoError(t, p.Process(context.Background(), archiveJob(t, s.ID)))

	key := sessions.key(s.ID)
	assert.Equal(t, "chat/"+s.ID.String()+".jsonl", key)
	var texts []string
	sc := bufio.NewScanner(bytes.NewReader(bucket.objects[key]))
	for sc.Scan() {
		var m models.ChatMessage
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"first", "second"}, texts)
}

func TestProcess_SkipsArchivedAndRejectsLive(t *testing.T) {
	sessions := &memSessions{}
	done := endedSession(sessions)
	done.ChatArchiveKey = "chat/old.jsonl"
	live := endedSession(sessions)
	live.Status = models.SessionStatusLive
	bucket := &memBucket{}
	p := NewArchiveProcessor(sessions, transcripts{}, bucket, nil, nil)

	require.NoError(t, p.Process(context.Background(), archiveJob(t, done.ID)))
	assert.Empty(t, bucket.objects)

	assert.Error(t, p.Process(context.Background(), archiveJob(t, live.ID)))
	assert.Error(t, p.Process(context.Background(), &queue.Job{Type: "email"}))
}

func TestProcess_UploadFailureLeavesKeyUnset(t *testing.T) {
	sessions := &memSessions{}
	s := endedSession(sessions)
	bucket := &memBucket{fail: errors.New("s3 down")}
	p := NewArchiveProcessor(sessions, transcripts{{ID: "1", SessionID: s.ID}}, bucket, nil, nil)

	assert.Error(t, p.Process(context.Background(), archiveJob(t, s.ID)))
	assert.Empty(t, sessions.key(s.ID))
}

func TestRun_DrainsQueueAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q := queue.NewQueue(client, nil)

	sessions := &memSessions{}
	s := endedSession(sessions)
	p := NewArchiveProcessor(sessions, transcripts{}, &memBucket{}, q, nil)
	p.Wait = time.Second
	p.Backoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	require.NoError(t, q.EnqueueChatArchive(ctx, s.ID))
	assert.Eventually(t, func() bool { return sessions.key(s.ID) != "" }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRun_FailedJobIsRetried(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewQueue(client, nil)

	sessions := &memSessions{}
	s := endedSession(sessions)
	p := NewArchiveProcessor(sessions, transcripts{}, &memBucket{fail: errors.New("s3 down")}, q, nil)
	p.Wait = time.Second
	p.Backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()
	require.NoError(t, q.EnqueueChatArchive(ctx, s.ID))

	assert.Eventually(t, func() bool {
		return client.LLen(context.Background(), queue.QueueDLQ).Val() == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-stopped
}
