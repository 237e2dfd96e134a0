package archive_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerfuse-go/pkg/archive"
	"github.com/oceanbase/powerfuse-go/pkg/signal"
	"github.com/oceanbase/powerfuse-go/pkg/storage"
	"github.com/oceanbase/powerfuse-go/pkg/storage/sqlite"
)

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func (m *memObjects) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("bucket unavailable")
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func setup(t *testing.T) *sqlite.Client {
	client, err := sqlite.NewClient(&sqlite.Config{
		DBPath:             filepath.Join(t.TempDir(), "memories.db"),
		EmbeddingModelDims: 3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func insert(t *testing.T, c *sqlite.Client, id int64, user, agent, content string, at time.Time) {
	emb := []float64{1, 0, 0}
	inserted, _, err := c.InsertIfAbsent(context.Background(), &storage.Record{
		ID: id, UserID: user, AgentID: agent, Content: content,
		ContentHash:      storage.HashContent(content),
		ContentEmbedding: emb, AffectEmbedding: emb, MeaningEmbedding: emb,
		Emotion:   signal.NeutralSignal(),
		CreatedAt: at,
	}, at)
	require.NoError(t, err)
	require.True(t, inserted)
}

func decodeLines(t *testing.T, data []byte) []storage.Record {
	var out []storage.Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var r storage.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		out = append(out, r)
	}
	return out
}

func TestSweep_ArchivesOldRecordsByScopeAndDay(t *testing.T) {
	c := setup(t)
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-200 * 24 * time.Hour)

	insert(t, c, 10, "u1", "a1", "first old turn", old)
	insert(t, c, 11, "u1", "a1", "second old turn", old.Add(time.Minute))
	insert(t, c, 12, "u1", "a2", "other agent", old.Add(2*time.Minute))
	insert(t, c, 13, "u1", "a1", "next day", old.Add(24*time.Hour))
	insert(t, c, 20, "u1", "a1", "recent turn", now.Add(-time.Hour))

	objects := &memObjects{}
	a := archive.New(c, objects, archive.Config{BatchSize: 2}, archive.WithClock(func() time.Time { return now }))
	res, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Archived)
	assert.Equal(t, []storage.Scope{{UserID: "u1", AgentID: "a1"}, {UserID: "u1", AgentID: "a2"}}, res.Scopes)

	day := old.Format("2006-01-02")
	next := old.Add(24 * time.Hour).Format("2006-01-02")
	assert.Len(t, objects.objects, 3, "%v", res.Objects)
	assert.Contains(t, objects.objects, "u1/a1/"+day+"/10.jsonl")
	assert.Contains(t, objects.objects, "u1/a2/"+day+"/12.jsonl")
	assert.Contains(t, objects.objects, "u1/a1/"+next+"/13.jsonl")

	lines := decodeLines(t, objects.objects["u1/a1/"+day+"/10.jsonl"])
	require.Len(t, lines, 2)
	assert.Equal(t, "first old turn", lines[0].Content)
	assert.Nil(t, lines[0].ContentEmbedding)

	n, err := c.Count(context.Background(), storage.Scope{UserID: "u1", AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweep_FailedUploadKeepsRecords(t *testing.T) {
	c := setup(t)
	now := time.Now().UTC()
	insert(t, c, 1, "u1", "a1", "an old turn", now.Add(-365*24*time.Hour))

	a := archive.New(c, &memObjects{fail: true}, archive.Config{})
	res, err := a.Sweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, res.Archived)

	n, err := c.Count(context.Background(), storage.Scope{UserID: "u1", AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweep_NothingToDo(t *testing.T) {
	c := setup(t)
	insert(t, c, 1, "u1", "a1", "fresh", time.Now().UTC())

	objects := &memObjects{}
	res, err := archive.New(c, objects, archive.Config{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Archived)
	assert.Empty(t, objects.objects)
}

func TestObjectKey(t *testing.T) {
	day := time.Date(2026, 3, 9, 23, 0, 0, 0, time.FixedZone("x", -3*3600))
	assert.Equal(t, "u/a/2026-03-10/42.jsonl", archive.ObjectKey("u", "a", day, 42))
}

func TestNewMinioStore_RequiresBucket(t *testing.T) {
	_, err := archive.NewMinioStore(archive.MinioConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	s, err := archive.NewMinioStore(archive.MinioConfig{Endpoint: "localhost:9000", Bucket: "cold"})
	require.NoError(t, err)
	assert.Equal(t, "cold", s.Bucket())
}
