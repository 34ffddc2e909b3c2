package backup

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avacache/internal/keyspace"
)

type fakeUploader struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, name string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if !json.Valid(body) {
		return errors.New("not json")
	}
	f.names = append(f.names, name)
	return nil
}

func setup(t *testing.T, opts ...Option) (*Service, *miniredis.Miniredis, string) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	dir := filepath.Join(t.TempDir(), "backups")
	return New(client, keyspace.NewCodec("avacache:", 0), dir, 3, opts...), mr, dir
}

func seed(t *testing.T, mr *miniredis.Miniredis) {
	t.Helper()

	mr.Set("avacache:c:str", "hello")
	mr.SetTTL("avacache:c:str", 90*time.Second)
	mr.Set("avacache:c:bin", string([]byte{0xff, 0x00, 0xfe}))
	mr.HSet("avacache:c:hash", "f1", "v1", "f2", "v2")
	_, err := mr.RPush("avacache:c:list", "a", "b", "a")
	require.NoError(t, err)
	_, err = mr.SAdd("avacache:c:set", "x", "y")
	require.NoError(t, err)
	_, err = mr.ZAdd("avacache:c:zset", 1.5, "m1")
	require.NoError(t, err)
	_, err = mr.ZAdd("avacache:c:zset", 2.5, "m2")
	require.NoError(t, err)

	// not part of the backup
	mr.Set("avacache:l:job", "token")
	mr.Set("other:key", "v")
}

func TestService_CreateAndRestore(t *testing.T) {
	t.Parallel()

	s, mr, dir := setup(t)
	ctx := context.Background()
	seed(t, mr)

	path, err := s.CreateBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Regexp(t, `^backup-\d{8}-\d{6}\.json$`, filepath.Base(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc File
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, FormatVersion, doc.Version)
	assert.Len(t, doc.Entries, 6)
	assert.NotContains(t, doc.Entries, "avacache:l:job")
	assert.NotContains(t, doc.Entries, "other:key")
	assert.Equal(t, TypeZSet, doc.Entries["avacache:c:zset"].Type)
	assert.Equal(t, int64(90000), doc.Entries["avacache:c:str"].TTLMs)
	assert.Equal(t, encodingBase64, doc.Entries["avacache:c:bin"].Encoding)

	mr.FlushAll()

	n, err := s.RestoreBackup(ctx, path, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	got, err := mr.Get("avacache:c:str")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
	assert.Equal(t, 90*time.Second, mr.TTL("avacache:c:str"))

	got, err = mr.Get("avacache:c:bin")
	require.NoError(t, err)
	assert.Equal(t, string([]byte{0xff, 0x00, 0xfe}), got)

	assert.Equal(t, "v2", mr.HGet("avacache:c:hash", "f2"))

	list, err := mr.List("avacache:c:list")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "a"}, list)

	members, err := mr.Members("avacache:c:set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, members)

	score, err := mr.ZScore("avacache:c:zset", "m2")
	require.NoError(t, err)
	assert.InDelta(t, 2.5, score, 1e-9)
}

func TestService_BackupInfiniteScores(t *testing.T) {
	t.Parallel()

	s, mr, _ := setup(t)
	ctx := context.Background()

	_, err := mr.ZAdd("avacache:c:board", math.Inf(1), "top")
	require.NoError(t, err)
	_, err = mr.ZAdd("avacache:c:board", math.Inf(-1), "bottom")
	require.NoError(t, err)
	_, err = mr.ZAdd("avacache:c:board", 42, "mid")
	require.NoError(t, err)

	path, err := s.CreateBackup(ctx)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"+inf"`)
	assert.Contains(t, string(raw), `"-inf"`)

	mr.FlushAll()

	n, err := s.RestoreBackup(ctx, path, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	score, err := mr.ZScore("avacache:c:board", "top")
	require.NoError(t, err)
	assert.True(t, math.IsInf(score, 1))

	score, err = mr.ZScore("avacache:c:board", "bottom")
	require.NoError(t, err)
	assert.True(t, math.IsInf(score, -1))

	score, err = mr.ZScore("avacache:c:board", "mid")
	require.NoError(t, err)
	assert.InDelta(t, 42, score, 1e-9)
}

func TestZMember_JSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    ZMember
		json  string
		score float64
	}{
		{name: "finite", in: ZMember{Member: "a", Score: 1.5}, json: `{"member":"a","score":1.5}`, score: 1.5},
		{name: "positive infinity", in: ZMember{Member: "a", Score: math.Inf(1)}, json: `{"member":"a","score":"+inf"}`, score: math.Inf(1)},
		{name: "negative infinity", in: ZMember{Member: "a", Score: math.Inf(-1)}, json: `{"member":"a","score":"-inf"}`, score: math.Inf(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			raw, err := json.Marshal(tt.in)
			require.NoError(t, err)
			assert.JSONEq(t, tt.json, string(raw))

			var got ZMember
			require.NoError(t, json.Unmarshal(raw, &got))
			assert.Equal(t, "a", got.Member)
			assert.Equal(t, tt.score, got.Score)
		})
	}

	t.Run("accepts redis spellings", func(t *testing.T) {
		var got ZMember
		require.NoError(t, json.Unmarshal([]byte(`{"member":"a","score":"inf"}`), &got))
		assert.True(t, math.IsInf(got.Score, 1))
		require.NoError(t, json.Unmarshal([]byte(`{"member":"a","score":"2.25"}`), &got))
		assert.Equal(t, 2.25, got.Score)
	})

	t.Run("rejects nan", func(t *testing.T) {
		_, err := json.Marshal(ZMember{Member: "a", Score: math.NaN()})
		assert.Error(t, err)

		var got ZMember
		assert.Error(t, json.Unmarshal([]byte(`{"member":"a","score":"nan"}`), &got))
		assert.Error(t, json.Unmarshal([]byte(`{"member":"a","score":"high"}`), &got))
	})
}

func TestService_RestoreIsAdditive(t *testing.T) {
	t.Parallel()

	s, mr, _ := setup(t)
	ctx := context.Background()

	mr.Set("avacache:c:a", "old")
	path, err := s.CreateBackup(ctx)
	require.NoError(t, err)

	mr.Set("avacache:c:a", "changed")
	mr.Set("avacache:c:b", "new since backup")

	n, err := s.RestoreBackup(ctx, filepath.Base(path), RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := mr.Get("avacache:c:a")
	assert.Equal(t, "old", got, "restored keys overwrite")
	assert.True(t, mr.Exists("avacache:c:b"), "other keys are kept")
}

func TestService_RestoreClearFirst(t *testing.T) {
	t.Parallel()

	s, mr, _ := setup(t)
	ctx := context.Background()

	mr.Set("avacache:c:a", "old")
	path, err := s.CreateBackup(ctx)
	require.NoError(t, err)

	mr.Set("avacache:c:b", "new since backup")
	mr.Set("avacache:l:job", "token")

	_, err = s.RestoreBackup(ctx, path, RestoreOptions{ClearFirst: true})
	require.NoError(t, err)
	assert.True(t, mr.Exists("avacache:c:a"))
	assert.False(t, mr.Exists("avacache:c:b"))
	assert.True(t, mr.Exists("avacache:l:job"), "locks survive a clear")
}

func TestService_RestoreRejectsCorruptFileBeforeWriting(t *testing.T) {
	t.Parallel()

	s, mr, dir := setup(t)
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(dir, 0o750))

	tests := []struct {
		name    string
		content string
	}{
		{name: "truncated", content: `{"version":1,"entries":{"avacache:c:a":{"type":"str`},
		{name: "wrong version", content: `{"version":9,"entries":{}}`},
		{name: "missing entries", content: `{"version":1}`},
		{name: "unknown type", content: `{"version":1,"entries":{"avacache:c:a":{"type":"stream","value":"x"}}}`},
		{name: "bad value", content: `{"version":1,"entries":{"avacache:c:ok":{"type":"string","value":"v"},"avacache:c:a":{"type":"hash","value":[1]}}}`},
		{name: "bad base64", content: `{"version":1,"entries":{"avacache:c:a":{"type":"string","encoding":"base64","value":"!!"}}}`},
		{name: "foreign prefix", content: `{"version":1,"entries":{"other:a":{"type":"string","value":"v"}}}`},
	}

	for _, tt := range tests {
		path := filepath.Join(dir, "bad-"+tt.name+".json")
		require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

		_, err := s.RestoreBackup(ctx, path, RestoreOptions{ClearFirst: true})
		assert.ErrorIs(t, err, ErrCorruptBackup, tt.name)
	}
	assert.Empty(t, mr.Keys(), "nothing was written")
}

func TestService_CreateFailsWhenRedisDown(t *testing.T) {
	t.Parallel()

	s, mr, dir := setup(t)
	mr.Set("avacache:c:a", "v")
	mr.Close()

	_, err := s.CreateBackup(context.Background())
	require.Error(t, err)

	infos, err := s.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, infos)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries, "no partial or temp file is left")
}

func TestService_ListAndPrune(t *testing.T) {
	t.Parallel()

	s, mr, dir := setup(t)
	ctx := context.Background()
	mr.Set("avacache:c:a", "v")

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var paths []string
	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		s.now = func() time.Time { return at }
		p, err := s.CreateBackup(ctx)
		require.NoError(t, err)
		paths = append(paths, p)
	}
	// same second as the newest one
	p, err := s.CreateBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, "backup-20260102-060405-1.json", filepath.Base(p))
	paths = append(paths, p)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	infos, err := s.ListBackups()
	require.NoError(t, err)
	require.Len(t, infos, 5)
	assert.Equal(t, filepath.Base(paths[4]), infos[0].Name)
	assert.Equal(t, filepath.Base(paths[3]), infos[1].Name)
	assert.Equal(t, filepath.Base(paths[0]), infos[4].Name)
	assert.Positive(t, infos[0].Size)

	removed, err := s.Prune(2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	infos, err = s.ListBackups()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, filepath.Base(paths[4]), infos[0].Name)

	_, err = s.Prune(-1)
	assert.Error(t, err)
}

func TestService_ListMissingDir(t *testing.T) {
	t.Parallel()

	s, _, _ := setup(t)
	infos, err := s.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestService_RunAppliesRetention(t *testing.T) {
	t.Parallel()

	s, mr, _ := setup(t)
	mr.Set("avacache:c:a", "v")

	for i := 0; i < 5; i++ {
		at := time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC)
		s.now = func() time.Time { return at }
		require.NoError(t, s.Run(context.Background()))
	}

	infos, err := s.ListBackups()
	require.NoError(t, err)
	assert.Len(t, infos, 3)
}

func TestService_Upload(t *testing.T) {
	t.Parallel()

	up := &fakeUploader{}
	s, mr, _ := setup(t, WithUploader(up))
	mr.Set("avacache:c:a", "v")

	path, err := s.CreateBackup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Base(path)}, up.names)

	up.err = errors.New("access denied")
	_, err = s.CreateBackup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload")
}

func TestParseName(t *testing.T) {
	t.Parallel()

	at, seq, ok := parseName("backup-20260102-030405.json")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), at)
	assert.Equal(t, 0, seq)

	_, seq, ok = parseName("backup-20260102-030405-7.json")
	require.True(t, ok)
	assert.Equal(t, 7, seq)

	for _, name := range []string{"backup-x.json", "notes.txt", "backup-20260102-030405.tmp", "backup-20260102-030405-x.json"} {
		_, _, ok := parseName(name)
		assert.False(t, ok, name)
	}
}
