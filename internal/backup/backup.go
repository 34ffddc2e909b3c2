// Package backup snapshots the shared keyspace to timestamped JSON files
// and restores it.
//
// A backup is written to a temporary file and renamed into place, so a
// file named backup-*.json is always complete. A restore validates the
// whole file before the first write.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avacache/internal/keyspace"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

const (
	tracerName = "avacache/backup"

	filePrefix = "backup-"
	fileSuffix = ".json"
	timeLayout = "20060102-150405"

	scanCount    = 500
	restoreBatch = 100
)

// ErrCorruptBackup is returned when a backup file cannot be parsed or
// fails validation. Nothing is written in that case.
var ErrCorruptBackup = errors.New("corrupt backup")

// Uploader mirrors a finished backup to remote storage.
type Uploader interface {
	Upload(ctx context.Context, name string, body []byte) error
}

// Info describes a backup file.
type Info struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// RestoreOptions controls a restore.
type RestoreOptions struct {
	// ClearFirst deletes the existing cache namespace before writing.
	ClearFirst bool
}

// Service creates, lists, prunes and restores backups.
type Service struct {
	client    redis.UniversalClient
	codec     *keyspace.Codec
	dir       string
	retention int
	uploader  Uploader
	logger    observability.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithUploader mirrors every backup through u.
func WithUploader(u Uploader) Option {
	return func(s *Service) {
		s.uploader = u
	}
}

// New creates a backup service writing into dir and keeping retention
// backups when pruned by Run.
func New(client redis.UniversalClient, codec *keyspace.Codec, dir string, retention int, opts ...Option) *Service {
	s := &Service{
		client:    client,
		codec:     codec,
		dir:       dir,
		retention: retention,
		logger:    observability.NopLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run creates a backup then prunes to the configured retention. It is the
// body of the scheduled backup task.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.CreateBackup(ctx); err != nil {
		return err
	}
	if s.retention > 0 {
		if _, err := s.Prune(s.retention); err != nil {
			return err
		}
	}
	return nil
}

// CreateBackup snapshots every key under the prefix, except lock records,
// and returns the path of the new file. Any read or write failure fails the
// whole backup and leaves no file behind.
func (s *Service) CreateBackup(ctx context.Context) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "backup.Create",
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	start := s.now()
	doc := File{
		Version:   FormatVersion,
		CreatedAt: start.UTC().Format(time.RFC3339),
		Prefix:    s.codec.Prefix(),
		Entries:   make(map[string]Record),
	}

	if err := s.snapshot(ctx, doc.Entries); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("backup snapshot failed: %w", err)
	}

	path, body, err := s.writeFile(start, &doc)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("backup write failed: %w", err)
	}

	if s.uploader != nil {
		if err := s.uploader.Upload(ctx, filepath.Base(path), body); err != nil {
			span.RecordError(err)
			return "", fmt.Errorf("backup upload failed: %w", err)
		}
	}

	span.SetAttributes(
		attribute.String("backup.path", path),
		attribute.Int("backup.keys", len(doc.Entries)),
	)
	s.logger.WithContext(ctx).Info("backup created",
		observability.String("path", path),
		observability.Int("keys", len(doc.Entries)),
		observability.Int("bytes", len(body)),
		observability.Duration("duration", time.Since(start)))

	return path, nil
}

func (s *Service) snapshot(ctx context.Context, entries map[string]Record) error {
	lockNS := s.codec.LockKey("")
	match := escapeGlob(s.codec.Prefix()) + "*"

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return err
		}

		page := keys[:0]
		for _, k := range keys {
			if !strings.HasPrefix(k, lockNS) {
				page = append(page, k)
			}
		}
		if err := s.readPage(ctx, page, entries); err != nil {
			return err
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// readPage reads every key in two round trips: TYPE and PTTL, then the
// type-specific read.
func (s *Service) readPage(ctx context.Context, keys []string, entries map[string]Record) error {
	if len(keys) == 0 {
		return nil
	}

	typeCmds := make([]*redis.StatusCmd, len(keys))
	ttlCmds := make([]*redis.DurationCmd, len(keys))
	if _, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			typeCmds[i] = p.Type(ctx, k)
			ttlCmds[i] = p.PTTL(ctx, k)
		}
		return nil
	}); err != nil {
		return err
	}

	readCmds := make([]redis.Cmder, len(keys))
	if _, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			switch typeCmds[i].Val() {
			case TypeString:
				readCmds[i] = p.Get(ctx, k)
			case TypeHash:
				readCmds[i] = p.HGetAll(ctx, k)
			case TypeList:
				readCmds[i] = p.LRange(ctx, k, 0, -1)
			case TypeSet:
				readCmds[i] = p.SMembers(ctx, k)
			case TypeZSet:
				readCmds[i] = p.ZRangeWithScores(ctx, k, 0, -1)
			}
		}
		return nil
	}); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	for i, k := range keys {
		cmd := readCmds[i]
		if cmd == nil {
			// expired between SCAN and TYPE, or a type we do not back up
			continue
		}
		if errors.Is(cmd.Err(), redis.Nil) {
			continue
		}
		if cmd.Err() != nil {
			return fmt.Errorf("read %s: %w", k, cmd.Err())
		}

		typ := typeCmds[i].Val()
		var v value
		switch c := cmd.(type) {
		case *redis.StringCmd:
			v.str = c.Val()
		case *redis.MapStringStringCmd:
			v.hash = c.Val()
		case *redis.StringSliceCmd:
			v.list = c.Val()
		case *redis.ZSliceCmd:
			for _, z := range c.Val() {
				member, _ := z.Member.(string)
				v.zset = append(v.zset, ZMember{Member: member, Score: z.Score})
			}
		}

		var ttlMs int64
		if ttl := ttlCmds[i].Val(); ttl > 0 {
			ttlMs = max(ttl.Milliseconds(), 1)
		}

		rec, err := encodeRecord(typ, v, ttlMs)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		entries[k] = rec
	}
	return nil
}

// writeFile writes doc to a temp file in the backup directory and renames
// it into place.
func (s *Service) writeFile(at time.Time, doc *File) (string, []byte, error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", nil, err
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return "", nil, err
	}

	tmp, err := os.CreateTemp(s.dir, ".backup-*.tmp")
	if err != nil {
		return "", nil, err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return "", nil, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", nil, err
	}
	if err := tmp.Close(); err != nil {
		return "", nil, err
	}

	path := s.nextPath(at)
	if err := os.Rename(tmpName, path); err != nil {
		return "", nil, err
	}
	committed = true
	return path, body, nil
}

// nextPath returns an unused backup path for at. Backups created within the
// same second get a numeric suffix.
func (s *Service) nextPath(at time.Time) string {
	base := filePrefix + at.UTC().Format(timeLayout)
	path := filepath.Join(s.dir, base+fileSuffix)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = filepath.Join(s.dir, fmt.Sprintf("%s-%d%s", base, i, fileSuffix))
	}
}

// ListBackups returns the backups in the directory, newest first.
func (s *Service) ListBackups() ([]Info, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	type sortable struct {
		info Info
		seq  int
	}
	var found []sortable
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		at, seq, ok := parseName(de.Name())
		if !ok {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		found = append(found, sortable{
			info: Info{
				Name:      de.Name(),
				Path:      filepath.Join(s.dir, de.Name()),
				Size:      fi.Size(),
				CreatedAt: at,
			},
			seq: seq,
		})
	}

	sort.Slice(found, func(i, j int) bool {
		if !found[i].info.CreatedAt.Equal(found[j].info.CreatedAt) {
			return found[i].info.CreatedAt.After(found[j].info.CreatedAt)
		}
		return found[i].seq > found[j].seq
	})

	infos := make([]Info, len(found))
	for i, f := range found {
		infos[i] = f.info
	}
	return infos, nil
}

// Prune keeps the keep most recent backups and deletes the rest. It
// returns how many files were deleted.
func (s *Service) Prune(keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative: %d", keep)
	}

	infos, err := s.ListBackups()
	if err != nil {
		return 0, err
	}
	if len(infos) <= keep {
		return 0, nil
	}

	removed := 0
	var errs []error
	for _, info := range infos[keep:] {
		if err := os.Remove(info.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("old backups pruned",
			observability.Int("removed", removed),
			observability.Int("kept", keep))
	}
	return removed, errors.Join(errs...)
}

// RestoreBackup loads the backup at path into Redis and returns the number
// of keys written. A bare file name is resolved inside the backup
// directory. Existing keys are overwritten, other keys are left alone
// unless opts.ClearFirst is set.
func (s *Service) RestoreBackup(ctx context.Context, path string, opts RestoreOptions) (int, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "backup.Restore",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("backup.path", path)))
	defer span.End()

	if filepath.Base(path) == path {
		path = filepath.Join(s.dir, path)
	}

	doc, values, err := s.load(path)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	if opts.ClearFirst {
		if err := s.clear(ctx); err != nil {
			return 0, fmt.Errorf("clear before restore failed: %w", err)
		}
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	restored := 0
	for start := 0; start < len(keys); start += restoreBatch {
		end := min(start+restoreBatch, len(keys))
		batch := keys[start:end]
		if _, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, k := range batch {
				writeValue(ctx, p, k, doc.Entries[k], values[k])
			}
			return nil
		}); err != nil {
			span.RecordError(err)
			return restored, fmt.Errorf("restore write failed after %d keys: %w", restored, err)
		}
		restored += len(batch)
	}

	s.logger.WithContext(ctx).Info("backup restored",
		observability.String("path", path),
		observability.Int("keys", restored),
		observability.Bool("clearFirst", opts.ClearFirst))
	return restored, nil
}

// load reads and fully validates a backup file.
func (s *Service) load(path string) (*File, map[string]value, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path is operator supplied
	if err != nil {
		return nil, nil, fmt.Errorf("read backup: %w", err)
	}

	var doc File
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCorruptBackup, err)
	}
	if doc.Version != FormatVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptBackup, doc.Version)
	}
	if doc.Entries == nil {
		return nil, nil, fmt.Errorf("%w: missing entries", ErrCorruptBackup)
	}

	values := make(map[string]value, len(doc.Entries))
	for k, rec := range doc.Entries {
		if !strings.HasPrefix(k, s.codec.Prefix()) {
			return nil, nil, fmt.Errorf("%w: key %q outside prefix %q", ErrCorruptBackup, k, s.codec.Prefix())
		}
		v, err := rec.decode()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: key %q: %w", ErrCorruptBackup, k, err)
		}
		values[k] = v
	}
	return &doc, values, nil
}

func writeValue(ctx context.Context, p redis.Pipeliner, key string, rec Record, v value) {
	p.Del(ctx, key)
	switch rec.Type {
	case TypeString:
		p.Set(ctx, key, v.str, 0)
	case TypeHash:
		if len(v.hash) > 0 {
			args := make([]interface{}, 0, 2*len(v.hash))
			for f, val := range v.hash {
				args = append(args, f, val)
			}
			p.HSet(ctx, key, args...)
		}
	case TypeList:
		if len(v.list) > 0 {
			p.RPush(ctx, key, toArgs(v.list)...)
		}
	case TypeSet:
		if len(v.list) > 0 {
			p.SAdd(ctx, key, toArgs(v.list)...)
		}
	case TypeZSet:
		members := make([]redis.Z, len(v.zset))
		for i, m := range v.zset {
			members[i] = redis.Z{Member: m.Member, Score: m.Score}
		}
		if len(members) > 0 {
			p.ZAdd(ctx, key, members...)
		}
	}
	if rec.TTLMs > 0 {
		p.PExpire(ctx, key, time.Duration(rec.TTLMs)*time.Millisecond)
	}
}

// clear deletes the cache namespace. Lock records are kept.
func (s *Service) clear(ctx context.Context) error {
	match := escapeGlob(s.codec.CacheNamespace()) + "*"
	iter := s.client.Scan(ctx, 0, match, scanCount).Iterator()

	batch := make([]string, 0, scanCount)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.client.Del(ctx, batch...).Err()
		batch = batch[:0]
		return err
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanCount {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return flush()
}

func parseName(name string) (time.Time, int, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, 0, false
	}
	stem := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	if len(stem) < len(timeLayout) {
		return time.Time{}, 0, false
	}

	at, err := time.Parse(timeLayout, stem[:len(timeLayout)])
	if err != nil {
		return time.Time{}, 0, false
	}

	seq := 0
	if rest := stem[len(timeLayout):]; rest != "" {
		if _, err := fmt.Sscanf(rest, "-%d", &seq); err != nil {
			return time.Time{}, 0, false
		}
	}
	return at, seq, true
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
