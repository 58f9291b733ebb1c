package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"delegator/pkg/logx"
)

// compactAfter is how many window records the journal may collect before it
// is folded into the snapshot.
const compactAfter = 512

// fileStore keeps the audit trail and the notification dedup windows in
// plain files derived from cfg.Path (<dir>/<name>.<ext>):
//
//	<name>.audit.jsonl     one AuditEntry per finished task, append-only
//	<name>.notified.json   dedup windows as of the last compaction
//	<name>.notified.jsonl  windows recorded since then
type fileStore struct {
	audit   *auditLog
	windows *windowJournal
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, name)

	audit, err := openAuditLog(prefix + ".audit.jsonl")
	if err != nil {
		return nil, err
	}
	windows, err := openWindowJournal(prefix+".notified", log)
	if err != nil {
		_ = audit.close()
		return nil, err
	}
	return &fileStore{audit: audit, windows: windows}, nil
}

func (s *fileStore) Close() error {
	return errors.Join(s.audit.close(), s.windows.close())
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	return s.audit.append(ctx, e)
}

func (s *fileStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	return s.audit.tail(ctx, limit)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.windows.put(key, until)
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	until, ok := s.windows.get(key)
	return until, ok, nil
}

// auditLog is an append-only JSON Lines file of finished tasks.
type auditLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openAuditLog(path string) (*auditLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &auditLog{path: path, f: f}, nil
}

func (a *auditLog) append(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return errors.New("audit log closed")
	}
	_, err = a.f.Write(line)
	return err
}

// tail returns the last limit records, newest first. Lines that do not
// decode (a torn final write) are skipped. It re-reads the whole file and is
// meant for operator queries.
func (a *auditLog) tail(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	f, err := os.Open(a.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]AuditEntry, 0, limit)
	next := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e AuditEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil || e.TaskID == "" {
			continue
		}
		if len(ring) < limit {
			ring = append(ring, e)
			continue
		}
		ring[next] = e
		next = (next + 1) % limit
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]AuditEntry, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}

func (a *auditLog) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// windowJournal holds notification dedup windows (key -> end of window,
// unix millis). Writes go to an append-only journal that is folded into a
// snapshot every compactAfter records, and once at open when the journal
// left behind is already that long.
type windowJournal struct {
	log logx.Logger

	mu           sync.Mutex
	snapPath     string
	journal      *os.File
	until        map[string]int64
	sinceCompact int
}

type windowRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openWindowJournal(base string, log logx.Logger) (*windowJournal, error) {
	w := &windowJournal{
		log:      log,
		snapPath: base + ".json",
		until:    map[string]int64{},
	}
	if err := w.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dedup snapshot unreadable, starting from the journal", logx.String("path", w.snapPath), logx.Err(err))
	}

	jf, err := os.OpenFile(base+".jsonl", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	n, err := w.replay(jf)
	if err != nil {
		log.Warn("dedup journal partly unreadable", logx.Err(err))
	}
	if _, err := jf.Seek(0, io.SeekEnd); err != nil {
		_ = jf.Close()
		return nil, err
	}
	w.journal = jf
	w.sinceCompact = n

	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropExpiredLocked(time.Now())
	if w.sinceCompact >= compactAfter {
		if err := w.compactLocked(); err != nil {
			log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return w, nil
}

func (w *windowJournal) loadSnapshot() error {
	f, err := os.Open(w.snapPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		w.until[k] = v
	}
	return nil
}

// replay applies journal records on top of the snapshot and returns how
// many it read.
func (w *windowJournal) replay(r io.Reader) (int, error) {
	n := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var rec windowRecord
		if json.Unmarshal(sc.Bytes(), &rec) != nil || rec.Key == "" {
			continue
		}
		w.until[rec.Key] = rec.Until
		n++
	}
	return n, sc.Err()
}

func (w *windowJournal) put(key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	rec := windowRecord{Key: key, Until: until.UnixMilli()}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.journal == nil {
		return errors.New("dedup journal closed")
	}
	if _, err := w.journal.Write(line); err != nil {
		return err
	}
	w.until[key] = rec.Until
	w.sinceCompact++
	if w.sinceCompact >= compactAfter {
		if err := w.compactLocked(); err != nil {
			w.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (w *windowJournal) get(key string) (time.Time, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ms, ok := w.until[key]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (w *windowJournal) dropExpiredLocked(now time.Time) {
	cutoff := now.UnixMilli()
	for k, v := range w.until {
		if v < cutoff {
			delete(w.until, k)
		}
	}
}

// compactLocked writes the live windows to the snapshot (via rename) and
// empties the journal.
func (w *windowJournal) compactLocked() error {
	w.dropExpiredLocked(time.Now())

	tmp := w.snapPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(w.until); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, w.snapPath); err != nil {
		return err
	}
	if err := w.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := w.journal.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w.sinceCompact = 0
	return nil
}

func (w *windowJournal) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.journal == nil {
		return nil
	}
	err := w.journal.Close()
	w.journal = nil
	return err
}
