// Package failures keeps a durable, append-only JSONL log of documents that
// could not complete a stage, for manual triage.
package failures

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/norm-structurer/internal/model"
)

// maxLine bounds a single record; larger lines are skipped on read.
const maxLine = 4 << 20

// DocumentSummary groups every failure of one document.
type DocumentSummary struct {
	DocumentID model.DocumentID `json:"document_id"`
	Count      int              `json:"count"`
	Kinds      []string         `json:"error_kinds"`
	Stages     []string         `json:"stages"`
	FirstSeen  time.Time        `json:"first_seen"`
	LastSeen   time.Time        `json:"last_seen"`
	LastError  string           `json:"last_error"`
}

// KindSummary groups failures by error kind.
type KindSummary struct {
	ErrorKind   string             `json:"error_kind"`
	Count       int                `json:"count"`
	DocumentIDs []model.DocumentID `json:"document_ids"`
}

// Tracker appends failure records to a file. Writes are serialized and
// synced before Record returns; reads rebuild state from the file.
type Tracker struct {
	path string
	log  *zap.Logger
	now  func() time.Time

	mu sync.Mutex
	f  *os.File
}

// Open opens (or creates) the log at path for appending.
func Open(path string, logger *zap.Logger) (*Tracker, error) {
	if path == "" {
		return nil, eris.New("failures: path is required")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "failures: open %s", path)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		path: path,
		log:  logger,
		now:  func() time.Time { return time.Now().UTC() },
		f:    f,
	}, nil
}

// Path returns the log file location.
func (t *Tracker) Path() string { return t.path }

// Record appends rec as one JSON line. A zero Timestamp is set to now.
func (t *Tracker) Record(ctx context.Context, rec model.FailureRecord) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "failures: record")
	}
	if rec.ErrorKind == "" {
		return eris.New("failures: error kind is required")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "failures: marshal record")
	}
	line = append(line, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return eris.New("failures: tracker is closed")
	}
	if _, err := t.f.Write(line); err != nil {
		return eris.Wrap(err, "failures: append")
	}
	if err := t.f.Sync(); err != nil {
		return eris.Wrap(err, "failures: sync")
	}

	t.log.Warn("failure recorded",
		zap.String("document_id", rec.DocumentID.String()),
		zap.String("error_kind", rec.ErrorKind),
		zap.String("stage", rec.Stage),
	)
	return nil
}

// All returns every record in append order. Lines that do not decode, such
// as a torn final write, are logged and skipped.
func (t *Tracker) All(ctx context.Context) ([]model.FailureRecord, error) {
	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "failures: open %s", t.path)
	}
	defer f.Close() //nolint:errcheck

	var out []model.FailureRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for n := 1; sc.Scan(); n++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "failures: read")
		}
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec model.FailureRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.log.Warn("failures: skipping unreadable line", zap.Int("line", n), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "failures: scan")
	}
	return out, nil
}

// SummaryByDocument groups records per document, ordered by first failure.
func (t *Tracker) SummaryByDocument(ctx context.Context) ([]DocumentSummary, error) {
	recs, err := t.All(ctx)
	if err != nil {
		return nil, err
	}

	index := make(map[model.DocumentID]int)
	var out []DocumentSummary
	for _, r := range recs {
		i, ok := index[r.DocumentID]
		if !ok {
			i = len(out)
			index[r.DocumentID] = i
			out = append(out, DocumentSummary{DocumentID: r.DocumentID, FirstSeen: r.Timestamp})
		}
		s := &out[i]
		s.Count++
		s.Kinds = appendUnique(s.Kinds, r.ErrorKind)
		s.Stages = appendUnique(s.Stages, r.Stage)
		if !r.Timestamp.Before(s.LastSeen) {
			s.LastSeen = r.Timestamp
			s.LastError = r.ErrorMessage
		}
	}
	return out, nil
}

// SummaryByKind groups records per error kind, sorted by kind.
func (t *Tracker) SummaryByKind(ctx context.Context) ([]KindSummary, error) {
	recs, err := t.All(ctx)
	if err != nil {
		return nil, err
	}

	byKind := make(map[string]*KindSummary)
	seen := make(map[string]map[model.DocumentID]bool)
	for _, r := range recs {
		s, ok := byKind[r.ErrorKind]
		if !ok {
			s = &KindSummary{ErrorKind: r.ErrorKind}
			byKind[r.ErrorKind] = s
			seen[r.ErrorKind] = make(map[model.DocumentID]bool)
		}
		s.Count++
		if !seen[r.ErrorKind][r.DocumentID] {
			seen[r.ErrorKind][r.DocumentID] = true
			s.DocumentIDs = append(s.DocumentIDs, r.DocumentID)
		}
	}

	out := make([]KindSummary, 0, len(byKind))
	for _, s := range byKind {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ErrorKind < out[j].ErrorKind })
	return out, nil
}

// ExportIDs returns each failed document id once, in first-seen order.
// Records without an id are left out.
func (t *Tracker) ExportIDs(ctx context.Context) ([]model.DocumentID, error) {
	recs, err := t.All(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[model.DocumentID]bool)
	var ids []model.DocumentID
	for _, r := range recs {
		if r.DocumentID.IsZero() || seen[r.DocumentID] {
			continue
		}
		seen[r.DocumentID] = true
		ids = append(ids, r.DocumentID)
	}
	return ids, nil
}

// WriteExport writes ExportIDs to w, one per line.
func (t *Tracker) WriteExport(ctx context.Context, w io.Writer) (int, error) {
	ids, err := t.ExportIDs(ctx)
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(w)
	for _, id := range ids {
		if _, err := bw.WriteString(id.String() + "\n"); err != nil {
			return 0, eris.Wrap(err, "failures: write export")
		}
	}
	return len(ids), eris.Wrap(bw.Flush(), "failures: flush export")
}

// Close releases the file handle.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

func appendUnique(xs []string, s string) []string {
	for _, x := range xs {
		if x == s {
			return xs
		}
	}
	return append(xs, s)
}
