package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// HistorySource lists finished matches for archival. domain.HistoryStore
// satisfies it.
type HistorySource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.MatchFinished, error)
}

// Archiver writes game history older than a cutoff to object storage as
// JSONL. Rows are left in the primary store.
type Archiver struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	history HistorySource
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, history HistorySource, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:  writer,
		reader:  reader,
		history: history,
		audit:   audit,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveHistory uploads every row completed before the cutoff to
// archive/game_history/YYYY-MM-DD.jsonl and returns the row count. A cutoff
// whose file already exists is skipped.
func (a *Archiver) ArchiveHistory(ctx context.Context, before time.Time) (int64, error) {
	path := archivePath("game_history", before)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive history exists: %w", err)
	}
	if exists {
		a.logger.DebugContext(ctx, "archive already present", slog.String("path", path))
		return 0, nil
	}

	rows, err := a.history.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive history query: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive history marshal: %w", err)
	}

	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive history upload: %w", err)
	}

	count := int64(len(rows))
	a.logger.InfoContext(ctx, "history archived",
		slog.String("path", path),
		slog.Int64("count", count),
	)

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.game_history", map[string]any{
			"path":   path,
			"count":  count,
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive history audit log: %w", err)
		}
	}
	return count, nil
}

// Run archives rows older than retention once per interval until ctx is
// cancelled.
func (a *Archiver) Run(ctx context.Context, retention, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention).Truncate(24 * time.Hour)
			if _, err := a.ArchiveHistory(ctx, cutoff); err != nil {
				a.logger.WarnContext(ctx, "archive run failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// archivePath partitions archives by cutoff day:
//
//	archive/game_history/2026-01-31.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02"))
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
