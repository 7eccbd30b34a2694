package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dkuznetsov/polysniper/internal/domain"
)

// batchLimit caps one archive upload so a long backlog drains across runs.
const batchLimit = 500

// objectPutter is the slice of the S3 client the archiver needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver periodically copies closed positions older than the retention
// window to object storage. Uploads never delete local rows; the archive is
// a secondary record, not a migration.
type Archiver struct {
	positions domain.PositionStore
	store     objectPutter
	bucket    string
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	// lastArchived is the newest ClosedAt uploaded by this process, used to
	// avoid re-uploading the same rows every run.
	lastArchived time.Time
}

// NewArchiver creates an Archiver uploading to bucket every interval.
// retentionDays controls how old a closed position must be before it is
// archived.
func NewArchiver(
	positions domain.PositionStore,
	store objectPutter,
	bucket string,
	retentionDays int,
	interval time.Duration,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		positions: positions,
		store:     store,
		bucket:    bucket,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       time.Now,
	}
}

// Run archives on a fixed interval until ctx is cancelled. Upload errors are
// logged and retried on the next run.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	if err := a.archiveOnce(ctx); err != nil && ctx.Err() == nil {
		a.logger.Warn("archive run failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.archiveOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.logger.Warn("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Archiver) archiveOnce(ctx context.Context) error {
	cutoff := a.now().UTC().Add(-a.retention)
	closed, err := a.positions.ListClosedBefore(ctx, cutoff, batchLimit)
	if err != nil {
		return fmt.Errorf("s3: list closed positions: %w", err)
	}

	batch := closed[:0]
	var newest time.Time
	for _, p := range closed {
		if p.ClosedAt == nil || !p.ClosedAt.After(a.lastArchived) {
			continue
		}
		batch = append(batch, p)
		if p.ClosedAt.After(newest) {
			newest = *p.ClosedAt
		}
	}
	if len(batch) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range batch {
		if err := enc.Encode(archiveRecord(p)); err != nil {
			return fmt.Errorf("s3: encode position %s: %w", p.ID, err)
		}
	}

	key := fmt.Sprintf("closed/%s.jsonl", a.now().UTC().Format("2006-01-02T150405Z"))
	_, err = a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", key, err)
	}

	a.lastArchived = newest
	a.logger.Info("positions archived",
		slog.Int("count", len(batch)),
		slog.String("key", key),
	)
	return nil
}

// archiveRecord is the flattened JSONL shape of one archived position.
func archiveRecord(p domain.Position) map[string]any {
	rec := map[string]any{
		"id":           p.ID,
		"market_id":    p.MarketID,
		"slug":         p.Slug,
		"token_id":     p.TokenID,
		"strategy":     p.Strategy,
		"side":         p.Side,
		"size_usd":     p.SizeUSD,
		"shares":       p.Shares,
		"entry_price":  p.EntryPrice,
		"status":       string(p.Status),
		"opened_at":    p.OpenedAt.UTC().Format(time.RFC3339),
	}
	if p.ExitPrice != nil {
		rec["exit_price"] = *p.ExitPrice
	}
	if p.RealizedPnL != nil {
		rec["realized_pnl"] = *p.RealizedPnL
	}
	if p.CloseReason != nil {
		rec["close_reason"] = string(*p.CloseReason)
	}
	if p.ClosedAt != nil {
		rec["closed_at"] = p.ClosedAt.UTC().Format(time.RFC3339)
	}
	return rec
}
