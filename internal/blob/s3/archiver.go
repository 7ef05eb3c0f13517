package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only needs the time-ranged query methods it actually calls,
// not the full domain store interfaces. The Postgres stores satisfy these
// implicitly.
// ---------------------------------------------------------------------------

// RequestArchiveStore provides read access to executed settlement requests
// for archival purposes.
type RequestArchiveStore interface {
	ListExecutedDepositsBefore(ctx context.Context, before time.Time) ([]domain.DepositRequest, error)
	ListExecutedWithdrawsBefore(ctx context.Context, before time.Time) ([]domain.WithdrawRequest, error)
}

// BatchArchiveStore provides read access to executed settlement batches for
// archival purposes.
type BatchArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.SettlementBatch, error)
}

// FeeArchiveStore provides read access to fee accrual history for archival
// purposes.
type FeeArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.FeeEvent, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the domain stores for
// old records, serializing them to JSONL, and uploading the result to S3.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer   domain.BlobWriter
	requests RequestArchiveStore
	batches  BatchArchiveStore
	fees     FeeArchiveStore
	audit    domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	requests RequestArchiveStore,
	batches BatchArchiveStore,
	fees FeeArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:   writer,
		requests: requests,
		batches:  batches,
		fees:     fees,
		audit:    audit,
	}
}

// depositRecord is the JSONL archive form of a deposit request. Amounts are
// rendered as decimal strings so archive consumers never lose precision.
type depositRecord struct {
	Seq          uint64 `json:"seq"`
	Receiver     string `json:"receiver"`
	BaseAmount   string `json:"base_amount"`
	Shares       string `json:"shares"`
	RecordedAt   string `json:"recorded_at"`
	CalculatedAt string `json:"calculated_at,omitempty"`
}

type withdrawRecord struct {
	Seq          uint64 `json:"seq"`
	Owner        string `json:"owner"`
	Receiver     string `json:"receiver"`
	Shares       string `json:"shares"`
	BaseAmount   string `json:"base_amount"`
	RecordedAt   string `json:"recorded_at"`
	CalculatedAt string `json:"calculated_at,omitempty"`
}

type batchRecord struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	FirstSeq    uint64 `json:"first_seq"`
	LastSeq     uint64 `json:"last_seq"`
	Count       int    `json:"count"`
	TotalBase   string `json:"total_base"`
	TotalShares string `json:"total_shares"`
	ExecutedAt  string `json:"executed_at"`
}

type feeRecord struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Shares     string `json:"shares"`
	Base       string `json:"base"`
	OccurredAt string `json:"occurred_at"`
}

// ArchiveRequests queries executed deposit and withdraw requests before the
// cutoff, serializes them to JSONL, and uploads the files to S3 under
// archive/deposits/ and archive/withdraws/. The archival event is recorded
// in the audit log and the combined count of archived records is returned.
func (a *ArchiveImpl) ArchiveRequests(ctx context.Context, before time.Time) (int64, error) {
	deposits, err := a.requests.ListExecutedDepositsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive deposits query: %w", err)
	}
	withdraws, err := a.requests.ListExecutedWithdrawsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive withdraws query: %w", err)
	}
	if len(deposits) == 0 && len(withdraws) == 0 {
		return 0, nil
	}

	var count int64

	if len(deposits) > 0 {
		records := make([]depositRecord, 0, len(deposits))
		for _, d := range deposits {
			records = append(records, depositRecord{
				Seq:          d.Seq,
				Receiver:     d.Receiver.Hex(),
				BaseAmount:   amountText(d.BaseAmount),
				Shares:       amountText(d.Shares),
				RecordedAt:   d.RecordedAt.Format(time.RFC3339),
				CalculatedAt: optionalTime(d.CalculatedAt),
			})
		}
		buf, err := marshalJSONL(records)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive deposits marshal: %w", err)
		}
		path := archivePath("deposits", before)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return 0, fmt.Errorf("s3blob: archive deposits upload: %w", err)
		}
		count += int64(len(deposits))
	}

	if len(withdraws) > 0 {
		records := make([]withdrawRecord, 0, len(withdraws))
		for _, w := range withdraws {
			records = append(records, withdrawRecord{
				Seq:          w.Seq,
				Owner:        w.Owner.Hex(),
				Receiver:     w.Receiver.Hex(),
				Shares:       amountText(w.Shares),
				BaseAmount:   amountText(w.BaseAmount),
				RecordedAt:   w.RecordedAt.Format(time.RFC3339),
				CalculatedAt: optionalTime(w.CalculatedAt),
			})
		}
		buf, err := marshalJSONL(records)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive withdraws marshal: %w", err)
		}
		path := archivePath("withdraws", before)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return 0, fmt.Errorf("s3blob: archive withdraws upload: %w", err)
		}
		count += int64(len(withdraws))
	}

	if err := a.audit.Log(ctx, "archive.requests", map[string]any{
		"deposits":  len(deposits),
		"withdraws": len(withdraws),
		"before":    before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive requests audit log: %w", err)
	}

	return count, nil
}

// ArchiveBatches queries settlement batches executed before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/batches/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveBatches(ctx context.Context, before time.Time) (int64, error) {
	batches, err := a.batches.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive batches query: %w", err)
	}
	if len(batches) == 0 {
		return 0, nil
	}

	records := make([]batchRecord, 0, len(batches))
	for _, b := range batches {
		records = append(records, batchRecord{
			ID:          b.ID,
			Kind:        string(b.Kind),
			FirstSeq:    b.FirstSeq,
			LastSeq:     b.LastSeq,
			Count:       b.Count,
			TotalBase:   amountText(b.TotalBase),
			TotalShares: amountText(b.TotalShares),
			ExecutedAt:  b.ExecutedAt.Format(time.RFC3339),
		})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive batches marshal: %w", err)
	}

	path := archivePath("batches", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive batches upload: %w", err)
	}

	count := int64(len(batches))

	if err := a.audit.Log(ctx, "archive.batches", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive batches audit log: %w", err)
	}

	return count, nil
}

// ArchiveFeeEvents queries fee events that occurred before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/fees/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveFeeEvents(ctx context.Context, before time.Time) (int64, error) {
	events, err := a.fees.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fee events query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	records := make([]feeRecord, 0, len(events))
	for _, e := range events {
		records = append(records, feeRecord{
			ID:         e.ID,
			Kind:       string(e.Kind),
			Shares:     amountText(e.Shares),
			Base:       amountText(e.Base),
			OccurredAt: e.OccurredAt.Format(time.RFC3339),
		})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fee events marshal: %w", err)
	}

	path := archivePath("fees", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive fee events upload: %w", err)
	}

	count := int64(len(events))

	if err := a.audit.Log(ctx, "archive.fees", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive fee events audit log: %w", err)
	}

	return count, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/deposits/2025-01.jsonl
//	archive/batches/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

func amountText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func optionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
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

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
