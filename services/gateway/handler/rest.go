package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/joeott/legal-doc-processor-sub006/internal/blob"
	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
	"github.com/joeott/legal-doc-processor-sub006/internal/kafka"
	"github.com/joeott/legal-doc-processor-sub006/internal/postgres"
	redisstore "github.com/joeott/legal-doc-processor-sub006/internal/redis"
	"github.com/joeott/legal-doc-processor-sub006/pkg/telemetry"
)

// BatchService is the batch coordinator surface the gateway needs.
type BatchService interface {
	CreateBatch(ctx context.Context, batchID string, total int, parentID *string) (*domain.Batch, error)
	GetBatch(ctx context.Context, batchID string) (*domain.Batch, error)
	RecoverFailedBatch(ctx context.Context, batchID string) (*domain.Batch, error)
	// OnDocumentTerminal counts a document that will never reach the
	// pipeline, so its batch can still drain to completion.
	OnDocumentTerminal(ctx context.Context, doc *domain.Document, outcome domain.DocumentOutcome) error
}

// REST handles HTTP requests for the gateway.
type REST struct {
	docs     postgres.DocumentRepository
	batches  BatchService
	state    redisstore.DocState
	enqueuer kafka.Enqueuer
	blobs    blob.Store
	limiter  redisstore.RateLimiter
	logger   *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(
	docs postgres.DocumentRepository,
	batches BatchService,
	state redisstore.DocState,
	enqueuer kafka.Enqueuer,
	blobs blob.Store,
	limiter redisstore.RateLimiter,
	logger *slog.Logger,
) *REST {
	return &REST{
		docs:     docs,
		batches:  batches,
		state:    state,
		enqueuer: enqueuer,
		blobs:    blobs,
		limiter:  limiter,
		logger:   logger,
	}
}

// SubmitDocumentRequest is the JSON body for POST /api/v1/documents.
// Content is base64 in the JSON encoding.
type SubmitDocumentRequest struct {
	DocumentID  string `json:"document_id,omitempty"` // optional client-chosen key for idempotent resubmission
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
	Priority    string `json:"priority,omitempty"`
}

// SubmitDocumentResponse is the 202 response body.
type SubmitDocumentResponse struct {
	DocumentID string    `json:"document_id"`
	Stage      string    `json:"stage"`
	CreatedAt  time.Time `json:"created_at"`
}

// DocumentStatusResponse is the GET /documents/{id} response body.
type DocumentStatusResponse struct {
	DocumentID    string     `json:"document_id"`
	FileName      string     `json:"file_name"`
	Stage         string     `json:"stage"`
	Priority      string     `json:"priority"`
	BatchID       *string    `json:"batch_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Cancelled     bool       `json:"cancelled,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMs    int64      `json:"duration_ms,omitempty"`
}

// SubmitDocument handles POST /api/v1/documents.
func (h *REST) SubmitDocument(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("gateway").Start(r.Context(), "gateway.submit_document")
	defer span.End()

	var req SubmitDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	priority, ok := parsePriority(req.Priority)
	if !ok {
		writeError(w, http.StatusBadRequest, "field 'priority' must be high, normal or low")
		return
	}
	if strings.TrimSpace(req.FileName) == "" {
		writeError(w, http.StatusBadRequest, "field 'file_name' is required")
		return
	}
	if len(req.Content) == 0 {
		writeError(w, http.StatusBadRequest, "field 'content' is required")
		return
	}

	if !h.allow(ctx, priority) {
		writeError(w, http.StatusTooManyRequests, "intake rate limit exceeded, retry later")
		return
	}

	docID := req.DocumentID
	if docID == "" {
		docID = uuid.New().String()
	}
	span.SetAttributes(
		attribute.String("document.id", docID),
		attribute.String("document.priority", string(priority)),
	)

	resp, status, err := h.intake(ctx, docID, &req, priority, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "intake failed")
		h.logger.Error("document intake failed",
			slog.String("document_id", docID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to accept document")
		return
	}

	telemetry.GatewayDocumentsSubmitted.WithLabelValues(string(priority)).Inc()
	h.logger.Info("document submitted",
		slog.String("document_id", docID),
		slog.String("file_name", req.FileName),
		slog.String("priority", string(priority)),
	)
	writeJSON(w, status, resp)
}

// intake stores the bytes, creates the document row and enqueues the first
// stage. Returns 200 instead of 202 when the client-chosen ID already exists.
func (h *REST) intake(ctx context.Context, docID string, req *SubmitDocumentRequest, priority domain.Priority, batchID *string) (*SubmitDocumentResponse, int, error) {
	blobRef, err := h.blobs.Put(ctx, "raw/"+docID, req.Content, req.ContentType)
	if err != nil {
		return nil, 0, err
	}

	now := time.Now().UTC()
	doc := &domain.Document{
		ID:           docID,
		FileName:     req.FileName,
		ContentType:  req.ContentType,
		SizeBytes:    int64(len(req.Content)),
		BlobRef:      blobRef,
		CurrentStage: domain.StageCreated,
		Priority:     priority,
		BatchID:      batchID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := h.docs.CreateDocument(ctx, doc)
	if err != nil {
		return nil, 0, err
	}
	if !created {
		// Duplicate submission of the same client ID. The original is
		// already somewhere in the pipeline; report where.
		existing, err := h.docs.GetDocument(ctx, docID)
		if err != nil {
			return nil, 0, err
		}
		return &SubmitDocumentResponse{
			DocumentID: existing.ID,
			Stage:      string(existing.CurrentStage),
			CreatedAt:  existing.CreatedAt,
		}, http.StatusOK, nil
	}

	if err := h.docs.UpdateDocumentStage(ctx, docID, domain.StageValidating, ""); err != nil {
		return nil, 0, err
	}
	if err := h.state.SetStage(ctx, docID, domain.StageValidating); err != nil {
		h.logger.Warn("failed to cache document stage",
			slog.String("document_id", docID), slog.String("error", err.Error()))
	}

	task := &domain.StageTask{
		DocumentID: docID,
		Stage:      domain.StageValidating,
		Priority:   priority,
	}
	if err := h.enqueuer.EnqueueStage(ctx, task); err != nil {
		return nil, 0, err
	}

	return &SubmitDocumentResponse{
		DocumentID: docID,
		Stage:      string(domain.StageValidating),
		CreatedAt:  now,
	}, http.StatusAccepted, nil
}

// allow asks the rate limiter, failing open when the limiter itself errors.
func (h *REST) allow(ctx context.Context, priority domain.Priority) bool {
	ok, err := h.limiter.Allow(ctx, string(priority))
	if err != nil {
		h.logger.Warn("rate limiter unavailable, admitting submission",
			slog.String("error", err.Error()))
		return true
	}
	if !ok {
		telemetry.GatewayRateLimitedTotal.Inc()
	}
	return ok
}

// BatchDocument is one document inside a batch submission.
type BatchDocument struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// SubmitBatchRequest is the JSON body for POST /api/v1/batches.
type SubmitBatchRequest struct {
	Priority  string          `json:"priority,omitempty"`
	Documents []BatchDocument `json:"documents"`
}

// SubmitBatchResponse is the 202 response body.
type SubmitBatchResponse struct {
	BatchID     string   `json:"batch_id"`
	Total       int      `json:"total"`
	DocumentIDs []string `json:"document_ids"`
}

// SubmitBatch handles POST /api/v1/batches: fan a set of documents out
// under one batch so completion can be reported as a single event.
func (h *REST) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("gateway").Start(r.Context(), "gateway.submit_batch")
	defer span.End()

	var req SubmitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	priority, ok := parsePriority(req.Priority)
	if !ok {
		writeError(w, http.StatusBadRequest, "field 'priority' must be high, normal or low")
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "field 'documents' must not be empty")
		return
	}
	for i, d := range req.Documents {
		if strings.TrimSpace(d.FileName) == "" || len(d.Content) == 0 {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("document at index %d needs 'file_name' and 'content'", i))
			return
		}
	}

	if !h.allow(ctx, priority) {
		writeError(w, http.StatusTooManyRequests, "intake rate limit exceeded, retry later")
		return
	}

	batchID := uuid.New().String()
	span.SetAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("batch.total", len(req.Documents)),
	)
	if _, err := h.batches.CreateBatch(ctx, batchID, len(req.Documents), nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch create failed")
		h.logger.Error("failed to create batch", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create batch")
		return
	}

	docIDs := make([]string, 0, len(req.Documents))
	for _, d := range req.Documents {
		docID := uuid.New().String()
		sub := &SubmitDocumentRequest{
			FileName:    d.FileName,
			ContentType: d.ContentType,
			Content:     d.Content,
		}
		if _, _, err := h.intake(ctx, docID, sub, priority, &batchID); err != nil {
			// The batch total is already fixed; a document that never made
			// it in would hold the batch open forever, so fail it in place
			// and count it on the failed side now.
			h.logger.Error("batch document intake failed, marking failed",
				slog.String("document_id", docID),
				slog.String("batch_id", batchID),
				slog.String("error", err.Error()),
			)
			h.failIntake(ctx, docID, &d, priority, batchID)
		}
		docIDs = append(docIDs, docID)
	}

	telemetry.GatewayBatchesSubmitted.Inc()
	telemetry.GatewayDocumentsSubmitted.WithLabelValues(string(priority)).Add(float64(len(docIDs)))
	h.logger.Info("batch submitted",
		slog.String("batch_id", batchID),
		slog.Int("total", len(docIDs)),
		slog.String("priority", string(priority)),
	)

	writeJSON(w, http.StatusAccepted, SubmitBatchResponse{
		BatchID:     batchID,
		Total:       len(docIDs),
		DocumentIDs: docIDs,
	})
}

// failIntake records a batched document whose intake never finished. The
// blob upload may have failed before the row was written, so the row is
// created here if needed; Recount scans the rows, and a document with no
// row would be invisible to it. The terminal notification drains the
// document out of pending so the batch can still complete.
func (h *REST) failIntake(ctx context.Context, docID string, d *BatchDocument, priority domain.Priority, batchID string) {
	now := time.Now().UTC()
	doc := &domain.Document{
		ID:           docID,
		FileName:     d.FileName,
		ContentType:  d.ContentType,
		SizeBytes:    int64(len(d.Content)),
		CurrentStage: domain.StageCreated,
		Priority:     priority,
		BatchID:      &batchID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := h.docs.CreateDocument(ctx, doc); err != nil {
		h.logger.Error("failed to record intake-failed document",
			slog.String("document_id", docID), slog.String("error", err.Error()))
	}
	if err := h.docs.MarkFailed(ctx, docID, "INTAKE_ERROR", true); err != nil {
		h.logger.Error("failed to mark intake-failed document",
			slog.String("document_id", docID), slog.String("error", err.Error()))
	}
	doc.CurrentStage = domain.StageFailed
	doc.FailureReason = "INTAKE_ERROR"
	doc.FailureRetryable = true
	if err := h.batches.OnDocumentTerminal(ctx, doc, domain.OutcomeFailed); err != nil {
		h.logger.Error("batch accounting for intake failure failed",
			slog.String("batch_id", batchID), slog.String("error", err.Error()))
	}
}

// GetDocument handles GET /api/v1/documents/{id}.
func (h *REST) GetDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "id")
	if docID == "" {
		writeError(w, http.StatusBadRequest, "document ID is required")
		return
	}
	ctx := r.Context()

	doc, err := h.docs.GetDocument(ctx, docID)
	if err != nil {
		var notFound *domain.DocumentNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		h.logger.Error("failed to load document",
			slog.String("document_id", docID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve document")
		return
	}

	// The cache may be ahead of the durable row mid-commit; prefer it.
	if stage, err := h.state.GetStage(ctx, docID); err == nil && stage.Valid() {
		doc.CurrentStage = stage
	}

	resp := DocumentStatusResponse{
		DocumentID:    doc.ID,
		FileName:      doc.FileName,
		Stage:         string(doc.CurrentStage),
		Priority:      string(doc.Priority),
		BatchID:       doc.BatchID,
		FailureReason: doc.FailureReason,
		Cancelled:     doc.Cancelled,
		CreatedAt:     doc.CreatedAt,
		CompletedAt:   doc.CompletedAt,
	}
	if doc.CompletedAt != nil {
		resp.DurationMs = doc.CompletedAt.Sub(doc.CreatedAt).Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

// StageHistoryEntry is one row of GET /documents/{id}/history.
type StageHistoryEntry struct {
	Stage       string     `json:"stage"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GetDocumentHistory handles GET /api/v1/documents/{id}/history.
func (h *REST) GetDocumentHistory(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "id")
	ctx := r.Context()

	if _, err := h.docs.GetDocument(ctx, docID); err != nil {
		var notFound *domain.DocumentNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to retrieve document")
		return
	}

	records, err := h.docs.ListStageRecords(ctx, docID)
	if err != nil {
		h.logger.Error("failed to load stage history",
			slog.String("document_id", docID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve history")
		return
	}

	entries := make([]StageHistoryEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, StageHistoryEntry{
			Stage:       string(rec.Stage),
			Status:      string(rec.Status),
			RetryCount:  rec.RetryCount,
			Error:       rec.Error,
			StartedAt:   rec.StartedAt,
			CompletedAt: rec.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": docID,
		"stages":      entries,
	})
}

// CancelDocument handles POST /api/v1/documents/{id}/cancel. Cancellation
// is cooperative: the flag is set here, the worker honours it before its
// next stage executes.
func (h *REST) CancelDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "id")
	ctx := r.Context()

	doc, err := h.docs.GetDocument(ctx, docID)
	if err != nil {
		var notFound *domain.DocumentNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to retrieve document")
		return
	}
	if doc.CurrentStage.IsTerminal() {
		writeError(w, http.StatusConflict, "document already "+string(doc.CurrentStage))
		return
	}

	if err := h.docs.MarkCancelled(ctx, docID); err != nil {
		h.logger.Error("failed to cancel document",
			slog.String("document_id", docID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to cancel document")
		return
	}
	if err := h.state.MarkCancelled(ctx, docID); err != nil {
		h.logger.Warn("failed to cache cancellation flag",
			slog.String("document_id", docID), slog.String("error", err.Error()))
	}

	h.logger.Info("document cancellation requested", slog.String("document_id", docID))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"document_id": docID,
		"status":      "cancelling",
	})
}

// BatchStatusResponse is the GET /batches/{id} response body.
type BatchStatusResponse struct {
	BatchID    string  `json:"batch_id"`
	Total      int     `json:"total"`
	Pending    int     `json:"pending"`
	Processing int     `json:"processing"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Status     string  `json:"status"`
	Percentage float64 `json:"percentage"`
	ParentID   *string `json:"parent_id,omitempty"`
}

// GetBatch handles GET /api/v1/batches/{id}.
func (h *REST) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	batch, err := h.batches.GetBatch(r.Context(), batchID)
	if err != nil {
		var notFound *domain.BatchNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		h.logger.Error("failed to load batch",
			slog.String("batch_id", batchID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve batch")
		return
	}
	writeJSON(w, http.StatusOK, batchResponse(batch))
}

// RecoverBatch handles POST /api/v1/batches/{id}/recover.
func (h *REST) RecoverBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	ctx, span := otel.Tracer("gateway").Start(r.Context(), "gateway.recover_batch")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID))

	recovery, err := h.batches.RecoverFailedBatch(ctx, batchID)
	if err != nil {
		var notFound *domain.BatchNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		// Still-processing, nothing retryable, recovery already running:
		// all client-resolvable states, not server faults.
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	h.logger.Info("batch recovery accepted",
		slog.String("source_batch_id", batchID),
		slog.String("recovery_batch_id", recovery.ID),
	)
	writeJSON(w, http.StatusAccepted, batchResponse(recovery))
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz. Checks cache connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.state.GetStage(ctx, "__readyz__"); err != nil {
		var notFound *domain.DocumentNotFoundError
		if !errors.As(err, &notFound) {
			writeError(w, http.StatusServiceUnavailable, "cache not ready")
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func batchResponse(b *domain.Batch) BatchStatusResponse {
	return BatchStatusResponse{
		BatchID:    b.ID,
		Total:      b.Total,
		Pending:    b.Pending,
		Processing: b.Processing,
		Completed:  b.Completed,
		Failed:     b.Failed,
		Status:     string(b.Status),
		Percentage: b.Percentage(),
		ParentID:   b.ParentID,
	}
}

func parsePriority(s string) (domain.Priority, bool) {
	if s == "" {
		return domain.PriorityNormal, true
	}
	p := domain.Priority(strings.ToLower(s))
	return p, p.Valid()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
