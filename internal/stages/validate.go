package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

// supportedTypes are the intake formats the OCR provider accepts.
var supportedTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/tiff":      true,
	"text/plain":      true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

// Validate is the intake stage: it confirms the uploaded blob is present,
// non-empty, within size limits, and of a supported type.
type Validate struct {
	env *Env
}

// NewValidate creates the VALIDATING executor.
func NewValidate(env *Env) *Validate { return &Validate{env: env} }

func (v *Validate) Stage() domain.Stage { return domain.StageValidating }

func (v *Validate) Execute(ctx context.Context, doc *domain.Document) domain.StageOutcome {
	ct := strings.ToLower(strings.TrimSpace(doc.ContentType))
	if !supportedTypes[ct] {
		return failure(domain.ResourceFailure("UNSUPPORTED_FORMAT",
			fmt.Errorf("content type %q", doc.ContentType)))
	}
	if v.env.MaxDocumentBytes > 0 && doc.SizeBytes > v.env.MaxDocumentBytes {
		return failure(domain.ResourceFailure("FILE_TOO_LARGE",
			fmt.Errorf("%d bytes exceeds limit %d", doc.SizeBytes, v.env.MaxDocumentBytes)))
	}

	data, err := v.env.Blob.Get(ctx, doc.BlobRef)
	if err != nil {
		return failure(domain.Transient("BLOB_UNREACHABLE", err))
	}
	if len(data) == 0 {
		return failure(domain.DataFailure("EMPTY_DOCUMENT", nil))
	}

	v.env.Logger.Debug("document validated",
		slog.String("document_id", doc.ID),
		slog.String("content_type", ct),
		slog.Int64("size_bytes", doc.SizeBytes),
	)
	return domain.Advance(domain.StageOCRSubmitted)
}
