package resource

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/urio/urio/pkg/stores"
	"github.com/urio/urio/pkg/telemetry"
)

// Admitter is the admission front end of the resource store. It computes
// content digests, extracts front matter from textual content, and
// resolves every admission to exactly one stored row per
// (device, digest, uri, size) key.
type Admitter struct {
	store   stores.Store
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewAdmitter creates an admitter backed by the given store. Metrics may
// be nil when no collector is wired.
func NewAdmitter(store stores.Store, logger *telemetry.Logger, metrics *telemetry.Metrics) *Admitter {
	return &Admitter{
		store:   store,
		logger:  logger.NewComponentLogger("resource"),
		metrics: metrics,
	}
}

// AdmitRequest describes one candidate for admission.
type AdmitRequest struct {
	DeviceID  string
	SessionID string
	URI       string
	Nature    string
	Content   []byte
	Actor     string
}

// TransformRequest describes one derived artifact for admission.
type TransformRequest struct {
	ResourceID string
	Nature     string
	Content    []byte
	Actor      string
}

// Digest returns the content digest used for dedup keys: SHA-256,
// lowercase hex.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Admit admits content into the resource store. Identical bytes from the
// same device at the same URI resolve to the already-stored row with
// IsNewRecord false; that outcome is not an error.
func (a *Admitter) Admit(ctx context.Context, req AdmitRequest) (*stores.AdmitOutcome, error) {
	if req.URI == "" {
		return nil, stores.NewValidationError("resource uri is required", nil).
			WithEntity("uniform_resources")
	}

	var span trace.Span
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		ctx, span = tel.Tracer.StartAdmissionSpan(ctx, req.DeviceID, req.URI)
		defer span.End()
	}

	timer := telemetry.NewTimer()

	res := &stores.UniformResource{
		ID:        uuid.New().String(),
		DeviceID:  req.DeviceID,
		SessionID: req.SessionID,
		Digest:    Digest(req.Content),
		URI:       req.URI,
		SizeBytes: int64(len(req.Content)),
		Nature:    req.Nature,
		Content:   req.Content,
	}
	if req.Actor != "" {
		res.CreatedBy = req.Actor
	}

	if isTextual(req.Content) {
		doc, err := ParseFrontMatter(string(req.Content))
		if err != nil {
			// Malformed front matter degrades to plain content, it does
			// not block admission.
			a.logger.WithError(err).WithField("uri", req.URI).
				Debug("front matter unparseable, admitting without attributes")
		} else {
			fm, err := doc.AttributesJSON()
			if err != nil {
				return nil, err
			}
			res.FrontMatter = fm
		}
	}

	outcome, err := a.store.AdmitResource(ctx, res)
	if err != nil {
		if span != nil {
			telemetry.RecordError(span, err)
		}
		if a.metrics != nil {
			var se *stores.StoreError
			if errors.As(err, &se) {
				a.metrics.RecordError(string(se.Class), se.Code)
			}
		}
		return nil, fmt.Errorf("admission failed for %s: %w", req.URI, err)
	}

	label := "duplicate"
	if outcome.IsNewRecord {
		label = "new"
	}
	if span != nil {
		span.SetAttributes(
			telemetry.AttrResourceID.String(outcome.ID),
			telemetry.AttrResourceDigest.String(res.Digest),
			telemetry.AttrAdmitOutcome.String(label),
		)
		telemetry.RecordSuccess(span)
	}
	if a.metrics != nil {
		a.metrics.RecordAdmission(label, res.SizeBytes, timer.Duration())
	}
	a.logger.WithDeviceID(req.DeviceID).WithResourceID(outcome.ID).
		WithField("outcome", label).
		Debugf("admitted %s (%d bytes)", req.URI, res.SizeBytes)

	return outcome, nil
}

// AdmitTransform admits a derived artifact under an existing resource.
// Dedup is keyed on (resource, digest, nature, size) so the same
// derivation of the same content is stored once.
func (a *Admitter) AdmitTransform(ctx context.Context, req TransformRequest) (*stores.AdmitOutcome, error) {
	if req.Nature == "" {
		return nil, stores.NewValidationError("transform nature is required", nil).
			WithEntity("resource_transforms")
	}

	tr := &stores.ResourceTransform{
		ID:         uuid.New().String(),
		ResourceID: req.ResourceID,
		Digest:     Digest(req.Content),
		Nature:     req.Nature,
		SizeBytes:  int64(len(req.Content)),
		Content:    req.Content,
	}
	if req.Actor != "" {
		tr.CreatedBy = req.Actor
	}

	outcome, err := a.store.AdmitTransform(ctx, tr)
	if err != nil {
		return nil, fmt.Errorf("transform admission failed: %w", err)
	}

	label := "duplicate"
	if outcome.IsNewRecord {
		label = "new"
	}
	if a.metrics != nil {
		a.metrics.RecordTransformAdmission(label, req.Nature)
	}

	return outcome, nil
}

// isTextual reports whether content is plausible text: valid UTF-8 with
// no NUL bytes. Binary content skips front matter extraction.
func isTextual(content []byte) bool {
	if len(content) == 0 {
		return false
	}
	if bytes.IndexByte(content, 0) >= 0 {
		return false
	}
	return utf8.Valid(content)
}
