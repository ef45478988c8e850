package bill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/medbill-tracker/internal/extraction"
	"github.com/zombor/medbill-tracker/internal/insights"
	"github.com/zombor/medbill-tracker/internal/scanning"
)

var (
	// ErrRetryable marks a failed analysis whose result could not be persisted. Running it again is safe.
	ErrRetryable = errors.New("analysis failed, retry")
	// ErrNoAnswerer is returned by Ask when no question-answering backend is configured
	ErrNoAnswerer = errors.New("no question answering backend configured")
)

// AnalyzeOptions controls a single analysis request
type AnalyzeOptions struct {
	// Force runs a new analysis even when the bill already has one.
	Force bool
}

type analysisState string

const (
	stateIdle          analysisState = "idle"
	stateServerAttempt analysisState = "serverAttempt"
	stateClientAttempt analysisState = "clientAttempt"
	stateFallback      analysisState = "fallback"
	stateComplete      analysisState = "complete"
	stateError         analysisState = "error"
)

const (
	tierServer = "server"
	tierClient = "client"
)

// trace records the path one analysis run took
type trace struct {
	billID   string
	states   []string
	attempts []extraction.TierAttempt
}

func (t *trace) enter(state analysisState) {
	t.states = append(t.states, string(state))
	slog.Debug("Analysis state", "bill_id", t.billID, "state", state)
}

func (t *trace) failed(tier string, err error) {
	t.attempts = append(t.attempts, extraction.TierAttempt{Tier: tier, Error: err.Error()})
	slog.Warn("Extraction tier failed", "bill_id", t.billID, "tier", tier, "error", err)
}

func (t *trace) succeeded(tier string) {
	t.attempts = append(t.attempts, extraction.TierAttempt{Tier: tier})
}

// Analyze extracts structured data from a bill and stores it as a new analysis version.
// Unless opts.Force is set, a bill that was already analyzed returns its latest version.
// Every extraction failure degrades to the next tier; only persistence failures are returned.
func (s *Service) Analyze(ctx context.Context, billID, userID string, opts AnalyzeOptions) (*AnalysisVersion, error) {
	bill, err := s.db.GetBill(billID)
	if err != nil {
		return nil, fmt.Errorf("getting bill: %w", err)
	}
	if userID != "" && bill.UserID != userID {
		return nil, fmt.Errorf("bill %s for user %s: %w", billID, userID, ErrNotFound)
	}

	t := &trace{billID: billID}
	t.enter(stateIdle)

	if !opts.Force {
		latest, err := s.db.LatestVersion(billID)
		switch {
		case err == nil && latest.Status == VersionAnalyzed:
			slog.Info("Returning existing analysis", "bill_id", billID, "version_id", latest.ID)
			return s.present(ctx, bill, latest), nil
		case err == nil:
			slog.Info("Latest analysis failed, analyzing again", "bill_id", billID, "version_id", latest.ID, "status", latest.Status)
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("getting latest version: %w", err)
		}
	}

	startedAt := s.timeSource.Now()
	if _, err := s.db.UpdateBill(billID, func(b *Bill) error {
		b.Status = StatusAnalyzing
		b.UpdatedAt = startedAt
		return nil
	}); err != nil {
		slog.Warn("Failed to mark bill as analyzing", "bill_id", billID, "error", err)
	}

	doc, err := s.storage.Get(bill.Filename)
	if err != nil {
		slog.Warn("Failed to load bill document", "bill_id", billID, "filename", bill.Filename, "error", err)
	}

	result := s.extract(ctx, t, bill, doc)
	t.enter(stateComplete)
	result.AnalysisMetadata = &extraction.AnalysisMetadata{
		ProcessingMethod: result.ProcessingMethod,
		States:           t.states,
		Attempts:         t.attempts,
		StartedAt:        startedAt,
		CompletedAt:      s.timeSource.Now(),
		SampleData:       result.ProcessingMethod == extraction.MethodFallback,
		EnhancedAnalysis: enhancedAnalysis(result),
	}

	version, err := s.persist(bill, result)
	if err != nil {
		return nil, err
	}

	slog.Info("Bill analyzed", "bill_id", billID, "version_id", version.ID, "processing_method", version.ProcessingMethod,
		"is_medical_bill", version.IsMedicalBill, "confidence", version.Confidence.String())
	return s.present(ctx, bill, version), nil
}

// extract walks the tiers in order and always produces a result
func (s *Service) extract(ctx context.Context, t *trace, bill *Bill, doc []byte) extraction.ExtractionResult {
	if s.analyzers.Remote != nil {
		t.enter(stateServerAttempt)
		result, err := s.serverAttempt(ctx, bill, doc)
		if err == nil {
			t.succeeded(tierServer)
			return s.cleaner.Clean(*result, "")
		}
		t.failed(tierServer, err)
	}

	t.enter(stateClientAttempt)
	result, err := s.clientAttempt(ctx, doc, bill.ContentType)
	if err == nil {
		t.succeeded(tierClient)
		return s.cleaner.Clean(*result, result.ExtractedText)
	}
	t.failed(tierClient, err)

	t.enter(stateFallback)
	slog.Warn("All extraction tiers failed, storing sample data", "bill_id", bill.ID)
	return extraction.Placeholder("")
}

// serverAttempt asks the remote extractor for a complete extraction
func (s *Service) serverAttempt(ctx context.Context, bill *Bill, doc []byte) (*extraction.ExtractionResult, error) {
	resp, err := s.analyzers.Remote.Extract(ctx, scanning.RemoteRequest{
		BillID:      bill.ID,
		FileURL:     s.fileURL(bill.ID),
		UserID:      bill.UserID,
		Document:    doc,
		ContentType: bill.ContentType,
	})
	if err != nil {
		return nil, fmt.Errorf("calling remote extractor: %w", err)
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "remote extractor reported failure"
		}
		return nil, errors.New(msg)
	}
	if resp.ExtractedData == nil {
		return nil, errors.New("remote extractor returned no extraction")
	}

	result := resp.ExtractedData.Clone()
	result.IsMedicalBill = resp.IsMedicalBill
	result.Confidence = resp.Confidence
	if resp.ExtractedText != "" {
		result.ExtractedText = resp.ExtractedText
	}
	result.ProcessingMethod = extraction.MethodServer
	if len(resp.EnhancedAnalysis) > 0 {
		result.ProcessingMethod = extraction.MethodEnhancedAI
		result.AnalysisMetadata = &extraction.AnalysisMetadata{EnhancedAnalysis: resp.EnhancedAnalysis}
	}
	return &result, nil
}

// clientAttempt runs local OCR and the heuristic extractor, optionally refined by a text structurer.
// The OCR engine lives only for this call.
func (s *Service) clientAttempt(ctx context.Context, doc []byte, contentType string) (*extraction.ExtractionResult, error) {
	if s.analyzers.OCR == nil {
		return nil, errors.New("no OCR engine configured")
	}
	if len(doc) == 0 {
		return nil, errors.New("document is unavailable")
	}

	img, converted, err := scanning.PrepareImage(doc, contentType)
	if err != nil {
		return nil, fmt.Errorf("preparing image: %w", err)
	}
	if converted {
		slog.Debug("Converted document for OCR", "content_type", contentType)
	}

	engine, err := s.analyzers.OCR()
	if err != nil {
		return nil, fmt.Errorf("opening OCR engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			slog.Warn("Failed to close OCR engine", "error", err)
		}
	}()

	ocr, err := engine.Recognize(ctx, img, func(p scanning.Progress) {
		slog.Debug("OCR progress", "status", p.Status, "progress", p.Progress)
	})
	if err != nil {
		return nil, fmt.Errorf("recognizing text: %w", err)
	}
	if strings.TrimSpace(ocr.Text) == "" {
		return nil, errors.New("OCR produced no text")
	}

	heuristic := extraction.Extract(ocr.Text)
	if s.analyzers.Structurer == nil {
		return &heuristic, nil
	}

	structured, err := s.analyzers.Structurer.Structure(ctx, ocr.Text)
	if err != nil {
		slog.Warn("Text structuring failed, keeping heuristic extraction", "error", err)
		heuristic.ProcessingMethod = extraction.MethodClientFallback
		return &heuristic, nil
	}

	result := structured.Clone()
	result.ProcessingMethod = extraction.MethodClientOpenAI
	result.ExtractedText = ocr.Text
	result.IsMedicalBill = heuristic.IsMedicalBill
	result.Confidence = heuristic.Confidence
	result.NumericalData = heuristic.NumericalData
	result.Verification = heuristic.Verification
	return &result, nil
}

func enhancedAnalysis(r extraction.ExtractionResult) json.RawMessage {
	if r.AnalysisMetadata == nil {
		return nil
	}
	return r.AnalysisMetadata.EnhancedAnalysis
}

// persist stores the version and mirrors it onto the bill
func (s *Service) persist(bill *Bill, result extraction.ExtractionResult) (*AnalysisVersion, error) {
	now := s.timeSource.Now()
	version, err := s.db.CreateVersion(bill.ID, &AnalysisVersion{
		BillID:           bill.ID,
		UserID:           bill.UserID,
		ExtractedData:    result,
		ExtractedText:    result.ExtractedText,
		IsMedicalBill:    result.IsMedicalBill,
		Confidence:       result.Confidence,
		ProcessingMethod: result.ProcessingMethod,
		AnalyzedAt:       now,
		Status:           VersionAnalyzed,
	})
	if err != nil {
		if _, uerr := s.db.UpdateBill(bill.ID, func(b *Bill) error {
			b.Status = StatusError
			b.ProcessingMethod = extraction.MethodError
			b.Error = err.Error()
			b.UpdatedAt = now
			return nil
		}); uerr != nil {
			slog.Warn("Failed to record analysis error on bill", "bill_id", bill.ID, "error", uerr)
		}
		return nil, fmt.Errorf("%w: saving analysis version: %w", ErrRetryable, err)
	}

	_, err = s.db.UpdateBill(bill.ID, func(b *Bill) error {
		data := version.ExtractedData.Clone()
		confidence := version.Confidence
		analyzedAt := version.AnalyzedAt
		b.Status = StatusAnalyzed
		b.ExtractedData = &data
		b.ExtractedText = version.ExtractedText
		b.IsMedicalBill = version.IsMedicalBill
		b.Confidence = &confidence
		b.ProcessingMethod = version.ProcessingMethod
		b.LatestVersionID = version.ID
		b.AnalyzedAt = &analyzedAt
		b.Error = ""
		b.UpdatedAt = now
		return nil
	})
	if err != nil {
		msg := fmt.Sprintf("updating bill: %v", err)
		if merr := s.db.MarkVersionError(bill.ID, version.ID, msg); merr != nil {
			slog.Error("Failed to mark version as error", "bill_id", bill.ID, "version_id", version.ID, "error", merr)
		}
		slog.Error("Analysis stored but bill not updated", "bill_id", bill.ID, "version_id", version.ID, "state", stateError, "error", err)
		return nil, fmt.Errorf("%w: updating bill after version %s: %w", ErrRetryable, version.ID, err)
	}
	return version, nil
}

// present returns a copy of version whose extraction carries contextual insights when enhancement is enabled
func (s *Service) present(ctx context.Context, bill *Bill, version *AnalysisVersion) *AnalysisVersion {
	if !s.opts.Enhance {
		return version
	}
	c, err := s.loadContext(ctx, bill, version.ID)
	if err != nil {
		slog.Warn("Failed to load insight context", "bill_id", bill.ID, "error", err)
		return version
	}
	out := *version
	out.ExtractedData = insights.Enhance(version.ExtractedData, c)
	return &out
}

// Insights returns the latest extraction of a bill enhanced with the user's history
func (s *Service) Insights(ctx context.Context, billID string) (*extraction.ExtractionResult, error) {
	bill, err := s.db.GetBill(billID)
	if err != nil {
		return nil, fmt.Errorf("getting bill: %w", err)
	}
	latest, err := s.db.LatestVersion(billID)
	if err != nil {
		return nil, fmt.Errorf("getting latest version: %w", err)
	}

	c, err := s.loadContext(ctx, bill, latest.ID)
	if err != nil {
		return nil, err
	}
	result := insights.Enhance(latest.ExtractedData, c)
	return &result, nil
}

// loadContext gathers earlier versions of the bill, the user's other bills and their profile concurrently
func (s *Service) loadContext(ctx context.Context, bill *Bill, currentVersionID string) (insights.Context, error) {
	var (
		previous []extraction.ExtractionResult
		related  []extraction.ExtractionResult
		profile  *insights.Profile
	)
	if err := ctx.Err(); err != nil {
		return insights.Context{}, err
	}

	var g errgroup.Group
	g.Go(func() error {
		versions, err := s.db.ListVersions(bill.ID)
		if err != nil {
			return fmt.Errorf("listing versions: %w", err)
		}
		for _, v := range versions {
			if v.ID == currentVersionID || v.Status == VersionError {
				continue
			}
			previous = append(previous, v.ExtractedData)
		}
		return nil
	})
	g.Go(func() error {
		bills, err := s.db.ListBills(bill.UserID)
		if err != nil {
			return fmt.Errorf("listing user bills: %w", err)
		}
		for _, other := range bills {
			if other.ID == bill.ID || other.ExtractedData == nil {
				continue
			}
			related = append(related, *other.ExtractedData)
		}
		return nil
	})
	g.Go(func() error {
		p, err := s.db.GetProfile(bill.UserID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("getting profile: %w", err)
		}
		profile = &insights.Profile{
			FullName:          p.FullName,
			DateOfBirth:       p.DateOfBirth,
			InsuranceProvider: p.InsuranceProvider,
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return insights.Context{}, err
	}

	return insights.Context{PreviousAnalyses: previous, RelatedBills: related, UserProfile: profile}, nil
}

// Ask answers a question about the latest analysis of a bill
func (s *Service) Ask(ctx context.Context, billID, question string) (string, error) {
	if s.analyzers.Answerer == nil {
		return "", ErrNoAnswerer
	}
	if strings.TrimSpace(question) == "" {
		return "", fmt.Errorf("question is required")
	}

	latest, err := s.db.LatestVersion(billID)
	if err != nil {
		return "", fmt.Errorf("getting latest version: %w", err)
	}

	data := latest.ExtractedData.Clone()
	data.ExtractedText = ""
	data.NumericalData = nil
	billContext, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshaling bill context: %w", err)
	}

	answer, err := s.analyzers.Answerer.Answer(ctx, question, string(billContext))
	if err != nil {
		return "", fmt.Errorf("answering question: %w", err)
	}
	return answer, nil
}
