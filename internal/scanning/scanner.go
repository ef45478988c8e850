package scanning

import (
	"context"
	"encoding/json"

	"github.com/zombor/medbill-tracker/internal/extraction"
)

// RemoteRequest identifies the document sent to a remote extractor
type RemoteRequest struct {
	BillID  string
	FileURL string
	UserID  string
	// Document and ContentType are used by extractors that upload the bytes themselves.
	Document    []byte
	ContentType string
}

// RemoteResponse is the reply of a remote extraction service
type RemoteResponse struct {
	Success          bool                         `json:"success"`
	IsMedicalBill    bool                         `json:"isMedicalBill"`
	Confidence       extraction.Confidence        `json:"confidence"`
	ExtractedText    string                       `json:"extractedText"`
	ExtractedData    *extraction.ExtractionResult `json:"-"`
	EnhancedAnalysis json.RawMessage              `json:"enhancedAnalysis,omitempty"`
	Error            string                       `json:"error,omitempty"`
}

// RemoteExtractor produces a structured extraction from a document in one call
type RemoteExtractor interface {
	Extract(ctx context.Context, req RemoteRequest) (*RemoteResponse, error)
}

// Answerer answers a free-form question about an extraction
type Answerer interface {
	Answer(ctx context.Context, question, billContext string) (string, error)
}

// Progress is reported while an OCR engine works
type Progress struct {
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
}

// Progress statuses
const (
	StatusLoading     = "loading model"
	StatusRecognizing = "recognizing"
)

// OCRResult is the text recognized in an image
type OCRResult struct {
	Text string
	// Confidence is the mean word confidence in 0..1, zero when unknown.
	Confidence float64
}

// OCREngine recognizes text in PNG images. Callers own the engine and must Close it.
type OCREngine interface {
	Recognize(ctx context.Context, image []byte, progress func(Progress)) (OCRResult, error)
	Close() error
}

// TextStructurer turns raw OCR text into a structured extraction with a language model
type TextStructurer interface {
	Structure(ctx context.Context, text string) (*extraction.ExtractionResult, error)
}
