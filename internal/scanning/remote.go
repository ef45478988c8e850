package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/zombor/medbill-tracker/internal/extraction"
)

// HTTPRemote calls a remote AI extraction service and its question-answering endpoint
type HTTPRemote struct {
	extractURL string
	answerURL  string
	client     *http.Client
	limiter    *rate.Limiter
}

// NewHTTPRemote creates a remote client. Either URL may be empty when that capability is unused.
// rps <= 0 disables rate limiting.
func NewHTTPRemote(extractURL, answerURL string, rps float64) (*HTTPRemote, error) {
	if extractURL == "" && answerURL == "" {
		return nil, fmt.Errorf("remote extraction or answer url is required")
	}
	return &HTTPRemote{
		extractURL: extractURL,
		answerURL:  answerURL,
		client: &http.Client{
			Timeout: 120 * time.Second, // document analysis is slow
		},
		limiter: newLimiter(rps),
	}, nil
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

type remoteExtractRequest struct {
	BillID  string `json:"billId"`
	FileURL string `json:"fileUrl"`
	UserID  string `json:"userId"`
}

type remoteExtractResponse struct {
	Success          bool                  `json:"success"`
	IsMedicalBill    bool                  `json:"isMedicalBill"`
	Confidence       extraction.Confidence `json:"confidence"`
	ExtractedText    string                `json:"extractedText"`
	ExtractedData    json.RawMessage       `json:"extractedData"`
	EnhancedAnalysis json.RawMessage       `json:"enhancedAnalysis"`
	Error            string                `json:"error"`
}

// Extract asks the remote service to analyze the document at req.FileURL
func (r *HTTPRemote) Extract(ctx context.Context, req RemoteRequest) (*RemoteResponse, error) {
	if r.extractURL == "" {
		return nil, fmt.Errorf("remote extraction url not configured")
	}

	var resp remoteExtractResponse
	if err := r.post(ctx, r.extractURL, remoteExtractRequest{
		BillID:  req.BillID,
		FileURL: req.FileURL,
		UserID:  req.UserID,
	}, &resp); err != nil {
		return nil, err
	}

	if !resp.Success {
		if resp.Error == "" {
			resp.Error = "unsuccessful response"
		}
		return nil, fmt.Errorf("remote extraction failed: %s", resp.Error)
	}
	if len(resp.ExtractedData) == 0 || string(resp.ExtractedData) == "null" {
		return nil, fmt.Errorf("remote extraction returned no data")
	}

	data, err := extraction.DecodeResult(resp.ExtractedData)
	if err != nil {
		return nil, fmt.Errorf("decoding remote extraction: %w", err)
	}
	if data.ExtractedText == extraction.NotFound || data.ExtractedText == "" {
		data.ExtractedText = resp.ExtractedText
	}

	out := &RemoteResponse{
		Success:       true,
		IsMedicalBill: resp.IsMedicalBill,
		Confidence:    resp.Confidence,
		ExtractedText: resp.ExtractedText,
		ExtractedData: data,
	}
	if len(resp.EnhancedAnalysis) > 0 && string(resp.EnhancedAnalysis) != "null" {
		out.EnhancedAnalysis = resp.EnhancedAnalysis
	}
	return out, nil
}

type answerRequest struct {
	Question string `json:"question"`
	Context  string `json:"context"`
}

type answerResponse struct {
	Summary string `json:"summary"`
	Error   string `json:"error"`
}

// Answer posts the question and extraction context to the remote Q&A endpoint
func (r *HTTPRemote) Answer(ctx context.Context, question, billContext string) (string, error) {
	if r.answerURL == "" {
		return "", fmt.Errorf("remote answer url not configured")
	}

	var resp answerResponse
	if err := r.post(ctx, r.answerURL, answerRequest{Question: question, Context: billContext}, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("remote answer failed: %s", resp.Error)
	}
	return resp.Summary, nil
}

func (r *HTTPRemote) post(ctx context.Context, url string, body, out any) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling remote service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("remote service error (status %d): %s", resp.StatusCode, string(b))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
