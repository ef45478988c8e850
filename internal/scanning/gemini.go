package scanning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

// Gemini extracts bills and answers questions using Google Gemini
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	limiter *rate.Limiter
}

// NewGemini creates a new Gemini client. rps <= 0 disables rate limiting.
func NewGemini(apiKey string, modelName string, rps float64) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)

	return &Gemini{
		client:  client,
		model:   model,
		limiter: newLimiter(rps),
	}, nil
}

// Extract sends the bill image to Gemini and decodes the structured reply
func (g *Gemini) Extract(ctx context.Context, req RemoteRequest) (*RemoteResponse, error) {
	if len(req.Document) == 0 {
		return nil, fmt.Errorf("gemini extraction requires the document bytes")
	}

	pngData, _, err := PrepareImage(req.Document, req.ContentType)
	if err != nil {
		return nil, err
	}

	// genai.ImageData expects just the format suffix, and PrepareImage always yields PNG
	text, err := g.generate(ctx, 60*time.Second,
		genai.ImageData("png", pngData),
		genai.Text(billExtractionPrompt),
	)
	if err != nil {
		return nil, err
	}

	data, err := parseExtraction(text)
	if err != nil {
		return nil, fmt.Errorf("parsing gemini extraction: %w", err)
	}

	return &RemoteResponse{
		Success:       true,
		IsMedicalBill: data.IsMedicalBill,
		Confidence:    data.Confidence,
		ExtractedText: data.ExtractedText,
		ExtractedData: data,
	}, nil
}

// Answer asks Gemini a question about the given bill context
func (g *Gemini) Answer(ctx context.Context, question, billContext string) (string, error) {
	text, err := g.generate(ctx, 30*time.Second,
		genai.Text(answerPrompt),
		genai.Text("Bill data:\n"+billContext),
		genai.Text("Question: "+question),
	)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (g *Gemini) generate(ctx context.Context, timeout time.Duration, parts ...genai.Part) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}
	return responseText.String(), nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
