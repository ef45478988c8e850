package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/medbill-tracker/internal/extraction"
)

// Ollama structures OCR text and answers questions using a local Ollama model
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates a new Ollama client.
// Text models work well for structuring OCR output:
//   - llama3.1:8b (good balance of accuracy and speed)
//   - qwen2.5:7b (strong at JSON output)
//   - mistral (smaller, faster, less accurate on long bills)
func NewOllama(baseURL string, modelName string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llama3.1:8b"
	}

	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client: &http.Client{
			Timeout: 120 * time.Second, // local models are slow on long bills
		},
	}, nil
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Structure asks the model to turn raw OCR text into an extraction
func (o *Ollama) Structure(ctx context.Context, text string) (*extraction.ExtractionResult, error) {
	content, err := o.chat(ctx, ollamaChatRequest{
		Model:  o.model,
		Format: "json",
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an expert at reading OCR text from medical bills. The text may contain recognition errors; correct obvious ones but never invent values.",
			},
			{
				Role:    "user",
				Content: billExtractionPrompt + "\n\nOCR text:\n" + text,
			},
		},
	})
	if err != nil {
		return nil, err
	}

	data, err := parseExtraction(content)
	if err != nil {
		return nil, fmt.Errorf("parsing ollama extraction: %w", err)
	}
	data.ExtractedText = text
	return data, nil
}

// Answer asks the model a question about the given bill context
func (o *Ollama) Answer(ctx context.Context, question, billContext string) (string, error) {
	content, err := o.chat(ctx, ollamaChatRequest{
		Model: o.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: answerPrompt},
			{Role: "user", Content: "Bill data:\n" + billContext + "\n\nQuestion: " + question},
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

func (o *Ollama) chat(ctx context.Context, reqBody ollamaChatRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return chatResp.Message.Content, nil
}
