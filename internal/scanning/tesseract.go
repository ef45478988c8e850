package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ErrEngineClosed is returned when a closed OCR engine is used
var ErrEngineClosed = errors.New("ocr engine closed")

// TesseractConfig configures the tesseract command line engine
type TesseractConfig struct {
	Binary   string // binary name or absolute path; default "tesseract"
	Language string // default "eng"
	TempDir  string // where images are staged for the command; default os.TempDir()
	Runner   Runner // default ExecRunner
}

// Tesseract recognizes text by shelling out to the tesseract binary.
// Calls are serialized; the binary is probed on first use.
type Tesseract struct {
	cfg TesseractConfig

	mu     sync.Mutex
	ready  bool
	closed bool
}

// NewTesseract creates an engine. No process is started until the first Recognize.
func NewTesseract(cfg TesseractConfig) *Tesseract {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	return &Tesseract{cfg: cfg}
}

// Recognize runs OCR over a PNG image. progress may be nil.
func (t *Tesseract) Recognize(ctx context.Context, image []byte, progress func(Progress)) (OCRResult, error) {
	report := func(status string, p float64) {
		if progress != nil {
			progress(Progress{Status: status, Progress: p})
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return OCRResult{}, ErrEngineClosed
	}
	if !t.ready {
		report(StatusLoading, 0)
		if _, stderr, err := t.cfg.Runner.Run(ctx, t.cfg.Binary, "--version"); err != nil {
			return OCRResult{}, fmt.Errorf("initializing tesseract: %w: %s", err, strings.TrimSpace(string(stderr)))
		}
		t.ready = true
		report(StatusLoading, 1)
	}

	path, cleanup, err := t.stage(image)
	if err != nil {
		return OCRResult{}, err
	}
	defer cleanup()

	report(StatusRecognizing, 0)
	out, stderr, err := t.cfg.Runner.Run(ctx, t.cfg.Binary, path, "stdout", "-l", t.cfg.Language)
	if err != nil {
		return OCRResult{}, fmt.Errorf("running tesseract: %w: %s", err, strings.TrimSpace(string(stderr)))
	}
	report(StatusRecognizing, 0.5)

	confidence, err := t.confidence(ctx, path)
	if err != nil {
		// text is still usable without a confidence figure
		slog.Warn("Failed to compute OCR confidence", "error", err)
	}
	report(StatusRecognizing, 1)

	return OCRResult{
		Text:       strings.TrimSpace(string(out)),
		Confidence: confidence,
	}, nil
}

func (t *Tesseract) stage(image []byte) (string, func(), error) {
	f, err := os.CreateTemp(t.cfg.TempDir, "medbill-ocr-*.png")
	if err != nil {
		return "", nil, fmt.Errorf("creating OCR staging file: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove OCR staging file", "path", f.Name(), "error", err)
		}
	}
	if _, err := f.Write(image); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("writing OCR staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("closing OCR staging file: %w", err)
	}
	return f.Name(), cleanup, nil
}

// tsvConfColumn is the index of the word confidence column in tesseract's TSV output
const tsvConfColumn = 10

// confidence runs tesseract in TSV mode and returns the mean word confidence in 0..1
func (t *Tesseract) confidence(ctx context.Context, path string) (float64, error) {
	out, stderr, err := t.cfg.Runner.Run(ctx, t.cfg.Binary, path, "stdout", "-l", t.cfg.Language, "tsv")
	if err != nil {
		return 0, fmt.Errorf("running tesseract tsv: %w: %s", err, strings.TrimSpace(string(stderr)))
	}
	return meanTSVConfidence(string(out)), nil
}

func meanTSVConfidence(tsv string) float64 {
	var sum, n float64
	for i, line := range strings.Split(tsv, "\n") {
		if i == 0 || line == "" {
			continue // header
		}
		cols := strings.Split(line, "\t")
		if len(cols) <= tsvConfColumn {
			continue
		}
		// -1 marks layout rows (pages, blocks, lines) rather than words
		v, err := strconv.ParseFloat(cols[tsvConfColumn], 64)
		if err != nil || v < 0 {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / n / 100
}

// Close releases the engine; further Recognize calls fail
func (t *Tesseract) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.ready = false
	return nil
}
