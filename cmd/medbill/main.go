package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/medbill-tracker/internal/bill"
	"github.com/zombor/medbill-tracker/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

type config struct {
	remote       string
	remoteURL    string
	remoteRPS    float64
	geminiKey    string
	geminiModel  string
	ocr          string
	tesseract    string
	tesseractLng string
	structurer   string
	ollamaURL    string
	ollamaModel  string
	qa           string
	qaURL        string
	anthropicKey string
	anthropicMdl string
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("medbill")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "medbill.db", "Database file path")
		storagePath   = fs.StringLong("storage", "./bills", "Storage directory path")
		publicURL     = fs.StringLong("public-url", "", "Externally reachable base URL, used to give the remote extractor a link to the document")
		enhance       = fs.BoolLong("enhance", "Attach contextual insights to analysis results")
		crossValidate = fs.BoolLong("cross-validate", "Check extracted totals against the amounts in the OCR text")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion   = fs.BoolLong("version", "Show version information")
	)
	var (
		remoteFlag       = fs.StringLong("remote", "none", "Remote extractor: 'none', 'http' or 'gemini'")
		remoteURLFlag    = fs.StringLong("remote-url", "", "Remote extraction endpoint for --remote=http")
		remoteRPSFlag    = fs.Float64Long("remote-rps", 1, "Requests per second allowed to remote services (0 = unlimited)")
		geminiKeyFlag    = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModelFlag  = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ocrFlag          = fs.StringLong("ocr", "tesseract", "Local OCR engine: 'tesseract' or 'none'")
		tesseractFlag    = fs.StringLong("tesseract", "tesseract", "Path to the tesseract binary")
		tesseractLngFlag = fs.StringLong("tesseract-lang", "eng", "Tesseract language")
		structurerFlag   = fs.StringLong("structurer", "none", "LLM used to structure OCR text: 'none' or 'ollama'")
		ollamaURLFlag    = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModelFlag  = fs.StringLong("ollama-model", "llama3.1:8b", "Ollama model name (e.g., llama3.1:8b, qwen2.5:7b)")
		qaFlag           = fs.StringLong("qa", "none", "Question answering backend: 'none', 'http', 'gemini', 'anthropic' or 'ollama'")
		qaURLFlag        = fs.StringLong("qa-url", "", "Question answering endpoint for --qa=http")
		anthropicKeyFlag = fs.StringLong("anthropic-key", "", "Anthropic API key (or set ANTHROPIC_API_KEY env var)")
		anthropicMdlFlag = fs.StringLong("anthropic-model", "claude-sonnet-4-5", "Anthropic model name")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("MEDBILL"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	cfg := config{
		remote:       *remoteFlag,
		remoteURL:    *remoteURLFlag,
		remoteRPS:    *remoteRPSFlag,
		geminiKey:    *geminiKeyFlag,
		geminiModel:  *geminiModelFlag,
		ocr:          *ocrFlag,
		tesseract:    *tesseractFlag,
		tesseractLng: *tesseractLngFlag,
		structurer:   *structurerFlag,
		ollamaURL:    *ollamaURLFlag,
		ollamaModel:  *ollamaModelFlag,
		qa:           *qaFlag,
		qaURL:        *qaURLFlag,
		anthropicKey: *anthropicKeyFlag,
		anthropicMdl: *anthropicMdlFlag,
	}

	// Initialize database
	slog.Info("Initializing database...")
	db, err := bill.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := bill.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	analyzers, closeAnalyzers, err := buildAnalyzers(cfg)
	if err != nil {
		slog.Error("Failed to initialize analyzers", "error", err)
		os.Exit(1)
	}
	defer closeAnalyzers()

	billService := bill.NewService(db, store, analyzers, bill.Options{
		Enhance:       *enhance,
		CrossValidate: *crossValidate,
		PublicURL:     *publicURL,
	})

	// Initialize server
	basicAuth := bill.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := bill.NewServer(billService, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}

// buildAnalyzers wires the configured collaborators. The returned func releases them.
func buildAnalyzers(cfg config) (bill.Analyzers, func(), error) {
	var (
		analyzers bill.Analyzers
		gemini    *scanning.Gemini
		closers   []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				slog.Warn("Failed to close analyzer", "error", err)
			}
		}
	}

	getGemini := func() (*scanning.Gemini, error) {
		if gemini != nil {
			return gemini, nil
		}
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini API key is required, set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini...", "model", cfg.geminiModel)
		g, err := scanning.NewGemini(apiKey, cfg.geminiModel, cfg.remoteRPS)
		if err != nil {
			return nil, fmt.Errorf("initializing gemini: %w", err)
		}
		gemini = g
		closers = append(closers, g.Close)
		return g, nil
	}

	fail := func(err error) (bill.Analyzers, func(), error) {
		closeAll()
		return bill.Analyzers{}, nil, err
	}

	switch cfg.remote {
	case "none":
	case "http":
		slog.Info("Using remote extractor", "url", cfg.remoteURL)
		r, err := scanning.NewHTTPRemote(cfg.remoteURL, "", cfg.remoteRPS)
		if err != nil {
			return fail(err)
		}
		analyzers.Remote = r
	case "gemini":
		g, err := getGemini()
		if err != nil {
			return fail(err)
		}
		analyzers.Remote = g
	default:
		return fail(fmt.Errorf("invalid remote %q, want none, http or gemini", cfg.remote))
	}

	switch cfg.ocr {
	case "none":
	case "tesseract":
		tcfg := scanning.TesseractConfig{Binary: cfg.tesseract, Language: cfg.tesseractLng}
		analyzers.OCR = func() (scanning.OCREngine, error) {
			return scanning.NewTesseract(tcfg), nil
		}
	default:
		return fail(fmt.Errorf("invalid ocr %q, want tesseract or none", cfg.ocr))
	}

	var ollama *scanning.Ollama
	getOllama := func() (*scanning.Ollama, error) {
		if ollama != nil {
			return ollama, nil
		}
		slog.Info("Initializing Ollama...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		o, err := scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
		if err != nil {
			return nil, fmt.Errorf("initializing ollama: %w", err)
		}
		ollama = o
		return o, nil
	}

	switch cfg.structurer {
	case "none":
	case "ollama":
		o, err := getOllama()
		if err != nil {
			return fail(err)
		}
		analyzers.Structurer = o
	default:
		return fail(fmt.Errorf("invalid structurer %q, want none or ollama", cfg.structurer))
	}

	switch cfg.qa {
	case "none":
	case "http":
		r, err := scanning.NewHTTPRemote("", cfg.qaURL, cfg.remoteRPS)
		if err != nil {
			return fail(err)
		}
		analyzers.Answerer = r
	case "gemini":
		g, err := getGemini()
		if err != nil {
			return fail(err)
		}
		analyzers.Answerer = g
	case "anthropic":
		apiKey := cfg.anthropicKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		a, err := scanning.NewAnthropic(apiKey, cfg.anthropicMdl, cfg.remoteRPS)
		if err != nil {
			return fail(err)
		}
		analyzers.Answerer = a
	case "ollama":
		o, err := getOllama()
		if err != nil {
			return fail(err)
		}
		analyzers.Answerer = o
	default:
		return fail(fmt.Errorf("invalid qa %q, want none, http, gemini, anthropic or ollama", cfg.qa))
	}

	return analyzers, closeAll, nil
}
