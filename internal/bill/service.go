package bill

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/medbill-tracker/internal/extraction"
	"github.com/zombor/medbill-tracker/internal/scanning"
)

// IDGenerator generates unique IDs for bills
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// OCRFactory opens an OCR engine for one analysis run. The caller closes it.
type OCRFactory func() (scanning.OCREngine, error)

// Analyzers are the collaborators used to analyze bills. Any of them may be nil.
type Analyzers struct {
	Remote     scanning.RemoteExtractor
	OCR        OCRFactory
	Structurer scanning.TextStructurer
	Answerer   scanning.Answerer
}

// Options tunes analysis
type Options struct {
	// Enhance attaches contextual insights to analysis results returned to callers.
	Enhance bool
	// CrossValidate checks totals against every amount found in the OCR text.
	CrossValidate bool
	// PublicURL is the externally reachable base URL used to build document links for the remote extractor.
	PublicURL string
}

// Service handles bill operations
type Service struct {
	db          DB
	storage     Storage
	analyzers   Analyzers
	opts        Options
	cleaner     *extraction.Cleaner
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with UUID ids and the wall clock
func NewService(db DB, storage Storage, analyzers Analyzers, opts Options) *Service {
	return NewServiceWithDeps(db, storage, analyzers, opts, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, analyzers Analyzers, opts Options, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		analyzers:   analyzers,
		opts:        opts,
		cleaner:     extraction.NewCleanerWithClock(extraction.CleanerOptions{CrossValidate: opts.CrossValidate}, timeSrc.Now),
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	reFilenameChars  = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	reFilenameSpaces = regexp.MustCompile(`\s+`)
)

// sanitizeFilename shortens phone-generated names and drops characters unsafe in a path
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = reFilenameChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(reFilenameSpaces.ReplaceAllString(base, " "))
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "bill"
	}
	return base + ext
}

// UploadBill stores the document and creates a bill awaiting analysis
func (s *Service) UploadBill(userID, filename string, data []byte, contentType string) (*Bill, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("document is empty")
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	savedPath, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	bill := &Bill{
		ID:          id,
		UserID:      userID,
		Filename:    savedPath,
		ContentType: contentType,
		Status:      StatusUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.SaveBill(bill); err != nil {
		if delErr := s.storage.Delete(savedPath); delErr != nil {
			slog.Warn("Failed to clean up file", "filename", savedPath, "error", delErr)
		}
		return nil, fmt.Errorf("saving bill to database: %w", err)
	}

	slog.Info("Bill uploaded", "bill_id", id, "user_id", userID, "content_type", contentType, "size", len(data))
	return bill, nil
}

// GetBill retrieves a bill by ID
func (s *Service) GetBill(id string) (*Bill, error) {
	bill, err := s.db.GetBill(id)
	if err != nil {
		return nil, fmt.Errorf("getting bill: %w", err)
	}
	return bill, nil
}

// ListBills returns the bills of a user, or all bills when userID is empty
func (s *Service) ListBills(userID string) ([]*Bill, error) {
	bills, err := s.db.ListBills(userID)
	if err != nil {
		return nil, fmt.Errorf("listing bills: %w", err)
	}
	return bills, nil
}

// DeleteBill removes a bill, its versions and its file
func (s *Service) DeleteBill(id string) error {
	bill, err := s.db.GetBill(id)
	if err != nil {
		return fmt.Errorf("getting bill for deletion: %w", err)
	}

	if err := s.storage.Delete(bill.Filename); err != nil {
		// the record is still removed; an orphaned file is harmless
		slog.Warn("Failed to delete file", "filename", bill.Filename, "error", err)
	}

	if err := s.db.DeleteBill(id); err != nil {
		return fmt.Errorf("deleting bill from database: %w", err)
	}
	return nil
}

// GetBillFile returns the stored document and its content type
func (s *Service) GetBillFile(id string) ([]byte, string, error) {
	bill, err := s.db.GetBill(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting bill: %w", err)
	}

	data, err := s.storage.Get(bill.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting bill file: %w", err)
	}
	return data, bill.ContentType, nil
}

// ListVersions returns a bill's analysis history, newest first
func (s *Service) ListVersions(billID string) ([]*AnalysisVersion, error) {
	versions, err := s.db.ListVersions(billID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	return versions, nil
}

// LatestVersion returns the newest analysis of a bill
func (s *Service) LatestVersion(billID string) (*AnalysisVersion, error) {
	version, err := s.db.LatestVersion(billID)
	if err != nil {
		return nil, fmt.Errorf("getting latest version: %w", err)
	}
	return version, nil
}

// DeleteVersion removes one analysis version
func (s *Service) DeleteVersion(billID, versionID string) error {
	if err := s.db.DeleteVersion(billID, versionID); err != nil {
		return fmt.Errorf("deleting version: %w", err)
	}
	return nil
}

// SaveProfile creates or replaces a user's profile
func (s *Service) SaveProfile(profile UserProfile) (*UserProfile, error) {
	if strings.TrimSpace(profile.UserID) == "" {
		return nil, fmt.Errorf("user id is required")
	}
	profile.UpdatedAt = s.timeSource.Now()
	if err := s.db.SaveProfile(&profile); err != nil {
		return nil, fmt.Errorf("saving profile: %w", err)
	}
	return &profile, nil
}

// GetProfile returns a user's profile
func (s *Service) GetProfile(userID string) (*UserProfile, error) {
	profile, err := s.db.GetProfile(userID)
	if err != nil {
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	return profile, nil
}

// fileURL is the link handed to the remote extractor, empty when no public URL is configured
func (s *Service) fileURL(billID string) string {
	if s.opts.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(s.opts.PublicURL, "/") + "/api/bills/" + url.PathEscape(billID) + "/file"
}

// IsNotFound reports whether err means a missing bill, version, profile or document
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
