package bill

import (
	"time"

	"github.com/zombor/medbill-tracker/internal/extraction"
)

// Status is the lifecycle state of an uploaded bill
type Status string

const (
	StatusUploaded  Status = "uploaded"
	StatusAnalyzing Status = "analyzing"
	StatusAnalyzed  Status = "analyzed"
	StatusError     Status = "error"
)

// VersionStatus is the outcome recorded on an analysis version
type VersionStatus string

const (
	VersionAnalyzed VersionStatus = "analyzed"
	VersionError    VersionStatus = "error"
)

// Bill is an uploaded medical bill. The extraction fields mirror its latest analysis version.
type Bill struct {
	ID               string                       `json:"id"`
	UserID           string                       `json:"user_id"`
	Filename         string                       `json:"filename"`
	ContentType      string                       `json:"content_type"`
	Status           Status                       `json:"status"`
	ExtractedData    *extraction.ExtractionResult `json:"extracted_data,omitempty"`
	ExtractedText    string                       `json:"extracted_text,omitempty"`
	IsMedicalBill    bool                         `json:"is_medical_bill"`
	Confidence       *extraction.Confidence       `json:"confidence,omitempty"`
	ProcessingMethod extraction.ProcessingMethod  `json:"processing_method,omitempty"`
	LatestVersionID  string                       `json:"latest_version_id,omitempty"`
	AnalyzedAt       *time.Time                   `json:"analyzed_at,omitempty"`
	Error            string                       `json:"error,omitempty"`
	CreatedAt        time.Time                    `json:"created_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

// AnalysisVersion is an immutable snapshot of one analysis run
type AnalysisVersion struct {
	ID               string                      `json:"id"` // analysis_NN
	BillID           string                      `json:"bill_id"`
	UserID           string                      `json:"user_id"`
	Version          int                         `json:"version"`
	ExtractedData    extraction.ExtractionResult `json:"extracted_data"`
	ExtractedText    string                      `json:"extracted_text"`
	IsMedicalBill    bool                        `json:"is_medical_bill"`
	Confidence       extraction.Confidence       `json:"confidence"`
	ProcessingMethod extraction.ProcessingMethod `json:"processing_method"`
	AnalyzedAt       time.Time                   `json:"analyzed_at"`
	Status           VersionStatus               `json:"status"`
	Error            string                      `json:"error,omitempty"`
}

// UserProfile holds what a user has told us about themselves
type UserProfile struct {
	UserID            string    `json:"user_id"`
	FullName          string    `json:"full_name"`
	DateOfBirth       string    `json:"date_of_birth"`
	InsuranceProvider string    `json:"insurance_provider"`
	UpdatedAt         time.Time `json:"updated_at"`
}
