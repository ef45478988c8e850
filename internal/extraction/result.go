package extraction

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// NotFound marks a field the extraction could not resolve.
	NotFound = "Not found"
	// Dash is the short absence marker some tiers emit.
	Dash = "-"
)

// ProcessingMethod identifies the tier that last wrote a result
type ProcessingMethod string

const (
	MethodServer         ProcessingMethod = "server"
	MethodEnhancedAI     ProcessingMethod = "enhanced-ai"
	MethodClient         ProcessingMethod = "client"
	MethodClientOpenAI   ProcessingMethod = "client-openai"
	MethodClientFallback ProcessingMethod = "client-fallback"
	MethodFallback       ProcessingMethod = "fallback"
	MethodError          ProcessingMethod = "error"
)

// Confidence tiers produced by the verification heuristic
const (
	TierLow    = "low"
	TierMedium = "medium"
	TierHigh   = "high"
)

// Confidence is either a tier (heuristic tiers) or a score in 0..1 (AI and fallback tiers).
// It marshals as a JSON string or number accordingly.
type Confidence struct {
	Tier  string
	Score float64
}

// TierConfidence returns a tier-valued confidence
func TierConfidence(tier string) Confidence {
	return Confidence{Tier: tier}
}

// ScoreConfidence returns a numeric confidence clamped to 0..1
func ScoreConfidence(score float64) Confidence {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return Confidence{Score: score}
}

// IsTier reports whether the confidence is tier-valued
func (c Confidence) IsTier() bool {
	return c.Tier != ""
}

func (c Confidence) String() string {
	if c.IsTier() {
		return c.Tier
	}
	return strconv.FormatFloat(c.Score, 'f', -1, 64)
}

// MarshalJSON implements json.Marshaler
func (c Confidence) MarshalJSON() ([]byte, error) {
	if c.IsTier() {
		return json.Marshal(c.Tier)
	}
	return json.Marshal(c.Score)
}

// UnmarshalJSON accepts a tier string, a numeric string, or a number
func (c *Confidence) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = Confidence{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.ToLower(strings.TrimSpace(s))
		switch s {
		case TierLow, TierMedium, TierHigh:
			*c = TierConfidence(s)
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid confidence %q", s)
		}
		*c = ScoreConfidence(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("invalid confidence: %w", err)
	}
	*c = ScoreConfidence(f)
	return nil
}

// PatientInfo identifies the billed patient
type PatientInfo struct {
	FullName      string `json:"fullName"`
	DateOfBirth   string `json:"dateOfBirth"`
	AccountNumber string `json:"accountNumber"`
	InsuranceInfo string `json:"insuranceInfo"`
}

// BillInfo holds bill-level amounts and dates
type BillInfo struct {
	TotalAmount  string `json:"totalAmount"`
	ServiceDates string `json:"serviceDates"`
	DueDate      string `json:"dueDate"`
	FacilityName string `json:"facilityName"`
	Provider     string `json:"provider"`
}

// ServiceLine is one billed line item
type ServiceLine struct {
	Description        string `json:"description"`
	Code               string `json:"code"`
	Amount             string `json:"amount"`
	Details            string `json:"details"`
	CodeValidationNote string `json:"codeValidationNote,omitempty"`
}

// InsuranceInfo holds the insurance split of the bill
type InsuranceInfo struct {
	AmountCovered         string `json:"amountCovered"`
	PatientResponsibility string `json:"patientResponsibility"`
	Adjustments           string `json:"adjustments"`
	Type                  string `json:"type"`
}

// DiagnosticCode is an ICD-10-like code with an optional format note
type DiagnosticCode struct {
	Code           string `json:"code"`
	ValidationNote string `json:"validationNote,omitempty"`
}

// UnmarshalJSON accepts either a bare code string or an object
func (d *DiagnosticCode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*d = DiagnosticCode{Code: s}
		return nil
	}
	type plain DiagnosticCode
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*d = DiagnosticCode(p)
	return nil
}

// CodeMatch is a medical-code-shaped token found in text
type CodeMatch struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// Code types
const (
	CodeCPT   = "CPT"
	CodeHCPCS = "HCPCS"
	CodeICD10 = "ICD-10"
)

// NumericalData is the exhaustive pattern pass over the raw text
type NumericalData struct {
	AllAmounts []string    `json:"allAmounts"`
	AllDates   []string    `json:"allDates"`
	AllCodes   []CodeMatch `json:"allCodes"`
}

// Verification explains the medical-bill classification
type Verification struct {
	IsMedicalBill bool     `json:"isMedicalBill"`
	Confidence    string   `json:"confidence"`
	MatchCount    int      `json:"matchCount"`
	MatchedTerms  []string `json:"matchedTerms"`
	Reason        string   `json:"reason"`
}

// TierAttempt records one tier of an orchestration run
type TierAttempt struct {
	Tier  string `json:"tier"`
	Error string `json:"error,omitempty"`
}

// AnalysisMetadata carries provenance for a result
type AnalysisMetadata struct {
	ProcessingMethod ProcessingMethod `json:"processingMethod"`
	States           []string         `json:"states,omitempty"`
	Attempts         []TierAttempt    `json:"attempts,omitempty"`
	StartedAt        time.Time        `json:"startedAt"`
	CompletedAt      time.Time        `json:"completedAt"`
	SampleData       bool             `json:"sampleData,omitempty"`
	EnhancedAnalysis json.RawMessage  `json:"enhancedAnalysis,omitempty"`
}

// ServiceAggregate aggregates one service code across bills
type ServiceAggregate struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Occurrences int    `json:"occurrences"`
	TotalAmount string `json:"totalAmount"`
}

// PriceVariation summarizes observed prices for a code
type PriceVariation struct {
	Min     string `json:"min"`
	Max     string `json:"max"`
	Average string `json:"average"`
	Spread  string `json:"spread"`
}

// ProviderPattern aggregates bills per provider
type ProviderPattern struct {
	BillCount   int    `json:"billCount"`
	TotalAmount string `json:"totalAmount"`
}

// ConfidenceScores are completeness scores from the contextual pass
type ConfidenceScores struct {
	PatientInfo float64 `json:"patientInfo"`
	Services    float64 `json:"services"`
	Financial   float64 `json:"financial"`
	Overall     float64 `json:"overall"`
}

// ContextualInsights is the cross-bill output of the enhancement layer
type ContextualInsights struct {
	BackfilledFields  []string                    `json:"backfilledFields,omitempty"`
	RelatedServices   map[string]ServiceAggregate `json:"relatedServices"`
	RecurringServices []string                    `json:"recurringServices"`
	PriceVariations   map[string]PriceVariation   `json:"priceVariations"`
	ProviderPatterns  map[string]ProviderPattern  `json:"providerPatterns"`
	ConfidenceScores  ConfidenceScores            `json:"confidenceScores"`
	Recommendations   []string                    `json:"recommendations"`
}

// ExtractionResult is the canonical structured record produced by every tier
type ExtractionResult struct {
	PatientInfo         PatientInfo         `json:"patientInfo"`
	BillInfo            BillInfo            `json:"billInfo"`
	Services            []ServiceLine       `json:"services"`
	InsuranceInfo       InsuranceInfo       `json:"insuranceInfo"`
	DiagnosticCodes     []DiagnosticCode    `json:"diagnosticCodes"`
	IsMedicalBill       bool                `json:"isMedicalBill"`
	Confidence          Confidence          `json:"confidence"`
	ProcessingMethod    ProcessingMethod    `json:"processingMethod"`
	ExtractedText       string              `json:"extractedText"`
	NumericalData       *NumericalData      `json:"numericalData,omitempty"`
	Verification        *Verification       `json:"verification,omitempty"`
	TotalAmountVerified *bool               `json:"totalAmountVerified,omitempty"`
	ProcessingErrors    []string            `json:"processingErrors,omitempty"`
	ContextualInsights  *ContextualInsights `json:"contextualInsights,omitempty"`
	AnalysisMetadata    *AnalysisMetadata   `json:"analysisMetadata,omitempty"`
}

// PlaceholderService is the single entry used when no line items were found
func PlaceholderService() ServiceLine {
	return ServiceLine{
		Description: NotFound,
		Code:        NotFound,
		Amount:      NotFound,
		Details:     NotFound,
	}
}

// IsSentinel reports whether v denotes an absent value
func IsSentinel(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || v == Dash || strings.EqualFold(v, NotFound) || strings.EqualFold(v, "null") ||
		strings.EqualFold(v, "n/a")
}

func defaultString(v *string) {
	if strings.TrimSpace(*v) == "" {
		*v = NotFound
	}
}

// ApplyDefaults fills every unresolved field with the NotFound sentinel and guarantees a non-empty service list.
func (r *ExtractionResult) ApplyDefaults() {
	for _, f := range []*string{
		&r.PatientInfo.FullName, &r.PatientInfo.DateOfBirth, &r.PatientInfo.AccountNumber, &r.PatientInfo.InsuranceInfo,
		&r.BillInfo.TotalAmount, &r.BillInfo.ServiceDates, &r.BillInfo.DueDate, &r.BillInfo.FacilityName, &r.BillInfo.Provider,
		&r.InsuranceInfo.AmountCovered, &r.InsuranceInfo.PatientResponsibility, &r.InsuranceInfo.Adjustments, &r.InsuranceInfo.Type,
	} {
		defaultString(f)
	}

	services := make([]ServiceLine, 0, len(r.Services))
	for _, s := range r.Services {
		if IsSentinel(s.Description) && IsSentinel(s.Amount) && IsSentinel(s.Code) {
			continue
		}
		defaultString(&s.Description)
		defaultString(&s.Code)
		defaultString(&s.Amount)
		defaultString(&s.Details)
		services = append(services, s)
	}
	if len(services) == 0 {
		services = append(services, PlaceholderService())
	}
	r.Services = services

	if r.DiagnosticCodes == nil {
		r.DiagnosticCodes = []DiagnosticCode{}
	}
	if r.ProcessingMethod == "" {
		r.ProcessingMethod = MethodClient
	}
}

// Clone returns a deep copy of the result
func (r ExtractionResult) Clone() ExtractionResult {
	out := r
	out.Services = append(make([]ServiceLine, 0, len(r.Services)), r.Services...)
	out.DiagnosticCodes = append(make([]DiagnosticCode, 0, len(r.DiagnosticCodes)), r.DiagnosticCodes...)
	if r.ProcessingErrors != nil {
		out.ProcessingErrors = append(make([]string, 0, len(r.ProcessingErrors)), r.ProcessingErrors...)
	}
	if r.NumericalData != nil {
		nd := NumericalData{
			AllAmounts: append([]string{}, r.NumericalData.AllAmounts...),
			AllDates:   append([]string{}, r.NumericalData.AllDates...),
			AllCodes:   append([]CodeMatch{}, r.NumericalData.AllCodes...),
		}
		out.NumericalData = &nd
	}
	if r.Verification != nil {
		v := *r.Verification
		v.MatchedTerms = append([]string{}, r.Verification.MatchedTerms...)
		out.Verification = &v
	}
	if r.TotalAmountVerified != nil {
		b := *r.TotalAmountVerified
		out.TotalAmountVerified = &b
	}
	if r.ContextualInsights != nil {
		ci := cloneInsights(*r.ContextualInsights)
		out.ContextualInsights = &ci
	}
	if r.AnalysisMetadata != nil {
		md := *r.AnalysisMetadata
		md.States = append([]string(nil), r.AnalysisMetadata.States...)
		md.Attempts = append([]TierAttempt(nil), r.AnalysisMetadata.Attempts...)
		md.EnhancedAnalysis = append(json.RawMessage(nil), r.AnalysisMetadata.EnhancedAnalysis...)
		out.AnalysisMetadata = &md
	}
	return out
}

func cloneInsights(ci ContextualInsights) ContextualInsights {
	out := ci
	out.BackfilledFields = append([]string(nil), ci.BackfilledFields...)
	out.RecurringServices = append([]string{}, ci.RecurringServices...)
	out.Recommendations = append([]string{}, ci.Recommendations...)
	out.RelatedServices = make(map[string]ServiceAggregate, len(ci.RelatedServices))
	for k, v := range ci.RelatedServices {
		out.RelatedServices[k] = v
	}
	out.PriceVariations = make(map[string]PriceVariation, len(ci.PriceVariations))
	for k, v := range ci.PriceVariations {
		out.PriceVariations[k] = v
	}
	out.ProviderPatterns = make(map[string]ProviderPattern, len(ci.ProviderPatterns))
	for k, v := range ci.ProviderPatterns {
		out.ProviderPatterns[k] = v
	}
	return out
}
