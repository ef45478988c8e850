package extraction

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	reTrailingSeparator = regexp.MustCompile(`(?i)(?:[\s,;:]+(?:number|dob|date|account|id|paflent|pat|mrn)|[\s,;:]*#)[\s,;:.]*$`)
	reNonNameChars      = regexp.MustCompile(`[^A-Za-z\s.'-]`)
	reLabelWords        = regexp.MustCompile(`(?i)\b(?:patient|name|ptname)\b`)
	reSpaces            = regexp.MustCompile(`\s+`)

	reCPTFormat   = regexp.MustCompile(`^\d{5}$`)
	reHCPCSFormat = regexp.MustCompile(`^[A-Z]\d{4}$`)
	reICD10Format = regexp.MustCompile(`^[A-Z]\d+(?:\.\d+)?$`)

	reDateParts = regexp.MustCompile(`^(\d{1,2})[/\-.](\d{1,2})[/\-.](\d{2}|\d{4})$`)
	reISODate   = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`)
	reDateRange = regexp.MustCompile(`(?i)\s+(?:-|to)\s+`)
)

// CleanerOptions selects the optional passes of the cleaner
type CleanerOptions struct {
	// CrossValidate checks the total against every amount found in the raw text.
	CrossValidate bool
}

// Cleaner normalizes results from any tier. It never mutates its input.
type Cleaner struct {
	opts CleanerOptions
	now  func() time.Time
}

// NewCleaner creates a Cleaner using the wall clock for century inference
func NewCleaner(opts CleanerOptions) *Cleaner {
	return NewCleanerWithClock(opts, time.Now)
}

// NewCleanerWithClock creates a Cleaner with a custom clock for testing
func NewCleanerWithClock(opts CleanerOptions, now func() time.Time) *Cleaner {
	return &Cleaner{opts: opts, now: now}
}

// Clean returns a normalized copy of result. rawText is the original OCR text; when empty,
// result.ExtractedText is used instead.
func (c *Cleaner) Clean(result ExtractionResult, rawText string) ExtractionResult {
	out := result.Clone()
	out.ApplyDefaults()
	if rawText == "" {
		rawText = out.ExtractedText
	}

	out.PatientInfo.FullName = CleanName(out.PatientInfo.FullName)
	out.PatientInfo.DateOfBirth = c.StandardizeDate(out.PatientInfo.DateOfBirth)

	out.BillInfo.TotalAmount = c.cleanAmount(&out, "totalAmount", out.BillInfo.TotalAmount)
	out.BillInfo.ServiceDates = c.StandardizeDateRange(out.BillInfo.ServiceDates)
	out.BillInfo.DueDate = c.StandardizeDate(out.BillInfo.DueDate)

	out.InsuranceInfo.AmountCovered = c.cleanAmount(&out, "amountCovered", out.InsuranceInfo.AmountCovered)
	out.InsuranceInfo.PatientResponsibility = c.cleanAmount(&out, "patientResponsibility", out.InsuranceInfo.PatientResponsibility)
	out.InsuranceInfo.Adjustments = c.cleanAmount(&out, "adjustments", out.InsuranceInfo.Adjustments)

	for i := range out.Services {
		svc := &out.Services[i]
		svc.Amount = c.cleanAmount(&out, fmt.Sprintf("services[%d].amount", i), svc.Amount)
		svc.Code = strings.ToUpper(strings.TrimSpace(svc.Code))
		if IsSentinel(svc.Code) {
			svc.Code = NotFound
		}
		svc.CodeValidationNote = ValidateServiceCode(svc.Code)
		if svc.CodeValidationNote != "" {
			slog.Warn("Unrecognized service code format", "code", svc.Code, "description", svc.Description)
		}
	}

	out.DiagnosticCodes = cleanDiagnosticCodes(out.DiagnosticCodes)

	if c.opts.CrossValidate && strings.TrimSpace(rawText) != "" {
		c.crossValidateTotal(&out, rawText)
	}
	return out
}

func (c *Cleaner) cleanAmount(out *ExtractionResult, field, value string) string {
	if IsSentinel(value) {
		return value
	}
	normalized, ok := NormalizeCurrency(value)
	if !ok {
		slog.Warn("Unparseable amount", "field", field, "value", value)
		addProcessingError(out, fmt.Sprintf("%s: unparseable amount %q", field, value))
		return NotFound
	}
	return normalized
}

func (c *Cleaner) crossValidateTotal(out *ExtractionResult, rawText string) {
	total, ok := ParseAmount(out.BillInfo.TotalAmount)
	if !ok {
		return
	}
	numerical := ExtractNumericalData(rawText)
	verified := false
	for _, a := range numerical.AllAmounts {
		if d, ok := ParseAmount(a); ok && d.Equal(total) {
			verified = true
			break
		}
	}
	out.TotalAmountVerified = &verified
	if !verified {
		slog.Warn("Total amount not found in raw text", "total", out.BillInfo.TotalAmount)
		addProcessingError(out, fmt.Sprintf("totalAmount %s not found among amounts in the source text", out.BillInfo.TotalAmount))
	}
}

func addProcessingError(out *ExtractionResult, msg string) {
	for _, e := range out.ProcessingErrors {
		if e == msg {
			return
		}
	}
	out.ProcessingErrors = append(out.ProcessingErrors, msg)
}

// CleanName strips separator keywords, punctuation and label words, and caps the name at 30 characters.
// CleanName(CleanName(s)) == CleanName(s).
func CleanName(name string) string {
	if IsSentinel(name) {
		return name
	}
	for {
		cleaned := cleanNameOnce(name)
		if cleaned == name {
			break
		}
		name = cleaned
	}
	if name == "" {
		return NotFound
	}
	return name
}

func cleanNameOnce(name string) string {
	for reTrailingSeparator.MatchString(name) {
		name = reTrailingSeparator.ReplaceAllString(name, "")
	}
	name = reNonNameChars.ReplaceAllString(name, " ")
	name = reLabelWords.ReplaceAllString(name, " ")
	name = strings.TrimSpace(reSpaces.ReplaceAllString(name, " "))
	name = strings.Trim(name, " .'-")
	if len(name) > maxNameLength {
		name = strings.TrimSpace(name[:maxNameLength])
	}
	return name
}

// ValidateServiceCode returns a note when code is neither CPT (5 digits) nor HCPCS (letter + 4 digits).
// Unknown formats are kept by the caller; OCR misreads are common.
func ValidateServiceCode(code string) string {
	if IsSentinel(code) || reCPTFormat.MatchString(code) || reHCPCSFormat.MatchString(code) {
		return ""
	}
	return fmt.Sprintf("code %q is not a valid CPT (5 digits) or HCPCS (letter + 4 digits) format", code)
}

func cleanDiagnosticCodes(codes []DiagnosticCode) []DiagnosticCode {
	out := make([]DiagnosticCode, 0, len(codes))
	for _, dc := range codes {
		code := strings.ToUpper(strings.TrimSpace(dc.Code))
		if IsSentinel(code) {
			continue
		}
		note := ""
		if !reICD10Format.MatchString(code) {
			note = fmt.Sprintf("code %q does not match ICD-10 format", code)
			slog.Warn("Unrecognized diagnostic code format", "code", code)
		}
		out = append(out, DiagnosticCode{Code: code, ValidationNote: note})
	}
	return out
}

// StandardizeDateRange standardizes both sides of "a - b" or "a to b"
func (c *Cleaner) StandardizeDateRange(value string) string {
	if IsSentinel(value) {
		return value
	}
	parts := reDateRange.Split(strings.TrimSpace(value), 2)
	if len(parts) == 2 {
		return c.StandardizeDate(parts[0]) + " - " + c.StandardizeDate(parts[1])
	}
	return c.StandardizeDate(value)
}

// StandardizeDate rewrites a date as MM/DD/YYYY. Two-digit years take the current century.
// Values that do not look like dates are returned unchanged.
func (c *Cleaner) StandardizeDate(value string) string {
	v := strings.TrimSpace(value)
	if IsSentinel(v) {
		return value
	}

	var parts [3]string // month, day, year
	if m := reISODate.FindStringSubmatch(v); m != nil {
		parts = [3]string{m[2], m[3], m[1]}
	} else if m := reDateParts.FindStringSubmatch(v); m != nil {
		parts = [3]string{m[1], m[2], m[3]}
	} else {
		return value
	}

	month, _ := strconv.Atoi(parts[0])
	day, _ := strconv.Atoi(parts[1])
	year, _ := strconv.Atoi(parts[2])
	if len(parts[2]) == 2 {
		year += c.now().Year() / 100 * 100
	}
	return fmt.Sprintf("%02d/%02d/%04d", month, day, year)
}
