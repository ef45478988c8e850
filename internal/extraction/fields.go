package extraction

import (
	"regexp"
	"strings"
)

const maxNameLength = 30

var (
	reNameAnchored = regexp.MustCompile(`(?i)\b(?:patient\s*name|patient|name)\s*[:\s]\s*([A-Za-z][A-Za-z .,'-]*)`)
	reNameLoose    = regexp.MustCompile(`(?i)(?:patient|name)[^A-Za-z\n]*([A-Za-z][A-Za-z .'-]+)`)
	// RE2 has no lookahead, so the name run is cut at the first separator keyword instead.
	reNameStop  = regexp.MustCompile(`(?i)(?:\s|^)(?:number|dob|date|account|acct|id|mrn)\b|#`)
	reNameLabel = regexp.MustCompile(`(?i)^(?:patient|name|ptname)\b[\s:]*`)

	reDOB     = regexp.MustCompile(`(?i)(?:\bdob\b|\bd\.o\.b\.?|date\s+of\s+birth|birth\s*date)[^\d\n]{0,5}(\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4})`)
	reAccount = regexp.MustCompile(`(?i)\b(?:account|acct|mrn)\b\.?[ \t]*(?:number|no\.?|num|#)?[ \t]*[:#]?[ \t]*([A-Z0-9][A-Z0-9-]{3,})`)

	reFacility       = regexp.MustCompile(`\b(?i:facility|hospital|provider|clinic|center|medical|health|care)\b(?:[ \t]+(?i:name))?[ \t]*:[ \t]*([A-Z][A-Za-z&.'-]*(?:[ \t]+[A-Z&][A-Za-z&.'-]*){0,5})`)
	reFacilitySuffix = regexp.MustCompile(`((?:[A-Z][A-Za-z&.'-]*[ \t]+){1,4}(?i:hospital|clinic|medical center|health center|health system))\b`)
	reProvider       = regexp.MustCompile(`\b(?i:rendering provider|attending|physician|doctor|provider)\b[ \t]*:[ \t]*((?:Dr\.?[ \t]+)?[A-Z][A-Za-z.'-]*(?:[ \t]+[A-Z][A-Za-z.'-]*){0,4})`)
	// labels without a colon only count at the start of a line
	reFacilityBare = regexp.MustCompile(`(?m)^[ \t]*(?i:facility|clinic)(?:[ \t]+(?i:name))?[ \t]+([A-Z][A-Za-z&.'-]*(?:[ \t]+[A-Z&][A-Za-z&.'-]*){0,5})`)
	reProviderBare = regexp.MustCompile(`(?m)^[ \t]*(?i:rendering provider|attending physician|attending|physician|doctor|provider)[ \t]+((?:Dr\.?[ \t]+)?[A-Z][A-Za-z.'-]*(?:[ \t]+[A-Z][A-Za-z.'-]*){0,4})`)

	// a service code and/or a date may sit between the description and its amount
	reServicePair   = regexp.MustCompile(`([A-Za-z][A-Za-z &/()'-]*?)[ \t]*:?[ \t]*(?:(?:\d{5}|[A-Z]\d{4})[ \t]+)?(?:\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4}[ \t]+)?(\$[ \t]?(?:\d{1,3}(?:,\d{3})+|\d+)\.\d{2}|(?:\d{1,3}(?:,\d{3})+|\d+)\.\d{2})`)
	reSummaryLine   = regexp.MustCompile(`(?i)total|balance|due|amount|pay|paid|adjust|responsib|covered|deductible`)
	minServiceChars = 3

	reInsurance = regexp.MustCompile(`\b(?i:insurance|coverage|plan|policy)\b(?:[ \t]+(?i:name|provider|company|carrier|type))?[ \t]*:[ \t]*([A-Za-z][A-Za-z0-9&.'-]*(?:[ \t]+[A-Za-z0-9&][A-Za-z0-9&.'-]*){0,4})`)
	rePlanType  = regexp.MustCompile(`(?i)\b(PPO|HMO|EPO|POS|HDHP|Medicare|Medicaid|Tricare)\b`)

	reCovered     = regexp.MustCompile(`(?i)(?:insurance\s+(?:paid|payment|covered)|amount\s+covered|plan\s+paid|covered\s+amount)[^\d$\n]{0,15}(\$?[ \t]?[\d,]+\.\d{2})`)
	reResponsible = regexp.MustCompile(`(?i)(?:patient\s+(?:responsibility|balance|portion|owes)|you\s+owe|amount\s+due|balance\s+due)[^\d$\n]{0,15}(\$?[ \t]?[\d,]+\.\d{2})`)
	reAdjustment  = regexp.MustCompile(`(?i)(?:adjustments?|discounts?|contractual\s+allowance)[^\d$\n]{0,15}(\$?[ \t]?[\d,]+\.\d{2})`)
)

// Extract builds a best-effort ExtractionResult from raw text without calling any external service.
// Every step is independent; unresolved fields carry the NotFound sentinel. Extract never panics.
func Extract(text string) ExtractionResult {
	numerical := ExtractNumericalData(text)
	verification := Verify(text)

	result := ExtractionResult{
		PatientInfo: PatientInfo{
			FullName:      extractPatientName(text),
			DateOfBirth:   firstSubmatch(reDOB, text),
			AccountNumber: extractAccountNumber(text),
		},
		BillInfo: BillInfo{
			TotalAmount: extractTotal(numerical.AllAmounts),
		},
		Services:         extractServices(text),
		DiagnosticCodes:  diagnosticCodes(numerical.AllCodes),
		IsMedicalBill:    verification.IsMedicalBill,
		Confidence:       TierConfidence(verification.Confidence),
		ProcessingMethod: MethodClient,
		ExtractedText:    text,
		NumericalData:    &numerical,
		Verification:     &verification,
	}

	if len(numerical.AllDates) > 0 {
		result.BillInfo.ServiceDates = numerical.AllDates[0]
	}
	if len(numerical.AllDates) > 1 {
		result.BillInfo.DueDate = numerical.AllDates[len(numerical.AllDates)-1]
	}

	result.BillInfo.FacilityName = extractFacility(text)
	result.BillInfo.Provider = cleanRun(firstSubmatch(reProvider, text))
	if result.BillInfo.Provider == "" {
		result.BillInfo.Provider = cleanRun(firstSubmatch(reProviderBare, text))
	}
	if result.BillInfo.Provider == "" {
		result.BillInfo.Provider = result.BillInfo.FacilityName
	}

	insurer := cleanRun(firstSubmatch(reInsurance, text))
	result.PatientInfo.InsuranceInfo = insurer
	result.InsuranceInfo = InsuranceInfo{
		AmountCovered:         firstSubmatch(reCovered, text),
		PatientResponsibility: firstSubmatch(reResponsible, text),
		Adjustments:           firstSubmatch(reAdjustment, text),
		Type:                  insurer,
	}
	if m := rePlanType.FindStringSubmatch(text); m != nil {
		result.InsuranceInfo.Type = m[1]
	}

	result.ApplyDefaults()
	return result
}

func extractPatientName(text string) string {
	matches := reNameAnchored.FindAllStringSubmatchIndex(text, -1)
	// "Patient ..." labels win over a bare "Name:" that may belong to another party.
	for _, patientOnly := range []bool{true, false} {
		for _, loc := range matches {
			label := strings.ToLower(text[loc[0]:loc[2]])
			if patientOnly != strings.HasPrefix(label, "patient") {
				continue
			}
			if !patientOnly && otherPartyLabel(text[:loc[0]]) {
				continue
			}
			if name := cutName(text[loc[2]:loc[3]]); name != "" {
				return name
			}
		}
	}

	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "patient") && !strings.Contains(lower, "name") {
			continue
		}
		for _, m := range reNameLoose.FindAllStringSubmatch(line, -1) {
			if name := cutName(m[1]); name != "" {
				return name
			}
		}
	}
	return ""
}

var reOtherParty = regexp.MustCompile(`(?i)\b(?:facility|provider|insurance|plan|doctor|physician|guarantor|employer|company)[ \t]*$`)

func otherPartyLabel(before string) bool {
	return reOtherParty.MatchString(before)
}

// cutName stops a captured name at the first separator keyword and caps its length.
func cutName(raw string) string {
	name := raw
	if loc := reNameStop.FindStringIndex(name); loc != nil {
		name = name[:loc[0]]
	}
	for {
		stripped := reNameLabel.ReplaceAllString(strings.TrimSpace(name), "")
		if stripped == strings.TrimSpace(name) {
			break
		}
		name = stripped
	}
	name = strings.Trim(name, " ,.-'")
	if len(name) > maxNameLength {
		name = strings.TrimSpace(name[:maxNameLength])
	}
	return name
}

func extractAccountNumber(text string) string {
	for _, m := range reAccount.FindAllStringSubmatch(text, -1) {
		if strings.ContainsAny(m[1], "0123456789") {
			return m[1]
		}
	}
	return ""
}

// extractTotal picks the largest amount on the page. A single line item larger than the real total
// would be misread; that limitation is accepted.
func extractTotal(amounts []string) string {
	max, ok := MaxAmount(amounts)
	if !ok {
		return ""
	}
	return FormatCurrency(max)
}

func extractFacility(text string) string {
	if name := cleanRun(firstSubmatch(reFacility, text)); name != "" {
		return name
	}
	if name := cleanRun(firstSubmatch(reFacilityBare, text)); name != "" {
		return name
	}
	return cleanRun(firstSubmatch(reFacilitySuffix, text))
}

func extractServices(text string) []ServiceLine {
	services := make([]ServiceLine, 0)
	for _, line := range strings.Split(text, "\n") {
		prev := 0
		for _, loc := range reServicePair.FindAllStringSubmatchIndex(line, -1) {
			descStart, descEnd, amtStart, amtEnd := loc[2], loc[3], loc[4], loc[5]
			segment := line[prev:amtStart]
			prev = loc[1]

			if !standalone(line, amtStart, amtEnd) {
				continue
			}
			desc := strings.Trim(line[descStart:descEnd], " \t:-/(")
			if len(desc) < minServiceChars || reSummaryLine.MatchString(desc) {
				continue
			}

			amount, _ := NormalizeCurrency(line[amtStart:amtEnd])
			services = append(services, ServiceLine{
				Description: desc,
				Code:        serviceCode(segment),
				Amount:      amount,
				Details:     serviceDetails(segment),
			})
		}
	}
	return services
}

func serviceCode(segment string) string {
	for _, c := range ExtractCodes(segment) {
		if c.Type == CodeCPT || c.Type == CodeHCPCS {
			return c.Code
		}
	}
	return NotFound
}

func serviceDetails(segment string) string {
	if dates := ExtractDates(segment); len(dates) > 0 {
		return "Date of service: " + dates[0]
	}
	return NotFound
}

func diagnosticCodes(codes []CodeMatch) []DiagnosticCode {
	seen := make(map[string]bool)
	out := make([]DiagnosticCode, 0)
	for _, c := range codes {
		if c.Type != CodeICD10 || seen[c.Code] {
			continue
		}
		seen[c.Code] = true
		out = append(out, DiagnosticCode{Code: c.Code})
	}
	return out
}

func firstSubmatch(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func cleanRun(s string) string {
	return strings.Trim(strings.Join(strings.Fields(s), " "), " ,.-:")
}
