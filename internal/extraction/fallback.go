package extraction

// sampleNotice labels placeholder data so nobody mistakes it for a real extraction.
const sampleNotice = "SAMPLE DATA - automatic extraction failed, please review the document manually"

// Placeholder returns the fixed record persisted when every extraction tier has failed.
func Placeholder(extractedText string) ExtractionResult {
	r := ExtractionResult{
		PatientInfo: PatientInfo{
			FullName:      "Sample Patient",
			DateOfBirth:   Dash,
			AccountNumber: Dash,
			InsuranceInfo: Dash,
		},
		BillInfo: BillInfo{
			TotalAmount:  "$0.00",
			ServiceDates: Dash,
			DueDate:      Dash,
			FacilityName: "Sample Medical Facility",
			Provider:     Dash,
		},
		Services: []ServiceLine{{
			Description: "Sample Service",
			Code:        NotFound,
			Amount:      "$0.00",
			Details:     sampleNotice,
		}},
		InsuranceInfo: InsuranceInfo{
			AmountCovered:         "$0.00",
			PatientResponsibility: "$0.00",
			Adjustments:           "$0.00",
			Type:                  Dash,
		},
		DiagnosticCodes:  []DiagnosticCode{},
		IsMedicalBill:    false,
		Confidence:       ScoreConfidence(0),
		ProcessingMethod: MethodFallback,
		ExtractedText:    extractedText,
		ProcessingErrors: []string{sampleNotice},
	}
	r.ApplyDefaults()
	return r
}
