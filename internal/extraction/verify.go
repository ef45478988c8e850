package extraction

import (
	"fmt"
	"strings"
)

const (
	medicalBillThreshold = 3
	highConfidenceCount  = 6
)

// medicalTerms is the lexicon used to decide whether text looks like a medical bill.
var medicalTerms = []string{
	"patient",
	"diagnosis",
	"procedure",
	"insurance",
	"claim",
	"medical",
	"hospital",
	"physician",
	"treatment",
	"billing",
	"provider",
	"visit",
	"total",
	"copay",
	"deductible",
	"cpt",
	"icd",
	"charges",
	"clinic",
	"prescription",
	"healthcare",
}

// Verify classifies text as medical-bill-like. Each lexicon term counts once.
// The threshold favors recall: a false negative blocks extraction, a false positive only costs a cycle.
func Verify(text string) Verification {
	lower := strings.ToLower(text)

	matched := make([]string, 0)
	for _, term := range medicalTerms {
		if strings.Contains(lower, term) {
			matched = append(matched, term)
		}
	}

	count := len(matched)
	tier := TierLow
	switch {
	case count >= highConfidenceCount:
		tier = TierHigh
	case count >= medicalBillThreshold:
		tier = TierMedium
	}

	reason := "no medical terms found"
	if count > 0 {
		reason = fmt.Sprintf("matched %d medical terms: %s", count, strings.Join(matched, ", "))
	}

	return Verification{
		IsMedicalBill: count >= medicalBillThreshold,
		Confidence:    tier,
		MatchCount:    count,
		MatchedTerms:  matched,
		Reason:        reason,
	}
}
