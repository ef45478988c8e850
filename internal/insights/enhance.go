// Package insights merges a fresh extraction with a patient's earlier analyses and other bills.
package insights

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/medbill-tracker/internal/extraction"
)

// Profile is what the user told us about themselves
type Profile struct {
	FullName          string
	DateOfBirth       string
	InsuranceProvider string
}

// Context is the history a new extraction is compared against
type Context struct {
	// PreviousAnalyses of the same bill, most recent first.
	PreviousAnalyses []extraction.ExtractionResult
	// RelatedBills are the latest extractions of the user's other bills.
	RelatedBills []extraction.ExtractionResult
	UserProfile  *Profile
}

const (
	fieldFullName    = "patientInfo.fullName"
	fieldDateOfBirth = "patientInfo.dateOfBirth"

	servicesForFullScore = 5
)

var (
	spreadThreshold = decimal.NewFromFloat(0.5)
	financialFields = 4.0
)

// Enhance returns a copy of current with missing patient fields backfilled and cross-bill insights attached.
// It never mutates current or the context, and Enhance(Enhance(r, c), c) equals Enhance(r, c).
func Enhance(current extraction.ExtractionResult, c Context) extraction.ExtractionResult {
	out := current.Clone()

	var backfilled []string
	if out.ContextualInsights != nil {
		backfilled = append(backfilled, out.ContextualInsights.BackfilledFields...)
	}
	if extraction.IsSentinel(out.PatientInfo.FullName) {
		if v, ok := mostRecent(c.PreviousAnalyses, func(r extraction.ExtractionResult) string { return r.PatientInfo.FullName }); ok {
			out.PatientInfo.FullName = v
			backfilled = appendUnique(backfilled, fieldFullName)
		}
	}
	if extraction.IsSentinel(out.PatientInfo.DateOfBirth) {
		if v, ok := mostRecent(c.PreviousAnalyses, func(r extraction.ExtractionResult) string { return r.PatientInfo.DateOfBirth }); ok {
			out.PatientInfo.DateOfBirth = v
			backfilled = appendUnique(backfilled, fieldDateOfBirth)
		}
	}

	bills := append([]extraction.ExtractionResult{out}, c.RelatedBills...)
	related, prices := aggregateServices(bills)

	insights := extraction.ContextualInsights{
		BackfilledFields:  backfilled,
		RelatedServices:   related,
		RecurringServices: recurring(related),
		PriceVariations:   variations(prices),
		ProviderPatterns:  providerPatterns(bills),
		ConfidenceScores:  scores(out, c.UserProfile),
	}
	insights.Recommendations = recommend(out, insights)
	out.ContextualInsights = &insights
	return out
}

func mostRecent(history []extraction.ExtractionResult, field func(extraction.ExtractionResult) string) (string, bool) {
	for _, r := range history {
		if v := field(r); !extraction.IsSentinel(v) {
			return v, true
		}
	}
	return "", false
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func aggregateServices(bills []extraction.ExtractionResult) (map[string]extraction.ServiceAggregate, map[string][]decimal.Decimal) {
	sums := make(map[string]decimal.Decimal)
	aggs := make(map[string]extraction.ServiceAggregate)
	prices := make(map[string][]decimal.Decimal)

	for _, b := range bills {
		for _, s := range b.Services {
			code := strings.ToUpper(strings.TrimSpace(s.Code))
			if extraction.IsSentinel(code) {
				continue
			}
			agg := aggs[code]
			agg.Code = code
			if agg.Description == "" && !extraction.IsSentinel(s.Description) {
				agg.Description = s.Description
			}
			agg.Occurrences++
			if d, ok := extraction.ParseAmount(s.Amount); ok {
				sums[code] = sums[code].Add(d)
				prices[code] = append(prices[code], d)
			}
			aggs[code] = agg
		}
	}

	for code, agg := range aggs {
		if agg.Description == "" {
			agg.Description = extraction.NotFound
		}
		agg.TotalAmount = extraction.FormatCurrency(sums[code])
		aggs[code] = agg
	}
	return aggs, prices
}

func recurring(related map[string]extraction.ServiceAggregate) []string {
	codes := make([]string, 0)
	for _, code := range slices.Sorted(maps.Keys(related)) {
		if related[code].Occurrences > 1 {
			codes = append(codes, code)
		}
	}
	return codes
}

func variations(prices map[string][]decimal.Decimal) map[string]extraction.PriceVariation {
	out := make(map[string]extraction.PriceVariation, len(prices))
	for code, ps := range prices {
		lo, hi, sum := ps[0], ps[0], decimal.Zero
		for _, p := range ps {
			if p.LessThan(lo) {
				lo = p
			}
			if p.GreaterThan(hi) {
				hi = p
			}
			sum = sum.Add(p)
		}
		out[code] = extraction.PriceVariation{
			Min:     extraction.FormatCurrency(lo),
			Max:     extraction.FormatCurrency(hi),
			Average: extraction.FormatCurrency(sum.Div(decimal.NewFromInt(int64(len(ps))))),
			Spread:  extraction.FormatCurrency(hi.Sub(lo)),
		}
	}
	return out
}

func providerPatterns(bills []extraction.ExtractionResult) map[string]extraction.ProviderPattern {
	sums := make(map[string]decimal.Decimal)
	out := make(map[string]extraction.ProviderPattern)
	for _, b := range bills {
		provider := strings.TrimSpace(b.BillInfo.Provider)
		if extraction.IsSentinel(provider) {
			continue
		}
		p := out[provider]
		p.BillCount++
		if d, ok := extraction.ParseAmount(b.BillInfo.TotalAmount); ok {
			sums[provider] = sums[provider].Add(d)
		}
		out[provider] = p
	}
	for provider, p := range out {
		p.TotalAmount = extraction.FormatCurrency(sums[provider])
		out[provider] = p
	}
	return out
}

// scores rates completeness. Patient info is worth at most 0.5: half for each of name and DOB being present,
// the rest for agreeing with the user's profile when one is known.
func scores(r extraction.ExtractionResult, profile *Profile) extraction.ConfidenceScores {
	var s extraction.ConfidenceScores

	for _, f := range []struct{ value, known string }{
		{r.PatientInfo.FullName, profileField(profile, func(p *Profile) string { return p.FullName })},
		{r.PatientInfo.DateOfBirth, profileField(profile, func(p *Profile) string { return p.DateOfBirth })},
	} {
		if extraction.IsSentinel(f.value) {
			continue
		}
		s.PatientInfo += 0.125
		if f.known == "" || sameValue(f.value, f.known) {
			s.PatientInfo += 0.125
		}
	}

	lines := 0
	for _, svc := range r.Services {
		if svc != extraction.PlaceholderService() {
			lines++
		}
	}
	s.Services = math.Min(float64(lines)/servicesForFullScore, 1.0)

	present := 0.0
	for _, v := range []string{
		r.BillInfo.TotalAmount,
		r.InsuranceInfo.AmountCovered,
		r.InsuranceInfo.PatientResponsibility,
		r.InsuranceInfo.Adjustments,
	} {
		if !extraction.IsSentinel(v) {
			present++
		}
	}
	s.Financial = present / financialFields

	s.Overall = round2((s.PatientInfo/0.5 + s.Services + s.Financial) / 3)
	s.PatientInfo = round2(s.PatientInfo)
	s.Services = round2(s.Services)
	s.Financial = round2(s.Financial)
	return s
}

func profileField(p *Profile, get func(*Profile) string) string {
	if p == nil {
		return ""
	}
	v := get(p)
	if extraction.IsSentinel(v) {
		return ""
	}
	return v
}

func sameValue(a, b string) bool {
	return strings.EqualFold(strings.Join(strings.Fields(a), " "), strings.Join(strings.Fields(b), " "))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func recommend(r extraction.ExtractionResult, insights extraction.ContextualInsights) []string {
	recs := make([]string, 0)
	for _, f := range []struct{ label, value string }{
		{"patient name", r.PatientInfo.FullName},
		{"date of birth", r.PatientInfo.DateOfBirth},
		{"total amount", r.BillInfo.TotalAmount},
		{"service dates", r.BillInfo.ServiceDates},
		{"provider", r.BillInfo.Provider},
	} {
		if extraction.IsSentinel(f.value) {
			recs = append(recs, fmt.Sprintf("Verify %s field", f.label))
		}
	}

	for _, code := range insights.RecurringServices {
		recs = append(recs, fmt.Sprintf("Service %s appears on multiple bills, review for consistency", code))
	}

	for _, code := range slices.Sorted(maps.Keys(insights.PriceVariations)) {
		v := insights.PriceVariations[code]
		avg, okAvg := extraction.ParseAmount(v.Average)
		spread, okSpread := extraction.ParseAmount(v.Spread)
		if okAvg && okSpread && avg.IsPositive() && spread.GreaterThan(avg.Mul(spreadThreshold)) {
			recs = append(recs, fmt.Sprintf("Check variance for service %s: charged between %s and %s", code, v.Min, v.Max))
		}
	}
	return recs
}
