package insights_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/medbill-tracker/internal/extraction"
	"github.com/zombor/medbill-tracker/internal/insights"
)

func bill(provider, total string, services ...extraction.ServiceLine) extraction.ExtractionResult {
	r := extraction.ExtractionResult{
		BillInfo: extraction.BillInfo{Provider: provider, TotalAmount: total},
		Services: services,
	}
	r.ApplyDefaults()
	return r
}

func service(code, description, amount string) extraction.ServiceLine {
	return extraction.ServiceLine{Code: code, Description: description, Amount: amount}
}

var _ = Describe("Enhance", func() {
	var (
		current  extraction.ExtractionResult
		ctx      insights.Context
		enhanced extraction.ExtractionResult
	)

	BeforeEach(func() {
		current = bill("Dr. Adams", "$150.00",
			service("99213", "Office Visit", "$100.00"),
			service("80053", "Metabolic Panel", "$50.00"),
		)
		current.PatientInfo.DateOfBirth = "01/01/1980"

		named := bill("Dr. Adams", "$10.00")
		named.PatientInfo.FullName = "Jane Smith"
		ctx = insights.Context{
			PreviousAnalyses: []extraction.ExtractionResult{bill("", ""), named},
			RelatedBills: []extraction.ExtractionResult{
				bill("Dr. Adams", "$300.00", service("99213", "Office Visit", "$300.00")),
			},
			UserProfile: &insights.Profile{FullName: "jane  smith", DateOfBirth: "01/01/1980"},
		}
	})

	JustBeforeEach(func() {
		enhanced = insights.Enhance(current, ctx)
	})

	It("backfills the name from the most recent analysis that has one", func() {
		Expect(enhanced.PatientInfo.FullName).To(Equal("Jane Smith"))
		Expect(enhanced.ContextualInsights.BackfilledFields).To(Equal([]string{"patientInfo.fullName"}))
	})

	It("keeps fields that were already present", func() {
		Expect(enhanced.PatientInfo.DateOfBirth).To(Equal("01/01/1980"))
	})

	It("aggregates services by code across bills", func() {
		related := enhanced.ContextualInsights.RelatedServices
		Expect(related).To(HaveLen(2))
		Expect(related["99213"]).To(Equal(extraction.ServiceAggregate{
			Code:        "99213",
			Description: "Office Visit",
			Occurrences: 2,
			TotalAmount: "$400.00",
		}))
		Expect(related["80053"].Occurrences).To(Equal(1))
	})

	It("lists codes seen more than once as recurring", func() {
		Expect(enhanced.ContextualInsights.RecurringServices).To(Equal([]string{"99213"}))
	})

	It("computes price variations", func() {
		Expect(enhanced.ContextualInsights.PriceVariations["99213"]).To(Equal(extraction.PriceVariation{
			Min:     "$100.00",
			Max:     "$300.00",
			Average: "$200.00",
			Spread:  "$200.00",
		}))
	})

	It("counts bills per provider", func() {
		Expect(enhanced.ContextualInsights.ProviderPatterns).To(Equal(map[string]extraction.ProviderPattern{
			"Dr. Adams": {BillCount: 2, TotalAmount: "$450.00"},
		}))
	})

	It("scores completeness and profile agreement", func() {
		Expect(enhanced.ContextualInsights.ConfidenceScores).To(Equal(extraction.ConfidenceScores{
			PatientInfo: 0.5,
			Services:    0.4,
			Financial:   0.25,
			Overall:     0.55,
		}))
	})

	It("recommends checking missing fields, recurring services and large spreads", func() {
		recs := enhanced.ContextualInsights.Recommendations
		Expect(recs).To(ContainElement("Verify service dates field"))
		Expect(recs).To(ContainElement(ContainSubstring("99213 appears on multiple bills")))
		Expect(recs).To(ContainElement(ContainSubstring("Check variance for service 99213")))
		Expect(recs).NotTo(ContainElement("Verify patient name field"))
	})

	It("does not mutate its input", func() {
		Expect(current.PatientInfo.FullName).To(Equal(extraction.NotFound))
		Expect(current.ContextualInsights).To(BeNil())
	})

	It("is idempotent", func() {
		Expect(insights.Enhance(enhanced, ctx)).To(Equal(enhanced))
	})

	When("the profile disagrees with the extraction", func() {
		BeforeEach(func() {
			ctx.UserProfile = &insights.Profile{FullName: "John Doe", DateOfBirth: "02/02/1990"}
		})

		It("gives only the completeness share of the patient score", func() {
			Expect(enhanced.ContextualInsights.ConfidenceScores.PatientInfo).To(Equal(0.25))
		})
	})

	When("there is no history", func() {
		BeforeEach(func() {
			ctx = insights.Context{}
		})

		It("leaves the sentinel and recommends verifying the name", func() {
			Expect(enhanced.PatientInfo.FullName).To(Equal(extraction.NotFound))
			Expect(enhanced.ContextualInsights.BackfilledFields).To(BeEmpty())
			Expect(enhanced.ContextualInsights.Recommendations).To(ContainElement("Verify patient name field"))
		})

		It("reports no recurring services", func() {
			Expect(enhanced.ContextualInsights.RecurringServices).To(BeEmpty())
		})
	})
})
