package extraction

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Verify", func() {
	var (
		text   string
		result Verification
	)

	JustBeforeEach(func() {
		result = Verify(text)
	})

	When("text contains exactly three lexicon terms", func() {
		BeforeEach(func() {
			text = "patient insurance claim"
		})

		It("is a medical bill", func() {
			Expect(result.IsMedicalBill).To(BeTrue())
		})

		It("has medium confidence", func() {
			Expect(result.Confidence).To(Equal(TierMedium))
		})

		It("lists the matched terms", func() {
			Expect(result.MatchedTerms).To(ConsistOf("patient", "insurance", "claim"))
			Expect(result.Reason).To(ContainSubstring("patient"))
		})
	})

	DescribeTable("fewer than three terms",
		func(input string) {
			v := Verify(input)
			Expect(v.IsMedicalBill).To(BeFalse())
			Expect(v.Confidence).To(Equal(TierLow))
		},
		Entry("no terms", "grocery receipt milk eggs"),
		Entry("one term", "Patient copy"),
		Entry("two terms", "patient insurance"),
		Entry("one term repeated", "patient patient patient"),
	)

	When("text contains six or more terms", func() {
		BeforeEach(func() {
			text = "PATIENT statement, Hospital charges, diagnosis, procedure, insurance claim"
		})

		It("has high confidence", func() {
			Expect(result.IsMedicalBill).To(BeTrue())
			Expect(result.Confidence).To(Equal(TierHigh))
		})
	})
})
