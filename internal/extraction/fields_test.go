package extraction

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Extract", func() {
	var (
		text   string
		result ExtractionResult
	)

	JustBeforeEach(func() {
		result = Extract(text)
	})

	When("given the single-line office visit bill", func() {
		BeforeEach(func() {
			text = "Patient: JOHN DOE DOB: 01/01/1980 Total: $450.00 Office Visit $150.00"
		})

		It("stops the name at the DOB label", func() {
			Expect(result.PatientInfo.FullName).To(Equal("JOHN DOE"))
		})

		It("extracts the date of birth", func() {
			Expect(result.PatientInfo.DateOfBirth).To(Equal("01/01/1980"))
		})

		It("uses the largest amount as the total", func() {
			Expect(result.BillInfo.TotalAmount).To(Equal("$450.00"))
		})

		It("extracts the office visit and skips the total line", func() {
			Expect(result.Services).To(HaveLen(1))
			Expect(result.Services[0].Description).To(Equal("Office Visit"))
			Expect(result.Services[0].Amount).To(Equal("$150.00"))
			Expect(result.Services[0].Code).To(Equal(NotFound))
		})

		It("classifies the text as a medical bill", func() {
			Expect(result.IsMedicalBill).To(BeTrue())
			Expect(result.Verification.MatchedTerms).To(ContainElements("patient", "visit", "total"))
		})

		It("tags the result as produced by the client tier", func() {
			Expect(result.ProcessingMethod).To(Equal(MethodClient))
		})

		It("retains the raw text", func() {
			Expect(result.ExtractedText).To(Equal(text))
		})
	})

	When("text is empty", func() {
		BeforeEach(func() {
			text = ""
		})

		It("returns a structurally complete result", func() {
			Expect(result.PatientInfo.FullName).To(Equal(NotFound))
			Expect(result.PatientInfo.DateOfBirth).To(Equal(NotFound))
			Expect(result.BillInfo.TotalAmount).To(Equal(NotFound))
			Expect(result.BillInfo.ServiceDates).To(Equal(NotFound))
			Expect(result.InsuranceInfo.Type).To(Equal(NotFound))
			Expect(result.DiagnosticCodes).NotTo(BeNil())
			Expect(result.NumericalData).NotTo(BeNil())
		})

		It("keeps a placeholder service", func() {
			Expect(result.Services).To(Equal([]ServiceLine{PlaceholderService()}))
		})

		It("is not a medical bill", func() {
			Expect(result.IsMedicalBill).To(BeFalse())
			Expect(result.Confidence).To(Equal(TierConfidence(TierLow)))
		})
	})

	DescribeTable("totality on arbitrary input",
		func(input string) {
			var r ExtractionResult
			Expect(func() { r = Extract(input) }).NotTo(Panic())
			Expect(r.Services).NotTo(BeEmpty())
			Expect(r.PatientInfo.FullName).NotTo(BeEmpty())
			Expect(r.BillInfo.TotalAmount).NotTo(BeEmpty())
		},
		Entry("punctuation only", "::::$$$$####"),
		Entry("unicode", "Пациент: Иван — ¥1200"),
		Entry("lonely labels", "Patient:\nName:\nTotal:"),
		Entry("huge number", "$99999999999999999999999.99"),
	)

	When("amounts include thousands separators", func() {
		BeforeEach(func() {
			text = "Lab work $150.00\nSurgery $1,234.56"
		})

		It("picks the maximum value", func() {
			Expect(result.BillInfo.TotalAmount).To(Equal("$1234.56"))
		})
	})

	When("the matched name is very long", func() {
		BeforeEach(func() {
			text = "Patient: " + strings.Repeat("ABCDE", 10)
		})

		It("truncates it to 30 characters", func() {
			Expect(result.PatientInfo.FullName).To(HaveLen(30))
		})
	})

	When("only a loose name line exists", func() {
		BeforeEach(func() {
			text = "STATEMENT\nPATIENT-JANE ROE\nBalance 10.00"
		})

		It("falls back to the line scan", func() {
			Expect(result.PatientInfo.FullName).To(Equal("JANE ROE"))
		})
	})

	When("a facility name label precedes the patient label", func() {
		BeforeEach(func() {
			text = "Facility Name: Springfield Clinic\nPatient Name: Mary Major\nAccount Number: AC-99812"
		})

		It("prefers the patient label", func() {
			Expect(result.PatientInfo.FullName).To(Equal("Mary Major"))
		})

		It("extracts the facility", func() {
			Expect(result.BillInfo.FacilityName).To(Equal("Springfield Clinic"))
		})

		It("extracts the account number", func() {
			Expect(result.PatientInfo.AccountNumber).To(Equal("AC-99812"))
		})
	})

	When("the service code sits between the description and the amount", func() {
		BeforeEach(func() {
			text = "Office Visit 99213 $150.00\nLab Work 80053 $75.00\nInjection J1100 03/02/2024 $32.10\nTotal Due $257.10"
		})

		It("pairs each description with its code and amount", func() {
			Expect(serviceTriples(result.Services)).To(Equal([][3]string{
				{"99213", "Office Visit", "$150.00"},
				{"80053", "Lab Work", "$75.00"},
				{"J1100", "Injection", "$32.10"},
			}))
		})

		It("keeps the date of service", func() {
			Expect(result.Services[2].Details).To(Equal("Date of service: 03/02/2024"))
		})
	})

	When("facility and provider labels have no colon", func() {
		BeforeEach(func() {
			text = "Clinic Springfield Family\nProvider Dr. Smith\nOffice Visit $100.00"
		})

		It("extracts the facility", func() {
			Expect(result.BillInfo.FacilityName).To(Equal("Springfield Family"))
		})

		It("extracts the provider", func() {
			Expect(result.BillInfo.Provider).To(Equal("Dr. Smith"))
		})
	})

	When("given a multi-line itemized statement", func() {
		BeforeEach(func() {
			text = strings.Join([]string{
				"Springfield General Hospital",
				"Patient Name: Jane Smith",
				"Date of Birth: 02/14/1975",
				"Insurance: Blue Cross PPO",
				"Physician: Dr. Gregory House",
				"Service Date 03/01/2024",
				"99213 Office Visit $150.00",
				"80053 Metabolic Panel $75.25",
				"J1100 Dexamethasone Injection $32.10",
				"Diagnosis: E11.9",
				"Total Charges $257.35",
				"Insurance Paid: $200.00",
				"Adjustments: $10.00",
				"Patient Responsibility: $47.35",
				"Due Date 04/01/2024",
			}, "\n")
		})

		It("extracts every service line in document order with its code", func() {
			Expect(result.Services).To(HaveLen(3))
			Expect(serviceTriples(result.Services)).To(Equal([][3]string{
				{"99213", "Office Visit", "$150.00"},
				{"80053", "Metabolic Panel", "$75.25"},
				{"J1100", "Dexamethasone Injection", "$32.10"},
			}))
		})

		It("extracts facility and provider", func() {
			Expect(result.BillInfo.FacilityName).To(Equal("Springfield General Hospital"))
			Expect(result.BillInfo.Provider).To(Equal("Dr. Gregory House"))
		})

		It("uses first and last dates as service and due dates", func() {
			Expect(result.BillInfo.ServiceDates).To(Equal("02/14/1975"))
			Expect(result.BillInfo.DueDate).To(Equal("04/01/2024"))
		})

		It("extracts insurance fields", func() {
			Expect(result.PatientInfo.InsuranceInfo).To(Equal("Blue Cross PPO"))
			Expect(result.InsuranceInfo.Type).To(Equal("PPO"))
			Expect(result.InsuranceInfo.AmountCovered).To(Equal("$200.00"))
			Expect(result.InsuranceInfo.Adjustments).To(Equal("$10.00"))
			Expect(result.InsuranceInfo.PatientResponsibility).To(Equal("$47.35"))
		})

		It("collects diagnostic codes", func() {
			Expect(result.DiagnosticCodes).To(Equal([]DiagnosticCode{{Code: "E11.9"}}))
		})

		It("has high confidence", func() {
			Expect(result.Confidence).To(Equal(TierConfidence(TierHigh)))
		})
	})
})

func serviceTriples(services []ServiceLine) [][3]string {
	out := make([][3]string, 0, len(services))
	for _, s := range services {
		out = append(out, [3]string{s.Code, s.Description, s.Amount})
	}
	return out
}
