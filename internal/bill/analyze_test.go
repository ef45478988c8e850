package bill

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/medbill-tracker/internal/extraction"
	"github.com/zombor/medbill-tracker/internal/scanning"
)

var _ = Describe("Analyze", func() {
	var (
		db         *mockDB
		storage    *mockStorage
		remote     *mockRemote
		engine     *mockOCR
		opened     int
		structurer *mockStructurer
		analyzers  Analyzers
		opts       Options
		service    *Service
		fixedTime  time.Time

		forceRun bool
		version  *AnalysisVersion
		err      error
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		fixedTime = time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC)
		opened = 0
		forceRun = false

		db.bills["bill-1"] = &Bill{ID: "bill-1", UserID: "user-1", Filename: "bill-1_scan.png", ContentType: "image/png", Status: StatusUploaded}
		storage.files["bill-1_scan.png"] = pngDocument()

		engine = &mockOCR{text: statementText}
		remote = &mockRemote{}
		structurer = nil
		analyzers = Analyzers{OCR: ocrFactory(engine, &opened)}
		opts = Options{PublicURL: "https://bills.example.com"}
	})

	JustBeforeEach(func() {
		if structurer != nil {
			analyzers.Structurer = structurer
		}
		service = NewServiceWithDeps(db, storage, analyzers, opts, &mockIDGenerator{id: "unused"}, &mockTimeSource{now: fixedTime})
		version, err = service.Analyze(context.Background(), "bill-1", "user-1", AnalyzeOptions{Force: forceRun})
	})

	When("the remote extractor succeeds", func() {
		BeforeEach(func() {
			data := extraction.Extract("")
			data.PatientInfo.FullName = "John Smith"
			data.BillInfo.TotalAmount = "$1,234.5"
			data.BillInfo.ServiceDates = "2024-03-14"
			remote.response = &scanning.RemoteResponse{
				Success:       true,
				IsMedicalBill: true,
				Confidence:    extraction.ScoreConfidence(0.92),
				ExtractedText: "remote text",
				ExtractedData: &data,
			}
			analyzers.Remote = remote
		})

		It("stores a cleaned server version", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(version.ID).To(Equal("analysis_01"))
			Expect(version.ProcessingMethod).To(Equal(extraction.MethodServer))
			Expect(version.IsMedicalBill).To(BeTrue())
			Expect(version.Confidence).To(Equal(extraction.ScoreConfidence(0.92)))
			Expect(version.ExtractedData.BillInfo.TotalAmount).To(Equal("$1234.50"))
			Expect(version.ExtractedData.BillInfo.ServiceDates).To(Equal("03/14/2024"))
			Expect(version.ExtractedText).To(Equal("remote text"))
		})

		It("sends the bill identity and a file URL", func() {
			Expect(remote.requests).To(HaveLen(1))
			Expect(remote.requests[0].BillID).To(Equal("bill-1"))
			Expect(remote.requests[0].UserID).To(Equal("user-1"))
			Expect(remote.requests[0].FileURL).To(Equal("https://bills.example.com/api/bills/bill-1/file"))
		})

		It("never opens the OCR engine", func() {
			Expect(opened).To(Equal(0))
		})

		It("mirrors the version onto the bill", func() {
			bill := db.bills["bill-1"]
			Expect(bill.Status).To(Equal(StatusAnalyzed))
			Expect(bill.LatestVersionID).To(Equal("analysis_01"))
			Expect(bill.ProcessingMethod).To(Equal(extraction.MethodServer))
			Expect(bill.ExtractedData.PatientInfo.FullName).To(Equal("John Smith"))
			Expect(*bill.AnalyzedAt).To(Equal(fixedTime))
		})

		It("records the path taken", func() {
			meta := version.ExtractedData.AnalysisMetadata
			Expect(meta).NotTo(BeNil())
			Expect(meta.States).To(Equal([]string{"idle", "serverAttempt", "complete"}))
			Expect(meta.Attempts).To(Equal([]extraction.TierAttempt{{Tier: "server"}}))
			Expect(meta.SampleData).To(BeFalse())
		})

		When("the response carries an enhanced analysis", func() {
			BeforeEach(func() {
				remote.response.EnhancedAnalysis = json.RawMessage(`{"summary":"ok"}`)
			})

			It("uses the enhanced-ai method and keeps the analysis", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(version.ProcessingMethod).To(Equal(extraction.MethodEnhancedAI))
				Expect(string(version.ExtractedData.AnalysisMetadata.EnhancedAnalysis)).To(Equal(`{"summary":"ok"}`))
			})
		})
	})

	When("no remote extractor is configured", func() {
		It("uses the client tier", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(version.ProcessingMethod).To(Equal(extraction.MethodClient))
			Expect(version.ExtractedData.AnalysisMetadata.States).To(Equal([]string{"idle", "clientAttempt", "complete"}))
		})

		It("extracts fields from the OCR text", func() {
			Expect(version.IsMedicalBill).To(BeTrue())
			Expect(version.Confidence).To(Equal(extraction.TierConfidence(extraction.TierHigh)))
			Expect(version.ExtractedData.BillInfo.TotalAmount).To(Equal("$235.50"))
			Expect(version.ExtractedText).To(Equal(statementText))
		})

		It("closes the OCR engine", func() {
			Expect(opened).To(Equal(1))
			Expect(engine.closed).To(Equal(1))
		})

		It("passes the PNG through unchanged", func() {
			Expect(engine.images).To(ConsistOf(pngDocument()))
		})
	})

	When("the remote extractor fails", func() {
		BeforeEach(func() {
			remote.err = errors.New("connection refused")
			analyzers.Remote = remote
		})

		It("falls back to the client tier and records the failure", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(version.ProcessingMethod).To(Equal(extraction.MethodClient))
			Expect(version.ExtractedData.AnalysisMetadata.Attempts).To(HaveLen(2))
			Expect(version.ExtractedData.AnalysisMetadata.Attempts[0].Tier).To(Equal("server"))
			Expect(version.ExtractedData.AnalysisMetadata.Attempts[0].Error).To(ContainSubstring("connection refused"))
		})
	})

	When("the remote extractor reports an unsuccessful extraction", func() {
		BeforeEach(func() {
			remote.response = &scanning.RemoteResponse{Success: false, Error: "not a bill"}
			analyzers.Remote = remote
		})

		It("falls back to the client tier", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(version.ProcessingMethod).To(Equal(extraction.MethodClient))
			Expect(version.ExtractedData.AnalysisMetadata.Attempts[0].Error).To(Equal("not a bill"))
		})
	})

	When("every tier fails", func() {
		BeforeEach(func() {
			remote.err = errors.New("timeout")
			analyzers.Remote = remote
			engine.recognizeErr = errors.New("engine crashed")
		})

		It("terminates with sample data", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(version.ProcessingMethod).To(Equal(extraction.MethodFallback))
			Expect(version.IsMedicalBill).To(BeFalse())
			Expect(version.Confidence).To(Equal(extraction.ScoreConfidence(0)))
			Expect(version.ExtractedData.AnalysisMetadata.SampleData).To(BeTrue())
			Expect(version.ExtractedData.AnalysisMetadata.States).To(Equal([]string{"idle", "serverAttempt", "clientAttempt", "fallback", "complete"}))
		})

		It("still closes the OCR engine", func() {
			Expect(engine.closed).To(Equal(1))
		})

		It("marks the bill analyzed", func() {
			Expect(db.bills["bill-1"].Status).To(Equal(StatusAnalyzed))
			Expect(db.bills["bill-1"].ProcessingMethod).To(Equal(extraction.MethodFallback))
		})
	})

	When("OCR finds no text", func() {
		BeforeEach(func() {
			engine.text = "   \n"
		})

		It("falls back", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(version.ProcessingMethod).To(Equal(extraction.MethodFallback))
			Expect(version.ExtractedData.AnalysisMetadata.Attempts[0].Error).To(Equal("OCR produced no text"))
		})
	})

	When("the document cannot be loaded", func() {
		BeforeEach(func() {
			storage.getErr = errors.New("gone")
		})

		It("falls back without opening the OCR engine", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(version.ProcessingMethod).To(Equal(extraction.MethodFallback))
			Expect(opened).To(Equal(0))
		})
	})

	When("a text structurer is configured", func() {
		BeforeEach(func() {
			structured := extraction.Extract("")
			structured.PatientInfo.FullName = "Jane Roe"
			structured.BillInfo.TotalAmount = "235.5"
			structurer = &mockStructurer{result: &structured}
		})

		It("uses the structured result with heuristic evidence", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(version.ProcessingMethod).To(Equal(extraction.MethodClientOpenAI))
			Expect(version.ExtractedData.BillInfo.TotalAmount).To(Equal("$235.50"))
			Expect(version.ExtractedData.NumericalData).NotTo(BeNil())
			Expect(version.ExtractedData.NumericalData.AllAmounts).To(ContainElement("$235.50"))
			Expect(version.IsMedicalBill).To(BeTrue())
		})

		When("the structurer fails", func() {
			BeforeEach(func() {
				structurer.err = errors.New("model unavailable")
			})

			It("keeps the heuristic result", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(version.ProcessingMethod).To(Equal(extraction.MethodClientFallback))
				Expect(version.ExtractedData.BillInfo.TotalAmount).To(Equal("$235.50"))
			})
		})
	})

	When("the bill was already analyzed", func() {
		BeforeEach(func() {
			_, createErr := db.CreateVersion("bill-1", &AnalysisVersion{Status: VersionAnalyzed, ProcessingMethod: extraction.MethodServer, AnalyzedAt: fixedTime})
			Expect(createErr).NotTo(HaveOccurred())
		})

		It("returns the existing version", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(version.ID).To(Equal("analysis_01"))
			Expect(opened).To(Equal(0))
			Expect(db.versions["bill-1"]).To(HaveLen(1))
		})

		When("forced", func() {
			BeforeEach(func() {
				forceRun = true
			})

			It("creates the next version", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(version.ID).To(Equal("analysis_02"))
				Expect(version.Version).To(Equal(2))
				Expect(db.versions["bill-1"]).To(HaveLen(2))
			})
		})
	})

	When("the version cannot be saved", func() {
		BeforeEach(func() {
			db.createVersionErr = errors.New("disk full")
		})

		It("returns a retryable error and flags the bill", func() {
			Expect(errors.Is(err, ErrRetryable)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("disk full")))
			Expect(db.bills["bill-1"].Status).To(Equal(StatusError))
			Expect(db.bills["bill-1"].ProcessingMethod).To(Equal(extraction.MethodError))
		})
	})

	When("the bill cannot be updated after the version is saved", func() {
		BeforeEach(func() {
			// the first update marks the bill as analyzing
			db.updateErrAfter = 1
		})

		It("marks the version as an error and returns a retryable error", func() {
			Expect(errors.Is(err, ErrRetryable)).To(BeTrue())
			Expect(db.versions["bill-1"]).To(HaveLen(1))
			Expect(db.versions["bill-1"][0].Status).To(Equal(VersionError))
			Expect(db.markedErrors).To(HaveKey("analysis_01"))
		})

		When("the analysis is retried without force", func() {
			var (
				retried  *AnalysisVersion
				retryErr error
			)

			JustBeforeEach(func() {
				db.updateErrAfter = -1
				retried, retryErr = service.Analyze(context.Background(), "bill-1", "user-1", AnalyzeOptions{})
			})

			It("runs a new analysis instead of returning the failed version", func() {
				Expect(retryErr).NotTo(HaveOccurred())
				Expect(retried.ID).To(Equal("analysis_02"))
				Expect(retried.Status).To(Equal(VersionAnalyzed))
				Expect(db.versions["bill-1"]).To(HaveLen(2))
			})

			It("leaves the bill analyzed", func() {
				Expect(db.bills["bill-1"].Status).To(Equal(StatusAnalyzed))
				Expect(db.bills["bill-1"].LatestVersionID).To(Equal("analysis_02"))
			})
		})
	})

	When("the bill belongs to another user", func() {
		BeforeEach(func() {
			db.bills["bill-1"].UserID = "user-2"
		})

		It("returns not found", func() {
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	When("the bill does not exist", func() {
		BeforeEach(func() {
			delete(db.bills, "bill-1")
		})

		It("returns not found", func() {
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
			Expect(version).To(BeNil())
		})
	})

	When("enhancement is enabled", func() {
		BeforeEach(func() {
			opts.Enhance = true
			db.profiles["user-1"] = &UserProfile{UserID: "user-1", FullName: "Jane Roe"}
		})

		It("attaches insights to the returned result only", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(version.ExtractedData.ContextualInsights).NotTo(BeNil())
			Expect(db.versions["bill-1"][0].ExtractedData.ContextualInsights).To(BeNil())
		})
	})
})

var _ = Describe("Insights and Ask", func() {
	var (
		db       *mockDB
		answerer *mockAnswerer
		service  *Service
		now      time.Time
	)

	BeforeEach(func() {
		db = newMockDB()
		answerer = &mockAnswerer{answer: "You owe $235.50."}
		now = time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC)

		current := extraction.Extract(statementText)
		current.PatientInfo.FullName = extraction.NotFound
		previous := extraction.Extract(statementText)

		db.bills["bill-1"] = &Bill{ID: "bill-1", UserID: "user-1", CreatedAt: now}
		_, err := db.CreateVersion("bill-1", &AnalysisVersion{ExtractedData: previous, AnalyzedAt: now.Add(-time.Hour)})
		Expect(err).NotTo(HaveOccurred())
		_, err = db.CreateVersion("bill-1", &AnalysisVersion{ExtractedData: current, AnalyzedAt: now})
		Expect(err).NotTo(HaveOccurred())

		other := extraction.Extract(statementText)
		db.bills["bill-2"] = &Bill{ID: "bill-2", UserID: "user-1", ExtractedData: &other, CreatedAt: now.Add(-24 * time.Hour)}
	})

	JustBeforeEach(func() {
		service = NewServiceWithDeps(db, newMockStorage(), Analyzers{Answerer: answerer}, Options{}, &mockIDGenerator{}, &mockTimeSource{now: now})
	})

	Describe("Insights", func() {
		It("backfills from earlier versions and finds recurring services", func() {
			result, err := service.Insights(context.Background(), "bill-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.PatientInfo.FullName).To(Equal(extraction.Extract(statementText).PatientInfo.FullName))
			Expect(result.ContextualInsights).NotTo(BeNil())
			Expect(result.ContextualInsights.BackfilledFields).To(ContainElement("patientInfo.fullName"))
			Expect(result.ContextualInsights.RecurringServices).NotTo(BeEmpty())
		})

		When("the context is already canceled", func() {
			It("returns the context error", func() {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				_, err := service.Insights(ctx, "bill-1")
				Expect(err).To(MatchError(context.Canceled))
			})
		})

		When("loading history fails", func() {
			BeforeEach(func() {
				db.listErr = errors.New("db closed")
			})

			It("returns the error", func() {
				_, err := service.Insights(context.Background(), "bill-1")
				Expect(err).To(MatchError(ContainSubstring("listing user bills")))
			})
		})

		When("the bill has no analysis", func() {
			It("returns not found", func() {
				db.bills["bill-3"] = &Bill{ID: "bill-3", UserID: "user-1"}
				_, err := service.Insights(context.Background(), "bill-3")
				Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
			})
		})
	})

	Describe("Ask", func() {
		It("answers with the latest extraction as context", func() {
			answer, err := service.Ask(context.Background(), "bill-1", "How much do I owe?")
			Expect(err).NotTo(HaveOccurred())
			Expect(answer).To(Equal("You owe $235.50."))
			Expect(answerer.question).To(Equal("How much do I owe?"))
			Expect(answerer.billContext).To(ContainSubstring(`"totalAmount":"$235.50"`))
			Expect(answerer.billContext).To(ContainSubstring(`"extractedText":""`))
		})

		When("no answerer is configured", func() {
			JustBeforeEach(func() {
				service = NewServiceWithDeps(db, newMockStorage(), Analyzers{}, Options{}, &mockIDGenerator{}, &mockTimeSource{now: now})
			})

			It("returns ErrNoAnswerer", func() {
				_, err := service.Ask(context.Background(), "bill-1", "Why?")
				Expect(err).To(MatchError(ErrNoAnswerer))
			})
		})

		When("the answerer fails", func() {
			BeforeEach(func() {
				answerer.err = errors.New("quota exceeded")
			})

			It("wraps the error", func() {
				_, err := service.Ask(context.Background(), "bill-1", "Why?")
				Expect(err).To(MatchError(ContainSubstring("quota exceeded")))
			})
		})
	})
})
