package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"net/http"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// billExtractionPrompt is shared by every model-backed extractor and structurer
const billExtractionPrompt = `You are reading a medical bill. Extract the following and return ONLY a JSON object, no prose and no markdown:

{
  "patientInfo": {"fullName": "", "dateOfBirth": "", "accountNumber": "", "insuranceInfo": ""},
  "billInfo": {"totalAmount": "", "serviceDates": "", "dueDate": "", "facilityName": "", "provider": ""},
  "services": [{"description": "", "code": "", "amount": "", "details": ""}],
  "insuranceInfo": {"amountCovered": "", "patientResponsibility": "", "adjustments": "", "type": ""},
  "diagnosticCodes": [""],
  "isMedicalBill": true,
  "confidence": 0.0,
  "extractedText": ""
}

Rules:
- Amounts are strings like "$123.45".
- Dates are MM/DD/YYYY; a range of service dates is "MM/DD/YYYY - MM/DD/YYYY".
- Service codes are CPT (5 digits) or HCPCS (a letter followed by 4 digits). Diagnostic codes are ICD-10.
- List every billed line item in the order it appears. Do not list totals, balances or payments as services.
- Use "Not found" for anything you cannot read. Never invent values.
- confidence is your confidence in the extraction between 0 and 1.
- extractedText is all of the text you can read on the document, line by line, exactly as printed.`

// answerPrompt frames questions asked about a stored extraction
const answerPrompt = `You answer questions about a patient's medical bill. Use only the bill data provided. If the data does not contain the answer, say so. Keep the answer short and plain.`

// pdfToImage renders the first page of a PDF as PNG
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}
	// the patient and totals block of a bill is on its first page
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return encodePNG(img)
}

// imageToPNG decodes JPEG, GIF, PNG or HEIC/HEIF data and re-encodes it as PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var (
		img image.Image
		err error
	)
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		// phone cameras default to HEIC, which the standard library cannot decode
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return encodePNG(img)
	}

	img, _, err = image.Decode(bytes.NewReader(imageData))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("unsupported image format, supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// sniffContentType fills in a missing or generic MIME type from the document bytes
func sniffContentType(data []byte, mimeType string) string {
	if mimeType != "" && mimeType != "application/octet-stream" {
		return mimeType
	}
	if isHEICFormat(data) {
		return "image/heic"
	}
	return http.DetectContentType(data)
}

// PrepareImage converts a bill document to PNG. PDFs are rasterized to their first page,
// every other supported image is re-encoded. It reports whether a conversion happened.
func PrepareImage(data []byte, contentType string) ([]byte, bool, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	mimeType = sniffContentType(data, mimeType)

	switch {
	case mimeType == "application/pdf":
		out, err := pdfToImage(data)
		if err != nil {
			return nil, false, fmt.Errorf("converting PDF to image: %w", err)
		}
		return out, true, nil
	case mimeType == "image/png" && !isHEICFormat(data):
		return data, false, nil
	default:
		out, err := imageToPNG(data, mimeType)
		if err != nil {
			return nil, false, fmt.Errorf("converting image to PNG: %w", err)
		}
		return out, true, nil
	}
}
