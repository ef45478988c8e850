package bill

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
)

const maxUploadSize = int64(50 << 20) // 50MB, phone photos of long statements are large

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// jsonError writes {"error": message} with the given status
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// writeJSON encodes v with the given status
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRetryable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNoAnswerer):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// detectContentType fills in a content type from the file extension
func detectContentType(header string, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(header))
	if contentType != "" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleListBills returns the bills of the user in ?user_id, or every bill
func (s *Server) handleListBills(w http.ResponseWriter, r *http.Request) {
	bills, err := s.service.ListBills(r.URL.Query().Get("user_id"))
	if err != nil {
		slog.Error("Error listing bills", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if bills == nil {
		bills = []*Bill{}
	}
	writeJSON(w, http.StatusOK, bills)
}

// handleUploadBill handles bill upload
func (s *Server) handleUploadBill(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "File is too large. Maximum size is 50MB."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}

	userID := strings.TrimSpace(r.FormValue("user_id"))
	if userID == "" {
		jsonError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := detectContentType(header.Header.Get("Content-Type"), header.Filename)
	bill, err := s.service.UploadBill(userID, header.Filename, data, contentType)
	if err != nil {
		slog.Error("Error uploading bill", "filename", header.Filename, "error", err)
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, bill)
}

// handleGetBill returns a single bill
func (s *Server) handleGetBill(w http.ResponseWriter, r *http.Request) {
	bill, err := s.service.GetBill(r.PathValue("id"))
	if err != nil {
		corsError(w, "Bill not found", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, bill)
}

// handleGetBillFile returns the stored document of a bill
func (s *Server) handleGetBillFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetBillFile(r.PathValue("id"))
	if err != nil {
		corsError(w, "File not found", statusFor(err))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteBill deletes a bill with its versions and file
func (s *Server) handleDeleteBill(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteBill(r.PathValue("id")); err != nil {
		slog.Error("Error deleting bill", "bill_id", r.PathValue("id"), "error", err)
		corsError(w, "Error deleting bill", statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAnalyzeBill runs the extraction pipeline. ?force=true re-analyzes an analyzed bill.
func (s *Server) handleAnalyzeBill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	opts := AnalyzeOptions{Force: r.URL.Query().Get("force") == "true"}

	version, err := s.service.Analyze(r.Context(), id, r.URL.Query().Get("user_id"), opts)
	if err != nil {
		slog.Error("Error analyzing bill", "bill_id", id, "error", err)
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// handleListVersions returns a bill's analysis history
func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.service.ListVersions(r.PathValue("id"))
	if err != nil {
		corsError(w, "Bill not found", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

// handleLatestVersion returns the newest analysis of a bill
func (s *Server) handleLatestVersion(w http.ResponseWriter, r *http.Request) {
	version, err := s.service.LatestVersion(r.PathValue("id"))
	if err != nil {
		corsError(w, "Analysis not found", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// handleDeleteVersion deletes one analysis version
func (s *Server) handleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteVersion(r.PathValue("id"), r.PathValue("versionId")); err != nil {
		corsError(w, "Error deleting version", statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInsights returns the latest extraction enhanced with the user's history
func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Insights(r.Context(), r.PathValue("id"))
	if err != nil {
		slog.Error("Error building insights", "bill_id", r.PathValue("id"), "error", err)
		corsError(w, "Error building insights", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAsk answers a question about a bill
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Question) == "" {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	answer, err := s.service.Ask(r.Context(), r.PathValue("id"), req.Question)
	if err != nil {
		slog.Error("Error answering question", "bill_id", r.PathValue("id"), "error", err)
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

// handleGetProfile returns a user's profile
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.service.GetProfile(r.PathValue("id"))
	if err != nil {
		corsError(w, "Profile not found", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handleSaveProfile creates or replaces a user's profile
func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var profile UserProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	profile.UserID = r.PathValue("id")

	saved, err := s.service.SaveProfile(profile)
	if err != nil {
		slog.Error("Error saving profile", "user_id", profile.UserID, "error", err)
		corsError(w, "Error saving profile", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
