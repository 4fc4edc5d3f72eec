package handlers

import (
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxExtractedText bounds the inline text returned for an uploaded file.
const maxExtractedText = 32 << 10

type uploadedFile struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	Text      string `json:"text,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// HandleFileUpload accepts a multipart file. The backend keeps no file store, so only UTF-8 text files
// are accepted and their text is returned for the caller to inline into later turns.
func (m *Main) HandleFileUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "file is required")
		return
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxExtractedText+1))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "error reading file")
		return
	}
	out := uploadedFile{ID: "file_" + uuid.New().String(), Filename: hdr.Filename}
	if len(content) > maxExtractedText {
		content = content[:maxExtractedText]
		out.Truncated = true
	}
	// A cut may split the last rune.
	for len(content) > 0 && !utf8.Valid(content) && out.Truncated {
		content = content[:len(content)-1]
	}
	if !utf8.Valid(content) {
		writeDetail(w, http.StatusUnsupportedMediaType, "only text files are supported")
		return
	}
	out.Text = string(content)
	writeJSON(w, http.StatusOK, out)
}
