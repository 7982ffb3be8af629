package handlers

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/kozaktomas/child-finder/internal/constants"
	"github.com/kozaktomas/child-finder/internal/database"
)

// parseUpload parses a multipart request bounded by constants.MaxUploadSize.
func parseUpload(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxUploadSize)
	if err := r.ParseMultipartForm(constants.MaxUploadSize); err != nil {
		return &database.ValidationError{Field: "body", Reason: "failed to parse multipart form"}
	}
	return nil
}

// readUploadedFiles reads the named multipart files into memory.
func readUploadedFiles(files []*multipart.FileHeader) ([][]byte, error) {
	data := make([][]byte, 0, len(files))
	for _, fileHeader := range files {
		content, err := readUploadedFile(fileHeader)
		if err != nil {
			return nil, err
		}
		data = append(data, content)
	}
	return data, nil
}

func readUploadedFile(fileHeader *multipart.FileHeader) ([]byte, error) {
	file, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", sanitizeForLog(fileHeader.Filename), err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", sanitizeForLog(fileHeader.Filename), err)
	}
	if len(content) == 0 {
		return nil, &database.ValidationError{Field: "file", Reason: fileHeader.Filename + " is empty"}
	}
	return content, nil
}
