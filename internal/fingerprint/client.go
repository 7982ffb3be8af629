package fingerprint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kozaktomas/child-finder/internal/constants"
)

const defaultEmbeddingURL = "http://localhost:8000"

// ErrNoFace is returned when an image contains no detectable face.
var ErrNoFace = errors.New("no face detected")

// Face is a single detected face with its embedding.
type Face struct {
	Index     int
	Frame     int // video frame number, 0 for still images
	Embedding []float32
	BBox      []float64 // [x1, y1, x2, y2]
	Score     float64
}

// Extractor turns an image or video into per-face embeddings.
type Extractor interface {
	ExtractFaces(ctx context.Context, data []byte) ([]Face, error)
}

// Client calls the face detection and embedding server
type Client struct {
	baseURL      string
	client       *http.Client
	maxImageSize int
}

var _ Extractor = (*Client)(nil)

// NewClient creates a new embedding server client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultEmbeddingURL
	}
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		client:       &http.Client{Timeout: timeout},
		maxImageSize: constants.MaxImageSize,
	}
}

// faceDetection represents a single detected face in a server response
type faceDetection struct {
	FaceIndex int       `json:"face_index"`
	Frame     int       `json:"frame"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"`
	DetScore  float64   `json:"det_score"`
}

// faceResponse represents the response from the face embedding endpoints
type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// ExtractFaces detects faces in an image or video and returns their embeddings.
// Images are downscaled before upload; videos are sent as-is to /embed/video.
// A file with no detectable face yields an empty slice.
func (c *Client) ExtractFaces(ctx context.Context, data []byte) ([]Face, error) {
	var endpoint string
	switch DetectMediaType(data) {
	case MediaImage:
		prepared, err := PrepareImage(data, c.maxImageSize)
		if err != nil {
			return nil, err
		}
		data = prepared
		endpoint = "/embed/face"
	case MediaVideo:
		endpoint = "/embed/video"
	default:
		return nil, ErrUnsupportedMedia
	}

	body, err := c.postMultipart(ctx, endpoint, data)
	if err != nil {
		return nil, err
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	faces := make([]Face, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		faces = append(faces, Face{
			Index:     f.FaceIndex,
			Frame:     f.Frame,
			Embedding: f.Embedding,
			BBox:      f.BBox,
			Score:     f.DetScore,
		})
	}
	return faces, nil
}

// Health checks that the embedding server responds.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding server unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}

// postMultipart posts data as the "file" form field and returns the response body.
func (c *Client) postMultipart(ctx context.Context, endpoint string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	mimeType := DetectMIMEType(data)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+uploadName(mimeType)+`"`)
	h.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}

func uploadName(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return "image.jpg"
	case "video/mp4":
		return "video.mp4"
	case "video/webm":
		return "video.webm"
	case "video/x-msvideo":
		return "video.avi"
	}
	return "upload.bin"
}

// BestFace returns the highest-scoring face, or an error if none was detected.
func BestFace(faces []Face) (Face, error) {
	if len(faces) == 0 {
		return Face{}, ErrNoFace
	}
	best := faces[0]
	for _, f := range faces[1:] {
		if f.Score > best.Score {
			best = f
		}
	}
	return best, nil
}
