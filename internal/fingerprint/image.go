package fingerprint

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// MediaType classifies an uploaded file by its magic bytes.
type MediaType int

const (
	MediaUnknown MediaType = iota
	MediaImage
	MediaVideo
)

func (m MediaType) String() string {
	switch m {
	case MediaImage:
		return "image"
	case MediaVideo:
		return "video"
	}
	return "unknown"
}

// ErrUnsupportedMedia is returned for data that is neither a decodable image nor a known video container.
var ErrUnsupportedMedia = errors.New("unsupported media")

// DetectMIMEType detects the MIME type from image or video data
func DetectMIMEType(data []byte) string {
	if len(data) < 12 {
		return "application/octet-stream"
	}
	switch {
	// JPEG: FF D8 FF
	case data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "image/jpeg"
	// PNG: 89 50 4E 47
	case data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47:
		return "image/png"
	// GIF: 47 49 46 38
	case data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38:
		return "image/gif"
	// BMP: 42 4D
	case data[0] == 0x42 && data[1] == 0x4D:
		return "image/bmp"
	// RIFF container: WebP or AVI
	case string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "image/webp"
	case string(data[0:4]) == "RIFF" && string(data[8:12]) == "AVI ":
		return "video/x-msvideo"
	// ISO base media (MP4/MOV): ....ftyp
	case string(data[4:8]) == "ftyp":
		return "video/mp4"
	// Matroska/WebM: 1A 45 DF A3
	case data[0] == 0x1A && data[1] == 0x45 && data[2] == 0xDF && data[3] == 0xA3:
		return "video/webm"
	}
	return "application/octet-stream"
}

// DetectMediaType reports whether data is an image or a video.
func DetectMediaType(data []byte) MediaType {
	switch DetectMIMEType(data) {
	case "image/jpeg", "image/png", "image/gif", "image/bmp", "image/webp":
		return MediaImage
	case "video/mp4", "video/webm", "video/x-msvideo":
		return MediaVideo
	}
	return MediaUnknown
}

// PrepareImage decodes an image, downscales it to fit within maxSize and
// re-encodes it as JPEG so the detector only ever sees one format.
func PrepareImage(data []byte, maxSize int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode image: %v", ErrUnsupportedMedia, err)
	}

	img = fitWithin(img, maxSize)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// fitWithin scales img so neither side exceeds maxSize, keeping the aspect ratio.
func fitWithin(img image.Image, maxSize int) image.Image {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if maxSize <= 0 || (width <= maxSize && height <= maxSize) {
		return img
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = max(1, int(float64(height)*float64(maxSize)/float64(width)))
	} else {
		newHeight = maxSize
		newWidth = max(1, int(float64(width)*float64(maxSize)/float64(height)))
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
	return resized
}
