package skincare

import (
	"crypto/sha1"
	"encoding/hex"
)

// Source identifies where a captured image came from.
type Source string

const (
	SourceCamera Source = "camera"
	SourceUpload Source = "upload"
)

// CapturedImage is an encoded face photo regardless of origin. It is never
// mutated after construction; a new capture replaces it wholesale.
type CapturedImage struct {
	bytes    []byte
	mimeType string
	source   Source
}

// NewCapturedImage copies data so later writes by the caller cannot leak in.
func NewCapturedImage(data []byte, mimeType string, source Source) *CapturedImage {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &CapturedImage{bytes: buf, mimeType: mimeType, source: source}
}

// Bytes returns a copy of the encoded image.
func (c *CapturedImage) Bytes() []byte {
	buf := make([]byte, len(c.bytes))
	copy(buf, c.bytes)
	return buf
}

func (c *CapturedImage) MimeType() string { return c.mimeType }
func (c *CapturedImage) Source() Source   { return c.source }
func (c *CapturedImage) Size() int        { return len(c.bytes) }

// SHA1 returns the hex digest of the encoded bytes.
func (c *CapturedImage) SHA1() string {
	sum := sha1.Sum(c.bytes)
	return hex.EncodeToString(sum[:])
}

// Filename picks the multipart filename sent to the analysis service.
func (c *CapturedImage) Filename() string {
	switch c.mimeType {
	case "image/png":
		return "image.png"
	case "image/webp":
		return "image.webp"
	case "image/gif":
		return "image.gif"
	default:
		return "image.jpg"
	}
}
