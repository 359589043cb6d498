package media

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	"github.com/nfnt/resize"
	"github.com/vincent-petithory/dataurl"

	"wuzapi-ai-gateway/internal/apperr"
)

// ThumbnailSize is the bounding box of generated thumbnails.
const ThumbnailSize = 72

// Decoded is the payload of a data URL.
type Decoded struct {
	Data     []byte
	MimeType string
}

// IsDataURL reports whether s is a data: URL.
func IsDataURL(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// DecodeDataURL decodes a data: URL. A bare base64 string is accepted with
// fallbackMime as its type.
func DecodeDataURL(s, fallbackMime string) (*Decoded, error) {
	if !IsDataURL(s) {
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, apperr.Wrap(apperr.MediaError, err, "invalid base64 media")
		}
		return &Decoded{Data: data, MimeType: fallbackMime}, nil
	}
	du, err := dataurl.DecodeString(s)
	if err != nil {
		return nil, apperr.Wrap(apperr.MediaError, err, "invalid data URL")
	}
	if len(du.Data) == 0 {
		return nil, apperr.New(apperr.MediaError, "data URL carries no data")
	}
	mimeType := du.MediaType.ContentType()
	if mimeType == "" {
		mimeType = fallbackMime
	}
	return &Decoded{Data: du.Data, MimeType: mimeType}, nil
}

// Thumbnail renders a JPEG preview no larger than ThumbnailSize on either side.
func Thumbnail(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.MediaError, err, "could not decode image")
	}
	thumb := resize.Thumbnail(ThumbnailSize, ThumbnailSize, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 70}); err != nil {
		return nil, apperr.Wrap(apperr.MediaError, err, "could not encode thumbnail")
	}
	return buf.Bytes(), nil
}
