package chat

import (
	"crypto/sha256"
	"strings"

	"github.com/MegaGrindStone/notebook-chat/internal/jsonwalk"
	"github.com/tidwall/gjson"
)

const defaultImageMIME = "image/png"

var imageWalker = jsonwalk.NewWalker(
	"response", "output", "item", "result", "content", "data", "images", "image", "tool_call", "outputs",
)

// imageSet tracks the images already attached to a message by content hash, so the same base64 body
// reached through two different nesting paths is appended once.
type imageSet struct {
	seen map[[sha256.Size]byte]struct{}
}

func newImageSet(existing []string) imageSet {
	s := imageSet{seen: make(map[[sha256.Size]byte]struct{})}
	for _, img := range existing {
		s.add(img)
	}
	return s
}

// add reports whether the image was not seen before.
func (s imageSet) add(dataURL string) bool {
	sum := sha256.Sum256([]byte(normalizeBase64(dataURL)))
	if _, ok := s.seen[sum]; ok {
		return false
	}
	s.seen[sum] = struct{}{}
	return true
}

// extractImages returns displayable data URLs for every final image found in evt, in document order.
// Partial previews are ignored; the final image always follows in a completion event.
func extractImages(evt gjson.Result) []string {
	var out []string
	imageWalker.Walk(evt, func(_ string, v gjson.Result) bool {
		if !v.IsObject() {
			return true
		}
		if url := imageFromObject(v); url != "" {
			out = append(out, url)
		}
		return true
	})
	return out
}

func imageFromObject(v gjson.Result) string {
	mime := imageMIME(v)

	if s := jsonwalk.String(v, "b64_json", "image_base64", "base64", "b64"); s != "" {
		return toDataURL(s, mime)
	}
	if v.Get("type").Str == "image_generation_call" {
		if r := v.Get("result"); r.Type == gjson.String && strings.TrimSpace(r.Str) != "" {
			return toDataURL(r.Str, mime)
		}
	}

	url := jsonwalk.String(v, "image_url", "image_url.url", "url")
	if strings.HasPrefix(url, "data:image/") {
		return url
	}
	return ""
}

func imageMIME(v gjson.Result) string {
	if m := jsonwalk.String(v, "mime_type", "mimeType", "media_type"); strings.HasPrefix(m, "image/") {
		return m
	}
	switch f := strings.ToLower(jsonwalk.String(v, "output_format", "format")); f {
	case "png", "jpeg", "webp", "gif":
		return "image/" + f
	case "jpg":
		return "image/jpeg"
	}
	return defaultImageMIME
}

func toDataURL(b64, mime string) string {
	b64 = strings.TrimSpace(b64)
	if strings.HasPrefix(b64, "data:") {
		return b64
	}
	return "data:" + mime + ";base64," + stripSpace(b64)
}

// normalizeBase64 reduces an image to its bare base64 body so data URLs and raw payloads of the same
// bytes hash equal.
func normalizeBase64(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	return strings.TrimRight(stripSpace(s), "=")
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}
