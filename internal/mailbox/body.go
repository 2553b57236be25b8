package mailbox

import (
	"encoding/base64"
	"fmt"
	"strings"

	"google.golang.org/api/gmail/v1"
)

// ExtractBody returns the plaintext of a message payload. A single-part
// payload yields its own body; a multipart tree yields the first text/plain
// part found depth first.
func ExtractBody(payload *gmail.MessagePart) (string, error) {
	if payload == nil {
		return "", ErrNoReadableBody
	}
	if len(payload.Parts) == 0 && !isMultipart(payload.MimeType) {
		if payload.Body == nil || payload.Body.Data == "" {
			return "", ErrNoReadableBody
		}
		return decodeBodyData(payload.Body.Data)
	}
	if part := firstPlainPart(payload); part != nil {
		return decodeBodyData(part.Body.Data)
	}
	return "", ErrNoReadableBody
}

func firstPlainPart(part *gmail.MessagePart) *gmail.MessagePart {
	if part == nil {
		return nil
	}
	if mediaType(part.MimeType) == "text/plain" && part.Body != nil && part.Body.Data != "" {
		return part
	}
	for _, child := range part.Parts {
		if found := firstPlainPart(child); found != nil {
			return found
		}
	}
	return nil
}

// decodeBodyData accepts both padded and unpadded base64url. Line endings
// are normalized to LF.
func decodeBodyData(data string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoReadableBody, err)
	}
	return strings.ReplaceAll(string(decoded), "\r\n", "\n"), nil
}

func isMultipart(mimeType string) bool {
	return strings.HasPrefix(mediaType(mimeType), "multipart/")
}

func mediaType(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}
