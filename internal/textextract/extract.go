// Package textextract turns raw RFC 5322 message bytes into readable
// plain text for indexing and classification. Extraction never fails:
// unparseable input degrades to a lossy UTF-8 conversion of the raw bytes.
package textextract

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"unicode/utf8"
)

// maxPartDepth bounds recursion into nested multipart bodies.
const maxPartDepth = 8

// Extract returns the best plain-text rendering of a raw message body:
// the first non-attachment text/plain part, else the first text/html part
// stripped to text, else a lossy UTF-8 conversion of the whole input.
// The result is always valid UTF-8.
func Extract(data []byte) string {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return lossy(data)
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return lossy(data)
	}

	mediaType, params := parseContentType(msg.Header.Get("Content-Type"))
	meta := partMeta{
		mediaType:   mediaType,
		params:      params,
		transferEnc: msg.Header.Get("Content-Transfer-Encoding"),
		disposition: msg.Header.Get("Content-Disposition"),
	}

	plain, html := walk(meta, body, 0)
	switch {
	case plain != "":
		return plain
	case html != "":
		return html
	default:
		return lossy(body)
	}
}

// DecodeHeader decodes RFC 2047 encoded words in a header value, returning
// the input unchanged when it is not encoded or decoding fails.
func DecodeHeader(s string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// partMeta carries the headers that drive decoding of one MIME part.
type partMeta struct {
	mediaType   string
	params      map[string]string
	transferEnc string
	disposition string
}

// walk searches a part tree for text content, returning the first
// text/plain and first text/html candidates found in order.
func walk(meta partMeta, body []byte, depth int) (plain, html string) {
	if depth > maxPartDepth {
		return "", ""
	}

	if strings.HasPrefix(meta.mediaType, "multipart/") {
		boundary := meta.params["boundary"]
		if boundary == "" {
			return "", ""
		}
		mr := multipart.NewReader(bytes.NewReader(body), boundary)
		for {
			p, err := mr.NextPart()
			if err != nil {
				break
			}
			partBody, err := io.ReadAll(p)
			if err != nil {
				continue
			}
			subType, subParams := parseContentType(p.Header.Get("Content-Type"))
			subPlain, subHTML := walk(partMeta{
				mediaType:   subType,
				params:      subParams,
				transferEnc: p.Header.Get("Content-Transfer-Encoding"),
				disposition: p.Header.Get("Content-Disposition"),
			}, partBody, depth+1)

			if plain == "" {
				plain = subPlain
			}
			if html == "" {
				html = subHTML
			}
			if plain != "" {
				return plain, html
			}
		}
		return plain, html
	}

	if isAttachment(meta.disposition) {
		return "", ""
	}

	switch meta.mediaType {
	case "text/plain":
		return decodePart(meta, body, false), ""
	case "text/html":
		return "", decodePart(meta, body, true)
	default:
		return "", ""
	}
}

// decodePart applies transfer decoding, charset decoding, and (for HTML)
// tag stripping, always yielding valid UTF-8.
func decodePart(meta partMeta, body []byte, stripTags bool) string {
	r := decodeTransfer(bytes.NewReader(body), meta.transferEnc)
	r = decodeCharset(r, meta.params["charset"])
	if stripTags {
		r = newHTMLTextReader(r)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return lossy(body)
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(out), string(utf8.RuneError)))
}

// decodeTransfer unwraps the content transfer encoding. Parts read via
// mime/multipart arrive with quoted-printable already decoded; this also
// covers the top-level body where the stdlib does not decode.
func decodeTransfer(r io.Reader, enc string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	default:
		return r
	}
}

func parseContentType(v string) (string, map[string]string) {
	if v == "" {
		return "text/plain", nil
	}
	mediaType, params, err := mime.ParseMediaType(v)
	if err != nil {
		return "text/plain", nil
	}
	return mediaType, params
}

func isAttachment(disposition string) bool {
	if disposition == "" {
		return false
	}
	dispType, _, err := mime.ParseMediaType(disposition)
	if err != nil {
		return false
	}
	return dispType == "attachment"
}

// lossy converts bytes to valid UTF-8 with replacement runes.
func lossy(data []byte) string {
	return strings.TrimSpace(strings.ToValidUTF8(string(data), string(utf8.RuneError)))
}
