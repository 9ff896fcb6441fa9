package textextract

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// decodeCharset wraps r with a decoder for the declared charset. UTF-8
// and ASCII content is validated and repaired via Latin-1 when invalid;
// unknown charsets pass through unchanged.
func decodeCharset(r io.Reader, charset string) io.Reader {
	if charset == "" {
		charset = "us-ascii"
	}
	charset = strings.ToLower(strings.TrimSpace(charset))

	if charset == "utf-8" || charset == "utf8" || charset == "ascii" || charset == "us-ascii" {
		return validatingUTF8Reader(r)
	}

	enc := lookupEncoding(charset)
	if enc == nil {
		return validatingUTF8Reader(r)
	}
	return transform.NewReader(r, enc.NewDecoder())
}

// lookupEncoding resolves a charset name, handling aliases the IANA index
// misses. A nil return means treat the content as UTF-8.
func lookupEncoding(charset string) encoding.Encoding {
	switch charset {
	case "latin1", "latin-1":
		return charmap.ISO8859_1
	}
	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil {
		return nil
	}
	return enc
}

// validatingUTF8Reader reads everything and repairs invalid UTF-8 by
// reinterpreting the bytes as Latin-1, which cannot fail.
func validatingUTF8Reader(r io.Reader) io.Reader {
	content, err := io.ReadAll(r)
	if err != nil {
		return bytes.NewReader(nil)
	}
	if utf8.Valid(content) {
		return bytes.NewReader(content)
	}
	decoded, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), content)
	if err != nil {
		return bytes.NewReader(content)
	}
	return bytes.NewReader(decoded)
}
