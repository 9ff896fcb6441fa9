package textextract

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// skipElements are elements whose text content is discarded.
var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
}

// blockElements separate their content with whitespace.
var blockElements = map[string]bool{
	"p": true, "div": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "li": true, "blockquote": true,
	"pre": true, "table": true, "tr": true, "td": true, "th": true,
	"section": true, "article": true, "header": true, "footer": true,
	"nav": true, "main": true, "aside": true,
}

// htmlTextReader streams an HTML document as space-normalized plain text.
type htmlTextReader struct {
	tokenizer *html.Tokenizer
	buf       bytes.Buffer
	done      bool
	skipDepth int
	lastSpace bool
	hasOutput bool
}

// newHTMLTextReader wraps an HTML stream and emits its visible text.
func newHTMLTextReader(r io.Reader) io.Reader {
	return &htmlTextReader{tokenizer: html.NewTokenizer(r)}
}

func (h *htmlTextReader) Read(p []byte) (int, error) {
	for h.buf.Len() < len(p) && !h.done {
		if !h.next() {
			break
		}
	}
	if h.buf.Len() == 0 && h.done {
		return 0, io.EOF
	}
	return h.buf.Read(p)
}

func (h *htmlTextReader) next() bool {
	switch h.tokenizer.Next() {
	case html.ErrorToken:
		h.done = true
		trimmed := strings.TrimRight(h.buf.String(), " ")
		h.buf.Reset()
		h.buf.WriteString(trimmed)
		return false

	case html.StartTagToken:
		tn, _ := h.tokenizer.TagName()
		tag := string(tn)
		if skipElements[tag] {
			h.skipDepth++
			return true
		}
		if tag == "br" || blockElements[tag] {
			h.writeSpace()
		}
		return true

	case html.EndTagToken:
		tn, _ := h.tokenizer.TagName()
		tag := string(tn)
		if skipElements[tag] && h.skipDepth > 0 {
			h.skipDepth--
		}
		if blockElements[tag] {
			h.writeSpace()
		}
		return true

	case html.SelfClosingTagToken:
		tn, _ := h.tokenizer.TagName()
		if string(tn) == "br" {
			h.writeSpace()
		}
		return true

	case html.TextToken:
		if h.skipDepth == 0 {
			h.writeText(h.tokenizer.Text())
		}
		return true
	}
	return true
}

func (h *htmlTextReader) writeSpace() {
	if h.hasOutput && !h.lastSpace {
		h.buf.WriteByte(' ')
		h.lastSpace = true
	}
}

func (h *htmlTextReader) writeText(text []byte) {
	for _, b := range text {
		switch b {
		case ' ', '\t', '\n', '\r', '\f':
			h.writeSpace()
		default:
			h.buf.WriteByte(b)
			h.lastSpace = false
			h.hasOutput = true
		}
	}
}
