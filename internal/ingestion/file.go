package ingestion

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	pdf "github.com/ledongthuc/pdf"
)

const (
	MimeText = "text/plain"
	MimePDF  = "application/pdf"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeHTML = "text/html"
)

var ErrUnsupportedFile = errors.New("unsupported file type")

// SupportedMime reports whether uploads of this type can be extracted.
func SupportedMime(mime string) bool {
	switch normalizeMime(mime) {
	case MimeText, MimePDF, MimeDOCX, MimeHTML, "text/markdown":
		return true
	}
	return false
}

func normalizeMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}

// ExtractFile returns the text of an uploaded file. The content is sniffed
// first; the declared type and file extension only break ties.
func ExtractFile(name, mime string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty file %s", name)
	}
	mime = normalizeMime(mime)
	ext := strings.ToLower(filepath.Ext(name))

	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return extractPDF(data)
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return extractDOCX(data)
	case mime == MimeHTML || ext == ".html" || ext == ".htm" || looksLikeHTML(data):
		return htmlText(bytes.NewReader(data))
	case mime == MimePDF || ext == ".pdf":
		return "", fmt.Errorf("%s claims to be a PDF but has no PDF header", name)
	case mime == MimeDOCX || ext == ".docx":
		return "", fmt.Errorf("%s claims to be DOCX but is not a zip container", name)
	case utf8.Valid(data):
		return strings.TrimSpace(string(data)), nil
	}
	return "", fmt.Errorf("%w: %s (%s)", ErrUnsupportedFile, name, mime)
}

func looksLikeHTML(data []byte) bool {
	head := strings.ToLower(strings.TrimSpace(string(data[:min(len(data), 1024)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract PDF text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("failed to read PDF text: %w", err)
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(string(b), " ")), nil
}

// extractDOCX collects the w:t runs of word/document.xml, one line per
// paragraph.
func extractDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open DOCX: %w", err)
	}

	var part *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			part = f
			break
		}
	}
	if part == nil {
		return "", fmt.Errorf("%w: zip has no word/document.xml", ErrUnsupportedFile)
	}

	rc, err := part.Open()
	if err != nil {
		return "", fmt.Errorf("failed to read DOCX body: %w", err)
	}
	defer rc.Close()

	var b strings.Builder
	dec := xml.NewDecoder(rc)
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to parse DOCX body: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}
