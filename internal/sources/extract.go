package sources

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/tasuke/internal/storage"
)

// ErrUnsupported is returned for content that cannot be turned into text.
var ErrUnsupported = errors.New("unsupported document")

// Extract turns a named document into note drafts. base supplies the
// identity (source, source note id, channel, author) for formats that carry
// none of their own; draft dumps (.json, .yaml) carry their own identity and
// only fall back to base.Source.
func Extract(name string, data []byte, base storage.NoteDraft) ([]storage.NoteDraft, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".json":
		return decodeDrafts(data, base, json.Unmarshal)
	case ".yaml", ".yml":
		return decodeDrafts(data, base, yaml.Unmarshal)
	case ".eml":
		d, err := emailDraft(data, base)
		if err != nil {
			return nil, err
		}
		return []storage.NoteDraft{d}, nil
	}

	var text string
	var err error
	switch ext {
	case ".html", ".htm":
		text, err = htmlText(bytes.NewReader(data))
	case ".pdf":
		text, err = pdfText(data)
	default:
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("%w: %s is not UTF-8 text", ErrUnsupported, name)
		}
		text = string(data)
	}
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", name, err)
	}

	d := base
	d.Content = strings.TrimSpace(text)
	return []storage.NoteDraft{d}, nil
}

// ExtractContentType is Extract for payloads identified by MIME type, as
// fetched from a URL.
func ExtractContentType(contentType string, data []byte, base storage.NoteDraft) ([]storage.NoteDraft, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	name := "document.txt"
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		name = "document.html"
	case "application/pdf":
		name = "document.pdf"
	case "message/rfc822":
		name = "document.eml"
	}
	return Extract(name, data, base)
}

func decodeDrafts(data []byte, base storage.NoteDraft, unmarshal func([]byte, any) error) ([]storage.NoteDraft, error) {
	var drafts []storage.NoteDraft
	if err := unmarshal(data, &drafts); err != nil {
		var single storage.NoteDraft
		if err2 := unmarshal(data, &single); err2 != nil {
			return nil, fmt.Errorf("decoding drafts: %w", err)
		}
		drafts = []storage.NoteDraft{single}
	}
	for i := range drafts {
		if drafts[i].Source == "" {
			drafts[i].Source = base.Source
		}
	}
	return drafts, nil
}

func emailDraft(data []byte, base storage.NoteDraft) (storage.NoteDraft, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return storage.NoteDraft{}, fmt.Errorf("%w: parsing email: %v", ErrUnsupported, err)
	}

	d := base
	if d.Source == "" || d.Source == "file" {
		d.Source = "email"
	}
	if id := strings.Trim(msg.Header.Get("Message-Id"), "<> "); id != "" {
		d.SourceNoteID = id
	}
	if from, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		d.Author = from.Address
	}

	body, err := emailBody(msg.Header.Get("Content-Type"), msg.Body)
	if err != nil {
		return storage.NoteDraft{}, err
	}
	if subject := msg.Header.Get("Subject"); subject != "" {
		body = subject + "\n\n" + body
	}
	d.Content = strings.TrimSpace(body)
	return d, nil
}

// emailBody returns the text of a message body, preferring text/plain over
// text/html in multipart messages.
func emailBody(contentType string, r io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r, params["boundary"])
		var htmlPart string
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", fmt.Errorf("reading email part: %w", err)
			}
			text, err := emailBody(part.Header.Get("Content-Type"), part)
			if err != nil {
				return "", err
			}
			pt, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
			switch {
			case pt == "text/plain" || pt == "":
				return text, nil
			case htmlPart == "":
				htmlPart = text
			}
		}
		return htmlPart, nil
	}

	if mediaType == "text/html" {
		return htmlText(r)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading email body: %w", err)
	}
	return string(b), nil
}

var skippedElements = map[string]bool{"script": true, "style": true, "head": true, "noscript": true, "template": true}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "pre": true, "blockquote": true,
}

// htmlText returns the visible text of an HTML document, one line per block
// element.
func htmlText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(strings.Join(strings.Fields(n.Data), " "))
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteByte('\n')
		}
	}
	walk(doc)

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func pdfText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: malformed pdf: %v", ErrUnsupported, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return string(b), nil
}
