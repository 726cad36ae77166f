package ingest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/promowatch/promowatch/internal/web"
)

// ParsedEmail is the distilled form of one .eml file.
type ParsedEmail struct {
	Subject     string
	FromAddress string
	FromDomain  string
	FromName    *string
	Date        time.Time
	BodyText    string
	TopLinks    []string
}

var headerDecoder = new(mime.WordDecoder)

// ParseEML parses raw RFC 5322 bytes. The plain-text part is preferred;
// HTML-only mail is reduced to visible text and its links become the
// evidence links.
func ParseEML(raw []byte) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}

	parsed := &ParsedEmail{Subject: decodeHeader(msg.Header.Get("Subject"))}
	if parsed.Subject == "" {
		parsed.Subject = "(no subject)"
	}

	if addr, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		parsed.FromAddress = strings.ToLower(addr.Address)
		if addr.Name != "" {
			name := addr.Name
			parsed.FromName = &name
		}
	} else {
		parsed.FromAddress = strings.ToLower(strings.TrimSpace(msg.Header.Get("From")))
	}
	if at := strings.LastIndex(parsed.FromAddress, "@"); at >= 0 {
		parsed.FromDomain = parsed.FromAddress[at+1:]
	}

	if date, err := msg.Header.Date(); err == nil {
		parsed.Date = date.UTC()
	}

	plain, html, err := bodyParts(
		msg.Header.Get("Content-Type"),
		msg.Header.Get("Content-Transfer-Encoding"),
		msg.Body,
	)
	if err != nil {
		return nil, err
	}
	switch {
	case plain != "":
		parsed.BodyText = strings.TrimSpace(plain)
	case html != "":
		page, err := web.ParsePage([]byte(html), "")
		if err != nil {
			return nil, fmt.Errorf("parse html body: %w", err)
		}
		parsed.BodyText = page.Text
		parsed.TopLinks = page.Links
	}
	return parsed, nil
}

// bodyParts walks the MIME tree and returns the first text/plain and first
// text/html bodies it finds. The walk stops once a plain part is in hand.
func bodyParts(contentType, encoding string, body io.Reader) (plain, html string, err error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if contentType == "" || err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return "", "", fmt.Errorf("multipart body without boundary")
		}
		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return plain, html, fmt.Errorf("read mime part: %w", err)
			}
			p, h, err := bodyParts(
				part.Header.Get("Content-Type"),
				part.Header.Get("Content-Transfer-Encoding"),
				part,
			)
			if err != nil {
				return plain, html, err
			}
			if plain == "" {
				plain = p
			}
			if html == "" {
				html = h
			}
			if plain != "" {
				break
			}
		}
		return plain, html, nil
	}

	data, err := io.ReadAll(decodeTransfer(body, encoding))
	if err != nil {
		return "", "", fmt.Errorf("read body: %w", err)
	}
	switch mediaType {
	case "text/plain":
		return string(data), "", nil
	case "text/html":
		return "", string(data), nil
	}
	return "", "", nil
}

// decodeTransfer undoes the content transfer encoding. multipart.NextPart
// already strips quoted-printable inside multipart bodies; this covers the
// single-part case and base64.
func decodeTransfer(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	}
	return r
}

func decodeHeader(v string) string {
	decoded, err := headerDecoder.DecodeHeader(v)
	if err != nil {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(decoded)
}
