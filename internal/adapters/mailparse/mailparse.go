// Package mailparse turns raw RFC 5322 messages into the values rules inspect.
package mailparse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/mikey/remote-mail-filter/internal/core"
)

// ParseMessage builds a message handle from raw content, e.g. an .eml file
func ParseMessage(raw []byte, folder core.Folder) (*core.Message, error) {
	mr, err := createReader(raw)
	if err != nil {
		return nil, err
	}
	defer mr.Close()

	msg := &core.Message{
		Folder: folder,
		Flags:  core.NewFlags(),
	}
	h := mr.Header

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}
	msg.To = addressList(h, "To")
	msg.Cc = addressList(h, "Cc")
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	if id, err := h.MessageID(); err == nil {
		msg.MessageID = id
	}
	if date, err := h.Date(); err == nil {
		msg.Date = date
	}

	msg.ID = msg.MessageID
	msg.SetBody(raw)
	return msg, nil
}

func addressList(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// Headers returns the decoded header fields of raw
func Headers(raw []byte) (map[string][]string, error) {
	mr, err := createReader(raw)
	if err != nil {
		return nil, err
	}
	defer mr.Close()

	headers := make(map[string][]string)
	fields := mr.Header.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		key := fields.Key()
		headers[key] = append(headers[key], value)
	}
	return headers, nil
}

// ExtractText returns the inline text/plain parts of raw. When there are
// none, the text/html parts are returned instead.
func ExtractText(raw []byte) (string, error) {
	mr, err := createReader(raw)
	if err != nil {
		return "", err
	}
	defer mr.Close()

	var plain, html strings.Builder
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			// Malformed tail, keep what was read so far
			if plain.Len() > 0 || html.Len() > 0 {
				break
			}
			return "", fmt.Errorf("failed to read message part: %w", err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := h.ContentType()
		if err != nil {
			contentType = "text/plain"
		}

		var dst *strings.Builder
		switch contentType {
		case "text/plain":
			dst = &plain
		case "text/html":
			dst = &html
		default:
			continue
		}
		body, err := io.ReadAll(p.Body)
		if err != nil {
			return "", fmt.Errorf("failed to read message part: %w", err)
		}
		if dst.Len() > 0 {
			dst.WriteString("\n")
		}
		dst.Write(body)
	}

	if plain.Len() > 0 {
		return plain.String(), nil
	}
	return html.String(), nil
}

// BodyText loads the body of msg and extracts its text
func BodyText(ctx context.Context, msg *core.Message) (string, error) {
	raw, err := msg.Body(ctx)
	if err != nil {
		return "", err
	}
	return ExtractText(raw)
}

func createReader(raw []byte) (*mail.Reader, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return mr, nil
}
