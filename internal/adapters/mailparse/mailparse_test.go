package mailparse

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikey/remote-mail-filter/internal/core"
)

const multipartMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com, carol@example.com\r\n" +
	"Cc: dave@example.com\r\n" +
	"Subject: =?UTF-8?Q?Caf=C3=A9_news?=\r\n" +
	"Message-ID: <123@example.com>\r\n" +
	"Date: Wed, 11 May 2016 14:31:59 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=BOUNDARY\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Plain body\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>HTML body</p>\r\n" +
	"--BOUNDARY--\r\n"

const htmlOnlyMessage = "From: alice@example.com\r\n" +
	"Subject: html\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Only HTML</p>\r\n"

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(multipartMessage), core.NewFolder("INBOX"))
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", msg.From)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, msg.To)
	assert.Equal(t, []string{"dave@example.com"}, msg.Cc)
	assert.Equal(t, "Café news", msg.Subject)
	assert.Equal(t, "123@example.com", msg.MessageID)
	assert.Equal(t, 2016, msg.Date.Year())

	raw, err := msg.Body(context.Background())
	require.NoError(t, err)
	assert.Equal(t, multipartMessage, string(raw))
}

func TestExtractTextPrefersPlain(t *testing.T) {
	text, err := ExtractText([]byte(multipartMessage))
	require.NoError(t, err)
	assert.Contains(t, text, "Plain body")
	assert.NotContains(t, text, "HTML body")
}

func TestExtractTextFallsBackToHTML(t *testing.T) {
	text, err := ExtractText([]byte(htmlOnlyMessage))
	require.NoError(t, err)
	assert.Contains(t, text, "Only HTML")
}

func TestHeaders(t *testing.T) {
	headers, err := Headers([]byte(multipartMessage))
	require.NoError(t, err)
	assert.Equal(t, []string{"Café news"}, headers["Subject"])
	assert.True(t, strings.HasPrefix(headers["Content-Type"][0], "multipart/alternative"))
}
