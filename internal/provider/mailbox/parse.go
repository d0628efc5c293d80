package mailbox

import (
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
)

// parseBody walks a raw RFC 2822 message and pulls out the text/plain
// and text/html inline parts. Attachments are skipped; only the body
// feeds snippet derivation.
func parseBody(r io.Reader) (textBody, htmlBody string) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		// Unparsable structure: treat the remainder as plain text.
		rest, readErr := io.ReadAll(r)
		if readErr != nil {
			return "", ""
		}
		return string(rest), ""
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, isInline := part.Header.(*mail.InlineHeader)
		if !isInline {
			continue
		}

		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain") && textBody == "":
			textBody = string(body)
		case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
			htmlBody = string(body)
		}
	}

	return textBody, htmlBody
}
