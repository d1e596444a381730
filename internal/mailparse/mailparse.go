// Package mailparse holds header and MIME parsing helpers shared by the
// downloader and the consolidation pipeline. Everything here is tolerant:
// mailbox archives accumulate decades of malformed headers, so parse
// failures degrade to usable fallbacks instead of erroring out.
package mailparse

import (
	"io"
	"mime"
	"net/mail"
	"regexp"
	"strings"
	"unicode"

	"github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"github.com/lqian/mailpress/internal/model"
)

// wordDecoder decodes MIME encoded-words using go-message's charset
// table, which covers the gb2312/gb18030 family common in old mail.
var wordDecoder = mime.WordDecoder{CharsetReader: charset.Reader}

// DecodeWords decodes MIME encoded-words in a header value. On any
// decode failure the raw input is returned unchanged.
func DecodeWords(s string) string {
	if s == "" {
		return ""
	}
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// Address parses a "Name <addr@host>" header into its display name and
// normalized lower-case address. When the header carries no display
// name, the address's local-part is returned as the name; the identity
// engine treats such degenerate names as invalid, so this fallback only
// ever surfaces when nothing better exists.
func Address(header string) (name, addr string) {
	decoded := DecodeWords(header)

	parsed, err := mail.ParseAddress(decoded)
	if err != nil {
		// Multi-recipient headers: take the first entry.
		if list, listErr := mail.ParseAddressList(decoded); listErr == nil && len(list) > 0 {
			parsed = list[0]
		} else {
			return "", extractBareAddress(decoded)
		}
	}

	addr = strings.ToLower(strings.TrimSpace(parsed.Address))
	name = strings.TrimSpace(parsed.Name)

	if name == "" {
		if at := strings.Index(addr, "@"); at > 0 {
			name = addr[:at]
		}
	}

	return name, addr
}

var bareAddressPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// extractBareAddress pulls the first thing that looks like an address
// out of a header net/mail could not parse.
func extractBareAddress(s string) string {
	return strings.ToLower(bareAddressPattern.FindString(s))
}

// ContainsCJK reports whether the string contains any Han characters.
// Logographic names are preferred over romanizations during identity
// tie-breaks.
func ContainsCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

// unsafeFilenameChars are characters forbidden in filenames on at least
// one supported filesystem.
var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// SafeFilename sanitizes a header-derived string for use as a filename.
func SafeFilename(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer(`"`, "", "'", "", "\n", "", "\r", "").Replace(s)
	return unsafeFilenameChars.ReplaceAllString(s, "_")
}

// MessageInfo holds the header fields and attachment metadata the
// pipeline extracts from a raw stored message.
type MessageInfo struct {
	To          string
	Cc          string
	Bcc         string
	Attachments []model.AttachmentInfo
}

// AttachmentTotals sums up attachment count and byte size.
func (m *MessageInfo) AttachmentTotals() (count int, size int64) {
	for _, a := range m.Attachments {
		count++
		size += a.Size
	}
	return count, size
}

// ReadMessageInfo parses a raw RFC 822 message, returning decoded
// recipient headers and attachment metadata. Individual part failures
// are skipped; a message that cannot be opened at all returns an error.
func ReadMessageInfo(r io.Reader) (*MessageInfo, error) {
	mr, err := gomail.CreateReader(r)
	if err != nil {
		return nil, err
	}
	defer mr.Close()

	info := &MessageInfo{
		To:  DecodeWords(mr.Header.Get("To")),
		Cc:  DecodeWords(mr.Header.Get("Cc")),
		Bcc: DecodeWords(mr.Header.Get("Bcc")),
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*gomail.AttachmentHeader)
		if !ok {
			continue
		}

		filename, _ := h.Filename()
		if filename == "" {
			continue
		}

		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		info.Attachments = append(info.Attachments, model.AttachmentInfo{
			Name: DecodeWords(filename),
			Size: int64(len(body)),
		})
	}

	return info, nil
}
