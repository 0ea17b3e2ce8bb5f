package email

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"math/big"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

const (
	MaxLineLength      = 76                         // MaxLineLength is the maximum line length per RFC 2045
	defaultContentType = "application/octet-stream" // for attachments added without a type
)

// Priority of an outgoing message; only High and Low emit an X-Priority header.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

// UnmarshalText decodes "high", "normal" or "low".
func (p *Priority) UnmarshalText(val []byte) error {

	switch strings.ToLower(strings.TrimSpace(string(val))) {
	case "", "normal":
		*p = PriorityNormal
	case "high":
		*p = PriorityHigh
	case "low":
		*p = PriorityLow
	default:
		return &ValidationError{Field: "priority", Err: fmt.Errorf("unknown priority %q", string(val))}
	}
	return nil
}

// Header is one custom header field; Email.Headers keeps them in caller order.
type Header struct {
	Key   string
	Value string
}

// Attachment is a named byte payload sent base64-encoded in its own MIME part.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

/*
Email is an outbound message.  Addresses may be bare ("a@x.com") or in
"Name <a@x.com>" form.

Bcc addresses receive the message (one RCPT TO each) but never appear in the
composed headers.
*/
type Email struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	ReplyTo     []string
	Subject     string
	Text        []byte // Plaintext message (optional)
	HTML        []byte // Html message (optional)
	Sender      string // override From as SMTP envelope sender (optional)
	Headers     []Header
	Priority    Priority
	Attachments []*Attachment
	MessageID   string    // generated when empty
	Date        time.Time // time.Now() when zero
}

// Create and initialize an new message struct.
func NewEmail() *Email {
	return &Email{}
}

// AddHeader appends a custom header, keeping insertion order.
func (e *Email) AddHeader(key, value string) {
	e.Headers = append(e.Headers, Header{Key: key, Value: value})
}

// Attaches content from an io.Reader to the email.
// The function will return the created Attachment for reference.
func (e *Email) Attach(r io.Reader, filename string, contentType string) (a *Attachment, err error) {
	var buffer bytes.Buffer
	if _, err = io.Copy(&buffer, r); err != nil {
		return
	}
	if contentType == "" {
		contentType = defaultContentType
	}
	a = &Attachment{
		Filename:    filename,
		ContentType: contentType,
		Content:     buffer.Bytes(),
	}
	e.Attachments = append(e.Attachments, a)
	return a, nil
}

// Attaches content to the email via filesystem.
// It attempts to open the file referenced by filename and, if successful, creates an Attachment.
// This Attachment is then appended to the slice of Email.Attachments.
// The function will then return the Attachment for reference.
func (e *Email) AttachFile(filename string) (a *Attachment, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return
	}
	defer f.Close()

	ct := mime.TypeByExtension(filepath.Ext(filename))
	basename := filepath.Base(filename)
	return e.Attach(f, basename, ct)
}

// extractAddress returns the bare address of "Name <addr>" or "addr".
// Inputs are validated upstream, so unparsable text falls back to the
// content of the last angle-bracket pair, or the trimmed input.
func extractAddress(szAddr string) string {

	szAddr = strings.TrimSpace(szAddr)

	if pA, E := mail.ParseAddress(szAddr); E == nil {
		return pA.Address
	}

	ixL := strings.LastIndex(szAddr, "<")
	ixR := strings.LastIndex(szAddr, ">")
	if (ixL >= 0) && (ixR > ixL) {
		return strings.TrimSpace(szAddr[ixL+1 : ixR])
	}

	return szAddr
}

// EnvelopeFrom selects the SMTP envelope sender address.
// Choose Email.Sender if set, or fallback to Email.From.
func (e *Email) EnvelopeFrom() (string, error) {

	szFrom := e.From
	if len(e.Sender) > 0 {
		szFrom = e.Sender
	}

	szFrom = extractAddress(szFrom)
	if len(szFrom) == 0 {
		return "", ErrMissingToOrFrom
	}

	return szFrom, nil
}

// Recipients returns the bare envelope addresses of To, Cc, and Bcc, in that
// order.  Each one gets exactly one RCPT TO.
func (e *Email) Recipients() ([]string, error) {

	sAddr := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))

	for _, addrList := range [][]string{e.To, e.Cc, e.Bcc} {
		for _, addrTxt := range addrList {
			if szAddr := extractAddress(addrTxt); len(szAddr) > 0 {
				sAddr = append(sAddr, szAddr)
			}
		}
	}

	if len(sAddr) == 0 {
		return nil, ErrMissingToOrFrom
	}

	return sAddr, nil
}

type headerField struct {
	name  string
	value string
}

// reserved header names are produced by the composer; custom headers cannot
// override them.
var reservedHeaders = map[string]bool{
	"From":                      true,
	"To":                        true,
	"Cc":                        true,
	"Bcc":                       true,
	"Reply-To":                  true,
	"Subject":                   true,
	"Message-Id":                true,
	"Date":                      true,
	"X-Priority":                true,
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
}

// formatAddressList renders an address header value; ASCII entries pass
// through verbatim, others have their display name RFC 2047 encoded.
func formatAddressList(sAddr []string) string {

	sOut := make([]string, 0, len(sAddr))

	for _, szAddr := range sAddr {

		szAddr = strings.TrimSpace(szAddr)

		if isASCII(szAddr) {
			sOut = append(sOut, szAddr)
			continue
		}

		if pA, E := mail.ParseAddress(szAddr); E == nil {
			sOut = append(sOut, pA.String())
		} else {
			sOut = append(sOut, mime.QEncoding.Encode("UTF-8", szAddr))
		}
	}

	return strings.Join(sOut, ", ")
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// sanitizeHeaderValue strips CR and LF so header values cannot inject fields.
func sanitizeHeaderValue(s string) string {
	return strings.NewReplacer("\r", "", "\n", " ").Replace(s)
}

/*
msgHeaders lays out the top-level header block in this order:

	From, To, Cc, Reply-To, Subject, Message-ID, Date, X-Priority,
	custom headers, MIME-Version

Bcc is never emitted.  Content-Type (and Content-Transfer-Encoding) are
appended by Bytes() once the body structure is known.
*/
func (e *Email) msgHeaders(msgID string) []headerField {

	res := make([]headerField, 0, len(e.Headers)+10)

	res = append(res, headerField{"From", formatAddressList([]string{e.From})})

	if len(e.To) > 0 {
		res = append(res, headerField{"To", formatAddressList(e.To)})
	}
	if len(e.Cc) > 0 {
		res = append(res, headerField{"Cc", formatAddressList(e.Cc)})
	}
	if len(e.ReplyTo) > 0 {
		res = append(res, headerField{"Reply-To", formatAddressList(e.ReplyTo)})
	}

	res = append(res, headerField{"Subject", mime.QEncoding.Encode("UTF-8", sanitizeHeaderValue(e.Subject))})
	res = append(res, headerField{"Message-ID", msgID})

	dt := e.Date
	if dt.IsZero() {
		dt = time.Now()
	}
	res = append(res, headerField{"Date", dt.Format(time.RFC1123Z)})

	switch e.Priority {
	case PriorityHigh:
		res = append(res, headerField{"X-Priority", "1 (Highest)"})
	case PriorityLow:
		res = append(res, headerField{"X-Priority", "5 (Lowest)"})
	}

	for _, H := range e.Headers {
		szKey := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(H.Key))
		if (len(szKey) == 0) || reservedHeaders[szKey] {
			continue
		}
		res = append(res, headerField{szKey, mime.QEncoding.Encode("UTF-8", sanitizeHeaderValue(H.Value))})
	}

	res = append(res, headerField{"MIME-Version", "1.0"})

	return res
}

func writeMessage(buff io.Writer, msg []byte, multipart bool, mediaType string, w *multipart.Writer) error {
	if multipart {
		header := textproto.MIMEHeader{
			"Content-Type":              {mediaType + "; charset=UTF-8"},
			"Content-Transfer-Encoding": {"quoted-printable"},
		}
		if _, err := w.CreatePart(header); err != nil {
			return err
		}
	}

	qp := quotedprintable.NewWriter(buff)
	// Write the text
	if _, err := qp.Write(msg); err != nil {
		return err
	}
	return qp.Close()
}

func attachmentHeader(a *Attachment) textproto.MIMEHeader {

	ct := a.ContentType
	if ct == "" {
		ct = defaultContentType
	}

	disp := mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename})
	if disp == "" {
		disp = "attachment"
	}

	return textproto.MIMEHeader{
		"Content-Type":              {ct},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {disp},
	}
}

// Bytes composes the message: the RFC 5322 header block followed by the MIME
// body.  A Message-ID is generated when Email.MessageID is empty.
func (e *Email) Bytes() ([]byte, error) {
	raw, _, err := e.Compose()
	return raw, err
}

/*
Compose builds the message and also returns the Message-ID it carries.

Body layout:

	attachments?   multipart/mixed
	                 [0] body: multipart/alternative (text, html) when both
	                     exist, otherwise the single text or html part
	                 [1..] one base64 part per attachment
	text + html    multipart/alternative (text, html)
	html only      text/html
	otherwise      text/plain
*/
func (e *Email) Compose() (raw []byte, msgID string, err error) {

	buff := bytes.NewBuffer(make([]byte, 0, 4096+e.attachmentSize()))

	msgID, err = e.resolveMessageID()
	if err != nil {
		return nil, "", err
	}

	headers := e.msgHeaders(msgID)

	var (
		isMixed       = len(e.Attachments) > 0
		isAlternative = len(e.Text) > 0 && len(e.HTML) > 0
	)

	var w *multipart.Writer
	if isMixed || isAlternative {
		w = multipart.NewWriter(buff)
	}
	switch {
	case isMixed:
		headers = append(headers, headerField{"Content-Type", "multipart/mixed;\r\n boundary=" + w.Boundary()})
	case isAlternative:
		headers = append(headers, headerField{"Content-Type", "multipart/alternative;\r\n boundary=" + w.Boundary()})
	case len(e.HTML) > 0:
		headers = append(headers,
			headerField{"Content-Type", "text/html; charset=UTF-8"},
			headerField{"Content-Transfer-Encoding", "quoted-printable"},
		)
	default:
		headers = append(headers,
			headerField{"Content-Type", "text/plain; charset=UTF-8"},
			headerField{"Content-Transfer-Encoding", "quoted-printable"},
		)
	}
	headerToBytes(buff, headers)
	_, err = io.WriteString(buff, "\r\n")
	if err != nil {
		return nil, "", err
	}

	// Check to see if there is a Text or HTML field
	if len(e.Text) > 0 || len(e.HTML) > 0 {
		var subWriter *multipart.Writer

		if isMixed && isAlternative {
			// Create the multipart alternative part
			subWriter = multipart.NewWriter(buff)
			header := textproto.MIMEHeader{
				"Content-Type": {"multipart/alternative;\r\n boundary=" + subWriter.Boundary()},
			}
			if _, err := w.CreatePart(header); err != nil {
				return nil, "", err
			}
		} else {
			subWriter = w
		}
		// Create the body sections
		if len(e.Text) > 0 {
			if err := writeMessage(buff, e.Text, isMixed || isAlternative, "text/plain", subWriter); err != nil {
				return nil, "", err
			}
		}
		if len(e.HTML) > 0 {
			if err := writeMessage(buff, e.HTML, isMixed || isAlternative, "text/html", subWriter); err != nil {
				return nil, "", err
			}
		}
		if isMixed && isAlternative {
			if err := subWriter.Close(); err != nil {
				return nil, "", err
			}
		}
	}
	// Create attachment part, if necessary
	for _, a := range e.Attachments {
		ap, err := w.CreatePart(attachmentHeader(a))
		if err != nil {
			return nil, "", err
		}
		// Write the base64Wrapped content to the part
		base64Wrap(ap, a.Content)
	}
	if isMixed || isAlternative {
		if err := w.Close(); err != nil {
			return nil, "", err
		}
	}
	return buff.Bytes(), msgID, nil
}

func (e *Email) attachmentSize() (n int) {
	for _, a := range e.Attachments {
		n += base64.StdEncoding.EncodedLen(len(a.Content)) * 78 / 76
	}
	return
}

// base64Wrap encodes the attachment content, and wraps it according to RFC 2045 standards (every 76 chars)
// The output is then written to the specified io.Writer
func base64Wrap(w io.Writer, b []byte) {
	// 57 raw bytes per 76-byte base64 line.
	const maxRaw = 57
	// Buffer for each line, including trailing CRLF.
	buffer := make([]byte, MaxLineLength+len("\r\n"))
	copy(buffer[MaxLineLength:], "\r\n")
	// Process raw chunks until there's no longer enough to fill a line.
	for len(b) >= maxRaw {
		base64.StdEncoding.Encode(buffer, b[:maxRaw])
		w.Write(buffer)
		b = b[maxRaw:]
	}
	// Handle the last chunk of bytes.
	if len(b) > 0 {
		out := buffer[:base64.StdEncoding.EncodedLen(len(b))]
		base64.StdEncoding.Encode(out, b)
		out = append(out, "\r\n"...)
		w.Write(out)
	}
}

// headerToBytes renders the ordered header block to "buff".
func headerToBytes(buff io.Writer, header []headerField) {
	for _, field := range header {
		// bytes.Buffer.Write() never returns an error.
		io.WriteString(buff, field.name)
		io.WriteString(buff, ": ")
		io.WriteString(buff, field.value)
		io.WriteString(buff, "\r\n")
	}
}

var maxBigInt = big.NewInt(math.MaxInt64)

func (e *Email) resolveMessageID() (string, error) {

	szID := strings.TrimSpace(e.MessageID)
	if szID == "" {
		return generateMessageID(e.From)
	}

	if !strings.HasPrefix(szID, "<") {
		szID = "<" + szID
	}
	if !strings.HasSuffix(szID, ">") {
		szID += ">"
	}

	return sanitizeHeaderValue(szID), nil
}

// generateMessageID generates and returns a string suitable for an RFC 2822
// compliant Message-ID, e.g.:
// <1444789264909.1819418242800517193@example.com>
//
// The following parameters are used to generate a Message-ID:
// - The milliseconds since Epoch
// - A cryptographically random int64
// - The domain of the From address, or the sending hostname
func generateMessageID(szFrom string) (string, error) {
	t := time.Now().UnixMilli()
	rint, err := rand.Int(rand.Reader, maxBigInt)
	if err != nil {
		return "", err
	}

	var h string
	if szAddr := extractAddress(szFrom); strings.Contains(szAddr, "@") {
		h = szAddr[strings.LastIndex(szAddr, "@")+1:]
	}
	if h == "" {
		h, err = os.Hostname()
		// If we can't get the hostname, we'll use localhost
		if err != nil || h == "" {
			h = "localhost.localdomain"
		}
	}

	return fmt.Sprintf("<%d.%d@%s>", t, rint, h), nil
}
