package email

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// MaxReplyLineLength bounds a single reply line to keep a misbehaving server
// from exhausting memory.
const MaxReplyLineLength = 2048

// Reply is one complete SMTP reply (RFC 5321 §4.2): every continuation line
// plus the final line, with the status code and separator stripped.
type Reply struct {
	Code  int
	Lines []string
}

// Text joins all reply lines, as the server sent them, with newlines.
func (r Reply) Text() string {
	return strings.Join(r.Lines, "\n")
}

// HasPrefix reports whether the decimal status code starts with prefix,
// e.g. "25" matches both 250 and 251.
func (r Reply) HasPrefix(prefix string) bool {
	return strings.HasPrefix(strconv.Itoa(r.Code), prefix)
}

func (r Reply) String() string {
	return fmt.Sprintf("%d %s", r.Code, r.Text())
}

// parseReplyLine splits "250-text" / "250 text" / "250" into its parts.
// bFinal is false for continuation lines.
func parseReplyLine(line string) (code int, text string, bFinal bool, E error) {

	if len(line) < 3 {
		return 0, "", false, fmt.Errorf("smtp: short reply line %q", line)
	}

	code, E = strconv.Atoi(line[:3])
	if (E != nil) || (code < 100) || (code > 599) {
		return 0, "", false, fmt.Errorf("smtp: invalid reply code in %q", line)
	}

	if len(line) == 3 {
		return code, "", true, nil
	}

	switch line[3] {
	case '-':
		return code, line[4:], false, nil
	case ' ':
		return code, line[4:], true, nil
	}

	return 0, "", false, fmt.Errorf("smtp: invalid reply separator in %q", line)
}

// lineReader yields successive lines from r with the CRLF (or bare LF)
// stripped.  A line longer than MaxReplyLineLength fails as soon as the limit
// is crossed, so at most one bufio buffer of it is ever held.
func lineReader(r *bufio.Reader) func() (string, error) {

	return func() (string, error) {

		var bsLine []byte

		for {
			chunk, E := r.ReadSlice('\n')
			if len(bsLine)+len(chunk) > MaxReplyLineLength+2 {
				return "", fmt.Errorf("smtp: reply line longer than %d bytes", MaxReplyLineLength)
			}
			bsLine = append(bsLine, chunk...)

			if E == bufio.ErrBufferFull {
				continue
			}
			if E != nil {
				return "", E
			}
			break
		}

		bsLine = bytes.TrimSuffix(bsLine, []byte("\n"))
		bsLine = bytes.TrimSuffix(bsLine, []byte("\r"))
		return string(bsLine), nil
	}
}

// readReply accumulates reply lines from nextLine until the space-terminated
// final line. Every continuation line is kept.
func readReply(nextLine func() (string, error)) (Reply, error) {

	var rep Reply

	for {
		line, E := nextLine()
		if E != nil {
			return rep, E
		}

		if len(line) > MaxReplyLineLength {
			return rep, fmt.Errorf("smtp: reply line too long (%d bytes)", len(line))
		}

		code, text, bFinal, E := parseReplyLine(line)
		if E != nil {
			return rep, E
		}

		if (len(rep.Lines) > 0) && (code != rep.Code) {
			return rep, fmt.Errorf("smtp: reply code changed mid-reply (%d, then %d)", rep.Code, code)
		}

		rep.Code = code
		rep.Lines = append(rep.Lines, text)

		if bFinal {
			return rep, nil
		}
	}
}
