package email

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-isatty"
)

const (
	ansiReset  = "\u001b[0m"
	ansiRqCmd  = "\u001b[38;5;11m" // yellow
	ansiRqBody = "\u001b[38;5;14m" // cyan
	ansiRspOk  = "\u001b[38;5;10m" // green
	ansiRspErr = "\u001b[38;5;9m"  // red
	ansiInfo   = "\u001b[38;5;13m" // magenta

	prefixModeSend = "C>"
	prefixModeRecv = "<S"
	prefixModeInfo = "**"

	redacted = "********"
)

// wrap lines longer than `MaxLineLength`, indents lines after the first by two spaces.
func wrapLong(line string) (parts []string) {

	tmp := []string{}
	nLen := 0

	commit := func() {

		if nLen == 0 {
			return
		}

		var indent string
		if len(parts) > 0 {
			indent = "  "
		}

		parts = append(parts, indent+strings.Join(tmp, " "))
		tmp = []string{}
		nLen = 0
	}

	push := func(s string) {

		wLen := utf8.RuneCountInString(s)

		if (nLen + wLen + 1) > MaxLineLength {
			commit()
		}

		tmp = append(tmp, s)
		nLen += (wLen + 1)
	}

	words := strings.Split(line, " ")
	for _, W := range words {
		push(W)
	}

	commit()

	return
}

// indent every line in `txt` by the `indent` string.
func indentWrap(txt, indent string) string {

	parts := []string{}

	txt = strings.ReplaceAll(txt, "\r", "")
	lines := strings.Split(txt, "\n")

	for _, line := range lines {

		runes := utf8.RuneCountInString(line)

		if runes > MaxLineLength {
			parts = append(parts, wrapLong(line)...)
		} else {
			parts = append(parts, line)
		}
	}

	return indent + strings.Join(parts, "\n"+indent)
}

type smtpLog struct {
	*log.Logger
	Colors bool
}

func (L *smtpLog) log(txt, mode, color string) {

	txt = indentWrap(txt, mode+"\t")

	if L.Colors {
		txt = color + txt + ansiReset
	}

	L.Println("\n" + txt)
}

type loggedWriteCloser struct {
	io.WriteCloser
	smtpLog
}

func (WC loggedWriteCloser) Write(p []byte) (n int, err error) {

	WC.smtpLog.log(string(p), prefixModeSend, ansiRqBody)
	return WC.WriteCloser.Write(p)
}

type loggedTextProtoConn struct {
	TextProtoConn
	smtpLog

	// set while an AUTH exchange is in progress; client lines are credentials
	inAuth bool
}

func (TPC *loggedTextProtoConn) Cmd(format string, args ...interface{}) error {

	txt := fmt.Sprintf(format, args...)

	switch {
	case TPC.inAuth:
		txt = redacted
	case strings.HasPrefix(strings.ToUpper(txt), "AUTH "):
		TPC.inAuth = true
		if fields := strings.Fields(txt); len(fields) > 2 {
			txt = fields[0] + " " + fields[1] + " " + redacted
		}
	}

	TPC.smtpLog.log(txt, prefixModeSend, ansiRqCmd)

	return TPC.TextProtoConn.Cmd(format, args...)
}

func (TPC *loggedTextProtoConn) ReadReply() (Reply, error) {

	rep, E := TPC.TextProtoConn.ReadReply()

	var txt string
	var color string

	if E == nil {
		txt = rep.String()
		color = ansiRspOk
		if rep.Code >= 400 {
			color = ansiRspErr
		}
	} else {
		txt = fmt.Sprintf("%d - %v", rep.Code, E)
		color = ansiRspErr
	}

	if (E != nil) || (rep.Code != 334) {
		TPC.inAuth = false
	}

	TPC.smtpLog.log(txt, prefixModeRecv, color)
	return rep, E
}

func (TPC *loggedTextProtoConn) DotWriter() io.WriteCloser {
	return loggedWriteCloser{
		WriteCloser: TPC.TextProtoConn.DotWriter(),
		smtpLog:     TPC.smtpLog,
	}
}

// LogCapabilities writes the negotiated capability set to the transcript.
func (TPC *loggedTextProtoConn) LogCapabilities(cs CapabilitySet) {

	sLines := make([]string, 0, len(cs))
	for _, k := range cs.Keywords() {
		sLines = append(sLines, strings.TrimSpace(k+" "+cs[k]))
	}

	TPC.smtpLog.log("capabilities: "+strings.Join(sLines, ", "), prefixModeInfo, ansiInfo)
}

/*
TextprotoLogged can be used as a substitute CreateTextprotoConnFn to log the SMTP
conversation to a specified logger.  AUTH payloads are replaced by asterisks.

Example

	// create target logger
	pLog := log.New(os.Stdout, "", log.Ltime | log.Lmicroseconds)

	cfg := email.ConnectionConfig{
		Host:         "smtp.office365.com",
		Port:         587,
		RequireTLS:   true,
		Auth:         email.BasicAuth("user name", "password", email.MechLOGIN),
		TextprotoFn:  email.TextprotoLogged(pLog, true), // true for ANSI colors, false for no colors
	}
*/
func TextprotoLogged(pLog *log.Logger, bColors bool) CreateTextprotoConnFn {

	return func(iConn net.Conn) TextProtoConn {
		return &loggedTextProtoConn{
			TextProtoConn: textprotoFromConn(iConn),
			smtpLog: smtpLog{
				Logger: pLog,
				Colors: bColors,
			},
		}
	}
}

// IsTerminal reports whether w is a terminal, in which case the transcript is
// colored.
func IsTerminal(w io.Writer) bool {

	pF, ok := w.(*os.File)
	if !ok || (pF == nil) {
		return false
	}

	fd := pF.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
