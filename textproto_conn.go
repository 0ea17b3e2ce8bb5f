package email

import (
	"io"
	"net"
	"net/textproto"
)

/*
TextProtoConn is the session transport used by the SMTP Client.

Communication hits textproto before crypto and the wire, so this is useful
for inserting/removing/capturing commands before they are encrypted and
sent down the wire.  On STARTTLS the Client builds a fresh TextProtoConn over
the upgraded net.Conn; protocol logic above it does not change.
*/
type TextProtoConn interface {
	// Cmd writes one command line followed by CRLF.
	Cmd(format string, args ...interface{}) error

	// ReadReply reads a complete (possibly multi-line) reply.
	ReadReply() (Reply, error)

	// DotWriter returns a writer that dot-stuffs message data and writes the
	// terminating "\r\n.\r\n" on Close.
	DotWriter() io.WriteCloser

	Close() error
}

// CreateTextprotoConnFn is a wrapper for intercepting net.Conn traffic
type CreateTextprotoConnFn func(net.Conn) TextProtoConn

type plainTextProtoConn struct {
	*textproto.Conn
}

func (TPC plainTextProtoConn) Cmd(format string, args ...interface{}) error {
	return TPC.Conn.PrintfLine(format, args...)
}

func (TPC plainTextProtoConn) ReadReply() (Reply, error) {
	return readReply(lineReader(TPC.Conn.R))
}

func textprotoFromConn(iConn net.Conn) TextProtoConn {
	return plainTextProtoConn{textproto.NewConn(iConn)}
}
