// Copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SessionState tracks where a Client is in the SMTP session.
type SessionState uint8

const (
	StateDisconnected SessionState = iota
	StateConnected
	StateGreeted
	StateNegotiated
	StateTLSUpgraded
	StateAuthenticated
	StateReady
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateGreeted:
		return "greeted"
	case StateNegotiated:
		return "negotiated"
	case StateTLSUpgraded:
		return "tls-upgraded"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return "SessionState(" + strconv.Itoa(int(s)) + ")"
}

/*
Implements the client side of one SMTP session as defined in RFC 5321.
It also implements the following extensions:

	8BITMIME  RFC 1652
	SIZE      RFC 1870
	AUTH      RFC 4954 (LOGIN, PLAIN, OAUTHBEARER, XOAUTH2)
	STARTTLS  RFC 3207

Commands are strictly sequential: a command is written only after the
previous reply, including all continuation lines, has been read.  Any
error is terminal for the session; the Client never retries.
*/
type Client struct {
	// This is the TextProtoConn interface used by the Client.
	// It is exported to allow for clients to add extensions.
	Text TextProtoConn

	// cached wrapper function to preserve wrapping on STARTTLS upgrade
	fnNewTextproto CreateTextprotoConnFn

	// keep a reference to the connection so it can be used to create a TLS
	// connection later
	conn net.Conn

	// guards conn against the cancellation callback installed by watch
	connMu sync.Mutex

	// owned transcript file, if any
	logCloser io.Closer

	cfg      ConnectionConfig
	caps     CapabilitySet
	greeting string
	state    SessionState

	// context of the running high-level operation, consulted by arm()
	opCtx context.Context
}

// NewClient prepares a Client for cfg (defaults applied); no I/O happens until
// Connect or Handshake.
func NewClient(cfg ConnectionConfig) *Client {
	return &Client{
		cfg:   cfg.WithDefaults(),
		state: StateDisconnected,
		opCtx: context.Background(),
	}
}

// State returns the current session state.
func (c *Client) State() SessionState { return c.state }

// Capabilities returns the set parsed from the most recent EHLO reply.
func (c *Client) Capabilities() CapabilitySet { return c.caps }

// Greeting returns the text of the server's 220 banner.
func (c *Client) Greeting() string { return c.greeting }

// Config returns the client's copy of its configuration.
func (c *Client) Config() ConnectionConfig { return c.cfg }

func (c *Client) IsTLS() bool {

	if c.conn != nil {
		_, bIsTLS := c.conn.(*tls.Conn)
		return bIsTLS
	}

	return false
}

// watch binds ctx to the connection: cancellation forces pending I/O to
// fail.  The returned func detaches it and does not return while the
// cancellation callback is still running.
func (c *Client) watch(ctx context.Context) func() {

	prev := c.opCtx
	c.opCtx = ctx

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		c.connMu.Lock()
		defer c.connMu.Unlock()
		if c.conn != nil {
			c.conn.SetDeadline(time.Unix(1, 0))
		}
	})

	return func() {
		if !stop() {
			<-fired
		}
		c.opCtx = prev
	}
}

// setConn replaces the transport connection.
func (c *Client) setConn(iConn net.Conn) {
	c.connMu.Lock()
	c.conn = iConn
	c.connMu.Unlock()
}

// arm sets the deadline for the next round trip.
func (c *Client) arm(d time.Duration) error {

	if c.conn == nil {
		return ErrNotConnected
	}
	if E := c.opCtx.Err(); E != nil {
		return E
	}

	dl := time.Now().Add(d)
	if ctxDL, ok := c.opCtx.Deadline(); ok && ctxDL.Before(dl) {
		dl = ctxDL
	}

	c.connMu.Lock()
	E := c.conn.SetDeadline(dl)
	c.connMu.Unlock()
	if E != nil {
		return E
	}

	// a cancellation between the check above and SetDeadline would have had
	// its past deadline overwritten
	if E := c.opCtx.Err(); E != nil {
		return E
	}
	return nil
}

// ioErr maps a transport error to the public taxonomy.
func (c *Client) ioErr(op string, d time.Duration, E error) error {

	if E == nil {
		return nil
	}

	if ctxErr := c.opCtx.Err(); ctxErr != nil {
		return fmt.Errorf("smtp: %s: %w", op, ctxErr)
	}

	var iNetErr net.Error
	if errors.As(E, &iNetErr) && iNetErr.Timeout() {
		return &TimeoutError{Op: op, Duration: d}
	}

	return fmt.Errorf("smtp: %s: %w", op, E)
}

/*
Connect opens the TCP (or, when Secure, TLS) connection bounded by
ConnectionTimeout, then reads the 220 greeting bounded by GreetingTimeout.

Fails with *ConnectError (DNS/TCP/TLS), *TimeoutError, or *ProtocolError for
a non-220 banner.
*/
func (c *Client) Connect(ctx context.Context) (E error) {

	if c.state != StateDisconnected {
		return fmt.Errorf("smtp: Connect called in state %s", c.state)
	}

	fnTextproto, iLogCloser, E := c.cfg.transcript()
	if E != nil {
		return E
	}

	pDialer := &net.Dialer{
		Timeout:         c.cfg.ConnectionTimeout,
		KeepAlive:       -1,
		KeepAliveConfig: c.cfg.KeepAlive,
	}

	dialAddr := c.cfg.Addr()

	var iConn net.Conn
	if c.cfg.Secure {
		pTLSDialer := &tls.Dialer{NetDialer: pDialer, Config: c.cfg.tlsConfig()}
		iConn, E = pTLSDialer.DialContext(ctx, c.cfg.Proto, dialAddr)
	} else {
		iConn, E = pDialer.DialContext(ctx, c.cfg.Proto, dialAddr)
	}

	if E != nil {
		if iLogCloser != nil {
			iLogCloser.Close()
		}
		var iNetErr net.Error
		if (ctx.Err() == nil) && errors.As(E, &iNetErr) && iNetErr.Timeout() {
			return &TimeoutError{Op: "connect", Duration: c.cfg.ConnectionTimeout}
		}
		return &ConnectError{Addr: dialAddr, Err: E}
	}

	c.setConn(iConn)
	c.logCloser = iLogCloser
	c.fnNewTextproto = fnTextproto
	c.Text = fnTextproto(iConn)
	c.state = StateConnected

	defer func() {
		if E != nil {
			c.Quit()
		}
	}()

	stop := c.watch(ctx)
	defer stop()

	// GREETING
	if E = c.arm(c.cfg.GreetingTimeout); E != nil {
		return E
	}

	rep, E := c.Text.ReadReply()
	if E != nil {
		return c.ioErr("greeting", c.cfg.GreetingTimeout, E)
	}

	if rep.Code != 220 {
		return &ProtocolError{Code: rep.Code, ServerText: rep.Text()}
	}

	if len(rep.Lines) > 0 {
		c.greeting = rep.Lines[0]
	}
	c.state = StateGreeted
	return nil
}

// ReadReply reads one complete reply, bounded by SocketTimeout.
func (c *Client) ReadReply() (Reply, error) {

	if E := c.arm(c.cfg.SocketTimeout); E != nil {
		return Reply{}, E
	}

	rep, E := c.Text.ReadReply()
	return rep, c.ioErr("read reply", c.cfg.SocketTimeout, E)
}

// rawCmd writes one command and reads its complete reply without judging
// the status code.
func (c *Client) rawCmd(format string, args ...interface{}) (Reply, error) {

	if c.Text == nil {
		return Reply{}, ErrNotConnected
	}

	szVerb := format
	if ix := strings.IndexAny(szVerb, " :"); ix > 0 {
		szVerb = szVerb[:ix]
	}
	if strings.HasPrefix(szVerb, "%") {
		szVerb = "AUTH"
	}

	if E := c.arm(c.cfg.SocketTimeout); E != nil {
		return Reply{}, E
	}

	if E := c.Text.Cmd(format, args...); E != nil {
		return Reply{}, c.ioErr(szVerb, c.cfg.SocketTimeout, E)
	}

	rep, E := c.Text.ReadReply()
	if E != nil {
		return rep, c.ioErr(szVerb, c.cfg.SocketTimeout, E)
	}

	return rep, nil
}

// Cmd sends a command and reads its (possibly multi-line) reply.  A reply
// whose status code does not start with expectPrefix yields *ProtocolError.
func (c *Client) Cmd(expectPrefix string, format string, args ...interface{}) (Reply, error) {

	rep, E := c.rawCmd(format, args...)
	if E != nil {
		return rep, E
	}

	if !rep.HasPrefix(expectPrefix) {
		return rep, &ProtocolError{Code: rep.Code, ServerText: rep.Text()}
	}

	return rep, nil
}

/*
Negotiate sends EHLO and rebuilds the capability set from every line of the
reply.  When the server rejects EHLO as unknown (500/502) it falls back to
HELO with an empty capability set.
*/
func (c *Client) Negotiate(localName string) error {

	if err := validateLine(localName); err != nil {
		return err
	}

	if c.state < StateGreeted {
		return ErrNotConnected
	}

	rep, E := c.rawCmd("EHLO %s", localName)
	if E != nil {
		return E
	}

	switch {
	case rep.Code == 250:
		c.caps = ParseEHLOReply(rep)
	case (rep.Code == 500) || (rep.Code == 502):
		if _, E = c.Cmd("250", "HELO %s", localName); E != nil {
			return E
		}
		c.caps = CapabilitySet{}
	default:
		return &ProtocolError{Code: rep.Code, ServerText: rep.Text()}
	}

	if iCapLog, ok := c.Text.(interface{ LogCapabilities(CapabilitySet) }); ok {
		iCapLog.LogCapabilities(c.caps)
	}

	c.state = StateNegotiated
	return nil
}

// StartTLS sends the STARTTLS command and encrypts all further communication
// over the same TCP connection, then renegotiates: the post-upgrade
// capability set replaces the old one.
func (c *Client) StartTLS(ctx context.Context) error {

	stop := c.watch(ctx)
	defer stop()

	if _, E := c.Cmd("220", "STARTTLS"); E != nil {
		return E
	}

	if E := c.arm(c.cfg.SocketTimeout); E != nil {
		return E
	}

	pTLSConn := tls.Client(c.conn, c.cfg.tlsConfig())
	if E := pTLSConn.HandshakeContext(ctx); E != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("smtp: STARTTLS: %w", ctx.Err())
		}
		var iNetErr net.Error
		if errors.As(E, &iNetErr) && iNetErr.Timeout() {
			return &TimeoutError{Op: "STARTTLS", Duration: c.cfg.SocketTimeout}
		}
		return &ConnectError{Addr: c.cfg.Addr(), Err: E}
	}

	c.setConn(pTLSConn)
	c.Text = c.fnNewTextproto(pTLSConn)
	c.caps = nil
	c.state = StateTLSUpgraded

	return c.Negotiate(c.cfg.LocalName)
}

/*
Handshake runs the full session setup:

	connect -> greeting -> EHLO -> [STARTTLS -> EHLO] -> AUTH

STARTTLS is issued only when RequireTLS is set, IgnoreTLS is not, and the
transport is still plaintext; a server that does not advertise it fails with
ErrSTARTTLSNotOffered.  Any failure closes the connection.
*/
func (c *Client) Handshake(ctx context.Context) (E error) {

	defer func() {
		if E != nil {
			c.Quit()
		}
	}()

	if c.state == StateDisconnected {
		if E = c.Connect(ctx); E != nil {
			return
		}
	}

	stop := c.watch(ctx)
	defer stop()

	if E = c.Negotiate(c.cfg.LocalName); E != nil {
		return
	}

	// NEGOTIATE STARTTLS IF REQUIRED & CONNECTION IS UNENCRYPTED
	if c.cfg.RequireTLS && !c.cfg.IgnoreTLS && !c.IsTLS() {

		if !c.caps.Has(CapSTARTTLS) {
			return ErrSTARTTLSNotOffered
		}

		if E = c.StartTLS(ctx); E != nil {
			return
		}
	}

	if E = c.Authenticate(); E != nil {
		return
	}

	c.state = StateReady
	return nil
}

// Mail issues a MAIL command to the server using the provided email address.
// If the server supports the 8BITMIME extension, Mail adds the BODY=8BITMIME
// parameter.
// This initiates a mail transaction and is followed by one or more Rcpt calls.
func (c *Client) Mail(from string) error {
	if err := validateLine(from); err != nil {
		return err
	}
	cmdStr := "MAIL FROM:<%s>"
	if c.caps.Has(Cap8BITMIME) {
		cmdStr += " BODY=8BITMIME"
	}
	_, err := c.Cmd("250", cmdStr, from)
	return err
}

// Rcpt issues a RCPT command to the server using the provided email address.
// A call to Rcpt must be preceded by a call to Mail and may be followed by
// a Data call or another Rcpt call.
func (c *Client) Rcpt(to string) error {
	if err := validateLine(to); err != nil {
		return err
	}
	_, err := c.Cmd("25", "RCPT TO:<%s>", to)
	return err
}

// Data issues DATA, streams raw through the dot-stuffing writer, and checks
// the final reply.  A non-250 final reply is a *SendFailureError.
func (c *Client) Data(raw []byte) error {

	if _, E := c.Cmd("354", "DATA"); E != nil {
		return E
	}

	if E := c.arm(c.cfg.SocketTimeout); E != nil {
		return E
	}

	w := c.Text.DotWriter()
	if _, E := w.Write(raw); E != nil {
		w.Close()
		return c.ioErr("DATA", c.cfg.SocketTimeout, E)
	}
	if E := w.Close(); E != nil {
		return c.ioErr("DATA", c.cfg.SocketTimeout, E)
	}

	if E := c.arm(c.cfg.SocketTimeout); E != nil {
		return E
	}

	rep, E := c.Text.ReadReply()
	if E != nil {
		return c.ioErr("DATA", c.cfg.SocketTimeout, E)
	}

	if rep.Code != 250 {
		return &SendFailureError{ServerText: rep.String()}
	}

	return nil
}

// maxSize is the SIZE limit advertised by the server, 0 when unlimited.
func (c *Client) maxSize() int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(c.caps.Param(CapSIZE)), 10, 64)
	return n
}

/*
SendMail transmits one message on an established session:

	MAIL FROM:<from>
	RCPT TO:<addr>      one per address across To, Cc and Bcc
	DATA                (354)
	<composed message>  terminated by CRLF.CRLF (250)

Returns the Message-ID carried by the message.
*/
func (c *Client) SendMail(ctx context.Context, e *Email) (msgID string, E error) {

	if c.state != StateReady {
		return "", ErrNotConnected
	}

	stop := c.watch(ctx)
	defer stop()

	// PARSE ENVELOPE
	szFrom, E := e.EnvelopeFrom()
	if E != nil {
		return
	}

	sRcpt, E := e.Recipients()
	if E != nil {
		return
	}

	// MESSAGE-TO-BYTESTREAM
	raw, msgID, E := e.Compose()
	if E != nil {
		return "", E
	}

	if nMax := c.maxSize(); (nMax > 0) && (int64(len(raw)) > nMax) {
		return "", &SendFailureError{
			ServerText: fmt.Sprintf("message size %d exceeds server limit %d", len(raw), nMax),
		}
	}

	// CMD: SENDER & RECIPIENTS
	if E = c.Mail(szFrom); E != nil {
		return "", E
	}

	for _, szRcpt := range sRcpt {
		if E = c.Rcpt(szRcpt); E != nil {
			return "", E
		}
	}

	// CMD: DATA
	if E = c.Data(raw); E != nil {
		return "", E
	}

	return msgID, nil
}

// Reset sends the RSET command to the server, aborting the current mail
// transaction.
func (c *Client) Reset(ctx context.Context) error {
	stop := c.watch(ctx)
	defer stop()
	_, err := c.Cmd("250", "RSET")
	return err
}

// Noop sends the NOOP command to the server. It does nothing but check
// that the connection to the server is okay.
func (c *Client) Noop(ctx context.Context) error {
	stop := c.watch(ctx)
	defer stop()
	_, err := c.Cmd("250", "NOOP")
	return err
}

// quitTimeout bounds the best-effort QUIT exchange.
const quitTimeout = 5 * time.Second

// Quit sends a best-effort QUIT, ignoring any error, then always closes the
// connection.  Safe to call more than once.
func (c *Client) Quit() error {

	if c.state == StateClosed {
		return nil
	}

	var E error

	if (c.conn != nil) && (c.Text != nil) {

		d := quitTimeout
		if c.cfg.SocketTimeout < d {
			d = c.cfg.SocketTimeout
		}

		// detached from any cancelled operation context
		c.opCtx = context.Background()
		if c.arm(d) == nil {
			if c.Text.Cmd("QUIT") == nil {
				c.Text.ReadReply()
			}
		}

		E = c.Text.Close()

	} else if c.conn != nil {
		E = c.conn.Close()
	}

	if c.logCloser != nil {
		c.logCloser.Close()
		c.logCloser = nil
	}

	c.state = StateClosed
	return E
}

// validateLine checks to see if a line has CR or LF as per RFC 5321
func validateLine(line string) error {
	if strings.ContainsAny(line, "\n\r") {
		return ErrHasCRLF
	}
	return nil
}
