package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sinkMessage struct {
	user string
	from string
	to   []string
	body []byte
}

// sinkBackend is a go-smtp backend that accepts PLAIN logins for one user
// and keeps every delivered message.
type sinkBackend struct {
	mu       sync.Mutex
	sessions int
	resets   int
	messages []sinkMessage
}

func (be *sinkBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	be.mu.Lock()
	be.sessions++
	be.mu.Unlock()
	return &sinkSession{be: be}, nil
}

func (be *sinkBackend) Sessions() int {
	be.mu.Lock()
	defer be.mu.Unlock()
	return be.sessions
}

func (be *sinkBackend) Messages() []sinkMessage {
	be.mu.Lock()
	defer be.mu.Unlock()
	return append([]sinkMessage(nil), be.messages...)
}

type sinkSession struct {
	be   *sinkBackend
	user string
	msg  sinkMessage
}

func (s *sinkSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *sinkSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if (username != "user@test.com") || (password != "secret") {
			return &smtp.SMTPError{
				Code:         535,
				EnhancedCode: smtp.EnhancedCode{5, 7, 8},
				Message:      "Authentication credentials invalid",
			}
		}
		s.user = username
		return nil
	}), nil
}

func (s *sinkSession) Mail(from string, opts *smtp.MailOptions) error {
	s.msg = sinkMessage{user: s.user, from: from}
	return nil
}

func (s *sinkSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.msg.to = append(s.msg.to, to)
	return nil
}

func (s *sinkSession) Data(r io.Reader) error {
	bsBody, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.body = bsBody

	s.be.mu.Lock()
	s.be.messages = append(s.be.messages, s.msg)
	s.be.mu.Unlock()
	return nil
}

func (s *sinkSession) Reset() {
	s.msg = sinkMessage{}
	s.be.mu.Lock()
	s.be.resets++
	s.be.mu.Unlock()
}

func (s *sinkSession) Logout() error {
	return nil
}

func newSinkServer(t *testing.T, setup func(s *smtp.Server)) (*sinkBackend, ConnectionConfig) {

	be := &sinkBackend{}

	srv := smtp.NewServer(be)
	srv.Domain = "sink.test"
	srv.AllowInsecureAuth = true
	srv.MaxMessageBytes = 64 * 1024
	srv.MaxRecipients = 50
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second
	if setup != nil {
		setup(srv)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return be, ConnectionConfig{
		Host:              addr.IP.String(),
		Port:              uint16(addr.Port),
		LocalName:         "client.test",
		Auth:              BasicAuth("user@test.com", "secret", MechPLAIN),
		ConnectionTimeout: 2 * time.Second,
		GreetingTimeout:   2 * time.Second,
		SocketTimeout:     2 * time.Second,
	}
}

func TestSinkSendDirect(t *testing.T) {

	be, cfg := newSinkServer(t, nil)

	msgID, err := SendDirect(context.Background(), cfg, scenarioB())
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)

	sMsgs := be.Messages()
	require.Len(t, sMsgs, 1)

	m := sMsgs[0]
	assert.Equal(t, "user@test.com", m.user)
	assert.Equal(t, "from@x.com", m.from)
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, m.to)

	body := string(m.body)
	assert.Contains(t, body, "Subject: Scenario B\r\n")
	assert.Contains(t, body, "Message-ID: "+msgID+"\r\n")
	assert.Contains(t, body, "\r\n.leading dot")
	assert.NotContains(t, body, "..leading")
	assert.NotContains(t, body, "c@x.com")
}

func TestSinkStartTLS(t *testing.T) {

	serverTLS, clientTLS := selfSignedTLS(t)

	be, cfg := newSinkServer(t, func(s *smtp.Server) {
		s.TLSConfig = serverTLS
		s.AllowInsecureAuth = false
	})

	cfg.RequireTLS = true
	cfg.TLS = clientTLS

	pCli, err := cfg.Dial(context.Background())
	require.NoError(t, err)
	defer pCli.Quit()

	assert.True(t, pCli.IsTLS())
	assert.Equal(t, StateReady, pCli.State())
	assert.True(t, pCli.Capabilities().Has(CapAUTH), "AUTH is offered only over TLS")

	_, err = pCli.SendMail(context.Background(), scenarioB())
	require.NoError(t, err)
	assert.Len(t, be.Messages(), 1)
}

func TestSinkAuthRejected(t *testing.T) {

	be, cfg := newSinkServer(t, nil)
	cfg.Auth = BasicAuth("user@test.com", "wrong", MechPLAIN)

	_, err := SendDirect(context.Background(), cfg, scenarioB())

	var pAuth *AuthenticationFailedError
	require.ErrorAs(t, err, &pAuth)
	assert.Contains(t, pAuth.ServerText, "535")
	assert.NotContains(t, err.Error(), "wrong")
	assert.Empty(t, be.Messages())
}

func TestSinkSizeLimit(t *testing.T) {

	be, cfg := newSinkServer(t, nil)

	e := scenarioB()
	e.Text = bytes.Repeat([]byte(strings.Repeat("x", 70)+"\n"), 2000)

	_, err := SendDirect(context.Background(), cfg, e)

	var pSend *SendFailureError
	require.ErrorAs(t, err, &pSend)
	assert.Empty(t, be.Messages())
}

func TestSinkMailerPooled(t *testing.T) {

	be, cfg := newSinkServer(t, nil)

	m := NewMailer(WithLogger(zaptest.NewLogger(t)))
	defer m.Close()

	req := SendRequest{
		Host:              cfg.Host,
		Port:              cfg.Port,
		LocalName:         cfg.LocalName,
		Auth:              cfg.Auth,
		ConnectionTimeout: cfg.ConnectionTimeout,
		GreetingTimeout:   cfg.GreetingTimeout,
		SocketTimeout:     cfg.SocketTimeout,
		Pooled:            ptr(true),
		PoolOptions:       &PoolOptions{MaxConnections: 2, MaxMessages: 10},
	}

	var wg sync.WaitGroup
	sRes := make([]Result, 6)
	for ix := range sRes {
		wg.Add(1)
		go func(ix int) {
			defer wg.Done()
			r := req
			r.Message = scenarioB()
			sRes[ix] = m.Send(context.Background(), r)
		}(ix)
	}
	wg.Wait()

	sIDs := make(map[string]bool)
	for _, res := range sRes {
		require.NoError(t, res.Err)
		assert.True(t, res.Success)
		sIDs[res.MessageID] = true
	}
	assert.Len(t, sIDs, len(sRes))

	assert.Len(t, be.Messages(), len(sRes))
	assert.LessOrEqual(t, be.Sessions(), 2)

	for _, st := range m.Registry().Stats() {
		assert.Equal(t, uint64(len(sRes)), st.MessagesSent)
		assert.LessOrEqual(t, st.ActiveConnections, 2)
	}
}

func TestSinkClientTLSRejectsUnknownCA(t *testing.T) {

	serverTLS, _ := selfSignedTLS(t)

	_, cfg := newSinkServer(t, func(s *smtp.Server) { s.TLSConfig = serverTLS })
	cfg.RequireTLS = true
	cfg.TLS = &tls.Config{ServerName: "mx.test.com"}

	_, err := cfg.Dial(context.Background())

	var pConn *ConnectError
	assert.ErrorAs(t, err, &pConn)
}
