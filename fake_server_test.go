package email

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSMTP is a scripted SMTP peer on 127.0.0.1.  It answers by verb and
// records every line the client sends, including AUTH continuation lines.
type fakeSMTP struct {
	t  *testing.T
	ln net.Listener

	greeting   string
	ehlo       []string // EHLO reply lines (first is the server name)
	ehloTLS    []string // EHLO reply lines after STARTTLS; ehlo when nil
	rejectEHLO bool
	authReply  string // final AUTH reply
	rejectRcpt string // address answered with 550
	dataReply  string
	rsetReply  string
	stall      bool   // accept but never greet
	stallOn    string // verb left unanswered
	stallData  bool   // accept message data but never answer it
	tlsCfg     *tls.Config

	mu       sync.Mutex
	cmds     []string
	messages []string
	accepted int
	conns    []net.Conn
	done     chan struct{}
	wg       sync.WaitGroup
}

func newFakeSMTP(t *testing.T, setup func(f *fakeSMTP)) *fakeSMTP {

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeSMTP{
		t:         t,
		ln:        ln,
		greeting:  "220 mx.test.com ESMTP ready",
		ehlo:      []string{"mx.test.com", "AUTH LOGIN PLAIN"},
		authReply: "235 2.7.0 Authentication successful",
		dataReply: "250 2.0.0 Ok: queued",
		rsetReply: "250 2.0.0 Ok",
		done:      make(chan struct{}),
	}

	if setup != nil {
		setup(f)
	}

	f.wg.Add(1)
	go f.serve()

	t.Cleanup(f.Close)
	return f
}

func (f *fakeSMTP) Close() {

	select {
	case <-f.done:
		return
	default:
	}

	close(f.done)
	f.ln.Close()

	f.mu.Lock()
	for _, c := range f.conns {
		c.Close()
	}
	f.mu.Unlock()

	f.wg.Wait()
}

func (f *fakeSMTP) config() ConnectionConfig {

	host, szPort, err := net.SplitHostPort(f.ln.Addr().String())
	require.NoError(f.t, err)
	nPort, err := strconv.Atoi(szPort)
	require.NoError(f.t, err)

	return ConnectionConfig{
		Host:              host,
		Port:              uint16(nPort),
		LocalName:         "client.test",
		ConnectionTimeout: 2 * time.Second,
		GreetingTimeout:   2 * time.Second,
		SocketTimeout:     2 * time.Second,
	}
}

func (f *fakeSMTP) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

// CommandsWithPrefix returns the recorded lines starting with prefix.
func (f *fakeSMTP) CommandsWithPrefix(prefix string) []string {
	var sOut []string
	for _, c := range f.Commands() {
		if strings.HasPrefix(c, prefix) {
			sOut = append(sOut, c)
		}
	}
	return sOut
}

func (f *fakeSMTP) Messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func (f *fakeSMTP) Accepted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

func (f *fakeSMTP) record(line string) {
	f.mu.Lock()
	f.cmds = append(f.cmds, line)
	f.mu.Unlock()
}

func (f *fakeSMTP) serve() {

	defer f.wg.Done()

	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}

		f.mu.Lock()
		f.accepted++
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			defer conn.Close()
			f.session(conn)
		}()
	}
}

func multiline(tp *textproto.Conn, code int, sLines []string) {
	for ix, line := range sLines {
		sep := "-"
		if ix == len(sLines)-1 {
			sep = " "
		}
		tp.PrintfLine("%d%s%s", code, sep, line)
	}
}

func (f *fakeSMTP) session(conn net.Conn) {

	if f.stall {
		<-f.done
		return
	}

	tp := textproto.NewConn(conn)
	bTLS := false

	tp.PrintfLine("%s", f.greeting)

	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		f.record(line)

		fields := strings.Fields(line)
		verb := ""
		if len(fields) > 0 {
			verb = strings.ToUpper(fields[0])
		}

		if (f.stallOn != "") && (verb == f.stallOn) {
			continue
		}

		switch verb {

		case "EHLO":
			if f.rejectEHLO {
				tp.PrintfLine("502 5.5.2 Error: command not recognized")
				continue
			}
			sLines := f.ehlo
			if bTLS && (f.ehloTLS != nil) {
				sLines = f.ehloTLS
			}
			multiline(tp, 250, sLines)

		case "HELO":
			tp.PrintfLine("250 mx.test.com")

		case "STARTTLS":
			tp.PrintfLine("220 2.0.0 Ready to start TLS")
			pTLS := tls.Server(conn, f.tlsCfg)
			if err := pTLS.Handshake(); err != nil {
				return
			}
			tp = textproto.NewConn(pTLS)
			bTLS = true

		case "AUTH":
			if (len(fields) > 1) && strings.EqualFold(fields[1], "LOGIN") {
				for _, prompt := range []string{"VXNlcm5hbWU6", "UGFzc3dvcmQ6"} {
					tp.PrintfLine("334 %s", prompt)
					resp, err := tp.ReadLine()
					if err != nil {
						return
					}
					f.record(resp)
				}
			}
			tp.PrintfLine("%s", f.authReply)

		case "MAIL":
			tp.PrintfLine("250 2.1.0 Ok")

		case "RCPT":
			if (f.rejectRcpt != "") && strings.Contains(line, "<"+f.rejectRcpt+">") {
				tp.PrintfLine("550 5.1.1 <%s>: Recipient address rejected", f.rejectRcpt)
				continue
			}
			tp.PrintfLine("250 2.1.5 Ok")

		case "DATA":
			tp.PrintfLine("354 End data with <CR><LF>.<CR><LF>")
			body, err := io.ReadAll(tp.DotReader())
			if err != nil {
				return
			}
			f.mu.Lock()
			f.messages = append(f.messages, string(body))
			f.mu.Unlock()
			if f.stallData {
				continue
			}
			tp.PrintfLine("%s", f.dataReply)

		case "RSET":
			tp.PrintfLine("%s", f.rsetReply)

		case "NOOP":
			tp.PrintfLine("250 2.0.0 Ok")

		case "QUIT":
			tp.PrintfLine("221 2.0.0 Bye")
			return

		default:
			tp.PrintfLine("500 5.5.2 Error: command not recognized")
		}
	}
}

// selfSignedTLS returns a server config for 127.0.0.1 and a client config
// trusting it.
func selfSignedTLS(t *testing.T) (server *tls.Config, client *tls.Config) {

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mx.test.com"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	server = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}},
	}
	client = &tls.Config{RootCAs: pool}

	return server, client
}

func closedPortAddr(t *testing.T) (string, uint16) {

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	return addr.IP.String(), uint16(addr.Port)
}
