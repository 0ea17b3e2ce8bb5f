package email

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"crypto/tls"

	"log"
	"os"
)

const (
	DefaultHost              = "localhost"
	DefaultPort              = 587
	DefaultConnectionTimeout = 2 * time.Minute
	DefaultGreetingTimeout   = 30 * time.Second
	DefaultSocketTimeout     = 10 * time.Minute
)

// ConnectionConfig holds parameters for connecting to an SMTP server.  It is
// treated as an immutable value: the Client keeps its own copy.
type ConnectionConfig struct {
	Host string
	Port uint16

	Secure     bool // implicit TLS from the first byte (usually port 465)
	RequireTLS bool // upgrade plaintext sessions with STARTTLS, fail if not offered
	IgnoreTLS  bool // never issue STARTTLS

	Auth AuthCredential // nil for unauthenticated relays

	ConnectionTimeout time.Duration // dial + implicit TLS handshake
	GreetingTimeout   time.Duration // wait for the 220 banner
	SocketTimeout     time.Duration // each later command/reply round trip

	LocalName string // EHLO name; os.Hostname() when empty

	TLS                *tls.Config // overrides TLSConfig(Host)
	InsecureSkipVerify bool

	Proto     string // dial protocol: `tcp`, `tcp4`, or `tcp6`; defaults to `tcp`
	KeepAlive net.KeepAliveConfig

	Debug       bool   // write the protocol transcript to stderr (or SMTPLog)
	SMTPLog     string // path to SMTP log: complete filepath, "-" for STDOUT, or empty for STDERR when Debug is set
	TextprotoFn CreateTextprotoConnFn
}

// WithDefaults fills zero-valued fields with the package defaults.
func (cfg ConnectionConfig) WithDefaults() ConnectionConfig {

	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.GreetingTimeout <= 0 {
		cfg.GreetingTimeout = DefaultGreetingTimeout
	}
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = DefaultSocketTimeout
	}
	if cfg.Proto == "" {
		cfg.Proto = "tcp"
	}
	if cfg.LocalName == "" {
		if h, E := os.Hostname(); (E == nil) && (validateLine(h) == nil) && (h != "") {
			cfg.LocalName = h
		} else {
			cfg.LocalName = "localhost"
		}
	}
	return cfg
}

// Addr is the dial address, host:port.
func (cfg ConnectionConfig) Addr() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))
}

// User is the authenticating user name, or "" without credentials.
func (cfg ConnectionConfig) User() string {
	if cfg.Auth == nil {
		return ""
	}
	return cfg.Auth.Username()
}

// PoolKey identifies the endpoint: host:port:user.
func (cfg ConnectionConfig) PoolKey() string {
	return fmt.Sprintf("%s:%d:%s", cfg.Host, cfg.Port, cfg.User())
}

func (cfg ConnectionConfig) tlsConfig() *tls.Config {

	var pTLS *tls.Config
	if cfg.TLS != nil {
		pTLS = cfg.TLS.Clone()
	} else {
		pTLS = TLSConfig(cfg.Host)
	}

	if pTLS.ServerName == "" {
		pTLS.ServerName = cfg.Host
	}
	if cfg.InsecureSkipVerify {
		pTLS.InsecureSkipVerify = true
	}
	return pTLS
}

// transcript resolves the CreateTextprotoConnFn for this config.  The returned
// closer (possibly nil) owns an opened SMTPLog file.
func (cfg ConnectionConfig) transcript() (CreateTextprotoConnFn, io.Closer, error) {

	if cfg.TextprotoFn != nil {
		return cfg.TextprotoFn, nil, nil
	}

	if (len(cfg.SMTPLog) == 0) && !cfg.Debug {
		return textprotoFromConn, nil, nil
	}

	var iW io.Writer
	var iCloser io.Closer

	switch cfg.SMTPLog {
	case "":
		iW = os.Stderr
	case "-":
		iW = os.Stdout
	default:
		pF, err := os.OpenFile(cfg.SMTPLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0660)
		if err != nil {
			return nil, nil, err
		}
		iW, iCloser = pF, pF
	}

	return TextprotoLogged(log.New(iW, "", log.Ltime|log.Lmicroseconds), IsTerminal(iW)), iCloser, nil
}

// TLS config recommendations per "So you want to expose Go on the Internet":
// https://blog.cloudflare.com/exposing-go-on-the-internet/
func TLSConfig(hostName string) *tls.Config {

	return &tls.Config{

		ServerName: hostName,

		// Only use curves which have assembly implementations
		CurvePreferences: []tls.CurveID{
			tls.CurveP256,
			tls.X25519,
		},

		MinVersion: tls.VersionTLS12,

		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

/*
Dial connects to the SMTP server & establishes an authenticated SMTP session
per settings in ConnectionConfig: connect, EHLO, STARTTLS when required, then
AUTH.  On failure the connection is already closed.

Close with .Quit() method to end session.
*/
func (cfg ConnectionConfig) Dial(ctx context.Context) (*Client, error) {

	pCli := NewClient(cfg)

	if err := pCli.Handshake(ctx); err != nil {
		return nil, err
	}

	return pCli, nil
}
