package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MailerOption configures a Mailer.
type MailerOption func(*Mailer)

// WithLogger sets the operational logger; the default discards everything.
func WithLogger(log *zap.Logger) MailerOption {
	return func(m *Mailer) {
		if log != nil {
			m.log = log
		}
	}
}

// WithRegistry shares a pool registry between mailers.
func WithRegistry(r *Registry) MailerOption {
	return func(m *Mailer) { m.registry = r }
}

// WithSettings sets the loaded configuration layer.
func WithSettings(s *Settings) MailerOption {
	return func(m *Mailer) { m.settings = s }
}

// WithPresets sets the provider preset source.  Without it, the presets
// table of the loaded Settings is used.
func WithPresets(r PresetResolver) MailerOption {
	return func(m *Mailer) { m.presets = r }
}

// WithDirectRate throttles unpooled sends with a token bucket.
func WithDirectRate(limit rate.Limit, burst int) MailerOption {
	return func(m *Mailer) { m.direct = rate.NewLimiter(limit, burst) }
}

/*
SendRequest carries the call-site layer of a send.  Nil pointers and zero
values are unset and fall through, per field, to the loaded Settings, then to
the provider preset (by Preset name or by the sender's domain), then to the
package default.
*/
type SendRequest struct {
	Message *Email

	Host       string
	Port       uint16
	Secure     *bool
	RequireTLS *bool
	IgnoreTLS  *bool
	Auth       AuthCredential
	Preset     string
	LocalName  string

	ConnectionTimeout time.Duration
	GreetingTimeout   time.Duration
	SocketTimeout     time.Duration

	TLS                *tls.Config
	InsecureSkipVerify bool
	Debug              bool

	Pooled      *bool
	PoolOptions *PoolOptions
}

// Result is the outcome of one Mailer.Send.  Exactly one of MessageID (on
// success) and Err is set.
type Result struct {
	Success   bool
	MessageID string
	Err       error
}

// Mailer resolves layered configuration and dispatches each message through
// a pool or over a one-off session.
type Mailer struct {
	log      *zap.Logger
	registry *Registry
	settings *Settings
	presets  PresetResolver
	direct   *rate.Limiter

	sendDirect func(ctx context.Context, cfg ConnectionConfig, e *Email) (string, error)
}

func NewMailer(opts ...MailerOption) *Mailer {

	m := &Mailer{
		log:        zap.NewNop(),
		sendDirect: SendDirect,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.registry == nil {
		m.registry = NewRegistry(m.log)
	}
	if m.settings == nil {
		m.settings = &Settings{}
	}
	if (m.presets == nil) && (len(m.settings.Presets) > 0) {
		m.presets = m.settings.Presets
	}

	return m
}

func (m *Mailer) Registry() *Registry { return m.registry }

// Send never panics and never returns a bare error: every failure is folded
// into Result.Err.
func (m *Mailer) Send(ctx context.Context, req SendRequest) (res Result) {

	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("email: send aborted: %v", r)}
		}

		if res.Err != nil {
			m.log.Warn("send failed",
				zap.Duration("duration", time.Since(start)),
				zap.Error(res.Err),
			)
			return
		}

		m.log.Info("message sent",
			zap.String("message_id", res.MessageID),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	msgID, E := m.send(ctx, req)
	if E != nil {
		return Result{Err: E}
	}

	return Result{Success: true, MessageID: msgID}
}

func (m *Mailer) send(ctx context.Context, req SendRequest) (string, error) {

	if req.Message == nil {
		return "", ErrMissingToOrFrom
	}

	rc, E := m.resolve(req)
	if E != nil {
		return "", E
	}

	if rc.pooled {

		p, E := m.registry.Pool(rc.cfg, rc.poolOpts)
		if E != nil {
			return "", E
		}

		return p.Send(ctx, rc.msg)
	}

	if m.direct != nil {
		if E := m.direct.Wait(ctx); E != nil {
			return "", E
		}
	}

	return m.sendDirect(ctx, rc.cfg, rc.msg)
}

type resolved struct {
	cfg      ConnectionConfig
	msg      *Email
	pooled   bool
	poolOpts PoolOptions
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPort(vals ...uint16) uint16 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstDuration(vals ...time.Duration) time.Duration {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstBool(vals ...*bool) (bool, bool) {
	for _, v := range vals {
		if v != nil {
			return *v, true
		}
	}
	return false, false
}

// preset finds the provider preset: by explicit name (call site, then
// settings), else by the sender's domain.  An unknown explicit name is an
// error; an unknown domain is not.
func (m *Mailer) preset(req SendRequest, szFrom string) (*Preset, error) {

	if m.presets == nil {
		return nil, nil
	}

	if name := firstString(req.Preset, m.settings.Preset); name != "" {
		p, ok := m.presets.ByName(name)
		if !ok {
			return nil, &ValidationError{Field: "preset", Err: fmt.Errorf("unknown provider %q", name)}
		}
		return &p, nil
	}

	if dom := senderDomain(szFrom); dom != "" {
		if p, ok := m.presets.ByDomain(dom); ok {
			return &p, nil
		}
	}

	return nil, nil
}

func (m *Mailer) resolve(req SendRequest) (rc resolved, E error) {

	s := m.settings

	rc.msg = req.Message
	if (rc.msg.From == "") && (s.From != "") {
		cp := *rc.msg
		cp.From = s.From
		rc.msg = &cp
	}

	pPreset, E := m.preset(req, rc.msg.From)
	if E != nil {
		return rc, E
	}

	var preset Preset
	if pPreset != nil {
		preset = *pPreset
	}

	cfg := ConnectionConfig{
		Host: firstString(req.Host, s.Host, preset.Host, DefaultHost),
		Port: firstPort(req.Port, s.Port, preset.Port, DefaultPort),

		LocalName: firstString(req.LocalName, s.LocalName),

		ConnectionTimeout: firstDuration(req.ConnectionTimeout, s.Timeouts.Connection),
		GreetingTimeout:   firstDuration(req.GreetingTimeout, s.Timeouts.Greeting),
		SocketTimeout:     firstDuration(req.SocketTimeout, s.Timeouts.Socket),

		TLS:                req.TLS,
		InsecureSkipVerify: req.InsecureSkipVerify,
		Debug:              req.Debug || s.Debug,
		SMTPLog:            s.SMTPLog,
	}

	var ok bool
	if cfg.Secure, ok = firstBool(req.Secure, s.Secure); !ok {
		if pPreset != nil {
			cfg.Secure = preset.Secure
		} else {
			cfg.Secure = (cfg.Port == 465)
		}
	}

	cfg.RequireTLS, _ = firstBool(req.RequireTLS, s.RequireTLS)
	cfg.IgnoreTLS, _ = firstBool(req.IgnoreTLS, s.IgnoreTLS)

	switch {
	case req.Auth != nil:
		cfg.Auth = req.Auth
	case s.Auth != nil:
		cfg.Auth = s.Auth.Credential()
	}

	rc.cfg = cfg.WithDefaults()

	var pPoolCfg *bool
	if s.Pool != nil {
		pPoolCfg = &s.Pool.Enabled
	}
	rc.pooled, _ = firstBool(req.Pooled, pPoolCfg)

	switch {
	case req.PoolOptions != nil:
		rc.poolOpts = *req.PoolOptions
	case s.Pool != nil:
		rc.poolOpts = s.Pool.Options()
	}
	rc.poolOpts = rc.poolOpts.withDefaults()

	return rc, nil
}

// Close shuts down every pool of the mailer's registry.
func (m *Mailer) Close() error {
	return m.registry.Close()
}
