package email

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

/*
Settings is the externally loaded configuration layer.  It sits between
call-site values and provider presets when a Mailer resolves a connection:
unset (zero or nil) fields fall through to the next layer.

Example settings.yaml

	host: smtp.example.com
	port: 587
	require_tls: true
	auth:
	  user: sender@example.com
	  pass: secret
	  mechanism: plain
	pool:
	  enabled: true
	  max_connections: 2
	  rate_limit: 10
	  rate_delta: 1s
*/
type Settings struct {
	Host       string `yaml:"host" toml:"host" validate:"omitempty,hostname_rfc1123|ip"`
	Port       uint16 `yaml:"port" toml:"port"`
	Secure     *bool  `yaml:"secure" toml:"secure"`
	RequireTLS *bool  `yaml:"require_tls" toml:"require_tls"`
	IgnoreTLS  *bool  `yaml:"ignore_tls" toml:"ignore_tls"`
	LocalName  string `yaml:"local_name" toml:"local_name"`

	// provider preset name; when empty the sender's domain is tried
	Preset string `yaml:"preset" toml:"preset"`

	From string `yaml:"from" toml:"from"`

	Auth     *AuthSettings   `yaml:"auth" toml:"auth"`
	Timeouts TimeoutSettings `yaml:"timeouts" toml:"timeouts"`
	Pool     *PoolSettings   `yaml:"pool" toml:"pool"`

	Debug   bool   `yaml:"debug" toml:"debug"`
	SMTPLog string `yaml:"smtp_log" toml:"smtp_log"`

	Presets PresetTable `yaml:"presets" toml:"presets" validate:"dive"`
}

type AuthSettings struct {
	User         string        `yaml:"user" toml:"user" validate:"required"`
	Pass         string        `yaml:"pass" toml:"pass" validate:"required_without=AccessToken"`
	Mechanism    AuthMechanism `yaml:"mechanism" toml:"mechanism"`
	ClientID     string        `yaml:"client_id" toml:"client_id"`
	ClientSecret string        `yaml:"client_secret" toml:"client_secret"`
	RefreshToken string        `yaml:"refresh_token" toml:"refresh_token"`
	AccessToken  string        `yaml:"access_token" toml:"access_token"`
}

// Credential builds the AuthCredential variant matching the mechanism.
func (a AuthSettings) Credential() AuthCredential {

	switch a.Mechanism {
	case MechOAUTHBEARER:
		return OAuth2Credential{
			User:         a.User,
			ClientID:     a.ClientID,
			ClientSecret: a.ClientSecret,
			RefreshToken: a.RefreshToken,
			AccessToken:  a.AccessToken,
		}
	case MechXOAUTH2:
		return XOAuth2Credential{User: a.User, AccessToken: a.AccessToken}
	}

	return BasicAuth(a.User, a.Pass, a.Mechanism)
}

type TimeoutSettings struct {
	Connection time.Duration `yaml:"connection" toml:"connection" validate:"gte=0s"`
	Greeting   time.Duration `yaml:"greeting" toml:"greeting" validate:"gte=0s"`
	Socket     time.Duration `yaml:"socket" toml:"socket" validate:"gte=0s"`
}

type PoolSettings struct {
	Enabled        bool          `yaml:"enabled" toml:"enabled"`
	MaxConnections int           `yaml:"max_connections" toml:"max_connections" validate:"gte=0"`
	MaxMessages    int           `yaml:"max_messages" toml:"max_messages" validate:"gte=0"`
	RateDelta      time.Duration `yaml:"rate_delta" toml:"rate_delta" validate:"gte=0s"`
	RateLimit      int           `yaml:"rate_limit" toml:"rate_limit" validate:"gte=0"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" toml:"idle_timeout" validate:"gte=0s"`
}

func (ps PoolSettings) Options() PoolOptions {
	return PoolOptions{
		MaxConnections: ps.MaxConnections,
		MaxMessages:    ps.MaxMessages,
		RateDelta:      ps.RateDelta,
		RateLimit:      ps.RateLimit,
		IdleTimeout:    ps.IdleTimeout,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints; the first violation is returned as
// *ValidationError.
func (s *Settings) Validate() error {

	E := validate.Struct(s)
	if E == nil {
		return nil
	}

	var sFieldErrs validator.ValidationErrors
	if errors.As(E, &sFieldErrs) && (len(sFieldErrs) > 0) {
		fe := sFieldErrs[0]
		return &ValidationError{
			Field: fe.Namespace(),
			Err:   fmt.Errorf("failed on the '%s' rule", fe.Tag()),
		}
	}

	return &ValidationError{Err: E}
}

// LoadSettings decodes one settings file (.yaml, .yml or .toml) and
// validates it.
func LoadSettings(path string) (*Settings, error) {

	bsData, E := os.ReadFile(path)
	if E != nil {
		return nil, E
	}

	pS := &Settings{}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if E = yaml.Unmarshal(bsData, pS); E != nil {
			return nil, &ValidationError{Field: filepath.Base(path), Err: E}
		}
	case ".toml":
		if _, E = toml.Decode(string(bsData), pS); E != nil {
			return nil, &ValidationError{Field: filepath.Base(path), Err: E}
		}
	default:
		return nil, &ValidationError{
			Field: filepath.Base(path),
			Err:   fmt.Errorf("unsupported settings format %q", ext),
		}
	}

	if E = pS.Validate(); E != nil {
		return nil, E
	}

	return pS, nil
}
