package email

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// AuthMechanism enumerates the SASL mechanisms the Client can drive.
type AuthMechanism uint8

const (
	MechLOGIN AuthMechanism = iota + 1
	MechPLAIN
	MechOAUTHBEARER
	MechXOAUTH2
)

func (m AuthMechanism) String() string {
	switch m {
	case MechLOGIN:
		return "LOGIN"
	case MechPLAIN:
		return "PLAIN"
	case MechOAUTHBEARER:
		return "OAUTHBEARER"
	case MechXOAUTH2:
		return "XOAUTH2"
	}
	return fmt.Sprintf("AuthMechanism(%d)", uint8(m))
}

// UnmarshalText accepts the mechanism names case-insensitively; "OAUTH2" is an
// alias of OAUTHBEARER.
func (m *AuthMechanism) UnmarshalText(val []byte) error {

	switch strings.ToUpper(strings.TrimSpace(string(val))) {
	case "", "LOGIN":
		*m = MechLOGIN
	case "PLAIN":
		*m = MechPLAIN
	case "OAUTH2", "OAUTHBEARER":
		*m = MechOAUTHBEARER
	case "XOAUTH2":
		*m = MechXOAUTH2
	default:
		return &ValidationError{Field: "mechanism", Err: fmt.Errorf("unknown mechanism %q", string(val))}
	}
	return nil
}

// supportedBy reports whether the capability set permits the mechanism: the
// server must advertise either the generic AUTH keyword or the mechanism name.
func (m AuthMechanism) supportedBy(cs CapabilitySet) bool {
	return cs.Has(CapAUTH) || cs.Has(m.String())
}

/*
AuthCredential is one of the three supported credential shapes:

	BasicCredential    user + password, LOGIN or PLAIN
	OAuth2Credential   OAUTHBEARER with an already issued access token
	XOAuth2Credential  XOAUTH2 with an access token

String() on every credential masks secrets so they never end up in logs or
error text.
*/
type AuthCredential interface {
	Mechanism() AuthMechanism
	Username() string
}

type BasicCredential struct {
	User string
	Pass string
	Mech AuthMechanism // MechLOGIN (default) or MechPLAIN
}

// BasicAuth returns a LOGIN or PLAIN credential.
func BasicAuth(user, pass string, mech AuthMechanism) BasicCredential {
	return BasicCredential{User: user, Pass: pass, Mech: mech}
}

func (b BasicCredential) Mechanism() AuthMechanism {
	if b.Mech == MechPLAIN {
		return MechPLAIN
	}
	return MechLOGIN
}

func (b BasicCredential) Username() string { return b.User }

func (b BasicCredential) String() string {
	return fmt.Sprintf("Basic{user=%s, mech=%s}", b.User, b.Mechanism())
}

// OAuth2Credential carries the full OAuth2 client registration. Token refresh
// belongs to the caller; only AccessToken is used on the wire.
type OAuth2Credential struct {
	User         string
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
}

func (o OAuth2Credential) Mechanism() AuthMechanism { return MechOAUTHBEARER }
func (o OAuth2Credential) Username() string         { return o.User }

func (o OAuth2Credential) String() string {
	return fmt.Sprintf("OAuth2{user=%s, clientId=%s}", o.User, o.ClientID)
}

type XOAuth2Credential struct {
	User        string
	AccessToken string
}

func (x XOAuth2Credential) Mechanism() AuthMechanism { return MechXOAUTH2 }
func (x XOAuth2Credential) Username() string         { return x.User }

func (x XOAuth2Credential) String() string {
	return fmt.Sprintf("XOAuth2{user=%s}", x.User)
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// plainResponse is the RFC 4616 initial response with an empty authzid.
func plainResponse(user, pass string) string {
	return b64("\x00" + user + "\x00" + pass)
}

// bearerResponse is the SASL string sent for both OAUTHBEARER and XOAUTH2.
func bearerResponse(user, token string) string {
	return b64("user=" + user + "\x01auth=Bearer " + token + "\x01\x01")
}

// authFailed converts an unexpected reply during AUTH into the public error.
func authFailed(rep Reply) error {
	return &AuthenticationFailedError{ServerText: rep.String()}
}

func (c *Client) authLogin(user, pass string) error {

	rep, E := c.rawCmd("AUTH LOGIN")
	if E != nil {
		return E
	}
	if rep.Code != 334 {
		return authFailed(rep)
	}

	rep, E = c.rawCmd("%s", b64(user))
	if E != nil {
		return E
	}
	if rep.Code != 334 {
		return authFailed(rep)
	}

	rep, E = c.rawCmd("%s", b64(pass))
	if E != nil {
		return E
	}
	if rep.Code != 235 {
		return authFailed(rep)
	}

	return nil
}

func (c *Client) authSingle(mech AuthMechanism, resp string) error {

	rep, E := c.rawCmd("AUTH %s %s", mech, resp)
	if E != nil {
		return E
	}

	// a 334 here is a SASL error challenge; answer with an empty line so the
	// server finishes the exchange, then report the failure
	if rep.Code == 334 {
		if fin, E := c.rawCmd(""); (E == nil) && (fin.Code != 235) {
			rep = fin
		}
		return authFailed(rep)
	}

	if rep.Code != 235 {
		return authFailed(rep)
	}

	return nil
}

/*
Authenticate runs the exchange for the configured credential.  It is a no-op
when no credential is configured.

	LOGIN        AUTH LOGIN (334) -> b64(user) (334) -> b64(pass) (235)
	PLAIN        AUTH PLAIN b64("\0user\0pass") (235)
	OAUTHBEARER  AUTH OAUTHBEARER b64("user=..\x01auth=Bearer ..\x01\x01") (235)
	XOAUTH2      AUTH XOAUTH2 <same payload> (235)

Returns *AuthUnsupportedError when the server did not advertise the mechanism,
ErrMissingCredential for an OAuth2 credential without an access token, and
*AuthenticationFailedError for any unexpected reply.
*/
func (c *Client) Authenticate() (E error) {

	if c.state < StateNegotiated {
		return ErrNotConnected
	}

	if c.cfg.Auth == nil {
		c.state = StateAuthenticated
		return nil
	}

	mech := c.cfg.Auth.Mechanism()
	if !mech.supportedBy(c.caps) {
		return &AuthUnsupportedError{Mechanism: mech}
	}

	switch cred := c.cfg.Auth.(type) {
	case BasicCredential:
		if mech == MechPLAIN {
			E = c.authSingle(MechPLAIN, plainResponse(cred.User, cred.Pass))
		} else {
			E = c.authLogin(cred.User, cred.Pass)
		}
	case *BasicCredential:
		if mech == MechPLAIN {
			E = c.authSingle(MechPLAIN, plainResponse(cred.User, cred.Pass))
		} else {
			E = c.authLogin(cred.User, cred.Pass)
		}
	case OAuth2Credential:
		E = c.authBearer(mech, cred.User, cred.AccessToken)
	case *OAuth2Credential:
		E = c.authBearer(mech, cred.User, cred.AccessToken)
	case XOAuth2Credential:
		E = c.authBearer(mech, cred.User, cred.AccessToken)
	case *XOAuth2Credential:
		E = c.authBearer(mech, cred.User, cred.AccessToken)
	default:
		return &AuthUnsupportedError{Mechanism: mech}
	}

	if E == nil {
		c.state = StateAuthenticated
	}
	return
}

func (c *Client) authBearer(mech AuthMechanism, user, token string) error {

	if len(token) == 0 {
		return ErrMissingCredential
	}

	return c.authSingle(mech, bearerResponse(user, token))
}
