// Package sasl implements the server side of the SASL mechanisms used by
// the SMTP/LMTP AUTH command: PLAIN, LOGIN, XOAUTH2 and CRAM-MD5.
//
// Each mechanism is a short, scripted challenge-response exchange keyed by
// the server-issued 334 continuation line. Challenges and responses are
// exchanged as base64 text, exactly as they travel on the wire, so a
// connection handler can drive a Mechanism with nothing more than "write
// this line" / "read a line" primitives, the way it already does for every
// other multi-line command.
package sasl

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Well-known mechanism names, as advertised in the EHLO AUTH line.
const (
	Plain   = "PLAIN"
	Login   = "LOGIN"
	XOAuth2 = "XOAUTH2"
	CRAMMD5 = "CRAM-MD5"
)

// ErrAborted is returned when the client sends a bare "*" in place of a
// response, which RFC 4954 section 4 defines as a request to cancel the
// exchange.
var ErrAborted = errors.New("sasl: authentication aborted by client")

// ErrMalformed is returned when a client response cannot be parsed
// according to the mechanism's wire format.
var ErrMalformed = errors.New("sasl: malformed response")

// Credentials is the outcome of a successfully completed exchange. Which
// fields are populated depends on the mechanism: PLAIN and LOGIN fill in
// Authzid/Authcid/Password; XOAuth2 fills in Authcid/AccessToken; CRAM-MD5
// fills in Authcid and Verify, since the password itself never crosses the
// wire and can only be checked indirectly.
type Credentials struct {
	// Authzid is the authorization identity (may be empty).
	Authzid string
	// Authcid is the authentication identity, i.e. the username.
	Authcid string
	// Password is the cleartext password, for mechanisms that carry one.
	Password string
	// AccessToken is the bearer token, for XOAUTH2.
	AccessToken string
	// Verify checks a candidate plaintext password against the
	// challenge/response captured during a CRAM-MD5 exchange. Nil for
	// every other mechanism.
	Verify func(password string) bool
}

// Mechanism drives one SASL authentication exchange to completion.
type Mechanism interface {
	// Name returns the mechanism's wire name (e.g. "PLAIN").
	Name() string

	// Start begins the exchange. initialResponse is the optional
	// SASL initial-response that may follow the mechanism name on the
	// AUTH command line itself (RFC 4954 section 4); pass "" if there was
	// none. It returns a base64-encoded challenge to send via a 334
	// continuation, or done == true if the exchange already finished
	// (only possible when an initial response was supplied).
	Start(initialResponse string) (challenge string, done bool, err error)

	// Next continues the exchange with the client's base64-encoded reply
	// to the last challenge.
	Next(response string) (challenge string, done bool, err error)

	// Credentials returns the exchange's outcome. Only valid after Start
	// or Next has returned done == true with a nil error.
	Credentials() Credentials
}

func decodeOrAbort(s string) ([]byte, error) {
	if s == "*" {
		return nil, ErrAborted
	}
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return buf, nil
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// plain implements RFC 4616 PLAIN.
type plain struct {
	creds Credentials
}

// NewPlain returns a new PLAIN mechanism exchange.
func NewPlain() Mechanism { return &plain{} }

func (p *plain) Name() string { return Plain }

func (p *plain) decode(s string) (string, bool, error) {
	buf, err := decodeOrAbort(s)
	if err != nil {
		return "", false, err
	}

	parts := bytes.SplitN(buf, []byte{0}, 3)
	if len(parts) != 3 {
		return "", false, fmt.Errorf("%w: expected authzid\\0authcid\\0passwd", ErrMalformed)
	}

	authzid, authcid, passwd := string(parts[0]), string(parts[1]), string(parts[2])
	if authcid == "" {
		authcid = authzid
	}
	if authcid == "" {
		return "", false, fmt.Errorf("%w: empty identity", ErrMalformed)
	}

	p.creds = Credentials{Authzid: authzid, Authcid: authcid, Password: passwd}
	return "", true, nil
}

func (p *plain) Start(initialResponse string) (string, bool, error) {
	if initialResponse == "" {
		return "", false, nil
	}
	return p.decode(initialResponse)
}

func (p *plain) Next(response string) (string, bool, error) {
	return p.decode(response)
}

func (p *plain) Credentials() Credentials { return p.creds }

// login implements the common (non-standard, but near-universal) LOGIN
// mechanism: the server prompts for a username then a password, each
// base64-encoded.
type login struct {
	step  int
	user  string
	creds Credentials
}

// NewLogin returns a new LOGIN mechanism exchange.
func NewLogin() Mechanism { return &login{} }

func (l *login) Name() string { return Login }

var (
	loginUserPrompt = encode([]byte("Username:"))
	loginPassPrompt = encode([]byte("Password:"))
)

func (l *login) Start(initialResponse string) (string, bool, error) {
	if initialResponse != "" {
		user, err := decodeOrAbort(initialResponse)
		if err != nil {
			return "", false, err
		}
		l.user = string(user)
		l.step = 1
		return loginPassPrompt, false, nil
	}
	l.step = 0
	return loginUserPrompt, false, nil
}

func (l *login) Next(response string) (string, bool, error) {
	switch l.step {
	case 0:
		user, err := decodeOrAbort(response)
		if err != nil {
			return "", false, err
		}
		l.user = string(user)
		l.step = 1
		return loginPassPrompt, false, nil
	case 1:
		pass, err := decodeOrAbort(response)
		if err != nil {
			return "", false, err
		}
		l.creds = Credentials{Authcid: l.user, Password: string(pass)}
		l.step = 2
		return "", true, nil
	default:
		return "", false, fmt.Errorf("sasl: LOGIN exchange already finished")
	}
}

func (l *login) Credentials() Credentials { return l.creds }

// xoauth2 implements RFC 7628 XOAUTH2.
type xoauth2 struct {
	creds Credentials
}

// NewXOAuth2 returns a new XOAUTH2 mechanism exchange.
func NewXOAuth2() Mechanism { return &xoauth2{} }

func (x *xoauth2) Name() string { return XOAuth2 }

func (x *xoauth2) decode(s string) (string, bool, error) {
	buf, err := decodeOrAbort(s)
	if err != nil {
		return "", false, err
	}

	// "user=" <user> "\x01auth=Bearer " <token> "\x01\x01"
	if !bytes.HasSuffix(buf, []byte("\x01\x01")) {
		return "", false, fmt.Errorf("%w: missing terminator", ErrMalformed)
	}
	body := bytes.TrimSuffix(buf, []byte("\x01\x01"))
	fields := bytes.Split(body, []byte{1})
	var user, token string
	for _, f := range fields {
		switch {
		case bytes.HasPrefix(f, []byte("user=")):
			user = string(f[len("user="):])
		case bytes.HasPrefix(f, []byte("auth=Bearer ")):
			token = string(f[len("auth=Bearer "):])
		case bytes.HasPrefix(f, []byte("auth=bearer ")):
			token = string(f[len("auth=bearer "):])
		}
	}
	if user == "" || token == "" {
		return "", false, fmt.Errorf("%w: missing user or bearer token", ErrMalformed)
	}

	x.creds = Credentials{Authcid: user, AccessToken: token}
	return "", true, nil
}

func (x *xoauth2) Start(initialResponse string) (string, bool, error) {
	if initialResponse == "" {
		return "", false, nil
	}
	return x.decode(initialResponse)
}

func (x *xoauth2) Next(response string) (string, bool, error) {
	return x.decode(response)
}

func (x *xoauth2) Credentials() Credentials { return x.creds }

// XOAuth2FailurePayload builds the base64-encoded JSON status object an
// XOAUTH2 exchange sends via a 334 continuation when the access token is
// rejected (RFC 7628 section 3.2.2). The caller must still read one more
// (discarded) client line, conventionally a bare "*", before responding
// with a final 535.
func XOAuth2FailurePayload(status string) string {
	payload, _ := json.Marshal(struct {
		Status  string `json:"status"`
		Schemes string `json:"schemes"`
		Scope   string `json:"scope"`
	}{Status: status, Schemes: "bearer", Scope: ""})
	return encode(payload)
}

// cramMD5 implements RFC 2195 CRAM-MD5.
type cramMD5 struct {
	challenge []byte
	creds     Credentials
}

// NewCRAMMD5 returns a new CRAM-MD5 mechanism exchange. challenge is the
// server challenge to issue, conventionally a unique opaque token of the
// form "<process.timestamp@hostname>"; see ChallengeToken.
func NewCRAMMD5(challenge string) Mechanism {
	return &cramMD5{challenge: []byte(challenge)}
}

// ChallengeToken returns a CRAM-MD5 challenge token in the conventional
// "<counter.unixtime@hostname>" form. The core only requires the result be
// a unique opaque string; it need not encode real process information.
func ChallengeToken(counter, unixTime int64, hostname string) string {
	return fmt.Sprintf("<%d.%d@%s>", counter, unixTime, hostname)
}

func (c *cramMD5) Name() string { return CRAMMD5 }

func (c *cramMD5) Start(initialResponse string) (string, bool, error) {
	// CRAM-MD5 always speaks first; an initial-response makes no sense.
	return encode(c.challenge), false, nil
}

func (c *cramMD5) Next(response string) (string, bool, error) {
	buf, err := decodeOrAbort(response)
	if err != nil {
		return "", false, err
	}

	sp := strings.LastIndexByte(string(buf), ' ')
	if sp < 0 {
		return "", false, fmt.Errorf("%w: expected \"user digest\"", ErrMalformed)
	}
	user, digest := string(buf[:sp]), string(buf[sp+1:])
	if _, err := hex.DecodeString(digest); err != nil {
		return "", false, fmt.Errorf("%w: digest is not hex", ErrMalformed)
	}

	challenge := c.challenge
	c.creds = Credentials{
		Authcid: user,
		Verify: func(password string) bool {
			mac := hmac.New(md5.New, []byte(password))
			mac.Write(challenge)
			want := hex.EncodeToString(mac.Sum(nil))
			return subtleEqualFold(want, digest)
		},
	}
	return "", true, nil
}

func (c *cramMD5) Credentials() Credentials { return c.creds }

// subtleEqualFold compares two hex strings case-insensitively. Timing
// safety isn't meaningful here since an attacker who can't compute the MAC
// gains nothing from a timing side channel on the encoding of the digest
// they already sent.
func subtleEqualFold(a, b string) bool {
	return strings.EqualFold(a, b)
}

// New returns the Mechanism implementation for name, or nil if name is not
// one of the mechanisms this package implements.
func New(name string, cramChallenge string) Mechanism {
	switch strings.ToUpper(name) {
	case Plain:
		return NewPlain()
	case Login:
		return NewLogin()
	case XOAuth2:
		return NewXOAuth2()
	case CRAMMD5:
		return NewCRAMMD5(cramChallenge)
	default:
		return nil
	}
}
