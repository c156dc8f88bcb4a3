// Package defaulthandler provides a reference smtpsrv.Handler: SASL
// credential checks against internal/auth (backed by internal/userdb or
// internal/dovecot), SPF-based sender checks via blitiri.com.ar/go/spf, and
// maildir-style delivery to a local directory. It exists to exercise
// smtpsrv.Handler end to end, not as a production delivery pipeline.
package defaulthandler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/spf"

	"github.com/mx-tools/smtpsrv/internal/auth"
	"github.com/mx-tools/smtpsrv/internal/envelope"
	"github.com/mx-tools/smtpsrv/internal/smtpsrv"
)

// Handler is a reference smtpsrv.Handler implementation.
type Handler struct {
	Authenticator *auth.Authenticator
	MailDir       string

	// AllowedDomains gates RCPT TO: if non-empty, only addresses whose
	// domain is in this set are accepted (the rest get a 550).
	AllowedDomains map[string]bool

	// DisableSPF skips the SPF check on MAIL FROM, for tests or trusted
	// networks.
	DisableSPF bool
}

var _ smtpsrv.Handler = (*Handler)(nil)

// OnConnect accepts every connection; this reference handler has no
// connection-level denylist.
func (h *Handler) OnConnect(ctx context.Context, s *smtpsrv.Session) (smtpsrv.Result, error) {
	return smtpsrv.Accept, nil
}

// OnAuth checks credentials via the registered Authenticator, splitting
// "user@domain" style usernames (see splitUser) so domain-keyed backends
// (one per virtual domain) still work when driven through the generic SASL
// mechanisms in internal/sasl.
func (h *Handler) OnAuth(ctx context.Context, s *smtpsrv.Session, req smtpsrv.AuthRequest) (smtpsrv.AuthResult, error) {
	if h.Authenticator == nil {
		return smtpsrv.AuthResult{OK: false, Code: 454, Message: "4.7.0 Authentication not configured"}, nil
	}

	if req.Method == "CRAM-MD5" {
		// CRAM-MD5 never reveals the plaintext password over the wire, so
		// Authenticate (which needs one) can't be used directly; the
		// reference backends only store/verify plaintext, not HMAC
		// digests, so this mechanism isn't servable here.
		return smtpsrv.AuthResult{OK: false, Code: 504, Message: "5.5.4 CRAM-MD5 not supported by this backend"}, nil
	}

	user, domain := splitUser(req.Username)
	ok, err := h.Authenticator.Authenticate(user, domain, req.Password)
	if err != nil {
		return smtpsrv.AuthResult{}, err
	}
	if !ok {
		return smtpsrv.AuthResult{OK: false}, nil
	}
	return smtpsrv.AuthResult{OK: true, User: req.Username}, nil
}

// splitUser splits "user@domain" into its parts at the last '@'; a bare
// "user" gets an empty domain. (auth.DecodeResponse, by contrast, splits
// at the first '@' and rejects an identity without one.)
func splitUser(username string) (user, domain string) {
	at := strings.LastIndexByte(username, '@')
	if at < 0 {
		return username, ""
	}
	return username[:at], username[at+1:]
}

// OnMailFrom runs an SPF check on the connecting IP against the sender's
// domain, skipping authenticated connections (they're trusted regardless
// of SPF).
func (h *Handler) OnMailFrom(ctx context.Context, s *smtpsrv.Session, addr smtpsrv.Addr) (smtpsrv.Result, error) {
	if h.DisableSPF || s.User != "" || addr.Address == "" {
		return smtpsrv.Accept, nil
	}

	tcp, ok := s.RemoteAddress.(*net.TCPAddr)
	if !ok {
		return smtpsrv.Accept, nil
	}

	res, err := spf.CheckHostWithSender(tcp.IP, envelope.DomainOf(addr.Address), addr.Address)
	if err != nil {
		log.Infof("spf check error for %s: %v", addr.Address, err)
		return smtpsrv.Accept, nil
	}
	if res == spf.Fail {
		return smtpsrv.Reject(550, "5.7.1 SPF check failed"), nil
	}
	return smtpsrv.Accept, nil
}

// OnRcptTo accepts any recipient whose domain is in AllowedDomains, or any
// recipient at all if AllowedDomains is empty.
func (h *Handler) OnRcptTo(ctx context.Context, s *smtpsrv.Session, addr smtpsrv.Addr) (smtpsrv.Result, error) {
	if len(h.AllowedDomains) == 0 {
		return smtpsrv.Accept, nil
	}
	domain := strings.ToLower(envelope.DomainOf(addr.Address))
	if !h.AllowedDomains[domain] {
		return smtpsrv.Reject(550, "5.1.1 No such domain here"), nil
	}
	return smtpsrv.Accept, nil
}

// OnData writes the message to a maildir-style "new" subdirectory, one
// file per transaction, named after the session ID and a random suffix.
func (h *Handler) OnData(ctx context.Context, s *smtpsrv.Session, body io.Reader) (smtpsrv.DataResult, error) {
	data, err := ioutil.ReadAll(body)
	if err != nil {
		return smtpsrv.DataResult{Single: smtpsrv.DataOutcome{
			Code: 451, Message: "4.3.0 error reading message",
		}}, nil
	}

	name, err := h.deliver(s, data)
	if err != nil {
		out := smtpsrv.DataOutcome{Code: 451, Message: "4.3.0 error storing message", Err: err}
		if s.LMTP {
			per := make([]smtpsrv.DataOutcome, len(s.Envelope.RcptTo))
			for i := range per {
				per[i] = out
			}
			return smtpsrv.DataResult{PerRecipient: per}, nil
		}
		return smtpsrv.DataResult{Single: out}, nil
	}

	log.Infof("delivered %s (%d bytes) to %s", name, len(data), h.MailDir)

	if s.LMTP {
		per := make([]smtpsrv.DataOutcome, len(s.Envelope.RcptTo))
		for i := range per {
			per[i] = smtpsrv.DataOutcome{Code: 250, Message: "2.0.0 delivered"}
		}
		return smtpsrv.DataResult{PerRecipient: per}, nil
	}
	return smtpsrv.DataResult{Single: smtpsrv.DataOutcome{Code: 250, Message: "2.0.0 delivered"}}, nil
}

func (h *Handler) deliver(s *smtpsrv.Session, data []byte) (string, error) {
	if h.MailDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(h.MailDir, 0700); err != nil {
		return "", err
	}

	var suffix [8]byte
	rand.Read(suffix[:])
	name := fmt.Sprintf("%d.%s.%s", time.Now().UnixNano(), s.ID, hex.EncodeToString(suffix[:]))

	path := filepath.Join(h.MailDir, name)
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return name, nil
}

// OnSecure accepts every TLS handshake; a stricter handler might require a
// minimum negotiated version here.
func (h *Handler) OnSecure(ctx context.Context, s *smtpsrv.Session) (smtpsrv.Result, error) {
	return smtpsrv.Accept, nil
}

// OnClose is a no-op in this reference handler.
func (h *Handler) OnClose(s *smtpsrv.Session) {}

// ReverseLookup resolves addr's hostname via the standard resolver.
func (h *Handler) ReverseLookup(ctx context.Context, addr net.Addr) ([]string, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("defaulthandler: not a TCP address: %v", addr)
	}
	return net.DefaultResolver.LookupAddr(ctx, tcp.IP.String())
}
