// Package normalize contains functions to normalize usernames and addresses.
package normalize

import (
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"github.com/mx-tools/smtpsrv/internal/envelope"
)

// User normalices an username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Addr normalizes an email address using PRECIS.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}

// Domain normalizes a domain name: lowercase, and decoded from punycode to
// Unicode (IDNA). On decode error, the original (lowercased) domain is
// returned together with the error, so callers can fall back to the ASCII
// form instead of failing outright.
func Domain(domain string) (string, error) {
	domain = strings.ToLower(domain)
	uni, err := idna.ToUnicode(domain)
	if err != nil {
		return domain, err
	}
	return uni, nil
}

// DomainToUnicode decodes the domain part of addr (which may be an IDNA
// punycode form, e.g. "xn--..") into its Unicode representation, leaving
// the user part untouched.
func DomainToUnicode(addr string) (string, error) {
	user, domain := envelope.Split(addr)
	domain, err := Domain(domain)
	if err != nil {
		return addr, err
	}
	return user + "@" + domain, nil
}
