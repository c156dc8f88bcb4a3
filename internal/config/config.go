// Package config implements configuration loading for the embeddable SMTP
// server: a small key: "value" text format (the on-disk shape is modelled
// after textproto, without requiring a generated protobuf schema), merged
// with built-in defaults and command-line overrides.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"blitiri.com.ar/go/log"
)

// SNICert associates a TLS certificate/key pair with a servername, for
// STARTTLS/implicit-TLS handshakes that pick a certificate via SNI.
type SNICert struct {
	ServerName string
	CertPath   string
	KeyPath    string
}

// Config holds the server's configuration.
type Config struct {
	// Server hostname, used in the greeting banner and EHLO response.
	Hostname string

	// Extra greeting text. It is parsed and stored only: smtpsrv.FromConfig
	// does not copy it, and the 220 greeting does not include it.
	Banner string

	// Maximum DATA size, in megabytes. 0 means unlimited.
	MaxDataSizeMB int64

	// Listening addresses, by socket mode.
	SMTPAddress              []string
	SubmissionAddress        []string
	SubmissionOverTLSAddress []string
	LMTPAddress              []string

	// Address for a debug/monitoring HTTP server. It is parsed and logged
	// by LogConfig; no package in this module starts a server on it.
	MonitoringAddress string

	// Default TLS certificate/key pair.
	CertPath string
	KeyPath  string

	// Additional certificates selected by SNI servername.
	SNICerts []SNICert

	Secure       bool
	NeedsUpgrade bool

	HideSize                bool
	AuthMethods             []string
	AuthOptional            bool
	AllowInsecureAuth       bool
	DisabledCommands        []string
	HideStartTLS            bool
	HidePipelining          bool
	Hide8BitMIME            bool
	HideSMTPUTF8            bool
	HideDSN                 bool
	HideEnhancedStatusCodes bool
	HideRequireTLS          bool

	MaxClients     int64
	SocketTimeout  string
	CloseTimeout   string
	UseProxy       bool
	UseXClient     bool
	UseXForward    bool
	LMTP           bool

	DisableReverseLookup bool
	IgnoredHosts         []string

	DataDir     string
	MailLogPath string

	DovecotAuth       bool
	DovecotUserdbPath string
	DovecotClientPath string
}

var defaultConfig = Config{
	MaxDataSizeMB: 50,

	SMTPAddress:              []string{"systemd"},
	SubmissionAddress:        []string{"systemd"},
	SubmissionOverTLSAddress: []string{"systemd"},

	AuthMethods: []string{"PLAIN", "LOGIN"},

	MaxClients:    1000,
	SocketTimeout: "60s",
	CloseTimeout:  "30s",

	DataDir:     "/var/lib/smtpsrv",
	MailLogPath: "<syslog>",
}

// repeated fields: lines with this key accumulate instead of overwriting.
var listFields = map[string]bool{
	"smtp_address":                true,
	"submission_address":          true,
	"submission_over_tls_address": true,
	"lmtp_address":                true,
	"auth_methods":                true,
	"disabled_commands":           true,
	"ignored_hosts":               true,
	"sni_cert":                    true,
}

// Load the config from the given file, with the given textual overrides
// (in the same key: "value" format, typically supplied via a flag).
func Load(path, overrides string) (*Config, error) {
	c := defaultConfig

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}

	fromFile, err := parse(string(buf))
	if err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}
	if err := apply(&c, fromFile); err != nil {
		return nil, fmt.Errorf("applying config: %v", err)
	}

	fromOverrides, err := parse(overrides)
	if err != nil {
		return nil, fmt.Errorf("parsing override: %v", err)
	}
	if err := apply(&c, fromOverrides); err != nil {
		return nil, fmt.Errorf("applying override: %v", err)
	}

	if c.Hostname == "" {
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}

	if _, err := time.ParseDuration(c.SocketTimeout); err != nil {
		return nil, fmt.Errorf("invalid socket_timeout value %q: %v", c.SocketTimeout, err)
	}
	if _, err := time.ParseDuration(c.CloseTimeout); err != nil {
		return nil, fmt.Errorf("invalid close_timeout value %q: %v", c.CloseTimeout, err)
	}

	return &c, nil
}

// rawConfig holds the parsed "key: value" lines: single-valued keys in
// scalars, repeated keys (listFields) in lists.
type rawConfig struct {
	scalars map[string]string
	lists   map[string][]string
}

// parse reads the key: "value" text format. Blank lines and lines whose
// first non-space character is '#' are ignored. Values are either
// double-quoted strings (with \" and \\ recognised) or bare tokens
// (numbers, true/false, or an unquoted identifier).
func parse(text string) (*rawConfig, error) {
	rc := &rawConfig{scalars: map[string]string{}, lists: map[string][]string{}}

	scanner := bufio.NewScanner(strings.NewReader(text))
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("line %d: expected 'key: value', got %q", lineNo, line)
		}

		key := strings.TrimSpace(line[:idx])
		value, err := parseValue(strings.TrimSpace(line[idx+1:]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", lineNo, err)
		}

		if listFields[key] {
			rc.lists[key] = append(rc.lists[key], value)
		} else {
			rc.scalars[key] = value
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rc, nil
}

func parseValue(v string) (string, error) {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		unquoted := v[1 : len(v)-1]
		unquoted = strings.ReplaceAll(unquoted, `\"`, `"`)
		unquoted = strings.ReplaceAll(unquoted, `\\`, `\`)
		return unquoted, nil
	}
	if v == "" {
		return "", fmt.Errorf("empty value")
	}
	return v, nil
}

// apply overlays the parsed fields in rc onto c, leaving fields rc didn't
// mention untouched (the override semantics the file-then-flag merge
// needs).
func apply(c *Config, rc *rawConfig) error {
	for key, v := range rc.scalars {
		if err := applyScalar(c, key, v); err != nil {
			return err
		}
	}
	for key, vs := range rc.lists {
		applyList(c, key, vs)
	}
	return nil
}

func applyScalar(c *Config, key, v string) error {
	switch key {
	case "hostname":
		c.Hostname = v
	case "banner":
		c.Banner = v
	case "max_data_size_mb":
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("max_data_size_mb: %v", err)
		}
		c.MaxDataSizeMB = n
	case "monitoring_address":
		c.MonitoringAddress = v
	case "cert_path":
		c.CertPath = v
	case "key_path":
		c.KeyPath = v
	case "secure":
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("secure: %v", err)
		}
		c.Secure = b
	case "needs_upgrade":
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("needs_upgrade: %v", err)
		}
		c.NeedsUpgrade = b
	case "hide_size":
		c.HideSize = mustBool(v)
	case "auth_optional":
		c.AuthOptional = mustBool(v)
	case "allow_insecure_auth":
		c.AllowInsecureAuth = mustBool(v)
	case "hide_starttls":
		c.HideStartTLS = mustBool(v)
	case "hide_pipelining":
		c.HidePipelining = mustBool(v)
	case "hide_8bitmime":
		c.Hide8BitMIME = mustBool(v)
	case "hide_smtputf8":
		c.HideSMTPUTF8 = mustBool(v)
	case "hide_dsn":
		c.HideDSN = mustBool(v)
	case "hide_enhanced_status_codes":
		c.HideEnhancedStatusCodes = mustBool(v)
	case "hide_requiretls":
		c.HideRequireTLS = mustBool(v)
	case "max_clients":
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("max_clients: %v", err)
		}
		c.MaxClients = n
	case "socket_timeout":
		c.SocketTimeout = v
	case "close_timeout":
		c.CloseTimeout = v
	case "use_proxy":
		c.UseProxy = mustBool(v)
	case "use_xclient":
		c.UseXClient = mustBool(v)
	case "use_xforward":
		c.UseXForward = mustBool(v)
	case "lmtp":
		c.LMTP = mustBool(v)
	case "disable_reverse_lookup":
		c.DisableReverseLookup = mustBool(v)
	case "data_dir":
		c.DataDir = v
	case "mail_log_path":
		c.MailLogPath = v
	case "dovecot_auth":
		c.DovecotAuth = mustBool(v)
	case "dovecot_userdb_path":
		c.DovecotUserdbPath = v
	case "dovecot_client_path":
		c.DovecotClientPath = v
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func mustBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func applyList(c *Config, key string, vs []string) {
	switch key {
	case "smtp_address":
		c.SMTPAddress = vs
	case "submission_address":
		c.SubmissionAddress = vs
	case "submission_over_tls_address":
		c.SubmissionOverTLSAddress = vs
	case "lmtp_address":
		c.LMTPAddress = vs
	case "auth_methods":
		c.AuthMethods = vs
	case "disabled_commands":
		c.DisabledCommands = vs
	case "ignored_hosts":
		c.IgnoredHosts = vs
	case "sni_cert":
		c.SNICerts = nil
		for _, v := range vs {
			if sc, ok := parseSNICert(v); ok {
				c.SNICerts = append(c.SNICerts, sc)
			}
		}
	}
}

// parseSNICert parses a "servername=certpath,keypath" token.
func parseSNICert(v string) (SNICert, bool) {
	eq := strings.IndexByte(v, '=')
	if eq < 0 {
		return SNICert{}, false
	}
	paths := strings.SplitN(v[eq+1:], ",", 2)
	if len(paths) != 2 {
		return SNICert{}, false
	}
	return SNICert{ServerName: v[:eq], CertPath: paths[0], KeyPath: paths[1]}, true
}

// SocketTimeoutDuration returns the parsed idle-socket timeout.
func (c *Config) SocketTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.SocketTimeout)
	return d
}

// CloseTimeoutDuration returns the parsed graceful-shutdown grace period.
func (c *Config) CloseTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.CloseTimeout)
	return d
}

// MaxDataSizeBytes returns the configured DATA size cap in bytes, or 0 for
// unlimited.
func (c *Config) MaxDataSizeBytes() int64 {
	return c.MaxDataSizeMB * 1024 * 1024
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Max data size (MB): %d", c.MaxDataSizeMB)
	log.Infof("  SMTP Addresses: %q", c.SMTPAddress)
	log.Infof("  Submission Addresses: %q", c.SubmissionAddress)
	log.Infof("  Submission+TLS Addresses: %q", c.SubmissionOverTLSAddress)
	log.Infof("  LMTP Addresses: %q", c.LMTPAddress)
	log.Infof("  Monitoring address: %q", c.MonitoringAddress)
	log.Infof("  Secure (implicit TLS): %v, needs_upgrade: %v", c.Secure, c.NeedsUpgrade)
	log.Infof("  Auth methods: %v (optional: %v, allow insecure: %v)",
		c.AuthMethods, c.AuthOptional, c.AllowInsecureAuth)
	log.Infof("  Disabled commands: %v", c.DisabledCommands)
	log.Infof("  Max clients: %d", c.MaxClients)
	log.Infof("  Socket timeout: %s, close timeout: %s",
		c.SocketTimeoutDuration(), c.CloseTimeoutDuration())
	log.Infof("  Use proxy: %v, use xclient: %v, use xforward: %v",
		c.UseProxy, c.UseXClient, c.UseXForward)
	log.Infof("  LMTP: %v", c.LMTP)
	log.Infof("  Data directory: %q", c.DataDir)
	log.Infof("  Mail log: %q", c.MailLogPath)
	log.Infof("  Dovecot auth: %v (%q, %q)",
		c.DovecotAuth, c.DovecotUserdbPath, c.DovecotClientPath)
}
