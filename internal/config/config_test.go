package config

import (
	"io"
	"io/ioutil"
	"os"
	"testing"

	"blitiri.com.ar/go/log"
	"github.com/google/go-cmp/cmp"
)

func mustCreateConfig(t *testing.T, contents string) string {
	dir, err := ioutil.TempDir("", "config_test_")
	if err != nil {
		t.Fatal(err)
	}
	path := dir + "/smtpsrv.conf"
	if err := ioutil.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("failed to write tmp config: %v", err)
	}
	return path
}

func TestEmptyConfig(t *testing.T) {
	path := mustCreateConfig(t, "")
	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("error loading empty config: %v", err)
	}

	hostname, _ := os.Hostname()
	if c.Hostname == "" || c.Hostname != hostname {
		t.Errorf("invalid hostname %q, should be: %q", c.Hostname, hostname)
	}

	if c.MaxDataSizeMB != 50 {
		t.Errorf("max data size != 50: %d", c.MaxDataSizeMB)
	}

	if len(c.SMTPAddress) != 1 || c.SMTPAddress[0] != "systemd" {
		t.Errorf("unexpected address default: %v", c.SMTPAddress)
	}

	if len(c.SubmissionAddress) != 1 || c.SubmissionAddress[0] != "systemd" {
		t.Errorf("unexpected address default: %v", c.SubmissionAddress)
	}

	if c.MonitoringAddress != "" {
		t.Errorf("monitoring address is set: %v", c.MonitoringAddress)
	}

	testLogConfig(c)
}

func TestFullConfig(t *testing.T) {
	confStr := `
		hostname: "joust"
		smtp_address: ":1234"
		smtp_address: ":5678"
		monitoring_address: ":1111"
		max_data_size_mb: 26
		auth_methods: "PLAIN"
		auth_methods: "CRAM-MD5"
		lmtp: true
	`

	path := mustCreateConfig(t, confStr)

	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("error loading config: %v", err)
	}

	if c.Hostname != "joust" {
		t.Errorf("hostname %q != 'joust'", c.Hostname)
	}

	if c.MaxDataSizeMB != 26 {
		t.Errorf("max data size != 26: %d", c.MaxDataSizeMB)
	}

	if diff := cmp.Diff([]string{":1234", ":5678"}, c.SMTPAddress); diff != "" {
		t.Errorf("smtp address mismatch (-want +got):\n%s", diff)
	}

	if c.MonitoringAddress != ":1111" {
		t.Errorf("monitoring address %q != ':1111'", c.MonitoringAddress)
	}

	if diff := cmp.Diff([]string{"PLAIN", "CRAM-MD5"}, c.AuthMethods); diff != "" {
		t.Errorf("auth methods mismatch (-want +got):\n%s", diff)
	}

	if !c.LMTP {
		t.Errorf("expected lmtp: true")
	}

	testLogConfig(c)
}

func TestOverrides(t *testing.T) {
	path := mustCreateConfig(t, `hostname: "from-file"`)

	c, err := Load(path, `hostname: "from-override"`)
	if err != nil {
		t.Fatalf("error loading config: %v", err)
	}
	if c.Hostname != "from-override" {
		t.Errorf("hostname %q, want %q", c.Hostname, "from-override")
	}
}

func TestErrorLoading(t *testing.T) {
	c, err := Load("/does/not/exist", "")
	if err == nil {
		t.Fatalf("loaded a non-existent config: %v", c)
	}
}

func TestBrokenConfig(t *testing.T) {
	path := mustCreateConfig(t, "this is not valid at all")

	c, err := Load(path, "")
	if err == nil {
		t.Fatalf("loaded an invalid config: %v", c)
	}
}

func TestUnknownKey(t *testing.T) {
	path := mustCreateConfig(t, `not_a_real_key: "x"`)
	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected error for unknown config key")
	}
}

func TestSNICert(t *testing.T) {
	path := mustCreateConfig(t, `sni_cert: "mail.example=cert.pem,key.pem"`)
	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("error loading config: %v", err)
	}
	if len(c.SNICerts) != 1 {
		t.Fatalf("got %d sni certs, want 1", len(c.SNICerts))
	}
	want := SNICert{ServerName: "mail.example", CertPath: "cert.pem", KeyPath: "key.pem"}
	if diff := cmp.Diff(want, c.SNICerts[0]); diff != "" {
		t.Errorf("sni cert mismatch (-want +got):\n%s", diff)
	}
}

// Run LogConfig, overriding the default logger first. This exercises the
// code, we don't yet validate the output, but it is an useful sanity check.
func testLogConfig(c *Config) {
	l := log.New(nopWCloser{ioutil.Discard})
	log.Default = l
	LogConfig(c)
}

type nopWCloser struct {
	io.Writer
}

func (nopWCloser) Close() error { return nil }
