// smtpd-demo is a minimal embedding of package smtpsrv: it wires a Server
// up to defaulthandler.Handler (SASL against a userdb file, maildir-style
// delivery) to show the Handler contract end to end. It is not a delivery
// pipeline; production features (queueing, retries, DKIM, aliasing) are
// deliberately left to the host application.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"blitiri.com.ar/go/log"

	"github.com/mx-tools/smtpsrv/internal/auth"
	"github.com/mx-tools/smtpsrv/internal/config"
	"github.com/mx-tools/smtpsrv/internal/defaulthandler"
	"github.com/mx-tools/smtpsrv/internal/maillog"
	"github.com/mx-tools/smtpsrv/internal/smtpsrv"
	"github.com/mx-tools/smtpsrv/internal/userdb"
)

var (
	configOverrides = flag.String("config_overrides", "",
		"override configuration directives, in the same key: \"value\" format")
	configPath = flag.String("config", "/etc/smtpsrv/smtpd.conf", "configuration file")
	userdbPath = flag.String("userdb", "", "path to a userdb file for local SASL auth")
	maildir    = flag.String("maildir", "", "directory to deliver accepted mail into")
)

func main() {
	flag.Parse()

	c, err := config.Load(*configPath, *configOverrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	config.LogConfig(c)

	ml := maillog.New(os.Stdout)
	switch c.MailLogPath {
	case "<syslog>":
		sl, err := maillog.NewSyslog()
		if err != nil {
			log.Errorf("could not open syslog, falling back to stdout: %v", err)
		} else {
			ml = sl
		}
	case "":
	default:
		f, err := os.OpenFile(c.MailLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			log.Fatalf("error opening mail log: %v", err)
		}
		ml = maillog.New(f)
	}
	maillog.Default = ml

	h := &defaulthandler.Handler{MailDir: *maildir}

	if *userdbPath != "" {
		db, err := userdb.Load(*userdbPath)
		if err != nil {
			log.Fatalf("error loading userdb %q: %v", *userdbPath, err)
		}
		a := auth.NewAuthenticator()
		a.Fallback = auth.WrapNoErrorBackend(db)
		h.Authenticator = a
	}

	s := smtpsrv.FromConfig(c, h)
	for _, a := range c.SMTPAddress {
		s.AddAddr(a, smtpsrv.SocketMode{})
	}
	for _, a := range c.SubmissionAddress {
		s.AddAddr(a, smtpsrv.SocketMode{IsSubmission: true})
	}
	for _, a := range c.SubmissionOverTLSAddress {
		s.AddAddr(a, smtpsrv.SocketMode{IsSubmission: true, TLS: true})
	}
	for _, a := range c.LMTPAddress {
		s.AddAddr(a, smtpsrv.SocketMode{LMTP: true})
	}

	if c.CertPath != "" && c.KeyPath != "" {
		if err := s.AddCerts(c.CertPath, c.KeyPath); err != nil {
			log.Fatalf("error loading certificate: %v", err)
		}
	}
	for _, sc := range c.SNICerts {
		if err := s.AddSNICert(sc.ServerName, sc.CertPath, sc.KeyPath); err != nil {
			log.Fatalf("error loading SNI certificate for %q: %v", sc.ServerName, err)
		}
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Infof("shutting down")
		s.Close()
	}()

	if err := s.ListenAndServe(); err != nil {
		log.Fatalf("error serving: %v", err)
	}
}
