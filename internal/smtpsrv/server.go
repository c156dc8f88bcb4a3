// Package smtpsrv implements an embeddable SMTP/LMTP server: the transport,
// protocol state machine and connection lifecycle, with all mail policy
// (acceptance, storage, delivery) delegated to a Handler supplied by the
// host application.
package smtpsrv

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mx-tools/smtpsrv/internal/config"
	"github.com/mx-tools/smtpsrv/internal/maillog"
	"github.com/mx-tools/smtpsrv/internal/set"
	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"
)

// Server represents an SMTP/LMTP server instance: a set of listening
// sockets, each in one of a few SocketModes, all sharing one Handler,
// TLS material and abuse-limiting configuration.
type Server struct {
	Hostname    string
	MaxDataSize int64

	Handler Handler

	AuthMethods       []string
	AuthOptional      bool
	AllowInsecureAuth bool
	DisabledCommands  *set.String

	HideStartTLS           bool
	HidePipelining         bool
	Hide8BitMIME           bool
	HideSMTPUTF8           bool
	HideDSN                bool
	HideEnhancedStatusCodes bool
	HideSize                bool

	UseXClient  bool
	UseXForward bool
	TrustedNets []*net.IPNet

	DisableReverseLookup bool
	IgnoredHosts         *set.String

	SocketTimeout time.Duration
	CloseTimeout  time.Duration
	MaxClients    int

	HAProxyEnabled bool

	addrs     map[SocketMode][]string
	listeners map[SocketMode][]net.Listener

	secureCtx *secureContextMap

	mu        sync.Mutex
	conns     map[*Conn]struct{}
	listening []net.Listener
	closing   bool
}

// NewServer returns a new, empty Server. Callers must set Handler before
// calling ListenAndServe.
func NewServer() *Server {
	return &Server{
		addrs:         map[SocketMode][]string{},
		listeners:     map[SocketMode][]net.Listener{},
		secureCtx:     newSecureContextMap(),
		conns:         map[*Conn]struct{}{},
		SocketTimeout: 60 * time.Second,
		CloseTimeout:  30 * time.Second,
		MaxClients:    1000,
	}
}

// FromConfig builds a Server from a loaded Config and a Handler, copying
// the fields assigned below. Listening addresses are added separately via
// AddAddr/AddListeners, and certificates via AddCerts/AddSNICert, since
// the caller chooses which modes to bring up. Banner, HideRequireTLS,
// Secure, NeedsUpgrade and LMTP are not copied.
func FromConfig(c *config.Config, h Handler) *Server {
	s := NewServer()
	s.Hostname = c.Hostname
	s.MaxDataSize = c.MaxDataSizeBytes()
	s.Handler = h
	s.AuthMethods = c.AuthMethods
	s.AuthOptional = c.AuthOptional
	s.AllowInsecureAuth = c.AllowInsecureAuth
	s.DisabledCommands = set.NewString(c.DisabledCommands...)
	s.HideStartTLS = c.HideStartTLS
	s.HidePipelining = c.HidePipelining
	s.Hide8BitMIME = c.Hide8BitMIME
	s.HideSMTPUTF8 = c.HideSMTPUTF8
	s.HideDSN = c.HideDSN
	s.HideEnhancedStatusCodes = c.HideEnhancedStatusCodes
	s.HideSize = c.HideSize
	s.UseXClient = c.UseXClient
	s.UseXForward = c.UseXForward
	s.DisableReverseLookup = c.DisableReverseLookup
	s.IgnoredHosts = set.NewString(c.IgnoredHosts...)
	s.SocketTimeout = c.SocketTimeoutDuration()
	s.CloseTimeout = c.CloseTimeoutDuration()
	s.MaxClients = int(c.MaxClients)
	s.HAProxyEnabled = c.UseProxy
	return s
}

// AddCerts loads a certificate/key pair and installs it as the default TLS
// identity (servername "*").
func (s *Server) AddCerts(certPath, keyPath string) error {
	return s.AddSNICert("*", certPath, keyPath)
}

// AddSNICert installs a certificate/key pair to be selected when the
// client's ClientHello requests serverName via SNI.
func (s *Server) AddSNICert(serverName, certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}

	cfg := &tls.Config{
		Certificates:           []tls.Certificate{cert},
		SessionTicketsDisabled: true,
		GetConfigForClient:     s.getConfigForClient,
	}
	s.secureCtx.set(serverName, cfg)
	return nil
}

// getConfigForClient resolves the right *tls.Config for an incoming
// handshake's SNI servername. Used both for STARTTLS and for
// implicit-TLS listeners, so that update_secure_context (AddSNICert called
// again later) affects only handshakes that start afterward, not ones
// already in flight.
func (s *Server) getConfigForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	if cfg := s.secureCtx.get(hello.ServerName); cfg != nil {
		return cfg, nil
	}
	return nil, fmt.Errorf("smtpsrv: no certificate configured")
}

// tlsConfig returns the top-level *tls.Config to hand to tls.Server/
// tls.NewListener: the default identity, deferring to GetConfigForClient
// for anything SNI-specific.
func (s *Server) tlsConfig() *tls.Config {
	base := s.secureCtx.get("*")
	if base == nil {
		return nil
	}
	cfg := base.Clone()
	cfg.GetConfigForClient = s.getConfigForClient
	return cfg
}

// AddAddr registers an address for the server to listen on in the given
// mode. The literal address "systemd" means "take a socket-activated file
// descriptor from the service manager" instead of calling net.Listen.
func (s *Server) AddAddr(addr string, mode SocketMode) {
	s.addrs[mode] = append(s.addrs[mode], addr)
}

// AddListeners adds already-open listeners (e.g. from a test harness) for
// the given mode.
func (s *Server) AddListeners(ls []net.Listener, mode SocketMode) {
	s.listeners[mode] = append(s.listeners[mode], ls...)
}

// systemdFDName maps a SocketMode to the systemd FileDescriptorName it
// expects its socket-activated listener to be registered under.
func systemdFDName(mode SocketMode) string {
	switch {
	case mode.LMTP:
		return "lmtp"
	case mode.IsSubmission && mode.TLS:
		return "submission_tls"
	case mode.IsSubmission:
		return "submission"
	default:
		return "smtp"
	}
}

// ListenAndServe brings up every registered address/listener and blocks
// forever, serving connections until Close is called.
func (s *Server) ListenAndServe() error {
	if s.Handler == nil {
		return fmt.Errorf("smtpsrv: no Handler configured")
	}

	var fromSystemd map[string][]net.Listener
	needsSystemd := false
	for _, addrs := range s.addrs {
		for _, a := range addrs {
			if a == "systemd" {
				needsSystemd = true
			}
		}
	}
	if needsSystemd {
		var err error
		fromSystemd, err = systemd.Listeners()
		if err != nil {
			return fmt.Errorf("smtpsrv: systemd listeners: %v", err)
		}
	}

	for mode, addrs := range s.addrs {
		for _, addr := range addrs {
			if addr == "systemd" {
				for _, l := range fromSystemd[systemdFDName(mode)] {
					s.addListener(l, mode)
				}
				continue
			}
			l, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("smtpsrv: listen %s: %v", addr, err)
			}
			s.addListener(l, mode)
		}
	}

	for mode, ls := range s.listeners {
		for _, l := range ls {
			s.addListener(l, mode)
		}
	}

	var wg sync.WaitGroup
	s.mu.Lock()
	listening := append([]net.Listener{}, s.listening...)
	s.mu.Unlock()

	for _, l := range listening {
		wg.Add(1)
		go func(l net.Listener) {
			defer wg.Done()
			s.serve(l)
		}(l)
	}
	wg.Wait()
	return nil
}

type modeListener struct {
	net.Listener
	mode SocketMode
}

func (s *Server) addListener(l net.Listener, mode SocketMode) {
	if mode.TLS {
		l = tls.NewListener(l, s.tlsConfig())
	}
	log.Infof("smtpsrv: listening on %s (%s)", l.Addr(), mode)
	maillog.Listening(l.Addr().String())

	s.mu.Lock()
	s.listening = append(s.listening, &modeListener{Listener: l, mode: mode})
	s.mu.Unlock()
}

func (s *Server) serve(l net.Listener) {
	ml, _ := l.(*modeListener)
	mode := SocketMode{}
	if ml != nil {
		mode = ml.mode
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			log.Errorf("smtpsrv: accept error on %v: %v", l.Addr(), err)
			return
		}

		s.mu.Lock()
		if s.MaxClients > 0 && len(s.conns) >= s.MaxClients {
			s.mu.Unlock()
			fmt.Fprintf(conn, "421 4.3.2 Too many connections, try again later\r\n")
			conn.Close()
			continue
		}

		sc := &Conn{
			hostname:                s.Hostname,
			maxDataSize:             s.MaxDataSize,
			conn:                    conn,
			mode:                    mode,
			tlsConfig:               s.tlsConfig(),
			haproxyEnabled:          s.HAProxyEnabled,
			handler:                 s.Handler,
			authMethods:             s.AuthMethods,
			authOptional:            s.AuthOptional,
			allowInsecureAuth:       s.AllowInsecureAuth,
			disabledCommands:        s.DisabledCommands,
			hideStartTLS:            s.HideStartTLS,
			hidePipelining:          s.HidePipelining,
			hide8BitMIME:            s.Hide8BitMIME,
			hideSMTPUTF8:            s.HideSMTPUTF8,
			hideDSN:                 s.HideDSN,
			hideEnhancedStatusCodes: s.HideEnhancedStatusCodes,
			hideSize:                s.HideSize,
			useXClient:              s.UseXClient,
			useXForward:             s.UseXForward,
			trustedNets:             s.TrustedNets,
			disableReverseLookup:    s.DisableReverseLookup,
			ignoredHosts:            s.IgnoredHosts,
			socketTimeout:           s.SocketTimeout,
		}
		s.conns[sc] = struct{}{}
		s.mu.Unlock()

		go func() {
			defer func() {
				s.mu.Lock()
				delete(s.conns, sc)
				s.mu.Unlock()
			}()
			sc.Handle()
		}()
	}
}

// Close performs a two-phase graceful shutdown: stop accepting new
// connections immediately, then wait up to CloseTimeout for in-flight
// connections to finish on their own before forcibly closing the rest
// (each receiving a 421 first, where possible).
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	listening := s.listening
	s.listening = nil
	s.mu.Unlock()

	for _, l := range listening {
		l.Close()
	}

	deadline := time.After(s.CloseTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		n := len(s.conns)
		s.mu.Unlock()
		if n == 0 {
			return nil
		}

		select {
		case <-deadline:
			s.mu.Lock()
			remaining := make([]*Conn, 0, len(s.conns))
			for c := range s.conns {
				remaining = append(remaining, c)
			}
			s.mu.Unlock()

			for _, c := range remaining {
				fmt.Fprintf(c.conn, "421 4.3.2 Server shutting down\r\n")
				c.Close()
			}
			return nil
		case <-ticker.C:
		}
	}
}
