package smtpsrv

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mx-tools/smtpsrv/internal/address"
	"github.com/mx-tools/smtpsrv/internal/expvarom"
	"github.com/mx-tools/smtpsrv/internal/frame"
	"github.com/mx-tools/smtpsrv/internal/haproxy"
	"github.com/mx-tools/smtpsrv/internal/maillog"
	"github.com/mx-tools/smtpsrv/internal/sasl"
	"github.com/mx-tools/smtpsrv/internal/set"
	"github.com/mx-tools/smtpsrv/internal/trace"
)

// Exported variables.
var (
	commandCount = expvarom.NewMap("smtpsrv/smtpIn/commandCount",
		"command", "count of SMTP commands received, by command")
	responseCodeCount = expvarom.NewMap("smtpsrv/smtpIn/responseCodeCount",
		"code", "response codes returned to SMTP commands")
	tlsCount = expvarom.NewMap("smtpsrv/smtpIn/tlsCount",
		"status", "count of TLS usage in incoming connections")
	authResultCount = expvarom.NewMap("smtpsrv/smtpIn/authResultCount",
		"result", "count of AUTH attempts, by result")
	wrongProtoCount = expvarom.NewMap("smtpsrv/smtpIn/wrongProtoCount",
		"command", "count of commands for other protocols")
	earlyTalkerCount = expvarom.NewInt("smtpsrv/smtpIn/earlyTalkerCount",
		"count of connections closed for talking before the greeting")
)

// maxAbuseCount is the number of unauthenticated/unrecognised commands
// tolerated before a connection is closed with 421, per the abuse-counter
// thresholds of the connection state machine.
const maxAbuseCount = 10

// knownCommands lists every verb dispatch() understands. Anything else
// counts against unrecognisedCommands instead of unauthenticatedCommands.
var knownCommands = map[string]bool{
	"HELO": true, "EHLO": true, "LHLO": true, "HELP": true, "NOOP": true,
	"RSET": true, "VRFY": true, "EXPN": true, "MAIL": true, "RCPT": true,
	"DATA": true, "STARTTLS": true, "AUTH": true, "XCLIENT": true,
	"XFORWARD": true, "QUIT": true, "GET": true, "POST": true, "CONNECT": true,
}

// greetingWait is how long the connection waits for reverse DNS to resolve
// before greeting the client anyway.
const greetingWait = 1500 * time.Millisecond

// Conn represents a single incoming SMTP/LMTP connection, driving it
// through the command/data state machine and delegating policy decisions
// to a Handler.
type Conn struct {
	hostname    string
	maxDataSize int64

	conn       net.Conn
	mode       SocketMode
	remoteAddr net.Addr
	localAddr  net.Addr

	reader *bufio.Reader
	writer *bufio.Writer
	frame  *frame.Parser

	tr *trace.Trace

	tlsConfig      *tls.Config
	tlsConnState   *tls.ConnectionState
	haproxyEnabled bool

	handler Handler

	authMethods       []string
	authOptional      bool
	allowInsecureAuth bool
	disabledCommands  *set.String

	hideStartTLS            bool
	hidePipelining           bool
	hide8BitMIME             bool
	hideSMTPUTF8             bool
	hideDSN                  bool
	hideEnhancedStatusCodes  bool
	hideSize                 bool

	useXClient  bool
	useXForward bool
	trustedNets []*net.IPNet

	disableReverseLookup bool
	ignoredHosts         *set.String

	socketTimeout time.Duration

	// unauthenticatedCommands counts commands other than AUTH dispatched
	// while no user has authenticated. unrecognisedCommands counts verbs
	// dispatch() doesn't know, including ones disabled via config. Each
	// has its own threshold (maxAbuseCount) independent of the other.
	unauthenticatedCommands int
	unrecognisedCommands    int

	// xclientAddrSet is true once a trusted peer has overridden ADDR via
	// XCLIENT. Once set, further ADDR overrides are refused, and EHLO
	// stops advertising XCLIENT/XFORWARD to this connection.
	xclientAddrSet bool

	session       Session
	greeted       bool
	completedAuth bool

	id string
}

// Close the connection.
func (c *Conn) Close() {
	c.conn.Close()
}

// newConnID returns a short, human-distinguishable per-connection ID.
func newConnID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x", b)
}

// Handle implements the main protocol loop (reading commands, sending
// replies) until the client disconnects or the connection is closed due to
// abuse, timeout, or error.
func (c *Conn) Handle() {
	defer c.Close()

	c.id = newConnID()
	c.tr = trace.New("SMTP.Conn", c.conn.RemoteAddr().String())
	defer c.tr.Finish()
	c.tr.Debugf("connected, mode: %s, id: %s", c.mode, c.id)

	c.remoteAddr = c.conn.RemoteAddr()
	c.localAddr = c.conn.LocalAddr()

	// OnClose runs exactly once per accepted connection, whichever way
	// Handle returns.
	defer c.handler.OnClose(&c.session)

	c.conn.SetDeadline(time.Now().Add(c.socketTimeout))

	if tc, ok := c.conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			c.tr.Errorf("error completing TLS handshake: %v", err)
			return
		}
		cstate := tc.ConnectionState()
		c.tlsConnState = &cstate
	}

	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)

	if c.haproxyEnabled {
		src, dst, err := haproxy.Handshake(c.reader)
		if err != nil {
			c.tr.Errorf("error in haproxy handshake: %v", err)
			return
		}
		c.remoteAddr = src
		c.tr.Debugf("haproxy handshake: %v -> %v", src, dst)
	}

	c.frame = frame.New(c.reader)
	c.initSession()
	c.session.ID = c.id

	if c.tlsConnState != nil {
		if _, err := c.handler.OnSecure(context.Background(), &c.session); err != nil {
			c.tr.Errorf("OnSecure error: %v", err)
		}
	}

	if !c.greet() {
		maillog.Closed(c.remoteAddr, "rejected at connect")
		return
	}

	defer func() {
		maillog.Closed(c.remoteAddr, "done")
	}()

	var err error

loop:
	for {
		c.conn.SetDeadline(time.Now().Add(c.socketTimeout))

		var line []byte
		line, err = c.frame.ReadCommand()
		if err != nil {
			if err == frame.ErrLineTooLong {
				c.writeResponse(500, "5.5.2 Line too long")
				continue
			}
			break
		}

		cmd, params := splitCommand(string(line))
		if cmd == "" {
			continue
		}

		if cmd == "AUTH" {
			c.tr.Debugf("-> AUTH <redacted>")
		} else {
			c.tr.Debugf("-> %s %s", cmd, params)
		}

		// Disabled commands are treated as unrecognised, per the
		// "disabled_commands entirely suppresses a verb" gate.
		if c.disabledCommands != nil && c.disabledCommands.Has(cmd) {
			if c.bumpAbuse(&c.unrecognisedCommands, "unrecognised") {
				break loop
			}
			c.writeResponse(502, "5.5.1 Command disabled")
			continue
		}

		recognised := knownCommands[cmd]

		code, msg := c.dispatch(cmd, params)
		commandCount.Add(cmd, 1)

		if code == 0 {
			// Handler already wrote its own response (e.g. STARTTLS,
			// QUIT) or is about to break the loop.
			if cmd == "QUIT" {
				break loop
			}
			continue
		}

		// code == 421 means the connection is already being closed (e.g.
		// the cross-protocol GET/POST/CONNECT guard); don't also run it
		// through the abuse counters.
		if code != 421 {
			if !recognised {
				if c.bumpAbuse(&c.unrecognisedCommands, "unrecognised") {
					break loop
				}
			} else if cmd != "AUTH" && c.session.User == "" {
				if c.bumpAbuse(&c.unauthenticatedCommands, "unauthenticated") {
					break loop
				}
			}
		}

		if werr := c.writeResponse(code, msg); werr != nil {
			err = werr
			break loop
		}

		if code == 421 {
			break loop
		}
	}

	if err != nil && err != io.EOF {
		c.tr.Errorf("exiting with error: %v", err)
	}
}

// bumpAbuse increments *counter and, if it exceeds maxAbuseCount, tells the
// caller to close the connection with 421 after logging why. maxAbuseCount
// occurrences are tolerated; the one past that closes the connection.
func (c *Conn) bumpAbuse(counter *int, kind string) bool {
	*counter++
	if *counter > maxAbuseCount {
		c.tr.Errorf("too many %s commands, closing connection", kind)
		c.writeResponse(421, "4.5.0 Too many errors, bye")
		return true
	}
	return false
}

// greet performs the reverse-DNS lookup (bounded by greetingWait),
// detects early talkers, runs Handler.OnConnect, and sends the 220
// greeting. It returns false if the connection should be closed without a
// proper SMTP session.
func (c *Conn) greet() bool {
	skip := c.disableReverseLookup || c.ignoredHosts.Has(hostOf(c.remoteAddr))

	resolved := make(chan []string, 1)
	ctx, cancel := context.WithTimeout(context.Background(), greetingWait)
	defer cancel()

	if skip {
		resolved <- nil
	} else {
		go func() {
			names, _ := c.handler.ReverseLookup(ctx, c.remoteAddr)
			resolved <- names
		}()
	}

	// Detect early talkers: if the client sends bytes before we've decided
	// to greet it, that's a strong signal of a non-compliant/abusive
	// client (it hasn't waited for our 220), so we close without greeting.
	earlyData := make(chan bool, 1)
	go func() {
		_, err := c.reader.Peek(1)
		earlyData <- (err == nil)
	}()

	var names []string
	select {
	case names = <-resolved:
	case <-ctx.Done():
	}

	select {
	case talked := <-earlyData:
		if talked {
			earlyTalkerCount.Add(1)
			c.tr.Errorf("early talker, closing")
			c.writeResponse(421, "4.3.2 Don't talk until spoken to")
			return false
		}
	default:
	}

	if len(names) > 0 {
		c.session.ClientHostname = names[0]
	} else {
		c.session.ClientHostname = "[" + addrLiteral(c.remoteAddr) + "]"
	}

	res, err := c.handler.OnConnect(context.Background(), &c.session)
	if err != nil || res.Reject {
		code, msg := 554, "5.7.1 Connection refused"
		if res.Code != 0 {
			code, msg = res.Code, res.Message
		}
		c.writeResponse(code, msg)
		return false
	}

	banner := fmt.Sprintf("220 %s ESMTP ready", c.hostname)
	fmt.Fprintf(c.writer, "%s\r\n", banner)
	c.writer.Flush()
	c.greeted = true
	return true
}

func (c *Conn) initSession() {
	c.session = Session{
		ID:             "",
		LocalAddress:   c.localAddr,
		RemoteAddress:  c.remoteAddr,
		Secure:         c.mode.TLS,
		LMTP:           c.mode.LMTP,
		XClient:        map[string]string{},
		XForward:       map[string]string{},
	}
	if c.tlsConnState != nil {
		c.session.TLSInfo = tlsInfoFrom(*c.tlsConnState)
	}
}

func splitCommand(line string) (cmd, params string) {
	line = strings.TrimRight(line, " \t")
	sp := strings.SplitN(line, " ", 2)
	cmd = strings.ToUpper(strings.TrimSpace(sp[0]))
	if len(sp) > 1 {
		params = strings.TrimSpace(sp[1])
	}
	return cmd, params
}

// dispatch routes cmd to its handler, gating on the connection's current
// state (greeting/sequence requirements, TLS/AUTH requirements).
func (c *Conn) dispatch(cmd, params string) (code int, msg string) {
	switch cmd {
	case "HELO":
		return c.HELO(params)
	case "EHLO":
		return c.EHLO(params)
	case "LHLO":
		return c.LHLO(params)
	case "HELP":
		return c.HELP(params)
	case "NOOP":
		return c.NOOP(params)
	case "RSET":
		return c.RSET(params)
	case "VRFY":
		return 502, "5.5.1 VRFY not implemented"
	case "EXPN":
		return 502, "5.5.1 EXPN not implemented"
	case "MAIL":
		return c.MAIL(params)
	case "RCPT":
		return c.RCPT(params)
	case "DATA":
		return c.DATA(params)
	case "STARTTLS":
		return c.STARTTLS(params)
	case "AUTH":
		return c.AUTH(params)
	case "XCLIENT":
		return c.XCLIENT(params)
	case "XFORWARD":
		return c.XFORWARD(params)
	case "QUIT":
		c.writeResponse(221, "2.0.0 Bye")
		return 0, ""
	case "GET", "POST", "CONNECT":
		wrongProtoCount.Add(cmd, 1)
		c.tr.Errorf("http-like command, closing connection")
		c.writeResponse(502, "5.5.1 This is not an HTTP server")
		return 421, ""
	default:
		return 500, "5.5.1 Unknown command"
	}
}

// HELO SMTP command handler.
func (c *Conn) HELO(params string) (int, string) {
	if strings.TrimSpace(params) == "" {
		return 501, "5.5.4 Syntax: HELO hostname"
	}
	c.session.OpeningCommand = "HELO"
	c.session.HostNameAppearsAs = strings.ToLower(strings.Fields(params)[0])
	c.session.Envelope.reset()
	return 250, c.hostname
}

// EHLO SMTP command handler.
func (c *Conn) EHLO(params string) (int, string) {
	if strings.TrimSpace(params) == "" {
		return 501, "5.5.4 Syntax: EHLO hostname"
	}
	c.session.OpeningCommand = "EHLO"
	c.session.HostNameAppearsAs = strings.ToLower(strings.Fields(params)[0])
	c.session.Envelope.reset()
	return 250, c.ehloFeatures()
}

// LHLO LMTP command handler, the LMTP equivalent of EHLO.
func (c *Conn) LHLO(params string) (int, string) {
	if strings.TrimSpace(params) == "" {
		return 501, "5.5.4 Syntax: LHLO hostname"
	}
	c.session.OpeningCommand = "LHLO"
	c.session.HostNameAppearsAs = strings.ToLower(strings.Fields(params)[0])
	c.session.Envelope.reset()
	return 250, c.ehloFeatures()
}

func (c *Conn) ehloFeatures() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", c.hostname)
	if !c.hidePipelining {
		fmt.Fprintf(&b, "PIPELINING\n")
	}
	if !c.hide8BitMIME {
		fmt.Fprintf(&b, "8BITMIME\n")
	}
	if !c.hideSMTPUTF8 {
		fmt.Fprintf(&b, "SMTPUTF8\n")
	}
	if !c.hideEnhancedStatusCodes {
		fmt.Fprintf(&b, "ENHANCEDSTATUSCODES\n")
	}
	if !c.hideDSN {
		fmt.Fprintf(&b, "DSN\n")
	}
	if !c.hideSize && c.maxDataSize > 0 {
		fmt.Fprintf(&b, "SIZE %d\n", c.maxDataSize)
	}
	if !c.session.Secure && !c.hideStartTLS {
		fmt.Fprintf(&b, "STARTTLS\n")
	}
	if len(c.authMethods) > 0 && (c.session.Secure || c.allowInsecureAuth) {
		fmt.Fprintf(&b, "AUTH %s\n", strings.Join(c.authMethods, " "))
	}
	if c.useXClient && !c.xclientAddrSet {
		fmt.Fprintf(&b, "XCLIENT NAME PROTO ADDR PORT LOGIN\n")
	}
	if c.useXForward && !c.xclientAddrSet {
		fmt.Fprintf(&b, "XFORWARD NAME ADDR PROTO HELO\n")
	}
	fmt.Fprintf(&b, "HELP")
	return b.String()
}

// HELP SMTP command handler.
func (c *Conn) HELP(params string) (int, string) {
	return 214, "2.0.0 See https://tools.ietf.org/html/rfc5321 for details"
}

// NOOP SMTP command handler.
func (c *Conn) NOOP(params string) (int, string) {
	return 250, "2.0.0 OK"
}

// RSET SMTP command handler.
func (c *Conn) RSET(params string) (int, string) {
	c.session.Envelope.reset()
	return 250, "2.0.0 OK"
}

// requireOpeningCommand enforces that HELO/EHLO/LHLO preceded commands
// that depend on it.
func (c *Conn) requireOpeningCommand() (int, string, bool) {
	if c.session.OpeningCommand == "" {
		return 503, "5.5.1 Say hello first", false
	}
	return 0, "", true
}

// MAIL SMTP command handler.
func (c *Conn) MAIL(params string) (int, string) {
	if code, msg, ok := c.requireOpeningCommand(); !ok {
		return code, msg
	}
	if len(c.authMethods) > 0 && !c.authOptional && !c.completedAuth {
		return 530, "5.7.0 Authentication required"
	}

	cmdAddr, err := address.ParseMailFrom("MAIL " + params)
	if err != nil {
		return 501, "5.5.4 Malformed MAIL FROM command"
	}

	if sz, ok := cmdAddr.Arg("SIZE"); ok && c.maxDataSize > 0 {
		if n, err := strconv.ParseInt(sz, 10, 64); err == nil && n > c.maxDataSize {
			return 552, "5.3.4 Message size exceeds fixed limit"
		}
	}
	if envid, ok := cmdAddr.Arg("ENVID"); ok && len(envid) > 100 {
		return 501, "5.5.4 ENVID too long"
	}
	if body, ok := cmdAddr.Arg("BODY"); ok {
		switch strings.ToUpper(body) {
		case "7BIT", "8BITMIME":
		default:
			return 501, "5.5.4 Unrecognised BODY value"
		}
	}
	if p, ok := cmdAddr.Args["SMTPUTF8"]; ok && p.HasValue {
		return 501, "5.5.4 SMTPUTF8 takes no value"
	}
	if _, ok := cmdAddr.Arg("REQUIRETLS"); ok && !c.session.Secure {
		return 530, "5.7.1 REQUIRETLS requires an encrypted connection"
	}
	if ret, ok := cmdAddr.Arg("RET"); ok {
		switch strings.ToUpper(ret) {
		case "FULL", "HDRS":
		default:
			return 501, "5.5.4 Unrecognised RET value"
		}
	}

	c.session.Envelope.reset()

	addr := Addr{Address: cmdAddr.Address, Args: convertArgs(cmdAddr.Args)}
	res, err := c.handler.OnMailFrom(context.Background(), &c.session, addr)
	if err != nil || res.Reject {
		code, msg := 550, "5.7.1 Sender rejected"
		if res.Code != 0 {
			code, msg = res.Code, res.Message
		}
		return code, msg
	}

	c.session.Envelope.MailFrom = &addr
	return 250, "2.1.5 OK"
}

// RCPT SMTP command handler.
func (c *Conn) RCPT(params string) (int, string) {
	if c.session.Envelope.MailFrom == nil {
		return 503, "5.5.1 Sender not yet given"
	}
	if len(c.session.Envelope.RcptTo) > 100 {
		return 452, "4.5.3 Too many recipients"
	}

	cmdAddr, err := address.ParseRcptTo("RCPT " + params)
	if err != nil {
		return 501, "5.5.4 Malformed RCPT TO command"
	}

	if notify, ok := cmdAddr.Arg("NOTIFY"); ok {
		hasNever := false
		for _, v := range strings.Split(notify, ",") {
			switch strings.ToUpper(strings.TrimSpace(v)) {
			case "NEVER":
				hasNever = true
			case "SUCCESS", "FAILURE", "DELAY":
			default:
				return 501, "5.5.4 Unrecognised NOTIFY value"
			}
		}
		if hasNever && strings.Contains(notify, ",") {
			return 501, "5.5.4 NOTIFY=NEVER must appear alone"
		}
	}
	if orcpt, ok := cmdAddr.Arg("ORCPT"); ok {
		if kv := strings.SplitN(orcpt, ";", 2); len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return 501, "5.5.4 Malformed ORCPT value"
		}
	}

	addr := Addr{Address: cmdAddr.Address, Args: convertArgs(cmdAddr.Args)}
	res, err := c.handler.OnRcptTo(context.Background(), &c.session, addr)
	if err != nil || res.Reject {
		code, msg := 550, "5.1.1 Recipient rejected"
		if res.Code != 0 {
			code, msg = res.Code, res.Message
		}
		maillog.Rejected(c.remoteAddr, c.session.Envelope.MailFrom.Address,
			[]string{addr.Address}, msg)
		return code, msg
	}

	c.session.Envelope.addRcpt(addr)
	return 250, "2.1.5 OK"
}

// DATA SMTP/LMTP command handler.
func (c *Conn) DATA(params string) (int, string) {
	if c.session.Envelope.MailFrom == nil {
		return 503, "5.5.1 Sender not yet given"
	}
	if len(c.session.Envelope.RcptTo) == 0 {
		return 503, "5.5.1 Need an address to send to"
	}

	if err := c.writeResponse(354, "Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return 554, fmt.Sprintf("5.4.0 error writing DATA response: %v", err)
	}

	if c.session.Secure {
		tlsCount.Add("tls", 1)
	} else {
		tlsCount.Add("plain", 1)
	}

	body := c.frame.StartData(c.maxDataSize)

	from := c.session.Envelope.MailFrom.Address
	to := make([]string, len(c.session.Envelope.RcptTo))
	for i, a := range c.session.Envelope.RcptTo {
		to[i] = a.Address
	}

	res, herr := c.handler.OnData(context.Background(), &c.session, body)

	werr := body.Wait()
	if werr != nil {
		return 554, fmt.Sprintf("5.4.0 error reading DATA: %v", werr)
	}
	if body.SizeExceeded() {
		return 552, "5.3.4 Message too big"
	}
	if herr != nil {
		return 451, fmt.Sprintf("4.3.0 temporary failure processing message: %v", herr)
	}

	c.session.Transaction++
	maillog.Accepted(c.remoteAddr, from, to, c.id)

	defer c.session.Envelope.reset()

	if c.mode.LMTP {
		if len(res.PerRecipient) != len(to) {
			return 451, "4.3.0 handler did not return one response per recipient"
		}
		for i, out := range res.PerRecipient {
			code, msg := out.Code, out.Message
			if code == 0 {
				code, msg = 250, "2.0.0 OK"
			}
			if out.Err != nil && code < 400 {
				code, msg = 450, out.Err.Error()
			}
			if werr := c.writeResponse(code, msg); werr != nil {
				return 0, ""
			}
		}
		return 0, ""
	}

	code, msg := res.Single.Code, res.Single.Message
	if code == 0 {
		code, msg = 250, "2.0.0 OK"
	}
	if res.Single.Err != nil && code < 400 {
		code, msg = 450, res.Single.Err.Error()
	}
	return code, msg
}

// STARTTLS SMTP command handler.
func (c *Conn) STARTTLS(params string) (int, string) {
	if c.session.Secure {
		return 503, "5.5.1 Already in TLS"
	}
	if c.hideStartTLS || c.tlsConfig == nil {
		return 502, "5.5.1 STARTTLS not supported"
	}

	if err := c.writeResponse(220, "2.0.0 Ready to start TLS"); err != nil {
		return 554, fmt.Sprintf("5.4.0 error writing STARTTLS response: %v", err)
	}

	server := tls.Server(c.conn, c.tlsConfig)
	if err := server.Handshake(); err != nil {
		return 554, fmt.Sprintf("5.5.0 error in TLS handshake: %v", err)
	}

	c.conn = server
	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)
	c.frame = frame.New(c.reader)

	cstate := server.ConnectionState()
	c.tlsConnState = &cstate
	c.session.TLSInfo = tlsInfoFrom(cstate)
	c.session.Secure = true
	c.session.OpeningCommand = ""
	c.session.Envelope.reset()

	if _, err := c.handler.OnSecure(context.Background(), &c.session); err != nil {
		c.tr.Errorf("OnSecure error: %v", err)
	}

	return 0, ""
}

// AUTH SMTP command handler.
func (c *Conn) AUTH(params string) (int, string) {
	if code, msg, ok := c.requireOpeningCommand(); !ok {
		return code, msg
	}
	if !c.session.Secure && !c.allowInsecureAuth {
		return 538, "5.7.11 Encryption required for requested authentication mechanism"
	}
	if c.completedAuth {
		return 503, "5.5.1 Already authenticated"
	}

	sp := strings.SplitN(params, " ", 2)
	if len(sp) == 0 || sp[0] == "" {
		return 501, "5.5.4 Syntax: AUTH mechanism"
	}
	name := strings.ToUpper(sp[0])

	if !c.authMethodAllowed(name) {
		return 504, "5.5.4 Unrecognised authentication type"
	}

	var challenge string
	if name == sasl.CRAMMD5 {
		challenge = sasl.ChallengeToken(int64(c.session.Transaction)+1,
			time.Now().Unix(), c.hostname)
	}
	mech := sasl.New(name, challenge)
	if mech == nil {
		return 504, "5.5.4 Unrecognised authentication type"
	}

	initial := ""
	if len(sp) == 2 {
		initial = sp[1]
	}

	resp, done, err := mech.Start(initial)
	if err != nil {
		return 501, fmt.Sprintf("5.5.2 %v", err)
	}
	for !done {
		if err := c.writeResponse(334, resp); err != nil {
			return 554, fmt.Sprintf("5.4.0 error writing AUTH challenge: %v", err)
		}
		line, rerr := c.frame.ReadCommand()
		if rerr != nil {
			return 554, fmt.Sprintf("5.4.0 error reading AUTH response: %v", rerr)
		}
		resp, done, err = mech.Next(string(line))
		if err != nil {
			if err == sasl.ErrAborted {
				return 501, "5.0.0 Authentication aborted"
			}
			return 501, fmt.Sprintf("5.5.2 %v", err)
		}
	}

	creds := mech.Credentials()
	req := AuthRequest{
		Method:         name,
		Authzid:        creds.Authzid,
		Username:       creds.Authcid,
		Password:       creds.Password,
		AccessToken:    creds.AccessToken,
		VerifyPassword: creds.Verify,
	}

	ares, err := c.handler.OnAuth(context.Background(), &c.session, req)
	if err != nil {
		authResultCount.Add("error", 1)
		maillog.Auth(c.remoteAddr, req.Username, false)
		return 454, "4.7.0 Temporary authentication failure"
	}
	if !ares.OK {
		authResultCount.Add("fail", 1)
		maillog.Auth(c.remoteAddr, req.Username, false)
		code, msg := 535, "5.7.8 Authentication failed"
		if ares.Code != 0 {
			code, msg = ares.Code, ares.Message
		}
		return code, msg
	}

	user := ares.User
	if user == "" {
		user = req.Username
	}
	c.session.User = user
	c.completedAuth = true
	authResultCount.Add("ok", 1)
	maillog.Auth(c.remoteAddr, user, true)

	code, msg := 235, "2.7.0 Authentication successful"
	if ares.Code != 0 {
		code, msg = ares.Code, ares.Message
	}
	return code, msg
}

func (c *Conn) authMethodAllowed(name string) bool {
	for _, m := range c.authMethods {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}

// XCLIENT handles the Postfix XCLIENT extension, allowing a trusted
// upstream relay to report the true originating client's attributes.
func (c *Conn) XCLIENT(params string) (int, string) {
	if !c.useXClient || !c.peerIsTrusted() {
		return 550, "5.7.1 XCLIENT not permitted"
	}

	var addrOverride, loginSeen bool
	var newAddr, login string
	for _, tok := range strings.Fields(params) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := strings.ToUpper(kv[0]), kv[1]
		if key == "ADDR" {
			if c.xclientAddrSet {
				return 503, "5.5.1 XCLIENT ADDR already set for this connection"
			}
			addrOverride = true
			newAddr = val
		}
		if key == "LOGIN" {
			loginSeen = true
			login = val
		}
		c.session.XClient[key] = val
	}

	if addrOverride {
		ip := strings.TrimPrefix(newAddr, "IPv6:")
		if net.ParseIP(ip) == nil {
			return 501, "5.5.4 Malformed ADDR value"
		}
		port := 0
		if tcp, ok := c.session.RemoteAddress.(*net.TCPAddr); ok {
			port = tcp.Port
		}
		c.session.RemoteAddress = &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
		c.xclientAddrSet = true
		c.session.Envelope.reset()
	}

	if loginSeen {
		if login == "" {
			c.session.User = ""
			c.completedAuth = false
		} else {
			req := AuthRequest{Method: "XCLIENT", Username: login}
			ares, err := c.handler.OnAuth(context.Background(), &c.session, req)
			if err != nil || !ares.OK {
				return 550, "5.7.1 XCLIENT LOGIN rejected"
			}
			user := ares.User
			if user == "" {
				user = login
			}
			c.session.User = user
			c.completedAuth = true
		}
	}

	return 250, "2.0.0 OK"
}

// XFORWARD handles the Sendmail/Postfix XFORWARD extension.
func (c *Conn) XFORWARD(params string) (int, string) {
	if !c.useXForward || !c.peerIsTrusted() {
		return 550, "5.7.1 XFORWARD not permitted"
	}
	for _, tok := range strings.Fields(params) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			continue
		}
		c.session.XForward[strings.ToUpper(kv[0])] = kv[1]
	}
	return 250, "2.0.0 OK"
}

func (c *Conn) peerIsTrusted() bool {
	tcp, ok := c.remoteAddr.(*net.TCPAddr)
	if !ok {
		return false
	}
	if len(c.trustedNets) == 0 {
		return tcp.IP.IsLoopback()
	}
	for _, n := range c.trustedNets {
		if n.Contains(tcp.IP) {
			return true
		}
	}
	return false
}

// convertArgs turns address.Command's typed parameter map into the plain
// string-keyed AddrArgs a Handler sees; a flag-only parameter (HasValue ==
// false) carries through as the empty string, same as one with an explicit
// empty value, since Handler.Addr doesn't need to tell those apart.
func convertArgs(args map[string]address.Param) AddrArgs {
	if len(args) == 0 {
		return nil
	}
	out := make(AddrArgs, len(args))
	for k, p := range args {
		out[k] = p.Value
	}
	return out
}

// hostOf returns the bare IP/host part of addr, for matching against the
// configured ignored-hosts list.
func hostOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return addr.String()
}

// addrLiteral converts a net.Addr (must be TCP) into a string for use as an
// address literal, compliant with
// https://tools.ietf.org/html/rfc5321#section-4.1.3.
func addrLiteral(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	s := tcp.IP.String()
	if strings.Contains(s, ":") {
		return "IPv6:" + s
	}
	return s
}

func (c *Conn) writeResponse(code int, msg string) error {
	defer c.writer.Flush()
	responseCodeCount.Add(strconv.Itoa(code), 1)
	return writeResponse(c.writer, code, msg)
}

// writeResponse writes a (possibly multi-line) response to w.
func writeResponse(w io.Writer, code int, msg string) error {
	lines := strings.Split(msg, "\n")
	var i int
	for i = 0; i < len(lines)-1; i++ {
		if _, err := fmt.Fprintf(w, "%d-%s\r\n", code, lines[i]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d %s\r\n", code, lines[i])
	return err
}
