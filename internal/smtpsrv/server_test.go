package smtpsrv

import (
	"net"
	"net/textproto"
	"testing"
	"time"
)

func dialAndGreet(t *testing.T, addr string) *textproto.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	tc := textproto.NewConn(conn)
	if _, _, err := tc.ReadResponse(220); err != nil {
		t.Fatalf("greeting: %v", err)
	}
	return tc
}

func newListeningServer(t *testing.T, h Handler) (*Server, string) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := NewServer()
	s.Hostname = "mx.example.org"
	s.MaxDataSize = 1024 * 1024
	s.Handler = h
	s.AddListeners([]net.Listener{l}, SocketMode{})

	go s.ListenAndServe()

	return s, l.Addr().String()
}

func TestServerEndToEnd(t *testing.T) {
	h := &fakeHandler{authOK: true}
	s, addr := newListeningServer(t, h)
	defer s.Close()

	tc := dialAndGreet(t, addr)
	defer tc.Close()

	tc.PrintfLine("EHLO client.example.org")
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatalf("EHLO: %v", err)
	}

	tc.PrintfLine("MAIL FROM:<a@example.org>")
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatalf("MAIL: %v", err)
	}

	tc.PrintfLine("RCPT TO:<b@example.org>")
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatalf("RCPT: %v", err)
	}

	tc.PrintfLine("DATA")
	if _, _, err := tc.ReadResponse(354); err != nil {
		t.Fatalf("DATA: %v", err)
	}
	tc.PrintfLine("hello")
	tc.PrintfLine(".")
	if _, _, err := tc.ReadResponse(250); err != nil {
		t.Fatalf("post-DATA: %v", err)
	}

	tc.PrintfLine("QUIT")
	if _, _, err := tc.ReadResponse(221); err != nil {
		t.Fatalf("QUIT: %v", err)
	}
}

func TestServerMaxClients(t *testing.T) {
	h := &fakeHandler{authOK: true}
	s, addr := newListeningServer(t, h)
	s.MaxClients = 1
	defer s.Close()

	first := dialAndGreet(t, addr)
	defer first.Close()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	tc := textproto.NewConn(conn)
	if _, _, err := tc.ReadResponse(421); err != nil {
		t.Fatalf("expected 421 too many connections, got: %v", err)
	}
}

func TestServerGracefulClose(t *testing.T) {
	h := &fakeHandler{authOK: true}
	s, addr := newListeningServer(t, h)
	s.CloseTimeout = 200 * time.Millisecond

	tc := dialAndGreet(t, addr)
	defer tc.Close()

	done := make(chan error, 1)
	go func() { done <- s.Close() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return in time")
	}

	if _, _, err := tc.ReadResponse(421); err != nil {
		t.Fatalf("expected forced 421 on shutdown, got: %v", err)
	}
}

func TestSystemdFDName(t *testing.T) {
	cases := []struct {
		mode SocketMode
		want string
	}{
		{SocketMode{}, "smtp"},
		{SocketMode{IsSubmission: true}, "submission"},
		{SocketMode{IsSubmission: true, TLS: true}, "submission_tls"},
		{SocketMode{LMTP: true}, "lmtp"},
	}
	for _, c := range cases {
		if got := systemdFDName(c.mode); got != c.want {
			t.Errorf("systemdFDName(%+v) = %q, want %q", c.mode, got, c.want)
		}
	}
}
