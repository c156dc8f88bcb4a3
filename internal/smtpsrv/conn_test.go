package smtpsrv

import (
	"net"
	"testing"

	"github.com/mx-tools/smtpsrv/internal/address"
)

func TestAddrLiteral(t *testing.T) {
	cases := []struct {
		addr net.Addr
		want string
	}{
		{&net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 25}, "192.0.2.1"},
		{&net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 25}, "IPv6:2001:db8::1"},
	}
	for _, c := range cases {
		if got := addrLiteral(c.addr); got != c.want {
			t.Errorf("addrLiteral(%v) = %q, want %q", c.addr, got, c.want)
		}
	}
}

func TestConvertArgs(t *testing.T) {
	in := map[string]address.Param{
		"SIZE": {Value: "1024", HasValue: true},
		"BODY": {Value: "8BITMIME", HasValue: true},
	}
	out := convertArgs(in)
	if out["SIZE"] != "1024" || out["BODY"] != "8BITMIME" {
		t.Errorf("convertArgs(%v) = %v", in, out)
	}
}

func TestNewConnID(t *testing.T) {
	a := newConnID()
	b := newConnID()
	if a == "" || b == "" {
		t.Fatal("newConnID returned empty string")
	}
	if a == b {
		t.Errorf("newConnID returned the same id twice in a row: %q", a)
	}
}
