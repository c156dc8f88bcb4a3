package address

import "testing"

func TestParseMailFromSimple(t *testing.T) {
	cmd, err := ParseMailFrom("MAIL FROM:<a@x>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Address != "a@x" {
		t.Errorf("got %q, want %q", cmd.Address, "a@x")
	}
	if len(cmd.Args) != 0 {
		t.Errorf("unexpected args: %+v", cmd.Args)
	}
}

func TestParseMailFromNullPath(t *testing.T) {
	cmd, err := ParseMailFrom("MAIL FROM:<>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Address != "" {
		t.Errorf("got %q, want empty", cmd.Address)
	}
}

func TestParseRcptToRejectsNullPath(t *testing.T) {
	if _, err := ParseRcptTo("RCPT TO:<>"); err == nil {
		t.Fatal("expected error for null reverse-path in RCPT TO")
	}
}

func TestParseVerbMismatch(t *testing.T) {
	if _, err := ParseMailFrom("RCPT TO:<a@x>"); err == nil {
		t.Fatal("expected verb mismatch error")
	}
}

func TestParseCaseInsensitiveVerbAndWhitespace(t *testing.T) {
	cmd, err := ParseMailFrom("mail from : <a@x>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Address != "a@x" {
		t.Errorf("got %q", cmd.Address)
	}
}

func TestParseExtendedArgs(t *testing.T) {
	cmd, err := ParseMailFrom("MAIL FROM:<a@x> SIZE=12345 BODY=8BITMIME SMTPUTF8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	size, ok := cmd.Arg("SIZE")
	if !ok || size != "12345" {
		t.Errorf("SIZE = %q, %v", size, ok)
	}
	body, ok := cmd.Arg("BODY")
	if !ok || body != "8BITMIME" {
		t.Errorf("BODY = %q, %v", body, ok)
	}
	if v, has := cmd.Args["SMTPUTF8"]; !has || v.HasValue {
		t.Errorf("SMTPUTF8 = %+v, want flag with no value", v)
	}
}

func TestParseRcptDSNArgs(t *testing.T) {
	cmd, err := ParseRcptTo("RCPT TO:<b@y> NOTIFY=SUCCESS,DELAY ORCPT=rfc822;b@y")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	notify, _ := cmd.Arg("NOTIFY")
	if notify != "SUCCESS,DELAY" {
		t.Errorf("NOTIFY = %q", notify)
	}
	orcpt, _ := cmd.Arg("ORCPT")
	if orcpt != "rfc822;b@y" {
		t.Errorf("ORCPT = %q", orcpt)
	}
}

func TestXtextDecodeInValue(t *testing.T) {
	cmd, err := ParseRcptTo("RCPT TO:<b@y> ORCPT=rfc822;space+20name")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	orcpt, _ := cmd.Arg("ORCPT")
	if orcpt != "rfc822;space name" {
		t.Errorf("ORCPT = %q, want %q", orcpt, "rfc822;space name")
	}
}

func TestMissingAngleBrackets(t *testing.T) {
	if _, err := ParseMailFrom("MAIL FROM:a@x"); err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestMissingColon(t *testing.T) {
	if _, err := ParseMailFrom("MAIL FROM <a@x>"); err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestIDNDomainDecoded(t *testing.T) {
	cmd, err := ParseMailFrom("MAIL FROM:<user@xn--ida.example>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "user@ñ.example"; cmd.Address != want {
		t.Errorf("got %q, want %q", cmd.Address, want)
	}
	if cmd.DomainDecodeErr != nil {
		t.Errorf("unexpected decode error: %v", cmd.DomainDecodeErr)
	}
}
