package frame

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"
	"time"
)

func readBody(t *testing.T, input string, max int64) (string, int64, bool, error) {
	t.Helper()
	p := New(bufio.NewReader(strings.NewReader(input)))
	body := p.StartData(max)

	got, rerr := io.ReadAll(body)
	if rerr != nil {
		t.Fatalf("ReadAll: %v", rerr)
	}

	select {
	case <-body.done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer goroutine never finished")
	}

	return string(got), body.Len(), body.SizeExceeded(), body.Wait()
}

func TestDataMode(t *testing.T) {
	cases := []struct {
		name string
		in   string
		max  int64
		want string
	}{
		{"empty body", ".\r\n", 0, ""},
		{"simple", "hi\r\n.\r\n", 0, "hi\r\n"},
		{"dot unstuff single", "..bar\r\n.baz\r\n.\r\n", 0, ".bar\r\nbaz\r\n"},
		{"dot unstuff double", "...bar\r\n.\r\n", 0, "..bar\r\n"},
		{"no trailing data after dot", ".x\r\n.\r\n", 0, "x\r\n"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, _, exceeded, err := readBody(t, c.in, c.max)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Errorf("got %q, want %q", got, c.want)
			}
			if exceeded {
				t.Errorf("unexpected size_exceeded")
			}
		})
	}
}

func TestSizeExceeded(t *testing.T) {
	got, n, exceeded, err := readBody(t, "abcdefgh\r\n.\r\n", 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exceeded {
		t.Errorf("expected size_exceeded")
	}
	// The parser never truncates: every byte below the window it reported
	// is delivered, and the full count is reflected in Len.
	if n != int64(len("abcdefgh\r\n")) {
		t.Errorf("Len() = %d, want %d", n, len("abcdefgh\r\n"))
	}
	if got != "abcd" {
		t.Errorf("got %q, want %q", got, "abcd")
	}
}

func TestAbandonedBodyStillSyncs(t *testing.T) {
	// The caller gives up on the body early (as it would after deciding the
	// message is too big) but the parser must keep consuming bytes off the
	// wire until the terminator, and leave the next command ready to read.
	in := "payload that nobody reads\r\n.\r\nMAIL FROM:<a@b>\r\n"
	r := bufio.NewReader(strings.NewReader(in))
	p := New(r)
	body := p.StartData(0)
	if err := body.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := body.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	cmd, err := p.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if string(cmd) != "MAIL FROM:<a@b>" {
		t.Errorf("got %q, want next command intact", cmd)
	}
}

func TestReadCommandSplitsOnCRLFAndLF(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("EHLO foo\r\nNOOP\nQUIT\r\n"))
	p := New(r)

	for _, want := range []string{"EHLO foo", "NOOP", "QUIT"} {
		got, err := p.ReadCommand()
		if err != nil {
			t.Fatalf("ReadCommand: %v", err)
		}
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}

	if _, err := p.ReadCommand(); err != io.EOF {
		t.Errorf("got %v, want io.EOF", err)
	}
}

func TestReadCommandTooLong(t *testing.T) {
	long := strings.Repeat("a", MaxLineLength+50)
	r := bufio.NewReader(strings.NewReader(long + "\r\nNOOP\r\n"))
	p := New(r)

	if _, err := p.ReadCommand(); err != ErrLineTooLong {
		t.Fatalf("got %v, want ErrLineTooLong", err)
	}

	got, err := p.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand after overlong line: %v", err)
	}
	if string(got) != "NOOP" {
		t.Errorf("got %q, want %q (state resynced)", got, "NOOP")
	}
}

func TestUnexpectedEOFMidBody(t *testing.T) {
	_, _, _, err := readBody(t, "no terminator here", 0)
	if err != io.ErrUnexpectedEOF {
		t.Errorf("got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestBodyLenAfterEOF(t *testing.T) {
	p := New(bufio.NewReader(strings.NewReader("abc\r\n.\r\n")))
	body := p.StartData(0)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if err := body.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if body.Len() != int64(len("abc\r\n")) {
		t.Errorf("Len() = %d, want %d", body.Len(), len("abc\r\n"))
	}
}
