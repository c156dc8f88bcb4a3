package expvarom

import (
	"bytes"
	"strings"
	"testing"
)

func TestInt(t *testing.T) {
	i := NewInt("expvarom_test/aCounter", "a test counter")
	i.Add(3)
	i.Add(2)
	if got := i.Value(); got != 5 {
		t.Errorf("Value() = %d, want 5", got)
	}

	var buf bytes.Buffer
	i.WritePrometheus(&buf)
	out := buf.String()
	if !strings.Contains(out, "expvarom_test_aCounter 5") {
		t.Errorf("unexpected prometheus output: %q", out)
	}
	if !strings.Contains(out, "# TYPE expvarom_test_aCounter counter") {
		t.Errorf("missing TYPE line: %q", out)
	}
}

func TestMap(t *testing.T) {
	m := NewMap("expvarom_test/aMap", "code", "a test map")
	m.Add("250", 2)
	m.Add("250", 1)
	m.Add("550", 1)

	if got := m.Get("250"); got != 3 {
		t.Errorf("Get(250) = %d, want 3", got)
	}
	if got := m.Get("550"); got != 1 {
		t.Errorf("Get(550) = %d, want 1", got)
	}
	if got := m.Get("999"); got != 0 {
		t.Errorf("Get(999) = %d, want 0", got)
	}

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	out := buf.String()
	if !strings.Contains(out, `expvarom_test_aMap{code="250"} 3`) {
		t.Errorf("unexpected prometheus output: %q", out)
	}
	if !strings.Contains(out, `expvarom_test_aMap{code="550"} 1`) {
		t.Errorf("unexpected prometheus output: %q", out)
	}
}

func TestWriteAllPrometheus(t *testing.T) {
	NewInt("expvarom_test/includedInAll", "included")

	var buf bytes.Buffer
	WriteAllPrometheus(&buf)
	if !strings.Contains(buf.String(), "expvarom_test_includedInAll") {
		t.Errorf("WriteAllPrometheus did not include the published counter")
	}
}
