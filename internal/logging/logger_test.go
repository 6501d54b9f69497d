package logging

import "testing"

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": DebugLevel,
		"INFO":  InfoLevel,
		"Warn":  WarnLevel,
		"ERROR": ErrorLevel,
		"fatal": FatalLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) returned error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseLevelInvalid(t *testing.T) {
	if _, err := ParseLevel("bogus"); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestNewAndWithField(t *testing.T) {
	l, err := New("DEBUG")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	child := l.WithField("symbol", "BTC/USDT")
	if child == nil {
		t.Fatal("WithField returned nil logger")
	}
	child.Info("test message", "extra", 1)
}
