package internal

import "testing"

func TestConfigureLogger(t *testing.T) {
	t.Cleanup(func() { SetLogLevel(LevelInfo) })

	if err := ConfigureLogger("DEBUG"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if getLevel() != LevelDebug {
		t.Fatalf("expected debug level")
	}
	if !shouldLog(LevelInfo) || shouldLog(LevelTrace) {
		t.Fatal("level filter is wrong for debug")
	}

	if err := ConfigureLogger("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if getLevel() != LevelInfo {
		t.Fatal("unknown level should fall back to info")
	}
}

func TestMakeLoggerArgsSorted(t *testing.T) {
	args := makeLoggerArgs(Fields{
		FieldPeer:  "10.0.0.1:5000",
		FieldBytes: uint64(10),
		FieldError: "boom",
	})
	want := []string{"bytes", "error", "peer"}
	if len(args) != len(want) {
		t.Fatalf("expected %d args, got %d", len(want), len(args))
	}
	for i, k := range want {
		if args[i].Key != k {
			t.Fatalf("arg %d key = %q, want %q", i, args[i].Key, k)
		}
	}
	if makeLoggerArgs(nil) != nil {
		t.Fatal("nil fields should produce no args")
	}
}
