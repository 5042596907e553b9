package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"migrate"},
		{"sweep"},
		{"business-day"},
		{"qr", "purge"},
		{"campaign", "start"},
		{"campaign", "pause"},
		{"campaign", "resume"},
		{"campaign", "cancel"},
		{"campaign", "progress"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Fatalf("command %v not registered: %v", path, err)
		}
	}
}

func TestCommandsRequireDatabase(t *testing.T) {
	t.Setenv("DB_DSN", "")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--env-file", "", "sweep"})
	err := root.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "DB_DSN") {
		t.Fatalf("expected DB_DSN error, got %v", err)
	}
}

func TestBusinessDayRejectsBadInstant(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"business-day", "--tenant", "t1", "--at", "tomorrow"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	if err := root.ExecuteContext(context.Background()); err == nil || !strings.Contains(err.Error(), "--at") {
		t.Fatalf("expected --at error, got %v", err)
	}
}

func TestHandoffLockerRefuses(t *testing.T) {
	unlock, ok, err := handoffLocker{}.TryLock(context.Background(), "c1")
	if err != nil || ok {
		t.Fatalf("handoff locker must refuse: ok=%v err=%v", ok, err)
	}
	unlock()
}
