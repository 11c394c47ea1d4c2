package pidfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFile_Lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "airbalanced.pid")
	p := New(path)

	if err := p.Create(); err != nil {
		t.Fatalf("Failed to create PID file: %v", err)
	}
	running, pid, err := p.CheckRunning()
	if err != nil || !running || pid != os.Getpid() {
		t.Errorf("Expected own live PID, got running=%v pid=%d err=%v", running, pid, err)
	}

	if err := p.Remove(); err != nil {
		t.Fatalf("Failed to remove PID file: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected PID file to be removed")
	}
	if err := p.Remove(); err != nil {
		t.Errorf("Expected second remove to be a no-op, got %v", err)
	}
}

func TestPIDFile_OtherOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airbalanced.pid")
	if err := os.WriteFile(path, []byte("424242\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		alive   bool
		wantErr bool
	}{
		{"live owner", true, true},
		{"stale file", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(path)
			p.alive = func(int) bool { return tt.alive }

			err := p.Create()
			if tt.wantErr {
				if !errors.Is(err, ErrRunning) {
					t.Errorf("Expected ErrRunning, got %v", err)
				}
				if err := p.Remove(); err == nil {
					t.Error("Expected refusal to remove a foreign PID file")
				}
				return
			}
			if err != nil {
				t.Errorf("Expected stale file to be replaced, got %v", err)
			}
		})
	}
}

func TestPIDFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airbalanced.pid")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := New(path).CheckRunning(); err == nil {
		t.Error("Expected error for invalid PID file")
	}
	if err := New(path).ForceRemove(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}
