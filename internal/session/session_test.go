package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/1ureka/reattach/internal/config"
	"github.com/1ureka/reattach/internal/transport"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "rs")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.BaseDir = filepath.Join(dir, "base")
	return cfg
}

func waitMessage(t *testing.T, ch *Channel) *transport.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		fds := []unix.PollFd{{Fd: int32(ch.Fd()), Events: unix.POLLIN}}
		unix.Poll(fds, 100)
		msg, err := ch.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if msg != nil {
			return msg
		}
	}
	t.Fatal("timed out waiting for a message")
	return nil
}

func TestNewIDFormat(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id, err := NewID()
		if err != nil {
			t.Fatalf("NewID: %v", err)
		}
		if err := ValidateID(id); err != nil {
			t.Fatalf("NewID produced invalid id: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{strings.Repeat("a", IDLength), true},
		{"0123456789abcdef0123456789abcdef", true},
		{"0123456789ABCDEF0123456789ABCDEF", false},
		{strings.Repeat("a", IDLength-1), false},
		{"../../../../etc/passwd0123456789", false},
		{"", false},
	}
	for _, tc := range tests {
		err := ValidateID(tc.id)
		if (err == nil) != tc.want {
			t.Errorf("ValidateID(%q) = %v, want valid=%v", tc.id, err, tc.want)
		}
		if err != nil && !errors.Is(err, ErrInvalidID) {
			t.Errorf("ValidateID(%q) error %v is not ErrInvalidID", tc.id, err)
		}
	}
}

func TestPaths(t *testing.T) {
	id := "00112233445566778899aabbccddeeff"
	if got := ServerPath("/base", id); got != "/base/server-"+id {
		t.Errorf("ServerPath = %q", got)
	}
	if got := ClientPath("/base", id); got != "/base/client-"+id {
		t.Errorf("ClientPath = %q", got)
	}
}

func TestListenDialExchange(t *testing.T) {
	cfg := testConfig(t)

	server, err := Listen(cfg, nil, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()
	if !server.IsServer() {
		t.Fatal("Listen returned a client channel")
	}

	client, err := Dial(cfg, server.ID, nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	if client.IsServer() || client.ServerPath != server.ServerPath || client.ClientPath != server.ClientPath {
		t.Fatalf("client paths %q/%q differ from server", client.ServerPath, client.ClientPath)
	}

	// The probe arrives first and flips the server to connected.
	if probe := waitMessage(t, server); len(probe.Payload) != 0 {
		t.Fatalf("probe payload = %q", probe.Payload)
	}
	if !server.Connected() {
		t.Fatal("server not connected after probe")
	}

	if _, err := server.Send([]byte("output")); err != nil {
		t.Fatalf("server Send: %v", err)
	}
	if msg := waitMessage(t, client); string(msg.Payload) != "output" {
		t.Fatalf("client got %q", msg.Payload)
	}
}

func TestDialNoSuchSession(t *testing.T) {
	cfg := testConfig(t)
	_, err := Dial(cfg, strings.Repeat("0", IDLength), nil, nil)
	if !errors.Is(err, ErrNoSuchSession) {
		t.Fatalf("Dial = %v, want ErrNoSuchSession", err)
	}
	if _, err := os.Lstat(ClientPath(cfg.BaseDir, strings.Repeat("0", IDLength))); !os.IsNotExist(err) {
		t.Error("failed Dial left a client socket behind")
	}
}

func TestDialInvalidID(t *testing.T) {
	if _, err := Dial(testConfig(t), "nope", nil, nil); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("Dial = %v, want ErrInvalidID", err)
	}
}

// TestSingleAttachment: a second client for the same live session fails
// while the first is attached, and succeeds once it leaves.
func TestSingleAttachment(t *testing.T) {
	cfg := testConfig(t)
	server, err := Listen(cfg, nil, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	first, err := Dial(cfg, server.ID, nil, nil)
	if err != nil {
		t.Fatalf("first Dial: %v", err)
	}

	if _, err := Dial(cfg, server.ID, nil, nil); !errors.Is(err, transport.ErrAddressInUse) {
		t.Fatalf("second Dial = %v, want ErrAddressInUse", err)
	}

	first.Close()
	second, err := Dial(cfg, server.ID, nil, nil)
	if err != nil {
		t.Fatalf("Dial after detach: %v", err)
	}
	second.Close()
}

func TestListAndPrune(t *testing.T) {
	cfg := testConfig(t)

	if infos, err := List(cfg.BaseDir); err != nil || len(infos) != 0 {
		t.Fatalf("List on missing dir = %v, %v", infos, err)
	}

	live, err := Listen(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer live.Close()
	client, err := Dial(cfg, live.ID, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// A dead session: a socket file nobody holds.
	deadID := strings.Repeat("f", IDLength)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: ServerPath(cfg.BaseDir, deadID)}); err != nil {
		t.Fatal(err)
	}
	unix.Close(fd)

	// Noise that must be ignored.
	os.WriteFile(filepath.Join(cfg.BaseDir, "server-notanid"), nil, 0o600)
	os.WriteFile(filepath.Join(cfg.BaseDir, "app.log"), nil, 0o600)

	infos, err := List(cfg.BaseDir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("List found %d sessions, want 2: %+v", len(infos), infos)
	}
	byID := map[string]Info{}
	for _, info := range infos {
		byID[info.ID] = info
	}
	if got := byID[live.ID]; !got.Live || !got.Attached {
		t.Errorf("live session = %+v", got)
	}
	if got := byID[deadID]; got.Live || got.Attached {
		t.Errorf("dead session = %+v", got)
	}

	removed, err := Prune(cfg.BaseDir)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(removed) != 1 || removed[0] != deadID {
		t.Fatalf("Prune removed %v, want [%s]", removed, deadID)
	}
	if _, err := os.Lstat(ServerPath(cfg.BaseDir, deadID)); !os.IsNotExist(err) {
		t.Error("dead server socket still present")
	}
	if _, err := os.Lstat(live.ServerPath); err != nil {
		t.Errorf("live server socket removed: %v", err)
	}
}
