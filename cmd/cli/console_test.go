package main

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"openenterprise/otaloader/console"
	"openenterprise/otaloader/control"
	"openenterprise/otaloader/netota"
)

var discardLog = slog.New(slog.DiscardHandler)

func TestStripTelnetIAC(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"plain", []byte("hello"), "hello"},
		{"will echo", []byte{0xFF, 0xFB, 0x01, 'P', 'w'}, "Pw"},
		{"two byte command", []byte{'a', 0xFF, 0xF1, 'b'}, "ab"},
		{"trailing IAC", []byte{'a', 0xFF}, "a\xff"},
		{"back to back", []byte{0xFF, 0xFB, 0x01, 0xFF, 0xFC, 0x01, '>'}, ">"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(stripTelnetIAC(tt.in)); got != tt.want {
				t.Errorf("stripTelnetIAC() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCleanOutput(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Firmware: v1\r\n> ", "Firmware: v1"},
		{"{\"ota\":\"idle\"}\x04\r\n> ", "{\"ota\":\"idle\"}"},
		{"> ", ""},
	}
	for _, tt := range tests {
		if got := cleanOutput(tt.in); got != tt.want {
			t.Errorf("cleanOutput(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\n\nOTALOADER_TEST_A = \"quoted\"\nOTALOADER_TEST_B='single'\nOTALOADER_TEST_C=keep\nnot a pair\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OTALOADER_TEST_A", "")
	t.Setenv("OTALOADER_TEST_B", "")
	t.Setenv("OTALOADER_TEST_C", "from-env")

	loadEnvFile(path)

	for key, want := range map[string]string{
		"OTALOADER_TEST_A": "quoted",
		"OTALOADER_TEST_B": "single",
		"OTALOADER_TEST_C": "from-env",
	} {
		if got := os.Getenv(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	loadEnvFile(filepath.Join(t.TempDir(), "missing"))
}

func TestGetPasswordFromFlag(t *testing.T) {
	if got := getPassword("secret"); got != "secret" {
		t.Errorf("getPassword() = %q", got)
	}
}

// startConsole serves the shared console behind a password on loopback.
func startConsole(t *testing.T, password string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	var lock console.Lockout
	go netota.Listen(ctx, ln, func(ctx context.Context, conn net.Conn) {
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()
		if !console.Authenticate(conn, password, &lock, readTimeout) {
			return
		}
		in := &control.Interpreter{Firmware: "v2.1"}
		console.Serve(conn, in, nil, discardLog)
	}, discardLog)
	return ln.Addr().String()
}

func TestRunCommand(t *testing.T) {
	addr := startConsole(t, "pw")
	conn, err := dialConsole(addr, "pw")
	if err != nil {
		t.Fatalf("dialConsole: %v", err)
	}
	defer conn.Close()

	out, err := runCommand(conn, "version")
	if err != nil {
		t.Fatal(err)
	}
	if out != "Firmware: v2.1" {
		t.Errorf("version = %q", out)
	}
	out, err = runCommand(conn, "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"firmware":"v2.1"`) || strings.ContainsRune(out, control.EOT) {
		t.Errorf("status = %q", out)
	}
}

func TestDialConsoleWrongPassword(t *testing.T) {
	addr := startConsole(t, "pw")
	conn, err := dialConsole(addr, "nope")
	if err == nil {
		conn.Close()
		t.Fatal("login succeeded with the wrong password")
	}
}

func TestInteractive(t *testing.T) {
	addr := startConsole(t, "pw")
	var out bytes.Buffer
	in := strings.NewReader("version\n\nquit\n")
	if err := interactive(addr, "pw", in, &out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Connected!", "Firmware: v2.1", "Goodbye!"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestImageHandler(t *testing.T) {
	fw := testFirmware(3000)
	var log bytes.Buffer
	srv := httptest.NewServer(imageHandler("/fw.bin", fw, &log))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/fw.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || !bytes.Equal(body.Bytes(), fw) {
		t.Errorf("GET = %d, %d bytes", resp.StatusCode, body.Len())
	}
	if resp.ContentLength != int64(len(fw)) {
		t.Errorf("Content-Length = %d", resp.ContentLength)
	}
	if !strings.Contains(log.String(), "GET /fw.bin") {
		t.Errorf("request not logged: %q", log.String())
	}

	miss, err := http.Get(srv.URL + "/other")
	if err != nil {
		t.Fatal(err)
	}
	miss.Body.Close()
	if miss.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path = %d", miss.StatusCode)
	}
}
