package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"openenterprise/otaloader/control"
)

// passwordEnv names the environment variable holding the console password.
const passwordEnv = "OTALOADER_PASSWORD"

// loadEnvFile loads environment variables from .env file in current directory
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // File doesn't exist or can't be read, that's fine
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		// Remove quotes if present
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		// Only set if not already set in environment
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// getPassword resolves password from various sources
// Priority: flag or env (via the flag's EnvVars) > interactive prompt
func getPassword(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println() // Print newline after password
		if err == nil && len(password) > 0 {
			return string(password)
		}
	}
	return ""
}

// dialConsole connects to the device console and logs in.
func dialConsole(addr, password string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect failed: %w", err)
	}
	if err := authenticate(conn, password); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := readUntil(conn, "> ", readTimeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("no prompt after login (wrong password?): %w", err)
	}
	return conn, nil
}

// authenticate handles the password authentication after connecting
func authenticate(conn net.Conn, password string) error {
	prompt, err := readUntil(conn, ": ", readTimeout)
	if err != nil {
		return fmt.Errorf("read prompt failed: %w", err)
	}
	if !strings.Contains(strings.ToLower(prompt), "password") {
		return fmt.Errorf("unexpected prompt: %s", prompt)
	}
	if _, err := conn.Write([]byte(password + "\r\n")); err != nil {
		return fmt.Errorf("send password failed: %w", err)
	}
	return nil
}

// stripTelnetIAC removes telnet IAC (Interpret As Command) sequences from data.
// IAC = 0xFF, followed by command byte and possibly option byte.
func stripTelnetIAC(data []byte) []byte {
	result := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if data[i] == 0xFF && i+1 < len(data) {
			// WILL/WONT/DO/DONT (0xFB-0xFE) have an option byte
			cmd := data[i+1]
			if cmd >= 0xFB && cmd <= 0xFE && i+2 < len(data) {
				i += 3
			} else {
				i += 2
			}
		} else {
			result = append(result, data[i])
			i++
		}
	}
	return result
}

// readUntil reads until the (IAC stripped) output contains marker.
func readUntil(conn net.Conn, marker string, timeout time.Duration) (string, error) {
	buf := make([]byte, 256)
	var acc []byte
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		n, err := conn.Read(buf)
		acc = append(acc, stripTelnetIAC(buf[:n])...)
		if bytes.Contains(acc, []byte(marker)) {
			return string(acc), nil
		}
		if err != nil {
			return string(acc), err
		}
	}
}

// runCommand sends one console command and returns its output without the
// trailing prompt. A control object is read up to its EOT terminator.
func runCommand(conn net.Conn, cmd string) (string, error) {
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		return "", fmt.Errorf("send failed: %w", err)
	}
	out, err := readUntil(conn, "> ", readTimeout)
	if err != nil {
		return out, err
	}
	return cleanOutput(out), nil
}

func cleanOutput(s string) string {
	s = strings.TrimSuffix(s, "> ")
	s = strings.ReplaceAll(s, string(rune(control.EOT)), "")
	return strings.TrimSpace(s)
}

// interactive runs an interactive session with the device
func interactive(addr, password string, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "Connecting to %s...\n", addr)
	conn, err := dialConsole(addr, password)
	if err != nil {
		return err
	}
	defer func() { conn.Close() }()
	fmt.Fprintln(out, "Connected! Type 'quit' or Ctrl+C to exit.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "quit" || input == "exit" {
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}
		output, err := runCommand(conn, input)
		if err != nil {
			fmt.Fprintln(out, "Connection lost, reconnecting...")
			conn.Close()
			if conn, err = dialConsole(addr, password); err != nil {
				return fmt.Errorf("reconnect failed: %w", err)
			}
			continue
		}
		if output != "" {
			fmt.Fprintln(out, output)
		}
	}
}
