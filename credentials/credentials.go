// Package credentials embeds the secrets a device build needs. The .text
// files are empty in the repository; fill them locally before flashing.
package credentials

import (
	_ "embed"
	"strings"
)

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
	//go:embed console_password.text
	consolePass string
)

// SSID returns the WLAN network name from ssid.text.
func SSID() string {
	return strings.TrimSpace(ssid)
}

// Password returns the WLAN passphrase from password.text.
func Password() string {
	return strings.TrimSpace(pass)
}

// ConsolePassword returns the debug console password from console_password.text.
// An empty password locks the console: no login can succeed.
//
// Deprecated: Marked as deprecated so IDE warns users against its use. Your console password should be defined outside of this repo for security reasons!
func ConsolePassword() string {
	return strings.TrimSpace(consolePass)
}
