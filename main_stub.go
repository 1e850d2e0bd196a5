//go:build !tinygo

package main

// The firmware only builds with TinyGo. This stub lets the regular Go
// toolchain (go vet, go test) compile the host-portable parts of the
// package.

func main() {
	println("otaloader firmware: build with tinygo -target=pico2-w; use cmd/otasim on a host")
}
