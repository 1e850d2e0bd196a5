// Command otaloader-cli talks to an OTA loader device (or otasim) from a
// workstation: find it on the LAN, push firmware over TCP or the emulated
// BLE link, serve an image for HTTP pull, and run console commands.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"openenterprise/otaloader/netota"
	"openenterprise/otaloader/version"
)

const (
	defaultConsolePort = 23
	defaultBLEPort     = 14444
	defaultTimeout     = 10 * time.Second
	readTimeout        = 5 * time.Second
	otaChunkSize       = 4096
)

var (
	hostFlag = &cli.StringFlag{
		Name:     "host",
		Aliases:  []string{"H"},
		Usage:    "Device IP address",
		EnvVars:  []string{"OTALOADER_HOST"},
		Required: true,
	}
	passwordFlag = &cli.StringFlag{
		Name:    "password",
		Usage:   "Console password (prompted for when unset)",
		EnvVars: []string{passwordEnv},
	}
)

func main() {
	// Load .env file before parsing flags
	loadEnvFile(".env")

	app := &cli.App{
		Name:    "otaloader-cli",
		Usage:   "Update and inspect OTA loader devices",
		Version: version.String(),
		Commands: []*cli.Command{
			discoverCommand(),
			pushCommand(),
			blePushCommand(),
			serveCommand(),
			statusCommand(),
			consoleCommand(),
			uf2InfoCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func portFlag(def int) *cli.IntFlag {
	return &cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Device port", Value: def}
}

func hostPort(c *cli.Context) string {
	return net.JoinHostPort(c.String("host"), strconv.Itoa(c.Int("port")))
}

func firmwareArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", cli.Exit(fmt.Sprintf("usage: %s %s", c.App.Name, c.Command.UsageText), 2)
	}
	return c.Args().First(), nil
}

func discoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "discover",
		Usage: "Find devices on the local network",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "broadcast", Value: "255.255.255.255", Usage: "Address to send the request to"},
			portFlag(netota.DiscoveryPort),
			&cli.DurationFlag{Name: "timeout", Value: 2 * time.Second, Usage: "How long to wait for replies"},
		},
		Action: func(c *cli.Context) error {
			target := net.JoinHostPort(c.String("broadcast"), strconv.Itoa(c.Int("port")))
			found, err := discover(target, c.Duration("timeout"), c.App.Writer)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				return cli.Exit("no devices answered", 1)
			}
			return nil
		},
	}
}

func pushCommand() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "Push firmware over the OTA TCP port",
		UsageText: "push --host <ip> <firmware.uf2|firmware.bin>",
		Flags:     []cli.Flag{hostFlag, portFlag(netota.DefaultPort)},
		Action: func(c *cli.Context) error {
			path, err := firmwareArg(c)
			if err != nil {
				return err
			}
			fw, err := loadImage(path)
			if err != nil {
				return err
			}
			describeImage(c.App.Writer, path, fw)
			return otaPush(hostPort(c), fw, otaChunkSize, c.App.Writer)
		},
	}
}

func blePushCommand() *cli.Command {
	return &cli.Command{
		Name:      "ble-push",
		Usage:     "Push firmware over otasim's emulated BLE link",
		UsageText: "ble-push --host <ip> <firmware.uf2|firmware.bin>",
		Flags: []cli.Flag{
			hostFlag,
			portFlag(defaultBLEPort),
			&cli.UintFlag{Name: "mtu", Value: 247, Usage: "MTU to announce (0 skips the exchange)"},
			&cli.DurationFlag{Name: "gap", Value: 2 * time.Millisecond, Usage: "Pause between writes"},
		},
		Action: func(c *cli.Context) error {
			path, err := firmwareArg(c)
			if err != nil {
				return err
			}
			mtu := c.Uint("mtu")
			if (mtu > 0 && mtu < 23) || mtu > 517 {
				return cli.Exit("mtu must be 0 or between 23 and 517", 2)
			}
			fw, err := loadImage(path)
			if err != nil {
				return err
			}
			describeImage(c.App.Writer, path, fw)
			return blePush(hostPort(c), fw, uint16(mtu), c.Duration("gap"), c.App.Writer)
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "Serve firmware for the device's HTTP pull client",
		UsageText: "serve [--listen :8080] [--path /firmware.bin] <firmware.uf2|firmware.bin>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: ":8080", Usage: "Listen address"},
			&cli.StringFlag{Name: "path", Value: "/firmware.bin", Usage: "URL path of the image"},
		},
		Action: func(c *cli.Context) error {
			path, err := firmwareArg(c)
			if err != nil {
				return err
			}
			fw, err := loadImage(path)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", c.String("listen"))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveImage(ctx, ln, c.String("path"), fw, c.App.Writer)
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print the device status object",
		Flags: []cli.Flag{hostFlag, portFlag(defaultConsolePort), passwordFlag},
		Action: func(c *cli.Context) error {
			conn, err := dialConsole(hostPort(c), getPassword(c.String("password")))
			if err != nil {
				return err
			}
			defer conn.Close()
			for _, cmd := range []string{"status", "ota"} {
				out, err := runCommand(conn, cmd)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, out)
			}
			return nil
		},
	}
}

func consoleCommand() *cli.Command {
	return &cli.Command{
		Name:      "console",
		Usage:     "Run console commands, interactively when none are given",
		UsageText: "console --host <ip> [command...]",
		Flags:     []cli.Flag{hostFlag, portFlag(defaultConsolePort), passwordFlag},
		Action: func(c *cli.Context) error {
			addr := hostPort(c)
			password := getPassword(c.String("password"))
			if c.NArg() == 0 {
				return interactive(addr, password, os.Stdin, c.App.Writer)
			}
			conn, err := dialConsole(addr, password)
			if err != nil {
				return err
			}
			defer conn.Close()
			for _, cmd := range c.Args().Slice() {
				out, err := runCommand(conn, cmd)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, out)
			}
			return nil
		},
	}
}

func uf2InfoCommand() *cli.Command {
	return &cli.Command{
		Name:      "uf2-info",
		Usage:     "Inspect a UF2 file (no device needed)",
		UsageText: "uf2-info <firmware.uf2>",
		Action: func(c *cli.Context) error {
			path, err := firmwareArg(c)
			if err != nil {
				return err
			}
			return readFirmwareInfo(c.App.Writer, path)
		},
	}
}
