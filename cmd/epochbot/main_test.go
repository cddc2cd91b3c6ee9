package main_test

import (
	"bytes"
	"context"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	main "github.com/epochwatch/epochbot/cmd/epochbot"
	"github.com/epochwatch/epochbot/internal/config"
	"github.com/epochwatch/epochbot/internal/probe"
)

func MakeTestCommand(t testing.TB) (*main.EpochbotCommand, *bytes.Buffer) {
	t.Helper()

	buf := bytes.NewBuffer([]byte{})

	return &main.EpochbotCommand{
		OutStream: buf,
		ErrStream: buf,
	}, buf
}

func TestEpochbotCommand_ParseArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		Args     []string
		Pattern  string
		ExitCode int
		Extra    func(*testing.T, main.EpochbotCommand)
	}{
		{
			Args:     []string{"epochbot"},
			Pattern:  `^$`,
			ExitCode: 0,
			Extra: func(t *testing.T, cmd main.EpochbotCommand) {
				if cmd.ConfigPath != "epochbot.yaml" {
					t.Errorf("unexpected default config path: %s", cmd.ConfigPath)
				}
			},
		},
		{
			Args:     []string{"epochbot", "--no-such-option"},
			Pattern:  "^unknown flag: --no-such-option\n\nPlease see `epochbot -h` for more information\\.\n$",
			ExitCode: 2,
		},
		{
			Args:     []string{"epochbot", "extra-arg"},
			Pattern:  "^unexpected argument: extra-arg\n\nPlease see `epochbot -h` for more information\\.\n$",
			ExitCode: 2,
		},
		{
			Args:     []string{"epochbot", "-c", "somewhere.yaml", "-l", "debug", "-1"},
			Pattern:  `^$`,
			ExitCode: 0,
			Extra: func(t *testing.T, cmd main.EpochbotCommand) {
				if cmd.ConfigPath != "somewhere.yaml" {
					t.Errorf("unexpected config path: %s", cmd.ConfigPath)
				}
				if cmd.LogLevel != "debug" {
					t.Errorf("unexpected log level: %s", cmd.LogLevel)
				}
				if !cmd.OneshotMode {
					t.Errorf("oneshot mode should be set")
				}
			},
		},
		{
			Args:     []string{"epochbot", "-v"},
			Pattern:  `^$`,
			ExitCode: 0,
			Extra: func(t *testing.T, cmd main.EpochbotCommand) {
				if !cmd.ShowVersion {
					t.Errorf("version flag should be set")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.Args[1:], " "), func(t *testing.T) {
			cmd, buf := MakeTestCommand(t)

			if code := cmd.ParseArgs(tt.Args); code != tt.ExitCode {
				t.Errorf("got exit code %d, want %d", code, tt.ExitCode)
			}

			if ok, err := regexp.MatchString(tt.Pattern, buf.String()); err != nil {
				t.Errorf("invalid pattern: %s", err)
			} else if !ok {
				t.Errorf("output did not match %q:\n%s", tt.Pattern, buf.String())
			}

			if tt.Extra != nil {
				tt.Extra(t, *cmd)
			}
		})
	}
}

func TestEpochbotCommand_PrintVersion(t *testing.T) {
	t.Parallel()

	cmd, buf := MakeTestCommand(t)
	cmd.PrintVersion()

	if ok, _ := regexp.MatchString(`^Epochbot version `, buf.String()); !ok {
		t.Errorf("unexpected version output: %s", buf.String())
	}
}

func TestEpochbotCommand_RunOneshot(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	upAddr := listener.Addr().(*net.TCPAddr)

	// Grab a port that is certainly closed.
	closed, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	downPort := closed.Addr().(*net.TCPAddr).Port
	closed.Close()

	cfg := config.Default()
	cfg.ProbeTimeoutSeconds = 1
	cfg.Endpoints = []probe.Endpoint{
		{Name: "Reachable", Host: "localhost", Port: upAddr.Port},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd, buf := MakeTestCommand(t)
	if code := cmd.RunOneshot(ctx, cfg); code != 0 {
		t.Errorf("got exit code %d, want 0:\n%s", code, buf.String())
	}
	if !strings.Contains(buf.String(), "up\tReachable") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}

	cfg.Endpoints = append(cfg.Endpoints, probe.Endpoint{Name: "Dead", Host: "localhost", Port: downPort})

	cmd, buf = MakeTestCommand(t)
	if code := cmd.RunOneshot(ctx, cfg); code != 1 {
		t.Errorf("got exit code %d, want 1:\n%s", code, buf.String())
	}
	if !strings.Contains(buf.String(), "down\tDead") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}
