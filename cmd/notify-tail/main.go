// Command notify-tail holds a live notification channel open the way the
// dashboard does and prints every event it receives as one JSON line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/telex-ph/bug-reporting/internal/notifyclient"
)

func main() {
	_ = godotenv.Load()

	url := flag.String("url", getEnv("NOTIFY_URL", "ws://localhost:5000/ws/notifications"), "live channel URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("NOTIFY_TOKEN")), "operator session id")
	baseDelay := flag.Duration("base-delay", 3*time.Second, "reconnect delay, multiplied by the attempt number")
	attempts := flag.Int("attempts", 5, "reconnect attempts before giving up")
	ping := flag.Duration("ping", 30*time.Second, "heartbeat interval")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *token == "" {
		slog.Error("token is required (--token or NOTIFY_TOKEN)")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := notifyclient.NewAgent(&notifyclient.WebSocketDialer{URL: *url, Token: *token}, notifyclient.Options{
		BaseDelay:    *baseDelay,
		MaxAttempts:  *attempts,
		PingInterval: *ping,
	})
	go agent.Run(ctx)
	agent.Connect()

	out := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			agent.Disconnect()
			return
		case s := <-agent.States():
			slog.Info("connection state", "state", s.String(), "dials", agent.Dials())
			if s == notifyclient.Failed {
				fmt.Fprintln(os.Stderr, "giving up; press Ctrl-C to exit")
			}
		case env := <-agent.Events():
			if err := out.Encode(env); err != nil {
				slog.Error("writing event", "error", err)
			}
		}
	}
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
