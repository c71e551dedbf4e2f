package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/confab-io/confab/pkg/logging"
	"github.com/confab-io/confab/pkg/server"
	"github.com/confab-io/confab/pkg/store"
	"github.com/confab-io/confab/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP bind address for client connections")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite credential database file path")
	flag.StringVar(&cfg.UsersFile, "users-file", "", "YAML file seeding users on startup")
	flag.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "Maximum concurrent clients (0 = unlimited)")
	flag.IntVar(&cfg.MaxConferences, "max-sessions", cfg.MaxConferences, "Maximum concurrent sessions (0 = unlimited)")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Inactivity threshold before a client is evicted")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "How often the reaper scans for idle clients")
	flag.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "Per-receiver write deadline during broadcast")
	flag.BoolVar(&cfg.ExcludeSender, "exclude-sender", false, "Do not echo session messages back to their sender")
	flag.BoolVar(&cfg.ExportUsers, "export-users", false, "Export all users as YAML and exit")

	createUser := flag.String("create-user", "", "Create a user (username:password) and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	if *showVersion {
		fmt.Println("conferd", version.Full())
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	// Handle one-shot commands (run and exit)
	if *createUser != "" {
		defer func() { _ = st.Close() }()
		username, password, ok := splitCredential(*createUser)
		if !ok {
			fmt.Fprintln(os.Stderr, "usage: -create-user username:password")
			os.Exit(1)
		}
		if _, err := st.CreateUser(username, password); err != nil {
			slog.Error("create user", "user", username, "err", err)
			os.Exit(1)
		}
		fmt.Printf("created user %q\n", username)
		return
	}
	if cfg.ExportUsers {
		defer func() { _ = st.Close() }()
		data, err := server.ExportUsersYAML(st)
		if err != nil {
			slog.Error("export users", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}

	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func splitCredential(s string) (username, password string, ok bool) {
	username, password, found := strings.Cut(s, ":")
	return username, password, found && username != "" && password != ""
}
