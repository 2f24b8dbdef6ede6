// main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"p4vault/internal/config"
	"p4vault/internal/logging"
	"p4vault/internal/websocket"
)

var (
	vaultFlag    string
	configFlag   string
	addrFlag     string
	authKeyFlag  string
	logLevelFlag string
)

func init() {
	flag.StringVar(&vaultFlag, "vault", "", "vault root directory (default: settings file, then cwd)")
	flag.StringVar(&configFlag, "config", "", "settings file to use instead of ~/.p4vault/settings.yaml")
	flag.StringVar(&addrFlag, "addr", "", "websocket listen address (default 127.0.0.1:0)")
	flag.StringVar(&authKeyFlag, "auth-key", "", "key clients must present in the X-Auth-Key header")
	flag.StringVar(&logLevelFlag, "log-level", "", "log level: trace, debug, info, warn, error")
	flag.Usage = usage
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: p4vault [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Perforce bridge daemon for a vault editor. The frontend connects over\n")
	fmt.Fprintf(os.Stderr, "a localhost WebSocket; the chosen port is announced on stdout as\n")
	fmt.Fprintf(os.Stderr, "WS_PORT:<port>.\n\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Parse()

	var cfg *config.Config
	var err error
	if configFlag != "" {
		cfg, err = config.LoadAt(configFlag)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags override the settings file.
	if vaultFlag != "" {
		cfg.Settings.VaultRoot = vaultFlag
	}
	if addrFlag != "" {
		cfg.Settings.Listen = addrFlag
	}
	if authKeyFlag != "" {
		cfg.Settings.AuthKey = authKeyFlag
	}
	if logLevelFlag != "" {
		cfg.Settings.LogLevel = logLevelFlag
	}

	logging.Setup(cfg.Settings.LogLevel, cfg.LogDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := NewApp(cfg)
	if err := app.Startup(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	wsServer := websocket.NewServer(app, app.PromptCenter(), cfg.Settings.Listen, cfg.Settings.AuthKey)
	app.SetEventHubBroadcaster(wsServer)
	app.PromptCenter().SetSender(wsServer)

	if _, err := wsServer.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start WebSocket server: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	wsServer.Stop(ctx)
	app.Shutdown(ctx)
}
