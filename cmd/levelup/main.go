package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/levelup-chat/levelup/internal/client"
	"github.com/levelup-chat/levelup/internal/identity"
	"github.com/levelup-chat/levelup/internal/tui"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	gatewayURL := flag.String("gateway", "", "Gateway address (overrides config)")
	token := flag.String("token", "", "Session token (overrides config)")
	logPath := flag.String("log", "", "Write structured logs to this file")
	flag.Parse()

	if err := run(*configPath, *gatewayURL, *token, *logPath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath, gatewayURL, token, logPath string) error {
	config := client.DefaultConfig()
	if configPath == "" {
		for _, path := range []string{"./levelup.toml", os.ExpandEnv("$HOME/.config/levelup/client.toml")} {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}
	if configPath != "" {
		loaded, err := client.LoadConfig(configPath)
		if err != nil {
			return err
		}
		config = loaded
	}
	if gatewayURL != "" {
		config.Gateway.URL = gatewayURL
	}
	if token != "" {
		config.Gateway.Token = token
	}
	if config.Gateway.Token == "" {
		return fmt.Errorf("no session token: pass -token or set gateway.token in the config file")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if logPath != "" {
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer logFile.Close()
		logger = slog.New(slog.NewTextHandler(logFile, nil))
	}

	id, err := identity.FromToken(config.Gateway.Token)
	if err != nil {
		return fmt.Errorf("invalid session token: %w", err)
	}

	manager, err := client.NewManager(client.ManagerConfig{
		GatewayURL: config.Gateway.URL,
		Transport:  &client.WebsocketTransport{HandshakeTimeout: config.Gateway.HandshakeTimeout()},
		Strategy:   config.Reconnect.Strategy(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	history, err := client.NewHistoryClient(client.HistoryClientConfig{
		BaseURL:  config.Services.HistoryURL,
		Token:    config.Gateway.Token,
		Language: config.Language,
	})
	if err != nil {
		return err
	}
	membership, err := client.NewMembershipClient(client.MembershipClientConfig{
		BaseURL: config.Services.MembershipURL,
		Token:   config.Gateway.Token,
	})
	if err != nil {
		return err
	}

	gate := client.NewGatekeeper(manager, membership, logger)
	defer gate.Close()

	sync, err := client.NewSynchronizer(client.SynchronizerConfig{
		Manager:  manager,
		History:  history,
		Gate:     gate,
		PageSize: config.PageSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer sync.Close()

	aiCfg := config.AI
	if config.Services.AIConfigURL != "" {
		aiClient, err := client.NewAIConfigClient(client.AIConfigClientConfig{
			BaseURL: config.Services.AIConfigURL,
			Token:   config.Gateway.Token,
		})
		if err == nil {
			if fetched, err := aiClient.Fetch(context.Background()); err == nil {
				aiCfg = fetched
			} else {
				logger.Warn("ai config fetch failed, using local defaults", "error", err)
			}
		}
	}

	ai := client.NewAIChat(manager, aiCfg, logger)
	defer ai.Close()

	presence := client.NewPresence(manager, logger)
	defer presence.Close()

	app := tui.NewApp(tui.Deps{
		Manager:  manager,
		Gate:     gate,
		Sync:     sync,
		AI:       ai,
		Presence: presence,
		Logger:   logger,
	})

	if err := manager.Connect(context.Background(), id); err != nil {
		return err
	}
	defer manager.Disconnect()

	p := tea.NewProgram(app, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run program: %w", err)
	}
	return nil
}
