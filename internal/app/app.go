package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"netguard/internal/app/bootstrap"
	"netguard/internal/app/server"
	"netguard/internal/app/version"
	"netguard/internal/config"
	"netguard/internal/support"
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	portFlag := flag.Int("port", 0, "Port for the API server (overrides settings)")
	productionFlag := flag.Bool("production", false, "Run in production mode")
	settingsFlag := flag.String("settings", support.GetEnv("SETTINGS_FILE", ""), "Path to a settings JSON file")
	rulesFlag := flag.String("rules", support.GetEnv("RULES_FILE", ""), "Path to a rule tables JSON file")
	flag.Parse()

	config.SetProductionMode(*productionFlag)
	log.SetLevel(resolveLogLevel(os.Getenv("LOG_LEVEL"), *productionFlag))
	log.Info("Starting netguard", "version", version.BuildVersion(), "production", *productionFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Setup(ctx, bootstrap.Options{
		SettingsPath: *settingsFlag,
		RulesPath:    *rulesFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer rt.Close()

	srv := server.New(server.Deps{
		Guard:         rt.Guard,
		Broadcaster:   rt.Broadcaster,
		Hub:           rt.Hub,
		BatchMaxItems: rt.Settings.Analysis.BatchMaxItems,
		Instances:     rt.Instances(),
	})

	port := resolvePort("NETGUARD_PORT", *portFlag, rt.Settings.Server.Port)
	return server.OpenRoutes(ctx, port, srv.Routes(),
		rt.Settings.Server.ReadTimeout.Std(), rt.Settings.Server.WriteTimeout.Std())
}

// resolvePort prefers the explicit flag, then envKey, then the settings value.
func resolvePort(envKey string, flagValue, fallback int) int {
	if flagValue > 0 {
		return flagValue
	}
	if port := readPort(envKey); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}

func resolveLogLevel(raw string, production bool) log.Level {
	if raw = strings.TrimSpace(raw); raw != "" {
		level, err := log.ParseLevel(strings.ToLower(raw))
		if err == nil {
			return level
		}
		log.Warn("invalid LOG_LEVEL, using default", "value", raw)
	}
	if production {
		return log.InfoLevel
	}
	return log.DebugLevel
}
