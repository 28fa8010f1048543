// Package main provides the bot daemon entry point.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/eosbot/internal/api/rest"
	"github.com/osa030/eosbot/internal/app/coordinator"
	appprofile "github.com/osa030/eosbot/internal/app/profile"
	appschedule "github.com/osa030/eosbot/internal/app/schedule"
	"github.com/osa030/eosbot/internal/app/reaction"
	"github.com/osa030/eosbot/internal/infra/config"
	"github.com/osa030/eosbot/internal/infra/logger"
	"github.com/osa030/eosbot/internal/infra/netwatch"
	"github.com/osa030/eosbot/internal/infra/portal"
	"github.com/osa030/eosbot/internal/infra/store"
)

var (
	app        = kingpin.New("botd", "EOS portal chat bot daemon")
	configPath = app.Flag("config", "Path to config file").Default("config/bot.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()

	// check-profiles command
	checkCmd = app.Command("check-profiles", "Validate every profile's portal session and exit")

	// add-profile command
	addProfileCmd  = app.Command("add-profile", "Register a portal account")
	addProfileUser = addProfileCmd.Arg("username", "Portal username").Required().String()
	addProfilePass = addProfileCmd.Arg("password", "Portal password").Required().String()
)

func init() {
	// start command (default)
	app.Command("start", "Start the bot (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	loggerConfig := logger.Config{
		Output: "stdout",
		Level:  "info",
	}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	switch command {
	case checkCmd.FullCommand():
		err = checkProfiles(cfg)
	case addProfileCmd.FullCommand():
		err = addProfile(cfg, *addProfileUser, *addProfilePass)
	default:
		err = run(cfg)
	}
	if err != nil {
		zlog.Error().Msgf("Bot error: %v", err)
		os.Exit(1)
	}
}

// bootstrap opens the store and builds the managers with the persisted
// state restored. The caller owns the returned store.
func bootstrap(cfg *config.Config) (*store.Store, *portal.Session, *appprofile.Manager, *appschedule.Manager, error) {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	ps, err := portal.New(cfg.BaseURL())
	if err != nil {
		st.Close()
		return nil, nil, nil, nil, fmt.Errorf("failed to create portal session: %w", err)
	}

	profiles := appprofile.NewManager(ps, cfg, st)
	restored, err := st.LoadProfiles()
	if err != nil {
		st.Close()
		return nil, nil, nil, nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	profiles.Restore(restored)

	sched := appschedule.NewManager(st)
	lessons, firstWeekIndex, err := st.LoadLessons()
	if err != nil {
		st.Close()
		return nil, nil, nil, nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	sched.Restore(lessons, firstWeekIndex)

	return st, ps, profiles, sched, nil
}

// run executes the main bot loop. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	st, ps, profiles, sched, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	r, err := reaction.New(cfg.Reaction)
	if err != nil {
		return fmt.Errorf("failed to create reaction: %w", err)
	}

	coord := coordinator.New(ps, cfg, profiles, sched, r, st)
	records, err := st.LoadScheduledConnections()
	if err != nil {
		return fmt.Errorf("failed to load scheduled connections: %w", err)
	}
	coord.Restore(records)

	// Startup checks run synchronously before the owner loop starts;
	// this is the only deliberately blocking request path.
	coord.CheckProfiles()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tick := time.Duration(cfg.Bot.TickIntervalMs) * time.Millisecond
	go ps.Run(ctx, tick)

	detector := netwatch.New(cfg.Network, probeAddr(cfg), func() {
		ps.Invoke(coord.Reconnect)
	})
	go detector.Run(ctx)

	var api *rest.Server
	if cfg.Server.Addr != "" {
		api = rest.NewServer(cfg.Server.Addr, ps, profiles, coord)
		api.Start()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	zlog.Info().Msg("Received shutdown signal...")

	if api != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			zlog.Error().Msgf("Failed to shutdown api server: %v", err)
		}
	}

	cancel()
	zlog.Info().Msg("Bot stopped")
	return nil
}

// checkProfiles validates every stored profile against the portal.
func checkProfiles(cfg *config.Config) error {
	st, _, profiles, _, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	all := profiles.All()
	if len(all) == 0 {
		fmt.Println("No profiles registered")
		return nil
	}

	failures := 0
	for _, p := range all {
		if err := profiles.Check(p); err != nil {
			failures++
			fmt.Printf("  %-20s FAILED: %v\n", p.Username, err)
			continue
		}
		fmt.Printf("  %-20s OK (%s)\n", p.Username, p.FullName)
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d profiles failed the check", failures, len(all))
	}
	return nil
}

// addProfile registers a new account and verifies it with a login.
func addProfile(cfg *config.Config, username, password string) error {
	st, _, profiles, _, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := profiles.Create(username, password)
	if err != nil {
		return err
	}
	if err := profiles.Login(p); err != nil {
		return fmt.Errorf("profile stored, but login failed: %w", err)
	}
	fmt.Printf("Profile %s registered (%s)\n", p.Username, p.FullName)
	return nil
}

// probeAddr derives the reachability probe target from the portal
// config.
func probeAddr(cfg *config.Config) string {
	port := "80"
	if cfg.Portal.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(cfg.Portal.Domain, port)
}
