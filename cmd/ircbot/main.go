package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/okzk/sdnotify"

	"github.com/dalnet/ircbot/internal/config"
	"github.com/dalnet/ircbot/internal/irc"
	"github.com/dalnet/ircbot/internal/logger"
	"github.com/dalnet/ircbot/internal/storage"
)

// Version information - set at build time via ldflags
var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

// daemonEnv marks the detached child so it does not fork again.
const daemonEnv = "IRCBOT_DAEMON"

const pidFile = "pid.txt"

const usage = `ircbot.
Usage:
	ircbot [-c <file>] [-x]
	ircbot -h | --help
	ircbot --version
Options:
	-c <file>   Configuration file to use [default: ./config.yaml].
	-x          Run in foreground (don't daemonize).
	-h --help   Show this screen.
	--version   Show version.`

func main() {
	// Set version info in irc package
	irc.Version = version
	irc.BuildDate = buildDate
	irc.GitCommit = gitCommit

	versionString := fmt.Sprintf("ircbot version %s\nBuilt: %s\nCommit: %s", version, buildDate, gitCommit)
	arguments, _ := docopt.ParseArgs(usage, nil, versionString)

	configPath := arguments["-c"].(string)
	foreground := arguments["-x"].(bool)

	// Make config path absolute
	if !filepath.IsAbs(configPath) {
		wd, _ := os.Getwd()
		configPath = filepath.Join(wd, configPath)
	}

	// Daemonize unless -x flag is set
	if !foreground && os.Getenv(daemonEnv) != "1" {
		if err := daemonize(); err != nil {
			log.Fatalf("Failed to fork: %v", err)
		}
		return
	}

	os.Exit(run(configPath))
}

// daemonize starts a detached copy of ourselves and returns.
func daemonize() error {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	fmt.Printf("Now becoming a daemon\nMy pid is %d, this will be written to %s in the data directory\n", cmd.Process.Pid, pidFile)
	return cmd.Process.Release()
}

func writePIDFile(dataDir string) error {
	pid := os.Getpid()
	return os.WriteFile(storage.Path(dataDir, pidFile), []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

// run loads the configuration and runs the bot until a signal arrives. The
// result is the process exit code.
func run(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Config file did not load successfully:", err.Error())
		return 1
	}

	logman, err := logger.NewManager(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Logger did not load successfully:", err.Error())
		return 1
	}
	defer logman.Close()

	rt, err := irc.New(cfg, logman)
	if err != nil {
		logman.Error("server", "Could not start:", err.Error())
		return 1
	}

	if err := writePIDFile(cfg.DataDir); err != nil {
		logman.Warning("server", "Could not write PID file:", err.Error())
	}
	defer os.Remove(storage.Path(cfg.DataDir, pidFile))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logman.Info("server", "Received shutdown signal")
		sdnotify.Stopping()
	}()

	logman.Info("server", fmt.Sprintf("ircbot %s starting", version))
	sdnotify.Ready()

	if err := rt.Run(ctx); err != nil {
		logman.Error("server", "Shutdown did not complete cleanly:", err.Error())
		return 1
	}
	logman.Info("server", "Shut down")
	return 0
}
