package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asheshgoplani/termlink/internal/config"
	"github.com/asheshgoplani/termlink/internal/logging"
)

const Version = "0.3.1"

// init sets up color profile for consistent terminal colors across environments
func init() {
	initColorProfile()
}

// initColorProfile configures lipgloss color profile based on terminal capabilities.
// Prefers TrueColor for best visuals, falls back to ANSI256 for compatibility.
func initColorProfile() {
	// Allow user override via environment variable
	// TERMLINK_COLOR: truecolor, 256, 16, none
	if colorEnv := os.Getenv("TERMLINK_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	term := os.Getenv("TERM")
	trueColorTerms := []string{
		"xterm-256color",
		"screen-256color",
		"tmux-256color",
		"xterm-direct",
		"alacritty",
		"kitty",
		"wezterm",
	}
	for _, t := range trueColorTerms {
		if strings.Contains(term, t) || term == t {
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		}
	}

	// Fallback: ANSI256 works in SSH, basic terminals, and older emulators
	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	args := os.Args[1:]

	if len(args) > 0 {
		switch args[0] {
		case "version", "--version", "-v":
			fmt.Printf("termlink v%s\n", Version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		case "host":
			runHost(args[1:])
			return
		case "connect":
			runConnect(args[1:])
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
			printHelp()
			os.Exit(1)
		}
	}

	runConnect(nil)
}

func printHelp() {
	fmt.Println("termlink - session-continuity terminal client")
	fmt.Println()
	fmt.Println("Usage: termlink [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  connect     Connect to the configured PTY host (default)")
	fmt.Println("  host        Run a local development PTY host")
	fmt.Println("  version     Print the version")
	fmt.Println("  help        Show this help")
	fmt.Println()
	fmt.Println("Keys while connected:")
	fmt.Println("  Ctrl+]      Cancel retries / start a fresh session")
	fmt.Println("  Ctrl+T      Open the secondary pane")
	fmt.Println("  Ctrl+O      Switch input focus between panes")
	fmt.Println("  Ctrl+W      Close the focused pane")
	fmt.Println("  Ctrl+Q      Quit")
	fmt.Println()
	fmt.Printf("Config: %s\n", config.Path())
	fmt.Println("Credentials come from the environment variables named by")
	fmt.Println("api_key_env and access_token_env in the config file.")
}

// setupLogging initializes the debug log under the termlink directory and
// returns a teardown function. Logging is silent unless TERMLINK_DEBUG is
// set or the config enables it.
func setupLogging(cfg *config.Config) func() {
	debugMode := os.Getenv("TERMLINK_DEBUG") != "" || cfg.Logs.Debug

	logCfg := logging.Config{
		Debug:      debugMode,
		Level:      cfg.Logs.Level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   true,
	}
	if debugMode {
		logCfg.LogDir = config.Dir()
	}
	logging.Init(logCfg)

	// SIGUSR1 dumps the ring buffer for post-mortem debugging.
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			dumpPath := filepath.Join(config.Dir(),
				fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			_ = logging.DumpRingBuffer(dumpPath)
		}
	}()

	return logging.Shutdown
}

// loadConfig ensures the config file exists and loads it.
func loadConfig() *config.Config {
	if err := config.WriteDefault(config.Path()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not write default config: %v\n", err)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
