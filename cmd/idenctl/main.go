// ABOUTME: Entry point for idenctl, a command line front end to the identity engine
// ABOUTME: Creates and loads identities, requests claims, proves credentials and inspects tickets

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
)

// version is set at build time.
var version = "dev"

// getConfigPath returns the path to the engine config file.
// Priority: IDENMOBILE_CONFIG env var > XDG_CONFIG_HOME/idenmobile/config.yaml > ~/.config/idenmobile/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("IDENMOBILE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "idenmobile", "config.yaml")
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{"create", "create --alias NAME            Create a new identity", runCreate},
	{"info", "info --alias NAME              Show identity id and public key", runInfo},
	{"request", "request --alias NAME DATA      Request a claim from the issuer", runRequest},
	{"prove", "prove --alias NAME [--zk] ID   Prove a credential to the verifier", runProve},
	{"claims", "claims --alias NAME            List stored claims", runClaims},
	{"credentials", "credentials --alias NAME       List stored credentials", runCredentials},
	{"tickets", "tickets --alias NAME           List tickets", runTickets},
	{"events", "events --alias NAME            List the event log", runEvents},
	{"cancel", "cancel --alias NAME TICKET     Cancel a pending ticket", runCancel},
}

func main() {
	if len(os.Args) < 2 || os.Args[1] == "help" || os.Args[1] == "--help" || os.Args[1] == "-h" {
		printUsage()
		if len(os.Args) < 2 {
			os.Exit(1)
		}
		return
	}
	if os.Args[1] == "version" || os.Args[1] == "--version" {
		fmt.Println(version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, c := range commands {
		if c.name != os.Args[1] {
			continue
		}
		err := c.run(ctx, os.Args[2:])
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		if err != nil {
			color.Red("Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
	printUsage()
	os.Exit(1)
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Println("idenctl - mobile identity engine")
	fmt.Println()
	yellow.Println("Usage:")
	fmt.Println("  idenctl <command> [flags]")
	fmt.Println()
	yellow.Println("Commands:")
	for _, c := range commands {
		fmt.Printf("  %s\n", c.usage)
	}
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  IDENMOBILE_CONFIG     Config file path")
	fmt.Println("  IDENMOBILE_PASSWORD   Identity password (prompted when unset)")
}
