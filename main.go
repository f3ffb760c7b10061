// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/petervdpas/kyccall/internal/app"
	"github.com/petervdpas/kyccall/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "version", "--version", "-v":
		fmt.Printf("kyccall v%s\n", appVersion)
		return
	case "help", "--help", "-h":
		showUsage()
		return
	}

	fs := pflag.NewFlagSet(command, pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", "kyccall.json", "config file (created with defaults when missing)")
	id := fs.String("id", "", "applicant or reviewer id")
	server := fs.String("server", "", "server URL (default: server.public_url or server.http_addr)")
	auto := fs.String("auto", "", "reviewer: accept the first request and approve or reject it")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}

	absCfg, err := filepath.Abs(*cfgPath)
	if err != nil {
		log.Fatalf("Invalid config path: %v", err)
	}

	var cfg config.Config
	if command == "serve" {
		var created bool
		cfg, created, err = config.Ensure(absCfg)
		if created {
			log.Printf("Created default config %s", absCfg)
		}
	} else {
		cfg, err = config.Load(absCfg)
		if errors.Is(err, os.ErrNotExist) {
			cfg, err = config.Default(), nil
		}
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	opt := app.Options{CfgPath: absCfg, Cfg: cfg, ServerURL: *server}

	switch command {
	case "serve":
		err = app.Serve(ctx, opt)
	case "applicant":
		err = app.RunApplicant(ctx, opt, requireID(*id, command))
	case "reviewer":
		err = app.RunReviewer(ctx, opt, requireID(*id, command), *auto)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

func requireID(id, command string) string {
	if id == "" {
		fmt.Fprintf(os.Stderr, "Error: %s requires --id\n", command)
		os.Exit(1)
	}
	return id
}

func showUsage() {
	fmt.Println("kyccall - live video verification calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  kyccall serve     [--config file]")
	fmt.Println("  kyccall applicant --id <applicant> [--config file] [--server url]")
	fmt.Println("  kyccall reviewer  --id <reviewer> [--config file] [--server url] [--auto approve|reject]")
	fmt.Println("  kyccall version")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve")
	fmt.Println("        Run the call registry, the signaling relay and the HTTP API")
	fmt.Println()
	fmt.Println("  applicant")
	fmt.Println("        Request a verification call and wait for a reviewer")
	fmt.Println()
	fmt.Println("  reviewer")
	fmt.Println("        Browse the waiting queue and run calls from a console")
	fmt.Println()
	fmt.Println("Build with -tags camera on Linux to capture the real camera and microphone.")
}
