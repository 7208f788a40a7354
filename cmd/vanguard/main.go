// Vanguard is an API gateway: it terminates browser sessions, enforces
// authorization policy and rate limits, and forwards traffic to backend
// services with retries, circuit breaking, and bulkhead isolation.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	gateway "github.com/openvanguard/vanguard/internal"
)

var version = "dev"

// Exit codes are part of the operational contract: supervisors restart on 2
// and 3 but treat 1 (bad config) as permanent.
const (
	exitConfig   = 1
	exitListener = 2
	exitCache    = 3
)

func main() {
	configPath := flag.String("config", "configs/vanguard.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("vanguard", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, gateway.ErrConfigInvalid):
		return exitConfig
	case errors.Is(err, errListen):
		return exitListener
	case errors.Is(err, gateway.ErrCacheUnavailable):
		return exitCache
	default:
		return 1
	}
}
