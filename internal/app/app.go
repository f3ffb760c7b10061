// Package app wires the kyccall processes: the server that owns the call
// registry, and the applicant and reviewer clients that run calls against it.
package app

import (
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/kyccall/internal/config"
)

var log = logging.Logger("app")

// Subsystem loggers whose level follows log.level in the config file.
var subsystems = []string{
	"app", "api", "call", "config", "kyc", "lua", "notify",
	"outcome", "reconcile", "registry", "signal",
}

type Options struct {
	CfgPath string
	Cfg     config.Config

	// ServerURL overrides the server address clients connect to.
	ServerURL string
	// OnListen is called with the bound address once the server accepts
	// connections.
	OnListen func(addr string)
}

func applyLogLevel(level string) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	for _, name := range subsystems {
		if err := logging.SetLogLevel(name, level); err != nil {
			log.Warnf("APP: log level %q for %s: %v", level, name, err)
			return
		}
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
