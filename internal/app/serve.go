package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/petervdpas/kyccall/internal/api"
	"github.com/petervdpas/kyccall/internal/config"
	"github.com/petervdpas/kyccall/internal/kyc"
	luapkg "github.com/petervdpas/kyccall/internal/lua"
	"github.com/petervdpas/kyccall/internal/meetlink"
	"github.com/petervdpas/kyccall/internal/outcome"
	"github.com/petervdpas/kyccall/internal/reconcile"
	"github.com/petervdpas/kyccall/internal/registry"
	"github.com/petervdpas/kyccall/internal/signal"
	"github.com/petervdpas/kyccall/internal/storage"
	"github.com/petervdpas/kyccall/internal/util"
)

const debugEventCapacity = 1000

// Serve runs the call registry server until ctx is done.
func Serve(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	baseDir := filepath.Dir(opt.CfgPath)
	applyLogLevel(cfg.Log.Level)
	logBanner("server", opt.CfgPath)

	// ── Storage
	db, err := storage.Open(util.ResolvePath(baseDir, cfg.Storage.DBFile))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	log.Infof("APP: database %s", db.Path())

	reg := registry.New(db)
	writer := outcome.NewWriter(db, newNotifier(cfg.Notify), seconds(cfg.Call.NotifyTimeoutSec))

	secret, err := meetLinkSecret(db, cfg.MeetLink)
	if err != nil {
		return fmt.Errorf("meeting link secret: %w", err)
	}
	links, err := meetlink.New(cfg.MeetLink.BaseURL, secret)
	if err != nil {
		return err
	}

	// ── Queue priority
	var queue kyc.Prioritizer = kyc.FIFO{}
	if cfg.Queue.PriorityScript != "" {
		p, err := luapkg.NewPrioritizer(util.ResolvePath(baseDir, cfg.Queue.PriorityScript),
			time.Duration(cfg.Queue.ScriptTimeoutMs)*time.Millisecond)
		if err != nil {
			return fmt.Errorf("priority script: %w", err)
		}
		defer p.Close()
		queue = p
	}

	// ── Background work
	events := api.NewEventLog(debugEventCapacity)
	events.Follow(ctx, reg)

	rc := reconcile.New(reg, writer, seconds(cfg.Call.HeartbeatTTLSec))
	if res, err := rc.Sweep(ctx); err != nil {
		log.Warnf("APP: startup sweep: %v", err)
	} else if res.Expired+res.Reapplied > 0 {
		log.Infof("APP: startup sweep expired %d, re-applied %d", res.Expired, res.Reapplied)
	}
	go rc.Run(ctx, seconds(cfg.Call.SweepIntervalSec))

	// ── Signaling
	if strings.EqualFold(cfg.Signal.Transport, "pubsub") {
		node, err := signal.NewPubSubNode(ctx, cfg.Signal.PubSubListen, cfg.Signal.PubSubBootstrap)
		if err != nil {
			return err
		}
		defer node.Close()
		for _, a := range node.Addrs() {
			log.Infof("APP: pubsub bootstrap address %s", a)
		}
	}

	// ── Live config
	if w, err := config.Watch(opt.CfgPath, cfg); err != nil {
		log.Warnf("APP: config changes will need a restart: %v", err)
	} else {
		defer w.Close()
		w.OnChange(func(c config.Config) { applyLogLevel(c.Log.Level) })
	}

	// ── HTTP
	handler := api.NewHandler(api.Deps{
		Registry: reg,
		Outcomes: writer,
		Queue:    queue,
		External: &kyc.ExternalReview{Registry: reg, Writer: writer, Links: links},
		Relay:    signal.NewRelay(signal.NewHub()),
		Events:   events,
	})
	ln, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.HTTPAddr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	addr := ln.Addr().String()
	log.Infof("APP: serving on %s", clientBaseURL(addr))
	if opt.OnListen != nil {
		opt.OnListen(addr)
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Infof("APP: shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		// Open change feeds keep connections active; cut them.
		_ = srv.Close()
	}
	return nil
}
