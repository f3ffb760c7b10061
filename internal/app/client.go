package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/petervdpas/kyccall/internal/api"
	"github.com/petervdpas/kyccall/internal/call"
	"github.com/petervdpas/kyccall/internal/config"
	"github.com/petervdpas/kyccall/internal/kyc"
	luapkg "github.com/petervdpas/kyccall/internal/lua"
	"github.com/petervdpas/kyccall/internal/registry"
	"github.com/petervdpas/kyccall/internal/signal"
	"github.com/petervdpas/kyccall/internal/util"
)

// clientEnv is what both client roles need: the registry over HTTP, a
// signaling transport, a media device and live ICE settings.
type clientEnv struct {
	reg     *api.Client
	channel signal.Channel
	device  *call.Device
	ice     func() call.ICEConfig
	closers []func() error
}

func serverURL(opt Options) string {
	switch {
	case opt.ServerURL != "":
		return util.NormalizeURL(opt.ServerURL)
	case opt.Cfg.Server.PublicURL != "":
		return util.NormalizeURL(opt.Cfg.Server.PublicURL)
	}
	return clientBaseURL(opt.Cfg.Server.HTTPAddr)
}

func newClientEnv(ctx context.Context, opt Options, label string) (*clientEnv, error) {
	cfg := opt.Cfg
	base := serverURL(opt)
	env := &clientEnv{reg: api.NewClient(base)}

	if strings.EqualFold(cfg.Signal.Transport, "pubsub") {
		node, err := signal.NewPubSubNode(ctx, cfg.Signal.PubSubListen, cfg.Signal.PubSubBootstrap)
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, node.Close)
		env.channel = signal.NewPubSubChannel(node)
		log.Infof("APP: signaling over pubsub (%d bootstrap peers)", len(cfg.Signal.PubSubBootstrap))
	} else {
		env.channel = signal.NewWSChannel(base)
		log.Infof("APP: signaling over %s%s", base, signal.RelayPath)
	}

	src, err := mediaSource(label)
	if err != nil {
		env.close()
		return nil, fmt.Errorf("%w: %v", kyc.ErrMediaAcquisition, err)
	}
	env.device = call.NewDevice(src)
	log.Infof("APP: media source %s", src.Name())

	static := call.ICEConfigFrom(cfg.ICE)
	env.ice = func() call.ICEConfig { return static }
	if opt.CfgPath != "" {
		w, err := config.Watch(opt.CfgPath, cfg)
		if err != nil {
			log.Warnf("APP: ICE settings will not reload: %v", err)
		} else {
			env.closers = append(env.closers, w.Close)
			env.ice = func() call.ICEConfig { return call.ICEConfigFrom(w.Current().ICE) }
			w.OnChange(func(c config.Config) { applyLogLevel(c.Log.Level) })
		}
	}
	return env, nil
}

func (e *clientEnv) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

// runLoop starts a controller loop and returns a stop func that cancels it
// and waits for it to exit.
func runLoop(ctx context.Context, run func(context.Context) error) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// RunApplicant requests a verification call and blocks until it ends.
func RunApplicant(ctx context.Context, opt Options, applicantID string) error {
	applyLogLevel(opt.Cfg.Log.Level)
	logBanner("applicant", opt.CfgPath)

	env, err := newClientEnv(ctx, opt, "applicant")
	if err != nil {
		return err
	}
	defer env.close()

	a, err := kyc.NewApplicant(kyc.ApplicantConfig{
		ApplicantID:        applicantID,
		Registry:           env.reg,
		Signal:             env.channel,
		Device:             env.device,
		ICE:                env.ice,
		NegotiationTimeout: seconds(opt.Cfg.Call.NegotiationTimeoutSec),
		HeartbeatInterval:  seconds(opt.Cfg.Call.HeartbeatIntervalSec),
	})
	if err != nil {
		return err
	}
	stop := runLoop(ctx, a.Run)
	defer stop()

	req, err := a.RequestCall(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Call request %s is waiting for a reviewer. Press Ctrl+C to cancel.\n", req.ID)

	if err := a.WaitState(ctx, kyc.ApplicantEnded); err != nil {
		return nil
	}
	final, _ := a.Request()
	if final.Outcome == "" {
		fmt.Printf("Call ended without a verdict (%s).\n", final.EndReason)
		return nil
	}
	fmt.Printf("Call %s: %s\n", final.ID, final.Outcome)
	if rec, err := env.reg.Verification(ctx, final.ApplicantID); err == nil {
		fmt.Printf("Verification status: %s\n", rec.Status)
	}
	return nil
}

func (opt Options) prioritizer() (kyc.Prioritizer, func() error, error) {
	if opt.Cfg.Queue.PriorityScript == "" {
		return kyc.FIFO{}, func() error { return nil }, nil
	}
	path := util.ResolvePath(filepath.Dir(opt.CfgPath), opt.Cfg.Queue.PriorityScript)
	p, err := luapkg.NewPrioritizer(path, time.Duration(opt.Cfg.Queue.ScriptTimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

// RunReviewer browses the queue as reviewerID. With auto set to "approve"
// or "reject" it takes the first waiting request, decides it once the call
// connects and returns. Otherwise it runs an interactive console.
func RunReviewer(ctx context.Context, opt Options, reviewerID, auto string) error {
	var verdict registry.Outcome
	if auto != "" {
		var ok bool
		if verdict, ok = parseVerdict(auto); !ok {
			return fmt.Errorf("auto verdict must be approve or reject, got %q", auto)
		}
	}
	applyLogLevel(opt.Cfg.Log.Level)
	logBanner("reviewer", opt.CfgPath)

	env, err := newClientEnv(ctx, opt, "reviewer")
	if err != nil {
		return err
	}
	defer env.close()

	queue, closeQueue, err := opt.prioritizer()
	if err != nil {
		return fmt.Errorf("priority script: %w", err)
	}
	defer closeQueue()

	r, err := kyc.NewReviewer(kyc.ReviewerConfig{
		ReviewerID:         reviewerID,
		Registry:           env.reg,
		Signal:             env.channel,
		Device:             env.device,
		Writer:             env.reg,
		Prioritizer:        queue,
		ICE:                env.ice,
		NegotiationTimeout: seconds(opt.Cfg.Call.NegotiationTimeoutSec),
	})
	if err != nil {
		return err
	}
	stop := runLoop(ctx, r.Run)
	defer stop()

	if verdict == "" {
		return newConsole(stdinLines(ctx), os.Stdout, r).run(ctx)
	}
	return autoReview(ctx, r, verdict)
}

// autoReview accepts waiting requests until it wins one, then decides it.
func autoReview(ctx context.Context, r *kyc.Reviewer, verdict registry.Outcome) error {
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
		if r.State() == kyc.ReviewerConnected {
			rec, err := r.Decide(ctx, verdict, "automatic review")
			if err != nil {
				return err
			}
			fmt.Printf("Applicant %s is now %s.\n", rec.ApplicantID, rec.Status)
			return nil
		}
		if _, active := r.Active(); active && r.State() != kyc.ReviewerEnded {
			continue
		}
		q := r.Queue()
		if len(q) == 0 {
			continue
		}
		won, err := r.Accept(ctx, q[0].ID)
		switch {
		case errors.Is(err, kyc.ErrBusy):
		case err != nil:
			return err
		case won:
			fmt.Printf("Accepted call %s from %s.\n", q[0].ID, q[0].ApplicantID)
		}
	}
}
