// Package lua runs reviewer queue priority scripts. A script defines
// priority(req) returning a number; waiting requests are shown highest
// first, ties oldest first. Scripts are reloaded when the file changes.
package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/petervdpas/kyccall/internal/registry"
)

var log = logging.Logger("lua")

const entryPoint = "priority"

// Prioritizer orders the reviewer queue with a priority script. Without a
// loaded script the input order is kept.
type Prioritizer struct {
	path    string
	timeout time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	proto *lua.FunctionProto

	watcher *fsnotify.Watcher
	closed  chan struct{}
	done    chan struct{}
}

// NewPrioritizer loads the script at path, if it exists, and watches it for
// changes. A script that fails to compile is logged and ignored.
func NewPrioritizer(path string, timeout time.Duration) (*Prioritizer, error) {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch script dir: %w", err)
	}

	p := &Prioritizer{
		path:    abs,
		timeout: timeout,
		now:     time.Now,
		watcher: watcher,
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := p.compile(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("LUA: %s: %v", abs, err)
	}
	go p.watchLoop()
	return p, nil
}

// Loaded reports whether a script is currently in effect.
func (p *Prioritizer) Loaded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.proto != nil
}

func (p *Prioritizer) compile() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	name := filepath.Base(p.path)
	chunk, err := parse.Parse(strings.NewReader(string(data)), name)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	p.mu.Lock()
	p.proto = proto
	p.mu.Unlock()
	log.Infof("LUA: compiled priority script %s", name)
	return nil
}

func (p *Prioritizer) watchLoop() {
	defer close(p.done)
	for {
		select {
		case <-p.closed:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != p.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if err := p.compile(); err != nil {
					log.Warnf("LUA: hot reload failed for %s: %v", p.path, err)
				}
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				p.mu.Lock()
				p.proto = nil
				p.mu.Unlock()
				log.Infof("LUA: priority script removed, queue is oldest first")
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("LUA: watcher error: %v", err)
		}
	}
}

// Order returns reqs sorted by script priority. reqs must be oldest first.
// A script that fails or runs out of time leaves the order unchanged.
func (p *Prioritizer) Order(reqs []registry.CallRequest) []registry.CallRequest {
	out := append([]registry.CallRequest(nil), reqs...)
	p.mu.RLock()
	proto := p.proto
	p.mu.RUnlock()
	if proto == nil || len(out) < 2 {
		return out
	}

	scores, err := p.score(proto, out)
	if err != nil {
		log.Warnf("LUA: priority script: %v", err)
		return out
	}
	idx := make([]int, len(out))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
	sorted := make([]registry.CallRequest, len(out))
	for i, j := range idx {
		sorted[i] = out[j]
	}
	return sorted
}

func (p *Prioritizer) score(proto *lua.FunctionProto, reqs []registry.CallRequest) ([]float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	L := newSandboxedVM()
	defer L.Close()
	L.SetContext(ctx)

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}
	fn, ok := L.GetGlobal(entryPoint).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("script has no %s() function", entryPoint)
	}

	now := p.now()
	scores := make([]float64, len(reqs))
	for i, r := range reqs {
		err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, requestToLua(L, r, now))
		if ctx.Err() != nil {
			return nil, errors.New("script timed out")
		}
		if err != nil {
			log.Debugf("LUA: priority(%s): %v", r.ID, err)
			continue
		}
		ret := L.Get(-1)
		L.Pop(1)
		if n, ok := ret.(lua.LNumber); ok {
			scores[i] = float64(n)
		}
	}
	return scores, nil
}

// Close stops watching the script.
func (p *Prioritizer) Close() error {
	close(p.closed)
	err := p.watcher.Close()
	<-p.done
	return err
}
