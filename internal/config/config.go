package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/kyccall/internal/util"
	"github.com/tidwall/jsonc"
)

type Config struct {
	Server   Server   `json:"server"`
	Storage  Storage  `json:"storage"`
	ICE      ICE      `json:"ice"`
	Call     Call     `json:"call"`
	Signal   Signal   `json:"signal"`
	Notify   Notify   `json:"notify"`
	MeetLink MeetLink `json:"meetlink"`
	Queue    Queue    `json:"queue"`
	Log      Log      `json:"log"`
}

type Server struct {
	HTTPAddr string `json:"http_addr"`

	// Public URL clients use to reach this server (signaling websocket and API).
	// Empty means derived from http_addr.
	PublicURL string `json:"public_url"`
}

type Storage struct {
	// SQLite database file, relative to the config directory.
	DBFile string `json:"db_file"`
}

// ICE holds the reflexive (STUN) and relay (TURN) servers handed to every
// PeerConnection. A missing TURN server is an operational risk on symmetric
// NATs; it is closed here, not in code.
type ICE struct {
	STUNURLs       []string `json:"stun_urls"`
	TURNURL        string   `json:"turn_url"`
	TURNUsername   string   `json:"turn_username"`
	TURNCredential string   `json:"turn_credential"`

	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int `json:"failed_timeout_seconds"`
	KeepAliveIntervalSec   int `json:"keepalive_interval_seconds"`

	// Gather loopback candidates. Only useful when both clients share a host.
	IncludeLoopback bool `json:"include_loopback"`
}

type Call struct {
	NegotiationTimeoutSec int `json:"negotiation_timeout_seconds"`
	HeartbeatIntervalSec  int `json:"heartbeat_interval_seconds"`
	HeartbeatTTLSec       int `json:"heartbeat_ttl_seconds"`
	SweepIntervalSec      int `json:"sweep_interval_seconds"`
	NotifyTimeoutSec      int `json:"notify_timeout_seconds"`
}

type Signal struct {
	// "websocket" (relay hosted by the server) or "pubsub" (libp2p gossipsub).
	Transport string `json:"transport"`

	// libp2p listen multiaddr and bootstrap peers (pubsub transport only).
	PubSubListen    string   `json:"pubsub_listen"`
	PubSubBootstrap []string `json:"pubsub_bootstrap"`
}

type Notify struct {
	// Base URL of the standalone email service. Empty = log-only notifications.
	EmailURL string `json:"email_url"`
	Sender   string `json:"sender"`
}

type MeetLink struct {
	BaseURL string `json:"base_url"`
	Secret  string `json:"secret"`
}

type Queue struct {
	// Optional Lua script defining priority(req). Relative to the config directory.
	PriorityScript string `json:"priority_script"`
	ScriptTimeoutMs int   `json:"script_timeout_ms"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Server: Server{
			HTTPAddr: "127.0.0.1:8790",
		},
		Storage: Storage{
			DBFile: "data/kyccall.db",
		},
		ICE: ICE{
			STUNURLs:               []string{"stun:stun.l.google.com:19302"},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       60,
			KeepAliveIntervalSec:   2,
		},
		Call: Call{
			NegotiationTimeoutSec: 45,
			HeartbeatIntervalSec:  15,
			HeartbeatTTLSec:       60,
			SweepIntervalSec:      10,
			NotifyTimeoutSec:      5,
		},
		Signal: Signal{
			Transport:    "websocket",
			PubSubListen: "/ip4/0.0.0.0/tcp/0",
		},
		MeetLink: MeetLink{
			BaseURL: "https://meet.example.org",
		},
		Queue: Queue{
			ScriptTimeoutMs: 50,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Server
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.HTTPAddr); err != nil {
		return fmt.Errorf("server.http_addr: %w", err)
	}
	if pu := strings.TrimSpace(c.Server.PublicURL); pu != "" {
		if err := validateHTTPURL(pu); err != nil {
			return fmt.Errorf("server.public_url: %w", err)
		}
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBFile) == "" {
		return errors.New("storage.db_file is required")
	}

	// ICE
	if len(c.ICE.STUNURLs) == 0 {
		return errors.New("ice.stun_urls needs at least one reflexive-address server")
	}
	for _, u := range c.ICE.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("ice.stun_urls: %q is not a stun: URL", u)
		}
	}
	if t := strings.TrimSpace(c.ICE.TURNURL); t != "" {
		if !strings.HasPrefix(t, "turn:") && !strings.HasPrefix(t, "turns:") {
			return fmt.Errorf("ice.turn_url: %q is not a turn: URL", t)
		}
		if c.ICE.TURNUsername == "" || c.ICE.TURNCredential == "" {
			return errors.New("ice.turn_url requires turn_username and turn_credential")
		}
	}
	if c.ICE.DisconnectedTimeoutSec <= 0 || c.ICE.FailedTimeoutSec <= 0 || c.ICE.KeepAliveIntervalSec <= 0 {
		return errors.New("ice timeouts must be > 0")
	}
	if c.ICE.FailedTimeoutSec < c.ICE.DisconnectedTimeoutSec {
		return errors.New("ice.failed_timeout_seconds must be >= disconnected_timeout_seconds")
	}

	// Call
	if c.Call.NegotiationTimeoutSec <= 0 {
		return errors.New("call.negotiation_timeout_seconds must be > 0")
	}
	if c.Call.HeartbeatIntervalSec <= 0 {
		return errors.New("call.heartbeat_interval_seconds must be > 0")
	}
	if c.Call.HeartbeatTTLSec <= 0 {
		return errors.New("call.heartbeat_ttl_seconds must be > 0")
	}
	if c.Call.HeartbeatIntervalSec >= c.Call.HeartbeatTTLSec {
		return errors.New("call.heartbeat_interval_seconds must be < call.heartbeat_ttl_seconds")
	}
	if c.Call.SweepIntervalSec <= 0 {
		return errors.New("call.sweep_interval_seconds must be > 0")
	}
	if c.Call.NotifyTimeoutSec <= 0 {
		return errors.New("call.notify_timeout_seconds must be > 0")
	}

	// Signal
	switch c.Signal.Transport {
	case "websocket":
	case "pubsub":
		if strings.TrimSpace(c.Signal.PubSubListen) == "" {
			return errors.New("signal.pubsub_listen is required for the pubsub transport")
		}
	default:
		return fmt.Errorf("signal.transport must be websocket or pubsub, got %q", c.Signal.Transport)
	}

	// Notify
	if e := strings.TrimSpace(c.Notify.EmailURL); e != "" {
		if err := validateHTTPURL(e); err != nil {
			return fmt.Errorf("notify.email_url: %w", err)
		}
	}

	// Meeting links
	if err := validateHTTPURL(c.MeetLink.BaseURL); err != nil {
		return fmt.Errorf("meetlink.base_url: %w", err)
	}

	// Queue
	if c.Queue.ScriptTimeoutMs < 1 || c.Queue.ScriptTimeoutMs > 5000 {
		return errors.New("queue.script_timeout_ms must be 1..5000")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug|info|warn|error, got %q", c.Log.Level)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return parse(b)
}

func parse(b []byte) (Config, error) {
	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(jsonc.ToJSON(b), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
