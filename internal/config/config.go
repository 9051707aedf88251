package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the calling engine configuration
type Config struct {
	// HTTP control surface
	HTTPPort int
	BindAddr string
	LogLevel string
	NodeID   string

	// Provider API
	GraphAPIBaseURL string
	VerifyToken     string
	DefaultRegion   string // ISO region used when normalizing national numbers

	// Audio assets
	AudioDir      string
	HoldMusicFile string
	RecordingDir  string

	// Persistence
	DatabaseDSN string // SQL Server DSN; empty selects the in-memory store
	FlowsPath   string // JSON flow definitions loaded into the in-memory store

	// WebRTC transport
	ICEServers    []string
	ICEUsername   string
	ICECredential string
	ForceRelay    bool
	UDPPortMin    uint16
	UDPPortMax    uint16
	NAT1To1IP     string

	// Timeouts
	GatherTimeout     time.Duration
	ConnectTimeout    time.Duration
	AnswerWaitTimeout time.Duration // outgoing: wait for async SDP answer webhook
	AgentTrackTimeout time.Duration // transfer claim: wait for agent audio
	TransferTimeout   time.Duration // unclaimed transfer -> no_answer

	// Media
	DTMFBufferSize int
}

// Load loads configuration from a .env file (if present), command line flags
// and environment variables. Environment variables win over flags.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		GatherTimeout:     3 * time.Second,
		ConnectTimeout:    10 * time.Second,
		AnswerWaitTimeout: 15 * time.Second,
		AgentTrackTimeout: 10 * time.Second,
		TransferTimeout:   60 * time.Second,
		DTMFBufferSize:    16,
	}

	flag.IntVar(&cfg.HTTPPort, "port", 8080, "HTTP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "HTTP bind address")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.NodeID, "node", "callengine-0", "Node identifier used in emitted events")
	flag.StringVar(&cfg.GraphAPIBaseURL, "graph-api", "https://graph.facebook.com/v18.0", "Call provider API base URL")
	flag.StringVar(&cfg.VerifyToken, "verify-token", "", "Webhook verification token")
	flag.StringVar(&cfg.DefaultRegion, "region", "US", "Default region for phone number normalization")
	flag.StringVar(&cfg.AudioDir, "audio", "resources/audio", "Directory holding greeting/hold OGG files")
	flag.StringVar(&cfg.HoldMusicFile, "hold-music", "hold.ogg", "Hold music file, relative to the audio directory")
	flag.StringVar(&cfg.RecordingDir, "recordings", "", "Directory for call recordings (empty disables recording)")
	flag.StringVar(&cfg.DatabaseDSN, "db", "", "SQL Server DSN (empty uses the in-memory store)")
	flag.StringVar(&cfg.FlowsPath, "flows", "resources/config/flows.json", "Path to IVR flow definitions for the in-memory store")
	flag.StringVar(&cfg.NAT1To1IP, "public-ip", "", "Public IP advertised in ICE candidates")
	flag.BoolVar(&cfg.ForceRelay, "force-relay", false, "Restrict ICE to relay candidates only")

	var iceServers string
	var udpMin, udpMax int
	flag.StringVar(&iceServers, "ice-servers", "stun:stun.l.google.com:19302", "ICE server URLs (comma-separated)")
	flag.StringVar(&cfg.ICEUsername, "ice-user", "", "ICE server username")
	flag.StringVar(&cfg.ICECredential, "ice-pass", "", "ICE server credential")
	flag.IntVar(&udpMin, "udp-min", 0, "Lower bound of the UDP port range (0 = unrestricted)")
	flag.IntVar(&udpMax, "udp-max", 0, "Upper bound of the UDP port range")

	flag.Parse()

	cfg.ICEServers = parseList(iceServers)
	cfg.UDPPortMin = uint16(udpMin)
	cfg.UDPPortMax = uint16(udpMax)

	// Override with environment variables if set
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.HTTPPort = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if node := os.Getenv("NODE_ID"); node != "" {
		cfg.NodeID = node
	}
	if base := os.Getenv("GRAPH_API_BASE_URL"); base != "" {
		cfg.GraphAPIBaseURL = base
	}
	if token := os.Getenv("VERIFY_TOKEN"); token != "" {
		cfg.VerifyToken = token
	}
	if region := os.Getenv("DEFAULT_REGION"); region != "" {
		cfg.DefaultRegion = region
	}
	if dir := os.Getenv("AUDIO_DIR"); dir != "" {
		cfg.AudioDir = dir
	}
	if hold := os.Getenv("HOLD_MUSIC"); hold != "" {
		cfg.HoldMusicFile = hold
	}
	if rec := os.Getenv("RECORDING_DIR"); rec != "" {
		cfg.RecordingDir = rec
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if flows := os.Getenv("FLOWS_PATH"); flows != "" {
		cfg.FlowsPath = flows
	}
	if servers := os.Getenv("ICE_SERVERS"); servers != "" {
		cfg.ICEServers = parseList(servers)
	}
	if user := os.Getenv("ICE_USERNAME"); user != "" {
		cfg.ICEUsername = user
	}
	if pass := os.Getenv("ICE_CREDENTIAL"); pass != "" {
		cfg.ICECredential = pass
	}
	if relay := os.Getenv("FORCE_RELAY"); relay != "" {
		cfg.ForceRelay = relay == "true" || relay == "1"
	}
	if ip := os.Getenv("PUBLIC_IP"); ip != "" {
		cfg.NAT1To1IP = ip
	}
	if v := os.Getenv("UDP_PORT_MIN"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.UDPPortMin = uint16(p)
		}
	}
	if v := os.Getenv("UDP_PORT_MAX"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.UDPPortMax = uint16(p)
		}
	}
	if v := os.Getenv("TRANSFER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TransferTimeout = d
		}
	}

	return cfg
}

// parseList parses a comma-separated list of values
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
