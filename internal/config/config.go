package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/hub"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/signaling"
)

const (
	envVarListenAddr       = "AERO_DEVICE_SIGNALING_LISTEN_ADDR"
	envVarAllowedOrigins   = "ALLOWED_ORIGINS"
	envVarLogFormat        = "AERO_DEVICE_SIGNALING_LOG_FORMAT"
	envVarLogLevel         = "AERO_DEVICE_SIGNALING_LOG_LEVEL"
	envVarShutdownTimeout  = "AERO_DEVICE_SIGNALING_SHUTDOWN_TIMEOUT"
	envVarMode             = "AERO_DEVICE_SIGNALING_MODE"
	envVarVerifyInvariants = "AERO_DEVICE_SIGNALING_VERIFY_INVARIANTS"

	// WebSocket keepalive + inbound hardening.
	envVarWSPingInterval        = "SIGNALING_WS_PING_INTERVAL"
	envVarWSIdleTimeout         = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarMaxMessageBytes       = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond  = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarOutboundQueueMessages = "SIGNALING_OUTBOUND_QUEUE_MESSAGES"
	envVarOutboundQueueBytes    = "SIGNALING_OUTBOUND_QUEUE_BYTES"

	envVarCommandQueueSize = "HUB_COMMAND_QUEUE_SIZE"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultWSPingInterval       = signaling.DefaultPingInterval
	DefaultWSIdleTimeout        = signaling.DefaultIdleTimeout
	DefaultMaxMessageBytes      = int64(signaling.DefaultMaxMessageBytes)
	DefaultMaxMessagesPerSecond = signaling.DefaultMaxMessagesPerSecond

	DefaultOutboundQueueMessages = signaling.DefaultOutboundQueueMessages
	DefaultOutboundQueueBytes    = signaling.DefaultOutboundQueueBytes

	DefaultCommandQueueSize = hub.DefaultQueueSize
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// WSPingInterval must be shorter than WSIdleTimeout; a connection that
	// neither answers pings nor sends frames for WSIdleTimeout is closed.
	WSPingInterval time.Duration
	WSIdleTimeout  time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// Per-connection outbound buffering. Notifications beyond either bound
	// are dropped for that connection only.
	OutboundQueueMessages int
	OutboundQueueBytes    int

	CommandQueueSize int
	VerifyInvariants bool

	// ICEServers is handed to browsers via GET /webrtc/ice so users and
	// devices can build their own PeerConnections.
	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE configuration. It does not fail Load;
// the relay still starts but reports itself as not ready.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	outboundQueueMessages, err := envIntOrDefault(lookup, envVarOutboundQueueMessages, DefaultOutboundQueueMessages)
	if err != nil {
		return Config{}, err
	}
	outboundQueueBytes, err := envIntOrDefault(lookup, envVarOutboundQueueBytes, DefaultOutboundQueueBytes)
	if err != nil {
		return Config{}, err
	}
	commandQueueSize, err := envIntOrDefault(lookup, envVarCommandQueueSize, DefaultCommandQueueSize)
	if err != nil {
		return Config{}, err
	}

	verifyInvariants := false
	if raw, ok := lookup(envVarVerifyInvariants); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarVerifyInvariants, raw, err)
		}
		verifyInvariants = v
	}

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs := flag.NewFlagSet("aero-device-signaling-relay", flag.ContinueOnError)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.DurationVar(&wsPingInterval, "signaling-ws-ping-interval", wsPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.DurationVar(&wsIdleTimeout, "signaling-ws-idle-timeout", wsIdleTimeout, "Close signaling WebSocket connections idle for this duration (env "+envVarWSIdleTimeout+")")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxMessagesPerSecond+")")
	fs.IntVar(&outboundQueueMessages, "outbound-queue-messages", outboundQueueMessages, "Max queued outbound notifications per connection (env "+envVarOutboundQueueMessages+")")
	fs.IntVar(&outboundQueueBytes, "outbound-queue-bytes", outboundQueueBytes, "Max queued outbound notification bytes per connection (env "+envVarOutboundQueueBytes+")")
	fs.IntVar(&commandQueueSize, "command-queue-size", commandQueueSize, "Hub command queue capacity (env "+envVarCommandQueueSize+")")
	fs.BoolVar(&verifyInvariants, "verify-invariants", verifyInvariants, "Re-check pairing invariants after every hub command (env "+envVarVerifyInvariants+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", envVarWSIdleTimeout, "--signaling-ws-idle-timeout")
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", envVarWSPingInterval, "--signaling-ws-ping-interval")
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("signaling ws ping interval (%s) must be < idle timeout (%s)", wsPingInterval, wsIdleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", envVarMaxMessageBytes, "--max-signaling-message-bytes")
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", envVarMaxMessagesPerSecond, "--max-signaling-messages-per-second")
	}
	if outboundQueueMessages <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", envVarOutboundQueueMessages, "--outbound-queue-messages")
	}
	// A max-size signal, once wrapped for its recipient, must fit into an
	// empty outbound queue.
	if minQueue := maxMessageBytes + int64(protocol.MaxRelayGrowth); int64(outboundQueueBytes) < minQueue {
		return Config{}, fmt.Errorf("%s/%s (%d) must be >= max signaling message bytes + %d (%d)", envVarOutboundQueueBytes, "--outbound-queue-bytes", outboundQueueBytes, protocol.MaxRelayGrowth, minQueue)
	}
	if commandQueueSize <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", envVarCommandQueueSize, "--command-queue-size")
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	iceServers, iceErr := parseICEServers(iceSources{
		json:           iceServersJSON,
		stunURLs:       stunURLs,
		turnURLs:       turnURLs,
		turnUsername:   turnUsername,
		turnCredential: turnCredential,
	})

	return Config{
		ListenAddr:            listenAddr,
		AllowedOrigins:        allowedOrigins,
		LogFormat:             logFormat,
		LogLevel:              level,
		ShutdownTimeout:       shutdownTimeout,
		Mode:                  mode,
		WSPingInterval:        wsPingInterval,
		WSIdleTimeout:         wsIdleTimeout,
		MaxMessageBytes:       maxMessageBytes,
		MaxMessagesPerSecond:  maxMessagesPerSecond,
		OutboundQueueMessages: outboundQueueMessages,
		OutboundQueueBytes:    outboundQueueBytes,
		CommandQueueSize:      commandQueueSize,
		VerifyInvariants:      verifyInvariants,
		ICEServers:            iceServers,
		iceConfigErr:          iceErr,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
