package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /readyz will report not ready",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	} else if cfg.Mode == config.ModeProd && len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured while --mode=prod (peers behind NAT may fail to connect)",
			"warning_code", "ice_servers_empty_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.VerifyInvariants {
		logger.Warn("startup warning: VERIFY_INVARIANTS is enabled while --mode=prod (every hub command re-walks the pairing tables)",
			"warning_code", "verify_invariants_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessageBytes > 8<<20 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}
}
