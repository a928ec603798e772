// Package config handles configuration loading for coven-courier.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by the .toml
// extension) with environment variable expansion. Fields missing from the
// file keep the values from Default().
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COURIER_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	tasks:
//	  rpc_poll_interval: "2s"
//	  rpc_min_timeout: "5s"
//	  rpc_max_timeout: "5m"
//	  rpc_default_timeout: "1m"
//
// # Configuration Sections
//
//	server:      grpc_addr, http_addr
//	tailscale:   enabled, hostname, auth_key, state_dir, ephemeral, https
//	database:    driver (sqlite|postgres), path, dsn
//	auth:        jwt_secret
//	tasks:       rpc_* timings, notify_timeout
//	events:      max_connections_per_agent, buffer_size, heartbeat_interval
//	mailwatch:   poll_interval, max_reconnect_attempts, reconnect_backoff, dedupe_ttl
//	scoring:     spam_threshold, warning_threshold, keywords, rules
//	notify:      mail{enabled, from}, matrix{enabled, homeserver, user_id, access_token, default_room, rooms}
//	logging:     level, format, file{path, max_size_mb, max_backups, max_age_days, compress}
//
// # Usage
//
//	cfg, err := config.Load("/etc/coven/courier.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
