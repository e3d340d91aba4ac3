// Package config handles configuration loading for huddle.
//
// # Sources
//
// Settings are layered, later sources winning:
//
//  1. Built-in defaults (see Default)
//  2. A YAML file, or TOML when the file ends in .toml
//  3. HUDDLE_* environment variables, e.g. HUDDLE_AUTH_JWT_SECRET or
//     HUDDLE_REALTIME_DELIVERY_POLICY
//
// File values may reference the environment as ${VAR_NAME}.
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"   # gRPC health; empty disables
//
//	database:
//	  driver: sqlite                # or postgres with dsn
//	  path: "/var/lib/huddle/huddle.db"
//
//	auth:
//	  jwt_secret: "${HUDDLE_JWT_SECRET}"
//
//	realtime:
//	  delivery_policy: participants # or rooms
//	  ping_interval: "30s"
//
//	redis:
//	  enabled: false
//	  addr: "127.0.0.1:6379"
//
// Durations use time.ParseDuration syntax.
package config
