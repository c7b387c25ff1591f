// Package config handles configuration loading for parley-gateway.
//
// # Overview
//
// Configuration is a single YAML file. Load reads it, expands ${VAR}
// references against the process environment, parses duration strings
// (e.g. "25s") into time.Duration, and validates required fields before
// returning.
//
// # Required fields
//
// server.http_addr and auth.token_secret must be set; the secret signs
// member tokens and must be at least 16 bytes. Channel limits
// (channels.sync_wait_cap, max_body_bytes, post_rate, post_burst) are
// optional; zero values disable the corresponding limit.
package config
