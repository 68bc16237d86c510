// Package config loads engine configuration from TOML or YAML files.
//
// Keys are flat snake_case names for the cache itself plus sections for
// persistence, observability and the admin server:
//
//	max_entries = 10000
//	max_memory = "64MiB"
//	default_ttl = "5m"
//	refresh_threshold = 0.2
//	soft_ttl = "30s"
//	breaker_failure_threshold = 5
//	breaker_open_timeout = "30s"
//	abandoned_fetch_timeout = "30s"
//	fetch_attempts = 3
//	fetch_rate_limit = 50
//
//	[persistence]
//	backend = "sqlite"
//	path = "${STATE_DIR}/toolcache.db"
//
//	[admin]
//	addr = ":8080"
//	jwt_secret = "secretref:env:TOOLCACHE_JWT_SECRET"
//
// String values are expanded strictly: a ${VAR} reference to an unset
// variable is an error and $$ escapes a literal dollar sign. Secret-bearing
// values may also be a secretref:<provider>:<ref> reference resolved by a
// SecretResolver.
//
// Durations use time.ParseDuration syntax; a bare integer is read as
// milliseconds. Byte sizes accept humanized strings such as "64MiB" or
// "1.5GB".
package config
