// Package config loads and watches the powfeed configuration file.
//
// Top-level sections:
//   - client: relays [], subscription (kinds, limit), profiles (enabled,
//     batch_interval, batch_size), dial_timeout, ping_interval, read_timeout,
//     queue_size
//   - http: addr, broadcast_interval, cors_origins, auth (mode, key_env,
//     header); an empty addr disables the REST API and WebSocket hub
//   - render: interval and top; a zero interval disables stdout rendering
//   - log: level (debug|info|warn|error) and format (json|text)
//   - advisory_ttl: how long an error of a relay that is not closed stays
//     visible; a closed relay keeps its advisory for the whole session
//
// Load(path) applies defaults, then the YAML file (skipped when path is
// empty), then POWFEED_* environment overrides, then validates.
//
// Watch(ctx, path, onChange) uses fsnotify on the parent directory, so the
// rename used by atomic-save editors is seen, and reloads after a short
// debounce.
package config
