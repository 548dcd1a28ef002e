// Package config loads extforge settings.
//
// Values are layered: built-in defaults, then .extforge.yaml in the project
// root (or the file given with --config), then EXTFORGE_* environment
// variables, then command line flags bound by the CLI. Nested keys use
// underscores in the environment, so registry.token is read from
// EXTFORGE_REGISTRY_TOKEN.
//
//	upload:
//	  quota_ceiling: 10
//	  retry_delay: 1s
//	registry:
//	  url: https://tenant.example.com/api/v2
//	  token: ${EXTFORGE_REGISTRY_TOKEN}
//
// Validate reports every problem at once rather than the first.
package config
