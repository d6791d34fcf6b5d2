// Package config defines configuration for the dgcart CLI.
//
// Configuration is layered, later sources winning:
//   - Defaults
//   - YAML configuration file
//   - .env file (never overrides variables already in the environment)
//   - Environment variables (DGCART_ prefix)
//   - Command-line flags
//
// # File format
//
//	facility_name: LILS
//	download_api_url: https://downloads.example.org
//	api_url: https://data.example.org/api/v1
//	ids_url: https://ids.example.org/ids
//	page_size: 50
//	size_concurrency: 5
//	poll_interval: 5s
//	bucket: file:///var/lib/dgcart/archives
//	http:
//	  timeout: 30s
//	retry:
//	  attempts: 3
//	  backoff: 200ms
//	  max_backoff: 2s
package config
