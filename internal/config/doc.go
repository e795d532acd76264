// Package config handles configuration loading for the identity engine.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by file extension) with
// environment variable expansion. Validate implements the engine's
// "initialized" precondition: the web3, issuer and verifier URLs and the
// store path must be set and the reconciliation period must be positive.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from IDENMOBILE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/idenmobile/config.yaml
//  3. ~/.config/idenmobile/config.yaml
//
// # Example
//
//	web3_url: "hidden:https://rpc.example.org/${RPC_KEY}"
//	issuer_url: "http://127.0.0.1:1234/"
//	verifier_url: "http://127.0.0.1:1234/"
//	store_path: "/data/identities"
//	shared_store_path: "/data/shared"
//
//	tickets:
//	  reconciliation_period: "1s"
//	  request_timeout: "30s"
//	  max_attempts: 5
//
//	keystore:
//	  work_factor: 18
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// A "hidden:" prefix on web3_url keeps the endpoint out of the logs.
package config
