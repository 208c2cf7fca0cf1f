/*
Package config loads the YAML configuration of a provisor coordinator.

Fields missing from the file keep their Default values. Durations use Go
syntax:

	nodeId: coord-1
	address: 10.0.0.5:7400
	dataDir: /var/lib/provisor
	workers: 16
	retries: 5
	backoff: 1s
	defaultLease: 45s
	selector: least-active
	log:
	  level: debug
	  json: true
	metrics:
	  address: 0.0.0.0:9400

Validate reports every invalid field in one joined error. Command-line
flags override file values in cmd/provisor.
*/
package config
