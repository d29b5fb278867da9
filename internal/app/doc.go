// Package app wires the bridge together: config, logger, failure store,
// publisher, delivery pipeline, retry loop, HTTP API and status hub.
//
// New loads the config and installs the logger. Start connects to the broker
// (a failure is fatal), binds the HTTP listener and starts the background
// goroutines. Shutdown stops them in dependency order so in-flight webhook
// requests can still publish or store before the broker session closes.
//
// When a config file is given it is watched; log.level, retry.interval,
// retry.max_attempts and broker.publish_timeout are applied without restart.
package app
