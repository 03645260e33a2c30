// Package config provides centralized configuration management for the
// AgentRelay runtime: listen addresses, storage and queue drivers, registry
// discovery settings, and logging parameters loaded from a JSON file with
// sensible defaults applied on top.
package config
