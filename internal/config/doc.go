// Package config provides configuration management for Nexus.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. The file is created with defaults on first use.
// A loaded Config is treated as immutable: it is built once in main and its
// pieces are passed to the classifier, router, assembler and orchestrator
// constructors.
//
// # Environment Variables
//
// All configuration values can be overridden using environment variables
// with the NEXUS_ prefix. Nested fields are separated by underscores.
//
// Examples:
//   - NEXUS_LLM_ENDPOINT=http://gpu-box:11434
//   - NEXUS_SERVER_PORT=9000
//   - NEXUS_LOGGING_LEVEL=debug
//   - NEXUS_REDIS_ADDR=localhost:6379
//
// # Configuration Sections
//
//   - Server: HTTP listen address and allowed origins
//   - LLM: Ollama endpoint, sampling and streaming timeouts, embedding model
//   - Routing: model tiers (fast, balanced, document, quality) and context reserves
//   - Retrieval: top-K chunks, memory recall limit, chunking
//   - History: conversation window size
//   - Memory: extraction workers and decay/purge jobs
//   - Database, Logging, Redis
package config
