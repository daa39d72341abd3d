// Package config loads the codepod service configuration from defaults, an
// optional YAML file, CODEPOD_-prefixed environment variables, and a small
// set of legacy unprefixed aliases (PORT, API_KEY, GEMINI_API_KEY, …).
package config
