// Package config loads the stepflow runtime configuration.
//
// Precedence is defaults, then the YAML file, then STEPFLOW_* environment
// variables. Environment keys follow the struct nesting, so
// STEPFLOW_DATABASE_DRIVER overrides database.driver.
package config
