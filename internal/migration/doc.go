// Package migration manages schema migrations for the workflow store.
//
// SQL migration files for postgres, mysql, and sqlite are embedded via
// embed.FS and applied with golang-migrate. The CLI type wraps a Migrator
// with formatted output for the migrate subcommands.
package migration
