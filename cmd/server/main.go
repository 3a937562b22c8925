/*
main.go - Application entry point

PURPOSE:
  Builds the creditd command tree. Configuration, logging and the store are
  set up once in the root command; subcommands use them.

COMMANDS:
  creditd serve                  HTTP API + balance auditor
  creditd migrate                Apply schema migrations and print the version
  creditd balance <credit-id>    Print one credit's balance
  creditd balance --customer ID  Print every balance of a customer

GLOBAL FLAGS (override env and creditd.yaml):
  --db-driver     sqlite | postgres
  --db-path       SQLite database path (":memory:" for a throwaway run)
  --db-dsn        Postgres DSN
  --log-level     debug | info | warn | error
  --log-format    json | console

EXAMPLES:
  # Local run on a file database
  creditd serve --db-path=./data/credits.db --log-format=console

  # Postgres, strict issuance
  CREDIT_ENGINE_DB_DSN=postgres://... creditd serve --db-driver=postgres --strict

SEE ALSO:
  - config/config.go: Keys, env names and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
