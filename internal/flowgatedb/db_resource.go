package flowgatedb

import (
	"os"

	"encore.dev/storage/sqldb"
)

// PlatformDB holds platform users and sessions when the postgres platform
// store is selected.
var PlatformDB = newDatabase("flowgate_platform", sqldb.DatabaseConfig{Migrations: "./migrations"})

func newDatabase(name string, cfg sqldb.DatabaseConfig) *sqldb.Database {
	// In plain `go test` the Encore SDK stubs panic. Avoid that by returning nil.
	if os.Getenv("ENCORE_CFG") == "" {
		return nil
	}
	return sqldb.NewDatabase(name, cfg)
}
