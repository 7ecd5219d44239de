// Package database opens the agent's local SQLite file and applies its
// forward-only schema migrations.
//
// The agent keeps a single writer connection in WAL mode; the only table
// of consequence is the alert outbox, which lets undelivered alerts
// survive a restart.
//
//	db, err := database.Open(database.Config{Path: cfg.Queue.Path})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
