// Package database provides the SQLite connection used for the accessory
// cache and state history.
//
// Schema changes are embedded migrations named
// YYYYMMDD_HHMMSS_description.up.sql with a matching .down.sql, applied in
// version order by Migrate. Each migration runs in its own transaction.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
