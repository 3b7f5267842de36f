// Package database provides the SQLite store behind the state history.
//
// It opens the database with WAL mode and a busy timeout, limits the pool to
// a single writer, and applies versioned migrations from an fs.FS:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Each one is applied in its own transaction
// and recorded in schema_migrations.
package database
