package cli

import (
	"database/sql"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dotcommander/orchestron/internal/api"
	"github.com/dotcommander/orchestron/internal/app"
	"github.com/dotcommander/orchestron/internal/store"
)

// DB is an alias so command code doesn't need to import database/sql.
type DB = sql.DB

type printedError struct {
	err error
}

func (e printedError) Error() string {
	// Intentionally hide the original error: the JSON error response is the output.
	return "error already printed"
}

func openDB() (*DB, func(), error) {
	dbPath, err := app.GetDBPath()
	if err != nil {
		return nil, nil, err
	}

	db, err := store.InitDBWithPath(dbPath)
	if err != nil {
		return nil, nil, err
	}

	return db, func() { _ = store.CloseDB(db) }, nil
}

// withFacade opens a database handle, builds an api.Facade over it using the
// loaded settings, and closes the handle once fn returns.
func withFacade(fn func(f *api.Facade) error) error {
	db, closeDB, err := openDB()
	if err != nil {
		return cmdErr(err)
	}
	defer closeDB()

	settings, err := app.LoadSettings()
	if err != nil {
		return cmdErr(err)
	}

	f := api.New(db, settings, nil, nil)
	if err := fn(f); err != nil {
		return cmdErr(err)
	}
	return nil
}

func cmdErr(err error) error {
	if err == nil {
		return nil
	}
	slog.Error("command error", "error", err.Error())
	return printedError{err: err}
}

// withDBPathFlag wires --db-path into app's resolver ahead of any command's
// withFacade call.
func withDBPathFlag(cmd *cobra.Command) error {
	dbPath, err := cmd.Flags().GetString("db-path")
	if err == nil && dbPath != "" {
		app.SetDBPathOverride(dbPath)
	}
	return nil
}
