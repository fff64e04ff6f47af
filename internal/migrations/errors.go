package migrations

import "errors"

var (
	ErrDriverCreation  = errors.New("create postgres migration driver")
	ErrSourceCreation  = errors.New("open embedded migration source")
	ErrMigrateInstance = errors.New("create migrate instance")
	ErrMigrationFailed = errors.New("apply migrations")
)
