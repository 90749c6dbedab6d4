package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/dmitrijs2005/gophvault/internal/server/repositories/checkpoints"
	"github.com/dmitrijs2005/gophvault/internal/server/repositories/events"
	"github.com/dmitrijs2005/gophvault/internal/server/repositories/fields"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Events(db dbx.DBTX) events.Repository
	Fields(db dbx.DBTX) fields.Repository
	Checkpoints(db dbx.DBTX) checkpoints.Repository
}
