package db

import (
	"embed"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Table is one of the tables owned by formsync. Queries reference these
// names as literals; Table exists so callers that need a name at runtime
// can only pick from this closed set.
type Table string

const (
	TableIntegrationLogs     Table = "integration_logs"
	TableIntegrationSettings Table = "integration_settings"
	TableFieldMappings       Table = "field_mappings"
	TableBatchQueue          Table = "batch_queue"
	TableAnalyticsEvents     Table = "analytics_events"
	TableFormMeta            Table = "form_meta"
)

// Tables returns every known table.
func Tables() []Table {
	return []Table{
		TableIntegrationLogs,
		TableIntegrationSettings,
		TableFieldMappings,
		TableBatchQueue,
		TableAnalyticsEvents,
		TableFormMeta,
	}
}

// Valid reports whether t is one of the known tables.
func (t Table) Valid() bool {
	for _, known := range Tables() {
		if t == known {
			return true
		}
	}
	return false
}

// Migrations holds the ordered *.up.sql schema files.
//
//go:embed migrations/*.sql
var Migrations embed.FS

const undefinedTableCode = "42P01"

// IsUndefinedTable reports whether err was caused by querying a table that
// has not been provisioned yet.
func IsUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == undefinedTableCode
	}
	return false
}
