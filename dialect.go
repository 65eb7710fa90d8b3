package odatamap

import (
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

// CheckDialect validates that the database behind db can run lowered queries. The SQL
// lowering emits dialect specific string functions for contains, startswith, indexof
// and friends; CheckDialect probes them so a misconfigured database fails at startup
// instead of on the first $filter.
func CheckDialect(db *gorm.DB, logger *slog.Logger) error {
	if db == nil || db.Dialector == nil {
		return fmt.Errorf("database connection is not initialized")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialect := db.Name()
	logger.Debug("Checking dialect support", "dialect", dialect)

	switch dialect {
	case "sqlite", "sqlite3":
		return probe(db, logger, dialect, "SELECT instr('odata', 'at')")
	case "postgres", "postgresql":
		return probe(db, logger, dialect, "SELECT strpos('odata', 'at')")
	case "mysql":
		return probe(db, logger, dialect, "SELECT LOCATE('at', 'odata')")
	default:
		return fmt.Errorf("database dialect '%s' is not supported for query lowering", dialect)
	}
}

// probe runs a string function the lowering relies on and expects position 3.
func probe(db *gorm.DB, logger *slog.Logger, dialect, statement string) error {
	var position int
	if err := db.Raw(statement).Scan(&position).Error; err != nil {
		return fmt.Errorf("%s string functions are not available: %w", dialect, err)
	}
	if position != 3 {
		return fmt.Errorf("%s string functions returned position %d, expected 3", dialect, position)
	}
	logger.Debug("Dialect supported", "dialect", dialect)
	return nil
}
