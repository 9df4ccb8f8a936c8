package privilege

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"loaderengine/pkg/apperror"
)

var forbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "REPLACE", "ALTER", "CREATE", "DROP",
	"TRUNCATE", "INDEX", "TRIGGER", "EVENT", "EXECUTE", "REFERENCES",
	"GRANT OPTION", "FILE", "SUPER", "CREATE VIEW", "CREATE ROUTINE",
	"ALTER ROUTINE",
}

var grantPattern = regexp.MustCompile(`(?i)^GRANT\s+(.+?)\s+ON\s+(\S+)\s+TO\s`)

// inspectMySQL implements spec.md §4.2's MySQL/MariaDB checks: a read-only
// instance with a non-SUPER account is clean outright; otherwise every
// SHOW GRANTS line is parsed for anything beyond USAGE/SELECT(+SHOW VIEW).
func inspectMySQL(ctx context.Context, db *sql.DB) (Report, error) {
	readOnly, hasSuper, err := mysqlReadOnlyState(ctx, db)
	if err != nil {
		return Report{}, apperror.Wrap(err, apperror.CodeInternal, "query mysql read-only state")
	}
	if readOnly && !hasSuper {
		return Report{}, nil
	}

	grants, err := queryStrings(ctx, db, `SHOW GRANTS FOR CURRENT_USER()`)
	if err != nil {
		return Report{}, apperror.Wrap(err, apperror.CodeInternal, "query mysql grants")
	}

	var violations []string
	for _, grant := range grants {
		if v := inspectGrantLine(grant); v != "" {
			violations = append(violations, v)
		}
	}
	return Report{Violations: violations}, nil
}

func inspectGrantLine(grant string) string {
	upper := strings.ToUpper(grant)

	if strings.Contains(upper, "ALL PRIVILEGES") || strings.Contains(upper, "GRANT ALL ON") {
		return fmt.Sprintf("account holds ALL privileges: %s", grant)
	}

	match := grantPattern.FindStringSubmatch(grant)
	if match == nil {
		// Unparseable grant line; fail closed rather than silently accept it.
		return fmt.Sprintf("unparseable grant: %s", grant)
	}
	privList, scope := match[1], match[2]
	privListUpper := strings.ToUpper(privList)

	if scope == "*.*" {
		allowed := map[string]bool{"USAGE": true, "SELECT": true, "SHOW VIEW": true}
		for _, priv := range strings.Split(privListUpper, ",") {
			priv = strings.TrimSpace(priv)
			if !allowed[priv] {
				return fmt.Sprintf("global grant beyond USAGE/SELECT: %s", grant)
			}
		}
		if strings.Contains(upper, "GRANT OPTION") {
			return fmt.Sprintf("global grant carries GRANT OPTION: %s", grant)
		}
	}

	for _, kw := range forbiddenKeywords {
		if strings.Contains(upper, kw) {
			return fmt.Sprintf("grant includes forbidden privilege %q: %s", kw, grant)
		}
	}

	return ""
}

func mysqlReadOnlyState(ctx context.Context, db *sql.DB) (readOnly, hasSuper bool, err error) {
	var globalRO, superRO, sessionRO sql.NullBool
	row := db.QueryRowContext(ctx, `SELECT @@GLOBAL.read_only, @@GLOBAL.super_read_only, @@SESSION.read_only`)
	if err := row.Scan(&globalRO, &superRO, &sessionRO); err != nil {
		globalRO, superRO, sessionRO, err = mysqlReadOnlyFallback(ctx, db)
		if err != nil {
			return false, false, err
		}
	}
	readOnly = globalRO.Bool || superRO.Bool || sessionRO.Bool

	grants, err := queryStrings(ctx, db, `SHOW GRANTS FOR CURRENT_USER()`)
	if err != nil {
		return false, false, err
	}
	for _, g := range grants {
		upper := strings.ToUpper(g)
		// ALL PRIVILEGES at global scope includes SUPER.
		allGlobal := (strings.Contains(upper, "ALL PRIVILEGES") || strings.Contains(upper, "GRANT ALL ON")) &&
			strings.Contains(upper, " ON *.* ")
		if strings.Contains(upper, "SUPER") || allGlobal {
			hasSuper = true
			break
		}
	}
	return readOnly, hasSuper, nil
}

// mysqlReadOnlyFallback covers MySQL/MariaDB versions without the
// @@SESSION.read_only system variable alias, reading SHOW VARIABLES
// instead.
func mysqlReadOnlyFallback(ctx context.Context, db *sql.DB) (globalRO, superRO, sessionRO sql.NullBool, err error) {
	rows, err := db.QueryContext(ctx, `SHOW VARIABLES LIKE 'read_only'`)
	if err != nil {
		return globalRO, superRO, sessionRO, err
	}
	defer rows.Close()

	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return globalRO, superRO, sessionRO, err
		}
		on := strings.EqualFold(value, "ON") || value == "1"
		globalRO = sql.NullBool{Bool: on, Valid: true}
		sessionRO = sql.NullBool{Bool: on, Valid: true}
	}
	return globalRO, superRO, sessionRO, rows.Err()
}
