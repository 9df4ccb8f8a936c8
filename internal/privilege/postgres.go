package privilege

import (
	"context"
	"database/sql"
	"fmt"

	"loaderengine/pkg/apperror"
)

// inspectPostgres implements spec.md §4.2's PostgreSQL checks: any
// non-SELECT table privilege (direct or via role membership), any
// schema-level CREATE on a non-system schema, and ownership of any table
// or view.
func inspectPostgres(ctx context.Context, db *sql.DB) (Report, error) {
	var violations []string

	nonSelect, err := queryStrings(ctx, db, `
		SELECT DISTINCT table_schema || '.' || table_name || ': ' || privilege_type
		FROM information_schema.role_table_grants
		WHERE privilege_type <> 'SELECT'
		  AND grantee IN (
		      SELECT rolname FROM pg_roles WHERE pg_has_role(current_user, oid, 'member')
		  )
	`)
	if err != nil {
		return Report{}, apperror.Wrap(err, apperror.CodeInternal, "query postgres table privileges")
	}
	for _, priv := range nonSelect {
		violations = append(violations, fmt.Sprintf("non-SELECT table privilege held: %s", priv))
	}

	createSchemas, err := queryStrings(ctx, db, `
		SELECT nspname FROM pg_namespace
		WHERE nspname NOT IN ('pg_catalog', 'information_schema')
		  AND has_schema_privilege(current_user, nspname, 'CREATE')
	`)
	if err != nil {
		return Report{}, apperror.Wrap(err, apperror.CodeInternal, "query postgres schema privileges")
	}
	for _, schema := range createSchemas {
		violations = append(violations, fmt.Sprintf("CREATE privilege held on schema %q", schema))
	}

	owned, err := queryStrings(ctx, db, `
		SELECT n.nspname || '.' || c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r', 'v')
		  AND pg_get_userbyid(c.relowner) = current_user
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
	`)
	if err != nil {
		return Report{}, apperror.Wrap(err, apperror.CodeInternal, "query postgres table ownership")
	}
	for _, rel := range owned {
		violations = append(violations, fmt.Sprintf("account owns table/view %s", rel))
	}

	return Report{Violations: violations}, nil
}

func queryStrings(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
