package catalog

import (
	"fmt"
	"strings"
)

// Projection configures date partition projection on created tables.
type Projection struct {
	Enabled bool
	// Range is the projection.load_date.range value, for example "NOW-3YEARS,NOW".
	Range string
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quoteDML(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func createDatabaseSQL(database string) string {
	return "CREATE DATABASE IF NOT EXISTS " + quoteIdent(database)
}

// createTableSQL renders the external table DDL for a CSV dataset partitioned by load date
// under location.
func createTableSQL(table string, schema TableSchema, location string, projection Projection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE EXTERNAL TABLE IF NOT EXISTS %s (\n", quoteIdent(table))
	for i, col := range schema.Columns {
		sep := ","
		if i == len(schema.Columns)-1 {
			sep = ""
		}
		fmt.Fprintf(&b, "  %s %s%s\n", quoteIdent(col.Name), col.Type, sep)
	}
	b.WriteString(")\n")
	fmt.Fprintf(&b, "PARTITIONED BY (%s string)\n", quoteIdent(PartitionColumn))
	b.WriteString("ROW FORMAT SERDE 'org.apache.hadoop.hive.serde2.OpenCSVSerde'\n")
	b.WriteString("WITH SERDEPROPERTIES (\n")
	b.WriteString("  'separatorChar' = ',',\n")
	b.WriteString("  'quoteChar' = '\"',\n")
	b.WriteString("  'escapeChar' = '\\\\'\n")
	b.WriteString(")\n")
	fmt.Fprintf(&b, "LOCATION %s\n", quoteLiteral(location))

	props := [][2]string{{"skip.header.line.count", "1"}}
	if projection.Enabled {
		props = append(props,
			[2]string{"projection.enabled", "true"},
			[2]string{"projection." + PartitionColumn + ".type", "date"},
			[2]string{"projection." + PartitionColumn + ".format", "yyyy-MM-dd"},
			[2]string{"projection." + PartitionColumn + ".range", projection.Range},
			[2]string{"projection." + PartitionColumn + ".interval", "1"},
			[2]string{"projection." + PartitionColumn + ".interval.unit", "DAYS"},
			[2]string{"storage.location.template",
				strings.TrimSuffix(location, "/") + "/" + PartitionColumn + "=${" + PartitionColumn + "}/"},
		)
	}
	b.WriteString("TBLPROPERTIES (\n")
	for i, p := range props {
		sep := ","
		if i == len(props)-1 {
			sep = ""
		}
		fmt.Fprintf(&b, "  %s = %s%s\n", quoteLiteral(p[0]), quoteLiteral(p[1]), sep)
	}
	b.WriteString(")")
	return b.String()
}

func repairTableSQL(table string) string {
	return "MSCK REPAIR TABLE " + quoteIdent(table)
}

func dropTableSQL(table string) string {
	return "DROP TABLE IF EXISTS " + quoteIdent(table)
}

func renameTableSQL(from, to string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(from), quoteIdent(to))
}

// copyRowsSQL copies every row of from into to. Columns of to that from lacks are filled
// with NULL; matching is by name, ignoring case.
func copyRowsSQL(from string, current TableSchema, to string, desired TableSchema) string {
	exprs := make([]string, 0, len(desired.Columns)+1)
	for _, col := range desired.Columns {
		if current.Has(col.Name) {
			exprs = append(exprs, quoteDML(col.Name))
		} else {
			exprs = append(exprs, fmt.Sprintf("CAST(NULL AS varchar) AS %s", quoteDML(col.Name)))
		}
	}
	exprs = append(exprs, quoteDML(PartitionColumn))
	return fmt.Sprintf("INSERT INTO %s SELECT %s FROM %s",
		quoteDML(to), strings.Join(exprs, ", "), quoteDML(from))
}
