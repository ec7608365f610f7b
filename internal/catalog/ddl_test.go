package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateTableSQL(t *testing.T) {
	schema := TableSchema{Columns: []Column{
		{Name: "id", Type: ColumnTypeString},
		{Name: "name", Type: ColumnTypeString},
	}}

	sql := createTableSQL("vault_widgets", schema, "s3://bucket/vault/widgets/", Projection{})

	assert.Contains(t, sql, "CREATE EXTERNAL TABLE IF NOT EXISTS `vault_widgets` (\n  `id` string,\n  `name` string\n)")
	assert.Contains(t, sql, "PARTITIONED BY (`load_date` string)")
	assert.Contains(t, sql, "org.apache.hadoop.hive.serde2.OpenCSVSerde")
	assert.Contains(t, sql, "LOCATION 's3://bucket/vault/widgets/'")
	assert.Contains(t, sql, "'skip.header.line.count' = '1'")
	assert.NotContains(t, sql, "projection.enabled")
}

func TestCreateTableSQLWithProjection(t *testing.T) {
	sql := createTableSQL("t", FallbackSchema(), "s3://bucket/root/t/", Projection{Enabled: true, Range: "NOW-3YEARS,NOW"})

	assert.Contains(t, sql, "'projection.enabled' = 'true'")
	assert.Contains(t, sql, "'projection.load_date.type' = 'date'")
	assert.Contains(t, sql, "'projection.load_date.range' = 'NOW-3YEARS,NOW'")
	assert.Contains(t, sql, "'storage.location.template' = 's3://bucket/root/t/load_date=${load_date}/'")
}

func TestStatementQuoting(t *testing.T) {
	assert.Equal(t, "DROP TABLE IF EXISTS `we``ird`", dropTableSQL("we`ird"))
	assert.Equal(t, "MSCK REPAIR TABLE `t`", repairTableSQL("t"))
	assert.Equal(t, "ALTER TABLE `t_migr_1` RENAME TO `t`", renameTableSQL("t_migr_1", "t"))
	assert.Equal(t, "CREATE DATABASE IF NOT EXISTS `vault_db`", createDatabaseSQL("vault_db"))
	assert.Equal(t, "'it''s'", quoteLiteral("it's"))
}

func TestCopyRowsSQL(t *testing.T) {
	current := TableSchema{Columns: []Column{{Name: "ID"}, {Name: "name"}}}
	desired := TableSchema{Columns: []Column{{Name: "id"}, {Name: "name"}, {Name: "color"}}}

	sql := copyRowsSQL("t", current, "t_tmp", desired)

	assert.Equal(t,
		`INSERT INTO "t_tmp" SELECT "id", "name", CAST(NULL AS varchar) AS "color", "load_date" FROM "t"`,
		sql)
}
