package upload

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func merge(t *testing.T, existing, incoming string) (string, int) {
	t.Helper()
	var out bytes.Buffer
	rows, err := mergeCSV(&out, strings.NewReader(existing), strings.NewReader(incoming))
	require.NoError(t, err)
	return out.String(), rows
}

func TestMergeUpsertsByFirstColumn(t *testing.T) {
	out, rows := merge(t,
		"id,name\n1,a\n2,b\n3,c\n",
		"id,name\n2,B\n4,d\n",
	)
	assert.Equal(t, "id,name\n1,a\n2,B\n3,c\n4,d\n", out)
	assert.Equal(t, 4, rows)
}

func TestMergeIsIdempotent(t *testing.T) {
	existing := "id,name\n1,a\n2,b\n"
	incoming := "id,name\n2,B\n3,c\n"

	once, _ := merge(t, existing, incoming)
	twice, _ := merge(t, once, incoming)
	assert.Equal(t, once, twice)
}

func TestMergeNeverDropsExistingKeys(t *testing.T) {
	existing := "id,v\n10,x\n20,y\n30,z\n"
	out, rows := merge(t, existing, "id,v\n40,w\n")
	for _, key := range []string{"10,", "20,", "30,", "40,"} {
		assert.Contains(t, out, "\n"+key)
	}
	assert.Equal(t, 4, rows)
}

func TestMergeHeaderRules(t *testing.T) {
	out, _ := merge(t, "id,old_header\n1,a\n", "id,new_header\n2,b\n")
	assert.True(t, strings.HasPrefix(out, "id,old_header\n"))

	out, _ = merge(t, "", "id,new_header\n2,b\n")
	assert.Equal(t, "id,new_header\n2,b\n", out)

	out, rows := merge(t, "\n\n", "")
	assert.Equal(t, "", out)
	assert.Zero(t, rows)
}

func TestMergeNormalizesLineEndingsAndDropsBlankLines(t *testing.T) {
	out, rows := merge(t, "id,v\r\n1,a\r\n\r\n", "id,v\n\n2,b\n   \n")
	assert.Equal(t, "id,v\n1,a\n2,b\n", out)
	assert.Equal(t, 2, rows)
}

func TestMergeKeyIsQuoteAware(t *testing.T) {
	out, rows := merge(t,
		"name,v\n\"Smith, J\",1\nSmith,2\n",
		"name,v\n\"Smith, J\",3\n",
	)
	assert.Equal(t, "name,v\n\"Smith, J\",3\nSmith,2\n", out)
	assert.Equal(t, 2, rows)
}

func TestFirstField(t *testing.T) {
	assert.Equal(t, "1", firstField("1,a,b"))
	assert.Equal(t, "a,b", firstField(`"a,b",c`))
	assert.Equal(t, "solo", firstField("solo"))
	assert.Equal(t, "", firstField(",x"))
	assert.Equal(t, `a"b`, firstField(`a"b,c`))
}
