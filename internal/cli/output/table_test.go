package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintTable(t *testing.T) {
	table := NewTableData("Client", "Lease State")
	table.AddRow("0a0a", "RWH")
	table.AddRow("0b0b", "R")
	require.Len(t, table.Rows(), 2)

	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, table))

	out := buf.String()
	assert.Contains(t, out, "CLIENT")
	assert.Contains(t, out, "LEASE STATE")
	assert.Contains(t, out, "0a0a")
	assert.Contains(t, out, "RWH")
}

func TestPrinterUsesTableRenderer(t *testing.T) {
	table := NewTableData("File")
	table.AddRow("/docs/a.txt")

	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, FormatTable, false).Print(table))
	assert.Contains(t, buf.String(), "/docs/a.txt")
	assert.NotContains(t, buf.String(), "{")
}

func TestKeyValueTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, KeyValueTable(&buf, [][2]string{{"Files", "3"}, {"Leases", "2"}}))

	out := buf.String()
	assert.Contains(t, out, "Files")
	assert.Contains(t, out, "3")
	assert.Contains(t, out, "Leases")
}
