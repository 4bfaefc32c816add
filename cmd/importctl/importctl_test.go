package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/importpipe/internal/batch"
	"github.com/JonMunkholm/importpipe/internal/core"
	"github.com/JonMunkholm/importpipe/internal/domain"
	"github.com/JonMunkholm/importpipe/internal/workflow"
)

const brandsCSV = "code;name;website;country\n" +
	"acme;Acme Corp;https://acme.example;US\n" +
	"globex;Globex;https://globex.example;DE\n" +
	"initech;Initech;https://initech.example;US\n"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_URL", "")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestAnalyze(t *testing.T) {
	path := writeFile(t, "brands.csv", brandsCSV)

	out, err := run(t, "analyze", path, "--entity", "brand", "--sample", "2")
	require.NoError(t, err)

	var got analyzeOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 3, got.TotalRows)
	assert.Len(t, got.Sample, 2)
	assert.Equal(t, []string{"code", "name", "website", "country"}, got.Columns)
	assert.Equal(t, ";", got.Metadata.Delimiter)
	assert.NotEmpty(t, got.Attempts)
	assert.Equal(t, domain.EntityBrand, got.Entity)
	assert.Empty(t, got.MappingProblem)
	assert.GreaterOrEqual(t, got.MappingConfidence, 70.0)
}

func TestAnalyzeErrors(t *testing.T) {
	tests := []struct {
		name string
		args func(t *testing.T) []string
	}{
		{"missing file", func(t *testing.T) []string {
			return []string{"analyze", filepath.Join(t.TempDir(), "nope.csv")}
		}},
		{"blank file", func(t *testing.T) []string {
			return []string{"analyze", writeFile(t, "blank.csv", " \n \n")}
		}},
		{"unknown entity", func(t *testing.T) []string {
			return []string{"analyze", writeFile(t, "b.csv", brandsCSV), "--entity", "widget"}
		}},
		{"no arguments", func(t *testing.T) []string {
			return []string{"analyze"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, tt.args(t)...); err == nil {
				t.Error("Execute() expected error")
			}
		})
	}
}

func TestImportEndToEnd(t *testing.T) {
	path := writeFile(t, "brands.csv", brandsCSV)

	out, err := run(t, "import", path, "--entity", "brand", "--batch-size", "2")
	require.NoError(t, err)

	var status core.ImportStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, domain.StatusCompleted, status.Workflow.State)
	assert.Equal(t, 3, status.Processing.SuccessfulRecords)
	assert.Len(t, status.Processing.Batches, 2)
}

func TestImportWithoutApproval(t *testing.T) {
	path := writeFile(t, "brands.csv", brandsCSV)

	out, err := run(t, "import", path, "--entity", "brand", "--approve=false")
	require.NoError(t, err)

	var status core.ImportStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, domain.StatusAwaitingApproval, status.Workflow.State)
	assert.Equal(t, "approve", status.Workflow.ExpectedNextStep)
}

func TestImportRequiresEntity(t *testing.T) {
	path := writeFile(t, "brands.csv", brandsCSV)
	_, err := run(t, "import", path)
	assert.Error(t, err)
}

func TestStatusNeedsDatabase(t *testing.T) {
	_, err := run(t, "status", "abc")
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		state   domain.SessionStatus
		wantErr bool
	}{
		{domain.StatusCompleted, false},
		{domain.StatusAwaitingApproval, false},
		{domain.StatusCompletedWithErrors, true},
		{domain.StatusMappingComplete, true},
		{domain.StatusFailed, true},
	}
	for _, tt := range tests {
		s := &core.ImportStatus{
			Processing: &batch.Status{},
			Workflow:   &workflow.WorkflowStatus{State: tt.state},
		}
		if err := outcome(s); (err != nil) != tt.wantErr {
			t.Errorf("outcome(%s) error = %v, wantErr %v", tt.state, err, tt.wantErr)
		}
	}
}
