package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "operation.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOperationFile(t *testing.T) {
	t.Parallel()
	path := writeFile(t, `
object: Account
operation: upsert
externalIdField: External_Id__c
input: ./accounts.csv
tasks: 4
batch:
  maxRecords: 500
`)

	op, err := LoadOperationFile(path)
	if err != nil {
		t.Fatalf("LoadOperationFile: %v", err)
	}
	if op.Object != "Account" || op.Operation != "upsert" || op.ExternalIDField != "External_Id__c" {
		t.Errorf("unexpected operation: %+v", op)
	}
	if op.Tasks != 4 || op.Batch.MaxRecords != 500 {
		t.Errorf("tasks=%d maxRecords=%d", op.Tasks, op.Batch.MaxRecords)
	}
	if op.Executor != "local" {
		t.Errorf("executor default = %q", op.Executor)
	}
}

func TestLoadOperationFileDefaults(t *testing.T) {
	t.Parallel()
	op, err := LoadOperationFile(writeFile(t, "object: Contact\noperation: insert\n"))
	if err != nil {
		t.Fatal(err)
	}
	if op.Tasks != 1 || op.TaskImage != "bulkjob-task:latest" {
		t.Errorf("defaults not applied: %+v", op)
	}
}

func TestLoadOperationFileRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	_, err := LoadOperationFile(writeFile(t, "object: Contact\nopration: insert\n"))
	if err == nil || !strings.Contains(err.Error(), "opration") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadOperationFileMissing(t *testing.T) {
	t.Parallel()
	if _, err := LoadOperationFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
