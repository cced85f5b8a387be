package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunBackupRequiresConfigFlag(t *testing.T) {
	err := RunBackup(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "-config") {
		t.Fatalf("expected missing -config error, got %v", err)
	}
}

func TestRunRestoreRequiresTargetDataset(t *testing.T) {
	err := RunRestore(context.Background(), []string{"-config", "whatever.yml"})
	if err == nil || !strings.Contains(err.Error(), "-target-dataset") {
		t.Fatalf("expected missing -target-dataset error, got %v", err)
	}
}

func TestRunListRejectsBrokenConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zback.yml")
	if err := os.WriteFile(path, []byte("dataset: tank/data\n"), 0o644); err != nil {
		t.Fatalf("could not write config: %v", err)
	}
	// remote and bucket_name are missing.
	err := RunList(context.Background(), []string{"-config", path})
	if err == nil || !strings.Contains(err.Error(), "remote is required") {
		t.Fatalf("expected validation error, got %v", err)
	}
}
