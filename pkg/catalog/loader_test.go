package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadTestdata(t *testing.T) {
	cat, err := Load(filepath.Join("testdata", "catalog.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	names := cat.Names()
	want := []string{"database", "nova", "glance", "openstack"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", names, want)
	}

	db, ok := cat.Module("database")
	if !ok {
		t.Fatal("database module missing")
	}
	if !strings.Contains(db.Schema, "#Attributes") {
		t.Errorf("schema_file was not inlined: %q", db.Schema)
	}
	if db.AllowMultipleProposals {
		t.Error("database should be single-proposal")
	}

	nova, _ := cat.Module("nova")
	if !nova.AllowMultipleProposals {
		t.Error("nova should allow multiple proposals")
	}
	if !strings.Contains(nova.Policy, "package barclamp.catalog.nova") {
		t.Error("nova policy not decoded")
	}

	suite, _ := cat.Module("openstack")
	if len(suite.Members) != 3 {
		t.Errorf("openstack members = %v", suite.Members)
	}

	if _, ok := cat.Module("swift"); ok {
		t.Error("Module(swift) should not be found")
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "b.yaml", "barclamps:\n  - name: nova\n")
	writeCatalog(t, dir, "a.yml", "barclamps:\n  - name: database\n")
	writeCatalog(t, dir, "notes.txt", "not a catalog")

	cat, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := strings.Join(cat.Names(), ","); got != "database,nova" {
		t.Errorf("Names() = %s, want database,nova", got)
	}
}

func TestLoadDirectoryDuplicateAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "a.yaml", "barclamps:\n  - name: nova\n")
	writeCatalog(t, dir, "b.yaml", "barclamps:\n  - name: nova\n")

	if _, err := Load(dir); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing catalog")
	}

	path := writeCatalog(t, dir, "schema.yaml", "barclamps:\n  - name: nova\n    schema_file: nope.cue\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for missing schema file")
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name: "valid",
			doc:  "barclamps:\n  - name: nova\n    version: \"1.0\"\n",
		},
		{
			name: "empty document",
			doc:  "",
		},
		{
			name:    "unknown field",
			doc:     "barclamps:\n  - name: nova\n    colour: blue\n",
			wantErr: "colour",
		},
		{
			name:    "missing name",
			doc:     "barclamps:\n  - description: nameless\n",
			wantErr: "validation",
		},
		{
			name:    "bad name",
			doc:     "barclamps:\n  - name: Nova-Compute\n",
			wantErr: "validation",
		},
		{
			name:    "bad backend",
			doc:     "barclamps:\n  - name: nova\n    backend: ssh\n",
			wantErr: "validation",
		},
		{
			name:    "duplicate",
			doc:     "barclamps:\n  - name: nova\n  - name: nova\n",
			wantErr: "duplicate",
		},
		{
			name:    "self member",
			doc:     "barclamps:\n  - name: suite\n    members: [suite]\n",
			wantErr: "itself",
		},
		{
			name:    "unknown member",
			doc:     "barclamps:\n  - name: suite\n    members: [nova]\n",
			wantErr: "unknown member",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Parse() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Parse() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func writeCatalog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}
