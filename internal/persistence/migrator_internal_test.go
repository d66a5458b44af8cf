package persistence

import (
	"testing"
	"testing/fstest"
)

func TestListMigrationFiles_SortedBySuffix(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("SELECT 2")},
		"000001_a.up.sql":   {Data: []byte("SELECT 1")},
		"000001_a.down.sql": {Data: []byte("SELECT 0")},
		"README.md":         {Data: []byte("x")},
	}

	got, err := listMigrationFiles(fsys, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "000001_a.up.sql" || got[1] != "000002_b.up.sql" {
		t.Errorf("got %v", got)
	}
	if v := extractVersion(got[1]); v != "000002" {
		t.Errorf("version: got %q", v)
	}
}

func TestEmbeddedMigrationsPaired(t *testing.T) {
	fsys := Migrations()
	ups, err := listMigrationFiles(fsys, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	downs, err := listMigrationFiles(fsys, ".down.sql")
	if err != nil {
		t.Fatal(err)
	}

	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("ups=%v downs=%v", ups, downs)
	}
	for i := range ups {
		if extractVersion(ups[i]) != extractVersion(downs[i]) {
			t.Errorf("unpaired migration %s / %s", ups[i], downs[i])
		}
	}
}
