package languages_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/attempt-this-online/attempt-this-online/languages"
)

const catalogJSON = `{
	"python": {
		"name": "Python",
		"image": "registry.example.com/library/python:3.12",
		"version": "3.12.1",
		"url": "https://www.python.org/",
		"sbcs": false
	},
	"jelly": {
		"name": "Jelly",
		"image": "ato/jelly:latest",
		"version": "70c9fd93",
		"url": "https://github.com/DennisMitchell/jellylanguage",
		"sbcs": true,
		"se_class": "lang-jelly"
	}
}`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "languages.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	catalog, err := languages.Load(writeCatalog(t, catalogJSON))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(catalog) != 2 {
		t.Fatalf("expected 2 languages, got %d", len(catalog))
	}

	python, ok := catalog["python"]
	if !ok {
		t.Fatal("python missing from catalog")
	}
	if python.Image != "registry.example.com/library/python:3.12" {
		t.Errorf("unexpected image: %q", python.Image)
	}
	if python.SBCS {
		t.Error("python should not be an SBCS language")
	}

	jelly := catalog["jelly"]
	if !jelly.SBCS || jelly.SEClass != "lang-jelly" {
		t.Errorf("unexpected jelly entry: %+v", jelly)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := languages.Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected an error for a missing catalog")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	if _, err := languages.Load(writeCatalog(t, "{not json")); err == nil {
		t.Error("expected an error for invalid JSON")
	}
}

func TestPathOverride(t *testing.T) {
	t.Setenv("ATO_LANGUAGES_PATH", "/tmp/custom.json")
	if got := languages.Path(); got != "/tmp/custom.json" {
		t.Errorf("expected override path, got %q", got)
	}
	t.Setenv("ATO_LANGUAGES_PATH", "")
	if got := languages.Path(); got != languages.DefaultPath {
		t.Errorf("expected default path, got %q", got)
	}
}
