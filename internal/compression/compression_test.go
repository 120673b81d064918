package compression

import "testing"

func TestFromFileName(t *testing.T) {
	cases := map[string]string{
		"some-backup-2017-08-09T1106.apt.f2fs.gz":           "gz",
		"some-backup-2017-08-09T1106.apt.f2fs.uncompressed": "uncompressed",
		"some-backup-2017-08-09T1106.apt.f2fs.zst":          "zst",
		"some-backup-2017-08-09T1106.apt.f2fs.zstd":         "zst", // legacy alias
		"some-backup-2017-08-09T1106.apt.f2fs.lz4":          "lz4",
	}

	for file, want := range cases {
		z, ok := FromFileName(file)
		if !ok {
			t.Errorf("FromFileName(%q): expected a match", file)
			continue
		}
		if z.Name != want {
			t.Errorf("FromFileName(%q) = %q, want %q", file, z.Name, want)
		}
	}

	if _, ok := FromFileName("no-extension-here"); ok {
		t.Error("expected no match for a file with no known compression suffix")
	}
}

func TestFromName(t *testing.T) {
	z, ok := FromName("gz")
	if !ok || z.Command != "pigz" {
		t.Fatalf("FromName(gz) = %+v, %v", z, ok)
	}

	if _, ok := FromName("bogus"); ok {
		t.Error("expected no match for unknown name")
	}
}

func TestDefault(t *testing.T) {
	if Default().Name != "gz" {
		t.Errorf("Default() = %v, want gz (pigz)", Default().Name)
	}
}
