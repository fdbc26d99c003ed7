package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRegsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.json")
	doc := `{
		"rax": 18, "rip": 4096, "rsp": 8192,
		"cr3": 65536, "gdtr": 1024, "gdtl": 127,
		"cs": {"selector": 16, "base": 0, "limit": 0, "flags": 0},
		"fs_base": 512, "lstar": 3735928559
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, "regs", "--context", path)
	if err != nil {
		t.Fatalf("regs: %v", err)
	}
	for _, want := range []string{
		"rax 0000000000000012",
		"rip 0000000000001000",
		"cr3 0000000000010000",
		"gdtr 0000000000000400:007f",
		"cs 0010",
		"lstar 00000000deadbeef",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRegsCommandMissingFile(t *testing.T) {
	if _, err := runCommand(t, "regs", "--context", filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("missing context file accepted")
	}
}

func TestTraceCommandRequiresFlags(t *testing.T) {
	if _, err := runCommand(t, "trace"); err == nil {
		t.Error("trace without required flags accepted")
	}
}

func TestFuzzCommandRequiresWorkdir(t *testing.T) {
	if _, err := runCommand(t, "fuzz"); err == nil {
		t.Error("fuzz without a workdir accepted")
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0x2000", 0x2000, false},
		{"8192", 8192, false},
		{"fffff78000000000", 0, true},
		{"0xfffff78000000000", 0xfffff78000000000, false},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := parseAddress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("parseAddress(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}
