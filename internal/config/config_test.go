package config

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want Size
	}{
		{"4096", 4096},
		{"64m", 64 * M},
		{"64M", 64 * M},
		{"2g", 2 * G},
		{"512k", 512 * K},
		{"32MB", 32 * M},
		{" 1GB ", G},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseSize(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
	for _, bad := range []string{"", "lots", "12q"} {
		if _, err := ParseSize(bad); err == nil {
			t.Errorf("ParseSize(%q) succeeded", bad)
		}
	}
}

func TestParseOptions(t *testing.T) {
	c := New()
	err := c.ParseOptions(`-Xmx128m -Xms32m -Xmn8m -XX:NewRatio=3 -XX:+PrintGCDetails -XX:-UseAdaptiveSizePolicy -XX:AdminAddr="localhost:7070"`)
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxHeapSize != 128*M || c.InitialHeapSize != 32*M {
		t.Errorf("heap sizes %v %v", c.MaxHeapSize, c.InitialHeapSize)
	}
	if c.NewSize != 8*M || c.MaxNewSize != 8*M {
		t.Errorf("-Xmn gave %v %v", c.NewSize, c.MaxNewSize)
	}
	if c.NewRatio != 3 || !c.PrintGCDetails || c.UseAdaptiveSizePolicy {
		t.Errorf("flags %+v", c.Flags)
	}
	if c.AdminAddr != "localhost:7070" {
		t.Errorf("AdminAddr %q", c.AdminAddr)
	}
	for _, name := range []string{"MaxHeapSize", "NewSize", "PrintGCDetails"} {
		if !c.IsCommandLine(name) {
			t.Errorf("%s origin %v", name, c.Origin(name))
		}
	}
	if !c.IsDefault("SurvivorRatio") {
		t.Error("SurvivorRatio not default")
	}
	if err := c.Validate(); err != nil {
		t.Error(err)
	}
}

func TestParseOptionsErrors(t *testing.T) {
	for _, opts := range []string{"-XX:NoSuchFlag=1", "-XX:+NewRatio", "-XX:NewRatio", "-verbose", "-XX:NewRatio=x"} {
		if err := New().ParseOptions(opts); err == nil {
			t.Errorf("%q accepted", opts)
		}
	}
	if err := New().ParseOptions("-XX:Bogus=1"); !errors.Is(err, ErrUnknownFlag) {
		t.Errorf("unknown flag error is %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	c := New()
	doc := []byte("MaxHeapSize: 256m\nSurvivorRatio: 6\nVerifyAfterGC: true\n")
	if err := c.LoadYAML(doc); err != nil {
		t.Fatal(err)
	}
	if c.MaxHeapSize != 256*M || c.SurvivorRatio != 6 || !c.VerifyAfterGC {
		t.Errorf("flags %+v", c.Flags)
	}
	if c.Origin("MaxHeapSize") != ConfigFile || !c.IsUserSet("SurvivorRatio") {
		t.Error("origins not recorded")
	}

	// The command line wins over the file.
	if err := c.ParseOptions("-XX:SurvivorRatio=4"); err != nil {
		t.Fatal(err)
	}
	if c.SurvivorRatio != 4 || !c.IsCommandLine("SurvivorRatio") {
		t.Errorf("SurvivorRatio %d from %v", c.SurvivorRatio, c.Origin("SurvivorRatio"))
	}

	if err := New().LoadYAML([]byte("NotAFlag: 1\n")); !errors.Is(err, ErrUnknownFlag) {
		t.Errorf("unknown key error is %v", err)
	}
}

func TestYAMLRoundTripsThroughLoad(t *testing.T) {
	c := New()
	c.SetErgo("NewSize", 6*M)
	data, err := c.YAML()
	if err != nil {
		t.Fatal(err)
	}
	d := New()
	if err := d.LoadYAML(data); err != nil {
		t.Fatal(err)
	}
	if d.Flags != c.Flags {
		t.Errorf("reloaded flags differ:\n%+v\n%+v", d.Flags, c.Flags)
	}
	if c.Origin("NewSize") != Ergonomic {
		t.Errorf("NewSize origin %v", c.Origin("NewSize"))
	}
}

func TestValidate(t *testing.T) {
	c := New()
	c.MaxHeapSize = 4 * M
	c.SurvivorRatio = 0
	err := c.Validate()
	if !errors.Is(err, ErrInvalidFlags) {
		t.Fatalf("got %v", err)
	}
	for _, name := range []string{"MaxHeapSize", "SurvivorRatio"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("%q does not mention %s", err, name)
		}
	}
}

func TestPrint(t *testing.T) {
	c := New()
	if err := c.ParseOptions("-Xmx32m"); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	c.Print(&buf)
	if !strings.Contains(buf.String(), "{command line}") || !strings.Contains(buf.String(), "{default}") {
		t.Errorf("print output:\n%s", buf.String())
	}
}
