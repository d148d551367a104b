package server

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/loykin/papa/internal/protocol"
)

// FuzzIsSafeAbsPath tests path validation with various inputs
func FuzzIsSafeAbsPath(f *testing.F) {
	f.Add("")
	f.Add("/tmp/x")
	f.Add("/tmp/../etc")
	f.Add("relative/path")
	f.Add("/")
	f.Add("//double")
	f.Add("/trailing/")
	f.Add("/with\x00null")

	f.Fuzz(func(t *testing.T, p string) {
		if len(p) > 500 {
			t.Skip("path too long")
		}
		ok := isSafeAbsPath(p)
		if p == "" {
			if !ok {
				t.Error("empty path should be allowed")
			}
			return
		}
		if ok && !filepath.IsAbs(p) {
			t.Errorf("relative path accepted: %q", p)
		}
		if ok {
			for _, seg := range strings.Split(p, string(filepath.Separator)) {
				if seg == ".." {
					t.Errorf("traversal accepted: %q", p)
				}
			}
		}
	})
}

// FuzzSpecFromArgs checks that the wire conversion keeps every field and that
// validation never panics on arbitrary definitions.
func FuzzSpecFromArgs(f *testing.F) {
	f.Add("web", "sleep 10", "always", "TERM", int64(1e9), 3)
	f.Add("", "", "", "", int64(0), 0)
	f.Add("../x", "sh -c 'exit 1'", "bogus", "NOPE", int64(-5), -1)

	f.Fuzz(func(t *testing.T, name, command, restart, sig string, grace int64, retries int) {
		a := protocol.SpecArgs{
			Name:       name,
			Command:    command,
			Restart:    restart,
			StopSignal: sig,
			StopGrace:  protocol.Duration(grace),
			MaxRetries: retries,
		}
		spec := SpecFromArgs(a)
		back := ArgsFromSpec(spec)
		if back.Name != a.Name || back.Command != a.Command || back.Restart != a.Restart ||
			back.StopSignal != a.StopSignal || back.StopGrace != a.StopGrace || back.MaxRetries != a.MaxRetries {
			t.Fatalf("round trip changed the definition: %+v -> %+v", a, back)
		}
		_ = spec.WithDefaults().Validate()
	})
}
