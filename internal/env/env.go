package env

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to supervised processes:
// daemon environment (optional), then global variables, then per-process entries.
type Env struct {
	Var   Var  // global variables (K->V)
	UseOS bool // start from the daemon's own environment
	base  Var  // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var), UseOS: true}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.base = base
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetPairs applies "K=V" entries as global variables.
func (e *Env) SetPairs(pairs []string) error {
	for i, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("env[%d] %q is invalid, must be in KEY=VALUE format", i, kv)
		}
		e.Set(strings.TrimSpace(k), v)
	}
	return nil
}

// LoadFile reads a dotenv style file (KEY=VALUE per line, # comments,
// optional surrounding quotes) into the global variables.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return fmt.Errorf("open env file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		s = strings.TrimPrefix(s, "export ")
		k, v, ok := strings.Cut(s, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, line)
		}
		v = strings.TrimSpace(v)
		if n := len(v); n >= 2 && ((v[0] == '"' && v[n-1] == '"') || (v[0] == '\'' && v[n-1] == '\'')) {
			v = v[1 : n-1]
		}
		e.Set(k, v)
	}
	return sc.Err()
}

// Merge composes the final environment list applying order:
// base = OS env (when UseOS), then global e.Var overrides,
// then perProc ("K=V") overrides.
// ${VAR} references are expanded against the composed map (no recursion).
// The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	m := make(Var)
	if e.UseOS {
		if e.base == nil {
			e.FromOS()
		}
		for k, v := range e.base {
			m[k] = v
		}
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range perProc {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// expand replaces ${VAR} references found in m; unknown references are kept.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		k := s[i+2 : i+j]
		if v, ok := m[k]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+j+1])
		}
		s = s[i+j+1:]
	}
	b.WriteString(s)
	return b.String()
}
