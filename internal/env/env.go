// Package env composes the environment handed to service processes.
package env

import (
	"os"
	"sort"
	"strings"
)

const (
	// ServiceVar carries the service name into the child process.
	ServiceVar = "LUX_SERVICE"
	// PathVar carries the service directory into the child process.
	PathVar = "LUX_PATH"
)

type Var map[string]string

type Env struct {
	Var  Var // supervisor-wide variables from the root config
	base Var // cached OS environment
}

func New(vars map[string]string) *Env {
	e := &Env{Var: make(Var, len(vars))}
	for k, v := range vars {
		e.Set(k, v)
	}
	return e
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = Parse(os.Environ())
}

func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Parse turns "K=V" pairs into a map. Entries without a key are skipped.
func Parse(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// Merge layers the OS environment, the supervisor-wide variables and extra, in
// that order, and expands ${VAR} references against the merged set. The result
// is sorted by key.
func (e *Env) Merge(extra Var) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(extra))
	for _, layer := range []Var{e.base, e.Var, extra} {
		for k, v := range layer {
			if k != "" {
				m[k] = v
			}
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// ForService returns the environment of service name living in dir.
func (e *Env) ForService(name, dir string) []string {
	return e.Merge(Var{ServiceVar: name, PathVar: dir})
}

// expand replaces ${VAR} with its value from m; unknown names are kept as is.
// Expansion is a single pass, references inside substituted values stay literal.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
