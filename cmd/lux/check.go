package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/KockaAdmiralac/Lux/internal/config"
	"github.com/KockaAdmiralac/Lux/internal/loader"
	"github.com/KockaAdmiralac/Lux/internal/scheduler"
	"github.com/KockaAdmiralac/Lux/internal/service"
)

// ErrCheckFailed is returned by check when a service would be rejected.
var ErrCheckFailed = errors.New("configuration check failed")

type checkRow struct {
	name    string
	spec    service.Spec
	problem string
	// note is informational and does not fail the check.
	note string
}

func check(out io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	rows, failed := checkServices(cfg)

	for _, w := range cfg.Warnings {
		_, _ = fmt.Fprintf(out, "%s %s\n", text.FgYellow.Sprint("warning:"), w.Error())
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"SERVICE", "VERSION", "AUTO-START", "DEPENDENCIES", "RESULT"})
	for _, r := range rows {
		result := text.FgGreen.Sprint("ok")
		switch {
		case r.problem != "":
			result = text.FgRed.Sprint(r.problem)
		case r.note != "":
			result = text.FgYellow.Sprint(r.note)
		}
		version, auto := "-", "-"
		if r.problem == "" || r.spec.Name != "" {
			version = r.spec.Definition.Version.String()
			auto = fmt.Sprint(r.spec.AutoStart)
		}
		t.AppendRow(table.Row{r.name, version, auto, strings.Join(r.spec.Definition.Dependencies, ", "), result})
	}
	t.Render()

	if failed {
		return ErrCheckFailed
	}
	return nil
}

// checkServices loads every service and runs the registration checks on the
// loaded set: duplicates and dependency cycles are failures, dependencies
// that no service provides are reported as notes.
func checkServices(cfg *config.Config) ([]checkRow, bool) {
	l := loader.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var rows []checkRow
	failed := false
	loaded := make(map[string]bool)
	graph := make(map[string][]string)

	for _, s := range cfg.Services {
		spec, err := l.Service(s)
		switch {
		case err != nil:
			rows = append(rows, checkRow{name: s.Name, problem: err.Error()})
			failed = true
			continue
		case loaded[spec.Name]:
			rows = append(rows, checkRow{name: s.Name, spec: spec, problem: service.ErrDuplicate.Error()})
			failed = true
			continue
		}
		loaded[spec.Name] = true
		graph[spec.Name] = spec.Definition.Dependencies
		rows = append(rows, checkRow{name: s.Name, spec: spec})
	}

	cycles := make(map[string]string)
	for _, ce := range scheduler.FindCycles(graph) {
		for _, m := range ce.Members {
			cycles[m] = ce.Error()
		}
	}
	for i := range rows {
		r := &rows[i]
		if r.problem != "" {
			continue
		}
		if c, ok := cycles[r.spec.Name]; ok {
			r.problem = c
			failed = true
			continue
		}
		var unknown []string
		for _, d := range r.spec.Definition.Dependencies {
			if !loaded[d] {
				unknown = append(unknown, d)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			r.note = "waits for unknown " + strings.Join(unknown, ", ")
		}
	}
	return rows, failed
}
