package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/KockaAdmiralac/Lux/pkg/client"
	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

func stateColor(s protocol.State) text.Colors {
	switch s {
	case protocol.StateRunning:
		return text.Colors{text.FgGreen}
	case protocol.StateStarting, protocol.StateConnecting:
		return text.Colors{text.FgYellow}
	case protocol.StatePaused:
		return text.Colors{text.FgCyan}
	}
	return text.Colors{text.FgRed}
}

func status(ctx context.Context, out io.Writer, c *client.Client) error {
	services, err := c.Services(ctx)
	if err != nil {
		return err
	}
	blocked, err := c.Blocked(ctx)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"SERVICE", "STATE", "PID", "VERSION", "DEPENDENCIES", "UPTIME"})
	for _, s := range services {
		pid, uptime := "-", "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		if s.State == protocol.StateRunning && !s.RunningSince.IsZero() {
			uptime = time.Since(s.RunningSince).Truncate(time.Second).String()
		}
		deps := strings.Join(s.Dependencies, ", ")
		if s.Pending > 0 {
			deps += fmt.Sprintf(" (%d pending)", s.Pending)
		}
		t.AppendRow(table.Row{s.Name, stateColor(s.State).Sprint(string(s.State)), pid, s.Version, deps, uptime})
	}
	t.Render()

	for _, b := range blocked {
		_, _ = fmt.Fprintf(out, "%s %s waits for unregistered %s since %s\n",
			text.FgYellow.Sprint("blocked:"), b.Service, strings.Join(b.Unregistered, ", "),
			b.Since.Format(time.RFC3339))
	}
	return nil
}
