package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/loykin/papa/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// printStatusTable renders statuses one per line.
func printStatusTable(w io.Writer, statuses []client.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tPID\tUPTIME\tRESTARTS\tFAILURES\tLAST ERROR")
	for _, st := range statuses {
		pid := "-"
		if st.PID > 0 {
			pid = fmt.Sprint(st.PID)
		}
		uptime := "-"
		if st.Uptime > 0 {
			uptime = time.Duration(st.Uptime).Truncate(time.Second).String()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			st.Name, st.State, pid, uptime, st.Restarts, st.Failures, st.LastError)
	}
	_ = tw.Flush()
}

// specFromFlags builds a process definition from add flags. The JSON file,
// when given, is loaded first and flags that were set override it.
func specFromFlags(f AddFlags, changed func(string) bool, readFile func(string) ([]byte, error)) (client.Spec, error) {
	var spec client.Spec
	if f.File != "" {
		data, err := readFile(f.File)
		if err != nil {
			return spec, fmt.Errorf("failed to read %s: %w", f.File, err)
		}
		if err := json.Unmarshal(data, &spec); err != nil {
			return spec, fmt.Errorf("failed to parse %s: %w", f.File, err)
		}
	}
	if changed("name") || spec.Name == "" {
		spec.Name = f.Name
	}
	if changed("command") || spec.Command == "" {
		spec.Command = f.Command
	}
	if changed("args") {
		spec.Args = f.Args
	}
	if changed("workdir") {
		spec.WorkDir = f.WorkDir
	}
	if changed("env") {
		spec.Env = f.Env
	}
	if changed("restart") {
		spec.Restart = f.Restart
	}
	if changed("max-retries") {
		spec.MaxRetries = f.MaxRetries
	}
	if changed("startsecs") {
		spec.StartSeconds = client.Duration(f.StartSeconds)
	}
	if changed("stop-signal") {
		spec.StopSignal = f.StopSignal
	}
	if changed("stop-grace") {
		spec.StopGrace = client.Duration(f.StopGrace)
	}
	if changed("reset-after") {
		spec.ResetAfter = client.Duration(f.ResetAfter)
	}
	if changed("autostart") {
		v := f.AutoStart
		spec.AutoStart = &v
	}
	if changed("buffer-size") {
		spec.BufferSize = f.BufferSize
	}
	if spec.Name == "" {
		return spec, fmt.Errorf("process name is required")
	}
	if spec.Command == "" {
		return spec, fmt.Errorf("process %q requires command", spec.Name)
	}
	return spec, nil
}
