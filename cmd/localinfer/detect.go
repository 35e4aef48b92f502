package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"localinfer/internal/common/fsutil"
	"localinfer/internal/config"
	"localinfer/internal/detect"
)

// detectReport is what `localinfer detect` prints.
type detectReport struct {
	OS              string        `json:"os"`
	Arch            string        `json:"arch"`
	Backend         string        `json:"backend"`
	Interpreter     string        `json:"interpreter"`
	Probe           detect.Report `json:"probe"`
	PreferredEngine string        `json:"preferred_engine,omitempty"`
	WorkerScript    string        `json:"worker_script"`
	WorkerScriptOK  bool          `json:"worker_script_found"`
	ServerBinary    string        `json:"server_binary"`
	ServerBinaryOK  bool          `json:"server_binary_found"`
	CacheDir        string        `json:"cache_dir"`
}

func newDetectCmd(o *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Report the interpreter, inference packages and binaries found on this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := o.load()
			if err != nil {
				return err
			}
			rep, err := runDetect(cmd, cfg)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), rep)
			}
			renderDetect(cmd, rep)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func runDetect(cmd *cobra.Command, cfg config.Config) (detectReport, error) {
	dataDir, err := fsutil.ExpandHome(cfg.DataDir)
	if err != nil {
		return detectReport{}, err
	}
	cacheDir, err := fsutil.ExpandHome(cfg.CacheDir)
	if err != nil {
		return detectReport{}, err
	}
	platform := detect.Host()
	exeDir := detect.ExecutableDir()

	interp := cfg.Interpreter
	if interp == "" {
		interp = detect.ResolveInterpreter(dataDir)
	}
	script := cfg.WorkerScript
	if script != "" {
		if script, err = fsutil.ExpandHome(script); err != nil {
			return detectReport{}, err
		}
	} else {
		script = detect.LocateWorkerScript(detect.WorkerScriptCandidates(dataDir, exeDir))
	}
	server := detect.ResolveServerBinary(cfg.ServerBinary, exeDir)

	probe := detect.Probe(cmd.Context(), interp, detect.EnginesFor(platform), detect.DefaultProbeTimeout)
	return detectReport{
		OS:              platform.OS,
		Arch:            platform.Arch,
		Backend:         cfg.Backend,
		Interpreter:     interp,
		Probe:           probe,
		PreferredEngine: string(probe.Preferred()),
		WorkerScript:    script,
		WorkerScriptOK:  fsutil.PathExists(script),
		ServerBinary:    server,
		ServerBinaryOK:  fsutil.PathExists(server),
		CacheDir:        cacheDir,
	}, nil
}

func renderDetect(cmd *cobra.Command, r detectReport) {
	w := cmd.OutOrStdout()
	version := r.Probe.Version
	if version == "" {
		version = "not runnable"
	} else if !r.Probe.VersionOK {
		version += " (needs >= " + detect.MinPythonVersion + ")"
	}
	t := newTable(w, "Item", "Value")
	t.Append([]string{"platform", r.OS + "/" + r.Arch})
	t.Append([]string{"backend", r.Backend})
	t.Append([]string{"interpreter", r.Interpreter})
	t.Append([]string{"python", version})
	t.Append([]string{"worker script", found(r.WorkerScript, r.WorkerScriptOK)})
	t.Append([]string{"server binary", found(r.ServerBinary, r.ServerBinaryOK)})
	t.Append([]string{"cache dir", r.CacheDir})
	t.Render()
	fmt.Fprintln(w)

	t = newTable(w, "Engine", "Module", "Status")
	for _, e := range detect.EnginesFor(detect.Platform{OS: r.OS, Arch: r.Arch}) {
		status := "ok"
		if !r.Probe.Has(e) {
			status = "missing"
			if why := r.Probe.Missing[e]; why != "" {
				status += ": " + why
			}
		}
		t.Append([]string{string(e), detect.PythonModule(e), status})
	}
	t.Render()

	if reason := r.Probe.Reason(); reason != "" && r.Backend == "worker" {
		fmt.Fprintf(w, "\nworker backend unavailable: %s\n", reason)
	}
}

func found(path string, ok bool) string {
	if ok {
		return path
	}
	return path + " (not found)"
}
