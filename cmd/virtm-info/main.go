// Command virtm-info probes the host's hypervisor backends and prints what
// it finds. With -spec it additionally validates a VM specification file
// against the native platform's capabilities.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	virtm "github.com/virtm/virtm"
	"gopkg.in/yaml.v3"
)

type report struct {
	Kind     virtm.Kind      `yaml:"kind"`
	Status   string          `yaml:"status"`
	Version  string          `yaml:"version,omitempty"`
	Error    string          `yaml:"error,omitempty"`
	Features *virtm.Features `yaml:"features,omitempty"`
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	specPath := fs.String("spec", "", "VM specification file to validate")
	verbose := fs.Bool("v", false, "Enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	var reports []report
	for _, kind := range virtm.Kinds() {
		platform, err := virtm.Lookup(kind)
		if err != nil {
			reports = append(reports, report{Kind: kind, Status: "error", Error: err.Error()})
			continue
		}
		r := report{
			Kind:    platform.Kind(),
			Status:  platform.Status().String(),
			Version: platform.Version().String(),
		}
		if platform.Status().Usable() {
			features := platform.Features()
			r.Features = &features
		} else if probeErr := platform.ProbeError(); probeErr != nil {
			r.Error = probeErr.Error()
		}
		reports = append(reports, r)
	}

	out, err := yaml.Marshal(reports)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(out)

	if *specPath != "" {
		if err := validateSpec(*specPath); err != nil {
			fmt.Fprintf(os.Stderr, "spec: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("spec %s: ok\n", *specPath)
	}
}

func validateSpec(path string) error {
	spec, err := virtm.LoadSpecifications(path)
	if err != nil {
		return err
	}
	platform, err := virtm.Native()
	if err != nil {
		return err
	}
	if !platform.Status().Usable() {
		return fmt.Errorf("native platform %s not usable", platform.Kind())
	}
	return spec.Validate(platform.Features())
}
