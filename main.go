package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/vietanhduong/crashsym/pkg/config"
	"github.com/vietanhduong/crashsym/pkg/pipeline"
	"github.com/vietanhduong/crashsym/pkg/report"
	"github.com/vietanhduong/crashsym/pkg/syms"
)

func main() {
	var (
		configFile string
		in         string
		out        string
		failures   string
		elfmap     string
	)
	flag.StringVar(&configFile, "config", "", "YAML configuration file")
	flag.StringVar(&in, "in", "-", "Parsed stacks as JSON, - for stdin")
	flag.StringVar(&out, "out", "rebuilt_stacks.json", "Rebuilt stacks output")
	flag.StringVar(&failures, "failures", "failed_symbolization.tsv", "Failure report output")
	flag.StringVar(&elfmap, "elfmap", "elf_map.tsv", "Resolved ELF table output")
	overrides := config.BindFlags(flag.CommandLine)
	flag.Parse()
	defer glog.Flush()

	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFile(configFile); err != nil {
			glog.Errorf("Failed to load config: %v", err)
			os.Exit(1)
		}
	}
	overrides.Apply(cfg)

	stacks, err := readStacks(in)
	if err != nil {
		glog.Errorf("Failed to read stacks: %v", err)
		os.Exit(1)
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		glog.Errorf("Failed to set up pipeline: %v", err)
		os.Exit(1)
	}
	defer closePipeline(p)

	// Subscribe to signals for stopping new resolver processes.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	glog.Infof("Symbolizing %d stacks from %s", len(stacks), in)
	res := p.Run(ctx, stacks)
	if res.Aborted {
		glog.Warningf("Received signal, writing partial results")
	}

	if err := writeOutputs(res, out, failures, elfmap); err != nil {
		glog.Errorf("Failed to write results: %v", err)
		closePipeline(p)
		glog.Flush()
		os.Exit(1)
	}
	glog.Infof("Wrote %d stacks to %s, %d failures to %s", len(res.Stacks), out, len(res.Failures), failures)
}

// closePipeline flushes the symbol cache and logs a failure.
func closePipeline(p io.Closer) {
	if err := p.Close(); err != nil {
		glog.Warningf("Failed to close pipeline: %v", err)
	}
}

func readStacks(path string) ([]syms.Stack, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	var stacks []syms.Stack
	if err := json.NewDecoder(r).Decode(&stacks); err != nil {
		return nil, fmt.Errorf("decode stacks: %w", err)
	}
	return stacks, nil
}

func writeOutputs(res *pipeline.Result, out, failures, elfmap string) error {
	if err := report.WriteJSON(out, res.Stacks); err != nil {
		return err
	}
	if err := report.WriteFailures(failures, res.Fallback, res.Failures); err != nil {
		return err
	}
	if elfmap == "" {
		return nil
	}
	return report.WriteElfMap(elfmap, res.Elfs)
}
