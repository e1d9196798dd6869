package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/pyreposcan/pyreposcan/internal/scanner"
	"github.com/pyreposcan/pyreposcan/internal/taint"
)

// runScan implements the `scan` subcommand: analyze a single file,
// directory, or archive and print (or write) its Result, then exit.
func runScan(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	g := addGlobalFlags(fs)

	file := fs.String("file", "", "file, directory, or archive (.tar.gz/.whl) to scan (required)")
	rulePath := fs.String("rule", "", "taint rule file or directory (required)")
	fileRulePath := fs.String("file_rule", "", "file-selection rule file (defaults to setup.py/__init__.py)")
	output := fs.String("output", "", "write JSON result here instead of printing it")

	if err := fs.Parse(args); err != nil {
		return exitBadArgs
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "scan: --file is required")
		return exitBadArgs
	}
	if *rulePath == "" {
		fmt.Fprintln(os.Stderr, "scan: --rule is required")
		return exitBadArgs
	}

	log, err := g.logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "scan:", err)
		return exitBadArgs
	}

	fileRules, err := taint.LoadFileRules(log, *fileRulePath)
	if err != nil {
		log.Error().Err(err).Msg("loading file rules")
		return exitScanFailure
	}
	rules, err := taint.LoadRules(log, *rulePath)
	if err != nil {
		log.Error().Err(err).Msg("loading taint rules")
		return exitScanFailure
	}

	sc := scanner.New(rules, fileRules, "", log)
	result, err := sc.Scan(ctx, *file)
	if err != nil {
		log.Error().Err(err).Str("file", *file).Msg("scan failed")
		return exitScanFailure
	}

	for _, issue := range result.Issues {
		if issue.Severity >= taint.High {
			log.Warn().
				Str("file", issue.FilePath).
				Int("line", issue.Taint.Line).
				Str("rule", issue.RuleID).
				Msg(issue.Message)
		}
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("marshaling result")
		return exitScanFailure
	}

	if *output == "" {
		fmt.Println(string(data))
		return exitSuccess
	}
	if err := os.WriteFile(*output, data, 0o644); err != nil {
		log.Error().Err(err).Str("output", *output).Msg("writing result")
		return exitScanFailure
	}
	return exitSuccess
}
