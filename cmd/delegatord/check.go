package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"delegator/internal/config"
)

func newCheckConfigCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a config file and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := config.NewManager(cfgPath).Parse()
			if err != nil {
				return reportProblems(cmd.ErrOrStderr(), cfgPath, err)
			}
			printSettings(cmd.OutOrStdout(), cfgPath, snap)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./delegator.yaml", "path to config file (json, yaml or toml)")
	return cmd
}

// reportProblems lists every joined error on its own line.
func reportProblems(w io.Writer, path string, err error) error {
	var problems []error
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		problems = j.Unwrap()
	} else {
		problems = []error{err}
	}
	fmt.Fprintf(w, "%s: %d problem(s)\n", path, len(problems))
	for _, p := range problems {
		fmt.Fprintf(w, "  - %v\n", p)
	}
	return errors.New("invalid config")
}

func printSettings(w io.Writer, path string, snap *config.Snapshot) {
	s := snap.Settings
	fmt.Fprintf(w, "%s: ok (%s)\n", path, snap.Format)
	fmt.Fprintf(w, "poll: every %s, stable after %d unchanged polls, fetch retries %d\n",
		s.PollInterval, s.StabilityThreshold, s.FetchRetryMax)
	fmt.Fprintf(w, "task ttl: %s, prune: %s\n", s.TaskTTL, s.PruneSchedule)

	fmt.Fprintln(w, "agents:")
	for _, kind := range s.AgentKinds() {
		a := s.Agents[kind]
		fmt.Fprintf(w, "  %-12s %s\n", kind, a.Model)
	}

	fmt.Fprintf(w, "concurrency: default %d\n", s.ConcurrencyDefault)
	keys := make([]string, 0, len(s.ConcurrencyLimits))
	for k := range s.ConcurrencyLimits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-24s %d\n", k, s.ConcurrencyLimits[k])
	}

	fmt.Fprintf(w, "restricted tools: %s\n", strings.Join(s.RestrictedTools, ", "))
	storage := s.StorageDriver
	if storage == "" {
		storage = "none"
	}
	fmt.Fprintf(w, "storage: %s\n", storage)
	if s.HTTPEnabled {
		fmt.Fprintf(w, "http api: %s\n", s.HTTPAddr)
	} else {
		fmt.Fprintln(w, "http api: disabled")
	}
}
