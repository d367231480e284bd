package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aifeed",
		Short:         "Aggregate AI papers, news, videos and blog posts into one feed",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(refreshCmd())
	root.AddCommand(runCmd())
	root.AddCommand(itemsCmd())
	root.AddCommand(runsCmd())
	root.AddCommand(annotateCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(backupCmd())

	return root
}

func refreshCmd() *cobra.Command {
	var sources []string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRefresh(cmd.Context(), sources)
		},
	}

	cmd.Flags().StringSliceVar(&sources, "source", nil, "only refresh these sources, by name or kind (e.g., arxiv,blog)")
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler and refresh on the configured interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func itemsCmd() *cobra.Command {
	var opts itemsOptions

	cmd := &cobra.Command{
		Use:   "items",
		Short: "List stored items, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runItems(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.kind, "kind", "", "filter by kind (paper, news, video, blog)")
	cmd.Flags().StringVar(&opts.category, "category", "", "filter by annotation category")
	cmd.Flags().StringVar(&opts.search, "search", "", "match title or text")
	cmd.Flags().DurationVar(&opts.since, "since", 0, "only items newer than this (e.g., 24h)")
	cmd.Flags().BoolVar(&opts.all, "all", false, "include items outside the retention window")
	cmd.Flags().IntVar(&opts.limit, "limit", 20, "max items to show")
	cmd.Flags().BoolVar(&opts.json, "json", false, "output as JSON")
	return cmd
}

func runsCmd() *cobra.Command {
	var (
		jsonOutput bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent refresh runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(cmd.Context(), limit, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().IntVar(&limit, "limit", 10, "max runs to show")
	return cmd
}

func annotateCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "annotate",
		Short: "Retry analysis for items still missing an annotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnnotate(cmd.Context(), limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "max items to retry (default: from config)")
	return cmd
}

func statsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize stored content",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the database and upload it when S3 is configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd.Context())
		},
	}
}
