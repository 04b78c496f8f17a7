package cli

import (
	"encoding/json"
	"runtime"

	"spritegate/internal/config"
	"spritegate/internal/runner"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spritegate",
		Short: "Spritegate generates and quality-gates sprite animation frames",
		Long: `Spritegate drives an image generator frame by frame, normalizes and audits every
candidate against the character anchor, retries along a fixed ladder and packs the
approved frames into an atlas.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newAnchorCmd(root))
	rootCmd.AddCommand(newAuditCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		opts      runner.Options
		serveAddr string
	)

	cmd := &cobra.Command{
		Use:   "run <manifest.yaml>",
		Short: "Run or resume a move",
		Long: `Generate every frame of the move described by the manifest. A run that was
interrupted resumes from its persisted state.

Examples:
  # Fresh run or resume
  spritegate run moves/knight_walk.yaml

  # Accept an edited manifest and resume a stopped run
  spritegate run moves/knight_walk.yaml --override

  # Watch progress live
  spritegate run moves/knight_walk.yaml --serve 127.0.0.1:8088`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runMove(cmd.Context(), args[0], opts, serveAddr)
		},
	}

	cmd.Flags().BoolVar(&opts.Override, "override", false, "accept a changed manifest or anchor and resume stopped runs")
	cmd.Flags().BoolVar(&opts.ReleaseOverride, "release-override", false, "mark the release ready even if validation fails")
	cmd.Flags().StringVar(&serveAddr, "serve", "", "also serve the status API on this address")

	return cmd
}

func newStatusCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-dir>",
		Short: "Show the persisted state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.status(args[0])
		},
	}
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs from the QA ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.history(limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func newAnchorCmd(root *Root) *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "anchor <anchor.png>",
		Short: "Measure the alignment target of an anchor image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.anchor(args[0], method)
		},
	}
	cmd.Flags().StringVarP(&method, "method", "m", "", "alignment method (contact_patch|center|none); defaults to config")
	return cmd
}

func newAuditCmd(root *Root) *cobra.Command {
	var manifest, previous string
	cmd := &cobra.Command{
		Use:   "audit <frame.png>",
		Short: "Normalize and audit a single frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.auditFrame(args[0], manifest, previous)
		},
	}
	cmd.Flags().StringVar(&manifest, "manifest", "", "move manifest supplying the anchor and palette")
	cmd.Flags().StringVar(&previous, "previous", "", "previous approved frame for the temporal check")
	cmd.MarkFlagRequired("manifest")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API over the ledger and run directories",
		Long: `Start an HTTP server exposing the QA ledger and persisted run state.
The ledger is opened read-only.

Examples:
  spritegate serve --addr 127.0.0.1:8088
  curl 127.0.0.1:8088/state?move=walk`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			return root.serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address; defaults to config")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration settings",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			encoded, err := json.MarshalIndent(root.cfg, "", "  ")
			if err != nil {
				return err
			}
			root.printf("Config file: %s\n\n%s\n", config.Path(), encoded)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			root.printf("Configuration is valid\n")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.printf("spritegate %s (%s)\n", Version, runtime.Version())
		},
	}
}
