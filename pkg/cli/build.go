package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/extforge/pkg/build"
)

func newBuildCommand(a *app) *cobra.Command {
	var (
		fast     bool
		force    bool
		noPrompt bool
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Package, sign and validate the extension",
		Long: `Package the extension directory, sign it and validate it against the registry.

Without a registry the build only produces the signed archive in dist. With
--fast the version is always bumped and the archive is uploaded and activated
straight away; otherwise you are asked whether to upload once validation
passes (only on a terminal, and never with --no-prompt).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.pipeline(ctx, a.progressPrinter())
			if err != nil {
				return err
			}
			defer p.Close(context.Background())

			mode := build.ModeManual
			if fast {
				mode = build.ModeFast
			}
			res, err := p.orch.Run(ctx, build.Options{Mode: mode, ForceIncrement: force})
			a.printResult(res)
			if err != nil {
				return err
			}

			if mode == build.ModeFast || !p.env.HasRegistry() || noPrompt || !a.isTerminal() {
				return nil
			}
			if !a.confirm(fmt.Sprintf("Upload %s %s to the registry now?", res.Name, res.Version)) {
				fmt.Fprintln(a.out, "Skipped upload; run 'extforge upload' to publish later.")
				return nil
			}
			res, err = p.orch.Upload(ctx)
			a.printResult(res)
			return err
		},
	}
	cmd.Flags().BoolVar(&fast, "fast", false, "bump the version, upload and activate without validating first")
	cmd.Flags().BoolVar(&force, "force-increment", false, "bump the version even if the registry does not have it")
	cmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "never ask to upload after validation")
	return cmd
}

func newUploadCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Upload and activate the last validated archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.pipeline(ctx, a.progressPrinter())
			if err != nil {
				return err
			}
			defer p.Close(context.Background())

			res, err := p.orch.Upload(ctx)
			a.printResult(res)
			return err
		},
	}
}

// confirm asks a yes/no question, defaulting to no
func (a *app) confirm(question string) bool {
	fmt.Fprintf(a.out, "%s [y/N] ", question)
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func (a *app) progressPrinter() build.ProgressSink {
	return build.ProgressFunc(func(e build.Event) {
		if e.Phase == build.PhaseDone {
			return
		}
		if e.Message != "" {
			fmt.Fprintf(a.errOut, "==> %s (%s)\n", e.Phase, e.Message)
		} else {
			fmt.Fprintf(a.errOut, "==> %s\n", e.Phase)
		}
	})
}

func (a *app) printResult(res *build.Result) {
	if res == nil || res.Name == "" {
		return
	}
	fmt.Fprintf(a.out, "%s %s", res.Name, res.Version)
	if res.Decision.Rewrite {
		fmt.Fprintf(a.out, " (version bumped: %s)", res.Decision.Reason)
	}
	fmt.Fprintln(a.out)

	if v := res.Validation; v != nil {
		switch {
		case v.Skipped:
			fmt.Fprintln(a.out, "  validation: skipped, no registry configured")
		case v.Valid:
			fmt.Fprintln(a.out, "  validation: passed")
		default:
			fmt.Fprintln(a.out, "  validation: rejected")
			if len(v.Detail) > 0 {
				fmt.Fprintf(a.out, "  detail: %s\n", v.Detail)
			}
		}
	}
	if u := res.Upload; u != nil {
		fmt.Fprintf(a.out, "  upload: %s after %d attempt(s)", u.State, u.Attempts)
		if u.Eviction.Version != "" {
			fmt.Fprintf(a.out, ", evicted %s (%s)", u.Eviction.Version, u.Eviction.Outcome)
		}
		fmt.Fprintln(a.out)
	}
	if res.DistPath != "" {
		fmt.Fprintf(a.out, "  dist: %s\n", res.DistPath)
	}
	if res.Digest != "" {
		fmt.Fprintf(a.out, "  blake3: %s\n", res.Digest)
	}
}
