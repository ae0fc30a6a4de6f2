package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"tracking-catalog/internal/catalog"
	"tracking-catalog/internal/planfile"
	"tracking-catalog/internal/store"
)

type applyOptions struct {
	File    string
	Migrate bool
	DryRun  bool
}

func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &applyOptions{}
	cmd := &cobra.Command{
		Use:   "apply -f <plans.yml>",
		Short: "Create plans and attach events from a plan file",
		Long: `Apply a YAML plan file to the catalog.

Plans are matched by name and created when missing. Events already bound to
a plan are skipped, so applying the same file twice changes nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApply(cmd.Context(), rootOpts, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "plan file to apply")
	cmd.Flags().BoolVar(&opts.Migrate, "migrate", false, "migrate the store before applying")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "only parse and validate the file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runApply(ctx context.Context, rootOpts *RootOptions, opts *applyOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	plans, err := planfile.Load(opts.File)
	if err != nil {
		return err
	}
	if opts.DryRun {
		fmt.Fprintf(out, "%s: %d plan(s) valid\n", opts.File, len(plans))
		return nil
	}

	if opts.Migrate {
		if err := store.Migrate(rootOpts.DSN, "up"); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	st, err := store.Open(ctx, rootOpts.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := catalog.NewService(st, catalog.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return applyAll(ctx, svc, plans, out)
}

func applyAll(ctx context.Context, svc *catalog.Service, plans []catalog.PlanDefinition, out io.Writer) error {
	for _, def := range plans {
		res, err := svc.ApplyPlan(ctx, def)
		if err != nil {
			return fmt.Errorf("plan %q: %w", def.Name, err)
		}
		verb := "updated"
		if res.Created {
			verb = "created"
		}
		fmt.Fprintf(out, "%s %s (%s): %d attached, %d already bound\n", verb, res.Plan.Name, res.Plan.Ref, res.Attached, res.Skipped)
	}
	return nil
}
