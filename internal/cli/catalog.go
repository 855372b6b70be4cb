package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"modelmgr/pkg/types"
)

func catalogCommands(opts *Options) []*cobra.Command {
	var name, base, typ string
	listCmd := &cobra.Command{
		Use:     "list",
		Short:   "List catalog entries, optionally filtered",
		Example: "  modelmgr list --base sdxl --type main",
		Args:    noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				models, err := rt.m.ListModels(name, types.BaseModelType(base), types.ModelType(typ))
				if err != nil {
					return err
				}
				return printModels(opts.out, models)
			})
		},
	}
	listCmd.Flags().StringVar(&name, "name", "", "Exact model name")
	listCmd.Flags().StringVar(&base, "base", "", "Base model: any|sd-1|sd-2|sdxl|sdxl-refiner")
	listCmd.Flags().StringVar(&typ, "type", "", "Model type, e.g. main|vae|lora")

	showCmd := &cobra.Command{
		Use:   "show KEY",
		Short: "Print one catalog entry as JSON",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				mc, err := rt.m.GetModelConfig(args[0])
				if err != nil {
					return err
				}
				return printJSON(opts.out, mc)
			})
		},
	}

	var withFiles bool
	deleteCmd := &cobra.Command{
		Use:   "delete KEY",
		Short: "Remove a catalog entry",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				if err := rt.m.DeleteModel(args[0], withFiles); err != nil {
					return err
				}
				fmt.Fprintf(opts.out, "deleted %s\n", args[0])
				return nil
			})
		},
	}
	deleteCmd.Flags().BoolVar(&withFiles, "files", false, "Also delete the model files from disk")

	renameCmd := &cobra.Command{
		Use:   "rename KEY NAME",
		Short: "Change the display name of a catalog entry",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				mc, err := rt.m.RenameModel(args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(opts.out, "renamed %s to %s\n", mc.Key, mc.Name)
				return nil
			})
		},
	}

	searchCmd := &cobra.Command{
		Use:   "search DIR",
		Short: "List installable model paths under DIR",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				paths, err := rt.m.SearchForModels(args[0])
				if err != nil {
					return err
				}
				printLines(opts.out, paths)
				return nil
			})
		},
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the catalog with the legacy models file and model directories",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				rep, err := rt.m.Sync(ctx)
				for _, k := range rep.Imported {
					fmt.Fprintf(opts.out, "imported %s\n", k)
				}
				for _, k := range rep.Removed {
					fmt.Fprintf(opts.out, "removed %s\n", k)
				}
				fmt.Fprintf(opts.out, "sync: %d imported, %d removed, %d skipped\n", len(rep.Imported), len(rep.Removed), rep.Skipped)
				return err
			})
		},
	}

	ckptCmd := &cobra.Command{
		Use:   "checkpoint-configs",
		Short: "List legacy checkpoint config files relative to the root dir",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				files, err := rt.m.ListCheckpointConfigs()
				if err != nil {
					return err
				}
				printLines(opts.out, files)
				return nil
			})
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the manager status snapshot as JSON",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				return printJSON(opts.out, rt.m.Status())
			})
		},
	}

	sanityCmd := &cobra.Command{
		Use:   "sanity",
		Short: "Check directories and catalog access",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				rep := rt.m.SanityCheck()
				tw := tabwriter.NewWriter(opts.out, 0, 4, 2, ' ', 0)
				for _, c := range rep.Checks {
					state := "ok"
					if !c.OK {
						state = "FAIL"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, state, c.Detail)
				}
				_ = tw.Flush()
				if !rep.OK {
					return fmt.Errorf("sanity check failed")
				}
				return nil
			})
		},
	}

	return []*cobra.Command{listCmd, showCmd, deleteCmd, renameCmd, searchCmd, syncCmd, ckptCmd, statsCmd, sanityCmd}
}

func printModels(w io.Writer, models []types.ModelConfig) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tNAME\tBASE\tTYPE\tFORMAT\tPATH")
	for _, mc := range models {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", mc.Key, mc.Name, mc.Base, mc.Type, mc.Format, mc.Path)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printLines(w io.Writer, lines []string) {
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}
