package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"modelmgr/internal/errs"
	"modelmgr/internal/manager"
	"modelmgr/internal/merge"
	"modelmgr/pkg/types"
)

func opCommands(opts *Options) []*cobra.Command {
	var sets []string
	var quiet bool
	installCmd := &cobra.Command{
		Use:   "install SOURCE",
		Short: "Install a model from a local path, URL or repo id and wait for it",
		Example: "  modelmgr install ~/Downloads/model.safetensors --set name=my-model\n" +
			"  modelmgr install stabilityai/sdxl-turbo",
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseSets(sets)
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				job, err := rt.m.InstallModel(args[0], overrides)
				if err != nil {
					return err
				}
				var progress io.Writer = opts.err
				if quiet {
					progress = io.Discard
				}
				final, err := waitInstall(ctx, rt.m, job, progress)
				if err != nil {
					return err
				}
				fmt.Fprintf(opts.out, "installed %s\n", final.ResultKey)
				return nil
			})
		},
	}
	installCmd.Flags().StringArrayVar(&sets, "set", nil, "Override a probed field, e.g. --set name=foo (repeatable)")
	installCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not render a progress bar")

	var dest string
	convertCmd := &cobra.Command{
		Use:   "convert KEY",
		Short: "Convert a checkpoint model to diffusers format",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				mc, err := rt.m.ConvertModel(ctx, args[0], dest)
				if err != nil {
					return err
				}
				fmt.Fprintf(opts.out, "converted %s -> %s\n", mc.Key, mc.Path)
				return nil
			})
		},
	}
	convertCmd.Flags().StringVar(&dest, "dest", "", "Destination directory (defaults next to the models dir layout)")

	var req merge.Request
	var alpha float64
	var interp string
	mergeCmd := &cobra.Command{
		Use:     "merge KEY KEY [KEY]",
		Short:   "Merge two or three main models into a new diffusers model",
		Example: "  modelmgr merge 6f1c... 9a2b... --name blend --alpha 0.3",
		Args:    rangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Keys = args
			req.Interpolation = merge.Interpolation(interp)
			if cmd.Flags().Changed("alpha") {
				a := alpha
				req.Alpha = &a
			}
			return withManager(cmd.Context(), opts, func(ctx context.Context, rt runtime) error {
				mc, err := rt.m.MergeModels(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(opts.out, "merged into %s (%s)\n", mc.Key, mc.Path)
				return nil
			})
		},
	}
	mf := mergeCmd.Flags()
	mf.StringVar(&req.Name, "name", "", "Name of the merged model")
	mf.Float64Var(&alpha, "alpha", 0.5, "Blend weight in [0,1]")
	mf.StringVar(&interp, "interp", "", "Interpolation: weighted_sum|sigmoid|inv_sigmoid|add_difference")
	mf.BoolVar(&req.Force, "force", false, "Overwrite an existing destination")
	mf.StringVar(&req.DestDir, "dest", "", "Destination directory")

	return []*cobra.Command{installCmd, convertCmd, mergeCmd}
}

// parseSets turns repeated k=v flags into an overrides map.
func parseSets(sets []string) (map[string]any, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(sets))
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, usagef("--set expects key=value, got %q", s)
		}
		out[k] = v
	}
	return out, nil
}

// waitInstall blocks until the job is terminal, rendering byte progress to w.
// Only a completed job returns a nil error.
func waitInstall(ctx context.Context, m *manager.Manager, job types.Job, w io.Writer) (types.Job, error) {
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(job.Source),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)
	done := make(chan struct{})
	var final types.Job
	var werr error
	go func() {
		defer close(done)
		final, werr = m.WaitJob(ctx, job.ID)
	}()

	var max int64 = -1
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			_ = bar.Finish()
			if werr != nil {
				return final, werr
			}
			switch final.Status {
			case types.JobCompleted:
				return final, nil
			case types.JobCanceled:
				return final, errs.Canceled("install %s canceled", final.ID)
			default:
				return final, fmt.Errorf("install %s failed: %s", final.ID, final.Error)
			}
		case <-t.C:
			j, err := m.GetJob(job.ID)
			if err != nil {
				continue
			}
			if j.BytesTotal > 0 && j.BytesTotal != max {
				max = j.BytesTotal
				bar.ChangeMax64(max)
			}
			_ = bar.Set64(j.BytesDone)
		}
	}
}
