package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"localinfer/internal/registry"
	"localinfer/pkg/types"
)

func newPullCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "pull <org/model>",
		Short:   "Download a model from the hub into the local cache",
		Example: "  localinfer pull mlx-community/Qwen2.5-0.5B-Instruct-4bit",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, _, err := o.build(nil)
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(cmd.Context()))

			pp := newProgressPrinter(cmd.ErrOrStderr())
			info, err := svc.PullModel(cmd.Context(), args[0], pp.update)
			pp.finish()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pulled %s (%s, %s) to %s\n", info.ID, info.Format, formatBytes(info.SizeBytes), info.LocalPath)
			return nil
		},
	}
}

func newListCmd(o *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List cached models",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := o.load()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg.CacheDir, log)
			if err != nil {
				return err
			}
			models, err := reg.List()
			if err != nil {
				return err
			}
			if asJSON {
				if models == nil {
					models = []types.ModelInfo{}
				}
				return printJSON(cmd.OutOrStdout(), models)
			}
			if len(models) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no models cached; try `localinfer pull <org/model>`")
				return nil
			}
			renderModels(cmd, models)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func renderModels(cmd *cobra.Command, models []types.ModelInfo) {
	t := newTable(cmd.OutOrStdout(), "ID", "Format", "Size", "Quant", "Params", "Pulled")
	for _, m := range models {
		pulled := "-"
		if !m.PulledAt.IsZero() {
			pulled = m.PulledAt.Local().Format(time.DateOnly)
		}
		t.Append([]string{m.ID, string(m.Format), formatBytes(m.SizeBytes), orDash(m.Quantization), orDash(m.ParameterCount), pulled})
	}
	t.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newRmCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <model>...",
		Aliases: []string{"remove"},
		Short:   "Delete cached models",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, _, err := o.build(nil)
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(cmd.Context()))

			var errs []error
			for _, id := range args {
				info, err := svc.Registry().Get(id)
				if registry.IsNotFound(err) {
					errs = append(errs, fmt.Errorf("model not found: %s", id))
					continue
				}
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if err := svc.DeleteModel(cmd.Context(), info.ID); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (%s)\n", info.ID, formatBytes(info.SizeBytes))
			}
			return errors.Join(errs...)
		},
	}
}
