package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"localinfer/internal/config"
	"localinfer/internal/inferred"
	"localinfer/internal/manager"
	"localinfer/pkg/types"
)

var errNoStatus = errors.New("server did not report this status")

func newClusterCmd(o *rootOptions) *cobra.Command {
	var url, token string
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Inspect distributed inference on the inferred server",
		Long:  "Query cluster, transport and RDMA status from the inferred server. With --url the commands talk to a running server; otherwise one is started for the duration of the command.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("cluster requires a subcommand: status|nodes|transport|rdma|bench")
		},
	}
	cmd.PersistentFlags().StringVar(&url, "url", "", "Base URL of a running inferred server")
	cmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token for --url (default: config auth_token)")

	withClient := func(cmd *cobra.Command, fn func(context.Context, *inferred.Client) error) error {
		ctx := cmd.Context()
		if url != "" {
			tok := token
			if tok == "" {
				if cfg, _, err := o.load(); err == nil {
					tok = cfg.AuthToken
				}
			}
			return fn(ctx, inferred.NewClient(strings.TrimRight(url, "/"), tok, nil))
		}
		svc, _, _, err := o.build(func(c *config.Config) { c.Backend = string(manager.KindServer) })
		if err != nil {
			return err
		}
		defer svc.Close(context.WithoutCancel(ctx))
		sb, ok := svc.Backend().(*manager.ServerBackend)
		if !ok {
			return errors.New("server backend not configured")
		}
		c, err := sb.Cluster(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, c)
	}

	status := &cobra.Command{Use: "status", Short: "Show cluster state", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *inferred.Client) error {
			st := c.ClusterStatus(ctx)
			if st == nil {
				return errNoStatus
			}
			return printJSON(cmd.OutOrStdout(), st)
		})
	}}
	nodes := &cobra.Command{Use: "nodes", Short: "List cluster nodes", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *inferred.Client) error {
			renderNodes(cmd, c.ClusterNodes(ctx))
			return nil
		})
	}}
	transport := &cobra.Command{Use: "transport", Short: "Show inter-node transport status", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *inferred.Client) error {
			st := c.Transport(ctx)
			if st == nil {
				return errNoStatus
			}
			return printJSON(cmd.OutOrStdout(), st)
		})
	}}
	rdma := &cobra.Command{Use: "rdma", Short: "Show RDMA configuration", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *inferred.Client) error {
			st := c.RDMA(ctx)
			if st == nil {
				return errNoStatus
			}
			return printJSON(cmd.OutOrStdout(), st)
		})
	}}

	var bench types.BenchmarkRequest
	benchCmd := &cobra.Command{Use: "bench", Short: "Run a generation benchmark on the server", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *inferred.Client) error {
			res, err := c.Benchmark(ctx, bench)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	}}
	benchCmd.Flags().StringVar(&bench.Model, "model", "", "Model to benchmark (default: the loaded model)")
	benchCmd.Flags().IntVar(&bench.PromptTokens, "prompt-tokens", 512, "Synthetic prompt length")
	benchCmd.Flags().IntVar(&bench.MaxTokens, "max-tokens", 128, "Tokens to generate")

	cmd.AddCommand(status, nodes, transport, rdma, benchCmd)
	return cmd
}

func renderNodes(cmd *cobra.Command, nodes []types.ClusterNode) {
	if len(nodes) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no cluster nodes")
		return
	}
	t := newTable(cmd.OutOrStdout(), "ID", "Address", "Role", "Status", "Memory", "Models")
	for _, n := range nodes {
		mem := "-"
		if n.MemoryMB > 0 {
			mem = strconv.FormatInt(n.MemoryMB, 10) + " MB"
		}
		t.Append([]string{n.ID, n.Address, orDash(n.Role), n.Status, mem, orDash(strings.Join(n.Models, ","))})
	}
	t.Render()
}
