package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"github.com/xela07ax/spaceai-controlplane/internal/health"
)

func probeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe [agent...]",
		Short: "Probe agents once and print the results (all agents when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, graph, err := g.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			names := args
			if len(names) == 0 {
				names = graph.Names()
			}
			specs := make([]domain.HealthCheckSpec, 0, len(names))
			for _, n := range names {
				agent, ok := graph[n]
				if !ok {
					return fmt.Errorf("%w: unknown agent %s", domain.ErrInvalidSpec, n)
				}
				specs = append(specs, agent.Health)
			}

			checker := health.NewChecker(health.Options{Workers: cfg.Health.Workers, Ceiling: cfg.Health.Ceiling}, logger, nil)
			results := checker.ProbeMany(cmd.Context(), specs)

			type row struct {
				Agent string `json:"agent"`
				domain.HealthCheckResult
			}
			out := make([]row, len(names))
			unhealthy := false
			for i, n := range names {
				out[i] = row{Agent: n, HealthCheckResult: results[i]}
				unhealthy = unhealthy || !results[i].Healthy()
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if unhealthy {
				return exitError{code: 1}
			}
			return nil
		},
	}
}
