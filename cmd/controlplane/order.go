package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"github.com/xela07ax/spaceai-controlplane/internal/sequencer"
)

func orderCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "order",
		Short: "Print the computed startup order without launching anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, graph, err := g.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			order, err := sequencer.ComputeOrder(graph.List(), cfg.Sequencer.FoundationAgents, logger)
			out := struct {
				Order      []string `json:"order"`
				CycleNodes []string `json:"cycle_nodes,omitempty"`
			}{Order: order}

			var cycle *domain.CycleError
			if errors.As(err, &cycle) {
				out.CycleNodes = cycle.Nodes
			} else if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
