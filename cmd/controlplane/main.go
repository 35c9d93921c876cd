package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-controlplane/internal/infra"
	"go.uber.org/zap"
)

// exitError — команда завершилась с конкретным кодом (0/1/2 у launch)
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

func main() {
	if err := rootCmd().Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		_, _ = fmt.Fprintln(os.Stderr, "controlplane:", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	agentsPath string
	debug      bool
}

func rootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:           "controlplane",
		Short:         "Agent fleet control plane: startup sequencing, health, discovery and admission",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")
	cmd.PersistentFlags().StringVarP(&g.agentsPath, "agents", "a", "configs/agents.yaml", "Path to the agent graph")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(launchCmd(&g), orderCmd(&g), probeCmd(&g))
	return cmd
}

// load — конфиг, логгер и граф агентов, общие для всех команд
func (g *globalFlags) load() (*infra.Config, *zap.Logger, infra.AgentGraph, error) {
	cfg, err := infra.LoadConfig(g.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if g.debug {
		cfg.Logger.Level = "debug"
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, nil, err
	}
	graph, err := infra.LoadAgentGraph(g.agentsPath, cfg.Health)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, err
	}
	return cfg, logger, graph, nil
}
