package main

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/homepro/internal/agent"
	"github.com/kalambet/homepro/internal/api"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve knowledge-base search and transcripts over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := setupLogging(cfg.Log.Level, cfg.Log.Format)
		if err := cfg.Require(cfg.QueryRequirements()...); err != nil {
			return err
		}

		ctx := cmd.Context()
		var cl closers
		defer cl.close(logger)

		store, st, err := openStore(ctx, cfg, &cl)
		if err != nil {
			return err
		}
		embedder, err := newEmbedder(ctx, cfg, logger, &cl)
		if err != nil {
			return err
		}
		index, err := newIndex(ctx, cfg, st, logger, &cl)
		if err != nil {
			return err
		}
		agents, err := loadAgents(cfg)
		if err != nil {
			return err
		}

		// Retrieval only; the MCP client does its own generation.
		retriever := agent.NewResponder(embedder, index, nil, nil, agent.ResponderOptions{
			IndexName: cfg.Index.Name,
			TopK:      cfg.Chat.TopK,
			Logger:    logger,
		})

		s := api.NewMCPServer(api.MCPDeps{
			Store:     store,
			Agents:    agents,
			Retriever: retriever,
		}, version)
		logger.Info("MCP server started (stdio transport)", "index", cfg.Index.Name)
		return server.ServeStdio(s)
	},
}
