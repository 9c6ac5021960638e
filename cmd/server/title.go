package main

import (
	"fmt"
	"strings"

	"github.com/RichardoC/zik/internal/llm"
	"github.com/spf13/cobra"
)

var titleCmd = &cobra.Command{
	Use:   "title <text>",
	Short: "Print the chat title generated for a first message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		titles, err := llm.New(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.TitleModel, logger)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), titles.Title(cmd.Context(), strings.Join(args, " ")))
		return nil
	},
}
