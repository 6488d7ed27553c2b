package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/livesight/internal/app"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if _, err := app.DefaultRegistry().Create(cfg.Provider); err != nil {
				return err
			}

			model := cfg.Provider.Model
			if model == "" {
				model = "(default)"
			}
			assistant := cfg.Assistant.Name
			if assistant == "" {
				assistant = "(default)"
			}
			listen := cfg.Server.ListenAddr
			if listen == "" {
				listen = "(disabled)"
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "config\t%s\n", path)
			fmt.Fprintf(tw, "provider\t%s / %s\n", cfg.Provider.Name, model)
			fmt.Fprintf(tw, "assistant\t%s\n", assistant)
			fmt.Fprintf(tw, "listen\t%s\n", listen)
			fmt.Fprintf(tw, "frames\tevery %s, quality %d, max %dpx\n",
				cfg.Capture.FrameInterval, cfg.Capture.JPEGQuality, cfg.Capture.MaxDimension)
			fmt.Fprintf(tw, "playback\t%d Hz, %d ch\n", cfg.Devices.PlaybackRate, cfg.Devices.PlaybackChannels)
			fmt.Fprintln(tw, "status\tok")
			return tw.Flush()
		},
	}
}
