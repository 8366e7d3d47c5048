package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/replykit/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration and the supported environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if err := toml.NewEncoder(out).Encode(cfg); err != nil {
			return err
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, "# environment overrides")
		for _, name := range config.EnvNames() {
			fmt.Fprintf(out, "# %s\n", name)
		}
		return nil
	},
}
