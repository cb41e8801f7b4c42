package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newRootCmd builds the synctreectl command tree. Flags are bound through
// viper so every setting can also come from a SYNCTREE_-prefixed
// environment variable or a --config file, the way the teacher's node
// binds its flag set before handing values to the rest of the process.
func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "synctreectl",
		Short: "Run and inspect a synctree transport server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v.SetEnvPrefix("synctree")
			v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			v.AutomaticEnv()

			if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return err
				}
			}
			return v.BindPFlags(cmd.Flags())
		},
	}

	root.PersistentFlags().String("config", "", "path to a config file (yaml/json/toml)")
	root.PersistentFlags().String("log-level", "info", "debug, info, warn, or error")
	root.PersistentFlags().Bool("human-logs", false, "use a human-readable console log encoder instead of JSON")

	root.AddCommand(newServeCmd(v))
	root.AddCommand(newDebugCmd(v))
	return root
}
