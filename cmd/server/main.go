package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"matchcore/infra/config"
)

const namespace = "matchcore"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)
	config.InitEnv(v)

	var cfgFile string
	root := &cobra.Command{
		Use:           "matchcore",
		Short:         "Settlement and matching core",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if cfgFile == "" {
				return nil
			}
			v.SetConfigFile(cfgFile)
			return errors.Wrapf(v.ReadInConfig(), "read %s", cfgFile)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml or toml)")

	root.AddCommand(serveCmd(v), feedCmd(v), inspectCmd(v))
	return root
}
