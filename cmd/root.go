package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docrag/src/infrastructure/log"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "docrag",
	Short:         "Index attachments and serve hybrid document retrieval",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		return log.Init(viper.GetString("log.level"), viper.GetBool("log.json"))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml, json or toml)")
}

// loadConfig reads .env and the optional config file on top of the defaults.
// Environment variables win over both.
func loadConfig() error {
	_ = godotenv.Load(".env")
	settingDefaultConfig()

	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to load config: %w", err)
	}
	return nil
}
