package main

import (
	"fmt"
	"os"

	"github.com/chronodb/chronodb/kv/chronodb"
	"github.com/chronodb/chronodb/kv/config"
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/util/metrics"
	"github.com/chronodb/chronodb/log"
	"github.com/spf13/cobra"
)

var (
	configFile string
	branchName string
)

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.NewDefaultConfig(), nil
	}
	return config.LoadFile(configFile)
}

// withDB opens the database for the duration of one command.
func withDB(f func(db *chronodb.DB, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := chronodb.Open(conf)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Errorf("close: %v", err)
			}
		}()
		return f(db, args)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "chronodb-cli",
		Short:         "Bitemporal branchable key-value store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "TOML config file, defaults are used when empty")
	root.PersistentFlags().StringVarP(&branchName, "branch", "b", storage.MasterBranch, "Branch to work on")

	root.AddCommand(
		newPutCommand(),
		newGetCommand(),
		newRemoveCommand(),
		newHistoryCommand(),
		newBranchCommand(),
		newQueryCommand(),
		newReindexCommand(),
		newCommitsCommand(),
		newStatsCommand(),
	)
	return root
}

func main() {
	metrics.Register()
	defer log.Sync()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
