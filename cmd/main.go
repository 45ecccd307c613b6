/*
Copyright 2025 Gantry Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gantryio/gantry"
	"github.com/gantryio/gantry/config"
	"github.com/gantryio/gantry/database"
	"github.com/gantryio/gantry/internal/notification"
)

// Gantry represents the CLI application, encapsulating the root command.
type Gantry struct {
	cmd *cobra.Command
}

// gantryInstance holds the connector core and its configuration for the
// subcommands.
type gantryInstance struct {
	gantry *gantry.Gantry
	cnf    *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and initializes the connector core
// before any command runs.
func preRun(app *gantryInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("gantry.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newGantry, err := setupGantry(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.gantry = newGantry
		app.cnf = cnf

		return nil
	}
}

// setupGantry connects the datasource and builds the connector core.
func setupGantry(cfg *config.Configuration) (*gantry.Gantry, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newGantry, err := gantry.NewGantry(db)
	if err != nil {
		return nil, fmt.Errorf("error creating gantry: %v", err)
	}
	return newGantry, nil
}

// NewCLI creates the command-line interface for the connector.
func NewCLI() *Gantry {
	var configFile string
	g := &gantryInstance{}

	var rootCmd = &cobra.Command{
		Use:   "gantry",
		Short: "Cross-organization data exchange connector",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./gantry.json", "Configuration file for the connector")
	rootCmd.PersistentPreRunE = preRun(g)

	rootCmd.AddCommand(serverCommands(g))
	rootCmd.AddCommand(workerCommands(g))
	rootCmd.AddCommand(migrateCommands(g))

	return &Gantry{cmd: rootCmd}
}

func (w Gantry) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
