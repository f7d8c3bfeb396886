// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command covenant runs the verified-execution engine: a server exposing
// the host contract, plus direct subcommands for running intents,
// verifying proofs, inspecting trust and tailing events.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/kadirpekel/covenant"
	"github.com/kadirpekel/covenant/pkg/logger"
)

// CLI is the top-level command tree.
type CLI struct {
	Config   string `short:"c" help:"Path to the configuration file." type:"path"`
	LogLevel string `help:"Log level: debug, info, warn, error." default:"info"`
	LogFile  string `help:"Write logs to a file instead of stderr." type:"path"`

	Serve   ServeCmd   `cmd:"" help:"Start the covenant server."`
	Run     RunCmd     `cmd:"" help:"Submit and execute an intent from a YAML file."`
	Proof   ProofCmd   `cmd:"" help:"Inspect and verify proofs."`
	Trust   TrustCmd   `cmd:"" help:"Query agent trust."`
	Events  EventsCmd  `cmd:"" help:"Tail engine events."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

// Run executes the command.
func (c *VersionCmd) Run() error {
	fmt.Println(covenant.Version)
	return nil
}

func main() {
	// A .env beside the binary quietly provides environment defaults.
	_ = godotenv.Load()

	var cli CLI
	parsed := kong.Parse(&cli,
		kong.Name("covenant"),
		kong.Description("Verified execution for autonomous agents: intents, promises, proofs."),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, "simple")

	if err := parsed.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
