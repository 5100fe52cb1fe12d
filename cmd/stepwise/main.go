// Stepwise CLI — инструмент командной строки для запуска steps
// и просмотра ограничений через HTTP API оркестратора.
//
// Использование:
//
//	stepwise [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	step        Управление steps
//	constraint  Состояние единиц ограничения
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Stepwise/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	defaultURL := "http://localhost:8080"
	if v := os.Getenv("STEPWISE_API_URL"); v != "" {
		defaultURL = v
	}

	rootCmd := &cobra.Command{
		Use:           "stepwise",
		Short:         "Stepwise CLI — workflow step orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "Orchestrator API URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewStepCmd(clientFn, outputFn),
		cli.NewConstraintCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
