package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewStepCmd создаёт группу команд для управления steps.
func NewStepCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "Manage steps",
	}

	cmd.AddCommand(
		newStepStartCmd(clientFn, outputFn),
		newStepShowCmd(clientFn, outputFn),
		newStepCancelCmd(clientFn, outputFn),
		newStepKindsCmd(clientFn, outputFn),
	)

	return cmd
}

var stepHeaders = []string{"ID", "KIND", "STATUS", "PHASE", "ERROR", "UPDATED"}

func stepRow(s *StepResponse) []string {
	phase := fmt.Sprintf("%d/%d", s.PhaseIndex+1, s.PhaseCount)
	return []string{s.ID, s.Kind, s.Status, phase, s.Error, s.UpdatedAt}
}

// stepFields — подробное представление step для show.
func stepFields(s *StepResponse) []Field {
	fields := []Field{
		{"ID", s.ID},
		{"Kind", s.Kind},
		{"Status", s.Status},
		{"Phase", fmt.Sprintf("%d/%d", s.PhaseIndex+1, s.PhaseCount)},
		{"Correlation", s.CorrelationID},
	}
	if s.HeldConsumer != nil {
		fields = append(fields, Field{"Holds", fmt.Sprintf("%s on %s", s.HeldConsumer.ConsumerID, s.HeldConsumer.Unit)})
	}
	if s.Error != "" {
		fields = append(fields,
			Field{"Error", s.Error},
			Field{"Failed phase", strconv.Itoa(s.FailedPhase)},
		)
	}
	return append(fields,
		Field{"Created", s.CreatedAt},
		Field{"Updated", s.UpdatedAt},
		Field{"Finished", s.FinishedAt},
	)
}

func newStepStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var id string
	var inputs []string
	var inputJSON string
	var inputFile string

	cmd := &cobra.Command{
		Use:   "start KIND",
		Short: "Start a new step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			input, err := buildInput(inputs, inputJSON, inputFile)
			if err != nil {
				return err
			}

			step, err := client.StartStep(StartStepRequest{ID: id, Kind: args[0], Input: input})
			if err != nil {
				var apiErr *APIError
				if errors.As(err, &apiErr) && apiErr.Step != nil {
					out.Print(stepHeaders, [][]string{stepRow(apiErr.Step)}, apiErr.Step)
				}
				return err
			}

			out.Success(fmt.Sprintf("Step started: %s", step.ID))
			out.Print(stepHeaders, [][]string{stepRow(step)}, step)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Step ID (generated if not specified)")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input values as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&inputJSON, "input-json", "", "Input as a JSON object")
	cmd.Flags().StringVarP(&inputFile, "input-file", "f", "", "Path to a JSON file with the input")
	cmd.MarkFlagsMutuallyExclusive("input", "input-json", "input-file")

	return cmd
}

// buildInput собирает вход step из флагов.
// KEY=VALUE значения, похожие на JSON (числа, true/false, объекты), декодируются.
func buildInput(pairs []string, raw, file string) (json.RawMessage, error) {
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("input file %s is not valid JSON", file)
		}
		return data, nil

	case raw != "":
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("--input-json is not valid JSON")
		}
		return json.RawMessage(raw), nil

	case len(pairs) > 0:
		m := make(map[string]any, len(pairs))
		for _, kv := range pairs {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 || parts[0] == "" {
				return nil, fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
			}
			var v any
			if err := json.Unmarshal([]byte(parts[1]), &v); err != nil {
				v = parts[1]
			}
			m[parts[0]] = v
		}
		return json.Marshal(m)
	}
	return nil, nil
}

func newStepShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var showDiagnostics bool

	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show step details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			step, err := client.GetStep(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(step)
				return nil
			}

			out.Details(stepFields(step))
			if !showDiagnostics {
				return nil
			}

			rows := make([][]string, len(step.Diagnostics))
			for i, d := range step.Diagnostics {
				rows[i] = []string{strconv.Itoa(d.Phase), d.Unit, d.Status, d.Message}
			}
			fmt.Fprintln(out.w)
			out.Table([]string{"PHASE", "UNIT", "STATUS", "MESSAGE"}, rows)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showDiagnostics, "diagnostics", "d", false, "Show phase diagnostics")

	return cmd
}

func newStepCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel an active step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			step, err := client.CancelStep(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Step cancelled: %s", step.ID))
			return nil
		},
	}
}

func newStepKindsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List registered step definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			kinds, err := client.ListKinds()
			if err != nil {
				return err
			}

			rows := make([][]string, len(kinds))
			for i, k := range kinds {
				rows[i] = []string{k}
			}
			out.Print([]string{"KIND"}, rows, kinds)
			return nil
		},
	}
}
