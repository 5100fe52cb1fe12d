package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewConstraintCmd создаёт группу команд для просмотра ограничений.
func NewConstraintCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "constraint",
		Aliases: []string{"constraints"},
		Short:   "Inspect resource constraints",
	}

	cmd.AddCommand(
		newConstraintListCmd(clientFn, outputFn),
		newConstraintShowCmd(clientFn, outputFn),
	)

	return cmd
}

func newConstraintListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List constraint units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			units, err := client.ListUnits()
			if err != nil {
				return err
			}

			headers := []string{"UNIT", "CAPACITY", "IN_USE", "ACTIVE", "BLOCKED"}
			rows := make([][]string, len(units))
			for i, u := range units {
				rows[i] = []string{
					u.Unit,
					strconv.Itoa(u.Capacity),
					strconv.Itoa(u.ActivePermits),
					strconv.Itoa(len(u.Active)),
					strconv.Itoa(len(u.Blocked)),
				}
			}

			out.Print(headers, rows, units)
			return nil
		},
	}
}

func newConstraintShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show UNIT",
		Short: "Show consumers of a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			unit, err := client.GetUnit(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(unit)
				return nil
			}

			out.Success(fmt.Sprintf("%s: %d/%d permits in use", unit.Unit, unit.ActivePermits, unit.Capacity))

			headers := []string{"CONSUMER", "STATE", "PERMITS", "ORDER", "OWNER", "REGISTERED"}
			var rows [][]string
			for _, group := range [][]ConsumerResponse{unit.Active, unit.Blocked} {
				for _, c := range group {
					rows = append(rows, []string{
						c.ID, c.State, strconv.Itoa(c.Permits),
						strconv.FormatInt(c.Order, 10), c.Owner, c.RegisteredAt,
					})
				}
			}
			out.Table(headers, rows)
			return nil
		},
	}
}
