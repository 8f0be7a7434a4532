package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alexandremahdhaoui/blockjob/pkg/blockjob"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario.yaml>",
		Short: "Check a scenario file and print its resolved parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scenario, err := loadScenario(args[0])
			if err != nil {
				return err
			}

			objectParams := scenario.Params.ObjectParams(scenario.Tag)
			p, err := blockjob.ParseParameters(objectParams)
			if err != nil {
				return err
			}
			image, err := objectParams.ImageFilename(scenario.DataDir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "scenario:       %s\n", scenario.Name)
			_, _ = fmt.Fprintf(out, "vm:             %s\n", scenario.VM.Name)
			_, _ = fmt.Fprintf(out, "image:          %s\n", image)
			_, _ = fmt.Fprintf(out, "cancel timeout: %s\n", p.CancelTimeout)
			_, _ = fmt.Fprintf(out, "login timeout:  %s\n", p.LoginTimeout)
			_, _ = fmt.Fprintf(out, "expected speed: %d B/s\n", p.ExpectedSpeed)
			for _, phase := range []struct {
				name  string
				steps []blockjob.Step
			}{
				{blockjob.PhaseBeforeStart, p.BeforeStart},
				{blockjob.PhaseWhenStart, p.WhenStart},
				{blockjob.PhaseBeforeCleanup, p.BeforeCleanup},
			} {
				names := make([]string, 0, len(phase.steps))
				for _, s := range phase.steps {
					names = append(names, s.Name)
				}
				_, _ = fmt.Fprintf(out, "%-15s %s\n", phase.name+":", strings.Join(names, " "))
			}
			return nil
		},
	}
}

func newStepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "steps",
		Short: "List the step names scenarios can use",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range blockjob.StepNames() {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}
