package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/noot-app/nutricorrect/internal/config"
	"github.com/noot-app/nutricorrect/internal/rules"
	"github.com/noot-app/nutricorrect/internal/units"
	"github.com/noot-app/nutricorrect/internal/version"
	"github.com/spf13/cobra"
)

func newServingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "servings QUANTITY [UNIT]",
		Short:   "Convert a quantity and unit into servings",
		Example: "  nutricorrect servings 12 fl oz",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			quantity, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid quantity %q: %w", args[0], err)
			}
			unit := strings.Join(args[1:], " ")

			_, err = fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatFloat(units.ServingsFromQuantityUnit(quantity, unit), 'f', -1, 64))
			return err
		},
	}
}

func newRulesCmd() *cobra.Command {
	var rulesPath string

	cmd := &cobra.Command{
		Use:   "rules [NAME]",
		Short: "Show the loaded rule table, or which patterns match NAME",
		Example: `  nutricorrect rules
  nutricorrect rules "iced matcha latte"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			table := loadRules(rulesPath, config.NewTextLogger(cmd.ErrOrStderr()))

			if len(args) == 0 {
				return writeJSON(cmd.OutOrStdout(), table.Counts())
			}
			matches := table.Explain(strings.Join(args, " "))
			if matches == nil {
				matches = []rules.Match{}
			}
			return writeJSON(cmd.OutOrStdout(), matches)
		},
	}

	cmd.Flags().StringVar(&rulesPath, "rules", "", "Rule file to use instead of RULES_PATH")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
