package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"evalgo.org/gameforge/internal/servers"
	"evalgo.org/gameforge/internal/validation"
	"evalgo.org/gameforge/models"
)

var blueprintCmd = &cobra.Command{
	Use:   "blueprint",
	Short: "Manage game blueprints",
}

var blueprintImportCmd = &cobra.Command{
	Use:   "import [file...]",
	Short: "Import blueprint files into the datastore",
	Long: `Import one or more YAML or JSON blueprint files. A blueprint with an
existing id is replaced.

Examples:
  gameforge blueprint import blueprints/minecraft.yaml
  gameforge blueprint import blueprints/*.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBlueprintImport,
}

var blueprintValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a blueprint file without storing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlueprintValidate,
}

func init() {
	blueprintCmd.AddCommand(blueprintImportCmd)
	blueprintCmd.AddCommand(blueprintValidateCmd)
}

func runBlueprintImport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	failed := 0
	for _, file := range args {
		bp, err := importBlueprintFile(ctx, a.svc, file)
		if err != nil {
			failed++
			fmt.Printf("✗ %s: %v\n", file, err)
			continue
		}
		fmt.Printf("✓ %s: imported %s (%s)\n", file, bp.ID, bp.Name)
	}
	if failed > 0 {
		return errors.Newf("%d of %d blueprints failed", failed, len(args))
	}
	return nil
}

func importBlueprintFile(ctx context.Context, svc *servers.Service, file string) (*models.Blueprint, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read file")
	}
	return svc.ImportBlueprint(ctx, data)
}

func runBlueprintValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrap(err, "failed to read file")
	}

	bp, result := validation.New().ParseBlueprint(data)
	if result.Valid {
		fmt.Printf("✓ Blueprint %s is valid\n", bp.ID)
		return nil
	}

	fmt.Println("✗ Validation failed:")
	for _, e := range result.Errors {
		if e.Value != nil {
			fmt.Printf("  - %s: %s (value: %v)\n", e.Field, e.Message, e.Value)
		} else {
			fmt.Printf("  - %s: %s\n", e.Field, e.Message)
		}
	}
	return errors.New("validation failed")
}
