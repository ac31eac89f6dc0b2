package cmd

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/steveyegge/strata/internal/config"
	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/schemas"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage schemas",
}

var schemaSubmitCmd = &cobra.Command{
	Use:   "submit <schema-id> <file>",
	Short: "Submit a schema for validation",
	Long: `Submit a schema as JSON. The file maps table names to validators:

  {
    "users":  {"field_kinds": {"email": "string", "age": "int64"}},
    "events": {"any_object": true}
  }

The schema lands in Pending; the serve worker validates existing
documents and transitions it to Validated or Failed. Submitting
supersedes any earlier pending schema.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, file := args[0], args[1]
		raw, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading schema file: %w", err)
		}
		var tables map[persistence.TabletID]schemas.TableValidator
		if err := json.Unmarshal(raw, &tables); err != nil {
			return fmt.Errorf("parsing schema file: %w", err)
		}

		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		env, err := buildEnvironment(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		model := schemas.NewModel(env.DB)
		if err := model.Submit(cmd.Context(), &schemas.Schema{ID: id, Tables: tables}); err != nil {
			return err
		}
		fmt.Printf("submitted schema %s (%d tables)\n", id, len(tables))
		return nil
	},
}

var schemaStatusCmd = &cobra.Command{
	Use:   "status <schema-id>",
	Short: "Show a schema's state and validation progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		env, err := buildEnvironment(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		model := schemas.NewModel(env.DB)
		schema, err := model.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if schema == nil {
			return fmt.Errorf("schema %s does not exist", args[0])
		}
		fmt.Printf("schema %s: %s\n", schema.ID, schema.State)
		if schema.Error != "" {
			fmt.Printf("error: %s\n", schema.Error)
		}
		if progress, err := model.GetProgress(cmd.Context(), schema.ID); err == nil && progress != nil {
			if progress.TotalDocs != nil {
				fmt.Printf("progress: %d/%d documents\n", progress.NumDocsValidated, *progress.TotalDocs)
			} else {
				fmt.Printf("progress: %d documents\n", progress.NumDocsValidated)
			}
		}
		return nil
	},
}

func init() {
	schemaCmd.AddCommand(schemaSubmitCmd)
	schemaCmd.AddCommand(schemaStatusCmd)
	rootCmd.AddCommand(schemaCmd)
}
