package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/strata/internal/config"
	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/registry"
)

var (
	indexFields      []string
	indexSearchField string
	indexVectorField string
	indexDimensions  int
	indexStaged      bool
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage secondary indexes",
}

var indexCreateCmd = &cobra.Command{
	Use:   "create <tablet> <name>",
	Short: "Create a secondary index",
	Long: `Create a database, text, or vector index on a tablet. The index is
registered in Backfilling state; the serve workers build it.

Exactly one of --fields, --search-field, or --vector-field selects the
index kind:

  strata index create users by_email --fields email
  strata index create notes search --search-field body
  strata index create embeddings ann --vector-field embedding --dimensions 1536

Creating an index whose id already exists changes nothing: the command
reports it as already present and exits 0.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tablet, name := persistence.TabletID(args[0]), args[1]
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		env, err := buildEnvironment(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		meta := &registry.IndexMeta{
			ID:     persistence.IndexID(fmt.Sprintf("%s.%s", tablet, name)),
			Name:   name,
			Tablet: tablet,
			State:  registry.OnDiskState{Kind: registry.Backfilling},
		}
		switch {
		case len(indexFields) > 0:
			meta.Config = registry.Config{Kind: registry.Database, Fields: indexFields, Staged: indexStaged}
		case indexSearchField != "":
			meta.Config = registry.Config{Kind: registry.Text, SearchField: indexSearchField, Staged: indexStaged}
		case indexVectorField != "":
			if indexDimensions <= 0 {
				return fmt.Errorf("--dimensions is required for a vector index")
			}
			meta.Config = registry.Config{Kind: registry.Vector, VectorField: indexVectorField, Dimensions: indexDimensions, Staged: indexStaged}
		default:
			return fmt.Errorf("one of --fields, --search-field, or --vector-field is required")
		}

		if existing := env.DB.Registry().Get(meta.ID); existing != nil {
			fmt.Printf("index %s already exists\n", meta.ID)
			return nil
		}
		if err := env.DB.CreateIndex(cmd.Context(), meta); err != nil {
			return err
		}
		fmt.Printf("created %s index %s on %s\n", meta.Config.Kind, meta.ID, tablet)
		return nil
	},
}

var indexDropCmd = &cobra.Command{
	Use:   "drop <index-id>",
	Short: "Drop a secondary index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := persistence.IndexID(args[0])
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		env, err := buildEnvironment(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		if env.DB.Registry().Get(id) == nil {
			fmt.Printf("index %s does not exist\n", id)
			return nil
		}
		if err := env.DB.DropIndex(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("dropped index %s\n", id)
		return nil
	},
}

var indexListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexes and their states",
	Args:  cobra.NoArgs,
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

		for _, meta := range env.DB.Registry().AllIndexes() {
			detail := ""
			switch meta.Config.Kind {
			case registry.Database:
				detail = strings.Join(meta.Config.Fields, ",")
			case registry.Text:
				detail = meta.Config.SearchField
			case registry.Vector:
				detail = fmt.Sprintf("%s[%d]", meta.Config.VectorField, meta.Config.Dimensions)
			}
			fmt.Printf("%-30s %-8s %-14s %d segments  %s\n",
				meta.ID, meta.Config.Kind, meta.State.Kind, len(meta.State.Segments), detail)
		}
		return nil
	},
}

func init() {
	indexCreateCmd.Flags().StringSliceVar(&indexFields, "fields", nil, "field paths for a database index, in sort-key order")
	indexCreateCmd.Flags().StringVar(&indexSearchField, "search-field", "", "field for a text index")
	indexCreateCmd.Flags().StringVar(&indexVectorField, "vector-field", "", "field for a vector index")
	indexCreateCmd.Flags().IntVar(&indexDimensions, "dimensions", 0, "vector dimensions")
	indexCreateCmd.Flags().BoolVar(&indexStaged, "staged", false, "keep the index in Backfilled until explicitly enabled")
	indexCmd.AddCommand(indexCreateCmd)
	indexCmd.AddCommand(indexDropCmd)
	indexCmd.AddCommand(indexListCmd)
	rootCmd.AddCommand(indexCmd)
}
