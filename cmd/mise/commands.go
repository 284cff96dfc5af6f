package main

import (
	"context"
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"mise/internal/catalog"
	"mise/internal/engine"
	"mise/internal/integrity"
	"mise/internal/store"
	"mise/models"
)

func newImportCmd() *cobra.Command {
	var skipPropagation bool
	cmd := &cobra.Command{
		Use:   "import <catalog.yaml|prices.csv>",
		Short: "Upsert ingredients, recipes and dishes from a catalog file",
		Long: `Upsert ingredients, recipes and dishes by name. YAML files may carry all
three kinds; CSV files are read as an ingredient price list.

Every updated ingredient or recipe has its dependents invalidated before the
command returns.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := catalog.Load(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, func(ctx context.Context, s *session) error {
				result, err := catalog.Apply(ctx, s.db, c)
				if err != nil {
					return fmt.Errorf("import catalog: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Imported %d entities from %s (%d created, %d updated)\n",
					result.Created+result.Updated, args[0], result.Created, result.Updated)
				if skipPropagation {
					return nil
				}
				for _, ref := range result.Changed {
					report, err := s.app.Engine.Propagate(ctx, ref.ID, ref.Kind)
					if err != nil {
						return fmt.Errorf("invalidate dependents of %s %d: %w", ref.Kind, ref.ID, err)
					}
					fmt.Fprintf(out, "Invalidated %d cached entries for %s %d (ticket %s)\n",
						report.Marked, ref.Kind, ref.ID, report.Ticket)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&skipPropagation, "no-propagate", false, "skip invalidating dependents of updated entities")
	return cmd
}

func addResolveFlags(cmd *cobra.Command, opts *engine.ResolveOptions) {
	cmd.Flags().BoolVar(&opts.ForceAI, "force-ai", false, "consult AI detection even when rules are conclusive")
	cmd.Flags().BoolVar(&opts.BypassCache, "bypass-cache", false, "ignore cached results")
}

func newAllergensCmd() *cobra.Command {
	var opts engine.ResolveOptions
	cmd := &cobra.Command{
		Use:   "allergens <recipe-id>",
		Short: "Resolve the allergens of a recipe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, func(ctx context.Context, s *session) error {
				attrs, err := s.app.Engine.ResolveRecipeAllergens(ctx, id, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), attrs)
			})
		},
	}
	addResolveFlags(cmd, &opts)
	return cmd
}

func newDietaryCmd() *cobra.Command {
	var opts engine.ResolveOptions
	cmd := &cobra.Command{
		Use:   "dietary <recipe|dish> <id>",
		Short: "Resolve the vegetarian and vegan status of a recipe or dish",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := models.ParseEntityKind(args[0])
			if err != nil {
				return err
			}
			if kind == models.KindIngredient {
				return fmt.Errorf("dietary status is resolved for recipes and dishes, not %s", kind)
			}
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, func(ctx context.Context, s *session) error {
				var attrs *models.DerivedAttributes
				if kind == models.KindRecipe {
					attrs, err = s.app.Engine.ResolveRecipeDietaryStatus(ctx, id, opts)
				} else {
					attrs, err = s.app.Engine.AggregateDishDietaryStatus(ctx, id, opts)
				}
				if err != nil {
					return err
				}
				if attrs == nil {
					return fmt.Errorf("%w: %s %d", engine.ErrNotFound, kind, id)
				}
				return printJSON(cmd.OutOrStdout(), attrs)
			})
		},
	}
	addResolveFlags(cmd, &opts)
	return cmd
}

func newCostCmd() *cobra.Command {
	var price float64
	cmd := &cobra.Command{
		Use:   "cost <ingredient|recipe|dish> <id>",
		Short: "Cost an entity, or audit a price against its portion price",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := models.ParseEntityKind(args[0])
			if err != nil {
				return err
			}
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			checkPrice := cmd.Flags().Changed("price")
			if checkPrice && (price < 0 || math.IsNaN(price) || math.IsInf(price, 0)) {
				return fmt.Errorf("price must be a finite, non-negative number")
			}
			return withSession(cmd, func(ctx context.Context, s *session) error {
				if checkPrice {
					check, err := s.app.Engine.CrossCheckPrice(ctx, store.EntityRef{Kind: kind, ID: id}, price)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), check)
				}
				report, err := s.app.Engine.CalculateEntityCost(ctx, id, kind)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().Float64Var(&price, "price", 0, "external portion price to audit")
	return cmd
}

func newInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <ingredient|recipe> <id>",
		Short: "Mark every cached result depending on an entity as stale",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := models.ParseEntityKind(args[0])
			if err != nil {
				return err
			}
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, func(ctx context.Context, s *session) error {
				report, err := s.app.Engine.Propagate(ctx, id, kind)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newIssuesCmd() *cobra.Command {
	var (
		kind       string
		entityKind string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "List recorded data-integrity issues, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := integrity.Filter{Kind: kind, Limit: limit}
			if entityKind != "" {
				parsed, err := models.ParseEntityKind(entityKind)
				if err != nil {
					return err
				}
				filter.EntityKind = parsed
			}
			return withSession(cmd, func(ctx context.Context, s *session) error {
				issues, err := s.app.Issues.List(ctx, filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), issues)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only list issues of this kind, e.g. dangling_reference")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "only list issues raised on this entity kind")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of issues to list")
	return cmd
}
