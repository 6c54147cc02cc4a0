package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/deckbot/internal/db"
)

func newMigrateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the calibration database schema",
	}

	// withDB opens the database without applying migrations.
	withDB := func(fn func(d *db.DB) error) error {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		d, err := db.OpenDB(cfg.GetDatabasePath())
		if err != nil {
			return err
		}
		defer d.Close()
		return fn(d)
	}

	printVersion := func(cmd *cobra.Command, d *db.DB) error {
		v, dirty, err := d.MigrateVersion(db.Migrations())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d", v)
		if dirty {
			fmt.Fprint(cmd.OutOrStdout(), " (dirty)")
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(func(d *db.DB) error {
					if err := d.MigrateUp(db.Migrations()); err != nil {
						return err
					}
					return printVersion(cmd, d)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(func(d *db.DB) error {
					if err := d.MigrateDown(db.Migrations()); err != nil {
						return err
					}
					return printVersion(cmd, d)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(func(d *db.DB) error { return printVersion(cmd, d) })
			},
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Mark the schema as VERSION without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				return withDB(func(d *db.DB) error {
					if err := d.MigrateForce(db.Migrations(), v); err != nil {
						return err
					}
					return printVersion(cmd, d)
				})
			},
		},
	)
	return cmd
}
