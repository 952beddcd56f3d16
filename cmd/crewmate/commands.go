package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/crewmate/crewmate/internal/airports"
	"github.com/crewmate/crewmate/internal/config"
	"github.com/crewmate/crewmate/internal/moderation"
	"github.com/crewmate/crewmate/internal/places"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			log.Info().Str("database", dbPath).Msg("Database is up to date")
			return nil
		},
	}
}

func repairOrphansCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "repair-orphans",
		Short: "Remove rows that point at deleted users or plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			counts, err := moderation.NewService(db, nil, nil, nil).RepairOrphans(dryRun)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(counts))
			for name := range counts {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%-20s %d\n", name, counts[name])
			}
			verb := "repaired"
			if dryRun {
				verb = "found (dry run)"
			}
			fmt.Printf("%d orphaned rows %s\n", counts.Total(), verb)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only report what would be repaired")
	return cmd
}

func backfillPhotosCmd() *cobra.Command {
	var (
		limit  int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "backfill-photos",
		Short: "Fill missing spot photos from Google Places",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := config.EnvString(config.EnvGoogleAPIKey, "")
			if key == "" {
				return fmt.Errorf("%s is not set", config.EnvGoogleAPIKey)
			}
			config.SetGlobalTimeouts(config.DefaultTimeoutConfig())

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			finder, err := places.NewGoogle(ctx, key)
			if err != nil {
				return err
			}
			res, err := places.NewBackfiller(db, finder).Backfill(ctx, limit, dryRun)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum spots to process (1-500)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Look up photos without saving them")
	return cmd
}

func airportsCmd() *cobra.Command {
	var dataFile string
	table := func() (*airports.Table, error) {
		if dataFile == "" {
			return airports.Embedded(), nil
		}
		data, err := os.ReadFile(dataFile)
		if err != nil {
			return nil, err
		}
		return airports.Parse(data)
	}

	cmd := &cobra.Command{
		Use:   "airports",
		Short: "Query the airport table",
	}
	cmd.PersistentFlags().StringVar(&dataFile, "file", "", "Airport YAML file (defaults to the embedded table)")

	cmd.AddCommand(&cobra.Command{
		Use:   "lookup CODE",
		Short: "Look up an airport by IATA or ICAO code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := table()
			if err != nil {
				return err
			}
			a, ok := t.Lookup(args[0])
			if !ok {
				return airports.ErrNotFound
			}
			return printJSON(a)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "nearest LAT LON",
		Short: "Find the airport closest to a coordinate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lat, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid latitude %q", args[0])
			}
			lon, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid longitude %q", args[1])
			}
			t, err := table()
			if err != nil {
				return err
			}
			d, err := t.Nearest(lat, lon)
			if err != nil {
				return err
			}
			return printJSON(d)
		},
	})
	return cmd
}
