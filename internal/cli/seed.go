package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/salonhub/klaviyo-bridge/internal/seeder"
	"github.com/salonhub/klaviyo-bridge/internal/webhook"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate fake booking deliveries",
	Long: `Generate realistic booking webhook deliveries for local testing.

By default deliveries are signed with webhook.secret and posted to a running
bridge. With --direct they are appended straight to the configured buffer,
spread over the previous --days days so the next sync picks them up.

Examples:
  bridge seed --count 200 --customers 20
  bridge seed --direct --days 2 --seed 7`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().Int("count", 50, "number of deliveries")
	seedCmd.Flags().Int("customers", 10, "size of the customer pool")
	seedCmd.Flags().Int64("seed", 0, "random seed (0 picks one from the clock)")
	seedCmd.Flags().String("url", "", "webhook URL (default http://localhost:<server.port>/webhook/salonhub)")
	seedCmd.Flags().Bool("direct", false, "append to the buffer instead of posting")
	seedCmd.Flags().Int("days", 1, "with --direct, spread receipt times over this many past days")
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	count, _ := cmd.Flags().GetInt("count")
	customers, _ := cmd.Flags().GetInt("customers")
	seed, _ := cmd.Flags().GetInt64("seed")
	url, _ := cmd.Flags().GetString("url")
	direct, _ := cmd.Flags().GetBool("direct")
	days, _ := cmd.Flags().GetInt("days")

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if days < 1 {
		days = 1
	}
	gen := seeder.NewGenerator(seed, customers)
	out := cmd.OutOrStdout()

	if !direct {
		if url == "" {
			url = fmt.Sprintf("http://localhost:%d/webhook/salonhub", cfg.Server.Port)
		}
		sender := seeder.NewSender(url, cfg.Webhook.Secret)
		counts := map[string]int{}
		for i := 0; i < count; i++ {
			status, err := sender.Send(ctx, gen.Next(time.Now()))
			if err != nil {
				return fmt.Errorf("delivery %d: %w", i+1, err)
			}
			counts[status]++
		}
		fmt.Fprintf(out, "posted %d deliveries to %s: %v\n", count, url, counts)
		return nil
	}

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	loc, err := cfg.Sync.Location()
	if err != nil {
		return err
	}
	today := time.Now().In(loc)
	start := time.Date(today.Year(), today.Month(), today.Day()-days, 0, 0, 0, 0, loc)
	span := time.Duration(days) * 24 * time.Hour

	for i := 0; i < count; i++ {
		// evenly spaced over the window, oldest first
		receivedAt := start.Add(span * time.Duration(i) / time.Duration(count))
		body, err := json.Marshal(gen.Next(receivedAt))
		if err != nil {
			return err
		}
		res, err := webhook.Parse(body, receivedAt)
		if err != nil {
			return err
		}
		if _, err := store.Append(ctx, res.Event); err != nil {
			return fmt.Errorf("append delivery %d: %w", i+1, err)
		}
	}
	fmt.Fprintf(out, "appended %d events for %d customers to the %s buffer\n", count, customers, cfg.Database.Driver)
	return nil
}
