package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/agentops/governor/internal/config"
	"github.com/agentops/governor/internal/database"
	"github.com/agentops/governor/internal/monthkey"
	"github.com/agentops/governor/internal/reporting"
	"github.com/agentops/governor/internal/usage"
)

// usagereport prints monthly consumption and cost breakdowns straight from
// the database, for ops reviews and billing reconciliation.
func main() {
	file := flag.String("config", "", "path to a governor config file")
	month := flag.String("month", "", "month to report (YYYY-MM, default current)")
	distribution := flag.Bool("distribution", false, "print provider share instead of the full report")
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *file})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	key := monthkey.Current()
	if *month != "" {
		key, err = monthkey.Parse(*month)
		if err != nil {
			log.Fatalf("parse month: %v", err)
		}
	}

	store := usage.NewPostgresStore(pool, cfg.LimitFunc(), cfg.Thresholds.Thresholds())

	pricing := map[usage.ProviderID]reporting.Pricing{
		cfg.Providers.Primary.ProviderID(): reporting.PricingFromFloats(
			cfg.Providers.Primary.PriceInputPer1K, cfg.Providers.Primary.PriceOutputPer1K, cfg.Providers.Primary.Currency),
		cfg.Providers.Fallback.ProviderID(): reporting.PricingFromFloats(
			cfg.Providers.Fallback.PriceInputPer1K, cfg.Providers.Fallback.PriceOutputPer1K, cfg.Providers.Fallback.Currency),
	}
	reporter := reporting.New(store, pricing)

	var out any
	if *distribution {
		out, err = reporter.Distribution(ctx, key)
	} else {
		out, err = reporter.Month(ctx, key)
	}
	if err != nil {
		log.Fatalf("build report: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("encode report: %v", err)
	}
}
