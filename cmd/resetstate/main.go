// Command resetstate clears the whale-watch bot state so alerts and insights
// re-fire on the next run: the seen-trade registry, the daily AI budget, and
// the insight history. Topic history is kept unless -topics is given.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/whalewatch/engine/internal/config"
	"github.com/whalewatch/engine/internal/state"
)

var (
	configPath  = flag.String("config", "configs/config.yaml", "Path to configuration file")
	clearTopics = flag.Bool("topics", false, "Also clear the topic history (diversity bias)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store := state.NewStore(cfg.Storage.StatePath)
	before, err := store.Load()
	if err != nil {
		fmt.Printf("Warning: existing state unreadable, replacing it: %v\n", err)
	}

	fmt.Printf("Clearing %d remembered trades, %d insight records, AI usage %d (day %s)...\n",
		len(before.SeenTrades), len(before.Insights), before.Quota.CallsUsed, before.Quota.DayKey)

	after, err := store.Reset(!*clearTopics)
	if err != nil {
		log.Fatalf("Reset failed: %v", err)
	}

	if *clearTopics {
		fmt.Println("Topic history cleared.")
	} else {
		fmt.Printf("Topic history kept (%d entries).\n", len(after.TopicHistory))
	}
	fmt.Printf("Done. State written to %s — historical whales will re-alert on next run.\n", store.Path())
}
