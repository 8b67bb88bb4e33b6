package main

import (
	"flag"
	"log"
	"os"
	"strconv"

	"github.com/lending-experiment/lendstate/config"
	"github.com/lending-experiment/lendstate/internal/app"
)

func main() {
	gatewayURL := flag.String("gateway", "", "Lending gateway base URL (empty = use config.json)")
	port := flag.Int("port", 8080, "HTTP port")
	metaPath := flag.String("meta-path", "", "Path for persistent market metadata storage")
	cacheLimit := flag.Int("cache-limit", 0, "Keyed cache collapse threshold (0 = use config.json)")
	flag.Parse()

	// Load config first (primary source of truth)
	cfg, err := config.LoadDefault()
	if err != nil {
		log.Printf("No config.json found, using defaults")
		cfg = &config.Config{CacheLimit: config.DefaultCacheLimit}
	} else {
		if *gatewayURL == "" {
			*gatewayURL = cfg.GatewayURL
		}
		if *metaPath == "" {
			*metaPath = cfg.MetaStorePath
		}
		if *cacheLimit == 0 {
			*cacheLimit = cfg.CacheLimit
		}
		if cfg.Port != 0 {
			*port = cfg.Port
		}
		if cfg.Network.DelayEnabled {
			log.Printf("Network delay simulation enabled: %d-%dms",
				cfg.Network.MinDelayMs, cfg.Network.MaxDelayMs)
		}
	}

	// Environment variable overrides
	if env := os.Getenv("GATEWAY_URL"); env != "" {
		*gatewayURL = env
	}
	if env := os.Getenv("PORT"); env != "" {
		if p, err := strconv.Atoi(env); err == nil {
			*port = p
		}
	}
	if env := os.Getenv("META_STORE_PATH"); env != "" {
		*metaPath = env
	}

	if *gatewayURL == "" {
		log.Fatalf("No gateway URL configured (flag -gateway, config.json, or GATEWAY_URL)")
	}
	if *cacheLimit <= 0 {
		*cacheLimit = config.DefaultCacheLimit
	}

	cfg.GatewayURL = *gatewayURL
	cfg.MetaStorePath = *metaPath
	cfg.CacheLimit = *cacheLimit

	log.Printf("Starting lendstate against gateway %s", *gatewayURL)

	service, err := app.NewService(cfg)
	if err != nil {
		log.Fatalf("Failed to create app service: %v", err)
	}
	defer service.Close()

	log.Fatal(service.Start(*port))
}
