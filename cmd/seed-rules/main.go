// seed-rules loads a ruleset file (YAML or JSON) and appends it to the
// registry under its content hash. Seeding the same content twice is a
// no-op. With no file, the shipped defaults are seeded.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/thebutton/backend/internal/config"
	"github.com/thebutton/backend/internal/core"
	"github.com/thebutton/backend/internal/rules"
	"github.com/thebutton/backend/internal/store"
)

func main() {
	file := flag.String("file", "", "rules file (yaml or json); defaults to built-in rules")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	rc := core.DefaultRules()
	if *file != "" {
		rc, err = loadRulesFile(*file)
		if err != nil {
			log.Fatalf("Failed to load rules file: %v", err)
		}
	}

	pg, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := store.EnsureSchema(ctx, pg.DB()); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	rs, err := rules.NewRegistry(pg.DB()).Seed(ctx, rc)
	if err != nil {
		log.Fatalf("Failed to seed rules: %v", err)
	}
	fmt.Printf("ruleset version=%d hash=%s\n", rs.Version, rs.Hash)
}

func loadRulesFile(path string) (core.RulesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.RulesConfig{}, err
	}

	var rc core.RulesConfig
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &rc)
	default:
		err = json.Unmarshal(data, &rc)
	}
	if err != nil {
		return core.RulesConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := rc.Validate(); err != nil {
		return core.RulesConfig{}, fmt.Errorf("invalid rules in %s: %w", path, err)
	}
	return rc, nil
}
