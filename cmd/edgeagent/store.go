package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/urfave/cli"

	"edgeagent/internal/agent"
)

func runGenerations(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := agent.OpenStore(cfg.Storage.Path, cfg.StoreOptions())
	if err != nil {
		return err
	}
	defer store.Close()

	gens, err := store.Generations()
	if err != nil {
		return err
	}
	active, _, err := store.Active()
	if err != nil {
		return err
	}
	out := struct {
		Active      agent.ActiveSet    `json:"active"`
		Generations []agent.Generation `json:"generations"`
	}{active, gens}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\n", b)
	return nil
}

func runPurge(c *cli.Context) error {
	gen := c.String("generation")
	if gen == "" {
		return errors.New("missing --generation")
	}
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := agent.OpenStore(cfg.Storage.Path, cfg.StoreOptions())
	if err != nil {
		return err
	}
	defer store.Close()

	raw := c.String("url")
	if raw == "" {
		if err := store.DeleteGeneration(gen); err != nil {
			return err
		}
		log.Info("generation deleted", "generation", gen)
		return nil
	}

	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return err
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("--url: %w", err)
	}
	fp := agent.Fingerprint(http.MethodGet, origin.ResolveReference(ref))
	if err := store.Purge(gen, fp); err != nil {
		return err
	}
	log.Info("entry purged", "generation", gen, "key", fp)
	return nil
}
