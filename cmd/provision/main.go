// Command provision registers a new agent directly against the store,
// standing in for the registration/claim-code flow the match server itself
// does not expose (agent registration is handled outside this service), and
// optionally binds a runner to it in the same run.
// Adapted from the teacher's scripts/clear_db.go: a small CLI wired
// straight to config.Load and the store, no HTTP server involved.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"

	"fightclaw/internal/config"
	"fightclaw/internal/ids"
	"fightclaw/internal/logging"
	"fightclaw/internal/middleware"
	"fightclaw/internal/store"
)

func main() {
	name := flag.String("name", "", "display name for the new agent")
	env := flag.String("env", config.GetEnv(), "environment whose config to load")
	runnerID := flag.String("bind-runner", "", "runner id to grant ownership of the new agent (optional)")
	flag.Parse()

	if *name == "" {
		log.Fatal("usage: provision -name <agent-name>")
	}

	cfg, err := config.Load(*env)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, err := store.Open(cfg.Store.Path, logging.New("provision"))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	apiKey, err := generateAPIKey()
	if err != nil {
		log.Fatalf("Failed to generate API key: %v", err)
	}

	agentID := ids.New()
	ctx := context.Background()
	if err := st.CreateAgent(ctx, agentID, *name, middleware.HashAPIKey(apiKey)); err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}
	if err := st.UpsertLeaderboardStart(ctx, agentID, 1500); err != nil {
		log.Fatalf("Failed to seed leaderboard row: %v", err)
	}

	if *runnerID != "" {
		if err := st.BindRunnerToAgent(ctx, *runnerID, agentID); err != nil {
			log.Fatalf("Failed to bind runner %q to agent: %v", *runnerID, err)
		}
		fmt.Printf("Runner %q bound to agent %s\n", *runnerID, agentID)
	}

	fmt.Printf("Agent %q created\n  agentId: %s\n  apiKey:  %s\n", *name, agentID, apiKey)
	fmt.Println("Store the apiKey now; it is not recoverable from the database.")
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "fc_" + hex.EncodeToString(buf), nil
}
