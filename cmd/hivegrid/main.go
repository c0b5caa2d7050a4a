package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hivegrid/hivegrid/internal/agent"
	"github.com/hivegrid/hivegrid/internal/collab"
	"github.com/hivegrid/hivegrid/internal/comms"
	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/consensus"
	"github.com/hivegrid/hivegrid/internal/memory"
	"github.com/hivegrid/hivegrid/internal/natsbus"
	"github.com/hivegrid/hivegrid/internal/store"
	"github.com/hivegrid/hivegrid/internal/swarm"
	"github.com/hivegrid/hivegrid/internal/vault"
	"github.com/hivegrid/hivegrid/internal/web"
)

var version = "dev"

const defaultSwarmID = "default"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("hivegrid %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: hivegrid <command>\n\nCommands:\n  gateway    Start the hivegrid swarm service\n  version    Print version\n")
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting hivegrid", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()
	slog.Info("store initialized", "path", cfg.Store.Path, "durable", st.Durable())

	nb, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer nb.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	client, err := natsbus.NewClient(nb)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer client.Close()

	collabToken, err := loadCollabToken(cfg, st)
	if err != nil {
		return err
	}

	mem, err := memory.New(cfg.Memory, st, memory.WithAnalytics(collab.NewMetricsSink(st, defaultSwarmID)))
	if err != nil {
		return fmt.Errorf("init memory: %w", err)
	}
	go func() {
		if err := mem.RunCleanup(ctx); err != nil {
			slog.Error("memory cleanup loop failed", "error", err)
		}
	}()

	bus := comms.NewBus(cfg.Comms, defaultSwarmID, st, client)
	go bus.Run(ctx)

	eng := consensus.New(cfg.Consensus, defaultSwarmID, st, bus)
	go eng.RunSweep(ctx)

	coord := swarm.New(cfg.Swarm, cfg.Agent, st, mem, bus, eng,
		agent.WithAnalyzer(collab.NewAnalyzer(cfg.Collab, collabToken)),
		agent.WithTrainer(collab.NewMetricsTrainer(st, defaultSwarmID)),
	)
	if _, err := coord.CreateSwarm(defaultSwarmID, "hivegrid", cfg.Consensus.DefaultThreshold); err != nil {
		return fmt.Errorf("create swarm: %w", err)
	}
	go coord.Run(ctx)
	slog.Info("coordinator started", "max_agents", cfg.Swarm.MaxAgents)

	if cfg.Web.Enabled {
		srv := web.NewServer(cfg.Web, st, coord, eng, client, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	coord.Shutdown()
	return nil
}

// loadCollabToken resolves the analysis collaborator's credential from
// the encrypted secrets table. HIVEGRID_COLLAB_TOKEN seeds or rotates
// the stored value.
func loadCollabToken(cfg *config.Config, st *store.Store) (string, error) {
	if cfg.Vault.Passphrase == "" {
		return "", nil
	}
	v := vault.New(cfg.Vault.Passphrase)

	if plaintext := os.Getenv("HIVEGRID_COLLAB_TOKEN"); plaintext != "" {
		ciphertext, nonce, err := v.Encrypt([]byte(plaintext))
		if err != nil {
			return "", fmt.Errorf("encrypt collaborator token: %w", err)
		}
		if err := st.SaveSecret(&store.Secret{Name: "collab.token", Value: ciphertext, Nonce: nonce}); err != nil {
			return "", fmt.Errorf("store collaborator token: %w", err)
		}
		return plaintext, nil
	}

	sec, err := st.GetSecret("collab.token")
	if err != nil {
		return "", fmt.Errorf("load collaborator token: %w", err)
	}
	if sec == nil {
		return "", nil
	}
	plaintext, err := v.Decrypt(sec.Value, sec.Nonce)
	if err != nil {
		return "", fmt.Errorf("decrypt collaborator token: %w", err)
	}
	return string(plaintext), nil
}
