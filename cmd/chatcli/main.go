// chatcli is the reference chat client for the relay mesh. It derives the
// room identity from an emoji sequence locally, encrypts every message before
// it leaves the process, and prints whatever it can decrypt from the relay.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sos-chat/sos-relay/internal/client"
	"github.com/sos-chat/sos-relay/internal/keystore"
	"github.com/sos-chat/sos-relay/internal/roomcrypto"
)

const passphraseEnv = "SOS_KEYSTORE_PASSPHRASE"

type appConfig struct {
	nodeURL      string
	action       string
	emojis       []string
	mode         roomcrypto.Mode
	pin          string
	nickname     string
	keystorePath string
	timeout      time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("chatcli failed: %v", err)
	}
}

func parseConfig() appConfig {
	var cfg appConfig
	var emojis, mode string
	flag.StringVar(&cfg.nodeURL, "node", "http://127.0.0.1:8080", "Base URL of a relay node")
	flag.StringVar(&cfg.action, "action", "", "Action to perform (create|join|list)")
	flag.StringVar(&emojis, "emojis", "", "Emoji sequence, comma separated (empty on create = random)")
	flag.StringVar(&mode, "mode", "rotating", "Room mode for create (fixed|rotating)")
	flag.StringVar(&cfg.pin, "pin", "", "PIN for joining a fixed-mode room")
	flag.StringVar(&cfg.nickname, "nickname", "anon", "Display name inside the room")
	flag.StringVar(&cfg.keystorePath, "keystore", "", "Optional path to a sealed credential store")
	flag.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "Per-request timeout")
	flag.Parse()

	switch cfg.action {
	case "create", "join", "list":
	default:
		log.Fatalf("unsupported action %q (expected create, join, or list)", cfg.action)
	}

	if emojis != "" {
		for _, e := range strings.Split(emojis, ",") {
			if trimmed := strings.TrimSpace(e); trimmed != "" {
				cfg.emojis = append(cfg.emojis, trimmed)
			}
		}
	}

	parsed, err := roomcrypto.ParseMode(mode)
	if err != nil {
		log.Fatalf("invalid mode %q (expected fixed or rotating)", mode)
	}
	cfg.mode = parsed
	return cfg
}

func run(cfg appConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openKeystore(ctx, cfg.keystorePath)
	if err != nil {
		return err
	}

	if cfg.action == "list" {
		return listCredentials(ctx, store)
	}

	logger := zap.NewNop()
	api := client.New(cfg.nodeURL, cfg.timeout)

	var session *client.Session
	switch cfg.action {
	case "create":
		emojis := cfg.emojis
		if len(emojis) == 0 {
			emojis, err = roomcrypto.GenerateSequence()
			if err != nil {
				return fmt.Errorf("generate emoji sequence: %w", err)
			}
		}
		var pin string
		session, pin, err = client.Create(ctx, api, logger, emojis, cfg.mode, cfg.nickname)
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		fmt.Printf("room created: %s\n", session.Hash())
		fmt.Printf("emoji sequence: %s\n", strings.Join(emojis, " "))
		if cfg.mode == roomcrypto.ModeFixed {
			fmt.Printf("pin (share out-of-band): %s\n", pin)
		}
		saveCredential(ctx, store, session, emojis, cfg.mode, pin)

	case "join":
		if len(cfg.emojis) == 0 {
			return errors.New("join requires -emojis")
		}
		session, err = client.Join(ctx, api, logger, cfg.emojis, cfg.pin, cfg.nickname)
		if err != nil {
			return fmt.Errorf("join room: %w", err)
		}
		fmt.Printf("joined room %s\n", session.Hash())
		saveCredential(ctx, store, session, cfg.emojis, session.Mode(), cfg.pin)
	}

	fmt.Printf("room expires at %s; type to chat, Ctrl-C to leave\n",
		session.ExpiresAt().Format(time.RFC3339))
	defer session.Leave()

	go readInput(ctx, session)

	err = session.Run(ctx, func(m client.Message) {
		fmt.Printf("[%s] %s\n", m.Sender, m.Text)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if errors.Is(err, client.ErrRoomNotFound) {
		fmt.Println("room expired")
		return nil
	}
	return err
}

// readInput relays stdin lines into the room until ctx ends or stdin closes.
func readInput(ctx context.Context, session *client.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := session.Send(ctx, line); err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Printf("send failed: %v\n", err)
		}
	}
}

// openKeystore unlocks (or initializes) the sealed credential store when a
// path was given. The passphrase comes from the environment, never a flag.
func openKeystore(ctx context.Context, path string) (*keystore.FileStore, error) {
	if path == "" {
		return nil, nil
	}
	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("keystore requires %s to be set", passphraseEnv)
	}

	store := keystore.NewFileStore(path)
	if err := store.Unlock(ctx, passphrase); err != nil {
		if !errors.Is(err, keystore.ErrNotInitialized) {
			return nil, fmt.Errorf("unlock keystore: %w", err)
		}
		if err := store.Initialize(ctx, passphrase); err != nil {
			return nil, fmt.Errorf("initialize keystore: %w", err)
		}
		fmt.Printf("initialized keystore at %s\n", store.Path())
	}
	return store, nil
}

func saveCredential(ctx context.Context, store *keystore.FileStore, session *client.Session, emojis []string, mode roomcrypto.Mode, pin string) {
	if store == nil {
		return
	}
	err := store.Store(ctx, keystore.RoomCredential{
		Hash:      session.Hash(),
		Emojis:    emojis,
		Mode:      string(mode),
		PIN:       pin,
		CreatedAt: session.CreatedAt(),
		ExpiresAt: session.ExpiresAt(),
	})
	if err != nil {
		fmt.Printf("warning: could not save room credential: %v\n", err)
	}
}

func listCredentials(ctx context.Context, store *keystore.FileStore) error {
	if store == nil {
		return errors.New("list requires -keystore")
	}
	creds, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}
	if len(creds) == 0 {
		fmt.Println("no stored rooms")
		return nil
	}
	for _, c := range creds {
		fmt.Printf("%s  mode=%s  emojis=%s  expires=%s\n",
			c.Hash, c.Mode, strings.Join(c.Emojis, " "), c.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
