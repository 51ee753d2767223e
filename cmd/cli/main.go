// Command evhub is an operator and client CLI for the evhub notification hub.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/and161185/evhub/internal/config"
	"github.com/and161185/evhub/internal/convert"
	"github.com/and161185/evhub/internal/crypto"
	"github.com/and161185/evhub/internal/eventsource"
	"github.com/and161185/evhub/internal/model"
	"github.com/and161185/evhub/internal/repository/postgres"
	"github.com/and161185/evhub/internal/service"
)

// ---- credential store ----

type credFile struct {
	Token  string `json:"token"`
	Secret string `json:"secret"` // base64
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "evhub")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "evhub")
}

func credPath() string { return filepath.Join(cfgDir(), "key.json") }

func saveCreds(c credFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(credPath(), b, 0o600)
}

func loadCreds() (credFile, error) {
	b, err := os.ReadFile(credPath())
	if err != nil {
		return credFile{}, err
	}
	var c credFile
	if err := json.Unmarshal(b, &c); err != nil {
		return credFile{}, err
	}
	if c.Token == "" || c.Secret == "" {
		return credFile{}, errors.New("no stored key (issue-key -save first)")
	}
	return c, nil
}

// resolveCreds prefers explicit flags over the stored key.
func resolveCreds(token, secret string) (credFile, error) {
	if token != "" && secret != "" {
		return credFile{Token: token, Secret: secret}, nil
	}
	return loadCreds()
}

// ---- handshake ----

// authFrame builds the signed handshake frame for nonce.
func authFrame(c credFile, nonce int64) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	sig, err := crypto.Sign(secret, strconv.FormatInt(nonce, 10))
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(map[string]any{
		"api_key":   c.Token,
		"nonce":     nonce,
		"signature": sig,
	})
	if err != nil {
		return nil, err
	}
	return convert.EncodeFrame(model.Envelope{Event: model.EventAuth, Payload: data})
}

// listen authenticates on url and copies every received frame to out, one per line.
func listen(ctx context.Context, url string, c credFile, nonce int64, out io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	frame, err := authFrame(c, nonce)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if _, err := fmt.Fprintln(out, string(msg)); err != nil {
			return err
		}
	}
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `evhub CLI
Usage:
  evhub [-config file] <cmd> [args]

Commands:
  version
  sign        -secret <b64> -nonce <n>                  (prints signature)
  listen      -url ws://HOST:PORT/events [-token t -secret b64] [-nonce n]
  issue-key   -owner <email> [-ttl 720h] [-save]        (needs db.dsn, auth.key)
  revoke-key  -token <t>                                (needs db.dsn, auth.key)
  emit        -event <name> -identity <email> [-old <email>] -data <json>
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands.
func main() {
	// global flags
	cfgPath := flag.String("config", "", "YAML config (EVHUB_* env overrides it)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {

	case "version":
		fmt.Printf("evhub %s (%s)\n", version, buildDate)

	case "sign":
		fs := flag.NewFlagSet("sign", flag.ExitOnError)
		secret := fs.String("secret", "", "base64 secret")
		nonce := fs.Int64("nonce", time.Now().UnixMilli(), "nonce")
		_ = fs.Parse(args)
		raw, err := base64.StdEncoding.DecodeString(*secret)
		if err != nil || len(raw) == 0 {
			fail(errors.New("need -secret (base64)"))
		}
		sig, err := crypto.Sign(raw, strconv.FormatInt(*nonce, 10))
		if err != nil {
			fail(err)
		}
		printJSON(map[string]any{"nonce": *nonce, "signature": sig})

	case "listen":
		fs := flag.NewFlagSet("listen", flag.ExitOnError)
		url := fs.String("url", "ws://localhost:5000/events", "websocket url")
		token := fs.String("token", "", "api key token")
		secret := fs.String("secret", "", "base64 secret")
		nonce := fs.Int64("nonce", 0, "nonce (default: unix millis)")
		_ = fs.Parse(args)

		c, err := resolveCreds(*token, *secret)
		if err != nil {
			fail(err)
		}
		if *nonce == 0 {
			*nonce = time.Now().UnixMilli()
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := listen(ctx, *url, c, *nonce, os.Stdout); err != nil {
			fail(err)
		}

	case "issue-key":
		fs := flag.NewFlagSet("issue-key", flag.ExitOnError)
		owner := fs.String("owner", "", "owner identity (email)")
		ttl := fs.Duration("ttl", 0, "expiry (0 = never)")
		save := fs.Bool("save", false, "store the key for listen")
		_ = fs.Parse(args)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		svc, closeDB := keyService(ctx, *cfgPath)
		defer closeDB()

		ik, err := svc.IssueKey(ctx, model.Identity(*owner), *ttl)
		if err != nil {
			fail(err)
		}
		if *save {
			if err := saveCreds(credFile{Token: ik.Token, Secret: ik.Secret}); err != nil {
				fail(err)
			}
		}
		printJSON(map[string]string{"token": ik.Token, "secret": ik.Secret})

	case "revoke-key":
		fs := flag.NewFlagSet("revoke-key", flag.ExitOnError)
		token := fs.String("token", "", "api key token")
		_ = fs.Parse(args)
		if *token == "" {
			fail(errors.New("need -token"))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		svc, closeDB := keyService(ctx, *cfgPath)
		defer closeDB()

		if err := svc.RevokeKey(ctx, *token); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "emit":
		fs := flag.NewFlagSet("emit", flag.ExitOnError)
		event := fs.String("event", "", "event name")
		identity := fs.String("identity", "", "owner identity")
		old := fs.String("old", "", "previous identity (user_info_update)")
		data := fs.String("data", "{}", "JSON payload")
		_ = fs.Parse(args)

		n, err := notification(*event, *identity, *old, *data)
		if err != nil {
			fail(err)
		}
		cfg := loadConfig(*cfgPath)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		db, err := postgres.New(ctx, cfg.DB.DSN)
		if err != nil {
			fail(err)
		}
		defer db.Close()
		if err := eventsource.Notify(ctx, db.Pool, cfg.Notify.Channel, n); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	default:
		usage()
	}
}

// notification validates emit flags.
func notification(event, identity, old, data string) (model.Notification, error) {
	switch event {
	case model.EventUserInfoUpdate, model.EventBrokerOrderUpdate, model.EventBrokerOrderNew:
	default:
		return model.Notification{}, fmt.Errorf("unknown event %q", event)
	}
	if identity == "" {
		return model.Notification{}, errors.New("need -identity")
	}
	if !json.Valid([]byte(data)) {
		return model.Notification{}, errors.New("-data is not valid JSON")
	}
	return model.Notification{
		Event:       event,
		Identity:    model.Identity(identity),
		OldIdentity: model.Identity(old),
		Payload:     json.RawMessage(data),
	}, nil
}

func loadConfig(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fail(err)
	}
	if cfg.DB.DSN == "" {
		fail(errors.New("db.dsn is not set (EVHUB_DB_DSN)"))
	}
	return cfg
}

func keyService(ctx context.Context, cfgPath string) (*service.AuthService, func()) {
	cfg := loadConfig(cfgPath)
	master, err := crypto.ParseMasterKey(cfg.Auth.Key)
	if err != nil {
		fail(fmt.Errorf("auth.key: %w", err))
	}
	db, err := postgres.New(ctx, cfg.DB.DSN)
	if err != nil {
		fail(err)
	}
	keys := postgres.NewAPIKeyRepo(db, master)
	// key management never consults the lockout limiter
	return service.NewAuthService(keys, nil), db.Close
}

// ---- helpers ----

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
