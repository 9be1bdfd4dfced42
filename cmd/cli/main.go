// Command udpauth is a CLI client for the UDP auth service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/udpauth/internal/client"
	"github.com/and161185/udpauth/internal/router"
)

// ---- token store ----

type tokenFile struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "udpauth")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "udpauth")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tf tokenFile) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tf)
}

var errNoToken = errors.New("no valid token (login required)")

func loadToken() (tokenFile, error) {
	var tf tokenFile
	b, err := os.ReadFile(tokenPath())
	if errors.Is(err, os.ErrNotExist) {
		return tf, errNoToken
	}
	if err != nil {
		return tf, err
	}
	if err := json.Unmarshal(b, &tf); err != nil {
		return tf, err
	}
	if tf.Token == "" || time.Now().After(tf.ExpiresAt) {
		return tf, errNoToken
	}
	return tf, nil
}

func dropToken() error {
	err := os.Remove(tokenPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ---- utils ----

// kvFlags collects repeated -set key=value pairs.
type kvFlags map[string]any

func (kv kvFlags) String() string { return fmt.Sprint(map[string]any(kv)) }

func (kv kvFlags) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("want key=value, got %q", s)
	}
	kv[k] = v
	return nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

const usageText = `udpauth CLI
Usage:
  udpauth [-addr HOST:PORT] [-timeout d] [-retries n] <cmd> [args]

Commands:
  version
  register   -u <username> -p <password> [-set key=value ...]
  login      -u <username> -p <password>         (saves token)
  info       -u <username>
  update     [-u <username>] -set key=value ...  (own profile only)
  refresh
  logout                                         (drops saved token)
`

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands against the server.
func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// global flags
	gfs := flag.NewFlagSet("udpauth", flag.ContinueOnError)
	gfs.SetOutput(stderr)
	addr := gfs.String("addr", "127.0.0.1:49000", "server addr")
	timeout := gfs.Duration("timeout", 2*time.Second, "per-attempt receive timeout")
	retries := gfs.Int("retries", 3, "receive attempts per request")
	ttl := gfs.Duration("ttl", time.Hour, "assumed server session TTL")
	verbose := gfs.Bool("v", false, "debug logging")
	gfs.Usage = func() { fmt.Fprint(stderr, usageText) }
	if err := gfs.Parse(args); err != nil {
		return 2
	}
	if gfs.NArg() < 1 {
		gfs.Usage()
		return 2
	}
	cmd, rest := gfs.Arg(0), gfs.Args()[1:]

	log := zap.NewNop()
	if *verbose {
		log, _ = zap.NewDevelopment()
	}
	cli, err := client.New(*addr, client.WithTimeout(*timeout), client.WithRetries(*retries), client.WithLogger(log))
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var resp router.Response
	switch cmd {

	case "version":
		fmt.Fprintf(stdout, "udpauth %s (%s)\n", version, buildDate)
		return 0

	case "register":
		fs := flag.NewFlagSet("register", flag.ContinueOnError)
		fs.SetOutput(stderr)
		u := fs.String("u", "", "username")
		p := fs.String("p", "", "password")
		extra := kvFlags{}
		fs.Var(extra, "set", "extra profile field key=value (repeatable)")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if *u == "" || *p == "" {
			fmt.Fprintln(stderr, "need -u and -p")
			return 1
		}
		resp, err = cli.Register(ctx, *u, *p, extra)

	case "login":
		fs := flag.NewFlagSet("login", flag.ContinueOnError)
		fs.SetOutput(stderr)
		u := fs.String("u", "", "username")
		p := fs.String("p", "", "password")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if *u == "" || *p == "" {
			fmt.Fprintln(stderr, "need -u and -p")
			return 1
		}
		resp, err = cli.Login(ctx, *u, *p)
		if err == nil && resp.IsSuccess() {
			if serr := saveToken(tokenFile{Token: resp.Token, Username: *u, ExpiresAt: time.Now().Add(*ttl)}); serr != nil {
				return fail(stderr, serr)
			}
		}

	case "info":
		fs := flag.NewFlagSet("info", flag.ContinueOnError)
		fs.SetOutput(stderr)
		u := fs.String("u", "", "username (default: logged-in user)")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		tf, terr := loadToken()
		if terr != nil {
			return fail(stderr, terr)
		}
		if *u == "" {
			*u = tf.Username
		}
		resp, err = cli.GetInfo(ctx, tf.Token, *u)

	case "update":
		fs := flag.NewFlagSet("update", flag.ContinueOnError)
		fs.SetOutput(stderr)
		u := fs.String("u", "", "username (default: logged-in user)")
		fields := kvFlags{}
		fs.Var(fields, "set", "profile field key=value (repeatable)")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if len(fields) == 0 {
			fmt.Fprintln(stderr, "need at least one -set")
			return 1
		}
		tf, terr := loadToken()
		if terr != nil {
			return fail(stderr, terr)
		}
		if *u == "" {
			*u = tf.Username
		}
		resp, err = cli.UpdateInfo(ctx, tf.Token, *u, fields)

	case "refresh":
		tf, terr := loadToken()
		if terr != nil {
			return fail(stderr, terr)
		}
		resp, err = cli.Refresh(ctx, tf.Token)
		if err == nil && resp.IsSuccess() {
			tf.ExpiresAt = time.Now().Add(*ttl)
			_ = saveToken(tf)
		}

	case "logout":
		tf, terr := loadToken()
		if terr != nil {
			return fail(stderr, terr)
		}
		resp, err = cli.Logout(ctx, tf.Token)
		if err == nil {
			_ = dropToken()
		}

	default:
		gfs.Usage()
		return 2
	}

	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, resp)
	if !resp.IsSuccess() {
		return 1
	}
	return 0
}

func fail(w io.Writer, err error) int {
	fmt.Fprintln(w, "error:", err)
	return 1
}
