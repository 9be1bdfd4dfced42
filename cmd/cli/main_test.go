package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/and161185/udpauth/internal/repository/jsonfile"
	"github.com/and161185/udpauth/internal/router"
	udpserver "github.com/and161185/udpauth/internal/server/udp"
	"github.com/and161185/udpauth/internal/service"
	"github.com/and161185/udpauth/internal/transport"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "udpauth")
}

func startServer(t *testing.T) string {
	t.Helper()
	log := zaptest.NewLogger(t)
	store, err := jsonfile.Open(filepath.Join(t.TempDir(), "users.json"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	r := router.New(service.NewAuthService(store, time.Hour, nil, log), service.NewProfileService(store), log)
	srv := udpserver.New(udpserver.Config{Addr: "127.0.0.1:0"}, r, transport.NewPool("127.0.0.1", log), store, log, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv.Addr().String()
}

func runCLI(t *testing.T, args ...string) (int, router.Response, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(args, &out, &errOut)
	var resp router.Response
	if out.Len() > 0 {
		_ = json.Unmarshal(out.Bytes(), &resp)
	}
	return code, resp, errOut.String()
}

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
}

func Test_token_SaveLoad(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	if err := saveToken(tokenFile{Token: "tok", Username: "a", ExpiresAt: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	tf, err := loadToken()
	if err != nil || tf.Token != "tok" || tf.Username != "a" {
		t.Fatalf("loadToken: %+v err=%v", tf, err)
	}
	if err := saveToken(tokenFile{Token: "tok2", ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}
	if err := dropToken(); err != nil {
		t.Fatalf("dropToken: %v", err)
	}
	if err := dropToken(); err != nil {
		t.Fatalf("dropToken twice: %v", err)
	}
}

func Test_kvFlags(t *testing.T) {
	kv := kvFlags{}
	if err := kv.Set("city=Rome=Italy"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if kv["city"] != "Rome=Italy" {
		t.Fatalf("kv=%v", kv)
	}
	for _, bad := range []string{"novalue", "=x"} {
		if err := kv.Set(bad); err == nil {
			t.Fatalf("Set(%q) should fail", bad)
		}
	}
}

func Test_run_Session(t *testing.T) {
	dir := withTmpConfig(t)
	addr := startServer(t)

	code, resp, _ := runCLI(t, "-addr", addr, "register", "-u", "alice", "-p", "pw1", "-set", "city=Rome")
	if code != 0 || !resp.IsSuccess() {
		t.Fatalf("register: code=%d resp=%+v", code, resp)
	}

	code, resp, _ = runCLI(t, "-addr", addr, "login", "-u", "alice", "-p", "bad")
	if code != 1 || resp.Message != router.CodeLoginFailed {
		t.Fatalf("bad login: code=%d resp=%+v", code, resp)
	}
	if _, err := os.Stat(filepath.Join(dir, "token.json")); err == nil {
		t.Fatal("failed login must not save a token")
	}

	code, resp, _ = runCLI(t, "-addr", addr, "login", "-u", "alice", "-p", "pw1")
	if code != 0 || len(resp.Token) != 32 {
		t.Fatalf("login: code=%d resp=%+v", code, resp)
	}

	code, resp, _ = runCLI(t, "-addr", addr, "info")
	if code != 0 || resp.Info["username"] != "alice" {
		t.Fatalf("info: code=%d resp=%+v", code, resp)
	}

	code, resp, _ = runCLI(t, "-addr", addr, "update", "-set", "city=Oslo")
	if code != 0 {
		t.Fatalf("update: code=%d resp=%+v", code, resp)
	}

	code, _, _ = runCLI(t, "-addr", addr, "refresh")
	if code != 0 {
		t.Fatalf("refresh: code=%d", code)
	}

	code, _, _ = runCLI(t, "-addr", addr, "logout")
	if code != 0 {
		t.Fatalf("logout: code=%d", code)
	}
	code, _, errOut := runCLI(t, "-addr", addr, "info")
	if code != 1 || !strings.Contains(errOut, "login required") {
		t.Fatalf("info after logout: code=%d stderr=%q", code, errOut)
	}
}

func Test_run_Usage(t *testing.T) {
	_ = withTmpConfig(t)
	cases := [][]string{
		{},
		{"frobnicate"},
		{"-nope"},
		{"register", "-x"},
	}
	for _, args := range cases {
		if code, _, _ := runCLI(t, args...); code != 2 {
			t.Fatalf("args %v: code=%d, want 2", args, code)
		}
	}
	if code, _, errOut := runCLI(t, "register", "-u", "a"); code != 1 || !strings.Contains(errOut, "need -u and -p") {
		t.Fatalf("missing password: code=%d %q", code, errOut)
	}
	if code, _, _ := runCLI(t, "version"); code != 0 {
		t.Fatalf("version: code=%d", code)
	}
}
