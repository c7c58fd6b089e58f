package config

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestFlagNames(t *testing.T) {
	t.Parallel()

	want := map[string]string{
		KeyServerHost:            "host",
		KeyServerPort:            "port",
		KeyServerBind:            "bind",
		KeyServerToken:           "token",
		KeyServerJWTSecret:       "jwt-secret",
		KeyServerAllowTokenQuery: "allow-token-query",
		KeyServerInternalKey:     "internal-key",
		KeyAgentRemoteHost:       "remote-host",
		KeyAgentLocal:            "local",
		KeyAgentUseWSS:           "use-wss",
		KeyAgentPath:             "path",
		KeyAgentTokenURL:         "token-url",
	}

	for _, o := range append(append([]Option{}, ServerOptions...), AgentOptions...) {
		if o.Flag != want[o.Key] {
			t.Errorf("flag for %s = %q, want %q", o.Key, o.Flag, want[o.Key])
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := cfg.ServerHost(); got != "0.0.0.0" {
		t.Errorf("ServerHost = %q", got)
	}
	if got := cfg.ServerPort(); got != 8080 {
		t.Errorf("ServerPort = %d", got)
	}
	if cfg.ServerToken() != "" || cfg.ServerBind() != "" {
		t.Error("token and bind should default empty")
	}
	if cfg.ServerAllowTokenQuery() {
		t.Error("allow_token_query should default false")
	}
	if got := cfg.AgentRemoteHost(); got != "app.tunly.online" {
		t.Errorf("AgentRemoteHost = %q", got)
	}
	if got := cfg.AgentLocal(); got != "127.0.0.1:80" {
		t.Errorf("AgentLocal = %q", got)
	}
	if !cfg.AgentUseWSS() {
		t.Error("use_wss should default true")
	}
	if got := cfg.AgentPath(); got != "/ws" {
		t.Errorf("AgentPath = %q", got)
	}
}

func TestBindFlagsPrecedence(t *testing.T) {
	cfg, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := cfg.BindFlags(fs, ServerOptions); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if err := fs.Parse([]string{"--port=9999", "--token=fixed"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := cfg.ServerPort(); got != 9999 {
		t.Errorf("ServerPort = %d, want 9999", got)
	}
	if got := cfg.ServerToken(); got != "fixed" {
		t.Errorf("ServerToken = %q, want fixed", got)
	}
}
