package config

import "strings"

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

const (
	KeyServerHost            = "server.host"
	KeyServerPort            = "server.port"
	KeyServerBind            = "server.bind"
	KeyServerToken           = "server.token"
	KeyServerJWTSecret       = "server.jwt_secret"
	KeyServerAllowTokenQuery = "server.allow_token_query"
	KeyServerInternalKey     = "server.internal_key"
)

const (
	KeyAgentRemoteHost = "agent.remote_host"
	KeyAgentLocal      = "agent.local"
	KeyAgentUseWSS     = "agent.use_wss"
	KeyAgentPath       = "agent.path"
	KeyAgentTokenURL   = "agent.token_url"
)

// ServerOptions defines the configuration entries available in server
// mode. Each entry is registered as a viper default and a CLI flag.
var ServerOptions = []Option{
	{Key: KeyServerHost, Flag: toFlag(KeyServerHost), Default: "0.0.0.0", Description: "Server listen host"},
	{Key: KeyServerPort, Flag: toFlag(KeyServerPort), Default: 8080, Description: "Server listen port"},
	{Key: KeyServerBind, Flag: toFlag(KeyServerBind), Default: "", Description: "Server bind address, overrides host and port"},
	{Key: KeyServerToken, Flag: toFlag(KeyServerToken), Default: "", Description: "Fixed tunnel token; enables fixed-token mode and disables /token"},
	{Key: KeyServerJWTSecret, Flag: toFlag(KeyServerJWTSecret), Default: "", Description: "Secret for signing ephemeral credentials; random when empty"},
	{Key: KeyServerAllowTokenQuery, Flag: toFlag(KeyServerAllowTokenQuery), Default: false, Description: "Accept the upgrade token in the query string"},
	{Key: KeyServerInternalKey, Flag: toFlag(KeyServerInternalKey), Default: "", Description: "Require this x-internal-key header on /token"},
}

// AgentOptions defines the configuration entries available in agent
// mode.
var AgentOptions = []Option{
	{Key: KeyAgentRemoteHost, Flag: toFlag(KeyAgentRemoteHost), Default: "app.tunly.online", Description: "Remote gateway host[:port]"},
	{Key: KeyAgentLocal, Flag: toFlag(KeyAgentLocal), Default: "127.0.0.1:80", Description: "Local target host:port to forward to"},
	{Key: KeyAgentUseWSS, Flag: toFlag(KeyAgentUseWSS), Default: true, Description: "Use secure WebSocket (wss)"},
	{Key: KeyAgentPath, Flag: toFlag(KeyAgentPath), Default: "/ws", Description: "WebSocket path on the gateway"},
	{Key: KeyAgentTokenURL, Flag: toFlag(KeyAgentTokenURL), Default: "", Description: "URL to fetch a credential from (JSON or plain text)"},
}

// toFlag converts a viper key like "server.jwt_secret" into a CLI
// flag like "jwt-secret" by lower-casing, replacing dots and
// underscores with hyphens, and stripping the "server-" or "agent-"
// prefix.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	flag = strings.TrimPrefix(flag, "server-")
	flag = strings.TrimPrefix(flag, "agent-")
	return flag
}
