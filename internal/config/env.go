package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrMissingEnv = errors.New("missing required environment variable")

const (
	EnvBotToken   = "BOT_TOKEN"
	EnvSessdata   = "SESSDATA"
	EnvConfigPath = "LIVERELAY_CONFIG"
)

// Env holds the secrets and paths that come from the environment.
type Env struct {
	BotToken   string
	Sessdata   string
	ConfigPath string
}

// LoadEnv reads Env using lookup (os.LookupEnv when nil).
// Every missing required variable is reported.
func LoadEnv(lookup func(string) (string, bool)) (Env, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) string {
		v, _ := lookup(k)
		return strings.TrimSpace(v)
	}
	e := Env{
		BotToken:   get(EnvBotToken),
		Sessdata:   get(EnvSessdata),
		ConfigPath: get(EnvConfigPath),
	}
	var missing []string
	if e.BotToken == "" {
		missing = append(missing, EnvBotToken)
	}
	if e.Sessdata == "" {
		missing = append(missing, EnvSessdata)
	}
	if len(missing) > 0 {
		return e, fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, ", "))
	}
	return e, nil
}
