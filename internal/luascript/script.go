// Package luascript wraps rueidis.Lua behind a small interface so scripts can
// be declared once at package level and executed through any client.
package luascript

import (
	"context"

	"github.com/redis/rueidis"
)

// Executor runs one Lua script. rueidis.Lua sends EVALSHA and falls back to
// EVAL when the script is not yet cached on the server.
type Executor interface {
	Exec(ctx context.Context, client rueidis.Client, keys, args []string) rueidis.RedisResult
	// Name identifies the script in logs and metrics.
	Name() string
}

// New declares a script. name is used for diagnostics only.
func New(name, script string) Executor {
	return &executor{name: name, script: rueidis.NewLuaScript(script)}
}

type executor struct {
	name   string
	script *rueidis.Lua
}

func (e *executor) Exec(ctx context.Context, client rueidis.Client, keys, args []string) rueidis.RedisResult {
	return e.script.Exec(ctx, client, keys, args)
}

func (e *executor) Name() string { return e.name }
