// Package connfilter compiles the connection-list filter expressions of
// spec §6 (the HTTP facade's ?filter= query parameter) using expr-lang/
// expr, grounded directly on the teacher's filter.Compile: build a typed
// environment struct, compile once with expr.AsBool, and evaluate the
// compiled program per candidate row rather than re-parsing text on every
// call.
package connfilter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/caronte/caronte/internal/caronteerr"
	"github.com/caronte/caronte/internal/model"
)

// Env mirrors the Connection fields a filter expression can reference,
// using the same struct-of-fields-with-expr-tags shape as the teacher's
// PacketEnv, scoped to the connection list rather than raw packets.
type Env struct {
	IPSrc       string `expr:"ip_src"`
	PortSrc     int    `expr:"port_src"`
	IPDst       string `expr:"ip_dst"`
	PortDst     int    `expr:"port_dst"`
	ServicePort int    `expr:"service_port"`
	ClientBytes int    `expr:"client_bytes"`
	ServerBytes int    `expr:"server_bytes"`
	Marked      bool   `expr:"marked"`
	Hidden      bool   `expr:"hidden"`
	FlaggedIn   bool   `expr:"flagged_in"`
	FlaggedOut  bool   `expr:"flagged_out"`
	RuleCount   int    `expr:"rule_count"`
}

// Compiled is a filter ready to test against any number of connections.
type Compiled struct {
	program *vm.Program
}

// Compile parses and type-checks expression against Env, failing fast
// with InvalidInput on a syntax or type error rather than at evaluation
// time against the first row.
func Compile(expression string) (*Compiled, error) {
	if expression == "" {
		return &Compiled{}, nil
	}
	program, err := expr.Compile(expression, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, caronteerr.Wrap(caronteerr.KindInvalidInput, "invalid connection filter", err)
	}
	return &Compiled{program: program}, nil
}

// Match reports whether conn satisfies the compiled filter. A nil or
// empty filter matches everything.
func (c *Compiled) Match(conn model.Connection) (bool, error) {
	if c == nil || c.program == nil {
		return true, nil
	}
	env := connToEnv(conn)
	out, err := expr.Run(c.program, env)
	if err != nil {
		return false, caronteerr.Wrap(caronteerr.KindInternal, "evaluate connection filter", err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, caronteerr.Internal("connection filter did not evaluate to bool: %v", out)
	}
	return matched, nil
}

func connToEnv(conn model.Connection) Env {
	return Env{
		IPSrc:       conn.IPSrc,
		PortSrc:     conn.PortSrc,
		IPDst:       conn.IPDst,
		PortDst:     conn.PortDst,
		ServicePort: conn.ServicePort,
		ClientBytes: conn.ClientBytes,
		ServerBytes: conn.ServerBytes,
		Marked:      conn.Marked,
		Hidden:      conn.Hidden,
		FlaggedIn:   conn.FlaggedIn,
		FlaggedOut:  conn.FlaggedOut,
		RuleCount:   len(conn.MatchedRules),
	}
}

// Filter applies a compiled expression to a slice of connections,
// preserving order.
func (c *Compiled) Filter(conns []model.Connection) ([]model.Connection, error) {
	if c == nil || c.program == nil {
		return conns, nil
	}
	out := make([]model.Connection, 0, len(conns))
	for _, conn := range conns {
		ok, err := c.Match(conn)
		if err != nil {
			return nil, fmt.Errorf("connection %s: %w", conn.ID, err)
		}
		if ok {
			out = append(out, conn)
		}
	}
	return out, nil
}
