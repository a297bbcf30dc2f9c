package query

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"rsc.io/script"
	"rsc.io/script/scripttest"

	"github.com/themisdb/themisdb/internal/codec"
	"github.com/themisdb/themisdb/internal/graphidx"
	"github.com/themisdb/themisdb/internal/keyschema"
	"github.com/themisdb/themisdb/internal/kv"
	"github.com/themisdb/themisdb/internal/secindex"
)

// TestScripts runs the txt transcripts under testdata/ through an AQL-aware
// script engine: each file seeds rows, runs a query or explain, and asserts
// on the printed result with the engine's built-in stdout/stderr commands.
// A fresh kv engine and query.Engine back every script file so transcripts
// never see each other's rows.
func TestScripts(t *testing.T) {
	ctx := context.Background()
	var cleanups []func()
	t.Cleanup(func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	})

	newEngine := func() *script.Engine {
		dir, err := os.MkdirTemp("", "themisquery-script-*")
		if err != nil {
			t.Fatal(err)
		}
		cleanups = append(cleanups, func() { _ = os.RemoveAll(dir) })

		kvEngine, err := kv.Open(filepath.Join(dir, "test.db"))
		if err != nil {
			t.Fatal(err)
		}
		cleanups = append(cleanups, func() { _ = kvEngine.Close() })

		sec := secindex.New(kvEngine)
		graph := graphidx.New(kvEngine)
		qe := New(kvEngine, sec, graph, nil, nil)

		e := script.NewEngine()
		e.Cmds = script.DefaultCmds()
		e.Cmds["seed"] = script.Command(
			script.CmdUsage{
				Summary: "insert a row into the users relational collection",
				Args:    "pk name age",
			},
			func(s *script.State, args ...string) (script.WaitFunc, error) {
				if len(args) != 3 {
					return nil, fmt.Errorf("usage: seed pk name age")
				}
				age, err := strconv.ParseFloat(args[2], 64)
				if err != nil {
					return nil, fmt.Errorf("seed: parse age: %w", err)
				}
				ent := codec.NewEntity(codec.FormatBinary)
				ent.PutField("name", codec.String(args[1]))
				ent.PutField("age", codec.Double(age))
				blob, err := ent.RebuildBlob()
				if err != nil {
					return nil, err
				}
				if err := kvEngine.Put(ctx, "relational", keyschema.Relational("users", args[0]), blob); err != nil {
					return nil, err
				}
				return nil, sec.OnPut(ctx, "users", args[0], ent, nil)
			},
		)
		e.Cmds["index"] = script.Command(
			script.CmdUsage{
				Summary: "create a secondary index on a collection field",
				Args:    "collection field",
			},
			func(s *script.State, args ...string) (script.WaitFunc, error) {
				if len(args) != 2 {
					return nil, fmt.Errorf("usage: index collection field")
				}
				sec.CreateIndex(args[0], args[1])
				return nil, nil
			},
		)
		e.Cmds["edge"] = script.Command(
			script.CmdUsage{
				Summary: "add a graph edge",
				Args:    "id from to weight",
			},
			func(s *script.State, args ...string) (script.WaitFunc, error) {
				if len(args) != 4 {
					return nil, fmt.Errorf("usage: edge id from to weight")
				}
				weight, err := strconv.ParseFloat(args[3], 64)
				if err != nil {
					return nil, fmt.Errorf("edge: parse weight: %w", err)
				}
				return nil, graph.AddEdge(ctx, args[0], args[1], args[2], weight, nil)
			},
		)
		e.Cmds["query"] = script.Command(
			script.CmdUsage{
				Summary: "run an AQL query and print one result row per line",
				Args:    "aql...",
			},
			func(s *script.State, args ...string) (script.WaitFunc, error) {
				res, err := qe.Run(ctx, strings.Join(args, " "))
				if err != nil {
					return nil, err
				}
				var out strings.Builder
				for _, row := range res.Rows {
					fmt.Fprintf(&out, "%v\n", row)
				}
				text := out.String()
				return func(*script.State) (string, string, error) { return text, "", nil }, nil
			},
		)
		e.Cmds["explain"] = script.Command(
			script.CmdUsage{
				Summary: "print an AQL query's plan steps, one per line",
				Args:    "aql...",
			},
			func(s *script.State, args ...string) (script.WaitFunc, error) {
				plan, err := qe.Explain(ctx, strings.Join(args, " "))
				if err != nil {
					return nil, err
				}
				var out strings.Builder
				for _, step := range plan.Steps {
					fmt.Fprintf(&out, "%s\n", step)
				}
				text := out.String()
				return func(*script.State) (string, string, error) { return text, "", nil }, nil
			},
		)
		return e
	}

	scripttest.Test(t, ctx, newEngine, nil, "testdata/*.txt")
}
