package shell

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/access"
	"strata/internal/engine"
	"strata/internal/kv/bolt"
	"strata/internal/schema"
)

func descriptor() schema.Descriptor {
	return schema.Descriptor{
		Name:    "app",
		Version: 1,
		Stores: []schema.StoreSchema{{
			Name:    "people",
			KeyPath: "id",
			Indexes: []schema.IndexSchema{
				{Name: "byEmail", KeyPath: "email", Unique: true},
				{Name: "byTeam", KeyPath: "team"},
			},
		}},
	}
}

func newShell(t *testing.T) *Shell {
	t.Helper()
	o, err := bolt.NewOpener(t.TempDir(), time.Second)
	require.NoError(t, err)
	f := engine.NewFactory(o)
	t.Cleanup(func() { f.Close() })

	m, err := access.New(f, descriptor())
	require.NoError(t, err)
	h, err := m.OpenDb(context.Background())
	require.NoError(t, err)
	return New(m, h)
}

func exec(t *testing.T, sh *Shell, line string) string {
	t.Helper()
	var out bytes.Buffer
	exit := sh.Exec(context.Background(), line, &out)
	assert.False(t, exit, "%s should not exit", line)
	return out.String()
}

func TestRecordCommands(t *testing.T) {
	sh := newShell(t)

	assert.Equal(t, "Stored people/1\n", exec(t, sh, `/add people {"id": 1, "name": "Ada Lovelace", "email": "ada@x.io", "team": "eng"}`))
	assert.Equal(t, "Stored people/2\n", exec(t, sh, `/put people {"id":2,"name":"Bob","email":"bob@x.io","team":"eng"}`))

	assert.Equal(t, `{"email":"ada@x.io","id":1,"name":"Ada Lovelace","team":"eng"}`+"\n", exec(t, sh, "/get people 1"))
	assert.Equal(t, "3: not found\n", exec(t, sh, "/get people 3"))

	out := exec(t, sh, "/list people")
	assert.True(t, strings.HasPrefix(out, "people (2 records):\n"), out)

	assert.Contains(t, exec(t, sh, "/index people byEmail bob@x.io"), `"name":"Bob"`)
	assert.Contains(t, exec(t, sh, "/indexall people byTeam eng"), "(2 records)")

	assert.Equal(t, "Deleted people/1\n", exec(t, sh, "/del people 1"))
	assert.Equal(t, "Cleared people\n", exec(t, sh, "/clear people"))
	assert.Contains(t, exec(t, sh, "/list people"), "(0 records)")
}

func TestWriteErrors(t *testing.T) {
	sh := newShell(t)
	exec(t, sh, `/add people {"id":1,"email":"a@x.io"}`)

	assert.Contains(t, exec(t, sh, `/add people {"id":1}`), "Error:")
	assert.Contains(t, exec(t, sh, `/add people [1,2]`), "must be a JSON object")
	assert.Contains(t, exec(t, sh, `/add people`), "Usage: /add")
	assert.Contains(t, exec(t, sh, `/put nowhere {"id":1}`), "Error:")
	assert.Contains(t, exec(t, sh, `/get people true`), "Error:")
}

func TestStateAndAddStore(t *testing.T) {
	sh := newShell(t)

	out := exec(t, sh, "/state")
	assert.Contains(t, out, "app v1 (1 stores)")
	assert.Contains(t, out, "people key=id [byEmail on email unique] [byTeam on team]")

	assert.Equal(t, "Stores: people\n", exec(t, sh, "/stores"))
	assert.Equal(t, "Created store notes (database now at version 2)\n", exec(t, sh, "/addstore notes auto"))
	assert.Contains(t, exec(t, sh, "/state"), "notes key=id auto")
	assert.Equal(t, "Stores: notes, people\n", exec(t, sh, "/stores"))
	assert.Equal(t, "Stored notes/1\n", exec(t, sh, `/add notes {"text":"hi"}`))

	assert.Contains(t, exec(t, sh, "/addstore notes"), "Error:")
}

func TestDbsAndReopen(t *testing.T) {
	sh := newShell(t)
	assert.Contains(t, exec(t, sh, "/dbs"), "app")

	require.NoError(t, sh.Handle().Close())
	assert.Contains(t, exec(t, sh, "/list people"), "Database is closed")

	assert.Equal(t, "Opened app at version 1\n", exec(t, sh, "/open"))
	assert.Contains(t, exec(t, sh, "/list people"), "(0 records)")
}

func TestUnknownCommandAndHelp(t *testing.T) {
	sh := newShell(t)
	assert.Contains(t, exec(t, sh, "/nope"), "Unknown command: /nope")

	help := exec(t, sh, "/help")
	for _, name := range []string{"/get <store> <key>", "/addstore", "/quit"} {
		assert.Contains(t, help, name)
	}
	assert.NotContains(t, help, "—")

	var out bytes.Buffer
	assert.True(t, sh.Exec(context.Background(), "/quit", &out))
}

func TestRegistryFrozen(t *testing.T) {
	sh := newShell(t)
	assert.Panics(t, func() {
		sh.Registry().Register("/late", Command{Handler: func(CommandContext) bool { return false }})
	})
	assert.Panics(t, func() { NewCommandRegistry().Register("/nil", Command{}) })
}

func TestSplitFirst(t *testing.T) {
	head, tail := splitFirst("  people   {\"a\": 1} ")
	assert.Equal(t, "people", head)
	assert.Equal(t, `{"a": 1}`, tail)

	head, tail = splitFirst("people")
	assert.Equal(t, "people", head)
	assert.Empty(t, tail)
}

type readWriter struct {
	io.Reader
	io.Writer
}

func TestRunEchoesNotifications(t *testing.T) {
	sh := newShell(t)
	in := strings.NewReader(`/add people {"id":7,"name":"Eve"}` + "\r" + "hello\r" + "/get people 7\r" + "/quit\r" + "/list people\r")
	var out bytes.Buffer

	require.NoError(t, sh.Run(context.Background(), readWriter{in, &out}))

	got := out.String()
	assert.Contains(t, got, "* [AddRecord]")
	assert.Contains(t, got, "Stored people/7")
	assert.Contains(t, got, "Commands start with /")
	assert.Contains(t, got, `{"id":7,"name":"Eve"}`)
	assert.Contains(t, got, "Goodbye.")
	assert.NotContains(t, got, "(1 records)", "commands after /quit must not run")
}

func TestRunStopsAtEOF(t *testing.T) {
	sh := newShell(t)
	in := strings.NewReader("/add people\r")
	var out bytes.Buffer
	require.NoError(t, sh.Run(context.Background(), readWriter{in, &out}))
	assert.Contains(t, out.String(), "Usage: /add")
}
