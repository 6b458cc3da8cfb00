package shell

import (
	"encoding/json"
	"fmt"
	"strings"

	"strata/internal/access"
	"strata/internal/codec"
	"strata/internal/keys"
	"strata/internal/schema"
)

// RegisterRecordCommands registers the database and record commands.
func RegisterRecordCommands(reg *CommandRegistry) {
	reg.Register("/state", Command{
		Help:    "show the database version and stores",
		Handler: handleState,
	})
	reg.Register("/stores", Command{
		Help:    "list the stores of the open database",
		Handler: handleStores,
	})
	reg.Register("/dbs", Command{
		Help:    "list databases in the data directory",
		Handler: handleDbs,
	})
	reg.Register("/open", Command{
		Help:    "reopen the database with the current descriptor",
		Handler: handleOpen,
	})
	reg.Register("/get", Command{
		Usage:   "/get <store> <key>",
		Help:    "show one record by primary key",
		Handler: handleGet,
	})
	reg.Register("/list", Command{
		Usage:   "/list <store>",
		Help:    "show every record of a store",
		Handler: handleList,
	})
	reg.Register("/add", Command{
		Usage:   "/add <store> <json>",
		Help:    "add a record (fails if the key exists)",
		Handler: handleWrite(false),
	})
	reg.Register("/put", Command{
		Usage:   "/put <store> <json>",
		Help:    "add or replace a record",
		Handler: handleWrite(true),
	})
	reg.Register("/del", Command{
		Usage:   "/del <store> <key>",
		Help:    "delete a record",
		Handler: handleDel,
	})
	reg.Register("/clear", Command{
		Usage:   "/clear <store>",
		Help:    "delete every record of a store",
		Handler: handleClear,
	})
	reg.Register("/index", Command{
		Usage:   "/index <store> <index> <value>",
		Help:    "show the first record matching an index value",
		Handler: handleIndex(false),
	})
	reg.Register("/indexall", Command{
		Usage:   "/indexall <store> <index> <value>",
		Help:    "show every record matching an index value",
		Handler: handleIndex(true),
	})
	reg.Register("/addstore", Command{
		Usage:   "/addstore <name> [key_path] [auto]",
		Help:    "create a store by upgrading the database (key_path defaults to id)",
		Handler: handleAddStore,
	})
}

// handle returns the open handle or reports why there is none.
func handle(ctx CommandContext) *access.Handle {
	h := ctx.Shell.Handle()
	if h == nil || !h.Open() {
		_, _ = fmt.Fprintln(ctx.Out, "Database is closed (try /open)")
		return nil
	}
	return h
}

func printErr(ctx CommandContext, err error) {
	_, _ = fmt.Fprintf(ctx.Out, "Error: %v\n", err)
}

func printRecord(ctx CommandContext, doc codec.Document) {
	data, err := json.Marshal(doc)
	if err != nil {
		printErr(ctx, err)
		return
	}
	_, _ = fmt.Fprintf(ctx.Out, "%s\n", data)
}

func handleState(ctx CommandContext) bool {
	h := handle(ctx)
	if h == nil {
		return false
	}
	st, err := h.GetCurrentDbState(ctx.Ctx)
	if err != nil {
		printErr(ctx, err)
		return false
	}
	_, _ = fmt.Fprintf(ctx.Out, "%s v%d (%d stores)\n", st.Name, st.Version, len(st.Stores))
	for _, s := range st.Stores {
		_, _ = fmt.Fprintf(ctx.Out, "  %s\n", DescribeStore(s))
	}
	return false
}

func handleStores(ctx CommandContext) bool {
	h := handle(ctx)
	if h == nil {
		return false
	}
	st, err := h.GetCurrentDbState(ctx.Ctx)
	if err != nil {
		printErr(ctx, err)
		return false
	}
	if len(st.Stores) == 0 {
		_, _ = fmt.Fprintln(ctx.Out, "Stores: (none)")
		return false
	}
	_, _ = fmt.Fprintf(ctx.Out, "Stores: %s\n", strings.Join(st.StoreNames(), ", "))
	return false
}

// DescribeStore renders a store declaration on one line.
func DescribeStore(s schema.StoreSchema) string {
	var b strings.Builder
	b.WriteString(s.Name)
	if s.KeyPath != "" {
		fmt.Fprintf(&b, " key=%s", s.KeyPath)
	}
	if s.AutoIncrement {
		b.WriteString(" auto")
	}
	for _, idx := range s.Indexes {
		fmt.Fprintf(&b, " [%s on %s", idx.Name, idx.KeyPath)
		if idx.Unique {
			b.WriteString(" unique")
		}
		if idx.MultiEntry {
			b.WriteString(" multi")
		}
		b.WriteString("]")
	}
	return b.String()
}

func handleDbs(ctx CommandContext) bool {
	dbs, err := ctx.Shell.Manager().Databases(ctx.Ctx)
	if err != nil {
		printErr(ctx, err)
		return false
	}
	if len(dbs) == 0 {
		_, _ = fmt.Fprintln(ctx.Out, "Databases: (none)")
		return false
	}
	for _, db := range dbs {
		_, _ = fmt.Fprintf(ctx.Out, "  %-20s v%d\n", db.Name, db.Version)
	}
	return false
}

func handleOpen(ctx CommandContext) bool {
	h, err := ctx.Shell.Reopen(ctx.Ctx)
	if err != nil {
		printErr(ctx, err)
		return false
	}
	_, _ = fmt.Fprintf(ctx.Out, "Opened %s at version %d\n", h.Name(), h.Version())
	return false
}

func handleGet(ctx CommandContext) bool {
	if len(ctx.Args) < 2 {
		_, _ = fmt.Fprintln(ctx.Out, "Usage: /get <store> <key>")
		return false
	}
	h := handle(ctx)
	if h == nil {
		return false
	}
	store, raw := splitFirst(ctx.Rest)
	key, err := keys.Parse(raw)
	if err != nil {
		printErr(ctx, err)
		return false
	}
	doc, found, err := access.GetRecordByID[codec.Document](ctx.Ctx, h, store, key)
	switch {
	case err != nil:
		printErr(ctx, err)
	case !found:
		_, _ = fmt.Fprintf(ctx.Out, "%s: not found\n", raw)
	default:
		printRecord(ctx, doc)
	}
	return false
}

func handleList(ctx CommandContext) bool {
	if len(ctx.Args) != 1 {
		_, _ = fmt.Fprintln(ctx.Out, "Usage: /list <store>")
		return false
	}
	h := handle(ctx)
	if h == nil {
		return false
	}
	docs, err := access.GetRecords[codec.Document](ctx.Ctx, h, ctx.Args[0])
	if err != nil {
		printErr(ctx, err)
		return false
	}
	_, _ = fmt.Fprintf(ctx.Out, "%s (%d records):\n", ctx.Args[0], len(docs))
	for _, doc := range docs {
		printRecord(ctx, doc)
	}
	return false
}

func handleWrite(overwrite bool) CommandHandler {
	usage := "Usage: /add <store> <json>"
	if overwrite {
		usage = "Usage: /put <store> <json>"
	}
	return func(ctx CommandContext) bool {
		store, raw := splitFirst(ctx.Rest)
		if store == "" || raw == "" {
			_, _ = fmt.Fprintln(ctx.Out, usage)
			return false
		}
		h := handle(ctx)
		if h == nil {
			return false
		}
		var doc codec.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			_, _ = fmt.Fprintf(ctx.Out, "Error: record must be a JSON object: %v\n", err)
			return false
		}
		rec := access.StoreRecord[codec.Document]{StoreName: store, Data: doc}
		var key any
		var err error
		if overwrite {
			key, err = access.UpdateRecord(ctx.Ctx, h, rec)
		} else {
			key, err = access.AddRecord(ctx.Ctx, h, rec)
		}
		if err != nil {
			printErr(ctx, err)
			return false
		}
		_, _ = fmt.Fprintf(ctx.Out, "Stored %s/%v\n", store, key)
		return false
	}
}

func handleDel(ctx CommandContext) bool {
	if len(ctx.Args) < 2 {
		_, _ = fmt.Fprintln(ctx.Out, "Usage: /del <store> <key>")
		return false
	}
	h := handle(ctx)
	if h == nil {
		return false
	}
	store, raw := splitFirst(ctx.Rest)
	key, err := keys.Parse(raw)
	if err != nil {
		printErr(ctx, err)
		return false
	}
	if err := h.DeleteRecord(ctx.Ctx, store, key); err != nil {
		printErr(ctx, err)
		return false
	}
	_, _ = fmt.Fprintf(ctx.Out, "Deleted %s/%s\n", store, raw)
	return false
}

func handleClear(ctx CommandContext) bool {
	if len(ctx.Args) != 1 {
		_, _ = fmt.Fprintln(ctx.Out, "Usage: /clear <store>")
		return false
	}
	h := handle(ctx)
	if h == nil {
		return false
	}
	if err := h.ClearStore(ctx.Ctx, ctx.Args[0]); err != nil {
		printErr(ctx, err)
		return false
	}
	_, _ = fmt.Fprintf(ctx.Out, "Cleared %s\n", ctx.Args[0])
	return false
}

func handleIndex(all bool) CommandHandler {
	return func(ctx CommandContext) bool {
		if len(ctx.Args) < 3 {
			_, _ = fmt.Fprintln(ctx.Out, "Usage: /index <store> <index> <value>")
			return false
		}
		h := handle(ctx)
		if h == nil {
			return false
		}
		store, rest := splitFirst(ctx.Rest)
		index, raw := splitFirst(rest)
		value, err := keys.Parse(raw)
		if err != nil {
			printErr(ctx, err)
			return false
		}
		q := access.StoreIndexQuery[any]{StoreName: store, IndexName: index, QueryValue: value}
		if all {
			docs, err := access.GetAllRecordsByIndex[codec.Document](ctx.Ctx, h, q)
			if err != nil {
				printErr(ctx, err)
				return false
			}
			_, _ = fmt.Fprintf(ctx.Out, "%s.%s = %s (%d records):\n", store, index, raw, len(docs))
			for _, doc := range docs {
				printRecord(ctx, doc)
			}
			return false
		}
		doc, found, err := access.GetRecordByIndex[codec.Document](ctx.Ctx, h, q)
		switch {
		case err != nil:
			printErr(ctx, err)
		case !found:
			_, _ = fmt.Fprintf(ctx.Out, "%s.%s = %s: not found\n", store, index, raw)
		default:
			printRecord(ctx, doc)
		}
		return false
	}
}

func handleAddStore(ctx CommandContext) bool {
	if len(ctx.Args) == 0 || len(ctx.Args) > 3 {
		_, _ = fmt.Fprintln(ctx.Out, "Usage: /addstore <name> [key_path] [auto]")
		return false
	}
	h := handle(ctx)
	if h == nil {
		return false
	}
	s := schema.StoreSchema{Name: ctx.Args[0], KeyPath: "id"}
	for _, arg := range ctx.Args[1:] {
		if arg == "auto" {
			s.AutoIncrement = true
			continue
		}
		s.KeyPath = arg
	}
	if err := h.AddNewStore(ctx.Ctx, s); err != nil {
		printErr(ctx, err)
		return false
	}
	_, _ = fmt.Fprintf(ctx.Out, "Created store %s (database now at version %d)\n", s.Name, h.Version())
	return false
}

// splitFirst splits off the first whitespace-separated word.
func splitFirst(s string) (head, tail string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}
