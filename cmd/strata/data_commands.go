package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"strata/internal/access"
	"strata/internal/codec"
	"strata/internal/engine"
	"strata/internal/keys"
	"strata/internal/schema"
	"strata/internal/shell"
)

func newOpenCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Open the configured database, creating or upgrading it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withHandle(cmd, func(ctx context.Context, e *env, h *access.Handle) error {
				st, err := h.GetCurrentDbState(ctx)
				if err != nil {
					return err
				}
				return e.out.emit(st, func(w io.Writer) {
					fmt.Fprintf(w, "Opened %s at version %d (stores: %s)\n", st.Name, st.Version, strings.Join(st.StoreNames(), ", "))
				})
			})
		},
	}
}

func newStateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the database version and stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withHandle(cmd, func(ctx context.Context, e *env, h *access.Handle) error {
				st, err := h.GetCurrentDbState(ctx)
				if err != nil {
					return err
				}
				return e.out.emit(st, func(w io.Writer) {
					fmt.Fprintf(w, "%s v%d\n", st.Name, st.Version)
					for _, s := range st.Stores {
						fmt.Fprintf(w, "  %s\n", shell.DescribeStore(s))
					}
				})
			})
		},
	}
}

func newDbsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dbs",
		Short: "List databases in the data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.env(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			dbs, err := e.manager.Databases(cmd.Context())
			if err != nil {
				return err
			}
			return e.out.emit(dbs, func(w io.Writer) {
				for _, db := range dbs {
					fmt.Fprintf(w, "%s v%d\n", db.Name, db.Version)
				}
			})
		},
	}
}

type writeResult struct {
	Store string `json:"store"`
	Key   any    `json:"key"`
}

func newWriteCommand(opts *rootOptions, name string, overwrite bool) *cobra.Command {
	short := "Add a record; fails if its key exists"
	if overwrite {
		short = "Add or replace a record"
	}
	return &cobra.Command{
		Use:   name + " <store> <json>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc codec.Document
			if err := json.Unmarshal([]byte(args[1]), &doc); err != nil {
				return fmt.Errorf("record must be a JSON object: %w", err)
			}
			return opts.withHandle(cmd, func(ctx context.Context, e *env, h *access.Handle) error {
				rec := access.StoreRecord[codec.Document]{StoreName: args[0], Data: doc}
				var key any
				var err error
				if overwrite {
					key, err = access.UpdateRecord(ctx, h, rec)
				} else {
					key, err = access.AddRecord(ctx, h, rec)
				}
				if err != nil {
					return err
				}
				return e.out.emit(writeResult{Store: args[0], Key: key}, func(w io.Writer) {
					fmt.Fprintf(w, "Stored %s/%v\n", args[0], key)
				})
			})
		},
	}
}

type getResult struct {
	Found  bool           `json:"found"`
	Record codec.Document `json:"record,omitempty"`
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <store> <key>",
		Short: "Show one record by primary key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keys.Parse(args[1])
			if err != nil {
				return err
			}
			return opts.withHandle(cmd, func(ctx context.Context, e *env, h *access.Handle) error {
				doc, found, err := access.GetRecordByID[codec.Document](ctx, h, args[0], key)
				if err != nil {
					return err
				}
				return e.out.emit(getResult{Found: found, Record: doc}, func(w io.Writer) {
					if !found {
						fmt.Fprintf(w, "%s: not found\n", args[1])
						return
					}
					writeRecords(w, doc)
				})
			})
		},
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <store>",
		Short: "Show every record of a store in key order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withHandle(cmd, func(ctx context.Context, e *env, h *access.Handle) error {
				docs, err := access.GetRecords[codec.Document](ctx, h, args[0])
				if err != nil {
					return err
				}
				return e.out.emit(docs, func(w io.Writer) {
					writeRecords(w, docs...)
				})
			})
		},
	}
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <store> <key>",
		Short: "Delete a record; deleting a missing key succeeds",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keys.Parse(args[1])
			if err != nil {
				return err
			}
			return opts.withHandle(cmd, func(ctx context.Context, e *env, h *access.Handle) error {
				if err := h.DeleteRecord(ctx, args[0], key); err != nil {
					return err
				}
				return e.out.emit(writeResult{Store: args[0], Key: key}, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted %s/%s\n", args[0], args[1])
				})
			})
		},
	}
}

func newClearCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <store>",
		Short: "Delete every record of a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withHandle(cmd, func(ctx context.Context, e *env, h *access.Handle) error {
				if err := h.ClearStore(ctx, args[0]); err != nil {
					return err
				}
				return e.out.emit(map[string]string{"cleared": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "Cleared %s\n", args[0])
				})
			})
		},
	}
}

func newQueryCommand(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "query <store> <index> <value>",
		Short: "Look up records by an index value",
		Long: `Look up records by an index value. Without --all the first matching
record in primary key order is shown.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := keys.Parse(args[2])
			if err != nil {
				return err
			}
			q := access.StoreIndexQuery[any]{StoreName: args[0], IndexName: args[1], QueryValue: value}
			return opts.withHandle(cmd, func(ctx context.Context, e *env, h *access.Handle) error {
				if all {
					docs, err := access.GetAllRecordsByIndex[codec.Document](ctx, h, q)
					if err != nil {
						return err
					}
					return e.out.emit(docs, func(w io.Writer) {
						writeRecords(w, docs...)
					})
				}
				doc, found, err := access.GetRecordByIndex[codec.Document](ctx, h, q)
				if err != nil {
					return err
				}
				return e.out.emit(getResult{Found: found, Record: doc}, func(w io.Writer) {
					if !found {
						fmt.Fprintf(w, "%s.%s = %s: not found\n", args[0], args[1], args[2])
						return
					}
					writeRecords(w, doc)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "show every matching record")
	return cmd
}

func newAddStoreCommand(opts *rootOptions) *cobra.Command {
	var (
		keyPath string
		auto    bool
		indexes []string
	)
	cmd := &cobra.Command{
		Use:   "add-store <name>",
		Short: "Create a store by upgrading the database one version",
		Long: `Create a store by upgrading the database one version.

Indexes are given as name:key_path with optional :unique and :multi
suffixes, for example --index byEmail:email:unique.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := schema.StoreSchema{Name: args[0], KeyPath: keyPath, AutoIncrement: auto}
			for _, arg := range indexes {
				idx, err := parseIndexFlag(arg)
				if err != nil {
					return err
				}
				s.Indexes = append(s.Indexes, idx)
			}
			return opts.withHandle(cmd, func(ctx context.Context, e *env, h *access.Handle) error {
				if err := h.AddNewStore(ctx, s); err != nil {
					return err
				}
				st := e.manager.Known()
				return e.out.emit(st, func(w io.Writer) {
					fmt.Fprintf(w, "Created store %s (database now at version %d)\n", s.Name, st.Version)
				})
			})
		},
	}
	cmd.Flags().StringVar(&keyPath, "key-path", "id", "primary key path")
	cmd.Flags().BoolVar(&auto, "auto", false, "generate numeric keys")
	cmd.Flags().StringArrayVar(&indexes, "index", nil, "index as name:key_path[:unique][:multi] (repeatable)")
	return cmd
}

// parseIndexFlag parses name:key_path[:unique][:multi].
func parseIndexFlag(arg string) (schema.IndexSchema, error) {
	parts := strings.Split(arg, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return schema.IndexSchema{}, fmt.Errorf("invalid index %q: want name:key_path[:unique][:multi]", arg)
	}
	idx := schema.IndexSchema{Name: parts[0], KeyPath: parts[1]}
	for _, opt := range parts[2:] {
		switch opt {
		case "unique":
			idx.Unique = true
		case "multi":
			idx.MultiEntry = true
		default:
			return schema.IndexSchema{}, fmt.Errorf("invalid index %q: unknown option %q", arg, opt)
		}
	}
	return idx, nil
}

func newDropCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drop [name]",
		Short: "Delete a database (default: the configured one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.env(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			name := e.manager.Descriptor().Name
			if len(args) == 1 {
				name = args[0]
			}
			if err := e.manager.DeleteDb(cmd.Context(), name); err != nil {
				return err
			}
			return e.out.emit(map[string]string{"deleted": name}, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted database %s\n", name)
			})
		},
	}
}

func writeRecords(w io.Writer, docs ...codec.Document) {
	for _, doc := range docs {
		data, err := json.Marshal(doc)
		if err != nil {
			fmt.Fprintf(w, "<%v>\n", err)
			continue
		}
		fmt.Fprintf(w, "%s\n", data)
	}
}

// errorKind labels an error with its engine category for the exit message.
func errorKind(err error) string {
	if engine.Kind(err) == "StorageError" {
		return err.Error()
	}
	return engine.Kind(err) + ": " + err.Error()
}
