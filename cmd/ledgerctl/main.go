package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/blockledger/internal/handler"
	"github.com/jmerrifield20/blockledger/internal/ledger"
	"github.com/jmerrifield20/blockledger/internal/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile      string
	outputFormat string
	verbose      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Inspect and append to a hash-chained ledger",
	Long: `ledgerctl opens a ledger snapshot in-process, runs one operation against it
and, for operations that change the chain, saves it back.

The snapshot is read from --location using the backend named by --storage
(file, sqlite, postgres or s3). A snapshot that fails verification is
refused by every command except "validate", "verify" and "get --unverified",
which inspect it as stored.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".ledgerctl"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("LEDGERCTL")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		switch outputFormat {
		case "text", "json", "yaml":
			return nil
		default:
			return fmt.Errorf("unknown --format %q (want text, json or yaml)", outputFormat)
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.ledgerctl/config.yaml)")
	pf.StringVar(&outputFormat, "format", "text", "Output format: text, json or yaml")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Log ledger activity to stderr")
	pf.String("location", ledger.DefaultLocation, "Snapshot location (file path, row key or object key)")
	pf.String("storage", string(storage.KindFile), "Storage backend: file, sqlite, postgres or s3")
	pf.Bool("compress", false, "Snappy-compress the snapshot")

	_ = viper.BindPFlag("location", pf.Lookup("location"))
	_ = viper.BindPFlag("storage.kind", pf.Lookup("storage"))
	_ = viper.BindPFlag("storage.compress", pf.Lookup("compress"))

	rootCmd.AddCommand(
		appendCmd, getCmd, metaCmd, rangeCmd, datesCmd, chainCmd,
		findCmd, findRangeCmd, findAnyCmd,
		verifyCmd, validateCmd, infoCmd, exportCmd,
		tokenCmd, versionCmd,
	)
}

// ── ledger access ────────────────────────────────────────────────────────────

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func storageConfig() storage.Config {
	return storage.Config{
		Kind:        storage.Kind(viper.GetString("storage.kind")),
		Compress:    viper.GetBool("storage.compress"),
		SQLitePath:  viper.GetString("storage.sqlite_path"),
		PostgresURL: viper.GetString("storage.postgres_url"),
		S3: storage.S3Config{
			Bucket:          viper.GetString("storage.s3.bucket"),
			Region:          viper.GetString("storage.s3.region"),
			Endpoint:        viper.GetString("storage.s3.endpoint"),
			AccessKeyID:     viper.GetString("storage.s3.access_key_id"),
			SecretAccessKey: viper.GetString("storage.s3.secret_access_key"),
			UsePathStyle:    viper.GetBool("storage.s3.use_path_style"),
			Prefix:          viper.GetString("storage.s3.prefix"),
		},
	}
}

// openLedger loads the configured snapshot, or returns an empty ledger when
// none exists yet. Autosave is off; callers that mutate save explicitly.
// The returned func closes the backend.
func openLedger(ctx context.Context) (*ledger.Ledger, func(), error) {
	logger := newLogger()
	backend, err := storage.Open(ctx, storageConfig(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	closeFn := func() {
		_ = backend.Close()
		_ = logger.Sync()
	}

	location := viper.GetString("location")
	l := ledger.New(
		ledger.WithLocation(location),
		ledger.WithBackend(backend),
		ledger.WithLogger(logger),
		ledger.WithAutosave(false),
	)

	exists, err := backend.Exists(ctx, location)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("check snapshot %s: %w", location, err)
	}
	if exists {
		if err := l.Load(ctx, location); err != nil {
			closeFn()
			return nil, nil, err
		}
		l.SetAutosave(false)
	}
	return l, closeFn, nil
}

// withSnapshot reads the configured snapshot without verifying it and passes
// its blocks, trailing stub included, to fn. A missing snapshot reads as an
// empty chain.
func withSnapshot(cmd *cobra.Command, fn func(blocks []ledger.Block) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger()
	defer logger.Sync() //nolint:errcheck
	backend, err := storage.Open(ctx, storageConfig(), logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close() //nolint:errcheck

	location := viper.GetString("location")
	exists, err := backend.Exists(ctx, location)
	if err != nil {
		return fmt.Errorf("check snapshot %s: %w", location, err)
	}
	if !exists {
		return fn(ledger.New(ledger.WithAutosave(false)).Blocks())
	}
	blocks, err := ledger.ReadSnapshot(ctx, backend, location)
	if err != nil {
		return err
	}
	return fn(blocks)
}

// committedBlock returns the committed block at idx from a snapshot.
func committedBlock(blocks []ledger.Block, idx int) (ledger.Block, error) {
	if idx < 0 || idx >= len(blocks)-1 {
		return ledger.Block{}, fmt.Errorf("position %d: %w", idx, ledger.ErrNotFound)
	}
	return blocks[idx], nil
}

// withLedger opens the ledger for the duration of fn.
func withLedger(cmd *cobra.Command, fn func(ctx context.Context, l *ledger.Ledger) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	l, closeFn, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, l)
}

// parseValue reads a command-line value as JSON when it parses, otherwise as
// a plain string.
func parseValue(s string) any {
	var v any
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&v); err == nil && !dec.More() {
		return v
	}
	return s
}

func parseIndex(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid index %q: %w", s, err)
	}
	return n, nil
}

// ── output ───────────────────────────────────────────────────────────────────

// printStructured writes v as JSON or YAML. YAML goes through a JSON round
// trip so both formats use the same field names.
func printStructured(v any) error {
	if outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(generic)
}

func printPayloads(payloads []ledger.Payload) error {
	if outputFormat != "text" {
		return printStructured(payloads)
	}
	if len(payloads) == 0 {
		fmt.Println("no matching blocks")
		return nil
	}
	for _, p := range payloads {
		line, err := json.Marshal(p)
		if err != nil {
			return err
		}
		fmt.Println(string(line))
	}
	return nil
}

// ── append ───────────────────────────────────────────────────────────────────

var appendEvery int

var appendCmd = &cobra.Command{
	Use:   "append <value> [value] ...",
	Short: "Commit one block per value and save the ledger",
	Long: `Append commits each argument as a new block. Arguments that parse as JSON
are stored as such; anything else is stored as a string. Values that are not
JSON objects are stored under the "value" field.

  ledgerctl append '{"name":"alice","amount":5}' '"note"' 42

The ledger is saved once at the end. With --autosave-every N it is also
saved after every Nth position along the way.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(ctx context.Context, l *ledger.Ledger) error {
			if appendEvery > 0 {
				l.SetAutosaveInterval(appendEvery)
				l.SetAutosave(true)
			}

			positions := make([]int, 0, len(args))
			for _, arg := range args {
				p, err := l.Append(ctx, parseValue(arg))
				if err != nil {
					return fmt.Errorf("append %q: %w", arg, err)
				}
				positions = append(positions, p)
			}
			if err := l.Save(ctx, ""); err != nil {
				return err
			}

			if outputFormat != "text" {
				return printStructured(map[string]any{"positions": positions, "root": l.Root()})
			}
			for _, p := range positions {
				fmt.Printf("committed block %d\n", p)
			}
			fmt.Printf("root: %s\n", l.Root())
			return nil
		})
	},
}

func init() {
	appendCmd.Flags().IntVar(&appendEvery, "autosave-every", 0, "Also save after every Nth position (0 saves only at the end)")
}

// ── reads ────────────────────────────────────────────────────────────────────

var getUnverified bool

var getCmd = &cobra.Command{
	Use:   "get <index>",
	Short: "Print a block's payload after verifying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		if getUnverified {
			return withSnapshot(cmd, func(blocks []ledger.Block) error {
				b, err := committedBlock(blocks, idx)
				if err != nil {
					return err
				}
				return printPayloads([]ledger.Payload{b.Payload})
			})
		}
		return withLedger(cmd, func(_ context.Context, l *ledger.Ledger) error {
			p, err := l.GetVerifiedIndex(idx)
			if err != nil {
				return err
			}
			return printPayloads([]ledger.Payload{p})
		})
	},
}

func init() {
	getCmd.Flags().BoolVar(&getUnverified, "unverified", false, "Skip verification; also works on a snapshot that fails validation")
}

var metaCmd = &cobra.Command{
	Use:   "meta <index>",
	Short: "Print a block's position, committed hash and timestamp",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		return withLedger(cmd, func(_ context.Context, l *ledger.Ledger) error {
			m, err := l.GetIndexMetadata(idx)
			if err != nil {
				return err
			}
			if outputFormat != "text" {
				return printStructured(m)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Position:\t%d\n", m.Position)
			fmt.Fprintf(w, "Committed hash:\t%s\n", m.CommittedHash)
			fmt.Fprintf(w, "Timestamp:\t%s\n", m.Timestamp.Format(time.RFC3339Nano))
			return w.Flush()
		})
	},
}

var rangeCmd = &cobra.Command{
	Use:   "range <start> <end>",
	Short: "Print payloads for positions [start, end)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		end, err := parseIndex(args[1])
		if err != nil {
			return err
		}
		return withLedger(cmd, func(_ context.Context, l *ledger.Ledger) error {
			payloads, err := l.GetIndexes(start, end)
			if err != nil {
				return err
			}
			return printPayloads(payloads)
		})
	},
}

var datesCmd = &cobra.Command{
	Use:   "dates <from> <to>",
	Short: "Print payloads committed strictly between two RFC 3339 timestamps",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := time.Parse(time.RFC3339Nano, args[0])
		if err != nil {
			return fmt.Errorf("invalid from: %w", err)
		}
		to, err := time.Parse(time.RFC3339Nano, args[1])
		if err != nil {
			return fmt.Errorf("invalid to: %w", err)
		}
		return withLedger(cmd, func(_ context.Context, l *ledger.Ledger) error {
			return printPayloads(l.GetDateRange(from, to))
		})
	},
}

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Print every committed block",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(_ context.Context, l *ledger.Ledger) error {
			if outputFormat != "text" {
				return printStructured(l.GetChain())
			}
			blocks := l.Blocks()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "POS\tTIMESTAMP\tHASH\tPAYLOAD")
			for _, b := range blocks[:len(blocks)-1] {
				payload, err := json.Marshal(b.Payload)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
					b.Position, b.Timestamp.Format(time.RFC3339), b.CommittedHash[:16], payload)
			}
			return w.Flush()
		})
	},
}

// ── search ───────────────────────────────────────────────────────────────────

var ignoreCase bool

var findCmd = &cobra.Command{
	Use:   "find <key> <value>",
	Short: "Print payloads whose key equals value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(_ context.Context, l *ledger.Ledger) error {
			return printPayloads(l.FindKeyValue(args[0], parseValue(args[1]), ignoreCase))
		})
	},
}

var findRangeCmd = &cobra.Command{
	Use:   "find-range <key> <lower> <upper>",
	Short: "Print payloads whose numeric key lies within [lower, upper]",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		lower, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid lower bound: %w", err)
		}
		upper, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("invalid upper bound: %w", err)
		}
		return withLedger(cmd, func(_ context.Context, l *ledger.Ledger) error {
			payloads, err := l.FindKeyValueRange(args[0], lower, upper)
			if err != nil {
				return err
			}
			return printPayloads(payloads)
		})
	},
}

var findAnyCmd = &cobra.Command{
	Use:   "find-any <value>",
	Short: "Print payloads with any field equal to value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(_ context.Context, l *ledger.Ledger) error {
			return printPayloads(l.FindKeyValueAny(parseValue(args[0]), ignoreCase))
		})
	},
}

func init() {
	findCmd.Flags().BoolVarP(&ignoreCase, "ignore-case", "i", false, "Compare strings case-insensitively")
	findAnyCmd.Flags().BoolVarP(&ignoreCase, "ignore-case", "i", false, "Compare strings case-insensitively")
}

// ── integrity ────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify <index>",
	Short: "Check one block against the hash sealed after it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		return withSnapshot(cmd, func(blocks []ledger.Block) error {
			if _, err := committedBlock(blocks, idx); err != nil {
				return err
			}
			ok := !slices.Contains(ledger.VerifyBlocks(blocks), idx)
			if outputFormat != "text" {
				return printStructured(map[string]any{"position": idx, "valid": ok})
			}
			if !ok {
				return fmt.Errorf("block %d: %w", idx, ledger.ErrCompromised)
			}
			fmt.Printf("block %d verified\n", idx)
			return nil
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Verify every block in the snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		l, closeFn, err := openLedger(ctx)
		if err == nil {
			defer closeFn()
			err = l.Validate()
		}

		var ie *ledger.IntegrityError
		switch {
		case err == nil:
			if outputFormat != "text" {
				return printStructured(map[string]any{"valid": true, "blocks": l.Len()})
			}
			fmt.Printf("%d blocks verified\n", l.Len())
			return nil
		case errors.As(err, &ie):
			if outputFormat != "text" {
				if perr := printStructured(map[string]any{"valid": false, "compromised": ie.Positions}); perr != nil {
					return perr
				}
			} else {
				fmt.Printf("compromised blocks: %v\n", ie.Positions)
			}
			return err
		default:
			return err
		}
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the snapshot's length, root hash and storage settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(_ context.Context, l *ledger.Ledger) error {
			info := map[string]any{
				"blocks":   l.Len(),
				"root":     l.Root(),
				"location": l.Location(),
				"storage":  viper.GetString("storage.kind"),
				"compress": viper.GetBool("storage.compress"),
			}
			if outputFormat != "text" {
				return printStructured(info)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Blocks:\t%d\n", l.Len())
			fmt.Fprintf(w, "Root:\t%s\n", l.Root())
			fmt.Fprintf(w, "Location:\t%s\n", l.Location())
			fmt.Fprintf(w, "Storage:\t%s\n", viper.GetString("storage.kind"))
			fmt.Fprintf(w, "Compress:\t%t\n", viper.GetBool("storage.compress"))
			return w.Flush()
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <location>",
	Short: "Save the snapshot to another location on the same backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(ctx context.Context, l *ledger.Ledger) error {
			if err := l.Save(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("exported %d blocks to %s\n", l.Len(), args[0])
			return nil
		})
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSecret  string
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a writer token for a ledgerd instance",
	Long: `Token signs a bearer token that ledgerd accepts on its mutating routes.
The secret must match ledgerd's server.auth_secret.

  curl -H "Authorization: Bearer $(ledgerctl token --secret s3cr3t)" ...`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := tokenSecret
		if secret == "" {
			secret = viper.GetString("auth_secret")
		}
		tok, err := handler.NewWriterTokens(secret, tokenTTL).Issue(tokenSubject)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "Shared secret (default auth_secret from config)")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "ledgerctl", "Token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ledgerctl %s\n", version)
	},
}
