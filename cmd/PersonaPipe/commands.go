package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/BTreeMap/PersonaPipe/internal/config"
	"github.com/BTreeMap/PersonaPipe/internal/flow"
	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/persona"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/BTreeMap/PersonaPipe/internal/util"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// maxParallelSeeds bounds concurrent seed file loading.
const maxParallelSeeds = 4

func newRegistry(cfg *config.Config) (*persona.Registry, error) {
	opts, err := buildPersonaOptions(cfg)
	if err != nil {
		return nil, err
	}
	return persona.NewRegistry(opts...)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newPersonasCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List the personas and the fields they collect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := newRegistry(opts.cfg)
			if err != nil {
				return err
			}
			return printPersonas(cmd.OutOrStdout(), reg)
		},
	}
}

func printPersonas(w io.Writer, reg *persona.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PERSONA\tSTORE\tMODE\tREQUIRED\tOPTIONAL")
	for _, name := range reg.Names() {
		d, err := reg.Domain(name)
		if err != nil {
			return err
		}
		var optional []string
		for _, f := range d.Fields {
			if !f.Required {
				optional = append(optional, f.Name)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Name, d.Store, d.Mode,
			strings.Join(d.RequiredFields(), ","), strings.Join(optional, ","))
	}
	return tw.Flush()
}

func newRecordsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect and provision the record stores",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <store>",
		Short: "Print every record of a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := openStore(opts.cfg)
			if err != nil {
				return err
			}
			defer rs.Close()
			col, err := rs.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), col.Records)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lookup <store> <key>",
		Short: "Print the record of a keyed store matching key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := openStore(opts.cfg)
			if err != nil {
				return err
			}
			defer rs.Close()
			rec, err := rs.Lookup(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rec)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "seed <file.yaml>...",
		Short: "Provision stores from YAML seed files",
		Long: `Provision stores from YAML seed files. Each file replaces the whole
collection of one store:

  store: grocery_catalog
  records:
    - name: Apples
      price: 0.5`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := openStore(opts.cfg)
			if err != nil {
				return err
			}
			defer rs.Close()
			seeds, err := seedStores(cmd.Context(), rs, args)
			if err != nil {
				return err
			}
			for _, s := range seeds {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records\n", s.Store, len(s.Records))
			}
			return nil
		},
	})
	return cmd
}

// seedFile is the YAML layout of a seed file.
type seedFile struct {
	Store   string          `yaml:"store" validate:"required"`
	Records []models.Record `yaml:"records"`
}

func readSeedFile(path string) (seedFile, error) {
	var s seedFile
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	if err := validator.New().Struct(&s); err != nil {
		return s, fmt.Errorf("invalid seed file %s: %w", path, err)
	}
	return s, nil
}

// seedStores parses every file, then provisions the stores in parallel.
// Nothing is written unless every file parses and names a distinct store.
func seedStores(ctx context.Context, rs store.RecordStore, paths []string) ([]seedFile, error) {
	seeds := make([]seedFile, len(paths))
	var parse errgroup.Group
	parse.SetLimit(maxParallelSeeds)
	for i, path := range paths {
		i, path := i, path
		parse.Go(func() error {
			s, err := readSeedFile(path)
			if err != nil {
				return err
			}
			seeds[i] = s
			return nil
		})
	}
	if err := parse.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]string, len(seeds))
	for i, s := range seeds {
		if _, ok := rs.Definition(s.Store); !ok {
			return nil, fmt.Errorf("%s: %w: %s", paths[i], store.ErrUnknownStore, s.Store)
		}
		if prev, dup := seen[s.Store]; dup {
			return nil, fmt.Errorf("store %s is seeded by both %s and %s", s.Store, prev, paths[i])
		}
		seen[s.Store] = paths[i]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelSeeds)
	for _, s := range seeds {
		s := s
		g.Go(func() error {
			if err := rs.Provision(gctx, s.Store, s.Records); err != nil {
				return fmt.Errorf("failed to provision %s: %w", s.Store, err)
			}
			slog.Info("seedStores: store provisioned", "store", s.Store, "records", len(s.Records))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return seeds, nil
}

func newFraudCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fraud",
		Short: "Work fraud cases outside a conversation",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "resolve <userName> <status> [note]",
		Short: "Set the status of a fraud case (" + strings.Join(persona.FraudResolutions, ", ") + ")",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := openStore(opts.cfg)
			if err != nil {
				return err
			}
			defer rs.Close()
			note := ""
			if len(args) == 3 {
				note = args[2]
			}
			rec, err := persona.UpdateFraudCase(cmd.Context(), rs, args[0], args[1], note)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rec)
		},
	})
	return cmd
}

func newChatCommand(opts *rootOptions) *cobra.Command {
	var systemPrompt string
	cmd := &cobra.Command{
		Use:   "chat <persona>",
		Short: "Talk to a persona in the terminal",
		Long:  "Talk to a persona in the terminal. Type /state to see the task state and /quit to leave.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts.cfg, args[0], systemPrompt)
		},
	}
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "persona prompt; defaults to a description of the task")
	return cmd
}

func runChat(cmd *cobra.Command, cfg *config.Config, name, systemPrompt string) error {
	ctx := cmd.Context()
	reg, err := newRegistry(cfg)
	if err != nil {
		return err
	}
	d, err := reg.Domain(name)
	if err != nil {
		return err
	}
	client, err := genai.NewClient(buildGenAIOptions(cfg)...)
	if err != nil {
		return err
	}
	rs, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer rs.Close()

	tracker := flow.NewTracker(rs)
	if err := tracker.CheckDomain(d); err != nil {
		return err
	}
	cf := flow.NewConversationFlow(d, tracker, flow.NewSessions(), client, systemPrompt)
	sessionID := util.NewSessionID()
	state, err := cf.StartSession(ctx, sessionID)
	if err != nil {
		return err
	}
	defer cf.EndSession(sessionID)

	slog.Info("runChat: session started", "persona", d.Name, "sessionID", sessionID)
	return chatLoop(ctx, cf, sessionID, state, cmd.InOrStdin(), cmd.OutOrStdout())
}

// messageProcessor is the part of ConversationFlow the terminal loop drives.
type messageProcessor interface {
	ProcessMessage(ctx context.Context, sessionID, userMessage string) (string, error)
}

// chatLoop relays lines from in to the persona until /quit or end of input.
func chatLoop(ctx context.Context, mp messageProcessor, sessionID string, state *flow.TaskState, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "/quit", "/exit":
			return nil
		case "/state":
			if err := writeJSON(out, state.Snapshot()); err != nil {
				return err
			}
		default:
			reply, err := mp.ProcessMessage(ctx, sessionID, line)
			if err != nil {
				slog.Error("chatLoop: message failed", "error", err, "sessionID", sessionID)
				fmt.Fprintf(out, "[error] %v\n", err)
			} else {
				fmt.Fprintln(out, reply)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}
