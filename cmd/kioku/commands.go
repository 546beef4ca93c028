package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperjump/kioku/internal/cli"
	"github.com/hyperjump/kioku/internal/models"
)

// sourceInput builds the source to create from the add arguments. URLs become links, --text
// uses the arguments (or stdin for "-") as content, anything else is a local file to upload.
func sourceInput(args []string, asText bool, stdin io.Reader) (*models.SourceInput, string, error) {
	arg := joinArgs(args)
	switch {
	case asText:
		if arg == "-" {
			data, err := io.ReadAll(stdin)
			if err != nil {
				return nil, "", err
			}
			arg = string(data)
		}
		if strings.TrimSpace(arg) == "" {
			return nil, "", fmt.Errorf("%w: text content is empty", models.ErrInvalidInput)
		}
		return &models.SourceInput{Type: models.SourceText, Content: arg}, "", nil
	case strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://"):
		return &models.SourceInput{Type: models.SourceLink, URL: arg}, "", nil
	default:
		info, err := os.Stat(arg)
		if err != nil {
			return nil, "", err
		}
		if info.IsDir() {
			return nil, "", fmt.Errorf("%w: %s is a directory; use kioku watch add", models.ErrInvalidInput, arg)
		}
		return &models.SourceInput{Type: models.SourceUpload}, arg, nil
	}
}

func newAddCmd(opts *rootOptions) *cobra.Command {
	var (
		title     string
		notebooks []string
		async     bool
		noEmbed   bool
		asText    bool
	)
	cmd := &cobra.Command{
		Use:   "add <file|url|text>",
		Short: "Add a source",
		Long: `Adds a source. URLs are fetched as links, files are uploaded to the server and
--text stores the arguments (or stdin when the argument is "-") as a text source.`,
		Example: `  kioku add paper.pdf --notebook 3f2a...
  kioku add https://example.com/article --async
  echo "remember this" | kioku add --text -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			in, path, err := sourceInput(args, asText, cmd.InOrStdin())
			if err != nil {
				return err
			}
			in.Title, in.Notebooks, in.Async = title, notebooks, async
			if noEmbed {
				embed := false
				in.Embed = &embed
			}
			var res *cli.SubmitResponse
			if path != "" {
				res, err = opts.client().Upload(cmd.Context(), path, in)
			} else {
				res, err = opts.client().AddSource(cmd.Context(), in)
			}
			if err != nil {
				return err
			}
			return cli.WriteSubmit(cmd.OutOrStdout(), res, format)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "source title")
	cmd.Flags().StringSliceVarP(&notebooks, "notebook", "n", nil, "notebook id to link (repeatable)")
	cmd.Flags().BoolVar(&async, "async", false, "queue processing and return immediately")
	cmd.Flags().BoolVar(&noEmbed, "no-embed", false, "skip chunking and embedding")
	cmd.Flags().BoolVar(&asText, "text", false, "treat the arguments as text content")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [source-id]",
		Short: "Show server status, or the processing status of a source",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				report, err := opts.client().SourceStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return cli.WriteReport(cmd.OutOrStdout(), report, format)
			}
			status, err := opts.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			return cli.WriteServerStatus(cmd.OutOrStdout(), status, format)
		},
	}
}

func newReprocessCmd(opts *rootOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "reprocess <source-id>",
		Short: "Run ingestion again for a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			res, err := opts.client().Reprocess(cmd.Context(), args[0], !wait)
			if err != nil {
				return err
			}
			return cli.WriteSubmit(cmd.OutOrStdout(), res, format)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the attempt to finish")
	return cmd
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	q := &models.SearchQuery{}
	var searchType string
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search sources and notes",
		Long: `Searches sources and notes. Query is all remaining arguments joined by spaces.
Text search ranks by keyword relevance; --type vector ranks chunks by embedding similarity.
--type hybrid blends both, weighted by --keyword-weight and --semantic-weight.`,
		Example: `  kioku search machine learning
  kioku search --type vector --notebook 3f2a... "how do penguins swim"
  kioku search --type hybrid --semantic-weight 0.7 --keyword-weight 0.3 penguin diet`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			q.Query = joinArgs(args)
			q.Type = models.SearchType(searchType)
			resp, err := opts.client().Search(cmd.Context(), q)
			if err != nil {
				return err
			}
			return cli.WriteSearchResults(cmd.OutOrStdout(), resp, format)
		},
	}
	cmd.Flags().StringVarP(&searchType, "type", "t", string(models.SearchText), "search type: text, vector or hybrid")
	cmd.Flags().StringVar(&q.NotebookID, "notebook", "", "restrict to a notebook")
	cmd.Flags().StringSliceVar(&q.SourceIDs, "source", nil, "restrict to source ids (repeatable)")
	cmd.Flags().IntVarP(&q.Limit, "limit", "l", 10, "maximum number of results")
	cmd.Flags().Float64Var(&q.MinScore, "min-score", 0, "minimum score")
	cmd.Flags().Float64Var(&q.KeywordWeight, "keyword-weight", 0, "hybrid: weight of the keyword score (default 0.5)")
	cmd.Flags().Float64Var(&q.SemanticWeight, "semantic-weight", 0, "hybrid: weight of the vector score (default 0.5)")
	return cmd
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	var notebookID, sourceID, sessionID, model string
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Ask a question in a chat session",
		Long: `Sends a message and streams the reply. Without --session a new session is created
for --notebook or --source; its id is printed so the conversation can be continued.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			client := opts.client()
			ctx := cmd.Context()
			if sessionID == "" {
				scope, err := chatScope(notebookID, sourceID)
				if err != nil {
					return err
				}
				sess, err := client.CreateSession(ctx, scope, model)
				if err != nil {
					return err
				}
				sessionID = sess.ID
				cmd.PrintErrf("session %s\n", sessionID)
			}
			out := cmd.OutOrStdout()
			var events []models.Event
			err = client.Chat(ctx, sessionID, joinArgs(args), model, func(ev models.Event) {
				if format == cli.OutputJSON {
					events = append(events, ev)
					return
				}
				switch ev.Kind {
				case models.EventAIMessage:
					fmt.Fprint(out, ev.Delta)
				case models.EventComplete:
					fmt.Fprintln(out)
				}
			})
			if format == cli.OutputJSON {
				if werr := cli.WriteJSON(out, events); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&notebookID, "notebook", "", "chat over a notebook")
	cmd.Flags().StringVar(&sourceID, "source", "", "chat over a single source")
	cmd.Flags().StringVar(&sessionID, "session", "", "continue an existing session")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model override, e.g. openai/gpt-4o-mini")
	return cmd
}

func chatScope(notebookID, sourceID string) (models.Scope, error) {
	switch {
	case notebookID != "" && sourceID != "":
		return models.Scope{}, errors.New("use either --notebook or --source, not both")
	case notebookID != "":
		return models.Scope{Kind: models.ScopeNotebook, ID: notebookID}, nil
	case sourceID != "":
		return models.Scope{Kind: models.ScopeSource, ID: sourceID}, nil
	}
	return models.Scope{}, errors.New("one of --session, --notebook or --source is required")
}

func newNotebookCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notebook",
		Short: "Manage notebooks",
	}
	var description string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a notebook",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			nb, err := opts.client().CreateNotebook(cmd.Context(), joinArgs(args), description)
			if err != nil {
				return err
			}
			return cli.WriteNotebooks(cmd.OutOrStdout(), []*models.Notebook{nb}, format)
		},
	}
	create.Flags().StringVarP(&description, "description", "d", "", "notebook description")
	list := &cobra.Command{
		Use:   "list",
		Short: "List notebooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			nbs, err := opts.client().ListNotebooks(cmd.Context())
			if err != nil {
				return err
			}
			return cli.WriteNotebooks(cmd.OutOrStdout(), nbs, format)
		},
	}
	cmd.AddCommand(create, list)
	return cmd
}

func newRebuildCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Re-embed sources from their stored text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			mode := "existing"
			if all {
				mode = "all"
			}
			res, err := opts.client().Rebuild(cmd.Context(), mode)
			if err != nil {
				return err
			}
			return cli.WriteRebuild(cmd.OutOrStdout(), res, format)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include sources that were never embedded")
	return cmd
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Manage watched upload directories",
	}
	var sync bool
	add := &cobra.Command{
		Use:   "add <path>",
		Short: "Watch a directory; new files become upload sources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().AddWatchDirectory(cmd.Context(), args[0], sync); err != nil {
				return err
			}
			cmd.Printf("Watching %s\n", args[0])
			return nil
		},
	}
	add.Flags().BoolVar(&sync, "sync", true, "ingest files already in the directory")
	remove := &cobra.Command{
		Use:   "remove <path>",
		Short: "Stop watching a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().RemoveWatchDirectory(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("Stopped watching %s\n", args[0])
			return nil
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List watched directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			dirs, err := opts.client().WatchDirectories(cmd.Context())
			if err != nil {
				return err
			}
			return cli.WriteDirectories(cmd.OutOrStdout(), dirs, format)
		},
	}
	cmd.AddCommand(add, remove, list)
	return cmd
}
