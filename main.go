package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabfab/corpscribe/api"
	"github.com/fabfab/corpscribe/chat"
	"github.com/fabfab/corpscribe/config"
	"github.com/fabfab/corpscribe/ingestion"
	"github.com/fabfab/corpscribe/logger"
	"github.com/fabfab/corpscribe/pipeline"
)

type app struct {
	configPath string
	cfg        config.Config
	log        *zap.SugaredLogger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "corpscribe",
		Short:         "Answer questions from a folder of corporate documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			load := config.Load
			if a.configPath != "" {
				load = config.LoadFile
			}
			cfg, err := load(a.configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.LogMode)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			a.cfg, a.log = cfg, log
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		a.serveCmd(),
		a.rebuildCmd(),
		a.askCmd(),
		a.retrieveCmd(),
		a.documentsCmd(),
		a.clearCmd(),
	)
	return root
}

func (a *app) newPipeline() *pipeline.Pipeline {
	return pipeline.New(a.cfg, pipeline.WithLogger(a.log))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ctx, cancel := signalContext()
			defer cancel()

			p := a.newPipeline()
			defer p.Close()
			// A missing provider should not keep the API from starting; requests report it.
			if err := p.Init(ctx); err != nil {
				a.log.Warnw("pipeline init failed; will retry on first request", "error", err)
			}

			srv := &http.Server{
				Addr:              a.cfg.Server.Addr,
				Handler:           api.New(a.cfg, p, a.log).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.log.Infow("http server listening", "addr", srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("listen: %w", err)
			case <-ctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			a.log.Infow("shutting down http server")
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func (a *app) rebuildCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Re-read every document and build a new index generation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir != "" {
				a.cfg.DocumentPath = dir
			}
			ctx, cancel := signalContext()
			defer cancel()

			p := a.newPipeline()
			defer p.Close()

			color.Blue("Indexing documents from %s", a.cfg.DocumentPath)
			var bar *progressbar.ProgressBar
			report, err := p.BuildIndexWithProgress(ctx, func(done, total int) {
				if bar == nil {
					bar = progressBar(total, "Embedding chunks")
				}
				_ = bar.Set(done)
			})
			if bar != nil {
				_ = bar.Finish()
			}
			fmt.Println()
			for _, s := range report.Skipped {
				color.Yellow("skipped %s: %s", s.Source, s.Error)
			}
			if err != nil {
				return fmt.Errorf("rebuild index: %w", err)
			}
			if !report.Built {
				color.Yellow("No indexable documents found in %s; the index was left unchanged.", a.cfg.DocumentPath)
				return nil
			}
			color.Green("Indexed %d documents into %d chunks (generation %s) in %s",
				report.Documents, report.Chunks, report.Generation, report.Elapsed.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "document directory (overrides document_path)")
	return cmd
}

func progressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("chunks"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func (a *app) askCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question, or start an interactive session when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			p := a.newPipeline()
			defer p.Close()

			if len(args) == 1 {
				return a.answer(ctx, p, args[0], asJSON)
			}

			color.Cyan("Ask about your documents (type 'exit' to quit)")
			userPrompt := color.New(color.FgGreen).PrintfFunc()
			scanner := bufio.NewScanner(os.Stdin)
			for {
				userPrompt("\nYou: ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				question := strings.TrimSpace(scanner.Text())
				switch strings.ToLower(question) {
				case "":
					continue
				case "exit", "quit":
					return nil
				}
				if err := a.answer(ctx, p, question, asJSON); err != nil {
					color.Red("Error: %v", err)
				}
			}
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the answer as JSON")
	return cmd
}

func (a *app) answer(ctx context.Context, p *pipeline.Pipeline, question string, asJSON bool) error {
	answer, err := p.Query(ctx, question)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(answer)
	}

	color.New(color.FgCyan).Printf("\nAssistant: ")
	fmt.Println(answer.Answer)
	if len(answer.Sources) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for i, src := range answer.Sources {
			fmt.Printf("%d. %s (score %.3f)\n", i+1, src.Source, src.Score)
			if src.Preview != "" {
				fmt.Printf("   %s\n", src.Preview)
			}
		}
	}
	return nil
}

func (a *app) retrieveCmd() *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "retrieve [question]",
		Short: "Show the passages a question would be answered from, without calling the model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			p := a.newPipeline()
			defer p.Close()

			retrieval, err := p.Retrieve(ctx, args[0], k)
			if err != nil {
				return err
			}
			if !retrieval.IndexReady {
				color.Yellow("%s", chat.NotBuiltMessage)
				return nil
			}
			color.Blue("Candidates:")
			for i, c := range retrieval.Candidates {
				fmt.Printf("%2d. %.4f  %s#%d  %s\n", i+1, c.Score, c.Chunk.Source, c.Chunk.Ordinal,
					chat.Preview(c.Chunk.Text, a.cfg.Answer.PreviewChars))
			}
			color.Green("Passed to the model:")
			for i, r := range retrieval.Passages {
				fmt.Printf("%2d. %.4f  %s#%d\n", i+1, r.Score, r.Chunk.Source, r.Chunk.Ordinal)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 0, "number of candidates to retrieve (defaults to retrieval.k)")
	return cmd
}

// documentsCmd touches only the document folder, so it works without provider
// credentials or a reachable index backend.
func (a *app) documentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "Manage the document folder",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored documents",
			RunE: func(cmd *cobra.Command, _ []string) error {
				docs, err := a.store().List()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(docs) == 0 {
					fmt.Fprintln(out, "No documents.")
					return nil
				}
				for _, d := range docs {
					fmt.Fprintf(out, "%-40s %-8s %8d  %s\n", d.Name, d.Format, d.Size, d.ModTime.Format(time.DateTime))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "add [file]",
			Short: "Copy a file into the document folder (run rebuild afterwards)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open %s: %w", args[0], err)
				}
				defer f.Close()
				info, err := a.store().Save(filepath.Base(args[0]), f, a.cfg.Server.MaxUploadBytes)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (%d bytes). Run rebuild to make it searchable.\n", info.Name, info.Size)
				return nil
			},
		},
		&cobra.Command{
			Use:   "rm [name]",
			Short: "Remove a document from the folder (run rebuild afterwards)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.store().Delete(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s. Run rebuild to drop it from answers.\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func (a *app) store() *ingestion.DocumentStore {
	return ingestion.NewDocumentStore(a.cfg.DocumentPath)
}

func (a *app) clearCmd() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every index generation and the document catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				fmt.Print("This will permanently delete the search index. Documents are kept. Continue? [y/N]: ")
				scanner := bufio.NewScanner(os.Stdin)
				if !scanner.Scan() {
					if err := scanner.Err(); err != nil {
						return fmt.Errorf("read confirmation: %w", err)
					}
					fmt.Println("clear aborted")
					return nil
				}
				answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
				if answer != "y" && answer != "yes" {
					fmt.Println("clear aborted")
					return nil
				}
			}

			ctx, cancel := signalContext()
			defer cancel()
			p := a.newPipeline()
			defer p.Close()

			if err := p.ClearIndex(ctx); err != nil {
				return err
			}
			color.Green("Index cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "confirm", false, "skip confirmation prompt")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

