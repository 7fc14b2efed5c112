package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/vonshlovens/capture-sync/internal/capture"
	"github.com/vonshlovens/capture-sync/internal/model"
	syncer "github.com/vonshlovens/capture-sync/internal/sync"
	"github.com/vonshlovens/capture-sync/internal/watcher"
)

func syncCmd() *cobra.Command {
	var direction, entity string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle, then exit",
		Long:  `Pushes local changes and pulls server changes once. Audio captures queued by the push are uploaded before exiting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interrupted()
			defer stop()

			opts := syncer.Options{Direction: syncer.Direction(direction), Priority: syncer.PriorityHigh, Reason: "manual"}
			switch opts.Direction {
			case syncer.DirectionBoth, syncer.DirectionPush, syncer.DirectionPull:
			default:
				return fmt.Errorf("invalid direction %q (want both, push or pull)", direction)
			}
			if entity != "" {
				e, err := model.ParseEntity(entity)
				if err != nil {
					return err
				}
				opts.Entity = e
			}

			c, err := openClient(ctx, appConfig, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			res := c.sync.Sync(ctx, opts)
			if res.Error != nil {
				return fmt.Errorf("sync failed: %w", res.Error)
			}

			uploaded, err := c.uploads.ProcessDue(ctx)
			if err != nil {
				return fmt.Errorf("uploads interrupted: %w", err)
			}

			fmt.Printf("Sync completed in %s: %d pushed, %d pulled, %d conflicts, %d uploads\n",
				res.Duration.Round(time.Millisecond), res.Pushed, res.Pulled, res.Conflicts, uploaded)
			return nil
		},
	}

	cmd.Flags().StringVar(&direction, "direction", string(syncer.DirectionBoth), "both, push or pull")
	cmd.Flags().StringVar(&entity, "entity", "", "limit to one entity (captures, todos, digests)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server reachability and local sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			c, err := openClient(ctx, appConfig, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			ok := color.New(color.FgGreen).SprintFunc()
			bad := color.New(color.FgRed).SprintFunc()
			warn := color.New(color.FgYellow).SprintFunc()
			bold := color.New(color.Bold).SprintFunc()

			fmt.Println(bold("=== capsync status ==="))
			fmt.Printf("Server: %s\n", c.transport.BaseURL())
			healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := c.transport.Health(healthCtx); err != nil {
				fmt.Printf("  Reachable: %s (%v)\n", bad("no"), err)
			} else {
				fmt.Printf("  Reachable: %s\n", ok("yes"))
			}
			cancel()
			if _, err := c.tokens.BearerToken(ctx); err != nil {
				fmt.Printf("  Token: %s (%v)\n", bad("missing"), err)
			} else {
				fmt.Printf("  Token: %s\n", ok("configured"))
			}

			fmt.Printf("\nLocal store: %s\n", c.store.Path())
			counts, err := c.store.Counts(ctx)
			if err != nil {
				return fmt.Errorf("failed to count records: %w", err)
			}

			for _, entity := range model.Entities() {
				meta, err := c.store.GetMetadata(ctx, entity)
				if err != nil {
					return fmt.Errorf("failed to read %s metadata: %w", entity, err)
				}
				n := counts[entity]

				status := string(meta.Status)
				switch meta.Status {
				case model.StatusSynced:
					status = ok(status)
				case model.StatusError:
					status = bad(status)
				case model.StatusSyncing:
					status = warn(status)
				}

				fmt.Printf("  %s: %s\n", bold(entity), status)
				fmt.Printf("    Records: %d (%d pending, %d deleted)\n", n.Total, n.Dirty, n.Deleted)
				if meta.LastPulledAt > 0 {
					fmt.Printf("    Last pulled: %s\n", time.UnixMilli(meta.LastPulledAt).Format(time.RFC3339))
				}
				if meta.LastError != "" {
					fmt.Printf("    Last error: %s\n", bad(meta.LastError))
				}
			}

			tasks, err := c.store.ListUploadTasks(ctx)
			if err != nil {
				return fmt.Errorf("failed to list uploads: %w", err)
			}
			byStatus := make(map[model.UploadStatus]int)
			for _, t := range tasks {
				byStatus[t.Status]++
			}
			fmt.Printf("\nUploads: %d completed, %d pending, %d uploading, %s\n",
				byStatus[model.UploadCompleted],
				byStatus[model.UploadPending],
				byStatus[model.UploadUploading],
				failedLabel(byStatus[model.UploadFailed], bad))
			return nil
		},
	}
}

func failedLabel(n int, bad func(a ...any) string) string {
	label := fmt.Sprintf("%d failed", n)
	if n > 0 {
		return bad(label)
	}
	return label
}

func importCmd() *cobra.Command {
	var syncAfter bool

	cmd := &cobra.Command{
		Use:   "import [paths...]",
		Short: "Import audio and text files as captures",
		Long:  `Imports the given files or directories as captures. Without arguments the configured inbox is imported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interrupted()
			defer stop()

			cfg := appConfig
			if len(args) == 0 {
				if cfg.Inbox.Path == "" {
					return fmt.Errorf("no paths given and no inbox configured")
				}
				args = []string{cfg.Inbox.Path}
			}

			c, err := openClient(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			var files []string
			for _, arg := range args {
				info, err := os.Stat(arg)
				if err != nil {
					return err
				}
				if !info.IsDir() {
					abs, err := filepath.Abs(arg)
					if err != nil {
						return err
					}
					files = append(files, abs)
					continue
				}
				w, err := watcher.New(arg, 0, cfg.Inbox.IgnorePatterns, cfg.Inbox.IncludePatterns)
				if err != nil {
					return err
				}
				found, err := w.Scan()
				w.Stop()
				if err != nil {
					return fmt.Errorf("failed to scan %s: %w", arg, err)
				}
				files = append(files, found...)
			}

			bar := progressbar.NewOptions(len(files),
				progressbar.OptionSetDescription("Importing captures"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionClearOnFinish(),
			)

			importer := capture.NewImporter(c.store, nil)
			imported, unchanged, failed := 0, 0, 0
			for _, path := range files {
				_, changed, err := importer.Import(ctx, path)
				bar.Add(1)
				switch {
				case err != nil:
					failed++
					fmt.Fprintf(os.Stderr, "\n%s: %v\n", path, err)
				case changed:
					imported++
				default:
					unchanged++
				}
			}
			bar.Finish()

			fmt.Printf("Imported %d captures (%d unchanged, %d failed)\n", imported, unchanged, failed)

			if syncAfter && imported > 0 {
				res := c.sync.Sync(ctx, syncer.Options{Direction: syncer.DirectionPush, Entity: model.EntityCaptures, Reason: "import"})
				if res.Error != nil {
					return fmt.Errorf("sync failed: %w", res.Error)
				}
				fmt.Printf("Pushed %d captures\n", res.Pushed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&syncAfter, "sync", false, "push the imported captures right away")
	return cmd
}

func uploadCmd() *cobra.Command {
	var retryFailed bool

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload pending capture audio",
		Long:  `Uploads every due capture binary in resumable chunks. Interrupted uploads continue from the last confirmed chunk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interrupted()
			defer stop()

			c, err := openClient(ctx, appConfig, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			if retryFailed {
				n, err := c.uploads.ResumeFailed(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					fmt.Printf("Retrying %d failed uploads\n", n)
				}
			}

			tasks, err := c.store.ListUploadTasks(ctx, model.UploadPending, model.UploadUploading, model.UploadFailed)
			if err != nil {
				return err
			}
			var remaining int64
			for _, t := range tasks {
				done := int64(t.NextChunk()) * t.ChunkSize
				remaining += max(t.TotalBytes-done, 0)
			}
			if remaining == 0 {
				fmt.Println("Nothing to upload.")
				return nil
			}

			bar := progressbar.DefaultBytes(remaining, "Uploading")
			c.uploads.OnProgress(func(_ *model.UploadTask, n int) {
				bar.Add(n)
			})

			completed, err := c.uploads.ProcessDue(ctx)
			bar.Finish()
			if err != nil {
				return fmt.Errorf("uploads interrupted after %d completed: %w", completed, err)
			}

			parked, err := c.store.ListUploadTasks(ctx, model.UploadFailed)
			if err != nil {
				return err
			}
			fmt.Printf("\n%d uploads completed, %d failed\n", completed, len(parked))
			for _, t := range parked {
				fmt.Printf("  %s: %s\n", t.CaptureID, t.LastError)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "retry uploads parked after failures")
	return cmd
}

func conflictsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts resolved by the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			c, err := openClient(ctx, appConfig, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			entries, err := c.store.ListConflicts(ctx, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No conflicts recorded.")
				return nil
			}

			bad := color.New(color.FgRed).SprintFunc()
			for _, e := range entries {
				applied := "applied"
				if !e.Applied {
					applied = bad("failed: " + e.Error)
				}
				fmt.Printf("%s  %s/%s  %s  %s\n",
					e.CreatedAt.Format(time.RFC3339), e.Entity, e.RecordID, e.Resolution, applied)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}
