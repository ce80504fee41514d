package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"inferd/internal/manager"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune saved session KV caches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("cache requires a subcommand: ls|rm")
		},
	}
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List saved session caches, most recently used first",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := a.cacheManager()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tSIZE\tLAST USED\tPATH")
			for _, e := range m.KVCacheEntries() {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.SessionID, e.SizeBytes, e.LastAccessed.Format(time.RFC3339), e.CacheFilePath)
			}
			return tw.Flush()
		},
	}
	rm := &cobra.Command{
		Use:   "rm <session>...",
		Short: "Delete saved session caches",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, pub, err := a.cacheManager()
			if err != nil {
				return err
			}
			for _, id := range args {
				existed, err := m.DeleteSessionKVCache(id, "")
				if err != nil {
					return err
				}
				if !existed {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: no cache\n", id)
				}
			}
			for _, e := range pub.Named("kv_deleted") {
				fmt.Fprintln(cmd.OutOrStdout(), e.SessionID)
			}
			return nil
		},
	}
	cmd.AddCommand(ls, rm)
	return cmd
}

// cacheManager builds a manager for cache file operations only. Its events
// are recorded so commands can report what they removed.
func (a *app) cacheManager() (*manager.Manager, *manager.MemoryPublisher, error) {
	if a.cfg.Model.Source == "" {
		// Cache commands never load the model.
		a.cfg.Model.Source = "-"
	}
	pub := manager.NewMemoryPublisher()
	m, err := a.newManager(pub)
	return m, pub, err
}
