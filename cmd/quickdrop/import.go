package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"quickdrop/internal/logging"
	"quickdrop/internal/server"
)

var importCmd = &cobra.Command{
	Use:   "import FILE...",
	Short: "Copy local files into the drop store",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	ctx := cmd.Context()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	out := cmd.OutOrStdout()
	var imported int
	var total int64
	var failed []string
	for _, path := range args {
		res, err := importFile(cmd, store, path)
		if err != nil {
			log.Warn("import failed", logging.Fields{"path": path}, err)
			failed = append(failed, path)
			continue
		}
		imported++
		total += res.Bytes
		fmt.Fprintf(out, "%s -> %s (%s)\n", path, res.Name, humanize.IBytes(uint64(res.Bytes)))
	}

	fmt.Fprintf(out, "imported %d of %d files, %s\n", imported, len(args), humanize.IBytes(uint64(total)))
	if len(failed) > 0 {
		return fmt.Errorf("%d files failed", len(failed))
	}
	return nil
}

func importFile(cmd *cobra.Command, store server.Store, path string) (server.ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return server.ImportResult{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return server.ImportResult{}, err
	}
	if info.IsDir() {
		return server.ImportResult{}, fmt.Errorf("%s is a directory", path)
	}
	return server.Import(cmd.Context(), store, filepath.Base(path), f, info.Size())
}
