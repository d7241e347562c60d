// Command addinstore is a thin CLI over the storage engine: open,
// scan, ls, cat, and rm operate on a single master file each
// invocation, mirroring the teacher's cmd/caddy pattern of a small
// main.go wiring a library into a runnable binary.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bangush/addinstore/discovery"
	"github.com/bangush/addinstore/storage"
)

var (
	filePath string
	verbose  bool
)

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

func openStorage() (*storage.Storage, error) {
	if filePath == "" {
		return nil, fmt.Errorf("missing required --file flag")
	}
	return storage.OpenWithLogger(filePath, storage.DefaultBlockSize, newLogger())
}

func main() {
	root := &cobra.Command{
		Use:   "addinstore",
		Short: "Inspect and populate a segmented add-in storage file",
	}
	root.PersistentFlags().StringVarP(&filePath, "file", "f", "", "path to the master storage file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable development logging")

	root.AddCommand(openCmd(), scanCmd(), lsCmd(), catCmd(), rmCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Create the master file if absent, then report its stream count",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStorage()
			if err != nil {
				return err
			}
			defer st.Close()
			streams := st.ListStreams()
			fmt.Printf("%s: %d stream(s)\n", filePath, len(streams))
			return nil
		},
	}
}

func scanCmd() *cobra.Command {
	var patterns []string
	cmd := &cobra.Command{
		Use:   "scan [root]",
		Short: "Walk a directory and persist matching files as streams",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(patterns) == 0 {
				patterns = []string{"**"}
			}
			st, err := openStorage()
			if err != nil {
				return err
			}
			defer st.Close()

			sc := discovery.NewScanner(st, newLogger())
			manifests, err := sc.Scan(context.Background(), args[0], patterns)
			if err != nil {
				return err
			}
			for _, m := range manifests {
				fmt.Printf("%s\t%s\t%d\n", m.StreamID, m.RelPath, m.Size)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&patterns, "pattern", "p", nil, "glob pattern to match (repeatable, default **)")
	return cmd
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List every stream in the master file",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStorage()
			if err != nil {
				return err
			}
			defer st.Close()
			for _, info := range st.ListStreams() {
				fmt.Printf("%s\t%d\t%d\n", info.ID, info.Tag, info.Length)
			}
			return nil
		},
	}
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <stream-id>",
		Short: "Write a stream's full contents to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid stream id %q: %w", args[0], err)
			}
			st, err := openStorage()
			if err != nil {
				return err
			}
			defer st.Close()

			stream, err := st.OpenStream(id)
			if err != nil {
				return err
			}
			_, err = io.Copy(os.Stdout, stream)
			return err
		},
	}
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <stream-id>",
		Short: "Delete a stream and reclaim its space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid stream id %q: %w", args[0], err)
			}
			st, err := openStorage()
			if err != nil {
				return err
			}
			defer st.Close()
			return st.DeleteStream(id)
		},
	}
}
