package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const followInterval = 200 * time.Millisecond

func logsCmd() *cobra.Command {
	var follow bool
	var lines int

	cmd := &cobra.Command{
		Use:     "log",
		Aliases: []string{"logs"},
		Short:   "Show daemon log output",
		GroupID: "daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := logFilePath()

			f, err := os.Open(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("no log file found at %s (has the daemon been started with --log-file?)", path)
				}
				return fmt.Errorf("opening log file: %w", err)
			}
			defer f.Close()

			if lines > 0 {
				if err := seekToLastNLines(f, lines); err != nil {
					return err
				}
			}

			for {
				if _, err := io.Copy(os.Stdout, f); err != nil {
					return fmt.Errorf("reading log file: %w", err)
				}
				if !follow {
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-time.After(followInterval):
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow log output")
	cmd.Flags().IntVarP(&lines, "lines", "n", 0, "show last N lines (0 = entire file)")
	return cmd
}

// seekToLastNLines positions f at the start of its last n lines, scanning
// backwards in fixed-size blocks. A trailing newline does not count as an
// extra empty line.
func seekToLastNLines(f *os.File, n int) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}

	const blockSize = 8192
	buf := make([]byte, blockSize)
	end := info.Size()
	newlines := 0

	for end > 0 {
		size := min(int64(blockSize), end)
		start := end - size
		block := buf[:size]
		if _, err := f.ReadAt(block, start); err != nil {
			return err
		}

		for i := len(block) - 1; i >= 0; i-- {
			if block[i] != '\n' {
				continue
			}
			// The newline terminating the final line is not a separator.
			if start+int64(i) == info.Size()-1 {
				continue
			}
			newlines++
			if newlines == n {
				_, err := f.Seek(start+int64(i)+1, io.SeekStart)
				return err
			}
		}
		end = start
	}

	_, err = f.Seek(0, io.SeekStart)
	return err
}
