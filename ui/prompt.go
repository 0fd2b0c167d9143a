package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
)

// Prompt is the interactive line editor driving Commands.
type Prompt struct {
	rl *readline.Instance
}

// NewPrompt opens the terminal line editor. Line history stays in memory.
func NewPrompt() (*Prompt, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "lanchat> ",
		AutoComplete:    newCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "",
	})
	if err != nil {
		return nil, fmt.Errorf("create readline: %w", err)
	}
	return &Prompt{rl: rl}, nil
}

// Stdout returns a writer that redraws the prompt after each write.
func (p *Prompt) Stdout() io.Writer {
	return p.rl.Stdout()
}

// Close releases the terminal and unblocks Run.
func (p *Prompt) Close() error {
	return p.rl.Close()
}

// Run reads lines until /quit, EOF, Ctrl+C on an empty line or ctx ends.
func (p *Prompt) Run(ctx context.Context, commands *Commands) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := p.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if line == "" {
					return nil
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if err := commands.Execute(ctx, line); errors.Is(err, ErrQuit) {
			return nil
		}
	}
}

func newCompleter() readline.AutoCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("/file", readline.PcItemDynamic(listFiles)),
		readline.PcItem("/connect"),
		readline.PcItem("/history"),
		readline.PcItem("/help"),
		readline.PcItem("/quit"),
	)
}

// listFiles completes regular files in the working directory.
func listFiles(string) []string {
	entries, err := os.ReadDir(".")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, filepath.Base(entry.Name()))
		}
	}
	return names
}
