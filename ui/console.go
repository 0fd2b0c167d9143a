package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"lanchat/models"
)

const timeLayout = "15:04:05"

// Console renders session events as terminal lines and shows one progress
// bar per incoming file. It implements network.Callbacks.
type Console struct {
	mu   sync.Mutex
	out  io.Writer
	bars map[string]*progressbar.ProgressBar
	// sizes keeps announced sizes so percentages map back to bytes.
	sizes map[string]int64
}

// NewConsole writes to out; with a readline prompt pass its Stdout so
// the prompt is redrawn after each line.
func NewConsole(out io.Writer) *Console {
	return &Console{
		out:   out,
		bars:  make(map[string]*progressbar.ProgressBar),
		sizes: make(map[string]int64),
	}
}

// Infof prints a status line.
func (c *Console) Infof(format string, args ...any) {
	c.printf("* "+format, args...)
}

// Errorf prints an error line.
func (c *Console) Errorf(format string, args ...any) {
	c.printf("! "+format, args...)
}

// ShowMessage prints one chat transcript line.
func (c *Console) ShowMessage(message models.ChatMessage) {
	who := "peer"
	if !message.IsIncoming {
		who = "you"
	}
	stamp := message.Time().Format(timeLayout)

	switch message.Kind {
	case models.KindText:
		c.printf("[%s] %s: %s", stamp, who, message.Text)
	case models.KindFile:
		if message.File != nil {
			c.printf("[%s] %s sent %s (%s)", stamp, who, message.File.FileName, FormatBytes(message.File.FileSize))
		}
	}
}

func (c *Console) OnClientConnected(address string) {
	c.Infof("peer connected from %s", address)
}

func (c *Console) OnMessageReceived(message models.ChatMessage) {
	c.ShowMessage(message)
}

func (c *Console) OnConnectionError(err error) {
	c.Errorf("connection error: %v", err)
}

func (c *Console) OnFileIncoming(name string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "* receiving %s (%s)\n", name, FormatBytes(size))
	c.sizes[name] = size
	c.bars[name] = progressbar.NewOptions64(
		size,
		progressbar.OptionSetDescription(name),
		progressbar.OptionSetWriter(c.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(15),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(c.out)
		}),
	)
}

func (c *Console) OnFileProgressUpdated(name string, percent int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bar, ok := c.bars[name]
	if !ok {
		return
	}
	if percent >= 100 {
		_ = bar.Finish()
		c.dropBarLocked(name)
		return
	}
	_ = bar.Set64(c.sizes[name] * int64(percent) / 100)
}

func (c *Console) OnFileReceived(path string) {
	c.Infof("saved %s", path)
}

func (c *Console) OnFileTransferError(name string, err error) {
	c.mu.Lock()
	if bar, ok := c.bars[name]; ok {
		_ = bar.Clear()
		c.dropBarLocked(name)
	}
	c.mu.Unlock()

	c.Errorf("transfer of %s failed: %v", name, err)
}

// ActiveTransfers returns the number of progress bars on screen.
func (c *Console) ActiveTransfers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bars)
}

func (c *Console) dropBarLocked(name string) {
	delete(c.bars, name)
	delete(c.sizes, name)
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for value := n / unit; value >= unit; value /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
