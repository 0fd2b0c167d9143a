package ui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"lanchat/models"
	"lanchat/storage"
)

// ErrQuit is returned by Commands.Execute when the user asks to leave.
var ErrQuit = errors.New("quit")

// Sender is the session surface the prompt drives.
type Sender interface {
	ConnectTo(ctx context.Context, address string) error
	SendMessage(text string) error
	SendFile(path string) (string, error)
}

// History lists journaled transfers.
type History interface {
	ListTransfers(limit int) ([]storage.Transfer, error)
}

const helpText = `Commands:
  <text>              send a chat message
  /file <path>        send a file
  /connect <host[:port]>  connect to a peer (port defaults to 6000)
  /history [n]        show recent file transfers
  /help               show this help
  /quit               leave`

// Commands interprets one prompt line at a time.
type Commands struct {
	Sender  Sender
	History History
	Console *Console
}

// Execute runs one line. Failures are printed and also returned.
func (c *Commands) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return c.sendText(line)
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return ErrQuit
	case "/help":
		c.Console.Infof("%s", helpText)
		return nil
	case "/file":
		return c.sendFile(unquote(arg))
	case "/connect":
		return c.connect(ctx, arg)
	case "/history":
		return c.history(arg)
	default:
		err := fmt.Errorf("unknown command %s", name)
		c.Console.Errorf("%v (try /help)", err)
		return err
	}
}

func (c *Commands) sendText(text string) error {
	if err := c.Sender.SendMessage(text); err != nil {
		c.Console.Errorf("send failed: %v", err)
		return err
	}
	c.Console.ShowMessage(models.NewTextMessage(text, false))
	return nil
}

func (c *Commands) sendFile(path string) error {
	if path == "" {
		err := errors.New("usage: /file <path>")
		c.Console.Errorf("%v", err)
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		c.Console.Errorf("send %s failed: %v", path, err)
		return err
	}
	transferID, err := c.Sender.SendFile(path)
	if err != nil {
		c.Console.Errorf("send %s failed: %v", path, err)
		return err
	}
	c.Console.ShowMessage(models.NewFileMessage(models.File{
		TransferID: transferID,
		FileName:   filepath.Base(path),
		FileSize:   info.Size(),
		FilePath:   path,
	}, false))
	return nil
}

func (c *Commands) connect(ctx context.Context, address string) error {
	if address == "" {
		err := errors.New("usage: /connect <host[:port]>")
		c.Console.Errorf("%v", err)
		return err
	}
	c.Console.Infof("connecting to %s", address)
	if err := c.Sender.ConnectTo(ctx, address); err != nil {
		c.Console.Errorf("connect failed: %v", err)
		return err
	}
	c.Console.Infof("connected to %s", address)
	return nil
}

func (c *Commands) history(arg string) error {
	if c.History == nil {
		err := errors.New("transfer journal is disabled")
		c.Console.Errorf("%v", err)
		return err
	}

	limit := 0
	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			err = fmt.Errorf("invalid history limit %q", arg)
			c.Console.Errorf("%v", err)
			return err
		}
		limit = n
	}

	transfers, err := c.History.ListTransfers(limit)
	if err != nil {
		c.Console.Errorf("list transfers: %v", err)
		return err
	}
	if len(transfers) == 0 {
		c.Console.Infof("no transfers yet")
		return nil
	}
	for _, transfer := range transfers {
		c.Console.printf("%s", formatTransfer(transfer))
	}
	return nil
}

func formatTransfer(t storage.Transfer) string {
	line := fmt.Sprintf("%s  %-7s  %-8s  %s  %s",
		t.Started().Format(time.DateTime),
		t.Direction,
		t.TransferStatus,
		t.Filename,
		FormatBytes(t.Filesize),
	)
	if t.PeerAddress != "" {
		line += "  " + t.PeerAddress
	}
	if t.Detail != "" {
		line += "  (" + t.Detail + ")"
	}
	return line
}

func unquote(arg string) string {
	if len(arg) >= 2 {
		first, last := arg[0], arg[len(arg)-1]
		if (first == '"' || first == '\'') && first == last {
			return arg[1 : len(arg)-1]
		}
	}
	return arg
}
