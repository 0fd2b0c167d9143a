package ui

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanchat/models"
)

func newTestConsole() (*Console, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return NewConsole(buf), buf
}

func TestConsolePrintsMessages(t *testing.T) {
	console, buf := newTestConsole()

	message := models.NewTextMessage("hello there", true)
	message.Timestamp = time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local).UnixMilli()
	console.OnMessageReceived(message)
	console.ShowMessage(models.NewTextMessage("hi back", false))
	console.ShowMessage(models.NewFileMessage(models.File{FileName: "notes.txt", FileSize: 2048}, false))
	console.OnClientConnected("10.0.0.7:51234")

	out := buf.String()
	assert.Contains(t, out, "[09:30:00] peer: hello there")
	assert.Contains(t, out, "] you: hi back")
	assert.Contains(t, out, "] you sent notes.txt (2.0 KiB)")
	assert.Contains(t, out, "peer connected from 10.0.0.7:51234")
}

func TestConsoleTracksProgressUntilComplete(t *testing.T) {
	console, buf := newTestConsole()

	console.OnFileIncoming("report.pdf", 4096)
	require.Equal(t, 1, console.ActiveTransfers())
	assert.Contains(t, buf.String(), "receiving report.pdf (4.0 KiB)")

	console.OnFileProgressUpdated("report.pdf", 50)
	assert.Equal(t, 1, console.ActiveTransfers())

	console.OnFileProgressUpdated("report.pdf", 100)
	assert.Equal(t, 0, console.ActiveTransfers())

	console.OnFileReceived("/tmp/downloads/report-abc.pdf")
	assert.Contains(t, buf.String(), "saved /tmp/downloads/report-abc.pdf")
}

func TestConsoleTransferErrorClearsBar(t *testing.T) {
	console, buf := newTestConsole()

	console.OnFileIncoming("big.iso", 1<<30)
	console.OnFileTransferError("big.iso", errors.New("connection reset"))

	assert.Equal(t, 0, console.ActiveTransfers())
	assert.Contains(t, buf.String(), "transfer of big.iso failed: connection reset")
}

func TestConsoleIgnoresProgressForUnknownFile(t *testing.T) {
	console, _ := newTestConsole()

	console.OnFileProgressUpdated("ghost.bin", 40)
	assert.Equal(t, 0, console.ActiveTransfers())
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in), "FormatBytes(%d)", tt.in)
	}
}
