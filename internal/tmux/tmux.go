// Package tmux resolves controlling terminal devices to addressable
// multiplexer panes and delivers synthetic input to them.
package tmux

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrNotFound means no pane currently owns the requested device. Panes can
// close between the event that recorded the device and the lookup, so
// callers treat this as "cannot deliver input right now", not a hard error.
var ErrNotFound = errors.New("tmux: pane not found")

// Pane is one row of the multiplexer's live pane inventory.
type Pane struct {
	PaneID      string
	TTY         string
	SessionName string
	WindowIndex int
	PaneIndex   int
}

// Target addresses a pane. It is derived data: panes are renumbered between
// queries, so targets are recomputed on demand and never persisted.
type Target struct {
	SessionName string
	WindowIndex int
	PaneIndex   int
	PaneID      string
	TTY         string
}

// String renders the tmux target address (session:window.pane).
func (t Target) String() string {
	return fmt.Sprintf("%s:%d.%d", t.SessionName, t.WindowIndex, t.PaneIndex)
}

type Client struct {
	bin    string
	socket string
}

func NewClient(bin, socket string) *Client {
	return &Client{bin: bin, socket: socket}
}

func (c *Client) args(args ...string) []string {
	if c.socket != "" {
		return append([]string{"-S", c.socket}, args...)
	}
	return args
}

// ListPanes returns all panes across all tmux sessions.
func (c *Client) ListPanes() ([]Pane, error) {
	format := "#{pane_id}\t#{pane_tty}\t#{session_name}\t#{window_index}\t#{pane_index}"

	cmd := exec.Command(c.bin, c.args("list-panes", "-a", "-F", format)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		outputStr := strings.TrimSpace(string(output))
		// No tmux server running is not an error
		if strings.Contains(strings.ToLower(outputStr), "no server running") {
			return nil, nil
		}
		if outputStr != "" {
			return nil, fmt.Errorf("failed to list panes: %w: %s", err, outputStr)
		}
		return nil, fmt.Errorf("failed to list panes: %w", err)
	}

	return parsePanes(output)
}

func parsePanes(output []byte) ([]Pane, error) {
	var panes []Pane
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			continue
		}

		var pane Pane
		pane.PaneID = fields[0]
		pane.TTY = fields[1]
		pane.SessionName = fields[2]
		fmt.Sscanf(fields[3], "%d", &pane.WindowIndex)
		fmt.Sscanf(fields[4], "%d", &pane.PaneIndex)

		panes = append(panes, pane)
	}

	return panes, scanner.Err()
}

// ResolveByTTY maps a controlling terminal device to its current pane.
func (c *Client) ResolveByTTY(tty string) (Target, error) {
	panes, err := c.ListPanes()
	if err != nil {
		return Target{}, err
	}
	return resolveTTY(panes, tty)
}

func resolveTTY(panes []Pane, tty string) (Target, error) {
	for _, p := range panes {
		if p.TTY == tty {
			return Target{
				SessionName: p.SessionName,
				WindowIndex: p.WindowIndex,
				PaneIndex:   p.PaneIndex,
				PaneID:      p.PaneID,
				TTY:         p.TTY,
			}, nil
		}
	}
	return Target{}, ErrNotFound
}

// SendText sends literal text to a pane using load-buffer and paste-buffer.
// Uses a unique buffer name to avoid collisions with concurrent sends.
func (c *Client) SendText(paneID, text string, enter bool) error {
	bufferName := fmt.Sprintf("notchbuf_%d", time.Now().UnixNano())

	loadCmd := exec.Command(c.bin, c.args("load-buffer", "-b", bufferName, "-")...)
	loadCmd.Stdin = strings.NewReader(text)
	if err := loadCmd.Run(); err != nil {
		return fmt.Errorf("failed to load buffer: %w", err)
	}

	pasteCmd := exec.Command(c.bin, c.args("paste-buffer", "-t", paneID, "-b", bufferName)...)
	if err := pasteCmd.Run(); err != nil {
		_ = c.deleteBuffer(bufferName)
		return fmt.Errorf("failed to paste buffer: %w", err)
	}

	_ = c.deleteBuffer(bufferName)

	if enter {
		return c.SendKeys(paneID, []string{"Enter"})
	}
	return nil
}

func (c *Client) deleteBuffer(bufferName string) error {
	cmd := exec.Command(c.bin, c.args("delete-buffer", "-b", bufferName)...)
	return cmd.Run()
}

// SendKeys sends keys to a pane.
func (c *Client) SendKeys(paneID string, keys []string) error {
	cmd := exec.Command(c.bin, c.args(append([]string{"send-keys", "-t", paneID}, keys...)...)...)
	return cmd.Run()
}

// SendInterrupt sends Ctrl-C to a pane.
func (c *Client) SendInterrupt(paneID string) error {
	return c.SendKeys(paneID, []string{"C-c"})
}
