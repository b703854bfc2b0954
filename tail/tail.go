// Package tail watches a running voxd daemon over its observer
// socket and renders the event stream in a terminal UI.
package tail

import (
	"context"
	"encoding/json"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var TailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Watch live session events",
	Long:  `This command connects to a running daemon and shows every session event as it happens.`,
	Run:   runTail,
}

func init() {
	TailCmd.Flags().
		StringP("url", "u", "ws://localhost:4444/tail", "Observer socket of the daemon to watch")
}

func runTail(cmd *cobra.Command, args []string) {
	url, _ := cmd.Flags().GetString("url")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		log.Fatal("Failed to connect to daemon", "url", url, "error", err)
	}
	defer conn.Close()

	frames := make(chan Frame, 100)

	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				log.Debug("Skipping undecodable frame", "error", err)
				continue
			}
			f.raw = data
			frames <- f
		}
	}()

	p := tea.NewProgram(initialModel(frames, url))
	if _, err := p.Run(); err != nil {
		log.Fatal("Error running program", "error", err)
	}
}
