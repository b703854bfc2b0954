package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"vox.town/stt"
	"vox.town/tts"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show session counters from a running daemon",
	Long:  `This command fetches the live session counters of a running daemon and prints them in a formatted table.`,
	Run:   runStats,
}

func init() {
	statsCmd.Flags().
		StringP("url", "u", "http://localhost:4444/api/stats", "Stats endpoint of the daemon")
}

type daemonStats struct {
	STT stt.Stats  `json:"stt"`
	TTS *tts.Stats `json:"tts"`
}

func runStats(cmd *cobra.Command, args []string) {
	url, _ := cmd.Flags().GetString("url")

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	stats, err := fetchStats(ctx, url)
	if err != nil {
		log.Fatal("Failed to fetch stats", "url", url, "error", err)
	}

	renderStats(os.Stdout, stats)
}

func fetchStats(ctx context.Context, url string) (daemonStats, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return daemonStats{}, err
	}

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return daemonStats{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return daemonStats{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var stats daemonStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return daemonStats{}, err
	}
	return stats, nil
}

func renderStats(w io.Writer, stats daemonStats) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Worker", "Ready", "Active", "Stopping", "Queued", "Dropped", "Chunks"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	table.Append([]string{
		"stt",
		fmt.Sprintf("%t", stats.STT.WorkerReady),
		fmt.Sprintf("%d", stats.STT.ActiveSessions),
		fmt.Sprintf("%d", stats.STT.StoppingSessions),
		fmt.Sprintf("%d", stats.STT.TotalQueueDepth),
		fmt.Sprintf("%d", stats.STT.TotalDropped),
		fmt.Sprintf("%d", stats.STT.TotalProcessed),
	})
	if stats.TTS != nil {
		table.Append([]string{
			"tts",
			fmt.Sprintf("%t", stats.TTS.WorkerReady),
			fmt.Sprintf("%d", stats.TTS.ActiveSessions),
			fmt.Sprintf("%d", stats.TTS.StoppingSessions),
			"-",
			"-",
			fmt.Sprintf("%d", stats.TTS.ChunksDelivered),
		})
	}

	table.Render()
}
