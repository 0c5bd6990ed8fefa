package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mpvd/internal/media"
	"mpvd/internal/session"
)

var controlAddr string

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current playback status",
	Long:  `Show the current playback status of a running mpvd daemon.`,
	RunE:  runStatus,
}

// playCmd represents the play command
var playCmd = &cobra.Command{
	Use:   "play [file]",
	Short: "Start playback of a file, or resume",
	Long: `Start playback of a file from the media directory.

Without arguments, resumes paused playback.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlay,
}

// pauseCmd represents the pause command
var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause playback",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAndPrint("/api/pause", nil)
	},
}

// resumeCmd represents the resume command
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume paused playback",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAndPrint("/api/resume", nil)
	},
}

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop playback and tear down the player",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAndPrint("/api/stop", nil)
	},
}

// seekCmd represents the seek command
var seekCmd = &cobra.Command{
	Use:   "seek <seconds>",
	Short: "Seek to an absolute position in seconds",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeek,
}

// skipCmd represents the skip command
var skipCmd = &cobra.Command{
	Use:   "skip <seconds>",
	Short: "Skip forward or backward by a number of seconds",
	Args:  cobra.ExactArgs(1),
	RunE:  runSkip,
}

// volumeCmd represents the volume command
var volumeCmd = &cobra.Command{
	Use:   "volume <0-150>",
	Short: "Set the playback volume",
	Args:  cobra.ExactArgs(1),
	RunE:  runVolume,
}

// filesCmd represents the files command
var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List media files on the daemon",
	RunE:  runFiles,
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, playCmd, pauseCmd, resumeCmd, stopCmd, seekCmd, skipCmd, volumeCmd, filesCmd} {
		c.Flags().StringVar(&controlAddr, "addr", "http://localhost:8080", "Address of the mpvd daemon")
		rootCmd.AddCommand(c)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	var view session.View
	if err := apiGet("/api/status", &view); err != nil {
		return err
	}
	printView(view)
	return nil
}

func runPlay(cmd *cobra.Command, args []string) error {
	body := map[string]string{}
	if len(args) == 1 {
		body["file"] = args[0]
	}
	return postAndPrint("/api/play", body)
}

func runSeek(cmd *cobra.Command, args []string) error {
	position, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid position %q", args[0])
	}
	return postAndPrint("/api/seek", map[string]float64{"position": position})
}

func runSkip(cmd *cobra.Command, args []string) error {
	seconds, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid skip %q", args[0])
	}
	return postAndPrint("/api/skip", map[string]float64{"seconds": seconds})
}

func runVolume(cmd *cobra.Command, args []string) error {
	level, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid volume %q", args[0])
	}
	return postAndPrint("/api/volume", map[string]int{"level": level})
}

func runFiles(cmd *cobra.Command, args []string) error {
	var files []media.File
	if err := apiGet("/api/files", &files); err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("No media files")
		return nil
	}
	for _, f := range files {
		fmt.Printf("%-40s %10d  %s\n", f.Name, f.Size, f.Modified.Format("2006-01-02 15:04"))
	}
	return nil
}

func printView(v session.View) {
	fmt.Printf("state:    %s\n", v.State)
	if v.File != "" {
		fmt.Printf("file:     %s\n", v.File)
		fmt.Printf("position: %.1fs / %.1fs\n", v.Position, v.Duration)
	}
	fmt.Printf("volume:   %d\n", v.Volume)
	if v.LastError != "" {
		fmt.Printf("error:    %s\n", v.LastError)
	}
}

var apiClient = &http.Client{Timeout: 15 * time.Second}

func apiGet(path string, out any) error {
	resp, err := apiClient.Get(controlAddr + path)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", controlAddr, err)
	}
	defer resp.Body.Close()
	return decodeAPIResponse(resp, out)
}

func postAndPrint(path string, body any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}

	resp, err := apiClient.Post(controlAddr+path, "application/json", payload)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", controlAddr, err)
	}
	defer resp.Body.Close()

	var view session.View
	if err := decodeAPIResponse(resp, &view); err != nil {
		return err
	}
	printView(view)
	return nil
}

func decodeAPIResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
