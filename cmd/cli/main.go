package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL   string
	noAutoStart bool
	rootCmd     = &cobra.Command{
		Use:   "cortexdl",
		Short: "CortexDL CLI - Media download job queue",
		Long:  `A command-line interface for managing media downloads: direct HTTP fetches, stream transcodes, and platform extraction.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "Server URL")
	rootCmd.PersistentFlags().BoolVar(&noAutoStart, "no-auto-start", false, "Don't auto-start server if not running")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(pauseAllCmd)
	rootCmd.AddCommand(resumeAllCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(historyCmd)
}

// ensureServer checks if server is running and starts it if needed (unless --no-auto-start)
func ensureServer() {
	if noAutoStart {
		return
	}
	if err := ensureServerRunning(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

func postJSON(path string, payload interface{}) []byte {
	var body io.Reader
	if payload != nil {
		data, _ := json.Marshal(payload)
		body = bytes.NewBuffer(data)
	}
	resp, err := http.Post(serverURL+path, "application/json", body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "Error: %s\n", string(out))
		os.Exit(1)
	}
	return out
}

func getJSON(path string) []byte {
	resp, err := http.Get(serverURL + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "Error: %s\n", string(out))
		os.Exit(1)
	}
	return out
}

var addCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Add a download task to the queue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()

		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			home, _ := os.UserHomeDir()
			dir = filepath.Join(home, "Downloads")
		}

		payload := map[string]string{
			"url":       args[0],
			"directory": dir,
		}
		for flag, key := range map[string]string{
			"filename":       "filename",
			"engine":         "engine",
			"format":         "targetFormat",
			"format-id":      "ytdlpFormatId",
			"cookie-file":    "cookieFile",
			"cookie-browser": "cookieBrowser",
		} {
			if v, _ := cmd.Flags().GetString(flag); v != "" {
				payload[key] = v
			}
		}

		body := postJSON("/api/v1/tasks", payload)

		var result map[string]interface{}
		json.Unmarshal(body, &result)
		fmt.Printf("Task added successfully!\n")
		fmt.Printf("ID: %s\n", result["id"])
		fmt.Printf("Engine: %s\n", result["engine"])
		fmt.Printf("Status: %s\n", result["status"])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()

		body := getJSON("/api/v1/tasks")
		var tasks []map[string]interface{}
		json.Unmarshal(body, &tasks)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFILE\tENGINE\tSTATUS\tPROGRESS")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				truncate(stringField(t, "id"), 8),
				truncate(stringField(t, "filename"), 40),
				t["engine"],
				t["status"],
				formatProgress(t))
		}
		w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()
		body := getJSON("/api/v1/tasks/stats")

		var stats map[string]int
		json.Unmarshal(body, &stats)

		fmt.Println("Queue Statistics:")
		for _, status := range []string{"queued", "downloading", "merging", "paused", "completed", "error", "canceled"} {
			fmt.Printf("  %-12s %d\n", status+":", stats[status])
		}
	},
}

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Get task details",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()
		body := getJSON("/api/v1/tasks/" + args[0])

		var task map[string]interface{}
		json.Unmarshal(body, &task)

		fmt.Printf("Task Details:\n")
		fmt.Printf("  ID:       %s\n", task["id"])
		fmt.Printf("  URL:      %s\n", task["url"])
		fmt.Printf("  File:     %s\n", task["filePath"])
		fmt.Printf("  Engine:   %s\n", task["engine"])
		fmt.Printf("  Format:   %s\n", task["targetFormat"])
		fmt.Printf("  Status:   %s\n", task["status"])
		fmt.Printf("  Progress: %s\n", formatProgress(task))
		if task["errorMessage"] != nil {
			fmt.Printf("  Error:    %s\n", task["errorMessage"])
		}
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause [id]",
	Short: "Pause a task, preserving partial output",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()
		postJSON("/api/v1/tasks/"+args[0]+"/pause", nil)
		fmt.Println("Task paused")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [id]",
	Short: "Resume a paused or errored task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()
		postJSON("/api/v1/tasks/"+args[0]+"/resume", nil)
		fmt.Println("Task resumed")
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel a task and remove its partial file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()
		postJSON("/api/v1/tasks/"+args[0]+"/cancel", nil)
		fmt.Println("Task canceled")
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a task record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()
		deleteFile, _ := cmd.Flags().GetBool("delete-file")

		url := serverURL + "/api/v1/tasks/" + args[0]
		if deleteFile {
			url += "?deleteFile=true"
		}
		req, _ := http.NewRequest(http.MethodDelete, url, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		fmt.Println("Task deleted")
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all completed and canceled tasks",
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()
		postJSON("/api/v1/tasks/clear-completed", nil)
		fmt.Println("Terminal tasks cleared")
	},
}

var pauseAllCmd = &cobra.Command{
	Use:   "pause-all",
	Short: "Pause all active tasks",
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()
		postJSON("/api/v1/tasks/pause-all", nil)
		fmt.Println("All active tasks paused")
	},
}

var resumeAllCmd = &cobra.Command{
	Use:   "resume-all",
	Short: "Resume all paused tasks",
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()
		postJSON("/api/v1/tasks/resume-all", nil)
		fmt.Println("All paused tasks resumed")
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [url]",
	Short: "Classify a URL before downloading",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()
		body := postJSON("/api/v1/analyze", map[string]string{"url": args[0]})

		var result map[string]interface{}
		json.Unmarshal(body, &result)
		pretty, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(pretty))
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the archive of finished tasks",
	Run: func(cmd *cobra.Command, args []string) {
		ensureServer()
		limit, _ := cmd.Flags().GetInt("limit")

		body := getJSON(fmt.Sprintf("/api/v1/history?limit=%d", limit))
		var entries []map[string]interface{}
		json.Unmarshal(body, &entries)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FINISHED\tFILE\tSTATUS\tBYTES")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\n",
				formatTimestamp(e["finishedAtMs"]),
				truncate(stringField(e, "filename"), 40),
				e["finalStatus"],
				e["totalBytes"])
		}
		w.Flush()
	},
}

func init() {
	addCmd.Flags().StringP("dir", "d", "", "Destination directory (default: ~/Downloads)")
	addCmd.Flags().StringP("filename", "n", "", "Output filename")
	addCmd.Flags().StringP("engine", "e", "", "Engine (auto, direct, ffmpeg, ytdlp)")
	addCmd.Flags().StringP("format", "f", "", "Target format (mp4, mp3)")
	addCmd.Flags().String("format-id", "", "Explicit extraction format id")
	addCmd.Flags().String("cookie-file", "", "Cookie file path for authenticated sources")
	addCmd.Flags().String("cookie-browser", "", "Browser to extract cookies from")
	historyCmd.Flags().IntP("limit", "l", 20, "Maximum entries to show")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func formatProgress(task map[string]interface{}) string {
	downloaded, _ := task["downloadedBytes"].(float64)
	total, ok := task["totalBytes"].(float64)
	if !ok || total == 0 {
		return fmt.Sprintf("%.1f MiB", downloaded/1024/1024)
	}
	return fmt.Sprintf("%.1f%%", downloaded/total*100)
}

func formatTimestamp(v interface{}) string {
	ms, ok := v.(float64)
	if !ok {
		return ""
	}
	return time.UnixMilli(int64(ms)).Format("2006-01-02 15:04")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
