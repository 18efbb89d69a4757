package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rocketship-ai/qatrack/internal/environment"
)

// NewWatchCmd creates the command that follows an environment live
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <environment-id>",
		Short: "Follow an environment and print every change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}

			req, err := client.newRequest(cmd.Context(), http.MethodGet, "/api/environments/"+url.PathEscape(args[0])+"/watch", nil)
			if err != nil {
				return err
			}
			req.Header.Set("Accept", "text/event-stream")

			// The stream stays open until interrupted, so no client timeout.
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to open watch: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				return &apiError{Status: resp.StatusCode, Message: resp.Status}
			}

			return followEvents(cmd.OutOrStdout(), resp.Body)
		},
	}
	return cmd
}

// followEvents prints server-sent events until the stream ends
func followEvents(out io.Writer, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := printEvent(out, event, []byte(strings.TrimPrefix(line, "data: "))); err != nil {
				return err
			}
		case line == "":
			event = ""
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("watch stream failed: %w", err)
	}
	return nil
}

func printEvent(out io.Writer, event string, data []byte) error {
	switch event {
	case "loading":
		fmt.Fprintln(out, color.HiBlackString("loading..."))
	case "not_found":
		fmt.Fprintln(out, color.RedString("environment not found"))
	case "error":
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &payload)
		fmt.Fprintf(out, "%s %s\n", color.RedString("✗"), payload.Error)
	case "snapshot":
		var env environment.Environment
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("failed to decode snapshot: %w", err)
		}
		stats := environment.AggregateStats(&env)
		fmt.Fprintf(out, "%s %s  %d/%d concluded  bugs=%d  present=%s\n",
			env.UpdatedAt.Local().Format("15:04:05"),
			statusLabel(env.Status),
			stats.Combined.Concluded, stats.Combined.Total,
			env.BugsCount,
			strings.Join(env.PresentUserIDs, ","),
		)
	}
	return nil
}
