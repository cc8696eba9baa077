package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion/classifier"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8081"

type cli struct {
	server  string
	timeout time.Duration
	client  *http.Client
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "ingestctl",
		Short:         "Inspect and control document text extraction",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.client = &http.Client{Timeout: c.timeout}
		},
	}
	server := os.Getenv("DI_SERVER_URL")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVarP(&c.server, "server", "s", server, "ingestion service base URL")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newClassifyCmd(),
		c.newStatusCmd(),
		c.newProcessCmd(),
		c.newCancelCmd(),
	)
	return root
}

func newClassifyCmd() *cobra.Command {
	var contentType, key string
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Show the format and pipeline path for a file, without contacting the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cls := classifier.Classify(contentType, key)
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"format": string(cls.Format),
				"ext":    cls.Ext,
				"path":   string(classifier.PathFor(cls.Format)),
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "declared content type")
	cmd.Flags().StringVar(&key, "key", "", "object key or file name")
	cmd.MarkFlagRequired("key")
	return cmd
}

func (c *cli) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <record-id>",
		Short: "Show a record's extraction status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec ingestion.Record
			if err := c.do(cmd.Context(), http.MethodGet, recordPath(args[0], ""), nil, &rec); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func (c *cli) newProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <record-id>",
		Short: "Start an extraction run for a record (local orchestrator mode)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]string
			if err := c.do(cmd.Context(), http.MethodPost, recordPath(args[0], "process"), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func (c *cli) newCancelCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "cancel <record-id>",
		Short: "Stop a record's extraction run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out ingestion.CancelOutput
			body := map[string]string{"requested_by": by}
			if err := c.do(cmd.Context(), http.MethodPost, recordPath(args[0], "cancel"), body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&by, "by", os.Getenv("USER"), "who is cancelling")
	return cmd
}

func recordPath(id, action string) string {
	p := "/api/v1/records/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *cli) do(ctx context.Context, method, path string, body, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.server, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error  string            `json:"error"`
			Fields map[string]string `json:"fields"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if len(apiErr.Fields) > 0 {
			return fmt.Errorf("%s: %s %v", resp.Status, apiErr.Error, apiErr.Fields)
		}
		return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
