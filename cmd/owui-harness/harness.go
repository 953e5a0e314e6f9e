package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/nepiskopos/open-webui-enhancements/internal/models"
)

const defaultPrompt = "Please, identify any PIIs within the content of the uploaded file."

type options struct {
	url     string
	token   string
	model   string
	file    string
	output  string
	prompt  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "owui-harness",
		Short:        "Run a DOCX file through a document pipeline via the Open WebUI API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.url, "url", "u", "", "Open WebUI base URL")
	flags.StringVarP(&opts.token, "token", "t", "", "access token for Open WebUI")
	flags.StringVarP(&opts.model, "model", "m", "pii-pipeline", "pipeline model id")
	flags.StringVarP(&opts.file, "file", "f", "", "path to the DOCX file to process")
	flags.StringVarP(&opts.output, "output", "o", "", "optional file to save the result")
	flags.StringVar(&opts.prompt, "prompt", defaultPrompt, "user message sent with the file")
	flags.DurationVar(&opts.timeout, "timeout", 60*time.Second, "per-request timeout")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func run(ctx context.Context, out io.Writer, opts options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := checkDocx(opts.file); err != nil {
		return err
	}
	c := &client{
		base:  strings.TrimRight(opts.url, "/"),
		token: opts.token,
		http:  &http.Client{Timeout: opts.timeout},
	}

	fmt.Fprintf(out, "Uploading %s...\n", opts.file)
	upload, err := c.upload(ctx, opts.file)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "File uploaded with ID: %v\n", upload["id"])

	fmt.Fprintf(out, "Requesting %s...\n", opts.model)
	raw, err := c.complete(ctx, opts.model, opts.prompt, upload)
	if err != nil {
		return err
	}
	results, err := parseResponse(raw)
	if err != nil {
		return err
	}

	report := formatResults(results)
	rule := strings.Repeat("=", 80)
	fmt.Fprintf(out, "\nResult:\n%s\n%s\n%s\n", rule, report, rule)
	if opts.output != "" {
		if err := os.WriteFile(opts.output, []byte(report), 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		fmt.Fprintf(out, "\nResult saved to: %s\n", opts.output)
	}
	return nil
}

func checkDocx(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is not a file", path)
	}
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("detect type of %s: %w", path, err)
	}
	if !mtype.Is(models.DocxContentType) {
		return fmt.Errorf("%s is not a valid DOCX file (detected %s)", path, mtype.String())
	}
	return nil
}

type client struct {
	base  string
	token string
	http  *http.Client
}

// upload posts the file to the files API and returns the stored record as
// the host sent it, with the content type filled in when missing.
func (c *client) upload(ctx context.Context, path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/files/", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	data, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("upload file: %w", err)
	}

	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	if record["id"] == nil {
		return nil, errors.New("upload response has no file id")
	}
	meta, _ := record["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
		record["meta"] = meta
	}
	if ct, _ := meta["content_type"].(string); ct == "" {
		meta["content_type"] = models.DocxContentType
	}
	return record, nil
}

func (c *client) complete(ctx context.Context, model, prompt string, upload map[string]any) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": prompt}},
		"files":    []map[string]any{{"type": "file", "file": upload}},
		"stream":   false,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	data, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	return data, nil
}

func (c *client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

type completionResponse struct {
	Choices []struct {
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// parseResponse accepts a plain chat completion or an SSE stream of chunks
// and decodes the assistant content as pipe results.
func parseResponse(raw []byte) ([]models.FileResult, error) {
	text := strings.TrimSpace(string(raw))
	var content strings.Builder
	if strings.HasPrefix(text, "data:") {
		for _, chunk := range strings.Split(text, "\n\n") {
			chunk = strings.TrimSpace(chunk)
			data := strings.TrimSpace(strings.TrimPrefix(chunk, "data:"))
			if !strings.HasPrefix(chunk, "data:") || data == "[DONE]" {
				continue
			}
			var resp completionResponse
			if err := json.Unmarshal([]byte(data), &resp); err != nil {
				continue
			}
			for _, ch := range resp.Choices {
				if ch.Delta != nil {
					content.WriteString(ch.Delta.Content)
				}
			}
		}
	} else {
		var resp completionResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("decode completion: %w", err)
		}
		if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
			content.WriteString(resp.Choices[0].Message.Content)
		}
	}

	reply := strings.TrimSpace(content.String())
	if reply == "" {
		return nil, errors.New("empty response from pipeline")
	}
	var results []models.FileResult
	if err := json.Unmarshal([]byte(reply), &results); err != nil {
		// notices and errors come back as plain text
		return nil, fmt.Errorf("pipeline returned no results: %s", reply)
	}
	return results, nil
}

func formatResults(results []models.FileResult) string {
	sections := make([]string, 0, len(results))
	for _, r := range results {
		var text string
		if err := json.Unmarshal(r.Result, &text); err != nil {
			var pretty bytes.Buffer
			if json.Indent(&pretty, r.Result, "", "  ") == nil {
				text = pretty.String()
			} else {
				text = string(r.Result)
			}
		}
		sections = append(sections, fmt.Sprintf("%s (%s):\n%s", r.Filename, r.ID, text))
	}
	return strings.Join(sections, "\n\n")
}
