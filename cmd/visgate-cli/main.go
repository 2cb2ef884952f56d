// Command visgate-cli is a thin wrapper around the gateway's public HTTP
// API for scripted and interactive use, exiting with the status codes
// spec.md §6.1 defines for automation to branch on.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	exitOK         = 0
	exitUsage      = 1
	exitValidation = 2
	exitProvider   = 3
	exitTimeout    = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "deploy":
		return cmdDeploy(args[1:])
	case "get":
		return cmdGet(args[1:])
	case "delete":
		return cmdDelete(args[1:])
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `visgate-cli <command> [flags]

Commands:
  deploy   create a deployment and wait for it to become ready
  get      fetch the current state of a deployment
  delete   delete a deployment

Run "visgate-cli <command> -h" for command-specific flags.`)
}

type clientConfig struct {
	baseURL    string
	providerKey string
}

func commonFlags(fs *flag.FlagSet) *clientConfig {
	cfg := &clientConfig{}
	fs.StringVar(&cfg.baseURL, "url", envOr("VISGATE_URL", "http://localhost:8080"), "gateway base URL")
	fs.StringVar(&cfg.providerKey, "provider-key", os.Getenv("VISGATE_PROVIDER_KEY"), "GPU provider API key (or set VISGATE_PROVIDER_KEY)")
	return cfg
}

func cmdDeploy(args []string) int {
	fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
	cfg := commonFlags(fs)
	hfModelID := fs.String("model", "", "Hugging Face model id")
	gpuTier := fs.String("gpu-tier", "", "preferred GPU tier")
	webhookURL := fs.String("webhook", "", "webhook URL notified on readiness")
	hfToken := fs.String("hf-token", os.Getenv("VISGATE_HF_TOKEN"), "Hugging Face access token")
	wait := fs.Bool("wait", true, "poll until the deployment reaches a terminal or ready status")
	timeout := fs.Duration("timeout", 20*time.Minute, "max time to wait with -wait")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *hfModelID == "" || cfg.providerKey == "" {
		fmt.Fprintln(os.Stderr, "deploy requires -model and -provider-key")
		return exitUsage
	}

	body := map[string]any{
		"hf_model_id":      *hfModelID,
		"user_webhook_url": *webhookURL,
	}
	if *gpuTier != "" {
		body["gpu_tier"] = *gpuTier
	}
	if *hfToken != "" {
		body["hf_token"] = *hfToken
	}

	var resp struct {
		DeploymentID string `json:"deployment_id"`
		Status       string `json:"status"`
	}
	status, err := doJSON(cfg, http.MethodPost, "/v1/deployments", body, &resp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitProvider
	}
	if status != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "deploy rejected: %d\n", status)
		return exitValidation
	}
	fmt.Println(resp.DeploymentID, resp.Status)

	if !*wait {
		return exitOK
	}
	return waitForTerminal(cfg, resp.DeploymentID, *timeout)
}

func waitForTerminal(cfg *clientConfig, id string, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var d map[string]any
		status, err := doJSON(cfg, http.MethodGet, "/v1/deployments/"+id, nil, &d)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitProvider
		}
		if status != http.StatusOK {
			return exitProvider
		}
		st, _ := d["status"].(string)
		fmt.Println(st)
		switch st {
		case "ready", "webhook_failed":
			return exitOK
		case "failed":
			return exitProvider
		case "timeout":
			return exitTimeout
		case "deleted":
			return exitOK
		}
		time.Sleep(5 * time.Second)
	}
	return exitTimeout
}

func cmdGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	cfg := commonFlags(fs)
	id := fs.String("id", "", "deployment id")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == "" || cfg.providerKey == "" {
		fmt.Fprintln(os.Stderr, "get requires -id and -provider-key")
		return exitUsage
	}

	var d map[string]any
	status, err := doJSON(cfg, http.MethodGet, "/v1/deployments/"+*id, nil, &d)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitProvider
	}
	if status != http.StatusOK {
		fmt.Fprintf(os.Stderr, "get failed: %d\n", status)
		return exitValidation
	}
	enc, _ := json.MarshalIndent(d, "", "  ")
	fmt.Println(string(enc))
	return exitOK
}

func cmdDelete(args []string) int {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	cfg := commonFlags(fs)
	id := fs.String("id", "", "deployment id")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == "" || cfg.providerKey == "" {
		fmt.Fprintln(os.Stderr, "delete requires -id and -provider-key")
		return exitUsage
	}

	status, err := doJSON(cfg, http.MethodDelete, "/v1/deployments/"+*id, nil, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitProvider
	}
	if status != http.StatusNoContent {
		fmt.Fprintf(os.Stderr, "delete failed: %d\n", status)
		return exitValidation
	}
	fmt.Println("deleted")
	return exitOK
}

func doJSON(cfg *clientConfig, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, cfg.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Provider-Api-Key", cfg.providerKey)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
