package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

// apiToken logs in with the configured credentials, or returns the
// pre-issued token when one is set.
func apiToken() (string, error) {
	if token != "" {
		return token, nil
	}

	url := strings.TrimRight(endpoint, "/") + "/api/v1/auth/login"
	payload := map[string]string{"username": username, "password": password}
	data, _ := json.Marshal(payload)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", fmt.Errorf("login failed: HTTP %d", resp.StatusCode)
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	// cache for the rest of this invocation
	token = result.Token
	return result.Token, nil
}

// apiRequest makes an authenticated staff API request.
func apiRequest(method, path string, body io.Reader) (*http.Response, error) {
	tok, err := apiToken()
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(endpoint, "/") + "/api/v1" + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

// apiJSON performs a request, fails on non-2xx, and decodes into out
// when out is non-nil.
func apiJSON(method, path string, body interface{}, out interface{}) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			fatal("encode request: " + err.Error())
		}
		reader = bytes.NewReader(data)
	}

	resp, err := apiRequest(method, path, reader)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			fatal(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, apiErr.Error))
		}
		fatal(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(raw)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fatal("parse response: " + err.Error())
		}
	}
}

// printTable prints data in a formatted table.
func printTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(headers)))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

// parseFieldArgs turns field=value arguments into the submit body.
// Values are typed by inspection: booleans, numbers, RFC3339 times,
// everything else a string.
func parseFieldArgs(args []string) (map[string]interface{}, map[string]string, error) {
	set := make(map[string]interface{})
	setTimes := make(map[string]string)
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		switch {
		case value == "true" || value == "false":
			set[name] = value == "true"
		case isNumeric(value):
			n, _ := strconv.ParseFloat(value, 64)
			set[name] = n
		case isRFC3339(value):
			setTimes[name] = value
		default:
			set[name] = value
		}
	}
	return set, setTimes, nil
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func isRFC3339(s string) bool {
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}

func formatUnixNanos(n int64) string {
	if n == 0 {
		return "-"
	}
	return time.Unix(0, n).Local().Format("2006-01-02 15:04:05")
}

func formatUnixSecs(n int64) string {
	if n == 0 {
		return "-"
	}
	return time.Unix(n, 0).Local().Format("2006-01-02 15:04:05")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
