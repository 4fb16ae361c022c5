// Command scanctl is a thin CLI client for manually exercising the scan
// engine's HTTP contract (C3) against a running consumer process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	defaultAddr := getenv("PATTERNRELAY_ADDR", "http://localhost:8080")

	root := flag.NewFlagSet("scanctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "consumer base URL (default env PATTERNRELAY_ADDR)")
	timeoutFlag := root.Duration("timeout", 5*time.Second, "HTTP request timeout")
	symbolsFlag := root.String("symbols", "", "comma-separated symbol filter")
	patternsFlag := root.String("patterns", "", "comma-separated pattern_type filter")
	confMinFlag := root.Float64("confidence-min", 0, "minimum confidence (0 to use server default)")
	sortByFlag := root.String("sort-by", "", "sort field: confidence, detected_at, symbol, rs, volume")
	sortOrderFlag := root.String("sort-order", "", "asc or desc")
	pageFlag := root.Int("page", 0, "page number (1-indexed)")
	perPageFlag := root.Int("per-page", 0, "results per page")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	httpClient := &http.Client{Timeout: *timeoutFlag}
	query := url.Values{}
	if *symbolsFlag != "" {
		query.Set("symbols", *symbolsFlag)
	}
	if *patternsFlag != "" {
		query.Set("pattern_types", *patternsFlag)
	}
	if *confMinFlag > 0 {
		query.Set("confidence_min", fmt.Sprintf("%g", *confMinFlag))
	}
	if *sortByFlag != "" {
		query.Set("sort_by", *sortByFlag)
	}
	if *sortOrderFlag != "" {
		query.Set("sort_order", *sortOrderFlag)
	}
	if *pageFlag > 0 {
		query.Set("page", strconv.Itoa(*pageFlag))
	}
	if *perPageFlag > 0 {
		query.Set("per_page", strconv.Itoa(*perPageFlag))
	}

	endpoint := strings.TrimRight(*addrFlag, "/") + "/patterns/scan"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("scan request returned %d: %s", resp.StatusCode, string(body))
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	encoded, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(encoded))
	return nil
}

func usageError(err error) error {
	return errors.New("usage: scanctl [-addr URL] [-symbols A,B] [-patterns X,Y] [-confidence-min N] [-sort-by FIELD] [-sort-order asc|desc] [-page N] [-per-page N]: " + err.Error())
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

