// Command detectctl sends an image to a running detection server and prints
// the boxes it finds.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

type detection struct {
	XYXY [4]float32 `json:"xyxy"`
	Conf float32    `json:"conf"`
	Cls  int        `json:"cls"`
	Name string     `json:"name"`
}

type response struct {
	Boxes []detection `json:"boxes"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func main() {
	server := flag.String("server", "http://127.0.0.1:8080", "detection server base URL")
	model := flag.String("model", "yolo", "model name")
	raw := flag.Bool("json", false, "print the raw JSON response")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <image>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*server, *model, flag.Arg(0), *raw, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "detectctl: %v\n", err)
		os.Exit(1)
	}
}

func run(server, model, path string, raw bool, timeout time.Duration) error {
	img, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var result response
	var apiErr errorResponse
	resp, err := resty.New().
		SetTimeout(timeout).
		R().
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(img).
		SetResult(&result).
		SetError(&apiErr).
		Post(fmt.Sprintf("%s/predictions/%s", server, model))
	if err != nil {
		return err
	}
	if resp.IsError() {
		if apiErr.Code != "" {
			return fmt.Errorf("%s (%s): %s %s", resp.Status(), apiErr.Code, apiErr.Message, apiErr.Details)
		}
		return fmt.Errorf("%s", resp.Status())
	}

	if raw {
		fmt.Println(string(resp.Body()))
		return nil
	}

	fmt.Printf("%d objects (request %s)\n", len(result.Boxes), resp.Header().Get("X-Request-ID"))
	for _, d := range result.Boxes {
		fmt.Printf("  %-16s %.2f  [%.1f %.1f %.1f %.1f]\n", d.Name, d.Conf, d.XYXY[0], d.XYXY[1], d.XYXY[2], d.XYXY[3])
	}
	return nil
}
