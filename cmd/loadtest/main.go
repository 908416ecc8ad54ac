// Command loadtest issues concurrent GET requests against a URL and reports
// the request rate.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	url := flag.String("url", "", "URL to request")
	threads := flag.Int("threads", 16, "number of concurrent clients")
	requests := flag.Int("requests", 10000, "requests per client")
	timeout := flag.Duration("timeout", 5*time.Second, "per-request timeout")
	flag.Parse()

	if *url == "" || *threads <= 0 || *requests <= 0 {
		flag.Usage()
		os.Exit(2)
	}

	client := &fasthttp.Client{
		MaxConnsPerHost: *threads,
	}

	var (
		done   atomic.Int64
		failed atomic.Int64
	)

	start := time.Now()

	var g errgroup.Group
	for i := 0; i < *threads; i++ {
		g.Go(func() error {
			req := fasthttp.AcquireRequest()
			resp := fasthttp.AcquireResponse()
			defer fasthttp.ReleaseRequest(req)
			defer fasthttp.ReleaseResponse(resp)

			req.SetRequestURI(*url)
			for j := 0; j < *requests; j++ {
				if err := client.DoTimeout(req, resp, *timeout); err != nil || resp.StatusCode() != fasthttp.StatusOK {
					failed.Add(1)
				}
				if done.Add(1)%1000 == 0 {
					fmt.Print(".")
				}
			}
			return nil
		})
	}
	g.Wait()

	elapsed := time.Since(start)
	total := done.Load()
	fmt.Println()
	fmt.Printf("Total requests: %d\n", total)
	fmt.Printf("Failed:         %d\n", failed.Load())
	fmt.Printf("Elapsed:        %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Requests/sec:   %.0f\n", float64(total)/elapsed.Seconds())

	if failed.Load() > 0 {
		os.Exit(1)
	}
}
