// Package main provides a deliberately unreliable test upstream for
// exercising the relay's call gates. It can return fixed status codes,
// fail a configurable fraction of requests, and add artificial latency,
// all tunable at runtime.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// failurePermille is the probability of a 500 response in tenths of a
// percent (0..1000). Atomic so /__chaos updates race safely with requests.
var failurePermille atomic.Int64

// latencyMs is artificial delay added to every response.
var latencyMs atomic.Int64

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "flaky", "service name")
	failRate := flag.Float64("fail-rate", 0, "initial fraction of requests to fail (0..1)")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}
	failurePermille.Store(int64(*failRate * 1000))

	// /__status/{code} returns an arbitrary HTTP status code.
	// Example: GET /__status/503 → 503 Service Unavailable
	http.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		writeJSON(w, code, map[string]interface{}{
			"service":        *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	// /__chaos?fail_rate=0.8&latency_ms=200 adjusts behavior at runtime.
	// Setting fail_rate=1 trips a relay gate within failure_threshold
	// requests; fail_rate=0 lets its probes succeed again.
	http.HandleFunc("/__chaos", func(w http.ResponseWriter, r *http.Request) {
		if v := r.URL.Query().Get("fail_rate"); v != "" {
			rate, err := strconv.ParseFloat(v, 64)
			if err != nil || rate < 0 || rate > 1 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fail_rate must be in [0,1]"})
				return
			}
			failurePermille.Store(int64(rate * 1000))
		}
		if v := r.URL.Query().Get("latency_ms"); v != "" {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil || ms < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "latency_ms must be non-negative"})
				return
			}
			latencyMs.Store(ms)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"fail_rate":  float64(failurePermille.Load()) / 1000,
			"latency_ms": latencyMs.Load(),
		})
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if ms := latencyMs.Load(); ms > 0 {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		}

		if rand.Int63n(1000) < failurePermille.Load() {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"service": *name,
				"error":   "injected failure",
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"service":     *name,
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"headers":     flattenHeaders(r.Header),
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s (fail_rate=%.2f)", *name, addr, *failRate)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}
