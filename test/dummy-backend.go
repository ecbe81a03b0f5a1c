package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
)

// Minimal downstream service for exercising the gateway locally
func main() {
	port := flag.String("port", "3001", "listen port")
	fail := flag.Bool("fail", false, "answer every request with a 500")
	flag.Parse()

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Received request: %s %s (request id %s)", r.Method, r.URL.Path, r.Header.Get("X-Gateway-Request-Id"))

		w.Header().Set("Content-Type", "application/json")
		if *fail {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "simulated failure"})
			return
		}

		json.NewEncoder(w).Encode(map[string]string{
			"message": "Hello from dummy backend on port " + *port,
			"path":    r.URL.Path,
			"version": r.Header.Get("X-API-Version"),
			"service": r.Header.Get("X-Gateway-Service"),
		})
	})

	log.Printf("Dummy backend starting on :%s", *port)
	if err := http.ListenAndServe(":"+*port, nil); err != nil {
		log.Fatal(err)
	}
}
