package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080/api", "API base URL")
	username := flag.String("user", "admin", "login username")
	password := flag.String("password", "", "login password")
	requestTypeID := flag.String("type", "", "request type to submit")
	numRequests := flag.Int("n", 1000, "number of requests")
	concurrentWorkers := flag.Int("c", 50, "concurrent workers")
	flag.Parse()

	if *requestTypeID == "" || *password == "" {
		log.Fatal("-type and -password are required")
	}

	token, err := login(*baseURL, *username, *password)
	if err != nil {
		log.Fatal("login failed: ", err)
	}

	var successCount int64
	var quotaCount int64
	var errorCount int64
	var wg sync.WaitGroup

	startTime := time.Now()

	jobs := make(chan int, *numRequests)
	results := make(chan int, *numRequests)

	// start workers
	for w := 0; w < *concurrentWorkers; w++ {
		wg.Add(1)
		go worker(w, jobs, results, *baseURL, token, *requestTypeID, &wg)
	}

	// send jobs
	for j := 0; j < *numRequests; j++ {
		jobs <- j
	}
	close(jobs)

	wg.Wait()
	close(results)

	for status := range results {
		switch {
		case status >= 200 && status < 300:
			atomic.AddInt64(&successCount, 1)
		case status == http.StatusTooManyRequests:
			atomic.AddInt64(&quotaCount, 1)
		default:
			atomic.AddInt64(&errorCount, 1)
		}
	}

	duration := time.Since(startTime)
	requestsPerSecond := float64(*numRequests) / duration.Seconds()

	fmt.Println("Load Test Results:")
	fmt.Println("==================")
	fmt.Printf("Total Requests: %d\n", *numRequests)
	fmt.Printf("Accepted: %d\n", successCount)
	fmt.Printf("Quota Exhausted: %d\n", quotaCount)
	fmt.Printf("Failed: %d\n", errorCount)
	fmt.Printf("Duration: %v\n", duration)
	fmt.Printf("Requests/sec: %.2f\n", requestsPerSecond)
	fmt.Printf("Acceptance Rate: %.2f%%\n",
		float64(successCount)/float64(*numRequests)*100)
}

func login(baseURL, username, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(baseURL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, gjson.GetBytes(buf.Bytes(), "error.message").String())
	}
	return gjson.GetBytes(buf.Bytes(), "token").String(), nil
}

func worker(
	id int,
	jobs <-chan int,
	results chan<- int,
	baseURL, token, requestTypeID string,
	wg *sync.WaitGroup,
) {
	defer wg.Done()

	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	for j := range jobs {
		payload := map[string]interface{}{
			"request_type_id": requestTypeID,
			"parameters":      map[string]interface{}{"seq": j},
		}

		jsonData, _ := json.Marshal(payload)

		req, err := http.NewRequest(
			"POST",
			baseURL+"/requests",
			bytes.NewBuffer(jsonData),
		)
		if err != nil {
			results <- 0
			continue
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := client.Do(req)
		if err != nil {
			log.Printf("Worker %d error: %v\n", id, err)
			results <- 0
			continue
		}
		resp.Body.Close()

		results <- resp.StatusCode

		time.Sleep(10 * time.Millisecond)
	}
}
