//go:build ignore
// +build ignore

// Package main provides a manual concurrency stress test for the borrow-request API.
//
// Usage:
//
//	go run ./scripts/concurrency_test.go <book_id> <student_email> <password> [attempts]
//
// Or use the convenience environment variables:
//
//	BOOK_ID=<uuid>  STUDENT_EMAIL=rahul@campus.edu  STUDENT_PASSWORD=...  ATTEMPTS=25  go run ./scripts/concurrency_test.go
//
// What it does:
//  1. Logs in as the student, then fires N goroutines all requesting the same book simultaneously.
//  2. Prints how many were created (201) and how many were rejected as duplicates (409).
//  3. Lists the student's requests and checks at most one is active for the book.
//
// Prerequisites:
//   - Server must be running (SERVER_URL, default http://localhost:8080).
//   - The book must exist and the student must have no active request for it.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

const defaultServerURL = "http://localhost:8080"

type requestResult struct {
	Attempt    int
	StatusCode int
	Err        error
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

type loanView struct {
	BookID string `json:"bookId"`
	Status string `json:"status"`
}

func main() {
	serverURL := os.Getenv("SERVER_URL")
	if serverURL == "" {
		serverURL = defaultServerURL
	}

	bookID := os.Getenv("BOOK_ID")
	email := os.Getenv("STUDENT_EMAIL")
	password := os.Getenv("STUDENT_PASSWORD")
	attempts := 20
	if v, err := strconv.Atoi(os.Getenv("ATTEMPTS")); err == nil && v > 0 {
		attempts = v
	}

	args := os.Args[1:]
	if len(args) >= 1 {
		bookID = args[0]
	}
	if len(args) >= 3 {
		email, password = args[1], args[2]
	}
	if len(args) >= 4 {
		if v, err := strconv.Atoi(args[3]); err == nil && v > 0 {
			attempts = v
		}
	}

	if bookID == "" || email == "" || password == "" {
		log.Fatal("Usage: BOOK_ID=<uuid> STUDENT_EMAIL=<email> STUDENT_PASSWORD=<pw> [ATTEMPTS=n] go run ./scripts/concurrency_test.go\n" +
			"  or: go run ./scripts/concurrency_test.go <book_id> <student_email> <password> [attempts]")
	}

	session, err := login(serverURL, email, password)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}
	studentID := session.UserID

	fmt.Printf("=== Borrow Request Concurrency Test ===\n")
	fmt.Printf("Server   : %s\n", serverURL)
	fmt.Printf("Book     : %s\n", bookID)
	fmt.Printf("Student  : %s\n", studentID)
	fmt.Printf("Attempts : %d\n\n", attempts)

	results := make([]requestResult, attempts)
	var wg sync.WaitGroup

	// Fire all goroutines simultaneously using a barrier.
	start := make(chan struct{})

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			results[idx] = attemptRequest(serverURL, bookID, session.Token, idx)
		}(i)
	}

	fmt.Println("Firing all requests simultaneously...")
	close(start)

	wg.Wait()
	fmt.Println("All requests completed.")

	var created, duplicates, failures int
	for _, r := range results {
		switch {
		case r.Err != nil:
			failures++
			fmt.Printf("  [ERR ] attempt=%-3d err=%v\n", r.Attempt, r.Err)
		case r.StatusCode == http.StatusCreated:
			created++
			fmt.Printf("  [NEW ] attempt=%-3d status=%d\n", r.Attempt, r.StatusCode)
		case r.StatusCode == http.StatusConflict:
			duplicates++
		default:
			failures++
			fmt.Printf("  [FAIL] attempt=%-3d status=%d unexpected response\n", r.Attempt, r.StatusCode)
		}
	}

	fmt.Printf("\n--- Summary ---\n")
	fmt.Printf("Created    : %d\n", created)
	fmt.Printf("Duplicates : %d\n", duplicates)
	fmt.Printf("Failures   : %d\n", failures)
	fmt.Printf("Total      : %d\n\n", attempts)

	fmt.Println("--- Invariant Check ---")
	active, err := countActive(serverURL, bookID, studentID, session.Token)
	if err != nil {
		log.Fatalf("could not list requests: %v", err)
	}
	fmt.Printf("Active requests for (%s, %s): %d\n", studentID, bookID, active)

	if created != 1 || active != 1 || failures > 0 {
		fmt.Println("\n[FAIL] expected exactly one created request and one active record.")
		os.Exit(1)
	}
	fmt.Println("\n[OK] exactly one active request survived the race.")
}

// login exchanges the student's credentials for a bearer token.
func login(serverURL, email, password string) (*loginResponse, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(serverURL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// attemptRequest sends POST /borrow-requests as the logged-in student.
func attemptRequest(serverURL, bookID, token string, attempt int) requestResult {
	body, _ := json.Marshal(map[string]string{"bookId": bookID})
	req, err := http.NewRequest(http.MethodPost, serverURL+"/borrow-requests", bytes.NewReader(body))
	if err != nil {
		return requestResult{Attempt: attempt, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return requestResult{Attempt: attempt, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return requestResult{Attempt: attempt, StatusCode: resp.StatusCode}
}

// countActive lists the student's requests and counts Requested/Borrowed ones for the book.
func countActive(serverURL, bookID, studentID, token string) (int, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/students/%s/borrow-requests", serverURL, studentID), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}

	var views []loanView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		return 0, err
	}
	active := 0
	for _, v := range views {
		if v.BookID == bookID && (v.Status == "Requested" || v.Status == "Borrowed") {
			active++
		}
	}
	return active, nil
}
