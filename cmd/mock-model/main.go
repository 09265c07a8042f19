// Package main implements a mock text-generation server for local
// development and wiring tests. It serves OpenAI-compatible
// /v1/chat/completions responses from JSON fixture files so a full
// blueprint pipeline can run fast, deterministically, and offline.
//
// Usage:
//
//	mock-model -fixtures ./fixtures -port 11434
//
// Fixtures are named by model ("planner.json" answers model "planner");
// requests for an unknown model fall back to "default". Numbered files
// ("default.1.json" ... "default.7.json") are served in call order, which is
// how a seven-step pipeline run against a single model gets a distinct
// document per step. After the numbered sequence is exhausted the last
// fixture repeats.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const fallbackModel = "default"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// capturedCall records an incoming request for prompt verification.
type capturedCall struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"`
	Timestamp int64         `json:"timestamp"`
}

type mockServer struct {
	fixtures map[string][]string // model name → ordered fixture contents

	mu    sync.Mutex
	calls map[string]int // model name → calls served
	log   []capturedCall
}

func newMockServer(fixtures map[string][]string) *mockServer {
	return &mockServer{
		fixtures: fixtures,
		calls:    make(map[string]int),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	if envDir := os.Getenv("MOCK_MODEL_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
	}
	log.Printf("Loaded %d model(s) from %s", len(fixtures), *fixtureDir)
	for model, seq := range fixtures {
		log.Printf("  model: %s (%d fixture(s))", model, len(seq))
	}

	s := newMockServer(fixtures)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /requests", s.handleRequests)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock model server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *mockServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *mockServer) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	seq, ok := s.fixtures[req.Model]
	if !ok {
		seq, ok = s.fixtures[fallbackModel]
	}
	if !ok {
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}

	s.mu.Lock()
	callIndex := s.calls[req.Model]
	s.calls[req.Model] = callIndex + 1
	s.log = append(s.log, capturedCall{
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: callIndex + 1,
		Timestamp: time.Now().UnixMilli(),
	})
	s.mu.Unlock()

	content := seq[len(seq)-1]
	if callIndex < len(seq) {
		content = seq[callIndex]
	}

	log.Printf("model=%s call=%d/%d messages=%d", req.Model, callIndex+1, len(seq), len(req.Messages))

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Message:      chatMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleRequests returns every captured request, for asserting on prompts
// in wiring tests.
func (s *mockServer) handleRequests(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	calls := make([]capturedCall, len(s.log))
	copy(calls, s.log)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"requests": calls, "total": len(calls)})
}

var seqFixture = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads the fixture directory into model → ordered contents.
// "name.json" is a single (or trailing) fixture; "name.N.json" files sort
// numerically before it.
func loadFixtures(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type numbered struct {
		n       int
		content string
	}
	sequences := make(map[string][]numbered)
	trailing := make(map[string]string)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read fixture %s: %w", name, err)
		}

		if m := seqFixture.FindStringSubmatch(name); m != nil {
			n, err := strconv.Atoi(m[2])
			if err != nil {
				return nil, fmt.Errorf("fixture %s: bad sequence number", name)
			}
			sequences[m[1]] = append(sequences[m[1]], numbered{n: n, content: string(data)})
			continue
		}
		trailing[strings.TrimSuffix(name, ".json")] = string(data)
	}

	fixtures := make(map[string][]string)
	for model, seq := range sequences {
		sort.Slice(seq, func(i, j int) bool { return seq[i].n < seq[j].n })
		for _, f := range seq {
			fixtures[model] = append(fixtures[model], f.content)
		}
	}
	for model, content := range trailing {
		fixtures[model] = append(fixtures[model], content)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixtures in %s", dir)
	}
	return fixtures, nil
}
