// Command wordcount is a worked example of the engine: it streams lines of
// text as records, tallies word counts in chunks of 4 lines, and merges the
// chunk tallies 8 at a time, demonstrating a two-step aggregator chain with
// a real fan-in. Inputs smaller than the pipeline fan-in are flushed by the
// drain, so short files still produce a single merged tally.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/flowforge/stepflow"
)

// lineSource adapts a bufio.Scanner to stepflow.Source: each line becomes
// one record, addressed by its ordinal position. The engine pulls from
// several pump workers at once, so reads are serialized.
type lineSource struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
	n       int
}

func newLineSource(r *os.File) *lineSource {
	return &lineSource{scanner: bufio.NewScanner(r)}
}

func (s *lineSource) GetNext(ctx context.Context) (stepflow.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.scanner.Scan() {
		return stepflow.Record{}, false, s.scanner.Err()
	}
	s.n++
	return stepflow.Record{Id: "line-" + strconv.Itoa(s.n), Payload: s.scanner.Text()}, true, nil
}

// tally is the chunk-level word count, output_payload of the first step.
type tally map[string]int

func countWords(acc []interface{}) (interface{}, error) {
	out := make(tally)
	for _, payload := range acc {
		line, _ := payload.(string)
		for _, word := range strings.Fields(line) {
			out[strings.ToLower(word)]++
		}
	}
	return out, nil
}

// totals accumulates every merged tally the terminal step produces; the
// engine drops the terminal output payload after finalization, so the
// example folds it into shared state instead.
type totals struct {
	mu  sync.Mutex
	all tally
}

func (t *totals) merge(acc []interface{}) (interface{}, error) {
	merged := make(tally)
	for _, payload := range acc {
		chunk, _ := payload.(tally)
		for word, n := range chunk {
			merged[word] += n
		}
	}
	t.mu.Lock()
	for word, n := range merged {
		t.all[word] += n
	}
	t.mu.Unlock()
	return merged, nil
}

func (t *totals) print(w *os.File, limit int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	words := make([]string, 0, len(t.all))
	for word := range t.all {
		words = append(words, word)
	}
	sort.Slice(words, func(i, j int) bool {
		if t.all[words[i]] != t.all[words[j]] {
			return t.all[words[i]] > t.all[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > limit {
		words = words[:limit]
	}
	for _, word := range words {
		fmt.Fprintf(w, "%6d %s\n", t.all[word], word)
	}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: wordcount <path>")
		os.Exit(1)
	}
	f, err := os.Open(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()

	sum := &totals{all: make(tally)}
	chunkStep := stepflow.NewStep("count_words", 4, countWords)
	reduceStep := stepflow.NewStep("merge_tallies", 8, sum.merge)

	job, err := stepflow.New("wordcount").
		Source(newLineSource(f)).
		ConcurrencyMultiplier(1).
		AddStep(chunkStep, reduceStep).
		Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "build:", err)
		os.Exit(1)
	}

	if err := job.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "run:", err)
		os.Exit(1)
	}

	sum.print(os.Stdout, 20)
}
