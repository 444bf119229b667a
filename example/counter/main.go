package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// counter: a minimal supervised application. It receives its last state as
// the final argument, counts up a few times and prints each new state.
//
//	go build -o counter ./example/counter
//	statekeep run ./counter
type counterState struct {
	Count   int       `json:"count"`
	Updated time.Time `json:"updated"`
}

func main() {
	var st counterState
	if len(os.Args) > 1 {
		if err := json.Unmarshal([]byte(os.Args[len(os.Args)-1]), &st); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "counter: ignoring unreadable state:", err)
		}
	}
	_, _ = fmt.Fprintf(os.Stderr, "counter: resuming at %d\n", st.Count)

	enc := json.NewEncoder(os.Stdout)
	for i := 0; i < 3; i++ {
		st.Count++
		st.Updated = time.Now().UTC()
		if err := enc.Encode(st); err != nil {
			os.Exit(1)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
