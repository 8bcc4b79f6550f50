package main

import (
	"bufio"
	"os"
	"strconv"

	"github.com/lab/crystalline/internal/runtime"
	"github.com/lab/crystalline/internal/training"
)

// stdinBatchSource reads whitespace-separated token ids from stdin and
// groups them into fixed-length windows of contextLen, predicting the next
// token at each position. Tokenization itself — turning raw text into
// integer ids — is an external collaborator's job; this only assembles
// already-tokenized ids into batches.
func stdinBatchSource(contextLen int) training.BatchSource {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(bufio.ScanWords)

	var window []int
	return training.BatchSourceFunc(func() (runtime.Batch, bool) {
		for len(window) < contextLen+1 {
			if !scanner.Scan() {
				return runtime.Batch{}, false
			}
			id, err := strconv.Atoi(scanner.Text())
			if err != nil {
				continue
			}
			window = append(window, id)
		}
		tokens := append([]int(nil), window[:contextLen]...)
		targets := append([]int(nil), window[1:contextLen+1]...)
		window = window[1:]
		return runtime.Batch{Tokens: tokens, Targets: targets}, true
	})
}
