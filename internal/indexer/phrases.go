package indexer

import (
	"strings"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/trie"
)

// Phrases splits text on whitespace into k words and returns every
// contiguous run of words joined by a single space, k(k+1)/2 in total.
// Phrases starting at the same word are returned shortest first.
func Phrases(text string) []string {
	words := strings.Fields(text)
	k := len(words)
	if k == 0 {
		return nil
	}
	out := make([]string, 0, k*(k+1)/2)
	var sb strings.Builder
	for i := 0; i < k; i++ {
		sb.Reset()
		for j := i; j < k; j++ {
			if j > i {
				sb.WriteByte(' ')
			}
			sb.WriteString(words[j])
			out = append(out, sb.String())
		}
	}
	return out
}

// IndexText adds every phrase of text to t under id and returns how many
// phrases were added.
func IndexText(t *trie.Trie, text string, id uint32) int {
	phrases := Phrases(text)
	for _, p := range phrases {
		t.Add(p, id)
	}
	return len(phrases)
}
