package assemble

// Ratio measures character-level similarity between two strings as
// 2*M/T, where M is the total length of the matching blocks found by
// repeatedly taking the longest common substring and recursing into the
// unmatched flanks, and T is the combined length. 1 means identical, 0
// means nothing in common. Two empty strings count as identical.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	return 2 * float64(matchedChars(ra, rb)) / float64(total)
}

type window struct {
	alo, ahi, blo, bhi int
}

func matchedChars(a, b []rune) int {
	// Positions of every rune in b, ascending, looked up per rune of a.
	b2j := make(map[rune][]int, len(b))
	for j, r := range b {
		b2j[r] = append(b2j[r], j)
	}

	matched := 0
	queue := []window{{0, len(a), 0, len(b)}}
	for len(queue) > 0 {
		w := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		i, j, k := longestMatch(a, b2j, w)
		if k == 0 {
			continue
		}
		matched += k
		queue = append(queue,
			window{w.alo, i, w.blo, j},
			window{i + k, w.ahi, j + k, w.bhi},
		)
	}
	return matched
}

// longestMatch finds the longest run of runes common to a[w.alo:w.ahi] and
// b[w.blo:w.bhi]. Earliest start in a wins ties, then earliest start in b.
func longestMatch(a []rune, b2j map[rune][]int, w window) (besti, bestj, bestsize int) {
	besti, bestj = w.alo, w.blo
	j2len := make(map[int]int)
	for i := w.alo; i < w.ahi; i++ {
		next := make(map[int]int)
		for _, j := range b2j[a[i]] {
			if j < w.blo {
				continue
			}
			if j >= w.bhi {
				break
			}
			k := j2len[j-1] + 1
			next[j] = k
			if k > bestsize {
				besti, bestj, bestsize = i-k+1, j-k+1, k
			}
		}
		j2len = next
	}
	return besti, bestj, bestsize
}
