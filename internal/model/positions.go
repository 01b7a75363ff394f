package model

// PositionIDs derives position ids from an attention mask as the running
// count of attended positions minus one. Masked positions get 1. Models use
// it so that a left-padded row sees the same positions as its unpadded
// counterpart.
func PositionIDs(mask []int) []int {
	pos := make([]int, len(mask))
	count := 0
	for i, m := range mask {
		count += m
		if m == 0 {
			pos[i] = 1
			continue
		}
		pos[i] = count - 1
	}
	return pos
}

// OnesMask returns a mask of rows×n ones.
func OnesMask(rows, n int) [][]int {
	out := make([][]int, rows)
	for i := range out {
		out[i] = make([]int, n)
		for j := range out[i] {
			out[i][j] = 1
		}
	}
	return out
}
