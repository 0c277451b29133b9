package sheets

import (
	"fmt"
	"strconv"
	"strings"
)

// columnName converts a zero-based column index to its letter form (0 → A, 26 → AA).
func columnName(col int) string {
	name := ""
	for col >= 0 {
		name = string(rune('A'+col%26)) + name
		col = col/26 - 1
	}
	return name
}

// columnIndex is the inverse of columnName. It returns -1 for invalid input.
func columnIndex(letters string) int {
	if letters == "" {
		return -1
	}
	idx := 0
	for _, r := range strings.ToUpper(letters) {
		if r < 'A' || r > 'Z' {
			return -1
		}
		idx = idx*26 + int(r-'A'+1)
	}
	return idx - 1
}

func quoteSheet(sheet string) string {
	return "'" + strings.ReplaceAll(sheet, "'", "''") + "'"
}

// cellRange renders a rectangular A1 range on sheet. Rows are one-based.
func cellRange(sheet string, fromCol, fromRow, toCol, toRow int) string {
	return fmt.Sprintf("%s!%s%d:%s%d", quoteSheet(sheet), columnName(fromCol), fromRow, columnName(toCol), toRow)
}

// cell is a single A1 reference. col is -1 and row is 0 when that part is absent.
type cell struct {
	col int
	row int
}

// parseCell reads references like "C5", "C", or "5".
func parseCell(ref string) (cell, error) {
	i := 0
	for i < len(ref) && (ref[i] >= 'A' && ref[i] <= 'Z' || ref[i] >= 'a' && ref[i] <= 'z') {
		i++
	}
	c := cell{col: columnIndex(ref[:i])}
	if i < len(ref) {
		row, err := strconv.Atoi(ref[i:])
		if err != nil || row < 1 {
			return cell{}, fmt.Errorf("invalid cell reference %q", ref)
		}
		c.row = row
	}
	if c.col < 0 && c.row == 0 {
		return cell{}, fmt.Errorf("invalid cell reference %q", ref)
	}
	return c, nil
}

// splitRange separates "'Sheet'!A1:B2" into its sheet and two corners.
// A single-cell range returns the same cell twice.
func splitRange(rng string) (sheet string, from, to cell, err error) {
	refs := rng
	if i := strings.LastIndex(rng, "!"); i >= 0 {
		sheet = strings.ReplaceAll(strings.Trim(rng[:i], "'"), "''", "'")
		refs = rng[i+1:]
	}
	left, right, found := strings.Cut(refs, ":")
	if from, err = parseCell(left); err != nil {
		return "", cell{}, cell{}, err
	}
	if !found {
		return sheet, from, from, nil
	}
	if to, err = parseCell(right); err != nil {
		return "", cell{}, cell{}, err
	}
	return sheet, from, to, nil
}
