package ticket

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type TicketType string

const (
	TicketTypeParent     TicketType = "parent"
	TicketTypeChild      TicketType = "child"
	TicketTypeGrandchild TicketType = "grandchild"
	TicketTypeUnknown    TicketType = "unknown"
)

var numericSegment = regexp.MustCompile(`^\d+$`)

// minSuffixWidths holds the zero-padded widths of the parent, child and
// grandchild sequence numbers, in that order.
var minSuffixWidths = [...]int{4, 2, 3}

// GetTicketType classifies an ID by its numeric suffixes alone; it never
// consults the store. Every trailing all-digit segment counts as a suffix,
// so a project id may not itself end in one.
func GetTicketType(id string) TicketType {
	parts := strings.Split(id, "-")
	n := 0
	for i := len(parts) - 1; i > 0 && numericSegment.MatchString(parts[i]); i-- {
		n++
	}
	if n == 0 || n > len(minSuffixWidths) || (n == len(parts)-1 && parts[0] == "") {
		return TicketTypeUnknown
	}
	suffixes := parts[len(parts)-n:]
	for i, seg := range suffixes {
		if len(seg) < minSuffixWidths[i] {
			return TicketTypeUnknown
		}
	}
	switch n {
	case 1:
		return TicketTypeParent
	case 2:
		return TicketTypeChild
	default:
		return TicketTypeGrandchild
	}
}

func parentID(projectID string, seq int) string {
	return fmt.Sprintf("%s-%04d", projectID, seq)
}

func childID(parentID string, seq int) string {
	return fmt.Sprintf("%s-%02d", parentID, seq)
}

func grandchildID(childID string, seq int) string {
	return fmt.Sprintf("%s-%03d", childID, seq)
}

// splitLast returns the owner prefix and numeric sequence of an ID.
func splitLast(id string) (string, int, bool) {
	idx := strings.LastIndex(id, "-")
	if idx <= 0 || idx == len(id)-1 {
		return "", 0, false
	}
	seq, err := strconv.Atoi(id[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return id[:idx], seq, true
}

// ProjectOf recovers the project id from any ticket id by dropping its
// numeric suffixes.
func ProjectOf(id string) (string, error) {
	depth := map[TicketType]int{TicketTypeParent: 1, TicketTypeChild: 2, TicketTypeGrandchild: 3}[GetTicketType(id)]
	if depth == 0 {
		return "", fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	project := id
	for i := 0; i < depth; i++ {
		prefix, _, ok := splitLast(project)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrTicketNotFound, id)
		}
		project = prefix
	}
	return project, nil
}
