// Package tickets converts between markdown ticket files and stored tickets.
package tickets

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/levelup/internal/models"
)

// Entry is one ticket read from markdown.
type Entry struct {
	Title       string
	Description string
	Status      models.TicketStatus
	Metadata    map[string]any
}

var statusTag = regexp.MustCompile(`^\[([^\]]+)\]\s*`)

const (
	metadataOpen  = "<!--metadata"
	metadataClose = "-->"
)

func ParseFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tickets file: %w", err)
	}
	return Parse(string(data)), nil
}

// Parse reads "## [status] Title" sections. Text up to the next section is
// the description; fenced code is kept verbatim and never starts a section.
// A "<!--metadata ... -->" block inside a section holds YAML metadata;
// malformed metadata is dropped.
func Parse(text string) []Entry {
	var (
		entries   []Entry
		current   *Entry
		desc      []string
		inCode    bool
		inMeta    bool
		metaLines []string
	)

	flush := func() {
		if current != nil {
			current.Description = strings.TrimSpace(strings.Join(desc, "\n"))
			entries = append(entries, *current)
		}
		current = nil
		desc = nil
	}

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "```") {
			inCode = !inCode
			if current != nil && !inMeta {
				desc = append(desc, line)
			}
			continue
		}
		if inCode {
			if current != nil && !inMeta {
				desc = append(desc, line)
			}
			continue
		}

		if current != nil && trimmed == metadataOpen {
			inMeta = true
			metaLines = nil
			continue
		}
		if inMeta {
			if trimmed == metadataClose {
				inMeta = false
				current.Metadata = parseMetadata(metaLines)
				continue
			}
			metaLines = append(metaLines, line)
			continue
		}

		switch {
		case strings.HasPrefix(line, "## "):
			flush()
			current = heading(strings.TrimSpace(line[3:]))
		case current != nil:
			desc = append(desc, line)
		}
	}
	flush()
	return entries
}

func heading(text string) *Entry {
	e := &Entry{Title: text, Status: models.TicketStatusPending}
	if m := statusTag.FindStringSubmatchIndex(text); m != nil {
		st, err := models.ParseTicketStatus(text[m[2]:m[3]])
		if err == nil && st != models.TicketStatusPending {
			e.Status = st
			e.Title = strings.TrimSpace(text[m[1]:])
		}
	}
	return e
}

func parseMetadata(lines []string) map[string]any {
	if len(lines) == 0 {
		return nil
	}
	var meta map[string]any
	if err := yaml.Unmarshal([]byte(strings.Join(lines, "\n")), &meta); err != nil {
		return nil
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// Render writes tickets in the format Parse reads.
func Render(tickets []*models.Ticket) string {
	var b strings.Builder
	b.WriteString("# Tickets\n")
	for _, t := range tickets {
		b.WriteString("\n## ")
		if t.Status != "" && t.Status != models.TicketStatusPending {
			fmt.Fprintf(&b, "[%s] ", t.Status)
		}
		b.WriteString(t.Title)
		b.WriteString("\n")
		if len(t.Metadata) > 0 {
			if data, err := yaml.Marshal(sortedMap(t.Metadata)); err == nil {
				b.WriteString(metadataOpen + "\n")
				b.Write(data)
				b.WriteString(metadataClose + "\n")
			}
		}
		if t.Description != "" {
			b.WriteString("\n")
			b.WriteString(strings.TrimRight(t.Description, "\n"))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// sortedMap renders map keys in a stable order.
func sortedMap(m map[string]any) *yaml.Node {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range keys {
		var v yaml.Node
		if err := v.Encode(m[k]); err != nil {
			continue
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: k}, &v)
	}
	return node
}

// Store is where imported tickets are written.
type Store interface {
	AddTicket(ctx context.Context, projectPath, title, description string, metadata map[string]any) (*models.Ticket, error)
	SetTicketStatus(ctx context.Context, projectPath string, number int, status models.TicketStatus) error
}

// Import adds entries to the project in order and returns the created
// tickets.
func Import(ctx context.Context, store Store, projectPath string, entries []Entry) ([]*models.Ticket, error) {
	created := make([]*models.Ticket, 0, len(entries))
	for _, e := range entries {
		t, err := store.AddTicket(ctx, projectPath, e.Title, e.Description, e.Metadata)
		if err != nil {
			return created, fmt.Errorf("failed to import %q: %w", e.Title, err)
		}
		if e.Status != "" && e.Status != models.TicketStatusPending {
			if err := store.SetTicketStatus(ctx, projectPath, t.Number, e.Status); err != nil {
				return created, fmt.Errorf("failed to set status of #%d: %w", t.Number, err)
			}
			t.Status = e.Status
		}
		created = append(created, t)
	}
	return created, nil
}
