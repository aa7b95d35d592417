package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type TicketStatus string

const (
	TicketStatusPending    TicketStatus = "pending"
	TicketStatusInProgress TicketStatus = "in progress"
	TicketStatusDone       TicketStatus = "done"
	TicketStatusMerged     TicketStatus = "merged"
	TicketStatusDeclined   TicketStatus = "declined"
)

var TicketStatuses = []TicketStatus{
	TicketStatusPending,
	TicketStatusInProgress,
	TicketStatusDone,
	TicketStatusMerged,
	TicketStatusDeclined,
}

func ParseTicketStatus(s string) (TicketStatus, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "_", " ")
	for _, st := range TicketStatuses {
		if string(st) == norm {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown ticket status %q", s)
}

type Ticket struct {
	ID          int64
	ProjectPath string
	Number      int
	Title       string
	Description string
	Status      TicketStatus
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const ticketSourcePrefix = "ticket:"

// TaskInput converts the ticket into pipeline input linked back to it.
func (t *Ticket) TaskInput() TaskInput {
	return TaskInput{
		Title:       t.Title,
		Description: t.Description,
		Source:      "ticket",
		SourceID:    ticketSourcePrefix + strconv.Itoa(t.Number),
	}
}

type Project struct {
	Path        string
	DisplayName string
	AddedAt     time.Time
}
