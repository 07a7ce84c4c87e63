// Package export renders a board's feedback as a downloadable file so
// owners can take their data elsewhere.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"feedbackhub/api/internal/store"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

type Result struct {
	Filename string
	MimeType string
	Data     []byte
}

// Render produces the export file for a board's requests.
func Render(board store.Board, requests []store.Request, format Format) (Result, error) {
	switch format {
	case FormatCSV:
		return renderCSV(board, requests)
	case FormatJSON:
		return renderJSON(board, requests)
	default:
		return Result{}, fmt.Errorf("unsupported export format %q", format)
	}
}

func renderCSV(board store.Board, requests []store.Request) (Result, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{"id", "title", "description", "category", "status", "votes", "created_at", "updated_at"}
	if err := writer.Write(header); err != nil {
		return Result{}, fmt.Errorf("write csv header: %w", err)
	}
	for _, request := range requests {
		row := []string{
			request.ID,
			request.Title,
			request.Description,
			request.Category,
			request.Status,
			strconv.Itoa(request.VotesCount),
			request.CreatedAt.UTC().Format(time.RFC3339),
			request.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			return Result{}, fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return Result{}, fmt.Errorf("flush csv: %w", err)
	}

	return Result{
		Filename: board.Slug + "-requests.csv",
		MimeType: "text/csv; charset=utf-8",
		Data:     buf.Bytes(),
	}, nil
}

func renderJSON(board store.Board, requests []store.Request) (Result, error) {
	type exportedRequest struct {
		ID          string    `json:"id"`
		Title       string    `json:"title"`
		Description string    `json:"description"`
		Category    string    `json:"category"`
		Status      string    `json:"status"`
		Votes       int       `json:"votes"`
		CreatedAt   time.Time `json:"createdAt"`
		UpdatedAt   time.Time `json:"updatedAt"`
	}
	type exportedBoard struct {
		Board      string            `json:"board"`
		Slug       string            `json:"slug"`
		ExportedAt time.Time         `json:"exportedAt"`
		Requests   []exportedRequest `json:"requests"`
	}

	payload := exportedBoard{
		Board:      board.Name,
		Slug:       board.Slug,
		ExportedAt: time.Now().UTC(),
		Requests:   make([]exportedRequest, 0, len(requests)),
	}
	for _, request := range requests {
		payload.Requests = append(payload.Requests, exportedRequest{
			ID:          request.ID,
			Title:       request.Title,
			Description: request.Description,
			Category:    request.Category,
			Status:      request.Status,
			Votes:       request.VotesCount,
			CreatedAt:   request.CreatedAt.UTC(),
			UpdatedAt:   request.UpdatedAt.UTC(),
		})
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("marshal export: %w", err)
	}
	return Result{
		Filename: board.Slug + "-requests.json",
		MimeType: "application/json",
		Data:     data,
	}, nil
}
