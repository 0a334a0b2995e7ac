package api

import (
	"bytes"
	"context"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/lalithlochan/formsync/internal/db"
	"github.com/lalithlochan/formsync/internal/logstore"
)

const (
	maxExportRows   = 10000
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	exportSheet     = "logs"
)

var exportHeader = []string{"id", "created_at", "integration_id", "form_id", "submission_id", "status", "message", "data"}

// collectLogs pages through Query until limit entries or the end.
func collectLogs(ctx context.Context, logs logstore.Store, f logstore.Filters, limit int) ([]*db.LogEntry, error) {
	var out []*db.LogEntry
	for offset := 0; len(out) < limit; offset += logstore.MaxLimit {
		page, err := logs.Query(ctx, f, logstore.MaxLimit, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < logstore.MaxLimit {
			break
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func buildLogWorkbook(entries []*db.LogEntry) (*bytes.Buffer, error) {
	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	if err := xl.SetSheetName(xl.GetSheetName(0), exportSheet); err != nil {
		return nil, err
	}
	if err := xl.SetSheetRow(exportSheet, "A1", &exportHeader); err != nil {
		return nil, err
	}

	for i, e := range entries {
		submission := ""
		if e.SubmissionID != nil {
			submission = strconv.FormatInt(*e.SubmissionID, 10)
		}
		row := []string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			e.IntegrationID,
			strconv.FormatInt(e.FormID, 10),
			submission,
			e.Status,
			e.Message,
			string(e.Data),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := xl.SetSheetRow(exportSheet, cell, &row); err != nil {
			return nil, err
		}
	}

	return xl.WriteToBuffer()
}
